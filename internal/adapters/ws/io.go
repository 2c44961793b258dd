package ws

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/callsig/internal/app/orch"
	"github.com/dkeye/callsig/internal/domain"
)

const writeWait = 5 * time.Second

type inbound struct {
	Type         string `json:"type"`
	ID           string `json:"id,omitempty"`
	ReceiverID   string `json:"receiverId,omitempty"`
	ReceiverName string `json:"receiverName,omitempty"`
	Video        bool   `json:"video,omitempty"`
	Muted        bool   `json:"muted,omitempty"`
	Enabled      bool   `json:"enabled,omitempty"`
}

type stateMsg struct {
	Type string              `json:"type"`
	Call domain.CallSnapshot `json:"call"`
}

type resultMsg struct {
	Type   string        `json:"type"`
	ID     string        `json:"id,omitempty"`
	Cmd    string        `json:"cmd"`
	OK     bool          `json:"ok"`
	CallID domain.CallID `json:"callId,omitempty"`
	Code   string        `json:"code,omitempty"`
	Error  string        `json:"error,omitempty"`
}

func stateMessage(s domain.CallSnapshot) stateMsg {
	return stateMsg{Type: "state", Call: s}
}

func (ctl *Controller) writePump(ctx context.Context, c *wsConn) {
	ping := time.NewTicker(ctl.opts.PingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
			c.Close()
			return
		case <-ping.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Warn().Err(err).Str("module", "ws").Str("client", c.client).Msg("ping failed")
				c.Close()
				return
			}
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "ws").Msg("writePump set deadline")
				c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "ws").Msg("writePump write error")
				c.Close()
				return
			}
		}
	}
}

func (ctl *Controller) readPump(ctx context.Context, c *wsConn) {
	defer log.Info().Str("module", "ws").Str("client", c.client).Msg("readPump closing")

	c.conn.SetReadLimit(ctl.opts.ReadLimit)
	deadline := func() error { return c.conn.SetReadDeadline(time.Now().Add(ctl.opts.PingPeriod * 10 / 9)) }
	_ = deadline()
	c.conn.SetPongHandler(func(string) error { return deadline() })

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("module", "ws").Str("client", c.client).Msg("readPump read error")
			}
			return
		}
		_ = deadline()
		ctl.handle(ctx, c, data)
	}
}

func (ctl *Controller) handle(ctx context.Context, c *wsConn, data []byte) {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Warn().Err(err).Str("module", "ws").Msg("bad json")
		_ = ctl.sendJSON(c, resultMsg{Type: "result", OK: false, Code: "bad_request", Error: "malformed message"})
		return
	}

	switch msg.Type {
	case "ping":
		_ = ctl.sendJSON(c, struct {
			Type string `json:"type"`
		}{Type: "pong"})
		return
	case "state":
		_ = ctl.sendJSON(c, stateMessage(ctl.calls.State()))
		return
	}

	if ctl.opts.Limiter != nil && !ctl.opts.Limiter.Allow(c.client) {
		_ = ctl.sendJSON(c, resultMsg{Type: "result", ID: msg.ID, Cmd: msg.Type, Code: "rate_limited", Error: "too many commands"})
		return
	}

	var run func() (domain.CallID, error)
	switch msg.Type {
	case "call":
		run = func() (domain.CallID, error) {
			receiver, err := domain.NewParticipant(domain.ParticipantID(msg.ReceiverID), msg.ReceiverName)
			if err != nil {
				return "", err
			}
			return ctl.calls.Dial(ctx, orch.DialRequest{Receiver: receiver, Video: msg.Video})
		}
	case "accept":
		run = func() (domain.CallID, error) { return "", ctl.calls.Accept(ctx) }
	case "decline":
		run = func() (domain.CallID, error) { return "", ctl.calls.Decline(ctx) }
	case "hangup":
		run = func() (domain.CallID, error) { return "", ctl.calls.Hangup(ctx) }
	case "mute":
		run = func() (domain.CallID, error) { return "", ctl.calls.SetMuted(ctx, msg.Muted) }
	case "camera":
		run = func() (domain.CallID, error) { return "", ctl.calls.SetCameraEnabled(ctx, msg.Enabled) }
	default:
		log.Warn().Str("module", "ws").Str("type", msg.Type).Msg("unknown command")
		_ = ctl.sendJSON(c, resultMsg{Type: "result", ID: msg.ID, Cmd: msg.Type, Code: "bad_request", Error: "unknown command"})
		return
	}

	// Dial and accept block until signaling settles; a hangup sent meanwhile
	// must still get through.
	go func() {
		id, err := run()
		res := resultMsg{Type: "result", ID: msg.ID, Cmd: msg.Type, OK: err == nil, CallID: id}
		if err != nil {
			res.Code = ErrorCode(err)
			res.Error = err.Error()
		}
		_ = ctl.sendJSON(c, res)
	}()
}

func (ctl *Controller) sendJSON(c *wsConn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "ws").Msg("sendJSON marshal")
		return err
	}
	return c.TrySend(b)
}

// ErrorCode maps command errors to stable identifiers for the UI.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, domain.ErrBusy):
		return "busy"
	case errors.Is(err, domain.ErrNoCall):
		return "no_call"
	case errors.Is(err, domain.ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, domain.ErrReceiverUnavailable):
		return "receiver_unavailable"
	case errors.Is(err, domain.ErrBlocked):
		return "blocked"
	case errors.Is(err, domain.ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, domain.ErrDeviceUnavailable):
		return "device_unavailable"
	case errors.Is(err, domain.ErrSignalingUnavailable):
		return "signaling_unavailable"
	case errors.Is(err, domain.ErrCallEnded):
		return "call_ended"
	case errors.Is(err, orch.ErrStopped):
		return "stopped"
	case errors.Is(err, domain.ErrParticipantIDEmpty), errors.Is(err, domain.ErrParticipantIDTooLong),
		errors.Is(err, domain.ErrNameTooLong):
		return "bad_request"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "internal"
	}
}
