// Package ws is the control websocket of the local client UI: commands in,
// call snapshots out.
package ws

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/callsig/internal/app/orch"
	"github.com/dkeye/callsig/internal/domain"
)

var ErrBackpressure = errors.New("backpressure")

// Calls is the part of the orchestrator the UI drives.
type Calls interface {
	Dial(ctx context.Context, req orch.DialRequest) (domain.CallID, error)
	Accept(ctx context.Context) error
	Decline(ctx context.Context) error
	Hangup(ctx context.Context) error
	SetMuted(ctx context.Context, muted bool) error
	SetCameraEnabled(ctx context.Context, enabled bool) error
	State() domain.CallSnapshot
	Observe(fn func(domain.CallSnapshot)) (cancel func())
}

// ClientCounter tracks connected sockets. metrics.Metrics satisfies it.
type ClientCounter interface {
	ClientConnected()
	ClientDisconnected()
}

type Options struct {
	ReadLimit  int64
	PingPeriod time.Duration
	// Limiter may be nil to accept every command.
	Limiter *RateLimiter
	Clients ClientCounter
	// AllowedOrigins are extra browser origins, such as "https://ui.example.com",
	// accepted besides same-host and loopback pages.
	AllowedOrigins []string
}

type Controller struct {
	calls    Calls
	opts     Options
	upgrader websocket.Upgrader
}

func NewController(calls Calls, opts Options) *Controller {
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 32768
	}
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = 54 * time.Second
	}
	ctl := &Controller{calls: calls, opts: opts}
	ctl.upgrader = websocket.Upgrader{CheckOrigin: ctl.checkOrigin}
	return ctl
}

// checkOrigin admits requests without an Origin header, pages served from the
// same host, loopback pages and the configured origins.
func (ctl *Controller) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	if strings.EqualFold(u.Host, r.Host) {
		return true
	}
	host := u.Hostname()
	if strings.EqualFold(host, "localhost") {
		return true
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return true
	}
	for _, allowed := range ctl.opts.AllowedOrigins {
		if strings.EqualFold(strings.TrimSuffix(allowed, "/"), u.Scheme+"://"+u.Host) {
			return true
		}
	}
	log.Warn().Str("module", "ws").Str("origin", origin).Msg("origin rejected")
	return false
}

type wsConn struct {
	client string
	conn   *websocket.Conn
	send   chan []byte

	mu     sync.RWMutex
	closed bool
}

func (c *wsConn) TrySend(b []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- b:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
}

// Serve upgrades the request and runs the socket until either side closes it
// or ctx is done. client identifies the browser for rate limiting.
func (ctl *Controller) Serve(ctx context.Context, w http.ResponseWriter, r *http.Request, client string) {
	ws, err := ctl.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "ws").Msg("ws upgrade")
		return
	}
	log.Info().Str("module", "ws").Str("client", client).Msg("new ws connection")

	c := &wsConn{client: client, conn: ws, send: make(chan []byte, 32)}
	if ctl.opts.Clients != nil {
		ctl.opts.Clients.ClientConnected()
	}

	ctx, cancel := context.WithCancel(ctx)
	stopObserving := ctl.calls.Observe(func(s domain.CallSnapshot) {
		if err := ctl.sendJSON(c, stateMessage(s)); err != nil {
			log.Warn().Err(err).Str("module", "ws").Str("client", client).Msg("snapshot dropped")
		}
	})
	_ = ctl.sendJSON(c, stateMessage(ctl.calls.State()))

	go ctl.writePump(ctx, c)
	go func() {
		defer func() {
			stopObserving()
			cancel()
			c.Close()
			if ctl.opts.Clients != nil {
				ctl.opts.Clients.ClientDisconnected()
			}
			if ctl.opts.Limiter != nil {
				ctl.opts.Limiter.Forget(client)
			}
		}()
		ctl.readPump(ctx, c)
	}()
}
