package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/callsig/internal/adapters/ws"
	"github.com/dkeye/callsig/internal/app/orch"
	"github.com/dkeye/callsig/internal/domain"
)

type RouterConfig struct {
	Mode   string
	Secret string
}

type Deps struct {
	Calls   ws.Calls
	WS      *ws.Controller
	Metrics http.Handler // optional
}

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = uuid.NewString()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg RouterConfig, deps Deps) *gin.Engine {
	switch cfg.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("CallsigSessions", store))
	r.Use(ClientTokenMiddleware())

	if deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	h := &handlers{calls: deps.Calls}
	api := r.Group("/api")
	api.GET("/state", h.state)
	api.POST("/calls", h.dial)
	api.POST("/calls/accept", h.command(func(c context.Context) error { return deps.Calls.Accept(c) }))
	api.POST("/calls/decline", h.command(func(c context.Context) error { return deps.Calls.Decline(c) }))
	api.POST("/calls/hangup", h.command(func(c context.Context) error { return deps.Calls.Hangup(c) }))
	api.POST("/calls/mute", h.toggle("muted", deps.Calls.SetMuted))
	api.POST("/calls/camera", h.toggle("enabled", deps.Calls.SetCameraEnabled))

	if deps.WS != nil {
		api.GET("/ws", func(c *gin.Context) {
			client := c.GetString("client_token")
			sess := sessions.Default(c)
			if sess.Get("connected") == nil {
				sess.Set("connected", true)
				_ = sess.Save()
			}
			log.Info().Str("module", "adapters.http").Str("client", client).Msg("ws endpoint hit")
			deps.WS.Serve(ctx, c.Writer, c.Request, client)
		})
	}

	log.Info().Str("module", "adapters.http").Str("mode", cfg.Mode).Msg("router setup")
	return r
}

type handlers struct {
	calls ws.Calls
}

type dialBody struct {
	ReceiverID   string `json:"receiverId" binding:"required"`
	ReceiverName string `json:"receiverName"`
	Video        bool   `json:"video"`
}

func (h *handlers) state(c *gin.Context) {
	c.JSON(http.StatusOK, h.calls.State())
}

func (h *handlers) dial(c *gin.Context) {
	var body dialBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "bad_request", "error": err.Error()})
		return
	}
	receiver, err := domain.NewParticipant(domain.ParticipantID(body.ReceiverID), body.ReceiverName)
	if err != nil {
		fail(c, err)
		return
	}
	id, err := h.calls.Dial(c.Request.Context(), orch.DialRequest{Receiver: receiver, Video: body.Video})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"callId": id, "call": h.calls.State()})
}

func (h *handlers) command(run func(context.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := run(c.Request.Context()); err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, h.calls.State())
	}
}

// toggle reads a single boolean field named key from the body.
func (h *handlers) toggle(key string, set func(context.Context, bool) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body map[string]*bool
		if err := c.ShouldBindJSON(&body); err != nil || body[key] == nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": "bad_request", "error": key + " is required"})
			return
		}
		if err := set(c.Request.Context(), *body[key]); err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, h.calls.State())
	}
}

func fail(c *gin.Context, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("module", "adapters.http").Str("path", c.FullPath()).Msg("command failed")
	}
	c.JSON(status, gin.H{"code": ws.ErrorCode(err), "error": err.Error()})
}

func StatusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrBusy), errors.Is(err, domain.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, domain.ErrNoCall):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrBlocked):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrReceiverUnavailable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrParticipantIDEmpty), errors.Is(err, domain.ErrParticipantIDTooLong),
		errors.Is(err, domain.ErrNameTooLong):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrCallEnded):
		return http.StatusGone
	case errors.Is(err, domain.ErrSignalingUnavailable), errors.Is(err, orch.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
