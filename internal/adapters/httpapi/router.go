// Package httpapi exposes the local control surface: a small JSON API the
// desktop shell drives to place, answer and steer calls, plus a websocket
// feed of call state changes.
package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/bawaal/callkit/internal/app"
	"github.com/bawaal/callkit/internal/config"
	"github.com/bawaal/callkit/internal/domain"
)

func genClientToken() string {
	idStr := uuid.NewString()
	return idStr
}

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(cfg *config.Config, mgr *app.Manager) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("CallkitSessions", store))
	r.Use(ClientTokenMiddleware())

	h := &handlers{mgr: mgr, limiter: newCallRateLimiter(5, time.Minute)}

	api := r.Group("/api")
	api.GET("/call", h.snapshot)
	api.POST("/call", h.initiate)
	api.POST("/call/accept", h.accept)
	api.POST("/call/reject", h.reject)
	api.POST("/call/end", h.end)
	api.POST("/call/mute", h.toggleMute)
	api.POST("/call/video", h.toggleVideo)
	api.POST("/call/camera", h.switchCamera)
	api.POST("/call/screen", h.toggleScreen)
	api.GET("/ws/events", h.events)

	log.Info().Str("module", "httpapi").Msg("router setup")
	return r
}

type handlers struct {
	mgr     *app.Manager
	limiter *callRateLimiter
}

func (h *handlers) snapshot(c *gin.Context) {
	c.JSON(http.StatusOK, h.mgr.Snapshot())
}

type initiateReq struct {
	ReceiverID string `json:"receiverId" binding:"required"`
	Type       string `json:"type" binding:"required"`
}

func (h *handlers) initiate(c *gin.Context) {
	if !h.limiter.Allow(c.GetString("client_token")) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many call attempts"})
		return
	}
	var req initiateReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctrl, err := h.mgr.Initiate(c.Request.Context(), domain.UserID(req.ReceiverID), domain.CallType(req.Type))
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, ctrl.Snapshot())
}

func (h *handlers) accept(c *gin.Context) {
	h.withActive(c, func(ctrl *app.Controller) error {
		return ctrl.Accept(c.Request.Context())
	})
}

func (h *handlers) reject(c *gin.Context) {
	h.withActive(c, func(ctrl *app.Controller) error {
		return ctrl.Reject(c.Request.Context())
	})
}

func (h *handlers) end(c *gin.Context) {
	h.withActive(c, func(ctrl *app.Controller) error {
		return ctrl.End(c.Request.Context())
	})
}

func (h *handlers) toggleMute(c *gin.Context) {
	h.withActive(c, func(ctrl *app.Controller) error {
		ctrl.ToggleMute()
		return nil
	})
}

func (h *handlers) toggleVideo(c *gin.Context) {
	h.withActive(c, func(ctrl *app.Controller) error {
		ctrl.ToggleVideo()
		return nil
	})
}

func (h *handlers) switchCamera(c *gin.Context) {
	h.withActive(c, func(ctrl *app.Controller) error {
		return ctrl.SwitchCamera(c.Request.Context())
	})
}

func (h *handlers) toggleScreen(c *gin.Context) {
	h.withActive(c, func(ctrl *app.Controller) error {
		_, err := ctrl.ToggleScreenShare(c.Request.Context())
		return err
	})
}

func (h *handlers) withActive(c *gin.Context, fn func(*app.Controller) error) {
	ctrl, ok := h.mgr.Active()
	if !ok {
		c.JSON(http.StatusConflict, gin.H{"error": "no active call"})
		return
	}
	if err := fn(ctrl); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, ctrl.Snapshot())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, app.ErrCallInProgress):
		return http.StatusConflict
	case errors.Is(err, app.ErrCallOver), errors.Is(err, app.ErrNoIncomingCall):
		return http.StatusConflict
	case errors.Is(err, app.ErrNotStarted):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrSameUser), errors.Is(err, domain.ErrBadCallType):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
