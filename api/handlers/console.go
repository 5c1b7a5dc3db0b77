// Package handlers provides the HTTP surface of the console proxy.
package handlers

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/CrazyForks/anyvm/internal/config"
	"github.com/CrazyForks/anyvm/internal/control"
	"github.com/CrazyForks/anyvm/internal/logger"
	"github.com/CrazyForks/anyvm/internal/model"
	"github.com/CrazyForks/anyvm/internal/relay"
	"github.com/CrazyForks/anyvm/internal/store"
	"github.com/CrazyForks/anyvm/internal/viewer"
	"github.com/CrazyForks/anyvm/internal/wsframe"
)

// ConsoleHandler serves the viewer page and upgrades /websockify requests
// into relay sessions.
type ConsoleHandler struct {
	cfg         *config.Context
	dispatcher  *control.Dispatcher
	broadcaster *relay.Broadcaster
	sessions    *store.SessionStore
	life        *logger.Lifecycle
}

// NewConsoleHandler creates a new ConsoleHandler. broadcaster may be nil when
// the instance runs in VNC mode.
func NewConsoleHandler(cfg *config.Context, dispatcher *control.Dispatcher, broadcaster *relay.Broadcaster, sessions *store.SessionStore, life *logger.Lifecycle) *ConsoleHandler {
	return &ConsoleHandler{
		cfg:         cfg,
		dispatcher:  dispatcher,
		broadcaster: broadcaster,
		sessions:    sessions,
		life:        life,
	}
}

// Websockify handles GET /websockify - upgrades the connection and runs a
// relay session in the instance's console mode.
func (h *ConsoleHandler) Websockify(c *gin.Context) {
	if !wsframe.IsUpgrade(c.Request) {
		sendError(c, http.StatusBadRequest, "NOT_WEBSOCKET", "WebSocket upgrade required")
		return
	}

	conn, br, err := wsframe.Upgrade(c.Writer, c.Request)
	if err != nil {
		log.Printf("upgrade failed for %s: %v", c.Request.RemoteAddr, err)
		return
	}

	sess := relay.NewSession(h.cfg.Mode(), conn, br, h.dispatcher, h.cfg.Debug)
	h.record(sess)
	h.life.Event("session %s attached from %s (%s)", sess.ID, sess.RemoteAddr(), sess.Mode)

	switch sess.Mode {
	case model.SessionModeSerial:
		err = relay.RunSerial(sess, h.broadcaster)
	default:
		err = relay.RunVNC(sess, relay.DefaultVNCOptions(h.cfg.BackendAddr()))
	}
	h.finish(sess, err)
}

// record persists the new session; storage failures never block the relay.
func (h *ConsoleHandler) record(sess *relay.Session) {
	if h.sessions == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := h.sessions.Create(ctx, &model.Session{
		ID:         sess.ID,
		Mode:       sess.Mode,
		RemoteAddr: sess.RemoteAddr(),
		State:      model.SessionStateActive,
		StartedAt:  time.Now(),
	})
	if err != nil {
		log.Printf("record session %s: %v", sess.ID, err)
	}
}

func (h *ConsoleHandler) finish(sess *relay.Session, runErr error) {
	if runErr != nil {
		h.life.Event("session %s ended: %v", sess.ID, runErr)
	} else {
		h.life.Event("session %s ended", sess.ID)
	}
	if h.sessions == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.sessions.UpdateState(ctx, sess.ID, model.SessionStateClosed); err != nil {
		log.Printf("close session %s: %v", sess.ID, err)
	}
	detail := ""
	if runErr != nil {
		detail = runErr.Error()
	}
	if err := h.sessions.AddEvent(ctx, sess.ID, "disconnect", detail); err != nil {
		log.Printf("record disconnect %s: %v", sess.ID, err)
	}
}

// Viewer handles every other GET - it renders the embedded console page.
// The page must never be cached: the WebSocket URL and flags are per-instance.
func (h *ConsoleHandler) Viewer(c *gin.Context) {
	scheme := "ws"
	if c.Request.TLS != nil {
		scheme = "wss"
	}
	page, err := viewer.Render(viewer.PageData{
		Label:        h.cfg.Label,
		ConsoleMode:  string(h.cfg.Mode()),
		AudioEnabled: h.cfg.AudioEnabled,
		WebSocketURL: scheme + "://" + c.Request.Host + "/websockify",
	})
	if err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to render page: "+err.Error())
		return
	}

	c.Header("Cache-Control", "no-store")
	c.Header("Pragma", "no-cache")
	c.Data(http.StatusOK, "text/html; charset=utf-8", page)
}

// ListSessions handles GET /api/sessions - lists recorded relay sessions.
func (h *ConsoleHandler) ListSessions(c *gin.Context) {
	sessions, err := h.sessions.List(c.Request.Context())
	if err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list sessions: "+err.Error())
		return
	}
	if sessions == nil {
		sessions = []*model.Session{}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

// Health handles GET /health.
func (h *ConsoleHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"label":  h.cfg.Label,
		"mode":   h.cfg.Mode(),
	})
}

// RegisterRoutes registers all console routes on the Gin engine.
func (h *ConsoleHandler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.Health)
	r.GET("/api/sessions", h.ListSessions)
	r.GET("/websockify", h.Websockify)
	r.NoRoute(h.Viewer)
}

// sendError sends an error response with the appropriate status code.
func sendError(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	})
}
