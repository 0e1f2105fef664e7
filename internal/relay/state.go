package relay

import (
	"context"
	"net/http"

	"github.com/ashureev/jobtalk/internal/identity"
	"github.com/ashureev/jobtalk/internal/metrics"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"
)

// AttachState registers the companion UI-state endpoint at path. It carries
// only ui_state_update pushes and UI messages, never backend traffic.
func (h *Handler) AttachState(r chi.Router, path string) {
	r.With(identity.Middleware("")).Get(path, h.ServeState)
}

// ServeState serves one companion UI-state connection.
func (h *Handler) ServeState(w http.ResponseWriter, r *http.Request) {
	sessionID := identity.SessionIDFromContext(r.Context())
	if sessionID == "" {
		http.Error(w, "session id (sid) query parameter is required", http.StatusBadRequest)
		return
	}
	logger := h.logger.With("session_id", sessionID, "channel", "state")

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		logger.Error("Failed to accept WebSocket", "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "state channel closed"); closeErr != nil {
			logger.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sess, err := h.sessions.GetOrCreate(ctx, sessionID)
	if err != nil {
		logger.Error("Failed to resolve session", "error", err)
		return
	}
	id := sess.UI.Subscribe(pushState(ws))
	defer sess.UI.RemoveListener(id)
	logger.Info("UI state channel opened")

	limiter := rate.NewLimiter(h.uiRate, h.uiBurst)
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				logger.Warn("State channel read error", "error", err)
			}
			break
		}
		sess.Touch()

		kind, eventType, err := parseKind(data)
		if err != nil || !kind.IsUI() {
			logger.Debug("Ignoring non-UI frame on state channel", "type", eventType)
			continue
		}
		if !limiter.Allow() {
			logger.Warn("Dropping UI message over rate limit", "type", eventType)
			countFrame(metrics.DirectionToServer, metrics.ActionLimited)
			continue
		}
		countFrame(metrics.DirectionToServer, metrics.ActionUI)
		handleUIMessage(ctx, h, sess, data, logger)
	}
	logger.Info("UI state channel closed")
}
