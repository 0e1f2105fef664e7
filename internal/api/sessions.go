package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/jobtalk/internal/identity"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// RegisterRoutes registers the session routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/config", h.GetConfig)
		r.Post("/sessions", h.CreateSession)
		r.Get("/sessions/{id}/state", h.GetState)
		r.Delete("/sessions/{id}", h.DeleteSession)
	})
}

// GetConfig returns the registered tool names and the delivery policy.
func (h *Handler) GetConfig(w http.ResponseWriter, _ *http.Request) {
	names := h.toolNames
	if names == nil {
		names = []string{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"tools":                names,
		"tool_result_delivery": h.delivery,
	})
}

// CreateSession allocates a fresh session id and its state.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	id := uuid.NewString()
	if _, err := h.sessions.GetOrCreate(r.Context(), id); err != nil {
		slog.Error("Failed to create session", "session_id", id, "error", err)
		Error(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	slog.Info("Session created", "session_id", id)
	JSON(w, http.StatusCreated, map[string]string{"session_id": id})
}

// GetState returns the UI state snapshot of a cached session.
func (h *Handler) GetState(w http.ResponseWriter, r *http.Request) {
	id, ok := identity.SanitizeSessionID(chi.URLParam(r, "id"))
	if !ok {
		Error(w, http.StatusBadRequest, "invalid session id")
		return
	}
	sess, found := h.sessions.Get(id)
	if !found {
		Error(w, http.StatusNotFound, "session not found")
		return
	}
	JSON(w, http.StatusOK, sess.UI.GetState())
}

// DeleteSession drops a session from the cache and the durable store and
// closes its live connection. Unknown ids succeed.
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	id, ok := identity.SanitizeSessionID(chi.URLParam(r, "id"))
	if !ok {
		Error(w, http.StatusBadRequest, "invalid session id")
		return
	}
	if err := h.sessions.Delete(r.Context(), id); err != nil {
		slog.Error("Failed to delete session", "session_id", id, "error", err)
		Error(w, http.StatusInternalServerError, "failed to delete session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Pinger reports durable store connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	store   Pinger
	timeout time.Duration
}

// NewHealthHandler creates a new health handler. A nil store reports the
// in-memory backend.
func NewHealthHandler(store Pinger, timeout time.Duration) *HealthHandler {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthHandler{store: store, timeout: timeout}
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]interface{}{
		"status": "healthy",
		"checks": checks,
	}
	statusCode := http.StatusOK

	switch {
	case h.store == nil:
		checks["store"] = "memory"
	case h.store.Ping(ctx) != nil:
		slog.Error("Health check failed", "check", "store")
		status["status"] = "degraded"
		checks["store"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	default:
		checks["store"] = "ok"
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/api/health", h.Health)
}
