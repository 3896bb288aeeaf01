package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/classwatch/internal/feed"
	"github.com/ashureev/classwatch/internal/store"
	"github.com/go-chi/chi/v5"
)

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	repo    store.Repository
	hub     *feed.Hub
	screens *feed.ScreenRelay
	timeout time.Duration
	started time.Time
}

// NewHealthHandler creates a new health handler. hub may be nil.
func NewHealthHandler(repo store.Repository, hub *feed.Hub, timeout time.Duration) *HealthHandler {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthHandler{repo: repo, hub: hub, timeout: timeout, started: time.Now()}
}

// WithScreens adds screen relay counters to the report.
func (h *HealthHandler) WithScreens(r *feed.ScreenRelay) *HealthHandler {
	h.screens = r
	return h
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]interface{}{
		"status":         "healthy",
		"checks":         checks,
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
	}
	statusCode := http.StatusOK

	if err := h.repo.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		status["status"] = "degraded"
		checks["store"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["store"] = "ok"
		if n, err := h.repo.Count(ctx); err == nil {
			status["events_stored"] = n
		}
	}

	if h.hub != nil {
		status["feed"] = h.hub.Stats()
	}
	if h.screens != nil {
		status["screens"] = h.screens.Stats()
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the detailed health route. The bare /health
// liveness check is served by the chi Heartbeat middleware.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/api/health", h.Health)
}
