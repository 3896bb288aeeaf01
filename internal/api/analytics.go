package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/ashureev/classwatch/internal/analytics"
	"github.com/ashureev/classwatch/internal/domain"
	"github.com/go-chi/chi/v5"
)

// AnalyticsHandler serves risk reports for the proctor.
type AnalyticsHandler struct {
	svc *analytics.Service
}

// NewAnalyticsHandler creates an analytics handler.
func NewAnalyticsHandler(svc *analytics.Service) *AnalyticsHandler {
	return &AnalyticsHandler{svc: svc}
}

// RegisterRoutes registers /api/analytics routes.
func (h *AnalyticsHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/analytics", func(r chi.Router) {
		r.Get("/overview", h.Overview)
		r.Get("/leaderboard", h.Leaderboard)
		r.Get("/timeline", h.Timeline)
		r.Get("/students/{student_id}/insights", h.Insights)
	})
}

// Overview handles GET /api/analytics/overview.
func (h *AnalyticsHandler) Overview(w http.ResponseWriter, r *http.Request) {
	ov, err := h.svc.Overview(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	JSON(w, http.StatusOK, ov)
}

// Leaderboard handles GET /api/analytics/leaderboard?limit=1..100.
func (h *AnalyticsHandler) Leaderboard(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", analytics.DefaultLeaderboard)
	if err != nil {
		ValidationFailed(w, err)
		return
	}
	if limit < analytics.MinLeaderboard || limit > analytics.MaxLeaderboard {
		ValidationFailed(w, &domain.ValidationError{Field: "limit", Reason: "must be between 1 and 100"})
		return
	}

	board, err := h.svc.Leaderboard(r.Context(), limit)
	if err != nil {
		h.fail(w, err)
		return
	}
	if board == nil {
		board = []analytics.StudentRisk{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"leaderboard": board})
}

// Timeline handles GET /api/analytics/timeline?minutes=10..1440.
func (h *AnalyticsHandler) Timeline(w http.ResponseWriter, r *http.Request) {
	minutes, err := intParam(r, "minutes", analytics.DefaultTimelineMinutes)
	if err != nil {
		ValidationFailed(w, err)
		return
	}
	if minutes < analytics.MinTimelineMinutes || minutes > analytics.MaxTimelineMinutes {
		ValidationFailed(w, &domain.ValidationError{Field: "minutes", Reason: "must be between 10 and 1440"})
		return
	}

	tl, err := h.svc.Timeline(r.Context(), minutes)
	if err != nil {
		h.fail(w, err)
		return
	}
	JSON(w, http.StatusOK, tl)
}

// Insights handles GET /api/analytics/students/{student_id}/insights.
func (h *AnalyticsHandler) Insights(w http.ResponseWriter, r *http.Request) {
	in, err := h.svc.Insight(r.Context(), chi.URLParam(r, "student_id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	JSON(w, http.StatusOK, in)
}

func (h *AnalyticsHandler) fail(w http.ResponseWriter, err error) {
	if errors.Is(err, domain.ErrValidation) {
		ValidationFailed(w, err)
		return
	}
	slog.Error("Analytics query failed", "error", err)
	Error(w, http.StatusInternalServerError, "failed to compute analytics")
}
