package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ashureev/classwatch/internal/domain"
	"github.com/ashureev/classwatch/internal/identity"
	"github.com/ashureev/classwatch/internal/ingest"
	"github.com/ashureev/classwatch/internal/store"
	"github.com/ashureev/classwatch/internal/wire"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

const (
	defaultHistoryLimit = 1000
	maxHistoryLimit     = 10000
)

// ViolationHandler serves violation ingestion and history.
type ViolationHandler struct {
	svc     *ingest.Service
	limiter *RateLimiter
}

// NewViolationHandler creates the ingestion handler. limiter may be nil.
func NewViolationHandler(svc *ingest.Service, limiter *RateLimiter) *ViolationHandler {
	return &ViolationHandler{svc: svc, limiter: limiter}
}

// RegisterRoutes registers ingestion and history routes.
func (h *ViolationHandler) RegisterRoutes(r chi.Router) {
	r.Post("/violations", h.Create)
	r.Post("/notify", h.Notify)
	r.Get("/violations", h.List)
	r.Get("/violations/{student_id}", h.ListByStudent)
	r.Get("/api/students", h.Students)
}

// Create handles POST /violations with a JSON or protobuf body.
func (h *ViolationHandler) Create(w http.ResponseWriter, r *http.Request) {
	report, err := wire.DecodeReport(r.Header.Get("Content-Type"), r.Body)
	if err != nil {
		if errors.Is(err, wire.ErrBodyTooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	h.ingest(w, r, report)
}

// Notify handles the form-encoded POST /notify used by older agents.
// Form fields: student_id, violation_type, violation_data, timestamp.
func (h *ViolationHandler) Notify(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, wire.MaxBodySize)
	if err := r.ParseMultipartForm(wire.MaxBodySize); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		Error(w, http.StatusBadRequest, "invalid form body")
		return
	}

	confidence := 1.0
	if raw := r.FormValue("confidence"); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			ValidationFailed(w, &domain.ValidationError{Field: "confidence", Reason: "must be a number"})
			return
		}
		confidence = parsed
	}
	occurredAt := r.FormValue("timestamp")
	if occurredAt == "" {
		occurredAt = time.Now().Format(time.RFC3339Nano)
	}

	h.ingest(w, r, domain.ViolationReport{
		StudentID:  r.FormValue("student_id"),
		Kind:       domain.Kind(r.FormValue("violation_type")),
		Confidence: &confidence,
		OccurredAt: occurredAt,
		Details:    r.FormValue("violation_data"),
	})
}

func (h *ViolationHandler) ingest(w http.ResponseWriter, r *http.Request, report domain.ViolationReport) {
	// The body is authoritative; a declared student header only cross-checks it.
	if declared := identity.StudentIDFromContext(r.Context()); declared != "" && report.StudentID != "" && declared != report.StudentID {
		ValidationFailed(w, &domain.ValidationError{Field: "student_id", Reason: "does not match the " + identity.StudentHeaderName + " header"})
		return
	}

	// Validate before rate limiting so malformed reports neither spend a
	// student's quota nor add limiter keys.
	if _, err := report.Validate(); err != nil {
		slog.Info("Rejected violation report",
			"error", err,
			"student_id", report.StudentID,
			"request_id", chiMiddleware.GetReqID(r.Context()),
		)
		ValidationFailed(w, err)
		return
	}

	if !h.limiter.Allow(report.StudentID) {
		slog.Warn("Ingest rate limit exceeded", "student_id", report.StudentID, "ip", identity.IPFromRequest(r))
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	res, err := h.svc.Ingest(r.Context(), report)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrValidation):
			slog.Info("Rejected violation report",
				"error", err,
				"student_id", report.StudentID,
				"request_id", chiMiddleware.GetReqID(r.Context()),
			)
			ValidationFailed(w, err)
		case errors.Is(err, store.ErrStoreWrite):
			Error(w, http.StatusServiceUnavailable, "failed to store violation")
		default:
			slog.Error("Ingest failed", "error", err)
			Error(w, http.StatusInternalServerError, "unexpected server error")
		}
		return
	}

	JSON(w, http.StatusCreated, map[string]interface{}{
		"status":            "ok",
		"event":             res.Event,
		"viewers_notified":  res.ViewersNotified,
		"teachers_notified": res.ViewersNotified,
	})
}

// List handles GET /violations?after_seq=&limit=.
func (h *ViolationHandler) List(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, "")
}

// ListByStudent handles GET /violations/{student_id}.
func (h *ViolationHandler) ListByStudent(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, chi.URLParam(r, "student_id"))
}

func (h *ViolationHandler) list(w http.ResponseWriter, r *http.Request, studentID string) {
	limit, err := intParam(r, "limit", defaultHistoryLimit)
	if err != nil {
		ValidationFailed(w, err)
		return
	}
	if limit <= 0 || limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	afterSeq, err := intParam(r, "after_seq", 0)
	if err != nil {
		ValidationFailed(w, err)
		return
	}

	events, err := h.svc.History(r.Context(), store.Query{
		StudentID: studentID,
		AfterSeq:  int64(afterSeq),
		Limit:     limit,
	})
	if err != nil {
		if errors.Is(err, domain.ErrValidation) {
			ValidationFailed(w, err)
			return
		}
		slog.Error("Failed to list violations", "error", err, "student_id", studentID)
		Error(w, http.StatusInternalServerError, "failed to list violations")
		return
	}
	if events == nil {
		events = []domain.ViolationEvent{}
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"violations": events,
		"count":      len(events),
	})
}

// Students handles GET /api/students.
func (h *ViolationHandler) Students(w http.ResponseWriter, r *http.Request) {
	sums, err := h.svc.Students(r.Context())
	if err != nil {
		slog.Error("Failed to list students", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list students")
		return
	}
	if sums == nil {
		sums = []store.StudentSummary{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"students": sums})
}
