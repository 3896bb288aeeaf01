package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ashureev/classwatch/internal/archive"
	"github.com/ashureev/classwatch/internal/domain"
	"github.com/ashureev/classwatch/internal/identity"
	"github.com/go-chi/chi/v5"
)

// multipartOverhead is the room left for form fields and part headers on
// top of the image itself.
const multipartOverhead = 64 << 10

// ScreenshotHandler serves the screenshot archive.
type ScreenshotHandler struct {
	archive *archive.Store
	limiter *RateLimiter
}

// NewScreenshotHandler creates the archive handler. limiter may be nil.
func NewScreenshotHandler(a *archive.Store, limiter *RateLimiter) *ScreenshotHandler {
	return &ScreenshotHandler{archive: a, limiter: limiter}
}

// RegisterRoutes registers upload, listing and static file routes.
func (h *ScreenshotHandler) RegisterRoutes(r chi.Router) {
	r.Post("/upload", h.Upload)
	r.Get("/api/screenshots/list", h.List)
	r.Handle("/storage/*", h.Files())
}

// Upload handles multipart POST /upload.
// Form fields: student_id, file, and optionally violation_type.
func (h *ScreenshotHandler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.archive.MaxBytes()+multipartOverhead)
	if err := r.ParseMultipartForm(multipartOverhead); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "upload too large")
			return
		}
		Error(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	defer func() {
		if err := r.MultipartForm.RemoveAll(); err != nil {
			slog.Debug("Failed to remove multipart temp files", "error", err)
		}
	}()

	studentID := r.FormValue("student_id")
	if studentID == "" {
		ValidationFailed(w, &domain.ValidationError{Field: "student_id", Reason: "is required"})
		return
	}
	if declared := identity.StudentIDFromContext(r.Context()); declared != "" && declared != studentID {
		ValidationFailed(w, &domain.ValidationError{Field: "student_id", Reason: "does not match the " + identity.StudentHeaderName + " header"})
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		ValidationFailed(w, &domain.ValidationError{Field: "file", Reason: "is required"})
		return
	}
	defer file.Close()

	if domain.ValidStudentID(studentID) && !h.limiter.Allow(studentID) {
		slog.Warn("Upload rate limit exceeded", "student_id", studentID, "ip", identity.IPFromRequest(r))
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	shot, err := h.archive.Save(studentID, domain.Kind(r.FormValue("violation_type")), file)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrValidation):
			ValidationFailed(w, err)
		case errors.Is(err, archive.ErrTooLarge):
			Error(w, http.StatusRequestEntityTooLarge, err.Error())
		case errors.Is(err, archive.ErrUnsupportedImage):
			Error(w, http.StatusUnsupportedMediaType, err.Error())
		default:
			slog.Error("Failed to store screenshot", "error", err, "student_id", studentID)
			Error(w, http.StatusInternalServerError, "failed to store screenshot")
		}
		return
	}

	slog.Info("Screenshot stored", "student_id", studentID, "name", shot.Name, "size", shot.Size)
	JSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"shot":   shot,
		"url":    "/storage/" + shot.Path(),
	})
}

// List handles GET /api/screenshots/list, optionally for one student_id.
func (h *ScreenshotHandler) List(w http.ResponseWriter, r *http.Request) {
	students := map[string][]string{}
	if id := r.URL.Query().Get("student_id"); id != "" {
		if !domain.ValidStudentID(id) {
			ValidationFailed(w, &domain.ValidationError{Field: "student_id", Reason: "must be 1-128 characters of [A-Za-z0-9._:-]"})
			return
		}
		names, err := h.archive.ListStudent(id)
		if err != nil {
			slog.Error("Failed to list screenshots", "error", err, "student_id", id)
			Error(w, http.StatusInternalServerError, "failed to list screenshots")
			return
		}
		if len(names) > 0 {
			students[id] = names
		}
	} else {
		all, err := h.archive.List()
		if err != nil {
			slog.Error("Failed to list screenshots", "error", err)
			Error(w, http.StatusInternalServerError, "failed to list screenshots")
			return
		}
		students = all
	}
	JSON(w, http.StatusOK, map[string]interface{}{"students": students})
}

// Files serves the storage directory under /storage/. Directory listings
// are not served.
func (h *ScreenshotHandler) Files() http.Handler {
	files := http.StripPrefix("/storage", http.FileServer(http.Dir(h.archive.Root())))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/") {
			http.NotFound(w, r)
			return
		}
		files.ServeHTTP(w, r)
	})
}
