// Package api provides HTTP handlers for the classwatch server.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/ashureev/classwatch/internal/domain"
)

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// ValidationFailed writes a 400 naming the offending field when known.
func ValidationFailed(w http.ResponseWriter, err error) {
	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		JSON(w, http.StatusBadRequest, map[string]string{
			"error":  ve.Error(),
			"field":  ve.Field,
			"reason": ve.Reason,
		})
		return
	}
	Error(w, http.StatusBadRequest, err.Error())
}

// intParam parses an integer query parameter, returning fallback when absent.
func intParam(r *http.Request, name string, fallback int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &domain.ValidationError{Field: name, Reason: "must be an integer"}
	}
	return n, nil
}
