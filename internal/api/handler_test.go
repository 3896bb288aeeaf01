package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ashureev/classwatch/internal/domain"
)

func TestValidationFailedNamesField(t *testing.T) {
	w := httptest.NewRecorder()
	err := fmt.Errorf("ingest: %w", &domain.ValidationError{Field: "confidence", Reason: "must be within [0, 1]"})

	ValidationFailed(w, err)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	var got map[string]string
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if got["field"] != "confidence" || got["reason"] != "must be within [0, 1]" {
		t.Errorf("body = %v", got)
	}
}

func TestValidationFailedPlainError(t *testing.T) {
	w := httptest.NewRecorder()
	ValidationFailed(w, errors.New("malformed body"))

	var got map[string]string
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if w.Code != http.StatusBadRequest || got["error"] != "malformed body" {
		t.Errorf("got %d %v", w.Code, got)
	}
	if _, ok := got["field"]; ok {
		t.Error("plain error should not carry a field")
	}
}

func TestIntParam(t *testing.T) {
	tests := []struct {
		query   string
		want    int
		wantErr bool
	}{
		{"", 50, false},
		{"limit=7", 7, false},
		{"limit=-3", -3, false},
		{"limit=lots", 0, true},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/violations?"+tt.query, nil)
		got, err := intParam(r, "limit", 50)
		if (err != nil) != tt.wantErr {
			t.Errorf("%q: err = %v", tt.query, err)
			continue
		}
		if err != nil && !errors.Is(err, domain.ErrValidation) {
			t.Errorf("%q: error %v does not wrap ErrValidation", tt.query, err)
		}
		if got != tt.want {
			t.Errorf("%q: got %d, want %d", tt.query, got, tt.want)
		}
	}
}
