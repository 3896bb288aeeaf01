package domain

import (
	"errors"
	"math"
	"strings"
	"testing"
	"time"
)

func ptr(f float64) *float64 { return &f }

func TestViolationReport_Validate(t *testing.T) {
	valid := func() ViolationReport {
		return ViolationReport{
			StudentID:  "s-42",
			Kind:       KindPhoneDetected,
			Confidence: ptr(0.8),
			OccurredAt: "2026-03-01T10:00:00Z",
		}
	}

	tests := []struct {
		name   string
		mutate func(r *ViolationReport)
		field  string
	}{
		{"valid", func(r *ViolationReport) {}, ""},
		{"missing student", func(r *ViolationReport) { r.StudentID = "" }, "student_id"},
		{"bad student chars", func(r *ViolationReport) { r.StudentID = "a b" }, "student_id"},
		{"missing kind", func(r *ViolationReport) { r.Kind = "" }, "kind"},
		{"malformed kind", func(r *ViolationReport) { r.Kind = "Phone!" }, "kind"},
		{"unknown but well-formed kind", func(r *ViolationReport) { r.Kind = "gaze_away" }, ""},
		{"missing confidence", func(r *ViolationReport) { r.Confidence = nil }, "confidence"},
		{"confidence above one", func(r *ViolationReport) { r.Confidence = ptr(1.5) }, "confidence"},
		{"negative confidence", func(r *ViolationReport) { r.Confidence = ptr(-0.1) }, "confidence"},
		{"nan confidence", func(r *ViolationReport) { r.Confidence = ptr(math.NaN()) }, "confidence"},
		{"confidence zero", func(r *ViolationReport) { r.Confidence = ptr(0) }, ""},
		{"details too long", func(r *ViolationReport) { r.Details = strings.Repeat("x", MaxDetailsLen+1) }, "details"},
		{"missing timestamp", func(r *ViolationReport) { r.OccurredAt = "" }, "occurred_at"},
		{"garbage timestamp", func(r *ViolationReport) { r.OccurredAt = "yesterday" }, "occurred_at"},
		{"naive iso timestamp", func(r *ViolationReport) { r.OccurredAt = "2026-03-01T10:00:00.123456" }, ""},
		{"legacy dotted timestamp", func(r *ViolationReport) { r.OccurredAt = "01.03.2026 10:00:00" }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid()
			tt.mutate(&r)
			_, err := r.Validate()
			if tt.field == "" {
				if err != nil {
					t.Fatalf("expected valid report, got %v", err)
				}
				return
			}
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected *ValidationError, got %T", err)
			}
			if ve.Field != tt.field {
				t.Errorf("expected field %q, got %q", tt.field, ve.Field)
			}
		})
	}
}

func TestNewReport_RoundTripsThroughValidate(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 30, 0, 500, time.UTC)
	r := NewReport("s1", Detection{Kind: KindMultipleFaces, Confidence: 0.9, Detail: "2 faces"}, at)

	got, err := r.Validate()
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !got.Equal(at) {
		t.Errorf("expected %v, got %v", at, got)
	}
	if *r.Confidence != 0.9 {
		t.Errorf("expected confidence 0.9, got %v", *r.Confidence)
	}
}

func TestSeverityAndLevels(t *testing.T) {
	if KindPhoneDetected.Severity() != 5.0 {
		t.Errorf("phone severity = %v", KindPhoneDetected.Severity())
	}
	if Kind("unheard_of").Severity() != 1.5 {
		t.Errorf("default severity = %v", Kind("unheard_of").Severity())
	}

	levels := map[float64]RiskLevel{0: RiskLow, 6.9: RiskLow, 7: RiskMedium, 15: RiskHigh, 29.9: RiskHigh, 30: RiskCritical}
	for score, want := range levels {
		if got := LevelForScore(score); got != want {
			t.Errorf("LevelForScore(%v) = %s, want %s", score, got, want)
		}
	}
}
