// Package domain contains core domain types for the classwatch proctoring system.
package domain

import (
	"math"
	"regexp"
	"strings"
	"time"
)

// Kind identifies the category of a suspected violation.
// The set is open: agents may report kinds the server has never seen.
type Kind string

const (
	KindAttentionLoss    Kind = "attention_loss"
	KindFaceNotFound     Kind = "face_not_found"
	KindMultipleFaces    Kind = "multiple_faces"
	KindPhoneDetected    Kind = "phone_detected"
	KindTabSwitch        Kind = "tab_switch"
	KindSuspiciousWindow Kind = "suspicious_window"
)

// MaxDetailsLen caps the free-form details attached to a report.
const MaxDetailsLen = 512

var (
	studentIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)
	kindPattern      = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)
)

// Valid reports whether k is well formed.
func (k Kind) Valid() bool {
	return kindPattern.MatchString(string(k))
}

// ValidStudentID reports whether id is an acceptable student identifier.
func ValidStudentID(id string) bool {
	return studentIDPattern.MatchString(id)
}

// BBox is an optional region of interest inside a frame, in pixels.
type BBox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Detection is a single detector finding for one frame.
type Detection struct {
	Kind       Kind    `json:"kind"`
	Confidence float64 `json:"confidence"`
	BBox       *BBox   `json:"bbox,omitempty"`
	Detail     string  `json:"detail,omitempty"`
}

// ViolationReport is the body an agent submits to the server.
// Confidence is a pointer so that an omitted field can be told apart from 0.
type ViolationReport struct {
	StudentID  string   `json:"student_id"`
	Kind       Kind     `json:"kind"`
	Confidence *float64 `json:"confidence"`
	OccurredAt string   `json:"occurred_at"`
	Details    string   `json:"details,omitempty"`
	BBox       *BBox    `json:"bbox,omitempty"`
}

// ViolationEvent is a validated, server-stamped violation record.
type ViolationEvent struct {
	EventID     string    `json:"event_id"`
	Seq         int64     `json:"seq"`
	StudentID   string    `json:"student_id"`
	Kind        Kind      `json:"kind"`
	Confidence  float64   `json:"confidence"`
	Details     string    `json:"details,omitempty"`
	BBox        *BBox     `json:"bbox,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
	ReceivedAt  time.Time `json:"received_at"`
	ClockSkewMS int64     `json:"clock_skew_ms"`
}

// NewReport builds a report for a detection observed at the given instant.
func NewReport(studentID string, d Detection, at time.Time) ViolationReport {
	conf := d.Confidence
	return ViolationReport{
		StudentID:  studentID,
		Kind:       d.Kind,
		Confidence: &conf,
		OccurredAt: at.UTC().Format(time.RFC3339Nano),
		Details:    d.Detail,
		BBox:       d.BBox,
	}
}

// timestampLayouts are tried in order when parsing occurred_at.
// Zone-less layouts are interpreted in the server's local time.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"02.01.2006 15:04:05",
}

// ParseTimestamp parses an agent-supplied timestamp.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, &ValidationError{Field: "occurred_at", Reason: "unparseable timestamp"}
}

// Validate checks the report and returns its parsed occurrence time.
// Failures are *ValidationError values wrapping ErrValidation.
func (r *ViolationReport) Validate() (time.Time, error) {
	if r.StudentID == "" {
		return time.Time{}, &ValidationError{Field: "student_id", Reason: "required"}
	}
	if !ValidStudentID(r.StudentID) {
		return time.Time{}, &ValidationError{Field: "student_id", Reason: "must be 1-128 characters of [A-Za-z0-9._:-]"}
	}
	if r.Kind == "" {
		return time.Time{}, &ValidationError{Field: "kind", Reason: "required"}
	}
	if !r.Kind.Valid() {
		return time.Time{}, &ValidationError{Field: "kind", Reason: "must match [a-z][a-z0-9_]*"}
	}
	if r.Confidence == nil {
		return time.Time{}, &ValidationError{Field: "confidence", Reason: "required"}
	}
	c := *r.Confidence
	if math.IsNaN(c) || c < 0 || c > 1 {
		return time.Time{}, &ValidationError{Field: "confidence", Reason: "must be within [0, 1]"}
	}
	if len(r.Details) > MaxDetailsLen {
		return time.Time{}, &ValidationError{Field: "details", Reason: "too long"}
	}
	if r.OccurredAt == "" {
		return time.Time{}, &ValidationError{Field: "occurred_at", Reason: "required"}
	}
	return ParseTimestamp(r.OccurredAt)
}
