// Package ingest validates, stamps, persists and publishes violation reports.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/classwatch/internal/domain"
	"github.com/ashureev/classwatch/internal/store"
	"github.com/google/uuid"
)

// Publisher receives every accepted event, in seq order.
type Publisher interface {
	Publish(ev domain.ViolationEvent) int
}

// Result describes an accepted report.
type Result struct {
	Event           domain.ViolationEvent
	ViewersNotified int
}

// Service is the server-side ingestion path.
type Service struct {
	repo store.Repository
	pub  Publisher
	now  func() time.Time
	// mu keeps append and publish in one critical section so viewers
	// observe events in the same order the store sequenced them.
	mu sync.Mutex
}

// NewService creates an ingestion service. pub may be nil.
func NewService(repo store.Repository, pub Publisher) *Service {
	return &Service{repo: repo, pub: pub, now: time.Now}
}

// WithClock overrides the receive-time clock. Intended for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Ingest validates report, assigns identity and receive time, stores it and
// notifies viewers. Invalid reports fail with domain.ErrValidation and are
// neither stored nor published; store failures wrap store.ErrStoreWrite.
func (s *Service) Ingest(ctx context.Context, report domain.ViolationReport) (Result, error) {
	occurredAt, err := report.Validate()
	if err != nil {
		return Result{}, err
	}

	received := s.now().UTC()
	ev := domain.ViolationEvent{
		EventID:     uuid.New().String(),
		StudentID:   report.StudentID,
		Kind:        report.Kind,
		Confidence:  *report.Confidence,
		Details:     report.Details,
		BBox:        report.BBox,
		OccurredAt:  occurredAt.UTC(),
		ReceivedAt:  received,
		ClockSkewMS: received.Sub(occurredAt).Milliseconds(),
	}
	if ev.ClockSkewMS < 0 {
		slog.Debug("Report timestamp is ahead of server clock",
			"student_id", ev.StudentID,
			"skew_ms", ev.ClockSkewMS,
		)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.repo.Append(ctx, &ev); err != nil {
		slog.Error("Failed to store violation",
			"error", err,
			"student_id", ev.StudentID,
			"kind", ev.Kind,
			"event_id", ev.EventID,
		)
		if !errors.Is(err, store.ErrStoreWrite) {
			err = fmt.Errorf("%w: %v", store.ErrStoreWrite, err)
		}
		return Result{}, err
	}

	notified := 0
	if s.pub != nil {
		notified = s.pub.Publish(ev)
	}

	slog.Info("Violation recorded",
		"event_id", ev.EventID,
		"seq", ev.Seq,
		"student_id", ev.StudentID,
		"kind", ev.Kind,
		"confidence", ev.Confidence,
		"viewers_notified", notified,
	)

	return Result{Event: ev, ViewersNotified: notified}, nil
}

// History returns stored events, optionally for one student.
func (s *Service) History(ctx context.Context, q store.Query) ([]domain.ViolationEvent, error) {
	if q.StudentID != "" && !domain.ValidStudentID(q.StudentID) {
		return nil, &domain.ValidationError{Field: "student_id", Reason: "must be 1-128 characters of [A-Za-z0-9._:-]"}
	}
	return s.repo.List(ctx, q)
}

// Students returns per-student summaries.
func (s *Service) Students(ctx context.Context) ([]store.StudentSummary, error) {
	return s.repo.Students(ctx)
}
