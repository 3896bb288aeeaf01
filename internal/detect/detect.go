// Package detect turns camera frames into violation detections.
package detect

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/classwatch/internal/camera"
	"github.com/ashureev/classwatch/internal/domain"
)

var (
	// ErrDetectionTimeout is returned when a detector overruns its budget.
	ErrDetectionTimeout = errors.New("detection timed out")
	// ErrBusy is returned while a previous detection is still running.
	ErrBusy = errors.New("detector busy")
	// ErrBackendUnavailable is returned when a detector backend is not compiled in.
	ErrBackendUnavailable = errors.New("detector backend unavailable")
)

// Detector inspects one frame at a time.
type Detector interface {
	Detect(ctx context.Context, f camera.Frame) ([]domain.Detection, error)
	Name() string
	Close() error
}

// NoOp never detects anything. It stands in when monitoring is disabled.
type NoOp struct{}

func (NoOp) Detect(context.Context, camera.Frame) ([]domain.Detection, error) { return nil, nil }
func (NoOp) Name() string                                                     { return "noop" }
func (NoOp) Close() error                                                     { return nil }

// Scripted replays a fixed sequence of results, one per call, then keeps
// returning nothing (or loops, when Loop is set). Delay simulates slow
// inference.
type Scripted struct {
	Steps [][]domain.Detection
	Loop  bool
	Delay time.Duration

	mu    sync.Mutex
	next  int
	calls int
}

// NewScripted creates a scripted detector.
func NewScripted(steps ...[]domain.Detection) *Scripted {
	return &Scripted{Steps: steps}
}

func (s *Scripted) Detect(ctx context.Context, _ camera.Frame) ([]domain.Detection, error) {
	if s.Delay > 0 {
		t := time.NewTimer(s.Delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.next >= len(s.Steps) {
		if !s.Loop || len(s.Steps) == 0 {
			return nil, nil
		}
		s.next = 0
	}
	out := s.Steps[s.next]
	s.next++
	return out, nil
}

// Calls returns how many frames were inspected.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *Scripted) Name() string { return "scripted" }
func (s *Scripted) Close() error { return nil }

// Composite runs several detectors on each frame and concatenates their
// findings. A failing part does not hide the others' results.
type Composite struct {
	parts []Detector
}

// NewComposite combines detectors.
func NewComposite(parts ...Detector) *Composite {
	return &Composite{parts: parts}
}

func (c *Composite) Detect(ctx context.Context, f camera.Frame) ([]domain.Detection, error) {
	var (
		out  []domain.Detection
		errs []error
	)
	for _, d := range c.parts {
		dets, err := d.Detect(ctx, f)
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			errs = append(errs, err)
			continue
		}
		out = append(out, dets...)
	}
	return out, errors.Join(errs...)
}

func (c *Composite) Name() string {
	names := make([]string, len(c.parts))
	for i, d := range c.parts {
		names[i] = d.Name()
	}
	return strings.Join(names, "+")
}

func (c *Composite) Close() error {
	var errs []error
	for _, d := range c.parts {
		errs = append(errs, d.Close())
	}
	return errors.Join(errs...)
}
