// Package pipeline turns detector output into throttled violation reports.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ashureev/classwatch/internal/camera"
	"github.com/ashureev/classwatch/internal/detect"
	"github.com/ashureev/classwatch/internal/domain"
)

// DefaultMinConfidence is the confidence below which detections are ignored.
const DefaultMinConfidence = 0.5

// Sink accepts reports without blocking. It returns false when the report
// was not accepted.
type Sink interface {
	Send(domain.ViolationReport) bool
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(domain.ViolationReport) bool

func (f SinkFunc) Send(r domain.ViolationReport) bool { return f(r) }

// Config holds pipeline settings.
type Config struct {
	StudentID     string
	Cooldown      time.Duration
	MinConfidence float64

	// Now stamps frames that carry no capture time. Defaults to time.Now.
	Now func() time.Time

	// OnFrame sees every captured frame and OnReport every emitted report
	// with the frame behind it. Both are optional and must not block.
	OnFrame  func(camera.Frame)
	OnReport func(domain.ViolationReport, camera.Frame)
}

// Stats is a snapshot of pipeline counters.
type Stats struct {
	Frames            uint64    `json:"frames"`
	Dropped           uint64    `json:"dropped"`
	DetectionTimeouts uint64    `json:"detection_timeouts"`
	DetectionErrors   uint64    `json:"detection_errors"`
	Detections        uint64    `json:"detections"`
	LowConfidence     uint64    `json:"low_confidence"`
	Emitted           uint64    `json:"emitted"`
	Suppressed        uint64    `json:"suppressed"`
	SinkRejected      uint64    `json:"sink_rejected"`
	CameraErrors      uint64    `json:"camera_errors"`
	LastFrameAt       time.Time `json:"last_frame_at"`
}

// Pipeline runs detection on each frame, keeps the strongest finding per
// kind, applies the confidence floor and the per-kind cooldown, and hands
// surviving reports to the sink.
type Pipeline struct {
	cfg      Config
	detector detect.Detector
	gate     *CooldownGate
	sink     Sink

	frames            atomic.Uint64
	dropped           atomic.Uint64
	detectionTimeouts atomic.Uint64
	detectionErrors   atomic.Uint64
	detections        atomic.Uint64
	lowConfidence     atomic.Uint64
	emitted           atomic.Uint64
	suppressed        atomic.Uint64
	sinkRejected      atomic.Uint64
	cameraErrors      atomic.Uint64
	lastFrameAt       atomic.Int64
}

// New creates a pipeline.
func New(cfg Config, d detect.Detector, sink Sink) (*Pipeline, error) {
	if !domain.ValidStudentID(cfg.StudentID) {
		return nil, fmt.Errorf("invalid student id %q", cfg.StudentID)
	}
	if d == nil {
		return nil, errors.New("detector is required")
	}
	if sink == nil {
		return nil, errors.New("sink is required")
	}
	if cfg.MinConfidence < 0 || cfg.MinConfidence > 1 {
		return nil, fmt.Errorf("min confidence %v outside [0, 1]", cfg.MinConfidence)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Pipeline{
		cfg:      cfg,
		detector: d,
		gate:     NewCooldownGate(cfg.Cooldown),
		sink:     sink,
	}, nil
}

// Process handles one frame and returns the reports it emitted. Detector
// failures are counted and swallowed; only context cancellation is returned.
func (p *Pipeline) Process(ctx context.Context, f camera.Frame) ([]domain.ViolationReport, error) {
	return p.detectFrame(ctx, p.observe(f))
}

func (p *Pipeline) frameTime(f camera.Frame) time.Time {
	if f.CapturedAt.IsZero() {
		return p.cfg.Now()
	}
	return f.CapturedAt
}

// observe records a captured frame and stamps it if the source did not.
func (p *Pipeline) observe(f camera.Frame) camera.Frame {
	f.CapturedAt = p.frameTime(f)
	p.frames.Add(1)
	p.lastFrameAt.Store(f.CapturedAt.UnixNano())
	if p.cfg.OnFrame != nil {
		p.cfg.OnFrame(f)
	}
	return f
}

func (p *Pipeline) detectFrame(ctx context.Context, f camera.Frame) ([]domain.ViolationReport, error) {
	at := p.frameTime(f)
	dets, err := p.detector.Detect(ctx, f)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		switch {
		case errors.Is(err, detect.ErrBusy):
			p.dropped.Add(1)
			return nil, nil
		case errors.Is(err, detect.ErrDetectionTimeout):
			p.detectionTimeouts.Add(1)
			slog.Warn("[PIPELINE] Detection overran its budget, frame skipped", "frame", f.Seq, "error", err)
			return nil, nil
		}
		p.detectionErrors.Add(1)
		if len(dets) == 0 {
			slog.Warn("[PIPELINE] Detection failed", "frame", f.Seq, "error", err)
			return nil, nil
		}
		// Partial results from a composite detector are still usable.
		slog.Debug("[PIPELINE] Detection partially failed", "frame", f.Seq, "error", err)
	}
	p.detections.Add(uint64(len(dets)))

	var out []domain.ViolationReport
	for _, d := range strongestPerKind(dets) {
		if d.Confidence < p.cfg.MinConfidence {
			p.lowConfidence.Add(1)
			continue
		}
		if !p.gate.Allow(d.Kind, at) {
			p.suppressed.Add(1)
			continue
		}
		r := domain.NewReport(p.cfg.StudentID, d, at)
		if !p.sink.Send(r) {
			p.sinkRejected.Add(1)
			slog.Warn("[PIPELINE] Sink rejected report", "kind", d.Kind)
			continue
		}
		p.emitted.Add(1)
		slog.Info("[VIOLATION] Reported", "student_id", p.cfg.StudentID, "kind", d.Kind,
			"confidence", d.Confidence, "details", d.Detail)
		if p.cfg.OnReport != nil {
			p.cfg.OnReport(r, f)
		}
		out = append(out, r)
	}
	return out, nil
}

// strongestPerKind keeps the highest-confidence detection of each kind, in
// order of first appearance.
func strongestPerKind(dets []domain.Detection) []domain.Detection {
	if len(dets) < 2 {
		return dets
	}
	index := make(map[domain.Kind]int, len(dets))
	out := make([]domain.Detection, 0, len(dets))
	for _, d := range dets {
		if i, ok := index[d.Kind]; ok {
			if d.Confidence > out[i].Confidence {
				out[i] = d
			}
			continue
		}
		index[d.Kind] = len(out)
		out = append(out, d)
	}
	return out
}

// Run processes frames until the sequence ends or ctx is cancelled. Camera
// errors are counted and logged; the source is expected to recover on its
// own.
//
// Capture and detection run on separate goroutines. Capture never waits for
// the detector: a frame still queued when a newer one arrives is replaced
// and counted as dropped, so detection always works on the freshest frame.
func (p *Pipeline) Run(ctx context.Context, frames iter.Seq2[camera.Frame, error]) error {
	slog.Info("[PIPELINE] Monitoring started", "student_id", p.cfg.StudentID,
		"detector", p.detector.Name(), "cooldown", p.cfg.Cooldown, "min_confidence", p.cfg.MinConfidence)
	defer slog.Info("[PIPELINE] Monitoring stopped")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	latest := make(chan camera.Frame, 1)
	captured := make(chan struct{})
	go func() {
		defer close(captured)
		defer close(latest)
		for f, err := range frames {
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				p.cameraErrors.Add(1)
				slog.Warn("[PIPELINE] Camera error", "error", err)
				continue
			}
			f = p.observe(f)
			// This goroutine is the only sender, so after the drain the
			// send cannot block.
			select {
			case <-latest:
				p.dropped.Add(1)
			default:
			}
			latest <- f
		}
	}()

	var runErr error
	for f := range latest {
		if _, err := p.detectFrame(ctx, f); err != nil {
			if ctx.Err() == nil {
				runErr = err
			}
			break
		}
	}
	cancel()
	<-captured
	return runErr
}

// LogStats logs a stats line every interval until ctx is done.
func (p *Pipeline) LogStats(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := p.Stats()
			slog.Info("[PIPELINE] Stats",
				"frames", s.Frames,
				"dropped", s.Dropped,
				"timeouts", s.DetectionTimeouts,
				"emitted", s.Emitted,
				"suppressed", s.Suppressed,
				"camera_errors", s.CameraErrors)
		}
	}
}

// Stats returns current counters.
func (p *Pipeline) Stats() Stats {
	s := Stats{
		Frames:            p.frames.Load(),
		Dropped:           p.dropped.Load(),
		DetectionTimeouts: p.detectionTimeouts.Load(),
		DetectionErrors:   p.detectionErrors.Load(),
		Detections:        p.detections.Load(),
		LowConfidence:     p.lowConfidence.Load(),
		Emitted:           p.emitted.Load(),
		Suppressed:        p.suppressed.Load(),
		SinkRejected:      p.sinkRejected.Load(),
		CameraErrors:      p.cameraErrors.Load(),
	}
	if ns := p.lastFrameAt.Load(); ns != 0 {
		s.LastFrameAt = time.Unix(0, ns)
	}
	return s
}
