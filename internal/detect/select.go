package detect

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Capabilities selects which detectors the agent runs.
type Capabilities struct {
	AttentionDetection bool // face presence, multiple faces, attention
	PhoneDetection     bool

	// WorkerCommand, when set, delegates all inference to an external process.
	WorkerCommand string
	WorkerCodec   string

	FaceCascade string // Haar cascade XML for the gocv face detector
	PhoneModel  string // YOLOv8 ONNX model for the gocv phone detector

	Budget time.Duration
}

// Select builds the detector for caps. Requested backends that are not
// available are skipped with a warning; with nothing left the agent runs
// NoOp. The result is always wrapped in WithBudget.
func Select(ctx context.Context, caps Capabilities) (*Budgeted, error) {
	if caps.Budget <= 0 {
		caps.Budget = 2 * time.Second
	}

	if caps.WorkerCommand != "" {
		name, args := ParseCommand(caps.WorkerCommand)
		w, err := StartWorker(ctx, WorkerConfig{Command: name, Args: args, Codec: caps.WorkerCodec})
		if err != nil {
			return nil, err
		}
		return WithBudget(w, caps.Budget), nil
	}

	var parts []Detector
	if caps.AttentionDetection {
		d, err := newFaceDetector(caps.FaceCascade)
		switch {
		case err == nil:
			parts = append(parts, d)
		case errors.Is(err, ErrBackendUnavailable):
			slog.Warn("Face detection disabled: build with -tags gocv or set a detector command")
		default:
			closeAll(parts)
			return nil, err
		}
	}
	if caps.PhoneDetection {
		d, err := newPhoneDetector(caps.PhoneModel)
		switch {
		case err == nil:
			parts = append(parts, d)
		case errors.Is(err, ErrBackendUnavailable):
			slog.Warn("Phone detection disabled: build with -tags gocv and provide a YOLO model, or set a detector command")
		default:
			closeAll(parts)
			return nil, err
		}
	}

	switch len(parts) {
	case 0:
		slog.Warn("No detector backend available, monitoring is disabled")
		return WithBudget(NoOp{}, caps.Budget), nil
	case 1:
		return WithBudget(parts[0], caps.Budget), nil
	default:
		return WithBudget(NewComposite(parts...), caps.Budget), nil
	}
}

func closeAll(ds []Detector) {
	for _, d := range ds {
		_ = d.Close()
	}
}
