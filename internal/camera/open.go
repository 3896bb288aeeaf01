package camera

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// AutoIndex asks Open to search for the first working device.
const AutoIndex = -1

// OpenOptions controls device selection and reads.
type OpenOptions struct {
	IndexHint    int           // >= 0 opens exactly that index; AutoIndex searches
	SearchMax    int           // indices 0..SearchMax-1 are tried when searching
	OpenTimeout time.Duration // per-index wait for a first frame
	ReadTimeout  time.Duration
	ReadRetries  int
	RetryPause   time.Duration

	// Reconnect backoff used by Stream.
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

func (o OpenOptions) withDefaults() OpenOptions {
	if o.SearchMax <= 0 {
		o.SearchMax = 5
	}
	if o.OpenTimeout <= 0 {
		o.OpenTimeout = 2 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 2 * time.Second
	}
	if o.ReadRetries <= 0 {
		o.ReadRetries = 3
	}
	if o.RetryPause <= 0 {
		o.RetryPause = 100 * time.Millisecond
	}
	if o.ReconnectMin <= 0 {
		o.ReconnectMin = time.Second
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = 30 * time.Second
	}
	return o
}

// Handle is an opened device together with its read policy.
type Handle struct {
	dev   Device
	index int
	opts  OpenOptions
	seq   uint64
}

// Open selects and opens a device. With an explicit index only that device
// is tried; with AutoIndex indices are tried in ascending order and the
// first one that produces a frame within OpenTimeout wins, so the same
// hint on the same hardware always selects the same device.
func Open(ctx context.Context, driver Driver, opts OpenOptions) (*Handle, error) {
	opts = opts.withDefaults()

	first, last := opts.IndexHint, opts.IndexHint
	if opts.IndexHint == AutoIndex {
		first, last = 0, opts.SearchMax-1
	} else if opts.IndexHint < 0 {
		return nil, fmt.Errorf("camera index %d is invalid", opts.IndexHint)
	}

	var lastErr error
	for i := first; i <= last; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		dev, err := tryIndex(ctx, driver, i, opts.OpenTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			slog.Debug("Camera index failed", "driver", driver.Name(), "index", i, "error", err)
			continue
		}
		slog.Info("Camera opened", "driver", driver.Name(), "index", i)
		return &Handle{dev: dev, index: i, opts: opts}, nil
	}

	if first == last {
		return nil, fmt.Errorf("%w: %s index %d: %v", ErrNoCameraFound, driver.Name(), first, lastErr)
	}
	return nil, fmt.Errorf("%w: %s indices %d..%d: %v", ErrNoCameraFound, driver.Name(), first, last, lastErr)
}

func tryIndex(ctx context.Context, driver Driver, index int, timeout time.Duration) (Device, error) {
	dev, err := driver.OpenDevice(index)
	if err != nil {
		return nil, err
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if _, err := dev.Read(pctx); err != nil {
		_ = dev.Close()
		return nil, fmt.Errorf("first read: %w", err)
	}
	return dev, nil
}

// Index returns the opened device index.
func (h *Handle) Index() int { return h.index }

// Next reads one frame. Failed reads are retried ReadRetries times with a
// short pause; after that the device is considered gone and the error
// wraps ErrCameraDisconnected.
func (h *Handle) Next(ctx context.Context) (Frame, error) {
	var lastErr error
	for attempt := 0; attempt <= h.opts.ReadRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Frame{}, ctx.Err()
			case <-time.After(h.opts.RetryPause):
			}
		}

		rctx, cancel := context.WithTimeout(ctx, h.opts.ReadTimeout)
		f, err := h.dev.Read(rctx)
		cancel()
		if err == nil {
			h.seq++
			f.Seq = h.seq
			f.Device = h.index
			if f.CapturedAt.IsZero() {
				f.CapturedAt = time.Now()
			}
			return f, nil
		}
		if ctx.Err() != nil {
			return Frame{}, ctx.Err()
		}
		lastErr = err
	}
	return Frame{}, fmt.Errorf("%w: index %d: %w", ErrCameraDisconnected, h.index, lastErr)
}

// Close releases the device.
func (h *Handle) Close() error {
	if h == nil || h.dev == nil {
		return nil
	}
	err := h.dev.Close()
	h.dev = nil
	if errors.Is(err, ErrDeviceNotPresent) {
		return nil
	}
	return err
}
