package camera

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"time"
)

// backoff doubles from min up to max between reconnect attempts.
type backoff struct {
	min, max, cur time.Duration
}

func (b *backoff) next() time.Duration {
	if b.cur == 0 {
		b.cur = b.min
		return b.cur
	}
	b.cur *= 2
	if b.cur > b.max {
		b.cur = b.max
	}
	return b.cur
}

func (b *backoff) reset() { b.cur = 0 }

// Stream yields frames paced at fps until ctx is cancelled or the consumer
// stops. Errors are yielded for observation and the stream carries on: a
// disconnected device is reopened with exponential backoff, and a failed
// open is retried the same way. Each call starts a fresh stream.
func Stream(ctx context.Context, driver Driver, opts OpenOptions, fps float64) iter.Seq2[Frame, error] {
	opts = opts.withDefaults()
	if fps <= 0 {
		fps = 5
	}
	interval := time.Duration(float64(time.Second) / fps)

	return func(yield func(Frame, error) bool) {
		var h *Handle
		defer func() { _ = h.Close() }()

		bo := backoff{min: opts.ReconnectMin, max: opts.ReconnectMax}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for ctx.Err() == nil {
			if h == nil {
				var err error
				h, err = Open(ctx, driver, opts)
				if err != nil {
					h = nil
					if ctx.Err() != nil || !yield(Frame{}, err) {
						return
					}
					delay := bo.next()
					slog.Warn("Camera unavailable, retrying", "driver", driver.Name(), "retry_in", delay, "error", err)
					if !sleep(ctx, delay) {
						return
					}
					continue
				}
				bo.reset()
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			f, err := h.Next(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if errors.Is(err, ErrCameraDisconnected) {
					slog.Warn("Camera disconnected", "index", h.Index(), "error", err)
					_ = h.Close()
					h = nil
				}
				if !yield(Frame{}, err) {
					return
				}
				continue
			}
			if !yield(f, nil) {
				return
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
