package detect

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ashureev/classwatch/internal/camera"
	"github.com/ashureev/classwatch/internal/domain"
)

// Budgeted bounds each detection by a deadline and allows one in flight.
type Budgeted struct {
	inner  Detector
	budget time.Duration
	busy   atomic.Bool
}

// WithBudget wraps d so that a detection taking longer than budget returns
// ErrDetectionTimeout. The overrunning call keeps running in the background
// and frames offered meanwhile fail fast with ErrBusy, so the caller never
// waits on inference.
func WithBudget(d Detector, budget time.Duration) *Budgeted {
	return &Budgeted{inner: d, budget: budget}
}

type detectResult struct {
	dets []domain.Detection
	err  error
}

func (b *Budgeted) Detect(ctx context.Context, f camera.Frame) ([]domain.Detection, error) {
	if !b.busy.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}

	dctx, cancel := context.WithTimeout(ctx, b.budget)
	ch := make(chan detectResult, 1)
	go func() {
		dets, err := b.inner.Detect(dctx, f)
		b.busy.Store(false)
		ch <- detectResult{dets: dets, err: err}
		cancel()
	}()

	select {
	case r := <-ch:
		return b.finish(ctx, dctx, r)
	case <-dctx.Done():
		// The worker cancels dctx after handing over its result.
		select {
		case r := <-ch:
			return b.finish(ctx, dctx, r)
		default:
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, b.timeout()
	}
}

func (b *Budgeted) finish(ctx, dctx context.Context, r detectResult) ([]domain.Detection, error) {
	if r.err != nil && ctx.Err() == nil && errors.Is(dctx.Err(), context.DeadlineExceeded) {
		return nil, b.timeout()
	}
	return r.dets, r.err
}

func (b *Budgeted) timeout() error {
	return fmt.Errorf("%w after %v (%s)", ErrDetectionTimeout, b.budget, b.inner.Name())
}

func (b *Budgeted) Name() string { return b.inner.Name() }
func (b *Budgeted) Close() error { return b.inner.Close() }
