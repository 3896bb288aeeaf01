// Package retention prunes old violation events on a cron schedule.
package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/classwatch/internal/shared"
	"github.com/ashureev/classwatch/internal/store"
	"github.com/robfig/cron/v3"
)

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule validates a cron expression or descriptor such as "@every 6h".
func ParseSchedule(spec string) (cron.Schedule, error) {
	s, err := cronParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid retention schedule %q: %w", spec, err)
	}
	return s, nil
}

// Pruner removes data older than a cutoff and reports how much it removed.
type Pruner interface {
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type namedPruner struct {
	name string
	p    Pruner
}

// Worker deletes events older than the retention period, along with any
// other data registered with Also.
type Worker struct {
	repo      store.Repository
	extra     []namedPruner
	retention time.Duration
	schedule  string
	now       func() time.Time
	cron      *cron.Cron
}

// New creates a worker. retention must be positive.
func New(repo store.Repository, retention time.Duration, schedule string) (*Worker, error) {
	if retention <= 0 {
		return nil, errors.New("retention period must be positive")
	}
	if _, err := ParseSchedule(schedule); err != nil {
		return nil, err
	}
	return &Worker{
		repo:      repo,
		retention: retention,
		schedule:  schedule,
		now:       time.Now,
		cron:      cron.New(cron.WithParser(cronParser)),
	}, nil
}

// Also prunes p under the same retention period on every sweep.
func (w *Worker) Also(name string, p Pruner) {
	w.extra = append(w.extra, namedPruner{name: name, p: p})
}

// Sweep prunes once. SQLite lock conflicts are retried with backoff.
func (w *Worker) Sweep(ctx context.Context) (int64, error) {
	cutoff := w.now().Add(-w.retention)
	var removed int64
	err := shared.RetryOnConflict(ctx, shared.DefaultConflictRetry, "prune events", func() error {
		n, err := w.repo.PruneBefore(ctx, cutoff)
		removed = n
		return err
	})
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		slog.Info("Retention worker pruned events", "count", removed, "cutoff", cutoff)
	}

	var errs []error
	for _, x := range w.extra {
		n, err := x.p.PruneBefore(ctx, cutoff)
		if err != nil {
			errs = append(errs, fmt.Errorf("prune %s: %w", x.name, err))
			continue
		}
		if n > 0 {
			slog.Info("Retention worker pruned "+x.name, "count", n, "cutoff", cutoff)
		}
	}
	return removed, errors.Join(errs...)
}

// Run sweeps on schedule until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	_, err := w.cron.AddFunc(w.schedule, func() {
		if _, err := w.Sweep(ctx); err != nil && ctx.Err() == nil {
			slog.Error("Retention worker failed to prune events", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule retention: %w", err)
	}

	w.cron.Start()
	slog.Info("Retention worker started", "schedule", w.schedule, "retention", w.retention)

	<-ctx.Done()
	stopped := w.cron.Stop()
	<-stopped.Done()
	slog.Info("Retention worker shutting down", "reason", ctx.Err())
	return nil
}
