package store

import (
	"context"
	"database/sql"
	"errors"
)

var errWriterClosed = errors.New("writer closed")

type txFn func(ctx context.Context, tx *sql.Tx) error

type writeJob struct {
	ctx context.Context
	fn  txFn
	ch  chan error
}

// writer serialises write transactions through a single goroutine so
// concurrent ingest requests never contend for the SQLite write lock.
type writer struct {
	db   *sql.DB
	jobs chan writeJob
	quit chan struct{}
	done chan struct{}
}

func newWriter(db *sql.DB, queue int) *writer {
	w := &writer{
		db:   db,
		jobs: make(chan writeJob, queue),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *writer) close() {
	close(w.quit)
	<-w.done
}

// do queues fn and waits for its outcome. A caller that gives up before the
// job starts gets ctx.Err() and nothing is written; once the job has started
// it runs to completion without the caller's cancellation and do reports
// what actually happened, so a commit is never reported as a failure.
func (w *writer) do(ctx context.Context, fn txFn) error {
	ch := make(chan error, 1)
	j := writeJob{ctx: ctx, fn: fn, ch: ch}

	select {
	case w.jobs <- j:
	case <-w.quit:
		return errWriterClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-ch
}

func (w *writer) loop() {
	defer close(w.done)
	for {
		select {
		case j := <-w.jobs:
			j.ch <- w.run(j)
		case <-w.quit:
			for {
				select {
				case j := <-w.jobs:
					j.ch <- w.run(j)
				default:
					return
				}
			}
		}
	}
}

func (w *writer) run(j writeJob) error {
	if err := j.ctx.Err(); err != nil {
		return err
	}
	ctx := context.WithoutCancel(j.ctx)
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := j.fn(ctx, tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
