// Package store provides violation event persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ashureev/classwatch/internal/domain"
)

// ErrStoreWrite is returned when an event could not be persisted.
var ErrStoreWrite = errors.New("store write failed")

// Driver names accepted by Open.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

// Query filters a history listing. Zero values mean "no filter".
type Query struct {
	StudentID string
	AfterSeq  int64
	Since     time.Time
	Limit     int
}

// StudentSummary aggregates the events recorded for one student.
type StudentSummary struct {
	StudentID string    `json:"student_id"`
	Count     int64     `json:"count"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// Repository defines the interface for persisting violation events.
// Implementations are append-only and return events in ingestion order.
type Repository interface {
	// Append stores ev and assigns its Seq. Failures wrap ErrStoreWrite.
	Append(ctx context.Context, ev *domain.ViolationEvent) error

	// List returns events matching q in ascending Seq order.
	List(ctx context.Context, q Query) ([]domain.ViolationEvent, error)

	// Count returns the number of stored events.
	Count(ctx context.Context) (int64, error)

	// Students summarises events per student, ordered by student ID.
	Students(ctx context.Context) ([]StudentSummary, error)

	// PruneBefore deletes events received before cutoff.
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// Open returns the repository selected by driver.
func Open(driver, dbPath string) (Repository, error) {
	switch driver {
	case DriverMemory, "":
		return NewMemory(), nil
	case DriverSQLite:
		s, err := NewSQLite(dbPath)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}
