package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ashureev/classwatch/internal/domain"
)

// MemoryStore is an in-memory append-only event log.
// Events are lost on restart.
type MemoryStore struct {
	mu        sync.RWMutex
	events    []domain.ViolationEvent
	byStudent map[string][]int // student ID -> indexes into events
	seq       int64
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *MemoryStore {
	return &MemoryStore{byStudent: make(map[string][]int)}
}

// Append assigns the next sequence number and records ev.
func (s *MemoryStore) Append(_ context.Context, ev *domain.ViolationEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	ev.Seq = s.seq
	s.byStudent[ev.StudentID] = append(s.byStudent[ev.StudentID], len(s.events))
	s.events = append(s.events, *ev)
	return nil
}

// List returns events matching q in ingestion order.
func (s *MemoryStore) List(_ context.Context, q Query) ([]domain.ViolationEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.ViolationEvent
	add := func(ev domain.ViolationEvent) bool {
		if ev.Seq <= q.AfterSeq || (!q.Since.IsZero() && ev.ReceivedAt.Before(q.Since)) {
			return true
		}
		out = append(out, ev)
		return q.Limit <= 0 || len(out) < q.Limit
	}

	if q.StudentID != "" {
		for _, idx := range s.byStudent[q.StudentID] {
			if !add(s.events[idx]) {
				break
			}
		}
		return out, nil
	}

	// Events are sorted by Seq, so skip straight past AfterSeq.
	start := sort.Search(len(s.events), func(i int) bool { return s.events[i].Seq > q.AfterSeq })
	for _, ev := range s.events[start:] {
		if !add(ev) {
			break
		}
	}
	return out, nil
}

// Count returns the number of stored events.
func (s *MemoryStore) Count(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.events)), nil
}

// Students summarises events per student.
func (s *MemoryStore) Students(_ context.Context) ([]StudentSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]StudentSummary, 0, len(s.byStudent))
	for id, idxs := range s.byStudent {
		if len(idxs) == 0 {
			continue
		}
		out = append(out, StudentSummary{
			StudentID: id,
			Count:     int64(len(idxs)),
			FirstSeen: s.events[idxs[0]].ReceivedAt,
			LastSeen:  s.events[idxs[len(idxs)-1]].ReceivedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StudentID < out[j].StudentID })
	return out, nil
}

// PruneBefore drops events received before cutoff and rebuilds the index.
func (s *MemoryStore) PruneBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.events[:0:0]
	for _, ev := range s.events {
		if !ev.ReceivedAt.Before(cutoff) {
			kept = append(kept, ev)
		}
	}
	removed := int64(len(s.events) - len(kept))
	if removed == 0 {
		return 0, nil
	}

	s.events = kept
	s.byStudent = make(map[string][]int)
	for i, ev := range s.events {
		s.byStudent[ev.StudentID] = append(s.byStudent[ev.StudentID], i)
	}
	return removed, nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(_ context.Context) error { return nil }

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// Events returns a copy of all recorded events. Test-only helper.
func (s *MemoryStore) Events() []domain.ViolationEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.ViolationEvent, len(s.events))
	copy(out, s.events)
	return out
}
