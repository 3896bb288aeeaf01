// Package feed fans violation events out to live dashboard viewers.
package feed

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ashureev/classwatch/internal/domain"
)

// Options configures a Hub.
type Options struct {
	HistorySize      int // events kept for replay
	SubscriberBuffer int // per-viewer channel capacity
}

// SubscribeOptions selects what a new subscriber receives.
type SubscribeOptions struct {
	Name      string // for logs
	StudentID string // empty means every student
	AfterSeq  int64  // replay buffered events with a greater seq
	Replay    int    // when AfterSeq is 0, replay this many recent events
}

// Stats is a snapshot of hub counters.
type Stats struct {
	Subscribers int    `json:"subscribers"`
	Published   uint64 `json:"published"`
	Delivered   uint64 `json:"delivered"`
	Dropped     uint64 `json:"dropped"`
	Buffered    int    `json:"buffered"`
}

// Hub broadcasts events to subscribers without ever blocking the publisher.
// A subscriber whose buffer is full misses the event; others are unaffected.
type Hub struct {
	mu      sync.RWMutex
	subs    map[int64]*Subscription
	nextID  int64
	hist    *history
	bufSize int
	closed  bool

	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// NewHub creates a hub.
func NewHub(opts Options) *Hub {
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = 64
	}
	return &Hub{
		subs:    make(map[int64]*Subscription),
		hist:    newHistory(opts.HistorySize),
		bufSize: opts.SubscriberBuffer,
	}
}

// Subscription is one viewer's live stream.
type Subscription struct {
	ID        int64
	Name      string
	StudentID string

	hub     *Hub
	ch      chan domain.ViolationEvent
	dropped atomic.Uint64
	once    sync.Once
}

// C delivers events in publish order. It is closed on Close or hub shutdown.
func (s *Subscription) C() <-chan domain.ViolationEvent {
	return s.ch
}

// Dropped returns how many events this subscriber missed because it was slow.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close unsubscribes. Safe to call more than once.
func (s *Subscription) Close() {
	s.hub.remove(s)
}

// Subscribe registers a viewer and returns the events it should replay first.
// Registration and replay happen under one lock so nothing is missed or duplicated.
func (h *Hub) Subscribe(opts SubscribeOptions) (*Subscription, []domain.ViolationEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	sub := &Subscription{
		ID:        h.nextID,
		Name:      opts.Name,
		StudentID: opts.StudentID,
		hub:       h,
		ch:        make(chan domain.ViolationEvent, h.bufSize),
	}

	var replay []domain.ViolationEvent
	switch {
	case opts.AfterSeq > 0:
		replay = h.hist.after(opts.AfterSeq, opts.StudentID)
	case opts.Replay > 0:
		replay = h.hist.last(opts.Replay, opts.StudentID)
	}

	if h.closed {
		sub.once.Do(func() { close(sub.ch) })
		return sub, replay
	}
	h.subs[sub.ID] = sub

	slog.Info("[FEED] Subscriber added", "sub_id", sub.ID, "name", sub.Name, "student_id", sub.StudentID, "replay", len(replay))
	return sub, replay
}

// Publish records ev in the replay history and offers it to every matching
// subscriber. It returns the number of subscribers that received it.
func (h *Hub) Publish(ev domain.ViolationEvent) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return 0
	}
	h.published.Add(1)
	h.hist.add(ev)

	delivered := 0
	for _, sub := range h.subs {
		if !matches(ev, sub.StudentID) {
			continue
		}
		select {
		case sub.ch <- ev:
			delivered++
		default:
			sub.dropped.Add(1)
			h.dropped.Add(1)
			slog.Warn("[FEED] Subscriber too slow, dropping event",
				"sub_id", sub.ID,
				"name", sub.Name,
				"event_id", ev.EventID,
			)
		}
	}
	h.delivered.Add(uint64(delivered))
	return delivered
}

// Recent returns up to n buffered events, oldest first.
func (h *Hub) Recent(n int) []domain.ViolationEvent {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.hist.last(n, "")
}

// Stats returns current hub counters.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{
		Subscribers: len(h.subs),
		Published:   h.published.Load(),
		Delivered:   h.delivered.Load(),
		Dropped:     h.dropped.Load(),
		Buffered:    h.hist.len(),
	}
}

// Close ends every subscription. Later publishes are ignored.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		sub.once.Do(func() { close(sub.ch) })
		delete(h.subs, id)
	}
	slog.Info("[FEED] Hub closed")
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub.ID]; ok {
		delete(h.subs, sub.ID)
		slog.Info("[FEED] Subscriber removed", "sub_id", sub.ID, "name", sub.Name, "dropped", sub.dropped.Load())
	}
	sub.once.Do(func() { close(sub.ch) })
}
