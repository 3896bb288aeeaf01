package feed

import "github.com/ashureev/classwatch/internal/domain"

// history is a fixed-size ring of the most recent events.
// Callers synchronise access; the hub guards it with its own lock.
type history struct {
	buf  []domain.ViolationEvent
	size int
	head int // next write position
	full bool
}

func newHistory(size int) *history {
	if size <= 0 {
		size = 500
	}
	return &history{buf: make([]domain.ViolationEvent, size), size: size}
}

// add overwrites the oldest event once the ring is full.
func (h *history) add(ev domain.ViolationEvent) {
	h.buf[h.head] = ev
	h.head = (h.head + 1) % h.size
	if h.head == 0 {
		h.full = true
	}
}

func (h *history) len() int {
	if h.full {
		return h.size
	}
	return h.head
}

// snapshot returns the stored events oldest first.
func (h *history) snapshot() []domain.ViolationEvent {
	n := h.len()
	out := make([]domain.ViolationEvent, 0, n)
	if h.full {
		out = append(out, h.buf[h.head:]...)
		out = append(out, h.buf[:h.head]...)
		return out
	}
	return append(out, h.buf[:h.head]...)
}

// after returns events with Seq greater than seq, optionally for one student.
func (h *history) after(seq int64, studentID string) []domain.ViolationEvent {
	var out []domain.ViolationEvent
	for _, ev := range h.snapshot() {
		if ev.Seq > seq && matches(ev, studentID) {
			out = append(out, ev)
		}
	}
	return out
}

// last returns up to n most recent events, oldest first.
func (h *history) last(n int, studentID string) []domain.ViolationEvent {
	all := h.snapshot()
	var out []domain.ViolationEvent
	for i := len(all) - 1; i >= 0 && len(out) < n; i-- {
		if matches(all[i], studentID) {
			out = append(out, all[i])
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func matches(ev domain.ViolationEvent, studentID string) bool {
	return studentID == "" || ev.StudentID == studentID
}
