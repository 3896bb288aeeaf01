package pipeline

import (
	"sync"
	"time"

	"github.com/ashureev/classwatch/internal/domain"
)

// CooldownGate suppresses repeated emissions of the same kind. Each kind has
// its own window; one kind firing never silences another.
type CooldownGate struct {
	mu       sync.Mutex
	cooldown time.Duration
	last     map[domain.Kind]time.Time
}

// NewCooldownGate creates a gate. A cooldown of zero or less lets every
// detection through.
func NewCooldownGate(cooldown time.Duration) *CooldownGate {
	return &CooldownGate{
		cooldown: cooldown,
		last:     make(map[domain.Kind]time.Time),
	}
}

// Allow reports whether kind may be emitted at now, and records the emission
// when it may. Suppressed calls leave the window untouched, so a continuous
// detection re-emits once per cooldown rather than never.
func (g *CooldownGate) Allow(kind domain.Kind, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if last, ok := g.last[kind]; ok && g.cooldown > 0 && now.Sub(last) < g.cooldown {
		return false
	}
	g.last[kind] = now
	return true
}

// LastEmitted returns when kind was last let through.
func (g *CooldownGate) LastEmitted(kind domain.Kind) (time.Time, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.last[kind]
	return t, ok
}

// Cooldown returns the configured window.
func (g *CooldownGate) Cooldown() time.Duration { return g.cooldown }
