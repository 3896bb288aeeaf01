// Package analytics derives proctor-facing risk summaries from recorded violations.
package analytics

import (
	"math"
	"sort"
	"time"

	"github.com/ashureev/classwatch/internal/domain"
)

// recencyHalfLife is the age at which an incident counts half as much.
const recencyHalfLife = 20 * time.Minute

// StudentRisk is the accumulated risk for one student.
type StudentRisk struct {
	StudentID      string           `json:"student_id"`
	Incidents      int              `json:"incidents"`
	RiskScore      float64          `json:"risk_score"`
	RiskLevel      domain.RiskLevel `json:"risk_level"`
	LastIncidentAt time.Time        `json:"last_incident_at"`
	TopKind        domain.Kind      `json:"top_violation_type"`
}

// recencyFactor weights an incident by age: 1 when fresh, 1/2 at 20 minutes.
func recencyFactor(age time.Duration) float64 {
	if age < 0 {
		age = 0
	}
	return 1.0 / (1.0 + age.Minutes()/recencyHalfLife.Minutes())
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}

// kindCounter counts kinds and remembers first-seen order for tie breaks.
type kindCounter struct {
	counts map[domain.Kind]int
	order  []domain.Kind
}

func newKindCounter() *kindCounter {
	return &kindCounter{counts: make(map[domain.Kind]int)}
}

func (c *kindCounter) add(k domain.Kind) {
	if _, ok := c.counts[k]; !ok {
		c.order = append(c.order, k)
	}
	c.counts[k]++
}

// top returns the most frequent kind; ties go to the kind seen first.
func (c *kindCounter) top() (domain.Kind, int) {
	var (
		best  domain.Kind
		count int
	)
	for _, k := range c.order {
		if c.counts[k] > count {
			best, count = k, c.counts[k]
		}
	}
	return best, count
}

// StudentRisks scores every student in events as of now, riskiest first.
func StudentRisks(events []domain.ViolationEvent, now time.Time) []StudentRisk {
	type acc struct {
		risk  StudentRisk
		score float64
		kinds *kindCounter
	}
	by := make(map[string]*acc)
	var order []string

	for _, ev := range events {
		a, ok := by[ev.StudentID]
		if !ok {
			a = &acc{risk: StudentRisk{StudentID: ev.StudentID}, kinds: newKindCounter()}
			by[ev.StudentID] = a
			order = append(order, ev.StudentID)
		}
		a.risk.Incidents++
		a.score += ev.Kind.Severity() * recencyFactor(now.Sub(ev.OccurredAt))
		a.kinds.add(ev.Kind)
		if ev.OccurredAt.After(a.risk.LastIncidentAt) {
			a.risk.LastIncidentAt = ev.OccurredAt
		}
	}

	out := make([]StudentRisk, 0, len(order))
	for _, id := range order {
		a := by[id]
		a.risk.RiskScore = round2(a.score)
		a.risk.RiskLevel = domain.LevelForScore(a.risk.RiskScore)
		a.risk.TopKind, _ = a.kinds.top()
		out = append(out, a.risk)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].RiskScore != out[j].RiskScore {
			return out[i].RiskScore > out[j].RiskScore
		}
		return out[i].Incidents > out[j].Incidents
	})
	return out
}
