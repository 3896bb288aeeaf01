package analytics

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ashureev/classwatch/internal/domain"
	"github.com/ashureev/classwatch/internal/store"
)

const (
	activeAlertWindow = 10 * time.Minute
	overviewTopN      = 5

	MinLeaderboard     = 1
	MaxLeaderboard     = 100
	DefaultLeaderboard = 10

	MinTimelineMinutes     = 10
	MaxTimelineMinutes     = 24 * 60
	DefaultTimelineMinutes = 120
)

// Overview summarises the whole session.
type Overview struct {
	StudentsReporting  int                 `json:"students_reporting"`
	ActiveStudents10m  int                 `json:"active_students_last_10m"`
	TotalViolations    int                 `json:"total_violations"`
	ActiveAlerts10m    int                 `json:"active_alerts_last_10m"`
	TopRiskyStudents   []StudentRisk       `json:"top_risky_students"`
	ViolationBreakdown map[domain.Kind]int `json:"violation_type_breakdown"`
	GeneratedAt        time.Time           `json:"generated_at"`
}

// TimelinePoint counts incidents within one minute.
type TimelinePoint struct {
	Minute    time.Time `json:"minute"`
	Incidents int       `json:"incidents"`
}

// Timeline is a per-minute incident histogram.
type Timeline struct {
	WindowMinutes int             `json:"window_minutes"`
	Points        []TimelinePoint `json:"points"`
	Peak          *TimelinePoint  `json:"peak_minute"`
}

// Insight is the per-student drill-down.
type Insight struct {
	StudentID      string       `json:"student_id"`
	Incidents      int          `json:"incidents"`
	Status         string       `json:"status"`
	Risk           *StudentRisk `json:"risk,omitempty"`
	DominantKind   domain.Kind  `json:"dominant_violation_type,omitempty"`
	DominantCount  int          `json:"dominant_violation_count,omitempty"`
	Insight        string       `json:"insight"`
	Recommendation string       `json:"recommendation"`
}

// BuildOverview computes the session overview as of now.
func BuildOverview(events []domain.ViolationEvent, now time.Time) Overview {
	risks := StudentRisks(events, now)
	cutoff := now.Add(-activeAlertWindow)

	ov := Overview{
		StudentsReporting:  len(risks),
		TotalViolations:    len(events),
		ViolationBreakdown: make(map[domain.Kind]int),
		GeneratedAt:        now,
	}
	active := make(map[string]bool)
	for _, ev := range events {
		ov.ViolationBreakdown[ev.Kind]++
		if !ev.OccurredAt.Before(cutoff) {
			ov.ActiveAlerts10m++
			active[ev.StudentID] = true
		}
	}
	ov.ActiveStudents10m = len(active)

	if len(risks) > overviewTopN {
		risks = risks[:overviewTopN]
	}
	ov.TopRiskyStudents = risks
	return ov
}

// BuildLeaderboard returns the limit riskiest students.
func BuildLeaderboard(events []domain.ViolationEvent, now time.Time, limit int) []StudentRisk {
	risks := StudentRisks(events, now)
	if limit > 0 && len(risks) > limit {
		risks = risks[:limit]
	}
	return risks
}

// BuildTimeline buckets incidents of the last minutes by minute, oldest first.
func BuildTimeline(events []domain.ViolationEvent, now time.Time, minutes int) Timeline {
	from := now.Add(-time.Duration(minutes) * time.Minute)
	buckets := make(map[time.Time]int)
	for _, ev := range events {
		if ev.OccurredAt.Before(from) {
			continue
		}
		buckets[ev.OccurredAt.Truncate(time.Minute)]++
	}

	tl := Timeline{WindowMinutes: minutes, Points: make([]TimelinePoint, 0, len(buckets))}
	for minute, n := range buckets {
		tl.Points = append(tl.Points, TimelinePoint{Minute: minute, Incidents: n})
	}
	sort.Slice(tl.Points, func(i, j int) bool { return tl.Points[i].Minute.Before(tl.Points[j].Minute) })

	for i := range tl.Points {
		if tl.Peak == nil || tl.Points[i].Incidents > tl.Peak.Incidents {
			p := tl.Points[i]
			tl.Peak = &p
		}
	}
	return tl
}

// BuildInsight summarises one student's events.
func BuildInsight(studentID string, events []domain.ViolationEvent, now time.Time) Insight {
	var own []domain.ViolationEvent
	for _, ev := range events {
		if ev.StudentID == studentID {
			own = append(own, ev)
		}
	}

	if len(own) == 0 {
		return Insight{
			StudentID:      studentID,
			Status:         "clean",
			Insight:        "No violations recorded yet.",
			Recommendation: "Keep monitoring in passive mode.",
		}
	}

	counter := newKindCounter()
	for _, ev := range own {
		counter.add(ev.Kind)
	}
	top, count := counter.top()
	risk := StudentRisks(own, now)[0]

	return Insight{
		StudentID:      studentID,
		Incidents:      len(own),
		Status:         string(risk.RiskLevel),
		Risk:           &risk,
		DominantKind:   top,
		DominantCount:  count,
		Insight:        fmt.Sprintf("Most repeated issue is '%s'.", top),
		Recommendation: top.Recommendation(),
	}
}

// Service loads events from the store and builds reports.
type Service struct {
	repo store.Repository
	now  func() time.Time
}

// NewService creates an analytics service.
func NewService(repo store.Repository) *Service {
	return &Service{repo: repo, now: time.Now}
}

// WithClock overrides the reference clock. Intended for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Overview reports on every stored event.
func (s *Service) Overview(ctx context.Context) (Overview, error) {
	events, err := s.repo.List(ctx, store.Query{})
	if err != nil {
		return Overview{}, err
	}
	return BuildOverview(events, s.now()), nil
}

// Leaderboard returns the riskiest students. limit is clamped to [1, 100].
func (s *Service) Leaderboard(ctx context.Context, limit int) ([]StudentRisk, error) {
	limit = clamp(limit, MinLeaderboard, MaxLeaderboard)
	events, err := s.repo.List(ctx, store.Query{})
	if err != nil {
		return nil, err
	}
	return BuildLeaderboard(events, s.now(), limit), nil
}

// Timeline returns the per-minute histogram. minutes is clamped to [10, 1440].
func (s *Service) Timeline(ctx context.Context, minutes int) (Timeline, error) {
	minutes = clamp(minutes, MinTimelineMinutes, MaxTimelineMinutes)
	events, err := s.repo.List(ctx, store.Query{})
	if err != nil {
		return Timeline{}, err
	}
	return BuildTimeline(events, s.now(), minutes), nil
}

// Insight returns the drill-down for one student.
func (s *Service) Insight(ctx context.Context, studentID string) (Insight, error) {
	if !domain.ValidStudentID(studentID) {
		return Insight{}, &domain.ValidationError{Field: "student_id", Reason: "must be 1-128 characters of [A-Za-z0-9._:-]"}
	}
	events, err := s.repo.List(ctx, store.Query{StudentID: studentID})
	if err != nil {
		return Insight{}, err
	}
	return BuildInsight(studentID, events, s.now()), nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
