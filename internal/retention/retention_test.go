package retention

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/classwatch/internal/domain"
	"github.com/ashureev/classwatch/internal/store"
)

func seed(t *testing.T, repo store.Repository, received ...time.Time) {
	t.Helper()
	for i, at := range received {
		ev := &domain.ViolationEvent{
			EventID:    string(rune('a' + i)),
			StudentID:  "s1",
			Kind:       domain.KindFaceNotFound,
			Confidence: 1,
			OccurredAt: at,
			ReceivedAt: at,
		}
		if err := repo.Append(context.Background(), ev); err != nil {
			t.Fatal(err)
		}
	}
}

func TestSweepPrunesOldEvents(t *testing.T) {
	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	repo := store.NewMemory()
	seed(t, repo,
		now.Add(-10*24*time.Hour),
		now.Add(-8*24*time.Hour),
		now.Add(-6*24*time.Hour),
		now.Add(-time.Hour),
	)

	w, err := New(repo, 7*24*time.Hour, "@every 1h")
	if err != nil {
		t.Fatal(err)
	}
	w.now = func() time.Time { return now }

	removed, err := w.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
	if n, _ := repo.Count(context.Background()); n != 2 {
		t.Errorf("Count = %d, want 2", n)
	}

	// A second sweep finds nothing new.
	if removed, _ := w.Sweep(context.Background()); removed != 0 {
		t.Errorf("second sweep removed %d", removed)
	}
}

type fakePruner struct {
	cutoff time.Time
	n      int64
	err    error
}

func (f *fakePruner) PruneBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.cutoff = cutoff
	return f.n, f.err
}

func TestSweepPrunesRegisteredData(t *testing.T) {
	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	repo := store.NewMemory()
	seed(t, repo, now.Add(-10*24*time.Hour))

	w, err := New(repo, 7*24*time.Hour, "@every 1h")
	if err != nil {
		t.Fatal(err)
	}
	w.now = func() time.Time { return now }
	shots := &fakePruner{n: 3}
	broken := &fakePruner{err: errors.New("disk gone")}
	w.Also("screenshots", shots)
	w.Also("broken", broken)

	removed, err := w.Sweep(context.Background())
	if removed != 1 {
		t.Errorf("removed = %d events, want 1", removed)
	}
	if err == nil || !strings.Contains(err.Error(), "prune broken") {
		t.Errorf("Sweep error = %v, want the broken pruner named", err)
	}
	if want := now.Add(-7 * 24 * time.Hour); !shots.cutoff.Equal(want) {
		t.Errorf("screenshots cutoff = %v, want %v", shots.cutoff, want)
	}
}

func TestNewValidates(t *testing.T) {
	repo := store.NewMemory()
	tests := []struct {
		name      string
		retention time.Duration
		schedule  string
	}{
		{"zero retention", 0, "@every 1h"},
		{"bad schedule", time.Hour, "every so often"},
		{"too many fields", time.Hour, "* * * * * * *"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(repo, tt.retention, tt.schedule); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestParseSchedule(t *testing.T) {
	for _, spec := range []string{"@every 6h", "@daily", "0 3 * * *", "*/30 * * * * *"} {
		if _, err := ParseSchedule(spec); err != nil {
			t.Errorf("ParseSchedule(%q): %v", spec, err)
		}
	}
}

func TestRunSweepsOnSchedule(t *testing.T) {
	repo := store.NewMemory()
	seed(t, repo, time.Now().Add(-48*time.Hour))

	w, err := New(repo, 24*time.Hour, "@every 1s")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		n, _ := repo.Count(context.Background())
		if n == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("scheduled sweep never ran")
		}
		time.Sleep(50 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
