package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/classwatch/internal/domain"
	"github.com/ashureev/classwatch/internal/store"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.ViolationEvent
}

func (p *recordingPublisher) Publish(ev domain.ViolationEvent) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return 1
}

type failingRepo struct {
	store.Repository
}

func (failingRepo) Append(context.Context, *domain.ViolationEvent) error {
	return errors.New("disk full")
}

func conf(f float64) *float64 { return &f }

func report(student string, kind domain.Kind) domain.ViolationReport {
	return domain.ViolationReport{
		StudentID:  student,
		Kind:       kind,
		Confidence: conf(0.9),
		OccurredAt: "2026-03-01T10:00:00Z",
	}
}

func TestService_IngestStoresAndPublishes(t *testing.T) {
	repo := store.NewMemory()
	pub := &recordingPublisher{}
	received := time.Date(2026, 3, 1, 10, 0, 2, 0, time.UTC)
	svc := NewService(repo, pub).WithClock(func() time.Time { return received })

	res, err := svc.Ingest(context.Background(), report("s1", domain.KindPhoneDetected))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	ev := res.Event
	if ev.EventID == "" || ev.Seq != 1 {
		t.Errorf("expected id and seq 1, got %q/%d", ev.EventID, ev.Seq)
	}
	if !ev.ReceivedAt.Equal(received) || ev.ClockSkewMS != 2000 {
		t.Errorf("unexpected stamping: received=%v skew=%d", ev.ReceivedAt, ev.ClockSkewMS)
	}
	if res.ViewersNotified != 1 {
		t.Errorf("expected 1 viewer, got %d", res.ViewersNotified)
	}

	stored := repo.Events()
	if len(stored) != 1 || stored[0].EventID != ev.EventID {
		t.Fatalf("unexpected stored events: %+v", stored)
	}
	if len(pub.events) != 1 || pub.events[0].Seq != ev.Seq {
		t.Fatalf("unexpected published events: %+v", pub.events)
	}
}

func TestService_InvalidReportChangesNothing(t *testing.T) {
	repo := store.NewMemory()
	pub := &recordingPublisher{}
	svc := NewService(repo, pub)

	bad := report("s1", domain.KindFaceNotFound)
	bad.Confidence = conf(1.5)

	_, err := svc.Ingest(context.Background(), bad)
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if n, _ := repo.Count(context.Background()); n != 0 {
		t.Errorf("expected empty store, got %d", n)
	}
	if len(pub.events) != 0 {
		t.Errorf("expected nothing published, got %d", len(pub.events))
	}
}

func TestService_StoreFailureIsReported(t *testing.T) {
	pub := &recordingPublisher{}
	svc := NewService(failingRepo{}, pub)

	_, err := svc.Ingest(context.Background(), report("s1", domain.KindFaceNotFound))
	if !errors.Is(err, store.ErrStoreWrite) {
		t.Fatalf("expected ErrStoreWrite, got %v", err)
	}
	if len(pub.events) != 0 {
		t.Error("failed writes must not be published")
	}
}

func TestService_UniqueIDsAndOrderedPublish(t *testing.T) {
	repo := store.NewMemory()
	pub := &recordingPublisher{}
	svc := NewService(repo, pub)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Ingest(context.Background(), report("s1", domain.KindTabSwitch)); err != nil {
				t.Errorf("Ingest: %v", err)
			}
		}()
	}
	wg.Wait()

	ids := make(map[string]bool)
	for i, ev := range pub.events {
		if ids[ev.EventID] {
			t.Fatalf("duplicate event id %s", ev.EventID)
		}
		ids[ev.EventID] = true
		if ev.Seq != int64(i+1) {
			t.Fatalf("published out of order: index %d has seq %d", i, ev.Seq)
		}
	}
}

func TestService_HistoryRejectsBadStudent(t *testing.T) {
	svc := NewService(store.NewMemory(), nil)
	if _, err := svc.History(context.Background(), store.Query{StudentID: "no spaces"}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}
