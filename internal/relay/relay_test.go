package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/classwatch/internal/domain"
	"github.com/ashureev/classwatch/internal/feed"
)

type fakePublisher struct {
	mu     sync.Mutex
	topics []string
	bodies [][]byte
	fail   bool
}

func (f *fakePublisher) Publish(topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("broker down")
	}
	f.topics = append(f.topics, topic)
	f.bodies = append(f.bodies, payload)
	return nil
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.topics)
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func startRelay(t *testing.T, hub *feed.Hub, pub Publisher) *Relay {
	t.Helper()
	r := New(hub, pub, "classwatch/violations/")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	waitUntil(t, func() bool { return hub.Stats().Subscribers == 1 })
	return r
}

func TestRelayForwardsEvents(t *testing.T) {
	hub := feed.NewHub(feed.Options{HistorySize: 10})
	pub := &fakePublisher{}
	r := startRelay(t, hub, pub)

	hub.Publish(domain.ViolationEvent{EventID: "e1", Seq: 1, StudentID: "s1", Kind: domain.KindPhoneDetected, Confidence: 0.8})
	hub.Publish(domain.ViolationEvent{EventID: "e2", Seq: 2, StudentID: "s2", Kind: domain.KindFaceNotFound, Confidence: 1})
	waitUntil(t, func() bool { return pub.count() == 2 })

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if pub.topics[0] != "classwatch/violations/s1/phone_detected" {
		t.Errorf("topic = %q", pub.topics[0])
	}
	var got domain.ViolationEvent
	if err := json.Unmarshal(pub.bodies[1], &got); err != nil {
		t.Fatal(err)
	}
	if got.EventID != "e2" || got.Seq != 2 {
		t.Errorf("payload = %+v", got)
	}
	if r.Forwarded() != 2 {
		t.Errorf("Forwarded() = %d", r.Forwarded())
	}
}

func TestRelayCountsFailures(t *testing.T) {
	hub := feed.NewHub(feed.Options{})
	r := startRelay(t, hub, &fakePublisher{fail: true})

	hub.Publish(domain.ViolationEvent{EventID: "e1", Seq: 1, StudentID: "s1", Kind: domain.KindMultipleFaces})
	waitUntil(t, func() bool { return r.Failed() == 1 })
}

func TestRelayStopsWhenHubCloses(t *testing.T) {
	hub := feed.NewHub(feed.Options{})
	r := New(hub, &fakePublisher{}, "x")
	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()
	waitUntil(t, func() bool { return hub.Stats().Subscribers == 1 })

	hub.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop")
	}
}

func TestBrokerURL(t *testing.T) {
	tests := map[string]string{
		"localhost:1883":      "tcp://localhost:1883",
		"ssl://broker:8883":   "ssl://broker:8883",
		"ws://broker:80/mqtt": "ws://broker:80/mqtt",
	}
	for in, want := range tests {
		if got := brokerURL(in); got != want {
			t.Errorf("brokerURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPublishWithoutConnection(t *testing.T) {
	p := NewMQTTPublisher(MQTTConfig{Broker: "localhost:1883"})
	if err := p.Publish("t", []byte("x")); !errors.Is(err, errNotConnected) {
		t.Errorf("err = %v", err)
	}
	if s := p.Stats(); s.Errors != 1 || s.Connected {
		t.Errorf("stats = %+v", s)
	}
}
