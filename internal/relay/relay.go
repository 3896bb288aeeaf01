package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/ashureev/classwatch/internal/domain"
	"github.com/ashureev/classwatch/internal/feed"
)

// Publisher delivers one payload to a topic.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Relay subscribes to the feed like any viewer and republishes every event
// under {prefix}/{student_id}/{kind}.
type Relay struct {
	hub    *feed.Hub
	pub    Publisher
	prefix string

	forwarded atomic.Uint64
	failed    atomic.Uint64
}

// New creates a relay.
func New(hub *feed.Hub, pub Publisher, topicPrefix string) *Relay {
	return &Relay{hub: hub, pub: pub, prefix: strings.TrimRight(topicPrefix, "/")}
}

// Topic returns the topic an event is published on.
func (r *Relay) Topic(ev domain.ViolationEvent) string {
	return r.prefix + "/" + ev.StudentID + "/" + string(ev.Kind)
}

// Run forwards events until ctx is done or the hub closes. Publish failures
// are logged and counted; the relay never slows the feed down.
func (r *Relay) Run(ctx context.Context) error {
	sub, _ := r.hub.Subscribe(feed.SubscribeOptions{Name: "relay"})
	defer sub.Close()
	slog.Info("[RELAY] Forwarding feed", "prefix", r.prefix)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.C():
			if !ok {
				return nil
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				r.failed.Add(1)
				slog.Error("[RELAY] Failed to encode event", "event_id", ev.EventID, "error", err)
				continue
			}
			if err := r.pub.Publish(r.Topic(ev), payload); err != nil {
				r.failed.Add(1)
				slog.Warn("[RELAY] Publish failed", "event_id", ev.EventID, "error", err)
				continue
			}
			r.forwarded.Add(1)
		}
	}
}

// Forwarded returns how many events were published.
func (r *Relay) Forwarded() uint64 { return r.forwarded.Load() }

// Failed returns how many events could not be published.
func (r *Relay) Failed() uint64 { return r.failed.Load() }
