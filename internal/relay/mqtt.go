// Package relay forwards the live violation feed to external systems.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

var errNotConnected = errors.New("mqtt not connected")

// MQTTConfig configures the broker connection.
type MQTTConfig struct {
	Broker   string // host:port or a full URL (tcp://, ssl://, ws://)
	ClientID string
	QoS      byte
}

// MQTTPublisher publishes payloads to an MQTT broker and reconnects on its
// own when the connection drops.
type MQTTPublisher struct {
	cfg    MQTTConfig
	client mqtt.Client

	mu        sync.RWMutex
	published map[string]uint64
	errors    uint64
	connected bool
}

// NewMQTTPublisher creates a publisher. Call Connect before Publish.
func NewMQTTPublisher(cfg MQTTConfig) *MQTTPublisher {
	if cfg.ClientID == "" {
		cfg.ClientID = "classwatch-server"
	}
	return &MQTTPublisher{cfg: cfg, published: make(map[string]uint64)}
}

func brokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}

// Connect establishes the broker connection.
func (p *MQTTPublisher) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL(p.cfg.Broker))
	opts.SetClientID(p.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(mqtt.Client) {
		p.setConnected(true)
		slog.Info("[RELAY] MQTT connection established", "broker", p.cfg.Broker, "client_id", p.cfg.ClientID)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		p.setConnected(false)
		slog.Warn("[RELAY] MQTT connection lost, will auto-reconnect", "broker", p.cfg.Broker, "error", err)
	}

	p.client = mqtt.NewClient(opts)
	slog.Info("[RELAY] Connecting to MQTT broker", "broker", p.cfg.Broker)

	token := p.client.Connect()
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	select {
	case <-token.Done():
	case <-waitCtx.Done():
		return fmt.Errorf("mqtt connection to %s: %w", p.cfg.Broker, waitCtx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	p.setConnected(true)
	return nil
}

// Publish sends payload to topic, waiting up to two seconds for the broker.
func (p *MQTTPublisher) Publish(topic string, payload []byte) error {
	if !p.isConnected() {
		p.countError()
		return errNotConnected
	}

	token := p.client.Publish(topic, p.cfg.QoS, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		p.countError()
		return errors.New("mqtt publish timeout")
	}
	if err := token.Error(); err != nil {
		p.countError()
		return fmt.Errorf("mqtt publish failed: %w", err)
	}

	p.mu.Lock()
	p.published[topic]++
	p.mu.Unlock()
	return nil
}

// Close disconnects from the broker.
func (p *MQTTPublisher) Close() error {
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(250)
		slog.Info("[RELAY] MQTT disconnected")
	}
	p.setConnected(false)
	return nil
}

// MQTTStats reports publisher counters.
type MQTTStats struct {
	Connected bool              `json:"connected"`
	Published map[string]uint64 `json:"published"`
	Errors    uint64            `json:"errors"`
}

// Stats returns a copy of the publisher counters.
func (p *MQTTPublisher) Stats() MQTTStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	published := make(map[string]uint64, len(p.published))
	for k, v := range p.published {
		published[k] = v
	}
	return MQTTStats{Connected: p.connected, Published: published, Errors: p.errors}
}

func (p *MQTTPublisher) setConnected(v bool) {
	p.mu.Lock()
	p.connected = v
	p.mu.Unlock()
}

func (p *MQTTPublisher) isConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected
}

func (p *MQTTPublisher) countError() {
	p.mu.Lock()
	p.errors++
	p.mu.Unlock()
}
