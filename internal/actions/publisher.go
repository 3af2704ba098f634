// Package actions carries out what triggered rules ask for: alerts, scene
// descriptions and tool invocations.
package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/neuroops/neuroops-agent/internal/logging"
)

const publishTimeout = 2 * time.Second

// Publisher delivers a JSON message on a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
	Close() error
}

// PublisherStats reports publish counters.
type PublisherStats struct {
	Connected bool              `json:"connected"`
	Published map[string]uint64 `json:"published"`
	Errors    uint64            `json:"errors"`
}

// MQTTPublisher publishes to an MQTT broker and reconnects on its own.
type MQTTPublisher struct {
	broker   string
	clientID string
	client   mqtt.Client
	logger   *slog.Logger

	mu        sync.RWMutex
	published map[string]uint64
	errors    uint64
	connected bool
}

func NewMQTTPublisher(broker, clientID string, logger *slog.Logger) *MQTTPublisher {
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}
	return &MQTTPublisher{
		broker:    broker,
		clientID:  clientID,
		logger:    logging.WithComponent(logging.OrDiscard(logger), "mqtt"),
		published: make(map[string]uint64),
	}
}

// Connect dials the broker. The client keeps retrying in the background
// after a lost connection.
func (p *MQTTPublisher) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(p.broker)
	opts.SetClientID(p.clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		p.setConnected(true)
		p.logger.Info("mqtt connection established", "broker", p.broker, "client_id", p.clientID)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		p.setConnected(false)
		p.logger.Warn("mqtt connection lost, will auto-reconnect", "broker", p.broker, "error", err)
	}

	p.client = mqtt.NewClient(opts)
	p.logger.Info("connecting to mqtt broker", "broker", p.broker)

	token := p.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Second):
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	p.setConnected(true)
	return nil
}

func (p *MQTTPublisher) Publish(ctx context.Context, topic string, payload any) error {
	if !p.isConnected() {
		p.countError()
		return fmt.Errorf("mqtt not connected")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		p.countError()
		return fmt.Errorf("marshal payload: %w", err)
	}

	token := p.client.Publish(topic, 1, false, data)
	select {
	case <-token.Done():
	case <-ctx.Done():
		p.countError()
		return ctx.Err()
	case <-time.After(publishTimeout):
		p.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		p.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	p.mu.Lock()
	p.published[topic]++
	p.mu.Unlock()
	p.logger.Debug("message published", "topic", topic, "size", len(data))
	return nil
}

// Close disconnects with a short grace period.
func (p *MQTTPublisher) Close() error {
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(250)
		p.logger.Info("mqtt disconnected")
	}
	p.setConnected(false)
	return nil
}

func (p *MQTTPublisher) Stats() PublisherStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	published := make(map[string]uint64, len(p.published))
	for k, v := range p.published {
		published[k] = v
	}
	return PublisherStats{Connected: p.connected, Published: published, Errors: p.errors}
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

// LogPublisher only logs messages. It stands in when no broker is configured.
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logging.WithComponent(logging.OrDiscard(logger), "publisher")}
}

func (l *LogPublisher) Publish(_ context.Context, topic string, payload any) error {
	l.logger.Info("tool message (no broker configured)", "topic", topic, "payload", payload)
	return nil
}

func (l *LogPublisher) Close() error { return nil }
