package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/helixdyn/helix/internal/config"
)

// MQTTClient is the subset of the paho client the publisher needs.
// It exists so tests can substitute a fake.
type MQTTClient interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	IsConnected() bool
}

// MQTTPublisher mirrors the event stream to an MQTT broker. Publish failures
// are logged, never surfaced — the broker is an optional mirror, not the
// durable record.
type MQTTPublisher struct {
	client MQTTClient
	topic  string
	logger *slog.Logger
}

// DefaultTopic is the topic prefix used when the config leaves it empty.
// Events land on <prefix>/<kind>.
const DefaultTopic = "helix/events"

// NewMQTTPublisher connects to the broker described by cfg.
func NewMQTTPublisher(cfg *config.MQTTConfig, logger *slog.Logger) (*MQTTPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	topic := cfg.Topic
	if topic == "" {
		topic = DefaultTopic
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout: %s", cfg.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	return &MQTTPublisher{
		client: client,
		topic:  topic,
		logger: logger.With("component", "mqtt-events"),
	}, nil
}

// NewMQTTPublisherWithClient wires a publisher onto an existing client.
func NewMQTTPublisherWithClient(client MQTTClient, topic string, logger *slog.Logger) *MQTTPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTPublisher{
		client: client,
		topic:  topic,
		logger: logger.With("component", "mqtt-events"),
	}
}

// Publish implements Sink.
func (p *MQTTPublisher) Publish(ev Event) {
	if !p.client.IsConnected() {
		return
	}

	data, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("failed to marshal event", "error", err)
		return
	}

	topic := fmt.Sprintf("%s/%s", p.topic, ev.Kind)
	token := p.client.Publish(topic, 0, false, data)
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			p.logger.Warn("mqtt publish failed", "topic", topic, "error", err)
		}
	}()
}

// Close disconnects from the broker.
func (p *MQTTPublisher) Close() {
	p.client.Disconnect(250)
}
