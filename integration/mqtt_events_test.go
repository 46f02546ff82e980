//go:build integration

// Package integration provides end-to-end tests for the helixd event
// stream mirrored over MQTT.
//
// These tests verify the broker-side contract that external consumers
// (dashboards, alerting pipelines) depend on: topic layout, the JSON event
// envelope, and fire-and-forget QoS 0 delivery.
//
// Prerequisites:
//   - MQTT broker (Mosquitto) running on localhost:1883
//   - Set MQTT_BROKER and MQTT_PORT env vars to override defaults
//
// Run with: go test -v -tags=integration -timeout=60s ./...
package integration

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Event mirrors internal/events.Event. External consumers decode this
// envelope, so any change here is a wire-format break.
type Event struct {
	Kind      string          `json:"kind"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// FitnessSample is the payload carried by "fitness" events.
// Must match: internal/fitness.Score
type FitnessSample struct {
	Overall        float64   `json:"overall"`
	SuccessRate    float64   `json:"success_rate"`
	HealingSpeed   float64   `json:"healing_speed"`
	CostEfficiency float64   `json:"cost_efficiency"`
	Uptime         float64   `json:"uptime"`
	Timestamp      time.Time `json:"timestamp"`
}

// AuditEntry is the payload carried by "audit" events.
// Must match: internal/audit.Entry
type AuditEntry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	SubjectID string    `json:"subject_id,omitempty"`
	Rationale string    `json:"rationale,omitempty"`
	Result    string    `json:"result"`
}

const (
	// Topic layout published by internal/events.MQTTPublisher:
	// <prefix>/<kind>, prefix defaulting to events.DefaultTopic.
	topicPrefix = "helix/events"

	auditTopic          = topicPrefix + "/audit"
	fitnessTopic        = topicPrefix + "/fitness"
	mutationStatusTopic = topicPrefix + "/mutation_status"
	wildcardTopic       = topicPrefix + "/+"
)

func mqttBroker() string {
	if b := os.Getenv("MQTT_BROKER"); b != "" {
		return b
	}
	return "localhost"
}

func mqttPort() int {
	if p := os.Getenv("MQTT_PORT"); p != "" {
		port, err := strconv.Atoi(p)
		if err == nil {
			return port
		}
	}
	return 1883
}

// newClient creates a connected MQTT client for testing.
// It skips the test if the broker is unavailable.
func newClient(t *testing.T, clientID string) mqtt.Client {
	t.Helper()

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", mqttBroker(), mqttPort()))
	opts.SetClientID(clientID)
	opts.SetCleanSession(true)
	opts.SetKeepAlive(10 * time.Second)
	opts.SetAutoReconnect(false)
	opts.SetConnectTimeout(5 * time.Second)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		t.Skipf("MQTT broker not available at %s:%d", mqttBroker(), mqttPort())
	}
	if err := token.Error(); err != nil {
		t.Skipf("MQTT broker connection failed: %v", err)
	}

	t.Cleanup(func() { client.Disconnect(250) })
	return client
}

// publishEvent marshals an envelope and publishes it the way the daemon
// does: QoS 0, not retained.
func publishEvent(t *testing.T, client mqtt.Client, kind string, payload any) {
	t.Helper()

	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	ev := Event{Kind: kind, Timestamp: time.Now().UTC(), Payload: raw}
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}

	token := client.Publish(topicPrefix+"/"+kind, 0, false, data)
	if !token.WaitTimeout(5 * time.Second) {
		t.Fatal("publish timed out")
	}
	if err := token.Error(); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
}

// collector subscribes to a topic pattern and records every message.
type collector struct {
	mu       sync.Mutex
	messages []mqtt.Message
	received chan struct{}
}

func newCollector(t *testing.T, client mqtt.Client, pattern string) *collector {
	t.Helper()

	c := &collector{received: make(chan struct{}, 64)}
	token := client.Subscribe(pattern, 0, func(_ mqtt.Client, msg mqtt.Message) {
		c.mu.Lock()
		c.messages = append(c.messages, msg)
		c.mu.Unlock()
		c.received <- struct{}{}
	})
	if !token.WaitTimeout(5 * time.Second) {
		t.Fatalf("subscribe to %s timed out", pattern)
	}
	if err := token.Error(); err != nil {
		t.Fatalf("subscribe to %s failed: %v", pattern, err)
	}
	return c
}

func (c *collector) waitFor(t *testing.T, n int, timeout time.Duration) []mqtt.Message {
	t.Helper()

	deadline := time.After(timeout)
	for {
		c.mu.Lock()
		got := len(c.messages)
		c.mu.Unlock()
		if got >= n {
			break
		}
		select {
		case <-c.received:
		case <-deadline:
			t.Fatalf("received %d of %d expected messages within %s", got, n, timeout)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]mqtt.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

func TestEventEnvelopeRoundTrip(t *testing.T) {
	pub := newClient(t, "helix-test-pub")
	sub := newClient(t, "helix-test-sub")

	col := newCollector(t, sub, fitnessTopic)

	sample := FitnessSample{
		SuccessRate:    0.96,
		HealingSpeed:   0.80,
		CostEfficiency: 0.72,
		Uptime:         1.0,
		Overall:        0.89,
		Timestamp:      time.Now().UTC(),
	}
	publishEvent(t, pub, "fitness", sample)

	msgs := col.waitFor(t, 1, 10*time.Second)

	var ev Event
	if err := json.Unmarshal(msgs[0].Payload(), &ev); err != nil {
		t.Fatalf("envelope is not valid JSON: %v", err)
	}
	if ev.Kind != "fitness" {
		t.Errorf("kind = %q, want fitness", ev.Kind)
	}
	if ev.Timestamp.IsZero() {
		t.Error("timestamp missing from envelope")
	}

	var got FitnessSample
	if err := json.Unmarshal(ev.Payload, &got); err != nil {
		t.Fatalf("fitness payload: %v", err)
	}
	if got.Overall != sample.Overall || got.SuccessRate != sample.SuccessRate {
		t.Errorf("payload = %+v, want %+v", got, sample)
	}
}

func TestTopicPerKind(t *testing.T) {
	pub := newClient(t, "helix-test-pub-kinds")
	sub := newClient(t, "helix-test-sub-kinds")

	col := newCollector(t, sub, wildcardTopic)

	publishEvent(t, pub, "audit", AuditEntry{
		ID: "audit_1", Action: "mutation_applied", Actor: "engine",
		SubjectID: "mut_1", Result: "success", Timestamp: time.Now().UTC(),
	})
	publishEvent(t, pub, "fitness", FitnessSample{Overall: 0.9})
	publishEvent(t, pub, "mutation_status", map[string]string{
		"id": "mut_1", "status": "applied",
	})

	msgs := col.waitFor(t, 3, 10*time.Second)

	seen := map[string]bool{}
	for _, msg := range msgs {
		seen[msg.Topic()] = true
	}
	for _, want := range []string{auditTopic, fitnessTopic, mutationStatusTopic} {
		if !seen[want] {
			t.Errorf("no message on %s; got topics %v", want, seen)
		}
	}
}

func TestWildcardConsumerSeesAllKinds(t *testing.T) {
	// A dashboard subscribes once with a single-level wildcard; kinds added
	// later must land under the same prefix, one level deep.
	pub := newClient(t, "helix-test-pub-wild")
	sub := newClient(t, "helix-test-sub-wild")

	col := newCollector(t, sub, wildcardTopic)

	const n = 5
	for i := 0; i < n; i++ {
		publishEvent(t, pub, "audit", AuditEntry{
			ID:     fmt.Sprintf("audit_%d", i),
			Action: "snapshot_created", Actor: "rollback", Result: "success",
		})
	}

	msgs := col.waitFor(t, n, 10*time.Second)

	ids := map[string]bool{}
	for _, msg := range msgs {
		var ev Event
		if err := json.Unmarshal(msg.Payload(), &ev); err != nil {
			t.Fatalf("bad envelope: %v", err)
		}
		var entry AuditEntry
		if err := json.Unmarshal(ev.Payload, &entry); err != nil {
			t.Fatalf("bad audit payload: %v", err)
		}
		ids[entry.ID] = true
	}
	for i := 0; i < n; i++ {
		if !ids[fmt.Sprintf("audit_%d", i)] {
			t.Errorf("audit_%d never arrived", i)
		}
	}
}

func TestEventsAreNotRetained(t *testing.T) {
	// The stream is fire-and-forget: a consumer that connects after an
	// event was published must not see it. The audit log, not the broker,
	// is the durable record.
	pub := newClient(t, "helix-test-pub-retain")
	publishEvent(t, pub, "fitness", FitnessSample{Overall: 0.5})

	time.Sleep(500 * time.Millisecond)

	late := newClient(t, "helix-test-sub-late")
	col := newCollector(t, late, fitnessTopic)

	select {
	case <-col.received:
		t.Fatal("late subscriber received a retained event")
	case <-time.After(2 * time.Second):
	}
}

func TestConcurrentPublishers(t *testing.T) {
	// The daemon publishes from multiple goroutines (scheduler ticks,
	// API-triggered mutations). Interleaved envelopes must all survive.
	sub := newClient(t, "helix-test-sub-conc")
	col := newCollector(t, sub, wildcardTopic)

	const publishers = 4
	const perPublisher = 10

	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			client := newClient(t, fmt.Sprintf("helix-test-pub-conc-%d", p))
			for i := 0; i < perPublisher; i++ {
				publishEvent(t, client, "mutation_status", map[string]any{
					"id":     fmt.Sprintf("mut_%d_%d", p, i),
					"status": "applied",
				})
			}
		}(p)
	}
	wg.Wait()

	msgs := col.waitFor(t, publishers*perPublisher, 15*time.Second)
	for _, msg := range msgs {
		var ev Event
		if err := json.Unmarshal(msg.Payload(), &ev); err != nil {
			t.Fatalf("corrupt envelope under concurrency: %v", err)
		}
		if ev.Kind != "mutation_status" {
			t.Errorf("kind = %q", ev.Kind)
		}
	}
}
