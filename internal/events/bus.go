// Package events pushes audit entries, fitness samples, and mutation
// status changes to subscribers as they occur. The web layer consumes the
// stream over WebSocket; an optional MQTT publisher mirrors it to a broker.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Kind identifies the payload carried by an event.
type Kind string

const (
	KindAudit          Kind = "audit"
	KindFitness        Kind = "fitness"
	KindMutationStatus Kind = "mutation_status"
)

// Event is one item on the stream.
type Event struct {
	Kind      Kind      `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// Bus fans events out to subscribers. Slow subscribers drop events rather
// than blocking publishers; the audit log, not the stream, is the durable
// record.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]chan Event
	nextID  int
	logger  *slog.Logger
	sinks   []Sink
	bufSize int
}

// Sink receives every published event (e.g. the MQTT publisher).
type Sink interface {
	Publish(Event)
}

// NewBus creates an event bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:    make(map[int]chan Event),
		logger:  logger.With("component", "events"),
		bufSize: 256,
	}
}

// AddSink registers a sink. Must be called before publishing starts.
func (b *Bus) AddSink(s Sink) {
	b.sinks = append(b.sinks, s)
}

// Subscribe returns a channel of events and a cancel function.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, b.bufSize)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish fans an event out to all subscribers and sinks.
func (b *Bus) Publish(kind Kind, payload any) {
	ev := Event{Kind: kind, Timestamp: time.Now(), Payload: payload}

	b.mu.RLock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// subscriber is behind; drop
		}
	}
	b.mu.RUnlock()

	for _, s := range b.sinks {
		s.Publish(ev)
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
