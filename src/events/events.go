// Package events fans agent lifecycle events out to subscribers: an in-process
// bus, a Redis stream and registered webhooks.
package events

import (
	"context"
	"log"
	"sync"
	"time"
)

// Type names an agent lifecycle event.
type Type string

const (
	AgentDeployed  Type = "agent.deployed"
	AgentClaimed   Type = "agent.claimed"
	AgentActivated Type = "agent.activated"
	AgentPosted    Type = "agent.posted"
	MoltStarted    Type = "agent.molt.started"
	MoltCompleted  Type = "agent.molt.completed"
	DecayWarning   Type = "agent.decay.warning"
	DecayShellrot  Type = "agent.decay.shellrot"
)

// AllTypes lists every event a webhook may subscribe to.
var AllTypes = []Type{
	AgentDeployed, AgentClaimed, AgentActivated, AgentPosted,
	MoltStarted, MoltCompleted, DecayWarning, DecayShellrot,
}

func (t Type) Valid() bool {
	for _, known := range AllTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Event is the payload delivered to every sink.
type Event struct {
	Type      Type           `json:"event"`
	AgentID   string         `json:"agentId"`
	Timestamp int64          `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// New stamps an event with the current time in milliseconds.
func New(t Type, agentID string, data map[string]any) Event {
	return Event{Type: t, AgentID: agentID, Timestamp: time.Now().UnixMilli(), Data: data}
}

// Sink receives published events.
type Sink interface {
	Deliver(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) Deliver(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Bus publishes each event to every subscribed sink in order. Sink errors are
// logged and do not stop delivery to the remaining sinks.
type Bus struct {
	mu    sync.RWMutex
	sinks []Sink
}

func NewBus(sinks ...Sink) *Bus {
	return &Bus{sinks: sinks}
}

func (b *Bus) Subscribe(s Sink) {
	if s == nil {
		return
	}
	b.mu.Lock()
	b.sinks = append(b.sinks, s)
	b.mu.Unlock()
}

func (b *Bus) Publish(ctx context.Context, ev Event) {
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}
	b.mu.RLock()
	sinks := append([]Sink(nil), b.sinks...)
	b.mu.RUnlock()

	for _, s := range sinks {
		if err := s.Deliver(ctx, ev); err != nil {
			log.Printf("events: deliver %s for %s: %v", ev.Type, ev.AgentID, err)
		}
	}
}

// Handle returns a callback suitable for engines that emit events without a context.
func (b *Bus) Handle() func(Event) {
	return func(ev Event) { b.Publish(context.Background(), ev) }
}
