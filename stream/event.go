package stream

import (
	"encoding/json"
	"sync"
)

// EventType is the wire name of an event.
type EventType string

const (
	EventThinking EventType = "thinking"
	EventText     EventType = "text"
	EventHandoff  EventType = "handoff"
	EventEnd      EventType = "end"
)

// End error codes. The error field of the end event is empty on success.
const (
	ErrCodeCancelled          = "cancelled"
	ErrCodeHandoffLimit       = "handoff_limit_exceeded"
	ErrCodeBackendUnavailable = "backend_unavailable"
	ErrCodePersistence        = "persistence_failed"
)

// ThinkingData is the payload of a thinking event.
type ThinkingData struct {
	Text string `json:"text"`
	Step string `json:"step,omitempty"`
}

// TextData is the payload of a text event.
type TextData struct {
	Chunk     string `json:"chunk"`
	AgentID   string `json:"agent_id"`
	AgentName string `json:"agent_name"`
}

// HandoffData is the payload of a handoff event.
type HandoffData struct {
	FromAgentID   string `json:"from_agent_id"`
	FromAgentName string `json:"from_agent_name"`
	ToAgentID     string `json:"to_agent_id"`
	ToAgentName   string `json:"to_agent_name"`
}

// EndData is the payload of the end event. MessageID is empty when nothing
// was persisted.
type EndData struct {
	MessageID string `json:"message_id"`
	Error     string `json:"error,omitempty"`
}

// Event is one wire event. Data holds one of the *Data payload types.
type Event struct {
	Type EventType
	Data any
}

// MarshalJSON encodes the event as {"event": ..., "data": ...}, the frame
// format used by message based transports.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Event EventType `json:"event"`
		Data  any       `json:"data"`
	}{e.Type, e.Data})
}

// Sink receives events in order. A returned error means the consumer is gone;
// no further events are delivered after the first failure.
type Sink interface {
	Send(ev Event) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ev Event) error

// Send calls f(ev).
func (f SinkFunc) Send(ev Event) error { return f(ev) }

// Collector is a Sink that keeps every event in memory.
type Collector struct {
	mu     sync.Mutex
	events []Event
}

// Send records ev.
func (c *Collector) Send(ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

// Events returns a copy of the recorded events.
func (c *Collector) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

// Types returns the recorded event types in order.
func (c *Collector) Types() []EventType {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]EventType, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.Type
	}
	return out
}

// End returns the payload of the end event, if one was recorded.
func (c *Collector) End() (EndData, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.events) - 1; i >= 0; i-- {
		if d, ok := c.events[i].Data.(EndData); ok {
			return d, true
		}
	}
	return EndData{}, false
}
