package testutil

import "github.com/hupe1980/meshchat/core"

// EventBuilder provides a fluent helper for scripting agent event sequences.
// Example:
//
//	evs := NewEventBuilder().Thinking("plan", "checking").Text("hel", "lo").Done().Build()
type EventBuilder struct {
	events []core.AgentEvent
}

// NewEventBuilder creates an empty builder.
func NewEventBuilder() *EventBuilder { return &EventBuilder{} }

// Thinking appends a thinking event (chainable).
func (b *EventBuilder) Thinking(label, text string) *EventBuilder {
	b.events = append(b.events, core.Thinking(label, text))
	return b
}

// Text appends one text event per chunk (chainable).
func (b *EventBuilder) Text(chunks ...string) *EventBuilder {
	for _, c := range chunks {
		b.events = append(b.events, core.TextChunk(c))
	}
	return b
}

// Handoff appends a handoff request (chainable).
func (b *EventBuilder) Handoff(target string) *EventBuilder {
	b.events = append(b.events, core.HandoffRequest(target))
	return b
}

// Done appends the normal terminal event (chainable).
func (b *EventBuilder) Done() *EventBuilder {
	b.events = append(b.events, core.Done())
	return b
}

// Fail appends an error terminal event (chainable).
func (b *EventBuilder) Fail(err error) *EventBuilder {
	b.events = append(b.events, core.Failed(err))
	return b
}

// Build returns a copy of the scripted events.
func (b *EventBuilder) Build() []core.AgentEvent {
	return append([]core.AgentEvent(nil), b.events...)
}
