package core

// EventKind discriminates AgentEvent variants.
type EventKind string

const (
	// EventThinking carries a labelled reasoning or diagnostic step.
	EventThinking EventKind = "thinking"
	// EventText carries an incremental chunk of the reply.
	EventText EventKind = "text"
	// EventHandoff asks the scheduler to route to another agent.
	EventHandoff EventKind = "handoff"
	// EventDone marks normal completion of a turn.
	EventDone EventKind = "done"
	// EventCancelled marks a turn that stopped because of cancellation.
	EventCancelled EventKind = "cancelled"
	// EventError marks a terminal failure of the chat request.
	EventError EventKind = "error"
)

// Thought labels used by the runner. LabelDiagnostic marks a degraded turn.
const (
	LabelPlan       = "plan"
	LabelRetrieve   = "retrieve"
	LabelReason     = "reason"
	LabelHandoff    = "handoff"
	LabelDiagnostic = "diagnostic"
	// LabelRetry notes a failed backend call that is being repeated.
	LabelRetry = "retry"
)

// AgentEvent is the typed output of a single turn. Exactly one of Done,
// Cancelled or Error terminates every event sequence.
type AgentEvent struct {
	Kind   EventKind `json:"kind"`
	Label  string    `json:"label,omitempty"`
	Text   string    `json:"text,omitempty"`
	Target string    `json:"target,omitempty"`
	Err    error     `json:"-"`
}

// Terminal reports whether the event ends a turn.
func (e AgentEvent) Terminal() bool {
	switch e.Kind {
	case EventDone, EventCancelled, EventError:
		return true
	default:
		return false
	}
}

// Thinking returns a thinking event.
func Thinking(label, text string) AgentEvent {
	return AgentEvent{Kind: EventThinking, Label: label, Text: text}
}

// TextChunk returns a text event.
func TextChunk(text string) AgentEvent { return AgentEvent{Kind: EventText, Text: text} }

// HandoffRequest returns a handoff event naming the target agent reference.
func HandoffRequest(target string) AgentEvent {
	return AgentEvent{Kind: EventHandoff, Target: target}
}

// Done returns the normal terminal event.
func Done() AgentEvent { return AgentEvent{Kind: EventDone} }

// Cancelled returns the cancellation terminal event.
func Cancelled() AgentEvent { return AgentEvent{Kind: EventCancelled} }

// Failed returns an error terminal event.
func Failed(err error) AgentEvent {
	return AgentEvent{Kind: EventError, Err: err, Text: err.Error()}
}
