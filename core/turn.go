package core

// TurnReason records why a turn was scheduled.
type TurnReason string

const (
	TurnInitial       TurnReason = "initial"
	TurnHandoff       TurnReason = "handoff"
	TurnFallback      TurnReason = "fallback"
	TurnLimitExceeded TurnReason = "limit_exceeded"
)

// Turn is one scheduled agent run within a chat request. Fallback turns have
// no node and no binding.
type Turn struct {
	Index     int        `json:"index"`
	NodeID    string     `json:"node_id,omitempty"`
	BindingID string     `json:"binding_id,omitempty"`
	Reason    TurnReason `json:"reason"`
}

// Executable reports whether the turn runs an agent. Limit markers do not.
func (t Turn) Executable() bool { return t.Reason != TurnLimitExceeded }
