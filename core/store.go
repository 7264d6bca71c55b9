package core

import "context"

// SessionStore persists sessions, their bindings and topology.
type SessionStore interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	// ListSessions returns all sessions, most recently updated first.
	ListSessions(ctx context.Context) ([]Session, error)
	UpdateSession(ctx context.Context, s *Session) error
	// DeleteSession removes the session together with its messages and bindings.
	DeleteSession(ctx context.Context, id string) error

	AddBinding(ctx context.Context, b *SessionAgent) error
	ListBindings(ctx context.Context, sessionID string) ([]SessionAgent, error)
	GetBinding(ctx context.Context, id string) (*SessionAgent, error)
}

// AgentStore reads global agent definitions.
type AgentStore interface {
	CreateAgent(ctx context.Context, a *AgentDefinition) error
	GetAgent(ctx context.Context, id string) (*AgentDefinition, error)
	ListAgents(ctx context.Context) ([]AgentDefinition, error)
}

// MemoryUpdate is the next memory context of a binding, written together with
// a message. Version must be exactly one above the stored version.
type MemoryUpdate struct {
	BindingID string
	Memory    MemoryContext
}

// TranscriptStore persists transcript messages.
type TranscriptStore interface {
	// AppendMessage persists msg and, when update is non-nil, the binding memory
	// in one atomic step. It also bumps the session's updated_at.
	AppendMessage(ctx context.Context, msg *Message, update *MemoryUpdate) error
	ListMessages(ctx context.Context, sessionID string) ([]Message, error)
}

// Store aggregates every persistence concern of the orchestrator.
type Store interface {
	SessionStore
	AgentStore
	TranscriptStore
}
