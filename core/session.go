package core

import (
	"encoding/json"
	"time"
)

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	// SessionActive sessions accept chat requests.
	SessionActive SessionStatus = "active"
	// SessionClosed sessions are read-only.
	SessionClosed SessionStatus = "closed"
)

// Session is a conversation container. The topology is owned by the session
// and describes which of its bound agents may respond and in which order.
type Session struct {
	ID        string        `json:"id"`
	Title     string        `json:"title"`
	UserID    string        `json:"user_id,omitempty"`
	Status    SessionStatus `json:"status"`
	Topology  Topology      `json:"graph_config"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Active reports whether the session accepts chat requests.
func (s *Session) Active() bool { return s.Status == "" || s.Status == SessionActive }

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	c := *s
	c.Topology = s.Topology.Clone()
	return &c
}

// AgentDefinition is a globally defined agent. The orchestrator only reads it.
type AgentDefinition struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Role         string    `json:"role,omitempty"`
	Description  string    `json:"description,omitempty"`
	SystemPrompt string    `json:"system_prompt"`
	ModelRef     string    `json:"model_id,omitempty"`
	Temperature  float64   `json:"temperature"`
	CreatedAt    time.Time `json:"created_at"`
}

// MemoryContext is the versioned short-term memory of a binding. It is only
// written by the transcript writer.
type MemoryContext struct {
	Version   int64           `json:"version"`
	Data      json.RawMessage `json:"data,omitempty"`
	UpdatedAt time.Time       `json:"updated_at,omitempty"`
}

// SessionAgent binds an AgentDefinition into a session with optional
// overrides.
type SessionAgent struct {
	ID                   string        `json:"id"`
	SessionID            string        `json:"session_id"`
	AgentID              string        `json:"original_agent_id"`
	OverrideSystemPrompt string        `json:"override_system_prompt,omitempty"`
	OverrideModel        string        `json:"override_model,omitempty"`
	Memory               MemoryContext `json:"memory_context"`
}

// Member is a binding joined with the agent it binds.
type Member struct {
	Binding SessionAgent    `json:"binding"`
	Agent   AgentDefinition `json:"agent"`
}

// SystemPrompt returns the effective prompt template of the member.
func (m Member) SystemPrompt() string {
	if m.Binding.OverrideSystemPrompt != "" {
		return m.Binding.OverrideSystemPrompt
	}
	return m.Agent.SystemPrompt
}

// ModelRef returns the effective model reference of the member.
func (m Member) ModelRef() string {
	if m.Binding.OverrideModel != "" {
		return m.Binding.OverrideModel
	}
	return m.Agent.ModelRef
}

// Role of a transcript message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// MessageType classifies transcript messages.
type MessageType string

const (
	MessageText       MessageType = "text"
	MessageToolCall   MessageType = "tool_call"
	MessageToolResult MessageType = "tool_result"
	MessageError      MessageType = "error"
)

// ThoughtStep is one labelled entry of a message's reasoning trace.
type ThoughtStep struct {
	Step string `json:"step"`
	Text string `json:"text"`
}

// Message is an immutable transcript entry.
type Message struct {
	ID             string        `json:"id"`
	SessionID      string        `json:"session_id"`
	Role           Role          `json:"role"`
	AgentID        string        `json:"agent_id,omitempty"`
	Content        string        `json:"content"`
	ThoughtProcess []ThoughtStep `json:"thought_process,omitempty"`
	Type           MessageType   `json:"msg_type"`
	ParentID       string        `json:"parent_id,omitempty"`
	Partial        bool          `json:"partial,omitempty"`
	TurnIndex      int           `json:"turn_index"`
	CreatedAt      time.Time     `json:"created_at"`
}

// Clone returns a copy of the message with its own thought slice.
func (m Message) Clone() Message {
	if m.ThoughtProcess != nil {
		m.ThoughtProcess = append([]ThoughtStep(nil), m.ThoughtProcess...)
	}
	return m
}

// SessionDetail is a session together with its transcript and members. The
// session fields are inlined when encoded.
type SessionDetail struct {
	Session
	Messages []Message `json:"messages"`
	Agents   []Member  `json:"agents"`
}
