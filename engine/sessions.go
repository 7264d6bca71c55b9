package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/hupe1980/meshchat/core"
	"github.com/hupe1980/meshchat/topology"
)

// NewSession describes a session to create. Its topology starts empty and is
// set with UpdateTopology once agents are attached.
type NewSession struct {
	Title  string `json:"title"`
	UserID string `json:"user_id"`
}

// CreateSession creates an active session with an empty topology.
func (e *Engine) CreateSession(ctx context.Context, in NewSession) (*core.Session, error) {
	userID := in.UserID
	if userID == "" {
		userID = "default_user"
	}
	sess := &core.Session{
		ID:       core.NewID(),
		Title:    strings.TrimSpace(in.Title),
		UserID:   userID,
		Status:   core.SessionActive,
		Topology: core.Topology{Nodes: []core.Node{}, Edges: []core.Edge{}},
	}
	if err := e.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// ListSessions returns all sessions, most recently updated first.
func (e *Engine) ListSessions(ctx context.Context) ([]core.Session, error) {
	return e.store.ListSessions(ctx)
}

// GetSession returns the session with its transcript and members.
func (e *Engine) GetSession(ctx context.Context, id string) (*core.SessionDetail, error) {
	sess, err := e.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	msgs, err := e.store.ListMessages(ctx, id)
	if err != nil {
		return nil, err
	}
	members, err := e.members(ctx, id)
	if err != nil {
		return nil, err
	}
	return &core.SessionDetail{Session: *sess, Messages: msgs, Agents: members}, nil
}

// UpdateSessionTitle renames a session. An empty title keeps the old one.
func (e *Engine) UpdateSessionTitle(ctx context.Context, id, title string) (*core.Session, error) {
	sess, err := e.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if title = strings.TrimSpace(title); title == "" {
		return sess, nil
	}
	sess.Title = title
	if err := e.store.UpdateSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// CloseSession marks the session closed and stops its stream, if any.
// Closed sessions reject new chat requests.
func (e *Engine) CloseSession(ctx context.Context, id string) (*core.Session, error) {
	sess, err := e.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	e.Stop(id)
	if sess.Status == core.SessionClosed {
		return sess, nil
	}
	sess.Status = core.SessionClosed
	if err := e.store.UpdateSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// DeleteSession stops the session's stream and removes the session with
// its bindings and transcript.
func (e *Engine) DeleteSession(ctx context.Context, id string) error {
	e.Stop(id)
	return e.store.DeleteSession(ctx, id)
}

// AttachAgent binds an agent definition into a session.
type AttachAgent struct {
	AgentID              string `json:"original_agent_id"`
	OverrideSystemPrompt string `json:"override_system_prompt,omitempty"`
	OverrideModel        string `json:"override_model,omitempty"`
}

// AttachAgent adds a binding for in.AgentID to the session.
func (e *Engine) AttachAgent(ctx context.Context, sessionID string, in AttachAgent) (core.Member, error) {
	if strings.TrimSpace(in.AgentID) == "" {
		return core.Member{}, fmt.Errorf("%w: original_agent_id is required", core.ErrInvalidRequest)
	}
	a, err := e.store.GetAgent(ctx, in.AgentID)
	if err != nil {
		return core.Member{}, err
	}
	b := &core.SessionAgent{
		SessionID:            sessionID,
		AgentID:              a.ID,
		OverrideSystemPrompt: in.OverrideSystemPrompt,
		OverrideModel:        in.OverrideModel,
	}
	if err := e.store.AddBinding(ctx, b); err != nil {
		return core.Member{}, err
	}
	return core.Member{Binding: *b, Agent: *a}, nil
}

// ListAgents returns the members of a session in attach order.
func (e *Engine) ListAgents(ctx context.Context, sessionID string) ([]core.Member, error) {
	return e.members(ctx, sessionID)
}

// GetTopology returns the session topology.
func (e *Engine) GetTopology(ctx context.Context, sessionID string) (core.Topology, error) {
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return core.Topology{}, err
	}
	return sess.Topology.Clone(), nil
}

// UpdateTopology validates t against the session's bindings and stores it.
// Invalid graphs fail with an error wrapping core.ErrInvalidTopology and are
// never persisted.
func (e *Engine) UpdateTopology(ctx context.Context, sessionID string, t core.Topology) (core.Topology, error) {
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return core.Topology{}, err
	}
	bindings, err := e.store.ListBindings(ctx, sessionID)
	if err != nil {
		return core.Topology{}, err
	}
	if err := topology.Validate(t, bindings); err != nil {
		return core.Topology{}, err
	}
	sess.Topology = t.Clone()
	if err := e.store.UpdateSession(ctx, sess); err != nil {
		return core.Topology{}, err
	}
	return sess.Topology.Clone(), nil
}

// CreateAgent stores a global agent definition.
func (e *Engine) CreateAgent(ctx context.Context, a *core.AgentDefinition) error {
	a.Name = strings.TrimSpace(a.Name)
	if a.Name == "" {
		return fmt.Errorf("%w: agent name is required", core.ErrInvalidRequest)
	}
	if a.SystemPrompt == "" {
		a.SystemPrompt = "You are {{.agent_name}}."
	}
	if strings.TrimSpace(a.ModelRef) == "" {
		a.ModelRef = e.config.DefaultModel
	}
	return e.store.CreateAgent(ctx, a)
}

// GetAgent returns one agent definition.
func (e *Engine) GetAgent(ctx context.Context, id string) (*core.AgentDefinition, error) {
	return e.store.GetAgent(ctx, id)
}

// ListAgentDefinitions returns all global agent definitions.
func (e *Engine) ListAgentDefinitions(ctx context.Context) ([]core.AgentDefinition, error) {
	return e.store.ListAgents(ctx)
}
