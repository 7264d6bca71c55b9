package testutil

import (
	"context"
	"strings"
	"time"

	"github.com/hupe1980/meshchat/core"
)

// Fixture is a session with its members, ready to be seeded into a store.
type Fixture struct {
	Session *core.Session
	Members []core.Member
}

// Bindings returns the bindings of all members.
func (f Fixture) Bindings() []core.SessionAgent {
	out := make([]core.SessionAgent, 0, len(f.Members))
	for _, m := range f.Members {
		out = append(out, m.Binding)
	}
	return out
}

// Member returns the member with the given binding id. It panics when absent.
func (f Fixture) Member(bindingID string) core.Member {
	for _, m := range f.Members {
		if m.Binding.ID == bindingID {
			return m
		}
	}
	panic("testutil: unknown binding " + bindingID)
}

// Seed writes agents, session and bindings to store.
func (f Fixture) Seed(ctx context.Context, store core.Store) error {
	for _, m := range f.Members {
		a := m.Agent
		if err := store.CreateAgent(ctx, &a); err != nil {
			return err
		}
	}
	if err := store.CreateSession(ctx, f.Session.Clone()); err != nil {
		return err
	}
	for _, m := range f.Members {
		b := m.Binding
		if err := store.AddBinding(ctx, &b); err != nil {
			return err
		}
	}
	return nil
}

// SessionBuilder helps construct session fixtures with fluent chaining.
// Example:
//
//	fx := NewSessionBuilder("s1").Agent("b1", "Planner").Agent("b2", "Coder").
//		Entry("n1", "b1").Node("n2", "b2").Edge("n1", "n2").Build()
type SessionBuilder struct {
	session *core.Session
	members []core.Member
}

// NewSessionBuilder creates a builder for an active session with the given id.
func NewSessionBuilder(id string) *SessionBuilder {
	now := time.Now().UTC()
	return &SessionBuilder{session: &core.Session{
		ID:        id,
		Title:     "Test session",
		Status:    core.SessionActive,
		Topology:  core.Topology{Nodes: []core.Node{}, Edges: []core.Edge{}},
		CreatedAt: now,
		UpdatedAt: now,
	}}
}

// Agent binds a new agent named name under bindingID (chainable). The agent id
// is "agent-" followed by the lower-cased name.
func (b *SessionBuilder) Agent(bindingID, name string) *SessionBuilder {
	agentID := "agent-" + strings.ToLower(name)
	b.members = append(b.members, core.Member{
		Binding: core.SessionAgent{ID: bindingID, SessionID: b.session.ID, AgentID: agentID},
		Agent: core.AgentDefinition{
			ID:           agentID,
			Name:         name,
			SystemPrompt: "You are {{.agent_name}}.",
			ModelRef:     "scripted/" + strings.ToLower(name),
			Temperature:  0.7,
			CreatedAt:    time.Now().UTC(),
		},
	})
	return b
}

// Override sets prompt and model overrides on an existing binding (chainable).
func (b *SessionBuilder) Override(bindingID, prompt, model string) *SessionBuilder {
	for i := range b.members {
		if b.members[i].Binding.ID == bindingID {
			b.members[i].Binding.OverrideSystemPrompt = prompt
			b.members[i].Binding.OverrideModel = model
		}
	}
	return b
}

// Entry adds the entry node (chainable).
func (b *SessionBuilder) Entry(nodeID, bindingID string) *SessionBuilder {
	b.session.Topology.Nodes = append(b.session.Topology.Nodes, core.Node{ID: nodeID, BindingID: bindingID, Entry: true})
	return b
}

// Node adds a non-entry node (chainable).
func (b *SessionBuilder) Node(nodeID, bindingID string) *SessionBuilder {
	b.session.Topology.Nodes = append(b.session.Topology.Nodes, core.Node{ID: nodeID, BindingID: bindingID})
	return b
}

// Edge adds a directed edge (chainable).
func (b *SessionBuilder) Edge(from, to string) *SessionBuilder {
	b.session.Topology.Edges = append(b.session.Topology.Edges, core.Edge{From: from, To: to})
	return b
}

// Closed marks the session closed (chainable).
func (b *SessionBuilder) Closed() *SessionBuilder {
	b.session.Status = core.SessionClosed
	return b
}

// Build returns the fixture.
func (b *SessionBuilder) Build() Fixture {
	return Fixture{Session: b.session.Clone(), Members: append([]core.Member(nil), b.members...)}
}
