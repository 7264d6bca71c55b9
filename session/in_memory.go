package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/meshchat/core"
)

// InMemoryStore is a volatile core.Store storing everything in process local
// maps. It is safe for concurrent access. Returned values are copies.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*core.Session
	agents   map[string]core.AgentDefinition
	bindings map[string]core.SessionAgent
	order    map[string][]string // session id -> binding ids
	messages map[string][]core.Message
}

// NewInMemoryStore constructs an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: map[string]*core.Session{},
		agents:   map[string]core.AgentDefinition{},
		bindings: map[string]core.SessionAgent{},
		order:    map[string][]string{},
		messages: map[string][]core.Message{},
	}
}

// CreateSession stores s. Empty ids, status and timestamps are filled in.
func (s *InMemoryStore) CreateSession(_ context.Context, sess *core.Session) error {
	fillSession(sess)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[sess.ID]; exists {
		return fmt.Errorf("session %s already exists", sess.ID)
	}
	s.sessions[sess.ID] = sess.Clone()
	return nil
}

// GetSession returns a copy of the session.
func (s *InMemoryStore) GetSession(_ context.Context, id string) (*core.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, core.ErrSessionNotFound
	}
	return sess.Clone(), nil
}

// UpdateSession replaces title, status and topology and refreshes updated_at.
// ListSessions returns all sessions, most recently updated first.
func (s *InMemoryStore) ListSessions(_ context.Context) ([]core.Session, error) {
	s.mu.RLock()
	out := make([]core.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, *sess.Clone())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (s *InMemoryStore) UpdateSession(_ context.Context, sess *core.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.sessions[sess.ID]
	if !ok {
		return core.ErrSessionNotFound
	}
	next := sess.Clone()
	next.CreatedAt = cur.CreatedAt
	next.UpdatedAt = time.Now().UTC()
	s.sessions[sess.ID] = next
	sess.UpdatedAt = next.UpdatedAt
	return nil
}

// DeleteSession removes the session, its bindings and its messages.
func (s *InMemoryStore) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return core.ErrSessionNotFound
	}
	for _, bid := range s.order[id] {
		delete(s.bindings, bid)
	}
	delete(s.order, id)
	delete(s.messages, id)
	delete(s.sessions, id)
	return nil
}

// AddBinding attaches an agent to an existing session.
func (s *InMemoryStore) AddBinding(_ context.Context, b *core.SessionAgent) error {
	if b.ID == "" {
		b.ID = core.NewID()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[b.SessionID]
	if !ok {
		return core.ErrSessionNotFound
	}
	if _, ok := s.agents[b.AgentID]; !ok {
		return fmt.Errorf("%w: agent %s", core.ErrNotFound, b.AgentID)
	}
	if _, exists := s.bindings[b.ID]; exists {
		return fmt.Errorf("binding %s already exists", b.ID)
	}
	s.bindings[b.ID] = *b
	s.order[b.SessionID] = append(s.order[b.SessionID], b.ID)
	sess.UpdatedAt = time.Now().UTC()
	return nil
}

// ListBindings returns the bindings of a session in attachment order.
func (s *InMemoryStore) ListBindings(_ context.Context, sessionID string) ([]core.SessionAgent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return nil, core.ErrSessionNotFound
	}
	out := make([]core.SessionAgent, 0, len(s.order[sessionID]))
	for _, id := range s.order[sessionID] {
		out = append(out, s.bindings[id])
	}
	return out, nil
}

// GetBinding returns one binding.
func (s *InMemoryStore) GetBinding(_ context.Context, id string) (*core.SessionAgent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bindings[id]
	if !ok {
		return nil, fmt.Errorf("%w: binding %s", core.ErrNotFound, id)
	}
	return &b, nil
}

// CreateAgent stores a global agent definition.
func (s *InMemoryStore) CreateAgent(_ context.Context, a *core.AgentDefinition) error {
	if a.ID == "" {
		a.ID = core.NewID()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.agents[a.ID]; exists {
		return fmt.Errorf("agent %s already exists", a.ID)
	}
	s.agents[a.ID] = *a
	return nil
}

// GetAgent returns one agent definition.
func (s *InMemoryStore) GetAgent(_ context.Context, id string) (*core.AgentDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: agent %s", core.ErrNotFound, id)
	}
	return &a, nil
}

// ListAgents returns all agents ordered by creation time.
func (s *InMemoryStore) ListAgents(_ context.Context) ([]core.AgentDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.AgentDefinition, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// AppendMessage implements core.TranscriptStore. The message, the memory
// update and the session timestamp are applied under one lock, so either all
// of them become visible or none.
func (s *InMemoryStore) AppendMessage(_ context.Context, msg *core.Message, update *core.MemoryUpdate) error {
	fillMessage(msg)
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[msg.SessionID]
	if !ok {
		return core.ErrSessionNotFound
	}
	if err := s.checkAuthor(msg); err != nil {
		return err
	}

	var next core.SessionAgent
	if update != nil {
		b, ok := s.bindings[update.BindingID]
		if !ok || b.SessionID != msg.SessionID {
			return fmt.Errorf("%w: binding %s", core.ErrNotFound, update.BindingID)
		}
		if update.Memory.Version != b.Memory.Version+1 {
			return core.ErrStaleMemory
		}
		b.Memory = update.Memory
		next = b
	}

	s.messages[msg.SessionID] = append(s.messages[msg.SessionID], msg.Clone())
	if update != nil {
		s.bindings[next.ID] = next
	}
	sess.UpdatedAt = msg.CreatedAt
	return nil
}

func (s *InMemoryStore) checkAuthor(msg *core.Message) error {
	if msg.Role != core.RoleAssistant {
		return nil
	}
	b, ok := s.bindings[msg.AgentID]
	if !ok || b.SessionID != msg.SessionID {
		return fmt.Errorf("%w: assistant message references binding %q outside session", core.ErrNotFound, msg.AgentID)
	}
	return nil
}

// ListMessages returns the transcript in append order.
func (s *InMemoryStore) ListMessages(_ context.Context, sessionID string) ([]core.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return nil, core.ErrSessionNotFound
	}
	msgs := s.messages[sessionID]
	out := make([]core.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out, nil
}

func fillSession(sess *core.Session) {
	if sess.ID == "" {
		sess.ID = core.NewID()
	}
	if sess.Status == "" {
		sess.Status = core.SessionActive
	}
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = sess.CreatedAt
	}
	sess.Topology = sess.Topology.Clone()
}

func fillMessage(msg *core.Message) {
	if msg.ID == "" {
		msg.ID = core.NewID()
	}
	if msg.Type == "" {
		msg.Type = core.MessageText
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
}
