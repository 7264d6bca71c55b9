package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/meshchat/core"
)

// StreamSession is one in-flight stream.
type StreamSession struct {
	SessionID string
	Token     string
	StartedAt time.Time

	cancel context.CancelFunc
}

// Registry tracks active streams by session id.
type Registry interface {
	// Register records a stream for sessionID and returns its entry. It fails
	// with core.ErrStreamActive when the session already streams.
	Register(sessionID string, cancel context.CancelFunc) (*StreamSession, error)
	// Lookup returns the active stream of sessionID.
	Lookup(sessionID string) (*StreamSession, bool)
	// Unregister removes the entry only if token still owns it.
	Unregister(sessionID, token string) bool
	// Stop cancels the active stream of sessionID. It reports whether a
	// stream was found.
	Stop(sessionID string) bool
	// Active lists in-flight streams ordered by start time.
	Active() []StreamSession
}

// InMemory is the process-local Registry.
type InMemory struct {
	mu      sync.RWMutex
	streams map[string]*StreamSession
	now     func() time.Time
}

// New creates an empty in-memory registry.
func New() *InMemory {
	return &InMemory{streams: make(map[string]*StreamSession), now: time.Now}
}

func (r *InMemory) Register(sessionID string, cancel context.CancelFunc) (*StreamSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.streams[sessionID]; busy {
		return nil, core.ErrStreamActive
	}
	s := &StreamSession{SessionID: sessionID, Token: core.NewID(), StartedAt: r.now().UTC(), cancel: cancel}
	r.streams[sessionID] = s
	return s, nil
}

func (r *InMemory) Lookup(sessionID string) (*StreamSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.streams[sessionID]
	if !ok {
		return nil, false
	}
	cp := *s
	return &cp, true
}

func (r *InMemory) Unregister(sessionID, token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.streams[sessionID]
	if !ok || s.Token != token {
		return false
	}
	delete(r.streams, sessionID)
	return true
}

func (r *InMemory) Stop(sessionID string) bool {
	r.mu.RLock()
	s, ok := r.streams[sessionID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if s.cancel != nil {
		s.cancel()
	}
	return true
}

func (r *InMemory) Active() []StreamSession {
	r.mu.RLock()
	out := make([]StreamSession, 0, len(r.streams))
	for _, s := range r.streams {
		out = append(out, StreamSession{SessionID: s.SessionID, Token: s.Token, StartedAt: s.StartedAt})
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}
