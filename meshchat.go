// Package meshchat provides a high-level façade over the chat engine. Most
// applications interact with this package by:
//  1. Creating a Mesh via New() (optionally overriding the in-memory store)
//  2. Defining agents and a session with a handoff chain (Team)
//  3. Chatting asynchronously (Stream) or synchronously (ChatSync)
//
// The façade delegates orchestration to engine.Engine. Defaults are meant for
// local development and tests; servers supply a durable store, real model
// providers and a structured logger.
package meshchat

import (
	"context"
	"fmt"

	"github.com/hupe1980/meshchat/core"
	"github.com/hupe1980/meshchat/engine"
	"github.com/hupe1980/meshchat/logging"
	"github.com/hupe1980/meshchat/model"
	"github.com/hupe1980/meshchat/session"
	"github.com/hupe1980/meshchat/stream"
)

// Options configures the Mesh instance.
type Options struct {
	EngineConfig engine.Config
	// Store defaults to an in-memory store.
	Store core.Store
	// Models defaults to a registry holding only the scripted echo backend.
	Models *model.Registry
	Logger logging.Logger
}

// Mesh is the high-level façade around an engine.
type Mesh struct {
	engine *engine.Engine
	models *model.Registry
}

// New creates a Mesh. Any unset dependency gets an in-memory default.
func New(optFns ...func(o *Options)) *Mesh {
	opts := Options{
		EngineConfig: engine.DefaultConfig,
		Store:        session.NewInMemoryStore(),
		Logger:       logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Models == nil {
		opts.Models = model.NewRegistry()
		opts.Models.Register(engine.EchoProvider, model.NewScriptedModel(engine.EchoProvider))
	}

	e := engine.New(func(o *engine.Options) {
		o.Config = opts.EngineConfig
		o.Store = opts.Store
		o.Models = opts.Models
		o.Logger = opts.Logger
	})
	return &Mesh{engine: e, models: opts.Models}
}

// Engine returns the underlying engine for management and callbacks.
func (m *Mesh) Engine() *engine.Engine { return m.engine }

// RegisterModel adds an inference backend under provider.
func (m *Mesh) RegisterModel(provider string, backend model.Model) {
	m.models.Register(provider, backend)
}

// Team creates a session whose agents hand off along the given order: the
// first agent is the entry and each agent may hand off to the next one.
// It returns the session and its members in the same order.
func (m *Mesh) Team(ctx context.Context, title string, agents ...*core.AgentDefinition) (*core.Session, []core.Member, error) {
	sess, err := m.engine.CreateSession(ctx, engine.NewSession{Title: title})
	if err != nil {
		return nil, nil, err
	}

	members := make([]core.Member, 0, len(agents))
	t := core.Topology{Nodes: []core.Node{}, Edges: []core.Edge{}}
	for i, a := range agents {
		if a.ID == "" {
			if err := m.engine.CreateAgent(ctx, a); err != nil {
				return nil, nil, err
			}
		}
		mem, err := m.engine.AttachAgent(ctx, sess.ID, engine.AttachAgent{AgentID: a.ID})
		if err != nil {
			return nil, nil, err
		}
		members = append(members, mem)

		nodeID := fmt.Sprintf("n%d", i+1)
		t.Nodes = append(t.Nodes, core.Node{ID: nodeID, BindingID: mem.Binding.ID, Label: a.Name, Entry: i == 0})
		if i > 0 {
			t.Edges = append(t.Edges, core.Edge{From: fmt.Sprintf("n%d", i), To: nodeID})
		}
	}
	if _, err := m.engine.UpdateTopology(ctx, sess.ID, t); err != nil {
		return nil, nil, err
	}
	return sess, members, nil
}

// Stream starts a chat request and returns its events. The events channel
// closes after the end event; the result channel then yields exactly one
// value. Validation failures are returned before anything is streamed.
func (m *Mesh) Stream(ctx context.Context, req engine.ChatRequest) (<-chan stream.Event, <-chan stream.Result, error) {
	st, err := m.engine.Open(ctx, req)
	if err != nil {
		return nil, nil, err
	}

	events := make(chan stream.Event, 64)
	results := make(chan stream.Result, 1)
	go func() {
		defer st.Close()
		defer close(results)
		res := st.Serve(stream.SinkFunc(func(ev stream.Event) error {
			select {
			case events <- ev:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}))
		close(events)
		results <- res
	}()
	return events, results, nil
}

// ChatSync runs a chat request to completion and returns every event.
func (m *Mesh) ChatSync(ctx context.Context, sessionID, message string) (stream.Result, []stream.Event, error) {
	collector := &stream.Collector{}
	res, err := m.engine.Chat(ctx, engine.ChatRequest{SessionID: sessionID, Message: message}, collector)
	if err != nil {
		return stream.Result{}, nil, err
	}
	return res, collector.Events(), nil
}

// Stop cancels the in-flight request of sessionID, if any.
func (m *Mesh) Stop(sessionID string) bool { return m.engine.Stop(sessionID) }

// Transcript returns the persisted messages of a session.
func (m *Mesh) Transcript(ctx context.Context, sessionID string) ([]core.Message, error) {
	detail, err := m.engine.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return detail.Messages, nil
}
