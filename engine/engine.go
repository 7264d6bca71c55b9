package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/meshchat/agent"
	"github.com/hupe1980/meshchat/core"
	"github.com/hupe1980/meshchat/logging"
	"github.com/hupe1980/meshchat/model"
	"github.com/hupe1980/meshchat/registry"
	"github.com/hupe1980/meshchat/scheduler"
	"github.com/hupe1980/meshchat/session"
	"github.com/hupe1980/meshchat/stream"
	"github.com/hupe1980/meshchat/topology"
	"github.com/hupe1980/meshchat/transcript"
)

// Config defines tuning parameters for chat orchestration.
//
// Example:
//
//	cfg := engine.DefaultConfig
//	cfg.MaxTurns = 4
//	eng := engine.New(func(o *engine.Options) { o.Config = cfg })
type Config struct {
	// MaxTurns caps the executed agent turns of one chat request.
	MaxTurns int
	// CallTimeout bounds every inference backend call.
	CallTimeout time.Duration
	// CommitTimeout bounds each transcript write, including writes that
	// happen after the request was cancelled.
	CommitTimeout time.Duration
	// MaxUnreachable is the number of consecutive backend failures after
	// which a request ends with backend_unavailable.
	MaxUnreachable int
	// MaxHistoryMessages limits the transcript sent to the backend.
	MaxHistoryMessages int
	// DefaultModel is assigned to agents created without a model reference.
	DefaultModel string
}

// DefaultConfig provides the production defaults.
var DefaultConfig = Config{
	MaxTurns:           scheduler.DefaultMaxTurns,
	CallTimeout:        30 * time.Second,
	CommitTimeout:      5 * time.Second,
	MaxUnreachable:     2,
	MaxHistoryMessages: 20,
	DefaultModel:       EchoProvider + "/" + EchoProvider,
}

// EchoProvider is the provider name of the scripted echo backend that New
// registers when no model resolver is configured.
const EchoProvider = "echo"

// Options configures an Engine instance using the functional options pattern.
// Every dependency has an in-memory default suitable for development and
// tests.
type Options struct {
	Config Config

	// Store persists sessions, agents and transcripts.
	Store core.Store
	// Registry tracks in-flight streams.
	Registry registry.Registry
	// Models resolves agent model references to inference backends.
	Models agent.ModelResolver
	// Callbacks receives stream lifecycle events.
	Callbacks *CallbackManager
	Logger    logging.Logger
}

// Engine orchestrates multi-agent chat requests. It plans turns over the
// session topology, runs them through the agent runner, streams the events
// and records the transcript. All methods are safe for concurrent use;
// streams of different sessions run independently.
type Engine struct {
	store     core.Store
	registry  registry.Registry
	scheduler *scheduler.Scheduler
	runner    *agent.Runner
	callbacks *CallbackManager
	logger    logging.Logger
	config    Config
}

// New creates a new Engine with sensible defaults and optional configuration.
//
// Example:
//
//	eng := engine.New(func(o *engine.Options) {
//	    o.Store = gormStore
//	    o.Models = models
//	    o.Logger = logger
//	})
func New(optFns ...func(o *Options)) *Engine {
	opts := Options{
		Config:    DefaultConfig,
		Callbacks: NewCallbackManager(),
		Logger:    logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Store == nil {
		opts.Store = session.NewInMemoryStore()
	}
	if opts.Registry == nil {
		opts.Registry = registry.New()
	}
	if opts.Models == nil {
		models := model.NewRegistry()
		models.Register(EchoProvider, model.NewScriptedModel(EchoProvider))
		opts.Models = models
	}
	if opts.Callbacks == nil {
		opts.Callbacks = NewCallbackManager()
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	cfg := opts.Config

	return &Engine{
		store:    opts.Store,
		registry: opts.Registry,
		scheduler: scheduler.New(func(o *scheduler.Options) {
			o.MaxTurns = cfg.MaxTurns
			o.Logger = opts.Logger
		}),
		runner: agent.NewRunner(opts.Models, func(o *agent.Options) {
			if cfg.CallTimeout > 0 {
				o.CallTimeout = cfg.CallTimeout
			}
			if cfg.MaxUnreachable > 0 {
				o.MaxUnreachable = cfg.MaxUnreachable
			}
			if cfg.MaxHistoryMessages > 0 {
				o.MaxHistoryMessages = cfg.MaxHistoryMessages
			}
			o.Logger = opts.Logger
		}),
		callbacks: opts.Callbacks,
		logger:    opts.Logger,
		config:    cfg,
	}
}

// Callbacks returns the callback manager for registering lifecycle hooks.
func (e *Engine) Callbacks() *CallbackManager { return e.callbacks }

// ChatRequest starts a chat stream.
type ChatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
	// TargetAgentID overrides entry resolution for the first turn. It may be
	// a node id, binding id, agent id or agent name.
	TargetAgentID string `json:"target_agent_id,omitempty"`
}

// Stream is an opened chat request. The user message is already persisted
// and the session is registered as streaming. Callers must Close it.
type Stream struct {
	engine   *Engine
	entry    *registry.StreamSession
	ctx      context.Context
	cancel   context.CancelFunc
	req      stream.Request
	user     core.Message
	observer *streamObserver

	served    atomic.Bool
	closeOnce sync.Once
}

// Open validates req and prepares its stream. Every failure happens before
// any event is produced: core.ErrSessionNotFound, core.ErrSessionClosed,
// core.ErrUnknownAgent for a bad override, core.ErrInvalidTopology and
// core.ErrStreamActive when the session already streams.
func (e *Engine) Open(ctx context.Context, req ChatRequest) (*Stream, error) {
	if strings.TrimSpace(req.SessionID) == "" {
		return nil, fmt.Errorf("%w: session_id is required", core.ErrInvalidRequest)
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, fmt.Errorf("%w: message is required", core.ErrInvalidRequest)
	}

	sess, err := e.store.GetSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if !sess.Active() {
		return nil, core.ErrSessionClosed
	}
	members, err := e.members(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	idx, err := topology.NewIndex(sess.Topology, members)
	if err != nil {
		return nil, err
	}
	history, err := e.store.ListMessages(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	plan, err := e.scheduler.Plan(idx, req.TargetAgentID)
	if err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	entry, err := e.registry.Register(sess.ID, cancel)
	if err != nil {
		cancel()
		return nil, err
	}

	writer := transcript.New(e.store, sess.ID, func(o *transcript.Options) { o.Logger = e.logger })
	user, err := writer.CommitUser(ctx, req.Message)
	if err != nil {
		e.registry.Unregister(sess.ID, entry.Token)
		cancel()
		return nil, err
	}

	e.logger.Info("engine.stream.opened", "session_id", sess.ID, "stream_token", entry.Token, "agents", len(members), "override", req.TargetAgentID)

	return &Stream{
		engine: e,
		entry:  entry,
		ctx:    streamCtx,
		cancel: cancel,
		req: stream.Request{
			Session: sess,
			Index:   idx,
			Plan:    plan,
			Runner:  e.runner.NewInvocation(),
			Writer:  writer,
			History: history,
		},
		user:     user,
		observer: &streamObserver{sessionID: sess.ID, callbacks: e.callbacks, logger: e.logger},
	}, nil
}

// SessionID returns the session the stream belongs to.
func (s *Stream) SessionID() string { return s.entry.SessionID }

// Token identifies this stream in the registry.
func (s *Stream) Token() string { return s.entry.Token }

// UserMessage returns the persisted user message.
func (s *Stream) UserMessage() core.Message { return s.user.Clone() }

// Serve runs the stream to completion, writing events to sink. It may be
// called once.
func (s *Stream) Serve(sink stream.Sink) stream.Result {
	if !s.served.CompareAndSwap(false, true) {
		return stream.Result{Err: errors.New("stream already served")}
	}
	e := s.engine
	mux := stream.NewMultiplexer(func(o *stream.Options) {
		o.CommitTimeout = e.config.CommitTimeout
		o.Observer = s.observer
		o.Logger = e.logger
	})
	res := mux.Run(s.ctx, s.req, sink)
	s.observer.StreamEnded(context.WithoutCancel(s.ctx), res)
	e.logger.Info("engine.stream.ended", "session_id", s.SessionID(), "stream_token", s.Token(), "message_id", res.MessageID, "turns", len(res.Turns), "code", res.Code)
	return res
}

// Cancel requests cancellation of a running Serve without releasing the
// registry entry. Serve still persists partial content and writes the end
// event.
func (s *Stream) Cancel() { s.cancel() }

// Close releases the registry entry and cancels anything still running. It
// is safe to call more than once.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		s.engine.registry.Unregister(s.entry.SessionID, s.entry.Token)
		s.cancel()
	})
}

// Chat opens, serves and closes a stream in one call.
func (e *Engine) Chat(ctx context.Context, req ChatRequest, sink stream.Sink) (stream.Result, error) {
	st, err := e.Open(ctx, req)
	if err != nil {
		return stream.Result{}, err
	}
	defer st.Close()
	return st.Serve(sink), nil
}

// SendResult is the outcome of a non-streaming chat request.
type SendResult struct {
	Status        string `json:"status"`
	NewMessageID  string `json:"new_message_id"`
	UserMessageID string `json:"user_message_id"`
	Error         string `json:"error,omitempty"`
}

// Send runs a chat request without streaming and reports the last persisted
// reply.
func (e *Engine) Send(ctx context.Context, req ChatRequest) (SendResult, error) {
	st, err := e.Open(ctx, req)
	if err != nil {
		return SendResult{}, err
	}
	defer st.Close()

	res := st.Serve(&stream.Collector{})
	out := SendResult{Status: "success", NewMessageID: res.MessageID, UserMessageID: st.user.ID}
	if res.Code != "" {
		out.Status = "failed"
		out.Error = res.Code
	}
	return out, nil
}

// Stop requests cancellation of the session's in-flight stream. It reports
// whether a stream was found; a missing stream is not an error.
func (e *Engine) Stop(sessionID string) bool {
	ok := e.registry.Stop(sessionID)
	if ok {
		e.logger.Info("engine.stream.stop", "session_id", sessionID)
	}
	return ok
}

// ActiveStreams lists in-flight streams.
func (e *Engine) ActiveStreams() []registry.StreamSession {
	return e.registry.Active()
}

// Shutdown cancels every in-flight stream and waits until all of them
// unregistered or ctx is done.
func (e *Engine) Shutdown(ctx context.Context) error {
	for _, s := range e.registry.Active() {
		e.registry.Stop(s.SessionID)
	}
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for len(e.registry.Active()) > 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("shutdown: %d streams still active: %w", len(e.registry.Active()), ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

func (e *Engine) members(ctx context.Context, sessionID string) ([]core.Member, error) {
	bindings, err := e.store.ListBindings(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	members := make([]core.Member, 0, len(bindings))
	for _, b := range bindings {
		a, err := e.store.GetAgent(ctx, b.AgentID)
		if err != nil {
			return nil, fmt.Errorf("load agent %s of binding %s: %w", b.AgentID, b.ID, err)
		}
		members = append(members, core.Member{Binding: b, Agent: *a})
	}
	return members, nil
}
