package engine

import (
	"context"
	"sync"

	"github.com/hupe1980/meshchat/core"
	"github.com/hupe1980/meshchat/logging"
	"github.com/hupe1980/meshchat/stream"
	"github.com/hupe1980/meshchat/topology"
)

// CallbackType defines the lifecycle points of a chat stream where callbacks
// run.
type CallbackType string

const (
	// CallbackTurnStarted runs before an agent turn starts.
	CallbackTurnStarted CallbackType = "turn_started"
	// CallbackTurnCommitted runs after a turn's message was persisted.
	CallbackTurnCommitted CallbackType = "turn_committed"
	// CallbackHandoff runs after a handoff was accepted and announced.
	CallbackHandoff CallbackType = "handoff"
	// CallbackStreamEnded runs once the end event was written.
	CallbackStreamEnded CallbackType = "stream_ended"
)

// CallbackContext carries what a callback may inspect. Fields that do not
// apply to the callback type are zero.
type CallbackContext struct {
	CallbackType CallbackType
	SessionID    string
	Turn         core.Turn
	// Target is the agent of Turn. For handoffs it is the agent taking over.
	Target topology.Target
	// From is the agent handing off.
	From      topology.Target
	MessageID string
	// Result is set for CallbackStreamEnded.
	Result   *stream.Result
	Metadata map[string]any
}

// Callback is a lifecycle hook. Returned errors are logged; they never abort
// a running stream.
type Callback interface {
	Type() CallbackType
	Execute(ctx context.Context, callbackCtx *CallbackContext) error
}

// FunctionCallback wraps a function as a callback implementation.
//
// Example:
//
//	cb := NewFunctionCallback(CallbackHandoff, func(ctx context.Context, c *CallbackContext) error {
//	    log.Printf("%s -> %s", c.From.Name(), c.Target.Name())
//	    return nil
//	})
type FunctionCallback struct {
	callbackType CallbackType
	fn           func(ctx context.Context, callbackCtx *CallbackContext) error
}

// NewFunctionCallback creates a new function-based callback.
func NewFunctionCallback(
	callbackType CallbackType,
	fn func(ctx context.Context, callbackCtx *CallbackContext) error,
) *FunctionCallback {
	return &FunctionCallback{
		callbackType: callbackType,
		fn:           fn,
	}
}

// Type returns the callback type this function handles.
func (c *FunctionCallback) Type() CallbackType {
	return c.callbackType
}

// Execute calls the wrapped function with the provided context.
func (c *FunctionCallback) Execute(ctx context.Context, callbackCtx *CallbackContext) error {
	return c.fn(ctx, callbackCtx)
}

// CallbackManager keeps callbacks per type and runs them in registration
// order. It is safe for concurrent use.
type CallbackManager struct {
	mu        sync.RWMutex
	callbacks map[CallbackType][]Callback
}

// NewCallbackManager creates an empty callback manager.
func NewCallbackManager() *CallbackManager {
	return &CallbackManager{
		callbacks: make(map[CallbackType][]Callback),
	}
}

// RegisterCallback adds a callback for its type.
func (cm *CallbackManager) RegisterCallback(callback Callback) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	callbackType := callback.Type()
	cm.callbacks[callbackType] = append(cm.callbacks[callbackType], callback)
}

// ExecuteCallbacks runs all callbacks of callbackType and stops at the first
// error, which it returns.
func (cm *CallbackManager) ExecuteCallbacks(
	ctx context.Context,
	callbackType CallbackType,
	callbackCtx *CallbackContext,
) error {
	cm.mu.RLock()
	callbacks := append([]Callback(nil), cm.callbacks[callbackType]...)
	cm.mu.RUnlock()

	callbackCtx.CallbackType = callbackType
	for _, callback := range callbacks {
		if err := callback.Execute(ctx, callbackCtx); err != nil {
			return err
		}
	}
	return nil
}

// LoggingCallback writes one structured log entry per lifecycle event.
type LoggingCallback struct {
	callbackType CallbackType
	logger       logging.Logger
}

// NewLoggingCallback creates a logging callback for callbackType.
func NewLoggingCallback(callbackType CallbackType, logger logging.Logger) *LoggingCallback {
	return &LoggingCallback{
		callbackType: callbackType,
		logger:       logger,
	}
}

// Type returns the callback type this logger handles.
func (c *LoggingCallback) Type() CallbackType {
	return c.callbackType
}

// Execute logs the event.
func (c *LoggingCallback) Execute(_ context.Context, cc *CallbackContext) error {
	if c.logger == nil {
		return nil
	}
	args := []any{"session_id", cc.SessionID, "turn", cc.Turn.Index}
	switch cc.CallbackType {
	case CallbackTurnStarted:
		args = append(args, "agent", cc.Target.Name(), "reason", string(cc.Turn.Reason))
	case CallbackTurnCommitted:
		args = append(args, "message_id", cc.MessageID)
	case CallbackHandoff:
		args = append(args, "from", cc.From.Name(), "to", cc.Target.Name())
	case CallbackStreamEnded:
		if cc.Result != nil {
			args = append(args, "message_id", cc.Result.MessageID, "turns", len(cc.Result.Turns), "code", cc.Result.Code)
		}
	}
	c.logger.Info("engine."+string(cc.CallbackType), args...)
	return nil
}

// streamObserver adapts the callback manager to stream.Observer for one
// session.
type streamObserver struct {
	sessionID string
	callbacks *CallbackManager
	logger    logging.Logger
}

func (o *streamObserver) run(ctx context.Context, cc *CallbackContext, t CallbackType) {
	cc.SessionID = o.sessionID
	if err := o.callbacks.ExecuteCallbacks(ctx, t, cc); err != nil {
		o.logger.Warn("engine.callback.failed", "session_id", o.sessionID, "callback", string(t), "error", err)
	}
}

func (o *streamObserver) TurnStarted(ctx context.Context, turn core.Turn, target topology.Target) {
	o.run(ctx, &CallbackContext{Turn: turn, Target: target}, CallbackTurnStarted)
}

func (o *streamObserver) TurnCommitted(ctx context.Context, turn core.Turn, messageID string) {
	o.run(ctx, &CallbackContext{Turn: turn, MessageID: messageID}, CallbackTurnCommitted)
}

func (o *streamObserver) Handoff(ctx context.Context, from, to topology.Target) {
	o.run(ctx, &CallbackContext{Target: to, From: from}, CallbackHandoff)
}

func (o *streamObserver) StreamEnded(ctx context.Context, res stream.Result) {
	var last core.Turn
	if n := len(res.Turns); n > 0 {
		last = res.Turns[n-1]
	}
	o.run(ctx, &CallbackContext{Turn: last, MessageID: res.MessageID, Result: &res}, CallbackStreamEnded)
}
