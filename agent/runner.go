package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hupe1980/meshchat/core"
	"github.com/hupe1980/meshchat/logging"
	"github.com/hupe1980/meshchat/model"
	"github.com/hupe1980/meshchat/scheduler"
	"github.com/hupe1980/meshchat/topology"
)

// ModelResolver maps a model reference to a backend and the model name to
// request from it. *model.Registry implements it.
type ModelResolver interface {
	Resolve(ref string) (model.Model, string, error)
}

// Options configures a Runner.
type Options struct {
	// CallTimeout bounds every backend call.
	CallTimeout time.Duration
	// MaxUnreachable is the number of consecutive backend failures within one
	// Invocation that turns a degraded turn into a terminal error.
	MaxUnreachable int
	// MaxHistoryMessages limits the transcript handed to the backend.
	MaxHistoryMessages int
	Logger             logging.Logger
}

// Runner executes agent turns against inference backends.
type Runner struct {
	models ModelResolver
	opts   Options
}

// NewRunner creates a Runner.
func NewRunner(models ModelResolver, optFns ...func(o *Options)) *Runner {
	opts := Options{
		CallTimeout:        30 * time.Second,
		MaxUnreachable:     2,
		MaxHistoryMessages: 20,
		Logger:             logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.MaxUnreachable < 1 {
		opts.MaxUnreachable = 1
	}
	return &Runner{models: models, opts: opts}
}

// TurnInput is everything a turn needs to run.
type TurnInput struct {
	Turn    core.Turn
	Target  topology.Target
	Session *core.Session
	// History is the transcript so far, including the user message of the
	// current request and turns committed earlier in it.
	History []core.Message
	// Routes are the handoff targets available from the turn's node.
	Routes []topology.Target
	// From names the agent that handed off to this turn.
	From string
	// Names maps binding ids to agent names for history attribution.
	Names map[string]string
}

// Invocation scopes backend failure tracking to a single chat request. It is
// not safe for concurrent use.
type Invocation struct {
	runner   *Runner
	failures int
}

// NewInvocation starts a new chat request scope.
func (r *Runner) NewInvocation() *Invocation { return &Invocation{runner: r} }

// Run executes one turn. The returned channel yields events incrementally and
// always ends with exactly one terminal event (Done, Cancelled or Error)
// before it is closed. Callers must drain it.
func (inv *Invocation) Run(ctx context.Context, in TurnInput) <-chan core.AgentEvent {
	out := make(chan core.AgentEvent, 16)
	go func() {
		defer close(out)
		t := &turnRun{inv: inv, ctx: ctx, out: out, in: in}
		t.run()
	}()
	return out
}

type turnRun struct {
	inv *Invocation
	ctx context.Context
	out chan<- core.AgentEvent
	in  TurnInput
}

// emit forwards a non-terminal event. It returns false once the context is
// cancelled, in which case nothing was sent.
func (t *turnRun) emit(ev core.AgentEvent) bool {
	if t.ctx.Err() != nil {
		return false
	}
	select {
	case <-t.ctx.Done():
		return false
	case t.out <- ev:
		return true
	}
}

func (t *turnRun) finish(ev core.AgentEvent) { t.out <- ev }

func (t *turnRun) run() {
	if t.in.Turn.Reason == core.TurnFallback {
		t.fallback()
		return
	}

	r := t.inv.runner
	member := t.in.Target.Member
	name := t.in.Target.Name()

	plan := fmt.Sprintf("%s answers the request.", name)
	if t.in.Turn.Reason == core.TurnHandoff {
		plan = fmt.Sprintf("%s takes over from %s.", name, t.in.From)
	}
	if !t.emit(core.Thinking(core.LabelPlan, plan)) {
		t.finish(core.Cancelled())
		return
	}
	retrieve := fmt.Sprintf("Loaded %d transcript messages and memory v%d.", len(t.in.History), member.Binding.Memory.Version)
	if !t.emit(core.Thinking(core.LabelRetrieve, retrieve)) {
		t.finish(core.Cancelled())
		return
	}

	req, transfer, err := t.request()
	if err != nil {
		t.fail(err)
		return
	}
	backend, modelName, err := r.models.Resolve(member.ModelRef())
	if err != nil {
		t.fail(err)
		return
	}
	req.Model = modelName

	var target string
	for {
		start := time.Now()
		var sawText bool
		target, sawText, err = t.call(backend, req, transfer)
		if t.ctx.Err() != nil {
			t.finish(core.Cancelled())
			return
		}
		if err == nil {
			r.opts.Logger.Debug("agent.turn.completed", "agent", name, "model", member.ModelRef(), "duration_ms", time.Since(start).Milliseconds(), "handoff", target)
			break
		}
		r.opts.Logger.Warn("agent.backend.failed", "agent", name, "model", member.ModelRef(), "duration_ms", time.Since(start).Milliseconds(), "error", err)
		// Output already forwarded cannot be taken back, so only a call that
		// produced no text is repeated.
		if sawText || t.inv.failures+1 >= r.opts.MaxUnreachable {
			t.fail(err)
			return
		}
		t.inv.failures++
		msg := fmt.Sprintf("The model backend for %s failed: %v. Retrying.", name, err)
		if !t.emit(core.Thinking(core.LabelRetry, msg)) {
			t.finish(core.Cancelled())
			return
		}
	}

	t.inv.failures = 0
	if target != "" && !t.emit(core.HandoffRequest(target)) {
		t.finish(core.Cancelled())
		return
	}
	t.finish(core.Done())
}

// call performs one backend call under the per-call deadline. sawText
// reports whether any text was forwarded before a failure.
func (t *turnRun) call(backend model.Model, req model.Request, transfer *model.ToolDefinition) (target string, sawText bool, err error) {
	callCtx, cancel := context.WithTimeout(t.ctx, t.inv.runner.opts.CallTimeout)
	defer cancel()
	return t.consume(callCtx, backend, req, transfer)
}

func (t *turnRun) fallback() {
	if !t.emit(core.Thinking(core.LabelPlan, "No agents are configured for this session; replying with the default message.")) {
		t.finish(core.Cancelled())
		return
	}
	if !t.emit(core.TextChunk(scheduler.FallbackMessage)) {
		t.finish(core.Cancelled())
		return
	}
	t.finish(core.Done())
}

// fail degrades the turn, or ends the request once the backend failed
// MaxUnreachable times in a row.
func (t *turnRun) fail(err error) {
	t.inv.failures++
	if t.inv.failures >= t.inv.runner.opts.MaxUnreachable {
		t.finish(core.Failed(fmt.Errorf("%w: %w", core.ErrBackendUnavailable, err)))
		return
	}
	msg := fmt.Sprintf("The model backend for %s failed: %v", t.in.Target.Name(), err)
	if !t.emit(core.Thinking(core.LabelDiagnostic, msg)) {
		t.finish(core.Cancelled())
		return
	}
	t.finish(core.Done())
}

func (t *turnRun) request() (model.Request, *model.ToolDefinition, error) {
	instructions, err := Instructions(t.in)
	if err != nil {
		return model.Request{}, nil, err
	}
	member := t.in.Target.Member
	temperature := member.Agent.Temperature
	req := model.Request{
		Instructions: instructions,
		Messages:     buildHistory(t.in.History, member, t.in.Names, t.inv.runner.opts.MaxHistoryMessages),
		Temperature:  &temperature,
		Stream:       true,
	}
	if len(t.in.Routes) == 0 {
		return req, nil, nil
	}
	tool := NewTransferTool(t.in.Routes)
	req.Tools = []model.ToolDefinition{tool}
	return req, &tool, nil
}

// consume forwards backend output and returns the requested handoff target.
func (t *turnRun) consume(ctx context.Context, backend model.Model, req model.Request, transfer *model.ToolDefinition) (string, bool, error) {
	respCh, errCh := backend.Generate(ctx, req)

	var (
		sawText bool
		target  string
		callErr error
	)
	// Both channels are drained so output sent before a failure is counted.
	for respCh != nil || errCh != nil {
		select {
		case <-t.ctx.Done():
			return "", sawText, t.ctx.Err()
		case resp, ok := <-respCh:
			if !ok {
				respCh = nil
				continue
			}
			if resp.Reasoning != "" && !t.emit(core.Thinking(core.LabelReason, resp.Reasoning)) {
				return "", sawText, t.ctx.Err()
			}
			if resp.Partial {
				if resp.Text != "" {
					sawText = true
					if !t.emit(core.TextChunk(resp.Text)) {
						return "", sawText, t.ctx.Err()
					}
				}
				continue
			}
			if !sawText && resp.Text != "" {
				sawText = true
				if !t.emit(core.TextChunk(resp.Text)) {
					return "", sawText, t.ctx.Err()
				}
			}
			for _, call := range resp.ToolCalls {
				if call.Name != model.TransferToolName || target != "" {
					continue
				}
				target = t.acceptHandoff(transfer, func(tool model.ToolDefinition) (string, error) { return ParseTransfer(tool, call) })
			}
			if resp.Handoff != "" && target == "" {
				target = t.acceptHandoff(transfer, func(tool model.ToolDefinition) (string, error) { return ParseDirectHandoff(tool, resp.Handoff) })
			}
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil && callErr == nil {
				callErr = err
			}
		}
	}
	switch {
	case callErr == nil:
		return target, sawText, nil
	case errors.Is(callErr, context.DeadlineExceeded):
		return "", sawText, fmt.Errorf("backend call timed out after %s: %w", t.inv.runner.opts.CallTimeout, callErr)
	default:
		return "", sawText, callErr
	}
}

// acceptHandoff returns the validated target of a handoff request, or "" after
// noting why it was ignored.
func (t *turnRun) acceptHandoff(transfer *model.ToolDefinition, parse func(model.ToolDefinition) (string, error)) string {
	if transfer == nil {
		t.emit(core.Thinking(core.LabelHandoff, "Ignored a handoff request: this agent has no outgoing routes."))
		return ""
	}
	name, err := parse(*transfer)
	if err != nil {
		t.emit(core.Thinking(core.LabelHandoff, fmt.Sprintf("Ignored a malformed handoff request: %v", err)))
		return ""
	}
	return name
}
