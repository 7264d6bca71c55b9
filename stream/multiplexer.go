package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hupe1980/meshchat/agent"
	"github.com/hupe1980/meshchat/core"
	"github.com/hupe1980/meshchat/logging"
	"github.com/hupe1980/meshchat/scheduler"
	"github.com/hupe1980/meshchat/topology"
	"github.com/hupe1980/meshchat/transcript"
)

// FallbackAgentName attributes text of the fallback turn.
const FallbackAgentName = "Assistant"

// TurnRunner executes one turn. *agent.Invocation implements it.
type TurnRunner interface {
	Run(ctx context.Context, in agent.TurnInput) <-chan core.AgentEvent
}

// Observer is notified about turn lifecycle. Calls happen on the
// multiplexer goroutine, so implementations should return quickly.
type Observer interface {
	TurnStarted(ctx context.Context, turn core.Turn, target topology.Target)
	TurnCommitted(ctx context.Context, turn core.Turn, messageID string)
	Handoff(ctx context.Context, from, to topology.Target)
}

// Request is everything one chat stream needs.
type Request struct {
	Session *core.Session
	Index   *topology.Index
	Plan    *scheduler.Plan
	Runner  TurnRunner
	Writer  *transcript.Writer
	// History is the transcript that precedes this request. Messages
	// committed through Writer are appended to it for later turns.
	History []core.Message
}

// Result summarises a finished stream.
type Result struct {
	// MessageID is the id carried by the end event.
	MessageID string
	Turns     []core.Turn
	// Code is the error code of the end event, empty on success.
	Code string
	// Err is the underlying error behind Code, if any.
	Err error
}

// Options configures a Multiplexer.
type Options struct {
	// CommitTimeout bounds each transcript commit. Commits run on a context
	// detached from the request so a cancelled stream still persists its
	// partial turn.
	CommitTimeout time.Duration
	Observer      Observer
	Logger        logging.Logger
}

// Multiplexer drives turn plans and writes their events to a Sink.
type Multiplexer struct {
	opts Options
}

// NewMultiplexer creates a Multiplexer.
func NewMultiplexer(optFns ...func(o *Options)) *Multiplexer {
	opts := Options{CommitTimeout: 5 * time.Second, Observer: nopObserver{}, Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.CommitTimeout <= 0 {
		opts.CommitTimeout = 5 * time.Second
	}
	return &Multiplexer{opts: opts}
}

// Run executes the plan and blocks until the end event was written. It never
// fails: every problem is reported through the end event and the Result.
// A sink error is treated like a client disconnect and cancels the stream.
func (m *Multiplexer) Run(ctx context.Context, req Request, sink Sink) Result {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := &emitter{sink: sink, cancel: cancel}
	names := memberNames(req.Index)

	var (
		res  Result
		from topology.Target
	)
	for {
		turn, target := req.Plan.Current()
		if mem, ok := req.Writer.Memory(target.Member.Binding.ID); ok {
			target.Member.Binding.Memory = mem
		}
		m.opts.Observer.TurnStarted(ctx, turn, target)

		in := agent.TurnInput{
			Turn:    turn,
			Target:  target,
			Session: req.Session,
			History: append(append([]core.Message(nil), req.History...), req.Writer.Messages()...),
			Routes:  req.Plan.Routes(),
			From:    from.Name(),
			Names:   names,
		}
		rec, handoffRef := m.drive(ctx, req.Runner, in, out)

		var (
			next     topology.Target
			accepted bool
			note     string
		)
		if handoffRef != "" && rec.Outcome == transcript.OutcomeDone {
			var err error
			_, next, err = req.Plan.Handoff(handoffRef)
			switch {
			case err == nil:
				accepted = true
				rec.Outcome = transcript.OutcomeHandoff
			case errors.Is(err, core.ErrHandoffLimitExceeded):
				note = fmt.Sprintf("Handoff to %s refused: the limit of %d turns per request was reached.", next.Name(), req.Plan.Executed())
				res.Code, res.Err = ErrCodeHandoffLimit, err
			case errors.Is(err, core.ErrNoRoute):
				note = fmt.Sprintf("Handoff to %s refused: %s has no route to it.", next.Name(), target.Name())
			default:
				note = fmt.Sprintf("Handoff to %q refused: %v.", handoffRef, err)
			}
		}

		id, err := m.commit(ctx, req.Writer, rec)
		if err != nil {
			m.opts.Logger.Error("stream.commit.failed", "session_id", req.Session.ID, "turn", turn.Index, "error", err)
			res.Code, res.Err = ErrCodePersistence, err
			break
		}
		if id != "" {
			m.opts.Observer.TurnCommitted(context.WithoutCancel(ctx), turn, id)
		}
		if note != "" {
			out.send(Event{Type: EventThinking, Data: ThinkingData{Text: note, Step: core.LabelHandoff}})
		}

		switch rec.Outcome {
		case transcript.OutcomeCancelled:
			res.Code, res.Err = ErrCodeCancelled, context.Canceled
		case transcript.OutcomeFailed:
			res.Code, res.Err = ErrCodeBackendUnavailable, core.ErrBackendUnavailable
		}
		if res.Code != "" {
			break
		}
		if !accepted {
			req.Plan.Finish()
			break
		}

		out.send(Event{Type: EventHandoff, Data: HandoffData{
			FromAgentID:   target.Member.Binding.ID,
			FromAgentName: target.Name(),
			ToAgentID:     next.Member.Binding.ID,
			ToAgentName:   next.Name(),
		}})
		m.opts.Observer.Handoff(ctx, target, next)
		from = target
	}

	res.MessageID = req.Writer.LastMessageID()
	res.Turns = req.Plan.Turns()
	out.final(Event{Type: EventEnd, Data: EndData{MessageID: res.MessageID, Error: res.Code}})
	return res
}

// drive forwards the events of one turn and buffers what must be persisted.
// It drains the runner channel completely.
func (m *Multiplexer) drive(ctx context.Context, runner TurnRunner, in agent.TurnInput, out *emitter) (transcript.TurnRecord, string) {
	rec := transcript.TurnRecord{Turn: in.Turn, Outcome: transcript.OutcomeDone}
	agentID, agentName := in.Target.Member.Binding.ID, in.Target.Name()
	if in.Turn.Reason == core.TurnFallback {
		agentName = FallbackAgentName
	}

	var (
		text    []byte
		handoff string
	)
	for ev := range runner.Run(ctx, in) {
		switch ev.Kind {
		case core.EventThinking:
			rec.Thoughts = append(rec.Thoughts, core.ThoughtStep{Step: ev.Label, Text: ev.Text})
			if ev.Label == core.LabelDiagnostic {
				rec.Outcome = transcript.OutcomeDegraded
				rec.Diagnostic = ev.Text
			}
			out.send(Event{Type: EventThinking, Data: ThinkingData{Text: ev.Text, Step: ev.Label}})
		case core.EventText:
			text = append(text, ev.Text...)
			out.send(Event{Type: EventText, Data: TextData{Chunk: ev.Text, AgentID: agentID, AgentName: agentName}})
		case core.EventHandoff:
			if handoff == "" {
				handoff = ev.Target
			}
		case core.EventCancelled:
			rec.Outcome = transcript.OutcomeCancelled
		case core.EventError:
			rec.Outcome = transcript.OutcomeFailed
			rec.Diagnostic = ev.Text
			out.send(Event{Type: EventThinking, Data: ThinkingData{Text: ev.Text, Step: core.LabelDiagnostic}})
		}
	}
	rec.Content = string(text)
	if rec.Outcome == transcript.OutcomeDegraded {
		handoff = ""
	}
	return rec, handoff
}

func (m *Multiplexer) commit(ctx context.Context, w *transcript.Writer, rec transcript.TurnRecord) (string, error) {
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.CommitTimeout)
	defer cancel()
	return w.CommitTurn(commitCtx, rec)
}

func memberNames(idx *topology.Index) map[string]string {
	names := make(map[string]string)
	for _, mem := range idx.Members() {
		names[mem.Binding.ID] = mem.Agent.Name
	}
	return names
}

// emitter forwards events until the sink fails once, then cancels the stream.
type emitter struct {
	sink   Sink
	cancel context.CancelFunc
	broken bool
}

func (e *emitter) send(ev Event) {
	if e.broken {
		return
	}
	if err := e.sink.Send(ev); err != nil {
		e.broken = true
		e.cancel()
	}
}

// final writes the end event regardless of earlier sink failures.
func (e *emitter) final(ev Event) {
	_ = e.sink.Send(ev)
}

type nopObserver struct{}

func (nopObserver) TurnStarted(context.Context, core.Turn, topology.Target) {}
func (nopObserver) TurnCommitted(context.Context, core.Turn, string) {}
func (nopObserver) Handoff(context.Context, topology.Target, topology.Target) {}
