package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/meshchat/agent"
	"github.com/hupe1980/meshchat/core"
	"github.com/hupe1980/meshchat/internal/testutil"
	"github.com/hupe1980/meshchat/model"
	"github.com/hupe1980/meshchat/scheduler"
	"github.com/hupe1980/meshchat/session"
	"github.com/hupe1980/meshchat/topology"
	"github.com/hupe1980/meshchat/transcript"
)

// waitForCancel makes the scripted runner block until the turn is cancelled.
const waitForCancel core.EventKind = "test.wait"

// scriptedRunner replays event scripts queued per binding id. The fallback
// turn uses the empty binding id.
type scriptedRunner struct {
	mu      sync.Mutex
	scripts map[string][][]core.AgentEvent
	inputs  []agent.TurnInput
}

func newScriptedRunner() *scriptedRunner {
	return &scriptedRunner{scripts: map[string][][]core.AgentEvent{}}
}

func (r *scriptedRunner) on(bindingID string, evs ...core.AgentEvent) *scriptedRunner {
	r.scripts[bindingID] = append(r.scripts[bindingID], evs)
	return r
}

func (r *scriptedRunner) Run(ctx context.Context, in agent.TurnInput) <-chan core.AgentEvent {
	r.mu.Lock()
	r.inputs = append(r.inputs, in)
	var script []core.AgentEvent
	if q := r.scripts[in.Turn.BindingID]; len(q) > 0 {
		script, r.scripts[in.Turn.BindingID] = q[0], q[1:]
	}
	r.mu.Unlock()

	out := make(chan core.AgentEvent)
	go func() {
		defer close(out)
		for _, ev := range script {
			if ev.Kind == waitForCancel {
				<-ctx.Done()
				continue
			}
			if ctx.Err() != nil {
				out <- core.Cancelled()
				return
			}
			out <- ev
			if ev.Terminal() {
				return
			}
		}
		if ctx.Err() != nil {
			out <- core.Cancelled()
			return
		}
		out <- core.Done()
	}()
	return out
}

func (r *scriptedRunner) Inputs() []agent.TurnInput {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]agent.TurnInput(nil), r.inputs...)
}

type harness struct {
	store  *session.InMemoryStore
	fx     testutil.Fixture
	req    Request
	runner *scriptedRunner
}

func newHarness(t *testing.T, fx testutil.Fixture, maxTurns int, text string) *harness {
	t.Helper()
	ctx := context.Background()
	store := session.NewInMemoryStore()
	require.NoError(t, fx.Seed(ctx, store))

	idx, err := topology.NewIndex(fx.Session.Topology, fx.Members)
	require.NoError(t, err)
	plan, err := scheduler.New(func(o *scheduler.Options) { o.MaxTurns = maxTurns }).Plan(idx, "")
	require.NoError(t, err)

	w := transcript.New(store, fx.Session.ID)
	_, err = w.CommitUser(ctx, text)
	require.NoError(t, err)

	runner := newScriptedRunner()
	return &harness{
		store:  store,
		fx:     fx,
		runner: runner,
		req:    Request{Session: fx.Session, Index: idx, Plan: plan, Runner: runner, Writer: w},
	}
}

func (h *harness) messages(t *testing.T) []core.Message {
	t.Helper()
	msgs, err := h.store.ListMessages(context.Background(), h.fx.Session.ID)
	require.NoError(t, err)
	return msgs
}

func pipeline() testutil.Fixture {
	return testutil.NewSessionBuilder("s1").
		Agent("b1", "Planner").Agent("b2", "Coder").
		Entry("n1", "b1").Node("n2", "b2").Edge("n1", "n2").
		Build()
}

func TestMultiplexer_TwoTurnHandoff(t *testing.T) {
	h := newHarness(t, pipeline(), scheduler.DefaultMaxTurns, "@coder fix bug")
	h.runner.
		on("b1", testutil.NewEventBuilder().Thinking(core.LabelPlan, "routing").Text("Hand", "ing over").Handoff("Coder").Build()...).
		on("b2", testutil.NewEventBuilder().Text("Fixed").Build()...)

	sink := &Collector{}
	res := NewMultiplexer().Run(context.Background(), h.req, sink)

	assert.Equal(t, []EventType{EventThinking, EventText, EventText, EventHandoff, EventText, EventEnd}, sink.Types())

	evs := sink.Events()
	assert.Equal(t, TextData{Chunk: "Hand", AgentID: "b1", AgentName: "Planner"}, evs[1].Data)
	assert.Equal(t, HandoffData{FromAgentID: "b1", FromAgentName: "Planner", ToAgentID: "b2", ToAgentName: "Coder"}, evs[3].Data)
	assert.Equal(t, TextData{Chunk: "Fixed", AgentID: "b2", AgentName: "Coder"}, evs[4].Data)

	msgs := h.messages(t)
	require.Len(t, msgs, 3)
	assert.Equal(t, core.RoleUser, msgs[0].Role)
	assert.Equal(t, "b1", msgs[1].AgentID)
	assert.Equal(t, "Handing over", msgs[1].Content)
	assert.Equal(t, []core.ThoughtStep{{Step: core.LabelPlan, Text: "routing"}}, msgs[1].ThoughtProcess)
	assert.Equal(t, "b2", msgs[2].AgentID)
	assert.Equal(t, "Fixed", msgs[2].Content)

	end, ok := sink.End()
	require.True(t, ok)
	assert.Equal(t, msgs[2].ID, end.MessageID)
	assert.Empty(t, end.Error)
	assert.Equal(t, msgs[2].ID, res.MessageID)
	assert.Empty(t, res.Code)
	require.Len(t, res.Turns, 2)
	assert.Equal(t, core.TurnHandoff, res.Turns[1].Reason)

	inputs := h.runner.Inputs()
	require.Len(t, inputs, 2)
	require.Len(t, inputs[0].Routes, 1)
	assert.Equal(t, "Planner", inputs[1].From)
	require.Len(t, inputs[1].History, 2)
	assert.Equal(t, msgs[1].ID, inputs[1].History[1].ID)
}

func TestMultiplexer_FallbackTurn(t *testing.T) {
	h := newHarness(t, testutil.NewSessionBuilder("s1").Build(), scheduler.DefaultMaxTurns, "hi")
	h.runner.on("", testutil.NewEventBuilder().Text(scheduler.FallbackMessage).Build()...)

	sink := &Collector{}
	res := NewMultiplexer().Run(context.Background(), h.req, sink)

	assert.Equal(t, []EventType{EventText, EventEnd}, sink.Types())
	assert.Equal(t, FallbackAgentName, sink.Events()[0].Data.(TextData).AgentName)

	msgs := h.messages(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, core.RoleSystem, msgs[1].Role)
	assert.Equal(t, scheduler.FallbackMessage, msgs[1].Content)
	assert.Equal(t, msgs[1].ID, res.MessageID)
}

func TestMultiplexer_RejectedHandoffEndsPlan(t *testing.T) {
	h := newHarness(t, pipeline(), scheduler.DefaultMaxTurns, "hi")
	h.runner.on("b1", testutil.NewEventBuilder().Text("done").Handoff("Ghost").Build()...)

	sink := &Collector{}
	res := NewMultiplexer().Run(context.Background(), h.req, sink)

	assert.Equal(t, []EventType{EventText, EventThinking, EventEnd}, sink.Types())
	assert.Contains(t, sink.Events()[1].Data.(ThinkingData).Text, "Ghost")
	assert.Empty(t, res.Code)
	assert.Len(t, res.Turns, 1)
	assert.True(t, h.req.Plan.Done())
	assert.Len(t, h.messages(t), 2)
}

func TestMultiplexer_HandoffWithoutRoute(t *testing.T) {
	fx := testutil.NewSessionBuilder("s1").
		Agent("b1", "Planner").Agent("b2", "Coder").
		Entry("n1", "b1").Node("n2", "b2").Edge("n1", "n2").
		Build()
	h := newHarness(t, fx, scheduler.DefaultMaxTurns, "hi")
	h.runner.
		on("b1", core.HandoffRequest("Coder")).
		on("b2", testutil.NewEventBuilder().Text("back").Handoff("Planner").Build()...)

	sink := &Collector{}
	res := NewMultiplexer().Run(context.Background(), h.req, sink)

	assert.Equal(t, []EventType{EventHandoff, EventText, EventThinking, EventEnd}, sink.Types())
	assert.Contains(t, sink.Events()[2].Data.(ThinkingData).Text, "no route")
	assert.Empty(t, res.Code)
	assert.Len(t, res.Turns, 2)
}

func TestMultiplexer_HandoffLimit(t *testing.T) {
	fx := testutil.NewSessionBuilder("s1").
		Agent("b1", "Ping").Agent("b2", "Pong").
		Entry("n1", "b1").Node("n2", "b2").Edge("n1", "n2").Edge("n2", "n1").
		Build()
	h := newHarness(t, fx, 2, "go")
	h.runner.
		on("b1", core.TextChunk("ping"), core.HandoffRequest("Pong")).
		on("b2", core.TextChunk("pong"), core.HandoffRequest("Ping"))

	sink := &Collector{}
	res := NewMultiplexer().Run(context.Background(), h.req, sink)

	assert.Equal(t, []EventType{EventText, EventHandoff, EventText, EventThinking, EventEnd}, sink.Types())
	end, _ := sink.End()
	assert.Equal(t, ErrCodeHandoffLimit, end.Error)
	assert.ErrorIs(t, res.Err, core.ErrHandoffLimitExceeded)

	require.Len(t, res.Turns, 3)
	assert.Equal(t, core.TurnLimitExceeded, res.Turns[2].Reason)
	assert.False(t, res.Turns[2].Executable())

	msgs := h.messages(t)
	require.Len(t, msgs, 3)
	assert.Equal(t, "pong", msgs[2].Content)
	assert.Equal(t, msgs[2].ID, end.MessageID)
}

func TestMultiplexer_CancelMidTurnKeepsPartial(t *testing.T) {
	h := newHarness(t, pipeline(), scheduler.DefaultMaxTurns, "hi")
	h.runner.on("b1", core.TextChunk("hal"), core.TextChunk("f"), core.AgentEvent{Kind: waitForCancel}, core.TextChunk("never"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	inner := &Collector{}
	seen := 0
	sink := SinkFunc(func(ev Event) error {
		if ev.Type == EventText {
			seen++
			if seen == 2 {
				cancel()
			}
		}
		return inner.Send(ev)
	})

	res := NewMultiplexer().Run(ctx, h.req, sink)

	assert.Equal(t, []EventType{EventText, EventText, EventEnd}, inner.Types())
	assert.Equal(t, ErrCodeCancelled, res.Code)

	msgs := h.messages(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, "half", msgs[1].Content)
	assert.True(t, msgs[1].Partial)

	end, _ := inner.End()
	assert.Equal(t, msgs[1].ID, end.MessageID)
	assert.Equal(t, ErrCodeCancelled, end.Error)
}

func TestMultiplexer_CancelBeforeContent(t *testing.T) {
	h := newHarness(t, pipeline(), scheduler.DefaultMaxTurns, "hi")
	h.runner.on("b1", core.TextChunk("never"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sink := &Collector{}
	res := NewMultiplexer().Run(ctx, h.req, sink)

	assert.Equal(t, []EventType{EventEnd}, sink.Types())
	end, _ := sink.End()
	assert.Empty(t, end.MessageID)
	assert.Equal(t, ErrCodeCancelled, end.Error)
	assert.Empty(t, res.MessageID)
	assert.Len(t, h.messages(t), 1)
}

func TestMultiplexer_SinkFailureCancels(t *testing.T) {
	h := newHarness(t, pipeline(), scheduler.DefaultMaxTurns, "hi")
	h.runner.on("b1", core.TextChunk("partial"), core.AgentEvent{Kind: waitForCancel})

	var attempts []EventType
	sink := SinkFunc(func(ev Event) error {
		attempts = append(attempts, ev.Type)
		return errors.New("broken pipe")
	})

	res := NewMultiplexer().Run(context.Background(), h.req, sink)

	assert.Equal(t, []EventType{EventText, EventEnd}, attempts)
	assert.Equal(t, ErrCodeCancelled, res.Code)
	msgs := h.messages(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, "partial", msgs[1].Content)
	assert.True(t, msgs[1].Partial)
}

func TestMultiplexer_BackendUnavailable(t *testing.T) {
	h := newHarness(t, pipeline(), scheduler.DefaultMaxTurns, "hi")
	failure := fmt.Errorf("%w: connection refused", core.ErrBackendUnavailable)
	h.runner.on("b1", core.TextChunk("par"), core.Failed(failure))

	sink := &Collector{}
	res := NewMultiplexer().Run(context.Background(), h.req, sink)

	assert.Equal(t, []EventType{EventText, EventThinking, EventEnd}, sink.Types())
	assert.Equal(t, ErrCodeBackendUnavailable, res.Code)

	msgs := h.messages(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, core.MessageError, msgs[1].Type)
	assert.Equal(t, "par", msgs[1].Content)
}

func TestMultiplexer_DegradedTurnIgnoresHandoff(t *testing.T) {
	h := newHarness(t, pipeline(), scheduler.DefaultMaxTurns, "hi")
	h.runner.on("b1", core.Thinking(core.LabelDiagnostic, "backend timed out"), core.HandoffRequest("Coder"))

	sink := &Collector{}
	res := NewMultiplexer().Run(context.Background(), h.req, sink)

	assert.Equal(t, []EventType{EventThinking, EventEnd}, sink.Types())
	assert.Empty(t, res.Code)
	msgs := h.messages(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, core.MessageError, msgs[1].Type)
	assert.Equal(t, "backend timed out", msgs[1].Content)
}

type recordingObserver struct {
	calls []string
}

func (o *recordingObserver) TurnStarted(_ context.Context, turn core.Turn, _ topology.Target) {
	o.calls = append(o.calls, fmt.Sprintf("started:%d", turn.Index))
}

func (o *recordingObserver) TurnCommitted(_ context.Context, turn core.Turn, _ string) {
	o.calls = append(o.calls, fmt.Sprintf("committed:%d", turn.Index))
}

func (o *recordingObserver) Handoff(_ context.Context, from, to topology.Target) {
	o.calls = append(o.calls, "handoff:"+from.Name()+">"+to.Name())
}

func TestMultiplexer_Observer(t *testing.T) {
	h := newHarness(t, pipeline(), scheduler.DefaultMaxTurns, "hi")
	h.runner.
		on("b1", core.TextChunk("a"), core.HandoffRequest("Coder")).
		on("b2", core.TextChunk("b"))

	obs := &recordingObserver{}
	NewMultiplexer(func(o *Options) { o.Observer = obs }).Run(context.Background(), h.req, &Collector{})

	assert.Equal(t, []string{"started:0", "committed:0", "handoff:Planner>Coder", "started:1", "committed:1"}, obs.calls)
}

func TestMultiplexer_EndToEndWithScriptedModel(t *testing.T) {
	h := newHarness(t, pipeline(), scheduler.DefaultMaxTurns, "@coder fix bug")

	models := model.NewRegistry()
	models.Register("scripted", model.NewScriptedModel("scripted"))
	h.req.Runner = agent.NewRunner(models).NewInvocation()

	sink := &Collector{}
	res := NewMultiplexer().Run(context.Background(), h.req, sink)
	require.Empty(t, res.Code)

	var handoffs, ends int
	var agents []string
	for _, ev := range sink.Events() {
		switch d := ev.Data.(type) {
		case HandoffData:
			handoffs++
		case EndData:
			ends++
		case TextData:
			if len(agents) == 0 || agents[len(agents)-1] != d.AgentID {
				agents = append(agents, d.AgentID)
			}
		}
	}
	assert.Equal(t, 1, handoffs)
	assert.Equal(t, 1, ends)
	assert.Equal(t, []string{"b1", "b2"}, agents)
	assert.Equal(t, EventEnd, sink.Types()[len(sink.Types())-1])

	msgs := h.messages(t)
	require.Len(t, msgs, 3)
	assert.Equal(t, "b1", msgs[1].AgentID)
	assert.Equal(t, "b2", msgs[2].AgentID)
	assert.Equal(t, msgs[2].ID, res.MessageID)
}
