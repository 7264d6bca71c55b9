package scheduler

import (
	"errors"
	"fmt"

	"github.com/hupe1980/meshchat/core"
	"github.com/hupe1980/meshchat/logging"
	"github.com/hupe1980/meshchat/topology"
)

// DefaultMaxTurns caps the executed turns of a single chat request.
const DefaultMaxTurns = 8

// FallbackMessage is the reply of the synthetic turn used when a session has
// no configured agents.
const FallbackMessage = "I am a simple echo. Configure agents to get real responses."

// Options configures a Scheduler.
type Options struct {
	MaxTurns int
	Logger   logging.Logger
}

// Scheduler creates turn plans.
type Scheduler struct {
	maxTurns int
	logger   logging.Logger
}

// New creates a Scheduler.
func New(optFns ...func(o *Options)) *Scheduler {
	opts := Options{MaxTurns: DefaultMaxTurns, Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.MaxTurns <= 0 {
		opts.MaxTurns = DefaultMaxTurns
	}
	return &Scheduler{maxTurns: opts.MaxTurns, logger: opts.Logger}
}

// MaxTurns returns the configured cap.
func (s *Scheduler) MaxTurns() int { return s.maxTurns }

// Plan starts a plan. A non-empty targetRef overrides entry resolution for the
// first turn only and fails with core.ErrUnknownAgent when it names no member.
// Without an override, an empty topology yields a single fallback turn.
// Runaway chains are bounded by MaxTurns alone.
func (s *Scheduler) Plan(idx *topology.Index, targetRef string) (*Plan, error) {
	p := &Plan{idx: idx, maxTurns: s.maxTurns}

	if targetRef != "" {
		target, err := idx.Resolve(targetRef)
		if err != nil {
			return nil, err
		}
		p.push(target, core.TurnInitial)
		s.logger.Debug("plan started from override", "target", target.Name())
		return p, nil
	}

	target, err := idx.Entry()
	switch {
	case errors.Is(err, core.ErrEmptyTopology):
		p.turns = append(p.turns, core.Turn{Index: 0, Reason: core.TurnFallback})
		p.targets = append(p.targets, topology.Target{})
		s.logger.Debug("plan started with fallback turn")
		return p, nil
	case err != nil:
		return nil, err
	}
	p.push(target, core.TurnInitial)
	s.logger.Debug("plan started from entry", "target", target.Name())
	return p, nil
}

// Plan is the mutable turn sequence of one chat request. It is not safe for
// concurrent use; the multiplexer drives it from a single goroutine.
type Plan struct {
	idx      *topology.Index
	maxTurns int
	turns    []core.Turn
	targets  []topology.Target
	done     bool
}

func (p *Plan) push(t topology.Target, reason core.TurnReason) core.Turn {
	turn := core.Turn{
		Index:     len(p.turns),
		NodeID:    t.Node.ID,
		BindingID: t.Member.Binding.ID,
		Reason:    reason,
	}
	p.turns = append(p.turns, turn)
	p.targets = append(p.targets, t)
	return turn
}

// Current returns the latest turn and its target.
func (p *Plan) Current() (core.Turn, topology.Target) {
	i := len(p.turns) - 1
	return p.turns[i], p.targets[i]
}

// Turns returns a copy of all turns including a trailing limit marker.
func (p *Plan) Turns() []core.Turn { return append([]core.Turn(nil), p.turns...) }

// Executed returns the number of executable turns in the plan.
func (p *Plan) Executed() int {
	n := 0
	for _, t := range p.turns {
		if t.Executable() {
			n++
		}
	}
	return n
}

// Done reports whether the plan accepts no further handoffs.
func (p *Plan) Done() bool { return p.done }

// Routes lists the handoff targets available from the current turn.
func (p *Plan) Routes() []topology.Target {
	turn, _ := p.Current()
	return p.idx.Routes(turn.NodeID)
}

// Finish ends the plan without a further turn.
func (p *Plan) Finish() { p.done = true }

// Handoff asks to continue with the agent named by ref. On success the new
// turn becomes current. An unknown or unreachable target ends the plan with
// core.ErrUnknownAgent or core.ErrNoRoute. When accepting would exceed the cap
// a limit marker turn is appended and core.ErrHandoffLimitExceeded returned.
func (p *Plan) Handoff(ref string) (core.Turn, topology.Target, error) {
	if p.done {
		return core.Turn{}, topology.Target{}, fmt.Errorf("handoff on finished plan")
	}
	cur, _ := p.Current()
	target, err := p.idx.ResolveFrom(cur.NodeID, ref)
	if err != nil {
		p.done = true
		return core.Turn{}, target, err
	}
	if p.Executed() >= p.maxTurns {
		p.done = true
		p.turns = append(p.turns, core.Turn{Index: len(p.turns), NodeID: target.Node.ID, BindingID: target.Member.Binding.ID, Reason: core.TurnLimitExceeded})
		p.targets = append(p.targets, target)
		return core.Turn{}, target, fmt.Errorf("%w: %d turns", core.ErrHandoffLimitExceeded, p.maxTurns)
	}
	return p.push(target, core.TurnHandoff), target, nil
}
