package model

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// TransferToolName is the name of the tool through which a model hands the
// conversation to another agent. Its single argument "agent" names the target.
const TransferToolName = "transfer_to_agent"

// Step scripts the outcome of one Generate call of a ScriptedModel.
type Step struct {
	Reasoning []string
	Chunks    []string
	Handoff   string
	// Err fails the call after Reasoning and Chunks were emitted.
	Err error
	// Delay is waited before every emitted chunk.
	Delay time.Duration
}

// ScriptedModel is a deterministic Model. Steps queued for a model name are
// consumed in order; once a queue is empty the model echoes the last user
// message. When the transfer tool is offered and the user mentions a target
// as "@name", the echo hands off to it.
type ScriptedModel struct {
	mu    sync.Mutex
	info  Info
	steps map[string][]Step
	reqs  []Request
}

// NewScriptedModel creates a ScriptedModel reporting the given provider name.
func NewScriptedModel(provider string) *ScriptedModel {
	return &ScriptedModel{
		info:  Info{Name: "scripted", Provider: provider, SupportsTools: true},
		steps: map[string][]Step{},
	}
}

// On queues steps for requests naming model. An empty model matches requests
// whose model has no queue of its own.
func (m *ScriptedModel) On(model string, steps ...Step) *ScriptedModel {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps[model] = append(m.steps[model], steps...)
	return m
}

// Requests returns the requests received so far.
func (m *ScriptedModel) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.reqs...)
}

func (m *ScriptedModel) next(req Request) Step {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reqs = append(m.reqs, req)
	for _, key := range []string{req.Model, ""} {
		if q := m.steps[key]; len(q) > 0 {
			m.steps[key] = q[1:]
			return q[0]
		}
	}
	return echoStep(req)
}

// Generate implements Model.
func (m *ScriptedModel) Generate(ctx context.Context, req Request) (<-chan Response, <-chan error) {
	respCh := make(chan Response, 16)
	errCh := make(chan error, 1)

	go func() {
		defer close(respCh)
		defer close(errCh)

		step := m.next(req)

		send := func(r Response) bool {
			if step.Delay > 0 {
				select {
				case <-ctx.Done():
					return false
				case <-time.After(step.Delay):
				}
			}
			select {
			case <-ctx.Done():
				return false
			case respCh <- r:
				return true
			}
		}

		for _, r := range step.Reasoning {
			if !send(Response{Partial: true, Reasoning: r}) {
				errCh <- ctx.Err()
				return
			}
		}
		for _, c := range step.Chunks {
			if !send(Response{Partial: true, Text: c}) {
				errCh <- ctx.Err()
				return
			}
		}

		if step.Err != nil {
			errCh <- step.Err
			return
		}

		final := Response{Text: strings.Join(step.Chunks, ""), FinishReason: "stop"}
		if step.Handoff != "" {
			args, _ := json.Marshal(map[string]string{"agent": step.Handoff})
			final.ToolCalls = []ToolCall{{ID: "call_transfer", Name: TransferToolName, Arguments: args}}
			final.FinishReason = "tool_calls"
		}
		select {
		case <-ctx.Done():
			errCh <- ctx.Err()
		case respCh <- final:
		}
	}()
	return respCh, errCh
}

// Info implements Model.
func (m *ScriptedModel) Info() Info { return m.info }

func echoStep(req Request) Step {
	input := req.LastUserMessage()
	if target := mentionedTarget(req, input); target != "" {
		return Step{Chunks: []string{"Handing over to ", target, "."}, Handoff: target}
	}
	text := fmt.Sprintf("You said: %s", input)
	if input == "" {
		text = "Nothing to echo."
	}
	return Step{Chunks: splitWords(text)}
}

// mentionedTarget returns the first "@name" in input that matches a value the
// transfer tool accepts.
func mentionedTarget(req Request, input string) string {
	var allowed []string
	for _, t := range req.Tools {
		if t.Name != TransferToolName {
			continue
		}
		props, _ := t.Parameters["properties"].(map[string]any)
		agent, _ := props["agent"].(map[string]any)
		switch enum := agent["enum"].(type) {
		case []string:
			allowed = enum
		case []any:
			for _, v := range enum {
				if s, ok := v.(string); ok {
					allowed = append(allowed, s)
				}
			}
		}
	}
	for _, word := range strings.Fields(input) {
		name, ok := strings.CutPrefix(word, "@")
		if !ok {
			continue
		}
		name = strings.TrimRight(name, ".,!?;:")
		for _, a := range allowed {
			if strings.EqualFold(a, name) {
				return a
			}
		}
	}
	return ""
}

// splitWords splits text into chunks that keep their trailing space.
func splitWords(text string) []string {
	var out []string
	for len(text) > 0 {
		i := strings.IndexByte(text, ' ')
		if i < 0 {
			out = append(out, text)
			break
		}
		out = append(out, text[:i+1])
		text = text[i+1:]
	}
	return out
}
