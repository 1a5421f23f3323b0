package model

import (
	"context"
	"iter"
	"strings"
	"sync"

	"github.com/NickB03/vana-sub003/core"
)

// Step scripts one ScriptedProvider call. A non-zero Status fails the call
// with an UpstreamError before any output; Err fails it after Text has been
// streamed.
type Step struct {
	Text      string
	ToolCalls []core.ToolCall
	Status    int
	Err       error
}

// ScriptedProvider replays scripted steps in order. Once the script is
// exhausted it echoes the latest user message.
type ScriptedProvider struct {
	mu       sync.Mutex
	name     string
	steps    []Step
	calls    int
	requests []Request
}

// NewScriptedProvider creates a provider that replays steps.
func NewScriptedProvider(name string, steps ...Step) *ScriptedProvider {
	if name == "" {
		name = "mock"
	}
	return &ScriptedProvider{name: name, steps: steps}
}

// Push appends steps to the script.
func (p *ScriptedProvider) Push(steps ...Step) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.steps = append(p.steps, steps...)
}

// Calls returns the number of network attempts made so far.
func (p *ScriptedProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// Requests returns copies of the requests received.
func (p *ScriptedProvider) Requests() []Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Request, len(p.requests))
	copy(out, p.requests)
	return out
}

// Info implements Provider.
func (p *ScriptedProvider) Info() Info {
	return Info{Name: p.name, Provider: "mock", SupportsTools: true}
}

// Stream implements Provider. Text is chunked per word.
func (p *ScriptedProvider) Stream(ctx context.Context, req Request) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		step := p.next(req)
		if err := ctx.Err(); err != nil {
			yield(Chunk{}, err)
			return
		}
		if step.Status != 0 {
			yield(Chunk{}, &core.UpstreamError{Provider: "mock", Status: step.Status})
			return
		}
		for _, w := range splitWords(step.Text) {
			if err := ctx.Err(); err != nil {
				yield(Chunk{}, err)
				return
			}
			if !yield(Chunk{Text: w}, nil) {
				return
			}
		}
		if step.Err != nil {
			yield(Chunk{}, step.Err)
			return
		}
		reason := "stop"
		if len(step.ToolCalls) > 0 {
			reason = "tool_calls"
		}
		yield(Chunk{ToolCalls: step.ToolCalls, FinishReason: reason}, nil)
	}
}

func (p *ScriptedProvider) next(req Request) Step {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.requests = append(p.requests, req)
	if len(p.steps) > 0 {
		s := p.steps[0]
		p.steps = p.steps[1:]
		return s
	}
	last := ""
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == core.RoleUser {
			last = req.Messages[i].Content
			break
		}
	}
	return Step{Text: "Mock response to: " + last}
}

// splitWords keeps the separating spaces so the chunks concatenate back to s.
func splitWords(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for len(s) > 0 {
		i := strings.IndexByte(s[1:], ' ')
		if i < 0 {
			out = append(out, s)
			break
		}
		out = append(out, s[:i+1])
		s = s[i+1:]
	}
	return out
}
