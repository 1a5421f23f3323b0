package model

import (
	"context"
	"iter"
	"strconv"
	"time"

	"github.com/NickB03/vana-sub003/core"
)

// ToolDefinition declaratively exposes a callable function to the model.
type ToolDefinition struct {
	Type     string             `json:"type"` // "function"
	Function FunctionDefinition `json:"function"`
}

// FunctionDefinition describes an individual function (tool) exposed to the model.
// Parameters is a JSON Schema object (draft agnostic, minimal subset expected).
type FunctionDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request captures the normalized model input assembled by the dispatcher.
type Request struct {
	Model        string           `json:"model,omitempty"` // overrides the provider default
	Instructions string           `json:"instructions"`
	Messages     []core.Message   `json:"messages"`
	Tools        []ToolDefinition `json:"tools,omitempty"`
	// ProviderState carries provider specific continuation data between a
	// tool-call turn and its resumption.
	ProviderState map[string]string `json:"provider_state,omitempty"`
}

// Usage captures token usage statistics for a response.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Chunk is one decoded unit of a provider stream. Text chunks arrive as the
// network is read; tool calls are delivered once fully assembled, normally
// with the final chunk.
type Chunk struct {
	Text         string
	ToolCalls    []core.ToolCall
	FinishReason string
	Usage        *Usage
	ResponseID   string
}

// Info contains metadata about a provider implementation.
type Info struct {
	Name          string `json:"name"`
	Provider      string `json:"provider"` // "openai", "anthropic", "mock", ...
	SupportsTools bool   `json:"supports_tools"`
}

// Provider is the minimal interface a model backend implements.
//
// Stream returns a lazy, forward-only, single-use sequence: no network read
// happens until the caller pulls, and each pull drives at most the reads
// needed for the next chunk. Breaking out of the range loop must release the
// underlying response. Failures are yielded as the final element; HTTP
// failures should be *core.UpstreamError values carrying the status code.
type Provider interface {
	Stream(ctx context.Context, req Request) iter.Seq2[Chunk, error]
	Info() Info
}

// Fragment is the closed set of values yielded by Client.Invoke.
type Fragment interface{ isFragment() }

// TextDelta is a piece of streamed assistant text.
type TextDelta struct {
	Text string
}

// ToolCallRequest suspends the model turn: the caller executes Calls and
// passes their results to Client.Resume together with Continuation.
type ToolCallRequest struct {
	Calls []core.ToolCall
	// Message is the assistant turn that requested the calls.
	Message      core.Message
	Continuation Continuation
}

// Finish ends a model turn without pending tool calls.
type Finish struct {
	Text   string
	Reason string
	Usage  *Usage
}

func (TextDelta) isFragment()       {}
func (ToolCallRequest) isFragment() {}
func (Finish) isFragment()          {}

// Continuation is the complete state needed to resume a model turn after
// tool execution. The client keeps no hidden state between the two calls.
type Continuation struct {
	Request       Request           `json:"request"`
	Transcript    []core.Message    `json:"transcript"`
	Pending       []core.ToolCall   `json:"pending"`
	ProviderState map[string]string `json:"provider_state,omitempty"`
}

// ParseRetryAfter interprets a Retry-After header given either as seconds
// or as an HTTP date. Unparseable values yield zero.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := time.Parse(time.RFC1123, v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
