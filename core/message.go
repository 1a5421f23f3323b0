package core

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// ToolCall describes a structured tool invocation requested by a model.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments,omitempty"` // JSON object
}

// ToolResult is the outcome of executing a ToolCall.
type ToolResult struct {
	CallID string `json:"call_id"`
	Name   string `json:"name"`
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Message is a single transcript entry. Messages are appended, never mutated,
// and deduplicated by ID.
type Message struct {
	ID        string            `json:"id"`
	Role      Role              `json:"role"`
	Content   string            `json:"content"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`

	// ToolCalls is set on assistant messages that requested tool execution.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	// ToolCallID and Name are set on tool messages carrying a result.
	ToolCallID string `json:"tool_call_id,omitempty"`
	Name       string `json:"name,omitempty"`
}

// NewMessage creates a message with a fresh id stamped at the current time.
func NewMessage(role Role, content string) Message {
	return Message{ID: NewID(), Role: role, Content: content, Timestamp: time.Now().UTC()}
}

// NewToolCallMessage records an assistant turn that requested tools.
func NewToolCallMessage(content string, calls []ToolCall) Message {
	m := NewMessage(RoleAssistant, content)
	m.ToolCalls = append([]ToolCall(nil), calls...)
	return m
}

// NewToolResultMessage records the result of one tool call.
func NewToolResultMessage(res ToolResult) Message {
	content := res.Output
	if res.Error != "" {
		content = "error: " + res.Error
	}
	m := NewMessage(RoleTool, content)
	m.ToolCallID = res.CallID
	m.Name = res.Name
	return m
}

// Clone returns a copy that shares no mutable state with m.
func (m Message) Clone() Message {
	c := m
	if m.Metadata != nil {
		c.Metadata = make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			c.Metadata[k] = v
		}
	}
	if m.ToolCalls != nil {
		c.ToolCalls = append([]ToolCall(nil), m.ToolCalls...)
	}
	return c
}

// NewID generates a new unique identifier.
func NewID() string { return uuid.NewString() }
