package core

import (
	"encoding/json"
	"errors"
	"time"
)

// EventType names an AgentEvent variant on the wire.
type EventType string

const (
	EventConnection EventType = "connection"
	EventHeartbeat  EventType = "heartbeat"
	EventProgress   EventType = "progress"
	EventWarning    EventType = "warning"
	EventToolCall   EventType = "tool_call"
	EventToolResult EventType = "tool_result"
	EventCompletion EventType = "completion"
	EventError      EventType = "error"
	EventGap        EventType = "gap"
)

// EventPayload is the closed set of AgentEvent variants. Concrete payloads
// implement the unexported isPayload marker.
type EventPayload interface {
	Type() EventType
	isPayload()
}

// AgentEvent is an ordered, typed notification published per session.
// Seq is strictly increasing within a session; gap markers carry Seq 0
// because they are synthesized per subscriber and never enter the log.
type AgentEvent struct {
	SessionID string
	Seq       int64
	Timestamp time.Time
	Payload   EventPayload
}

// Type returns the payload's event type.
func (e AgentEvent) Type() EventType {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.Type()
}

// IsTerminal reports whether the event ends a run's stream.
func (e AgentEvent) IsTerminal() bool {
	switch e.Payload.(type) {
	case CompletionPayload, ErrorPayload:
		return true
	}
	return false
}

// MarshalJSON encodes the event as {session_id, seq, type, timestamp, data}.
func (e AgentEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		SessionID string       `json:"session_id"`
		Seq       int64        `json:"seq"`
		Type      EventType    `json:"type"`
		Timestamp time.Time    `json:"timestamp"`
		Data      EventPayload `json:"data"`
	}{e.SessionID, e.Seq, e.Type(), e.Timestamp, e.Payload})
}

// ConnectionPayload opens a run's stream.
type ConnectionPayload struct {
	RunID     string `json:"run_id"`
	RequestID string `json:"request_id,omitempty"`
}

// HeartbeatPayload signals that an idle session is still alive.
type HeartbeatPayload struct{}

// ProgressPayload reports phase changes and streamed output deltas.
type ProgressPayload struct {
	Phase      string             `json:"phase"`
	Ratio      float64            `json:"ratio"`
	Specialist SpecialistCategory `json:"specialist,omitempty"`
	Delta      string             `json:"delta,omitempty"`
}

// WarningPayload reports a degraded but non-fatal condition.
type WarningPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ToolCallPayload reports a tool invocation requested by the model.
type ToolCallPayload struct {
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments,omitempty"`
}

// ToolResultPayload reports the outcome of a tool invocation.
type ToolResultPayload struct {
	CallID string `json:"call_id"`
	Name   string `json:"name"`
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// CompletionPayload terminates a successful run.
type CompletionPayload struct {
	Output string `json:"output"`
	Status Status `json:"status"`
}

// ErrorPayload terminates a failed or cancelled run.
type ErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
	Cancelled bool   `json:"cancelled,omitempty"`
}

// GapPayload tells a subscriber that events From..To were evicted before it
// read them; the subscriber should reload the session snapshot.
type GapPayload struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
}

func (ConnectionPayload) Type() EventType { return EventConnection }
func (HeartbeatPayload) Type() EventType  { return EventHeartbeat }
func (ProgressPayload) Type() EventType   { return EventProgress }
func (WarningPayload) Type() EventType    { return EventWarning }
func (ToolCallPayload) Type() EventType   { return EventToolCall }
func (ToolResultPayload) Type() EventType { return EventToolResult }
func (CompletionPayload) Type() EventType { return EventCompletion }
func (ErrorPayload) Type() EventType      { return EventError }
func (GapPayload) Type() EventType        { return EventGap }

func (ConnectionPayload) isPayload() {}
func (HeartbeatPayload) isPayload()  {}
func (ProgressPayload) isPayload()   {}
func (WarningPayload) isPayload()    {}
func (ToolCallPayload) isPayload()   {}
func (ToolResultPayload) isPayload() {}
func (CompletionPayload) isPayload() {}
func (ErrorPayload) isPayload()      {}
func (GapPayload) isPayload()        {}

// NewErrorPayload converts err into a terminal error payload.
func NewErrorPayload(err error) ErrorPayload {
	err = AsCancelled(err)
	var ce *CancelledError
	return ErrorPayload{
		Code:      ErrorCode(err),
		Message:   err.Error(),
		Retryable: IsRetryable(err),
		Cancelled: errors.As(err, &ce),
	}
}
