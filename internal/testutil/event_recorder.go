package testutil

import (
	"sync"
	"time"

	"github.com/NickB03/vana-sub003/core"
)

// EventRecorder captures published events per session, assigning sequence
// numbers the way the broadcaster does. It is safe for concurrent use.
type EventRecorder struct {
	mu     sync.Mutex
	events map[string][]core.AgentEvent
}

// NewEventRecorder creates an empty recorder.
func NewEventRecorder() *EventRecorder {
	return &EventRecorder{events: make(map[string][]core.AgentEvent)}
}

// Publish records payload for the session.
func (r *EventRecorder) Publish(sessionID string, payload core.EventPayload) core.AgentEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev := core.AgentEvent{
		SessionID: sessionID,
		Seq:       int64(len(r.events[sessionID]) + 1),
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	r.events[sessionID] = append(r.events[sessionID], ev)
	return ev
}

// Events returns the session's events in publish order.
func (r *EventRecorder) Events(sessionID string) []core.AgentEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]core.AgentEvent(nil), r.events[sessionID]...)
}

// Types returns the session's event types in publish order.
func (r *EventRecorder) Types(sessionID string) []core.EventType {
	events := r.Events(sessionID)
	types := make([]core.EventType, len(events))
	for i, ev := range events {
		types[i] = ev.Type()
	}
	return types
}

// Count returns how many events of type t the session has.
func (r *EventRecorder) Count(sessionID string, t core.EventType) int {
	n := 0
	for _, ev := range r.Events(sessionID) {
		if ev.Type() == t {
			n++
		}
	}
	return n
}

// Terminals returns the session's completion and error events.
func (r *EventRecorder) Terminals(sessionID string) []core.AgentEvent {
	var out []core.AgentEvent
	for _, ev := range r.Events(sessionID) {
		if ev.IsTerminal() {
			out = append(out, ev)
		}
	}
	return out
}

// Text concatenates the streamed deltas of the session.
func (r *EventRecorder) Text(sessionID string) string {
	var text string
	for _, ev := range r.Events(sessionID) {
		if p, ok := ev.Payload.(core.ProgressPayload); ok {
			text += p.Delta
		}
	}
	return text
}

// Warnings returns the codes of the session's warning events.
func (r *EventRecorder) Warnings(sessionID string) []string {
	var codes []string
	for _, ev := range r.Events(sessionID) {
		if p, ok := ev.Payload.(core.WarningPayload); ok {
			codes = append(codes, p.Code)
		}
	}
	return codes
}
