package testutil

import (
	"time"

	"github.com/NickB03/vana-sub003/core"
)

// SessionBuilder provides a fluent helper for constructing sessions in tests.
// Example:
//
//	sess := NewSessionBuilder("s1").User("hi").Assistant("hello").Build()
//
// Messages get increasing timestamps one second apart from Start.
type SessionBuilder struct {
	sess  *core.Session
	clock time.Time
}

// Start is the timestamp of the first message built by a SessionBuilder.
var Start = time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)

// NewSessionBuilder creates a builder for a pending session.
func NewSessionBuilder(id string) *SessionBuilder {
	s := core.NewSession(id)
	s.CreatedAt, s.UpdatedAt = Start, Start
	s.Security.LastAccessAt = Start
	return &SessionBuilder{sess: s, clock: Start}
}

// Status sets the session status (chainable).
func (b *SessionBuilder) Status(st core.Status) *SessionBuilder { b.sess.Status = st; return b }

// UserID sets the owning user (chainable).
func (b *SessionBuilder) UserID(id string) *SessionBuilder { b.sess.UserID = id; return b }

// Title sets the title (chainable).
func (b *SessionBuilder) Title(t string) *SessionBuilder { b.sess.Title = t; return b }

// LastAccess sets the security binding's last access time (chainable).
func (b *SessionBuilder) LastAccess(t time.Time) *SessionBuilder {
	b.sess.Security.LastAccessAt = t
	return b
}

// User appends a user message (chainable).
func (b *SessionBuilder) User(text string) *SessionBuilder {
	return b.add(core.NewMessage(core.RoleUser, text))
}

// Assistant appends an assistant message (chainable).
func (b *SessionBuilder) Assistant(text string) *SessionBuilder {
	return b.add(core.NewMessage(core.RoleAssistant, text))
}

// System appends a system message (chainable).
func (b *SessionBuilder) System(text string) *SessionBuilder {
	return b.add(core.NewMessage(core.RoleSystem, text))
}

// Artifact appends an assistant message flagged as an artifact (chainable).
func (b *SessionBuilder) Artifact(text string) *SessionBuilder {
	m := core.NewMessage(core.RoleAssistant, text)
	m.Metadata = map[string]string{"artifact": "true"}
	return b.add(m)
}

// ToolCall appends an assistant tool request followed by its result
// (chainable).
func (b *SessionBuilder) ToolCall(id, name, args, output string) *SessionBuilder {
	b.add(core.NewToolCallMessage("", []core.ToolCall{{ID: id, Name: name, Arguments: args}}))
	return b.add(core.NewToolResultMessage(core.ToolResult{CallID: id, Name: name, Output: output}))
}

func (b *SessionBuilder) add(m core.Message) *SessionBuilder {
	b.clock = b.clock.Add(time.Second)
	m.Timestamp = b.clock
	b.sess.AppendMessage(m)
	b.sess.UpdatedAt = b.clock
	return b
}

// Messages returns a copy of the transcript built so far.
func (b *SessionBuilder) Messages() []core.Message {
	return b.sess.Clone().Messages
}

// Build returns a copy of the session.
func (b *SessionBuilder) Build() *core.Session { return b.sess.Clone() }
