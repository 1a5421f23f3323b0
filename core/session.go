package core

import (
	"time"
)

// Status is the lifecycle state of a Session.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further run is in progress for the status.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

// RunError is the persisted form of a terminal failure.
type RunError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Cancelled bool   `json:"cancelled,omitempty"`
}

// SecurityBinding ties a session to the credentials that created it.
//
// Once bound to a (token, ip) pair, every credentialed access must match or
// FailedAccessAttempts is incremented; reaching the store's threshold sets
// IsFlagged, after which the session refuses mutation.
type SecurityBinding struct {
	BindingToken         string    `json:"binding_token"` // sha256 of the bearer token
	ClientIP             string    `json:"client_ip"`
	UserAgent            string    `json:"user_agent"`
	CSRFToken            string    `json:"csrf_token"`
	LastAccessAt         time.Time `json:"last_access_at"`
	FailedAccessAttempts int       `json:"failed_access_attempts"`
	IsFlagged            bool      `json:"is_flagged"`
	Warnings             []string  `json:"warnings,omitempty"`
}

// Session is the record of one conversation/run.
//
// A Session value carries no lock of its own: the session store serializes all
// writers per id and hands out clones to readers. Callers that receive a
// *Session from the store own that copy.
type Session struct {
	ID           string             `json:"id"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
	Status       Status             `json:"status"`
	Title        string             `json:"title"`
	UserID       string             `json:"user_id,omitempty"` // empty for anonymous sessions
	Specialist   SpecialistCategory `json:"specialist,omitempty"`
	Messages     []Message          `json:"messages"`
	Progress     float64            `json:"progress"`
	CurrentPhase string             `json:"current_phase,omitempty"`
	FinalOutput  string             `json:"final_output,omitempty"`
	Error        *RunError          `json:"error,omitempty"`
	Security     SecurityBinding    `json:"security"`
}

// NewSession creates a pending session with the given id.
func NewSession(id string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:        id,
		CreatedAt: now,
		UpdatedAt: now,
		Status:    StatusPending,
		Messages:  []Message{},
		Security:  SecurityBinding{LastAccessAt: now},
	}
}

// AppendMessage appends m unless a message with the same id is already
// present. Timestamps are clamped so the transcript stays monotonic. It
// reports whether the message was appended.
func (s *Session) AppendMessage(m Message) bool {
	if m.ID == "" {
		m.ID = NewID()
	}
	for _, existing := range s.Messages {
		if existing.ID == m.ID {
			return false
		}
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	if n := len(s.Messages); n > 0 && m.Timestamp.Before(s.Messages[n-1].Timestamp) {
		m.Timestamp = s.Messages[n-1].Timestamp
	}
	s.Messages = append(s.Messages, m.Clone())
	return true
}

// LastUserMessage returns the index of the most recent user message or -1.
func (s *Session) LastUserMessage() int {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleUser {
			return i
		}
	}
	return -1
}

// SetProgress records the current phase and a progress ratio clamped to [0,1].
func (s *Session) SetProgress(phase string, ratio float64) {
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}
	s.CurrentPhase = phase
	s.Progress = ratio
}

// Clone returns a deep copy of the session safe for independent mutation.
func (s *Session) Clone() *Session {
	clone := *s
	clone.Messages = make([]Message, len(s.Messages))
	for i, m := range s.Messages {
		clone.Messages[i] = m.Clone()
	}
	if s.Error != nil {
		e := *s.Error
		clone.Error = &e
	}
	if s.Security.Warnings != nil {
		clone.Security.Warnings = append([]string(nil), s.Security.Warnings...)
	}
	return &clone
}
