package core

import (
	"strings"
	"time"
)

// TaskType is the caller supplied hint describing the kind of work requested.
type TaskType string

const (
	TaskPlan     TaskType = "plan"
	TaskExecute  TaskType = "execute"
	TaskDiagnose TaskType = "diagnose"
	TaskChat     TaskType = "chat"
)

// Valid reports whether t is one of the known task types.
func (t TaskType) Valid() bool {
	switch t {
	case TaskPlan, TaskExecute, TaskDiagnose, TaskChat:
		return true
	}
	return false
}

// Request is an accepted unit of work. It is immutable once accepted; the
// dispatcher only reads it.
type Request struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id,omitempty"` // empty starts a new session
	UserID    string    `json:"user_id,omitempty"`
	TaskType  TaskType  `json:"task_type"`
	Prompt    string    `json:"prompt"`
	AgentID   string    `json:"agent_id,omitempty"` // explicit specialist override
	ArrivedAt time.Time `json:"arrived_at"`
}

// NewRequest stamps a request with a fresh id and arrival time.
func NewRequest(taskType TaskType, prompt string) Request {
	return Request{
		ID:        NewID(),
		TaskType:  taskType,
		Prompt:    prompt,
		ArrivedAt: time.Now().UTC(),
	}
}

// Validate checks the fields every request must carry before routing.
func (r Request) Validate() error {
	if strings.TrimSpace(r.Prompt) == "" {
		return NewValidationError("empty_prompt", "prompt", "prompt must not be empty")
	}
	if r.TaskType == "" {
		return NewValidationError("missing_task_type", "task_type", "task_type is required")
	}
	if !r.TaskType.Valid() {
		return NewValidationError("invalid_task_type", "task_type", "unknown task_type "+string(r.TaskType))
	}
	if r.AgentID != "" {
		if _, ok := ParseSpecialistCategory(r.AgentID); !ok {
			return NewValidationError("unknown_agent", "agent_id", "no specialist named "+r.AgentID)
		}
	}
	return nil
}
