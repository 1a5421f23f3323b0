package core

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrSessionNotFound is returned when no session exists for an id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExists is returned by Create when the id is already taken.
	ErrSessionExists = errors.New("session already exists")
	// ErrRunInProgress is returned when a session already has an in-flight run.
	ErrRunInProgress = errors.New("run already in progress for session")
)

// ValidationError reports bad input. It is never retried.
type ValidationError struct {
	Code    string `json:"code"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// NewValidationError creates a ValidationError.
func NewValidationError(code, field, message string) *ValidationError {
	return &ValidationError{Code: code, Field: field, Message: message}
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error [%s] on %s: %s", e.Code, e.Field, e.Message)
	}
	return fmt.Sprintf("validation error [%s]: %s", e.Code, e.Message)
}

// UpstreamError reports a model or tool dependency failure.
type UpstreamError struct {
	Provider       string
	Status         int // HTTP status, 0 for transport failures
	Retryable      bool
	ShortCircuited bool          // rejected by an open circuit without a network attempt
	Partial        bool          // failed after output was already streamed
	RetryAfter     time.Duration // upstream supplied hint, zero if absent
	Err            error
}

func (e *UpstreamError) Error() string {
	switch {
	case e.ShortCircuited:
		return fmt.Sprintf("upstream %s unavailable: circuit open", e.Provider)
	case e.Err != nil:
		return fmt.Sprintf("upstream %s error (status %d): %v", e.Provider, e.Status, e.Err)
	default:
		return fmt.Sprintf("upstream %s error (status %d)", e.Provider, e.Status)
	}
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// SecurityError reports a binding mismatch or a flagged session.
type SecurityError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *SecurityError) Error() string {
	return fmt.Sprintf("security error [%s]: %s", e.Code, e.Message)
}

// RateLimitedError reports a throttled caller.
type RateLimitedError struct {
	Key        string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: retry after %s", e.RetryAfter)
}

// CancelledError reports cooperative cancellation. It is terminal but not a
// failure of the system.
type CancelledError struct {
	Reason string
	Err    error
}

func (e *CancelledError) Error() string {
	if e.Reason == "" {
		return "cancelled"
	}
	return "cancelled: " + e.Reason
}

func (e *CancelledError) Unwrap() error { return e.Err }

// AsCancelled converts context cancellation into a CancelledError. Other
// errors are returned unchanged.
func AsCancelled(err error) error {
	if err == nil {
		return nil
	}
	var ce *CancelledError
	if errors.As(err, &ce) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &CancelledError{Reason: err.Error(), Err: err}
	}
	return err
}

// ErrorCode returns the stable code used in events and API responses.
func ErrorCode(err error) string {
	var (
		ve *ValidationError
		ue *UpstreamError
		se *SecurityError
		re *RateLimitedError
		ce *CancelledError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ve):
		return ve.Code
	case errors.As(err, &se):
		return se.Code
	case errors.As(err, &re):
		return "rate_limited"
	case errors.As(err, &ce):
		return "cancelled"
	case errors.As(err, &ue):
		if ue.ShortCircuited {
			return "circuit_open"
		}
		return "upstream_error"
	case errors.Is(err, ErrSessionNotFound):
		return "session_not_found"
	case errors.Is(err, ErrRunInProgress):
		return "run_in_progress"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "internal_error"
	}
}

// IsRetryable reports whether err is an UpstreamError marked retryable.
func IsRetryable(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue) && ue.Retryable
}
