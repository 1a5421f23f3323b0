package server

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/NickB03/vana-sub003/core"
	"github.com/NickB03/vana-sub003/runner"
)

type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

// statusFor maps the error taxonomy onto HTTP statuses.
func statusFor(err error) int {
	var (
		ve *core.ValidationError
		se *core.SecurityError
		re *core.RateLimitedError
		ue *core.UpstreamError
		ce *core.CancelledError
	)
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.As(err, &se):
		if se.Code == "unauthenticated" {
			return http.StatusUnauthorized
		}
		return http.StatusForbidden
	case errors.As(err, &re):
		return http.StatusTooManyRequests
	case errors.Is(err, core.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrRunInProgress), errors.Is(err, core.ErrSessionExists),
		errors.Is(err, runner.ErrRunNotActive):
		return http.StatusConflict
	case errors.As(err, &ue):
		if ue.ShortCircuited {
			return http.StatusServiceUnavailable
		}
		return http.StatusBadGateway
	case errors.As(err, &ce), errors.Is(err, runner.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorCode(err error) string {
	if errors.Is(err, runner.ErrRunNotActive) {
		return "run_not_active"
	}
	if errors.Is(err, runner.ErrShuttingDown) {
		return "shutting_down"
	}
	return core.ErrorCode(err)
}

// fail writes err as {"error": {...}} with its mapped status.
func (s *Server) fail(c echo.Context, err error) error {
	status := statusFor(err)
	var re *core.RateLimitedError
	if errors.As(err, &re) {
		c.Response().Header().Set("Retry-After", retryAfterSeconds(re))
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.opts.Logger.Error("http.internal_error", "path", c.Path(), "error", msg)
		msg = "internal error"
	}
	return c.JSON(status, map[string]errorBody{"error": {
		Code:      errorCode(err),
		Message:   msg,
		Retryable: core.IsRetryable(err),
	}})
}
