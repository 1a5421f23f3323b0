package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/NickB03/vana-sub003/core"
	"github.com/NickB03/vana-sub003/runner"
	"github.com/NickB03/vana-sub003/session"
)

// StatusProcessing is reported for runs accepted in the background.
const StatusProcessing = "processing"

type runRequest struct {
	RequestID string `json:"request_id"`
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	TaskType  string `json:"task_type"`
	Prompt    string `json:"prompt"`
	AgentID   string `json:"agent_id"`
	// Stream returns immediately; events follow on the stream endpoints.
	Stream bool `json:"stream"`
}

type runResponse struct {
	RunID     string         `json:"run_id"`
	Status    string         `json:"status"`
	Output    string         `json:"output,omitempty"`
	Error     *core.RunError `json:"error,omitempty"`
	CSRFToken string         `json:"csrf_token,omitempty"`
	// LastSeq is the sequence to resume the stream after.
	LastSeq   int64  `json:"last_seq"`
	StreamURL string `json:"stream_url,omitempty"`
}

type replayResponse struct {
	RunID        string                  `json:"run_id"`
	Status       core.Status             `json:"status"`
	Title        string                  `json:"title"`
	UserID       string                  `json:"user_id,omitempty"`
	Specialist   core.SpecialistCategory `json:"specialist,omitempty"`
	Messages     []core.Message          `json:"messages"`
	Progress     float64                 `json:"progress"`
	CurrentPhase string                  `json:"current_phase,omitempty"`
	FinalOutput  string                  `json:"final_output,omitempty"`
	Error        *core.RunError          `json:"error,omitempty"`
	LastSeq      int64                   `json:"last_seq"`
	CreatedAt    time.Time               `json:"created_at"`
	UpdatedAt    time.Time               `json:"updated_at"`
}

// SubmitRun accepts a request.
// POST /run
//
// Synchronous calls return the terminal result; with stream set the run
// continues in the background and the response reports status=processing.
func (s *Server) SubmitRun(c echo.Context) error {
	var body runRequest
	if err := c.Bind(&body); err != nil {
		return s.fail(c, core.NewValidationError("invalid_body", "", "request body must be JSON"))
	}
	req := core.Request{
		ID:        body.RequestID,
		SessionID: body.SessionID,
		UserID:    body.UserID,
		TaskType:  core.TaskType(body.TaskType),
		Prompt:    body.Prompt,
		AgentID:   body.AgentID,
	}
	creds := credentials(c)

	if body.Stream {
		run, err := s.runner.Start(c.Request().Context(), req, creds)
		if err != nil {
			return s.fail(c, err)
		}
		resp := runResponse{
			RunID:     run.SessionID,
			Status:    StatusProcessing,
			LastSeq:   run.StartSeq,
			StreamURL: "/run/stream/" + run.SessionID,
		}
		if run.Session != nil {
			resp.CSRFToken = run.Session.Security.CSRFToken
			if run.Duplicate {
				resp.Status = string(run.Session.Status)
				resp.Output = run.Session.FinalOutput
				resp.Error = run.Session.Error
			}
		}
		return c.JSON(http.StatusAccepted, resp)
	}

	sess, err := s.runner.Run(c.Request().Context(), req, creds)
	if sess == nil {
		return s.fail(c, err)
	}
	resp := runResponse{
		RunID:     sess.ID,
		Status:    string(sess.Status),
		Output:    sess.FinalOutput,
		Error:     sess.Error,
		CSRFToken: sess.Security.CSRFToken,
		LastSeq:   s.events.Head(sess.ID),
	}
	status := http.StatusOK
	if err != nil {
		status = statusFor(err)
	}
	return c.JSON(status, resp)
}

// CancelRun cancels a run in flight.
// DELETE /run/:run_id
//
// The caller must match the session binding and echo its CSRF token.
func (s *Server) CancelRun(c echo.Context) error {
	runID := c.Param("run_id")
	if err := s.checkOwner(c, runID); err != nil {
		return s.fail(c, err)
	}
	if err := s.runner.Cancel(runID); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"run_id": runID, "status": "cancelling"})
}

// DeleteSession removes a session, cancelling its run and closing its
// streams.
// DELETE /session/:session_id
func (s *Server) DeleteSession(c echo.Context) error {
	id := c.Param("session_id")
	if err := s.checkOwner(c, id); err != nil {
		return s.fail(c, err)
	}
	if done := s.runner.Done(id); done != nil {
		if err := s.runner.Cancel(id); err != nil && !errors.Is(err, runner.ErrRunNotActive) {
			return s.fail(c, err)
		}
		select {
		case <-done:
		case <-c.Request().Context().Done():
			return s.fail(c, core.AsCancelled(c.Request().Context().Err()))
		}
	}
	if err := s.store.Delete(c.Request().Context(), id); err != nil {
		return s.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// Replay returns the session transcript and status.
// GET /replay/:run_id
func (s *Server) Replay(c echo.Context) error {
	runID := c.Param("run_id")
	sess, err := s.store.Get(c.Request().Context(), runID)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, replayResponse{
		RunID:        sess.ID,
		Status:       sess.Status,
		Title:        sess.Title,
		UserID:       sess.UserID,
		Specialist:   sess.Specialist,
		Messages:     sess.Messages,
		Progress:     sess.Progress,
		CurrentPhase: sess.CurrentPhase,
		FinalOutput:  sess.FinalOutput,
		Error:        sess.Error,
		LastSeq:      s.events.Head(sess.ID),
		CreatedAt:    sess.CreatedAt,
		UpdatedAt:    sess.UpdatedAt,
	})
}

// checkOwner verifies the caller against the session binding and the
// X-CSRF-Token header.
func (s *Server) checkOwner(c echo.Context, id string) error {
	creds := credentials(c)
	token := c.Request().Header.Get("X-CSRF-Token")
	_, err := s.store.Mutate(c.Request().Context(), id, &creds, func(sess *core.Session) error {
		return session.CheckCSRF(sess, token)
	})
	return err
}
