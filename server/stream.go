package server

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/http"
	"strconv"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/labstack/echo/v4"

	"github.com/NickB03/vana-sub003/core"
)

// StreamRun streams a run's events via SSE.
// GET /run/stream/:run_id
//
// Frames carry id/event/data lines; the stream resumes after the
// last_seen_seq query parameter or the Last-Event-ID header, otherwise it
// starts at the current run, and ends with an "event: done" frame after
// the terminal event.
func (s *Server) StreamRun(c echo.Context) error {
	ctx := c.Request().Context()
	runID := c.Param("run_id")

	events, err := s.follow(ctx, runID, s.lastSeen(c, runID))
	if err != nil {
		return s.fail(c, err)
	}

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	terminal := false
	for ev := range events {
		if err := writeSSE(w, ev); err != nil {
			s.opts.Logger.Debug("server.sse.write_failed", "run_id", runID, "error", err.Error())
			return nil
		}
		w.Flush()
		terminal = ev.IsTerminal()
	}
	if terminal {
		if _, err := fmt.Fprint(w, "event: done\ndata: {}\n\n"); err == nil {
			w.Flush()
		}
	}
	return nil
}

// StreamRunWS streams a run's events as JSON WebSocket messages.
// GET /run/ws/:run_id
func (s *Server) StreamRunWS(c echo.Context) error {
	runID := c.Param("run_id")
	if _, err := s.store.Get(c.Request().Context(), runID); err != nil {
		return s.fail(c, err)
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.opts.Logger.Warn("server.ws.accept_failed", "run_id", runID, "error", err.Error())
		return nil
	}
	defer conn.CloseNow()

	// CloseRead cancels ctx once the peer goes away.
	ctx := conn.CloseRead(c.Request().Context())
	events, err := s.follow(ctx, runID, s.lastSeen(c, runID))
	if err != nil {
		_ = conn.Close(websocket.StatusPolicyViolation, errorCode(err))
		return nil
	}
	for ev := range events {
		if err := wsjson.Write(ctx, conn, ev); err != nil {
			s.opts.Logger.Debug("server.ws.write_failed", "run_id", runID, "error", err.Error())
			return nil
		}
	}
	_ = conn.Close(websocket.StatusNormalClosure, "stream ended")
	return nil
}

// follow returns the events after lastSeen. When the session is already
// terminal and the log holds nothing newer, a terminal event is synthesized
// from the session so the stream still ends cleanly.
func (s *Server) follow(ctx context.Context, runID string, lastSeen int64) (iter.Seq[core.AgentEvent], error) {
	sess, err := s.store.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	head := s.events.Head(runID)
	terminal := sess.Status == core.StatusCompleted || sess.Status == core.StatusFailed
	if !terminal || lastSeen < head {
		return s.events.Subscribe(ctx, runID, lastSeen), nil
	}

	ev := core.AgentEvent{SessionID: sess.ID, Seq: head, Timestamp: sess.UpdatedAt}
	if sess.Status == core.StatusCompleted {
		ev.Payload = core.CompletionPayload{Output: sess.FinalOutput, Status: sess.Status}
	} else {
		p := core.ErrorPayload{Code: "internal_error", Message: "run failed"}
		if sess.Error != nil {
			p = core.ErrorPayload{Code: sess.Error.Code, Message: sess.Error.Message, Cancelled: sess.Error.Cancelled}
		}
		ev.Payload = p
	}
	return func(yield func(core.AgentEvent) bool) { yield(ev) }, nil
}

func writeSSE(w http.ResponseWriter, ev core.AgentEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if ev.Seq > 0 {
		_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type(), data)
	} else {
		_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type(), data)
	}
	return err
}

// lastSeen reads last_seen_seq, falling back to Last-Event-ID. Without
// either the stream starts at the session's current run.
func (s *Server) lastSeen(c echo.Context, runID string) int64 {
	v := c.QueryParam("last_seen_seq")
	if v == "" {
		v = c.Request().Header.Get("Last-Event-ID")
	}
	if v == "" {
		return s.events.RunStart(runID)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
