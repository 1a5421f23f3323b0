package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/NickB03/vana-sub003/accountant"
	"github.com/NickB03/vana-sub003/core"
	"github.com/NickB03/vana-sub003/logging"
	"github.com/NickB03/vana-sub003/model"
	"github.com/NickB03/vana-sub003/session"
	"github.com/NickB03/vana-sub003/tool"
)

// Publisher receives the run's events. *broadcast.Broadcaster implements it.
type Publisher interface {
	Publish(sessionID string, payload core.EventPayload) core.AgentEvent
}

// Options configure a Dispatcher.
type Options struct {
	Router      *Router
	Specialists Specialists
	// Fallback is the specialist a retry-exhausted model failure downgrades
	// to, once per request. Empty disables the fallback.
	Fallback core.SpecialistCategory
	// MaxHops bounds specialist hand-offs per request; once exceeded the
	// generalist resolves the request.
	MaxHops int
	// MaxModelCalls bounds model invocations per request, 0 for no limit.
	MaxModelCalls int
	// ContextBudget is the token budget of the history sent to the model.
	ContextBudget int
	Counter       accountant.Counter
	Weights       accountant.Weights
	Tools         *tool.Registry
	Logger        logging.Logger
	Now           func() time.Time
}

// Dispatcher drives requests from intake to a terminal event.
type Dispatcher struct {
	store  *session.Store
	events Publisher
	client *model.Client
	opts   Options
}

// Run is an accepted request bound to its session.
type Run struct {
	SessionID  string
	Request    core.Request
	Specialist core.SpecialistCategory
	// StartSeq is the last sequence number published on the session before
	// this run; subscribing after it yields exactly this run's events.
	StartSeq int64
	// Duplicate marks a request id the session has already accepted. Drive
	// returns the session as is.
	Duplicate bool
	// Session is the snapshot taken when the run was accepted.
	Session *core.Session
}

type turnResult struct {
	output   string
	transfer core.SpecialistCategory
}

// New creates a Dispatcher.
func New(store *session.Store, events Publisher, client *model.Client, optFns ...func(o *Options)) *Dispatcher {
	opts := Options{
		Specialists:   DefaultSpecialists(),
		Fallback:      core.Generalist,
		MaxHops:       2,
		MaxModelCalls: 8,
		ContextBudget: 8000,
		Counter:       accountant.ApproxCounter{CharsPerToken: 4},
		Weights:       accountant.DefaultWeights(),
		Logger:        logging.NoOpLogger{},
		Now:           func() time.Time { return time.Now().UTC() },
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Router == nil {
		opts.Router = NewRouter()
	}
	if opts.MaxHops <= 0 {
		opts.MaxHops = 2
	}
	if opts.Tools == nil {
		opts.Tools = tool.NewRegistry(func(o *tool.RegistryOptions) { o.Logger = opts.Logger })
	}
	if _, ok := opts.Tools.Get(tool.TransferToolName); !ok {
		_ = opts.Tools.Register(tool.NewTransferTool())
	}
	return &Dispatcher{store: store, events: events, client: client, opts: opts}
}

// Handle accepts req and drives it to completion. It returns the terminal
// session snapshot; the error is the run's failure, if any.
func (d *Dispatcher) Handle(ctx context.Context, req core.Request, creds session.Credentials) (*core.Session, error) {
	run, err := d.Begin(ctx, req, creds)
	if err != nil {
		return nil, err
	}
	return d.Drive(ctx, run)
}

// Begin validates and routes req, loads or creates its session, checks the
// caller against the session binding, appends the user message, marks the
// session running and publishes the connection event. Nothing is published
// when it fails.
func (d *Dispatcher) Begin(ctx context.Context, req core.Request, creds session.Credentials) (*Run, error) {
	if req.ID == "" {
		req.ID = core.NewID()
	}
	if req.ArrivedAt.IsZero() {
		req.ArrivedAt = d.opts.Now()
	}
	category, err := d.opts.Router.Route(req)
	if err != nil {
		return nil, err
	}

	sessionID, err := d.ensureSession(ctx, req.SessionID, creds)
	if err != nil {
		return nil, err
	}

	duplicate := false
	snap, err := d.store.Mutate(ctx, sessionID, &creds, func(s *core.Session) error {
		for _, m := range s.Messages {
			if m.ID == req.ID {
				duplicate = true
				return nil
			}
		}
		if s.Status == core.StatusRunning {
			return core.ErrRunInProgress
		}
		msg := core.NewMessage(core.RoleUser, req.Prompt)
		msg.ID = req.ID
		msg.Timestamp = req.ArrivedAt
		msg.Metadata = map[string]string{"task_type": string(req.TaskType)}
		s.AppendMessage(msg)

		s.Status = core.StatusRunning
		s.Specialist = category
		s.FinalOutput = ""
		s.Error = nil
		s.SetProgress("routing", 0)
		if s.UserID == "" {
			s.UserID = req.UserID
		}
		if s.Title == "" {
			s.Title = title(req.Prompt)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	req.SessionID = sessionID
	run := &Run{SessionID: sessionID, Request: req, Specialist: category, Session: snap, Duplicate: duplicate}
	if duplicate {
		d.opts.Logger.Info("dispatcher.request.duplicate", "session_id", sessionID, "request_id", req.ID)
		return run, nil
	}

	ev := d.events.Publish(sessionID, core.ConnectionPayload{RunID: sessionID, RequestID: req.ID})
	run.StartSeq = ev.Seq - 1
	d.opts.Logger.Info("dispatcher.run.accepted",
		"session_id", sessionID, "request_id", req.ID,
		"task_type", string(req.TaskType), "specialist", string(category))
	return run, nil
}

func (d *Dispatcher) ensureSession(ctx context.Context, id string, creds session.Credentials) (string, error) {
	if id != "" {
		_, err := d.store.Get(ctx, id)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, core.ErrSessionNotFound) {
			return "", err
		}
	}
	sess, err := d.store.Create(ctx, id, creds)
	if errors.Is(err, core.ErrSessionExists) {
		return id, nil
	}
	if err != nil {
		return "", err
	}
	return sess.ID, nil
}

// Drive runs an accepted request to its terminal state. Exactly one
// completion or error event is published, and the session ends completed
// or failed, even when ctx is cancelled.
func (d *Dispatcher) Drive(ctx context.Context, run *Run) (*core.Session, error) {
	if run.Duplicate {
		return run.Session, nil
	}
	start := d.opts.Now()
	category, output, runErr := d.drive(ctx, run)
	sess, err := d.finish(ctx, run, category, output, runErr)

	status := string(core.StatusCompleted)
	if runErr != nil {
		status = string(core.StatusFailed)
	}
	dur := d.opts.Now().Sub(start)
	if rl, ok := d.opts.Logger.(logging.RunLogger); ok {
		rl.LogRun(run.SessionID, string(category), dur, status, runErr)
	} else {
		d.opts.Logger.Info("dispatcher.run.finished",
			"session_id", run.SessionID, "specialist", string(category),
			"status", status, "duration_ms", dur.Milliseconds(), "code", core.ErrorCode(runErr))
	}

	if runErr != nil {
		return sess, runErr
	}
	return sess, err
}

// drive is the specialist loop: hand-offs move between specialists until
// the hop budget is spent, after which the generalist answers without the
// hand-off tool.
func (d *Dispatcher) drive(ctx context.Context, run *Run) (core.SpecialistCategory, string, error) {
	budget := core.NewRunBudget(d.opts.MaxHops, d.opts.MaxModelCalls)
	category := run.Specialist
	allowTransfer := true
	fallbackUsed := false

	for {
		d.phase(ctx, run, category, "routing", 0.1)
		res, err := d.converse(ctx, run, category, budget, allowTransfer)
		if err != nil {
			if d.opts.Fallback != "" && !fallbackUsed && isUpstream(err) && ctx.Err() == nil {
				fallbackUsed = true
				d.opts.Logger.Warn("dispatcher.fallback",
					"session_id", run.SessionID, "from", string(category), "to", string(d.opts.Fallback), "error", err.Error())
				d.publish(run, core.WarningPayload{
					Code:    "fallback",
					Message: fmt.Sprintf("%s specialist failed (%s); retrying with %s", category, core.ErrorCode(err), d.opts.Fallback),
				})
				category = d.opts.Fallback
				continue
			}
			return category, "", err
		}
		if res.transfer == "" {
			return category, res.output, nil
		}

		if budget.Hop() {
			d.opts.Logger.Info("dispatcher.handoff",
				"session_id", run.SessionID, "from", string(category), "to", string(res.transfer), "hops", budget.Hops())
			category = res.transfer
			continue
		}
		d.publish(run, core.WarningPayload{
			Code:    "max_hops",
			Message: fmt.Sprintf("hand-off limit of %d reached; %s resolves the request", d.opts.MaxHops, core.Generalist),
		})
		category = core.Generalist
		allowTransfer = false
	}
}

// converse runs one specialist: model turns alternate with tool batches
// until the model finishes or asks for a hand-off.
func (d *Dispatcher) converse(
	ctx context.Context,
	run *Run,
	category core.SpecialistCategory,
	budget *core.RunBudget,
	allowTransfer bool,
) (turnResult, error) {
	sp := d.opts.Specialists.Lookup(category)
	instructions, err := sp.Render(run, budget.Hops())
	if err != nil {
		return turnResult{}, err
	}

	sess, err := d.store.Get(ctx, run.SessionID)
	if err != nil {
		return turnResult{}, err
	}
	sel := accountant.Select(sess.Messages, d.opts.ContextBudget, func(o *accountant.Options) {
		o.Counter = d.opts.Counter
		o.Weights = d.opts.Weights
	})
	for _, w := range sel.Warnings {
		d.publish(run, core.WarningPayload{Code: "context_truncated", Message: w})
	}

	names := append([]string(nil), sp.Tools...)
	if allowTransfer {
		names = append(names, tool.TransferToolName)
	}
	req := model.Request{
		Model:        sp.Model,
		Instructions: instructions,
		Messages:     pairToolMessages(sel.Messages),
	}
	if len(names) > 0 {
		req.Tools = d.opts.Tools.Definitions(names...)
	}

	if err := budget.ModelCall(); err != nil {
		return turnResult{}, err
	}
	d.phase(ctx, run, category, "generating", 0.4)
	seq := d.client.Invoke(ctx, req)

	for {
		var pending *model.ToolCallRequest
		for frag, err := range seq {
			if err != nil {
				return turnResult{}, err
			}
			switch f := frag.(type) {
			case model.TextDelta:
				d.publish(run, core.ProgressPayload{Phase: "generating", Ratio: 0.5, Specialist: category, Delta: f.Text})
			case model.Finish:
				msg := core.NewMessage(core.RoleAssistant, f.Text)
				msg.Metadata = map[string]string{"specialist": string(category)}
				if err := d.appendMessages(ctx, run, msg); err != nil {
					return turnResult{}, err
				}
				return turnResult{output: f.Text}, nil
			case model.ToolCallRequest:
				pending = &f
			}
		}
		if pending == nil {
			return turnResult{}, &core.UpstreamError{
				Provider: d.client.Info().Provider,
				Err:      errors.New("model stream ended without a result"),
			}
		}

		results, transfer, err := d.runTools(ctx, run, category, *pending)
		if err != nil {
			return turnResult{}, err
		}
		if transfer != "" && allowTransfer {
			return turnResult{transfer: transfer}, nil
		}

		if err := budget.ModelCall(); err != nil {
			return turnResult{}, err
		}
		d.phase(ctx, run, category, "generating", 0.6)
		seq = d.client.Resume(ctx, pending.Continuation, results)
	}
}

// runTools executes a tool batch in call order, recording the assistant
// request and every result in the transcript. It returns the last hand-off
// target requested by the batch.
func (d *Dispatcher) runTools(
	ctx context.Context,
	run *Run,
	category core.SpecialistCategory,
	req model.ToolCallRequest,
) ([]core.ToolResult, core.SpecialistCategory, error) {
	request := req.Message.Clone()
	request.Metadata = map[string]string{"specialist": string(category)}
	if err := d.appendMessages(ctx, run, request); err != nil {
		return nil, "", err
	}
	d.phase(ctx, run, category, "tool_execution", 0.7)

	results := make([]core.ToolResult, 0, len(req.Calls))
	messages := make([]core.Message, 0, len(req.Calls))
	var transfer core.SpecialistCategory
	for _, call := range req.Calls {
		if err := ctx.Err(); err != nil {
			return nil, "", core.AsCancelled(err)
		}
		d.publish(run, core.ToolCallPayload{CallID: call.ID, Name: call.Name, Arguments: call.Arguments})

		exec := d.opts.Tools.Execute(ctx, run.SessionID, call)
		if err := ctx.Err(); err != nil {
			return nil, "", core.AsCancelled(err)
		}
		d.publish(run, core.ToolResultPayload{
			CallID: exec.Result.CallID,
			Name:   exec.Result.Name,
			Output: exec.Result.Output,
			Error:  exec.Result.Error,
		})
		results = append(results, exec.Result)
		messages = append(messages, core.NewToolResultMessage(exec.Result))
		if target, ok := core.ParseSpecialistCategory(exec.Transfer); ok {
			transfer = target
		}
	}
	if err := d.appendMessages(ctx, run, messages...); err != nil {
		return nil, "", err
	}
	return results, transfer, nil
}

// finish records the terminal state and publishes the terminal event. It
// ignores cancellation of ctx so a cancelled run still terminates cleanly,
// and it goes through Finalize so a session flagged mid-run still ends.
func (d *Dispatcher) finish(
	ctx context.Context,
	run *Run,
	category core.SpecialistCategory,
	output string,
	runErr error,
) (*core.Session, error) {
	ctx = context.WithoutCancel(ctx)
	runErr = core.AsCancelled(runErr)

	sess, err := d.store.Finalize(ctx, run.SessionID, func(s *core.Session) error {
		s.Specialist = category
		if runErr == nil {
			s.Status = core.StatusCompleted
			s.FinalOutput = output
			s.Error = nil
			s.SetProgress("completed", 1)
			return nil
		}
		var ce *core.CancelledError
		s.Status = core.StatusFailed
		s.Error = &core.RunError{
			Code:      core.ErrorCode(runErr),
			Message:   runErr.Error(),
			Cancelled: errors.As(runErr, &ce),
		}
		s.SetProgress("failed", s.Progress)
		return nil
	})
	if errors.Is(err, core.ErrSessionNotFound) {
		// deleted mid-run; eviction already closed the stream
		d.opts.Logger.Warn("dispatcher.session.gone", "session_id", run.SessionID)
		return nil, err
	}
	if err != nil {
		d.opts.Logger.Error("dispatcher.finish.persist_failed", "session_id", run.SessionID, "error", err.Error())
	}

	if runErr == nil {
		d.publish(run, core.CompletionPayload{Output: output, Status: core.StatusCompleted})
	} else {
		d.publish(run, core.NewErrorPayload(runErr))
	}
	return sess, err
}

// phase records a phase change on the session and announces it.
func (d *Dispatcher) phase(ctx context.Context, run *Run, category core.SpecialistCategory, name string, ratio float64) {
	_, err := d.store.Mutate(context.WithoutCancel(ctx), run.SessionID, nil, func(s *core.Session) error {
		s.Specialist = category
		s.SetProgress(name, ratio)
		return nil
	})
	if err != nil {
		d.opts.Logger.Debug("dispatcher.phase.persist_failed", "session_id", run.SessionID, "phase", name, "error", err.Error())
	}
	d.publish(run, core.ProgressPayload{Phase: name, Ratio: ratio, Specialist: category})
}

func (d *Dispatcher) appendMessages(ctx context.Context, run *Run, msgs ...core.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	_, err := d.store.Mutate(context.WithoutCancel(ctx), run.SessionID, nil, func(s *core.Session) error {
		for _, m := range msgs {
			s.AppendMessage(m)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("append messages: %w", err)
	}
	return nil
}

func (d *Dispatcher) publish(run *Run, payload core.EventPayload) {
	d.events.Publish(run.SessionID, payload)
}

func isUpstream(err error) bool {
	var ue *core.UpstreamError
	return errors.As(err, &ue)
}

// pairToolMessages drops tool calls whose results were trimmed away and
// tool results whose request was trimmed away; providers reject either.
func pairToolMessages(msgs []core.Message) []core.Message {
	answered := make(map[string]bool)
	for _, m := range msgs {
		if m.Role == core.RoleTool && m.ToolCallID != "" {
			answered[m.ToolCallID] = true
		}
	}

	requested := make(map[string]bool)
	out := make([]core.Message, 0, len(msgs))
	for _, m := range msgs {
		switch {
		case m.Role == core.RoleAssistant && len(m.ToolCalls) > 0:
			kept := make([]core.ToolCall, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				if answered[tc.ID] {
					kept = append(kept, tc)
					requested[tc.ID] = true
				}
			}
			if len(kept) == 0 && m.Content == "" {
				continue
			}
			m = m.Clone()
			m.ToolCalls = kept
		case m.Role == core.RoleTool:
			if !requested[m.ToolCallID] {
				continue
			}
		}
		out = append(out, m)
	}
	return out
}

func title(prompt string) string {
	t := strings.Join(strings.Fields(prompt), " ")
	if utf8.RuneCountInString(t) <= 60 {
		return t
	}
	r := []rune(t)
	return string(r[:57]) + "..."
}
