package dispatcher

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NickB03/vana-sub003/core"
	"github.com/NickB03/vana-sub003/internal/testutil"
	"github.com/NickB03/vana-sub003/model"
	"github.com/NickB03/vana-sub003/resilience"
	"github.com/NickB03/vana-sub003/session"
	"github.com/NickB03/vana-sub003/tool"
)

var caller = session.Credentials{Token: "tok", ClientIP: "127.0.0.1", UserAgent: "test"}

type harness struct {
	d        *Dispatcher
	store    *session.Store
	events   *testutil.EventRecorder
	provider *model.ScriptedProvider
	registry *tool.Registry

	mu     sync.Mutex
	sleeps []time.Duration
}

func newHarness(t *testing.T, steps []model.Step, optFns ...func(o *Options)) *harness {
	t.Helper()
	h := &harness{
		store:    session.NewStore(),
		events:   testutil.NewEventRecorder(),
		provider: model.NewScriptedProvider("scripted", steps...),
		registry: tool.NewRegistry(),
	}
	client := model.NewClient(h.provider, func(o *model.Options) {
		o.Breakers = resilience.NewBreakerSet()
		o.Rand = func() float64 { return 0.5 }
		o.Sleep = func(ctx context.Context, d time.Duration) error {
			h.mu.Lock()
			h.sleeps = append(h.sleeps, d)
			h.mu.Unlock()
			return ctx.Err()
		}
	})
	h.d = New(h.store, h.events, client, append([]func(o *Options){func(o *Options) {
		o.Tools = h.registry
	}}, optFns...)...)
	return h
}

func (h *harness) Sleeps() []time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]time.Duration(nil), h.sleeps...)
}

func roles(msgs []core.Message) []core.Role {
	out := make([]core.Role, len(msgs))
	for i, m := range msgs {
		out[i] = m.Role
	}
	return out
}

func TestScenarioAChatCompletes(t *testing.T) {
	h := newHarness(t, nil)

	sess, err := h.d.Handle(context.Background(), core.NewRequest(core.TaskChat, "Hello"), caller)
	require.NoError(t, err)

	assert.Equal(t, core.StatusCompleted, sess.Status)
	assert.Equal(t, core.CategoryConversational, sess.Specialist)
	assert.Equal(t, "Mock response to: Hello", sess.FinalOutput)
	assert.Equal(t, 1.0, sess.Progress)
	assert.Equal(t, "Hello", sess.Title)
	assert.Equal(t, []core.Role{core.RoleUser, core.RoleAssistant}, roles(sess.Messages))

	types := h.events.Types(sess.ID)
	require.NotEmpty(t, types)
	assert.Equal(t, core.EventConnection, types[0])
	assert.Equal(t, core.EventCompletion, types[len(types)-1])
	assert.Len(t, h.events.Terminals(sess.ID), 1)
	assert.Equal(t, "Mock response to: Hello", h.events.Text(sess.ID))

	req := h.provider.Requests()[0]
	assert.Contains(t, req.Instructions, "conversational specialist")
	require.Len(t, req.Tools, 1)
	assert.Equal(t, tool.TransferToolName, req.Tools[0].Function.Name)
}

func TestScenarioBRetriesTransientFailures(t *testing.T) {
	h := newHarness(t, []model.Step{{Status: 503}, {Status: 503}, {Text: "recovered"}})

	sess, err := h.d.Handle(context.Background(), core.NewRequest(core.TaskChat, "Hello"), caller)
	require.NoError(t, err)

	assert.Equal(t, core.StatusCompleted, sess.Status)
	assert.Equal(t, "recovered", sess.FinalOutput)
	assert.Equal(t, 3, h.provider.Calls())

	sleeps := h.Sleeps()
	require.Len(t, sleeps, 2)
	assert.Greater(t, sleeps[1], sleeps[0])

	assert.Zero(t, h.events.Count(sess.ID, core.EventError))
	assert.Empty(t, h.events.Warnings(sess.ID))
}

func TestScenarioCToolCallContinuation(t *testing.T) {
	h := newHarness(t, []model.Step{
		{ToolCalls: []core.ToolCall{{ID: "call-1", Name: "lookup", Arguments: `{"q":"go"}`}}},
		{Text: "Go was released in 2009."},
	})
	require.NoError(t, h.registry.Register(tool.NewFunctionTool("lookup", "Look up a fact",
		map[string]any{
			"type":       "object",
			"properties": map[string]any{"q": map[string]any{"type": "string"}},
			"required":   []string{"q"},
		},
		func(_ *tool.Context, args map[string]any) (any, error) {
			return "fact about " + args["q"].(string), nil
		})))
	h.d.opts.Specialists = Specialists{core.CategoryConversational: {Tools: []string{"lookup"}}}

	sess, err := h.d.Handle(context.Background(), core.NewRequest(core.TaskChat, "When was Go released?"), caller)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, sess.Status)
	assert.Equal(t, "Go was released in 2009.", sess.FinalOutput)

	assert.Equal(t,
		[]core.Role{core.RoleUser, core.RoleAssistant, core.RoleTool, core.RoleAssistant},
		roles(sess.Messages))
	require.Len(t, sess.Messages[1].ToolCalls, 1)
	assert.Equal(t, "call-1", sess.Messages[1].ToolCalls[0].ID)
	assert.Equal(t, "call-1", sess.Messages[2].ToolCallID)
	assert.Equal(t, "fact about go", sess.Messages[2].Content)

	types := h.events.Types(sess.ID)
	callIdx, resultIdx, doneIdx := -1, -1, -1
	for i, ty := range types {
		switch ty {
		case core.EventToolCall:
			callIdx = i
		case core.EventToolResult:
			resultIdx = i
		case core.EventCompletion:
			doneIdx = i
		}
	}
	require.NotEqual(t, -1, callIdx)
	assert.Less(t, callIdx, resultIdx)
	assert.Less(t, resultIdx, doneIdx)

	reqs := h.provider.Requests()
	require.Len(t, reqs, 2)
	resumed := reqs[1].Messages
	require.Len(t, resumed, 3)
	assert.Equal(t, core.RoleTool, resumed[2].Role)
	assert.Equal(t, "fact about go", resumed[2].Content)
}

func TestFallbackSpecialistUsedOnce(t *testing.T) {
	h := newHarness(t, []model.Step{{Status: 503}, {Status: 503}, {Status: 503}, {Text: "fallback answer"}})

	sess, err := h.d.Handle(context.Background(), core.NewRequest(core.TaskExecute, "implement a function"), caller)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, sess.Status)
	assert.Equal(t, "fallback answer", sess.FinalOutput)
	assert.Equal(t, core.CategoryConversational, sess.Specialist)
	assert.Equal(t, []string{"fallback"}, h.events.Warnings(sess.ID))
	assert.Equal(t, 4, h.provider.Calls())

	reqs := h.provider.Requests()
	assert.Contains(t, reqs[0].Instructions, "code specialist")
	assert.Contains(t, reqs[3].Instructions, "conversational specialist")
}

func TestSecondFailureIsTerminal(t *testing.T) {
	h := newHarness(t, []model.Step{{Status: 400}, {Status: 400}})

	sess, err := h.d.Handle(context.Background(), core.NewRequest(core.TaskExecute, "implement a function"), caller)
	var ue *core.UpstreamError
	require.ErrorAs(t, err, &ue)
	require.NotNil(t, sess)

	assert.Equal(t, core.StatusFailed, sess.Status)
	require.NotNil(t, sess.Error)
	assert.Equal(t, "upstream_error", sess.Error.Code)
	assert.False(t, sess.Error.Cancelled)
	assert.Equal(t, 2, h.provider.Calls())

	terminals := h.events.Terminals(sess.ID)
	require.Len(t, terminals, 1)
	payload, ok := terminals[0].Payload.(core.ErrorPayload)
	require.True(t, ok)
	assert.Equal(t, "upstream_error", payload.Code)
}

func TestNoFallbackWhenDisabled(t *testing.T) {
	h := newHarness(t, []model.Step{{Status: 400}}, func(o *Options) { o.Fallback = "" })
	sess, err := h.d.Handle(context.Background(), core.NewRequest(core.TaskChat, "Hello"), caller)
	require.Error(t, err)
	assert.Equal(t, core.StatusFailed, sess.Status)
	assert.Equal(t, 1, h.provider.Calls())
}

func transferStep(id, target string) model.Step {
	return model.Step{ToolCalls: []core.ToolCall{{
		ID:        id,
		Name:      tool.TransferToolName,
		Arguments: `{"specialist":"` + target + `"}`,
	}}}
}

func TestHandoffsBoundedByHopCounter(t *testing.T) {
	h := newHarness(t, []model.Step{
		transferStep("t1", "research"),
		transferStep("t2", "code"),
		transferStep("t3", "creative"),
		{Text: "resolved by the generalist"},
	})

	sess, err := h.d.Handle(context.Background(), core.NewRequest(core.TaskChat, "Hello"), caller)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, sess.Status)
	assert.Equal(t, "resolved by the generalist", sess.FinalOutput)
	assert.Equal(t, core.CategoryConversational, sess.Specialist)
	assert.Equal(t, []string{"max_hops"}, h.events.Warnings(sess.ID))

	reqs := h.provider.Requests()
	require.Len(t, reqs, 4)
	assert.Contains(t, reqs[1].Instructions, "research specialist")
	assert.Contains(t, reqs[2].Instructions, "code specialist")
	assert.Contains(t, reqs[3].Instructions, "conversational specialist")
	assert.Empty(t, reqs[3].Tools)

	// each hand-off is recorded with its result, and the next specialist sees it
	assert.Equal(t, 3, h.events.Count(sess.ID, core.EventToolCall))
	last := reqs[3].Messages
	assert.Equal(t, core.RoleTool, last[len(last)-1].Role)
}

func TestValidationFailsFastWithoutSideEffects(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.d.Handle(context.Background(), core.NewRequest(core.TaskChat, ""), caller)
	var ve *core.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "empty_prompt", ve.Code)

	req := core.NewRequest(core.TaskChat, "hi")
	req.AgentID = "nobody"
	_, err = h.d.Handle(context.Background(), req, caller)
	require.ErrorAs(t, err, &ve)

	assert.Zero(t, h.store.Len())
	assert.Zero(t, h.provider.Calls())
}

func TestExplicitAgentOverride(t *testing.T) {
	h := newHarness(t, nil)
	req := core.NewRequest(core.TaskChat, "Hello")
	req.AgentID = "creative"

	sess, err := h.d.Handle(context.Background(), req, caller)
	require.NoError(t, err)
	assert.Equal(t, core.CategoryCreative, sess.Specialist)
	assert.Contains(t, h.provider.Requests()[0].Instructions, "creative specialist")
}

func TestOneRunPerSession(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	run, err := h.d.Begin(ctx, core.NewRequest(core.TaskChat, "first"), caller)
	require.NoError(t, err)
	assert.Zero(t, run.StartSeq)

	second := core.NewRequest(core.TaskChat, "second")
	second.SessionID = run.SessionID
	_, err = h.d.Begin(ctx, second, caller)
	assert.ErrorIs(t, err, core.ErrRunInProgress)

	_, err = h.d.Drive(ctx, run)
	require.NoError(t, err)

	next, err := h.d.Begin(ctx, second, caller)
	require.NoError(t, err)
	assert.Equal(t, int64(len(h.events.Events(run.SessionID))-1), next.StartSeq)
	sess, err := h.d.Drive(ctx, next)
	require.NoError(t, err)
	assert.Equal(t, "Mock response to: second", sess.FinalOutput)
	assert.Len(t, sess.Messages, 4)
}

func TestDuplicateRequestIsNotReplayed(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	req := core.NewRequest(core.TaskChat, "Hello")
	first, err := h.d.Handle(ctx, req, caller)
	require.NoError(t, err)

	req.SessionID = first.ID
	again, err := h.d.Handle(ctx, req, caller)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, again.Status)
	assert.Len(t, again.Messages, 2)
	assert.Equal(t, 1, h.provider.Calls())
	assert.Len(t, h.events.Terminals(first.ID), 1)
}

func TestCancelledRunIsRecordedDistinctly(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	run, err := h.d.Begin(ctx, core.NewRequest(core.TaskChat, "Hello"), caller)
	require.NoError(t, err)
	cancel()

	sess, err := h.d.Drive(ctx, run)
	var ce *core.CancelledError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, core.StatusFailed, sess.Status)
	require.NotNil(t, sess.Error)
	assert.True(t, sess.Error.Cancelled)
	assert.Equal(t, "cancelled", sess.Error.Code)

	terminals := h.events.Terminals(run.SessionID)
	require.Len(t, terminals, 1)
	assert.True(t, terminals[0].Payload.(core.ErrorPayload).Cancelled)
	assert.Zero(t, h.provider.Calls())
}

func TestMismatchedCallerIsRejected(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	first, err := h.d.Handle(ctx, core.NewRequest(core.TaskChat, "Hello"), caller)
	require.NoError(t, err)

	req := core.NewRequest(core.TaskChat, "again")
	req.SessionID = first.ID
	_, err = h.d.Handle(ctx, req, session.Credentials{Token: "other", ClientIP: "127.0.0.1"})
	var se *core.SecurityError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 1, h.provider.Calls())
}

func TestSessionFlaggedMidRunStillTerminates(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	run, err := h.d.Begin(ctx, core.NewRequest(core.TaskChat, "Hello"), caller)
	require.NoError(t, err)

	intruder := session.Credentials{Token: "evil", ClientIP: "10.0.0.9"}
	for i := 0; i < 3; i++ {
		_, err := h.store.Mutate(ctx, run.SessionID, &intruder, func(*core.Session) error { return nil })
		require.Error(t, err)
	}

	sess, err := h.d.Drive(ctx, run)
	var se *core.SecurityError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "session_flagged", se.Code)

	require.NotNil(t, sess)
	assert.Equal(t, core.StatusFailed, sess.Status)
	assert.True(t, sess.Security.IsFlagged)
	require.NotNil(t, sess.Error)
	assert.Equal(t, "session_flagged", sess.Error.Code)

	stored, err := h.store.Get(ctx, run.SessionID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusFailed, stored.Status)
	require.Len(t, h.events.Terminals(run.SessionID), 1)
}

func TestRejectedContinuationLeavesRunStreamAlone(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	run, err := h.d.Begin(ctx, core.NewRequest(core.TaskChat, "Hello"), caller)
	require.NoError(t, err)

	bad := core.NewRequest(core.TaskChat, "   ")
	bad.SessionID = run.SessionID
	_, err = h.d.Begin(ctx, bad, caller)
	var ve *core.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "empty_prompt", ve.Code)

	// the in-flight run's subscribers must not see a terminal event
	assert.Equal(t, []core.EventType{core.EventConnection}, h.events.Types(run.SessionID))
	assert.Empty(t, h.events.Terminals(run.SessionID))

	sess, err := h.d.Drive(ctx, run)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, sess.Status)
	assert.Len(t, h.events.Terminals(run.SessionID), 1)
}

func TestNewSessionForUnknownID(t *testing.T) {
	h := newHarness(t, nil)
	req := core.NewRequest(core.TaskChat, "Hello")
	req.SessionID = "client-chosen"
	req.UserID = "u-1"

	sess, err := h.d.Handle(context.Background(), req, caller)
	require.NoError(t, err)
	assert.Equal(t, "client-chosen", sess.ID)
	assert.Equal(t, "u-1", sess.UserID)
}

func TestContextBudgetTrimsHistory(t *testing.T) {
	h := newHarness(t, nil, func(o *Options) { o.ContextBudget = 5 })
	prompt := strings.Repeat("word ", 40)

	sess, err := h.d.Handle(context.Background(), core.NewRequest(core.TaskChat, prompt), caller)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, sess.Status)
	assert.Contains(t, h.events.Warnings(sess.ID), "context_truncated")

	sent := h.provider.Requests()[0].Messages
	require.Len(t, sent, 1)
	assert.Less(t, len(sent[0].Content), len(prompt))
}

func TestModelCallLimit(t *testing.T) {
	h := newHarness(t, []model.Step{
		{ToolCalls: []core.ToolCall{{ID: "a", Name: "missing"}}},
		{ToolCalls: []core.ToolCall{{ID: "b", Name: "missing"}}},
	}, func(o *Options) { o.MaxModelCalls = 2; o.Fallback = "" })

	sess, err := h.d.Handle(context.Background(), core.NewRequest(core.TaskChat, "Hello"), caller)
	var ve *core.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "model_call_limit", ve.Code)
	assert.Equal(t, core.StatusFailed, sess.Status)

	// unknown tools are reported back to the model, not raised
	var results []core.ToolResultPayload
	for _, ev := range h.events.Events(sess.ID) {
		if p, ok := ev.Payload.(core.ToolResultPayload); ok {
			results = append(results, p)
		}
	}
	require.Len(t, results, 2)
	assert.Contains(t, results[0].Error, tool.CodeUnknownTool)
}

func TestPairToolMessages(t *testing.T) {
	msgs := testutil.NewSessionBuilder("s").
		User("q").
		ToolCall("c1", "lookup", "{}", "r1").
		Assistant("a").
		Messages()

	// drop the tool result: the orphaned request goes too
	trimmed := []core.Message{msgs[0], msgs[1], msgs[3]}
	out := pairToolMessages(trimmed)
	assert.Equal(t, []core.Role{core.RoleUser, core.RoleAssistant}, roles(out))
	assert.Equal(t, "a", out[1].Content)

	// drop the request: the orphaned result goes too
	out = pairToolMessages([]core.Message{msgs[0], msgs[2], msgs[3]})
	assert.Equal(t, []core.Role{core.RoleUser, core.RoleAssistant}, roles(out))

	out = pairToolMessages(msgs)
	assert.Len(t, out, 4)
}
