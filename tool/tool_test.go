package tool

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NickB03/vana-sub003/core"
	"github.com/NickB03/vana-sub003/resilience"
)

func newToolContext() *Context {
	return NewContext(context.Background(), "sess-1", "call-1", nil)
}

// -------------------- FunctionTool Tests --------------------

type sumArgs struct {
	A float64 `json:"a" description:"First addend"`
	B float64 `json:"b" description:"Second addend"`
}

func newSumTool() *FunctionTool {
	return NewFunctionToolFromStruct("calculate_sum", "Add two numbers", sumArgs{},
		func(_ *Context, args map[string]any) (any, error) {
			return args["a"].(float64) + args["b"].(float64), nil
		})
}

func TestFunctionToolSuccess(t *testing.T) {
	out, err := newSumTool().Call(newToolContext(), map[string]any{"a": 2.0, "b": 3.5})
	require.NoError(t, err)
	assert.Equal(t, 5.5, out)
}

func TestFunctionToolValidationError(t *testing.T) {
	_, err := newSumTool().Call(newToolContext(), map[string]any{"a": 1.0})
	var te *ToolError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, CodeValidation, te.Code)
}

func TestFunctionToolErrorCodes(t *testing.T) {
	custom := NewFunctionTool("custom", "", map[string]any{"type": "object"},
		func(*Context, map[string]any) (any, error) {
			return nil, NewToolError("custom", "quota exhausted", "QUOTA")
		})
	_, err := custom.Call(newToolContext(), map[string]any{})
	var te *ToolError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "QUOTA", te.Code)

	plain := NewFunctionTool("plain", "", map[string]any{"type": "object"},
		func(*Context, map[string]any) (any, error) { return nil, errors.New("boom") })
	_, err = plain.Call(newToolContext(), map[string]any{})
	require.ErrorAs(t, err, &te)
	assert.Equal(t, CodeExecution, te.Code)
	assert.Equal(t, "boom", te.Message)
}

// -------------------- Transfer Tool Tests --------------------

func TestTransferTool(t *testing.T) {
	tc := newToolContext()
	tr := NewTransferTool()
	out, err := tr.Call(tc, map[string]any{"specialist": "code"})
	require.NoError(t, err)
	assert.Equal(t, "code", tc.Transfer())
	assert.Equal(t, true, out.(map[string]any)["transferred"])

	_, err = tr.Call(newToolContext(), map[string]any{"specialist": "astrology"})
	assert.Error(t, err)
	_, err = tr.Call(newToolContext(), map[string]any{})
	assert.Error(t, err)
}

// -------------------- Registry Tests --------------------

func newRegistry(t *testing.T, tools ...Tool) *Registry {
	t.Helper()
	r := NewRegistry(func(o *RegistryOptions) { o.Timeout = 200 * time.Millisecond })
	require.NoError(t, r.Register(tools...))
	return r
}

func TestRegistryRegisterAndDefinitions(t *testing.T) {
	r := newRegistry(t, newSumTool(), NewTransferTool())
	assert.Error(t, r.Register(newSumTool()))
	assert.Equal(t, []string{"calculate_sum", TransferToolName}, r.Names())

	defs := r.Definitions()
	require.Len(t, defs, 2)
	assert.Equal(t, "function", defs[0].Type)
	assert.Equal(t, "calculate_sum", defs[0].Function.Name)

	only := r.Definitions(TransferToolName, "missing")
	require.Len(t, only, 1)
	assert.Equal(t, TransferToolName, only[0].Function.Name)
}

func TestRegistryExecute(t *testing.T) {
	lookup := NewFunctionTool("lookup", "", map[string]any{"type": "object"},
		func(tc *Context, _ map[string]any) (any, error) {
			return map[string]any{"session": tc.SessionID(), "call": tc.FunctionCallID()}, nil
		})
	r := newRegistry(t, newSumTool(), lookup, NewTransferTool())
	ctx := context.Background()

	exec := r.Execute(ctx, "s1", core.ToolCall{ID: "c1", Name: "calculate_sum", Arguments: `{"a":1,"b":2}`})
	assert.Empty(t, exec.Result.Error)
	assert.Equal(t, "3", exec.Result.Output)
	assert.Equal(t, "c1", exec.Result.CallID)

	exec = r.Execute(ctx, "s1", core.ToolCall{ID: "c2", Name: "lookup"})
	assert.JSONEq(t, `{"session":"s1","call":"c2"}`, exec.Result.Output)

	exec = r.Execute(ctx, "s1", core.ToolCall{ID: "c3", Name: "nope"})
	assert.Contains(t, exec.Result.Error, CodeUnknownTool)

	exec = r.Execute(ctx, "s1", core.ToolCall{ID: "c4", Name: "calculate_sum", Arguments: `{not json`})
	assert.Contains(t, exec.Result.Error, CodeBadArgs)

	exec = r.Execute(ctx, "s1", core.ToolCall{ID: "c5", Name: "calculate_sum", Arguments: `{"a":"x","b":2}`})
	assert.Contains(t, exec.Result.Error, CodeValidation)

	exec = r.Execute(ctx, "s1", core.ToolCall{ID: "c6", Name: TransferToolName, Arguments: `{"specialist":"research"}`})
	assert.Empty(t, exec.Result.Error)
	assert.Equal(t, "research", exec.Transfer)
}

func TestRegistryTimeoutAndPanic(t *testing.T) {
	slow := NewFunctionTool("slow", "", map[string]any{"type": "object"},
		func(tc *Context, _ map[string]any) (any, error) {
			<-tc.Context().Done()
			time.Sleep(10 * time.Millisecond)
			return "late", nil
		})
	broken := NewFunctionTool("broken", "", map[string]any{"type": "object"},
		func(*Context, map[string]any) (any, error) { panic("bad state") })
	r := newRegistry(t, slow, broken)

	exec := r.Execute(context.Background(), "s1", core.ToolCall{ID: "c1", Name: "slow"})
	assert.Contains(t, exec.Result.Error, CodeTimeout)

	exec = r.Execute(context.Background(), "s1", core.ToolCall{ID: "c2", Name: "broken"})
	assert.Contains(t, exec.Result.Error, "panic")
}

// -------------------- Remote Tool Tests --------------------

func TestRemoteToolDiscoveryAndCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/tools":
			_ = json.NewEncoder(w).Encode([]Descriptor{{
				Name:        "weather",
				Description: "Current weather",
				Parameters: map[string]any{
					"type":       "object",
					"properties": map[string]any{"city": map[string]any{"type": "string"}},
					"required":   []string{"city"},
				},
			}})
		case "/call":
			var in remoteCall
			_ = json.NewDecoder(r.Body).Decode(&in)
			assert.Equal(t, "weather", in.Name)
			assert.Equal(t, "s1", in.SessionID)
			if in.Arguments["city"] == "Atlantis" {
				_ = json.NewEncoder(w).Encode(remoteReply{Error: "unknown city"})
				return
			}
			_ = json.NewEncoder(w).Encode(remoteReply{Output: "sunny in " + in.Arguments["city"].(string)})
		}
	}))
	defer srv.Close()

	tools, err := DiscoverRemoteTools(context.Background(), srv.URL+"/")
	require.NoError(t, err)
	require.Len(t, tools, 1)

	r := newRegistry(t, tools[0])
	exec := r.Execute(context.Background(), "s1", core.ToolCall{ID: "c1", Name: "weather", Arguments: `{"city":"Oslo"}`})
	assert.Equal(t, "sunny in Oslo", exec.Result.Output)

	exec = r.Execute(context.Background(), "s1", core.ToolCall{ID: "c2", Name: "weather", Arguments: `{"city":"Atlantis"}`})
	assert.Contains(t, exec.Result.Error, "unknown city")

	exec = r.Execute(context.Background(), "s1", core.ToolCall{ID: "c3", Name: "weather", Arguments: `{}`})
	assert.Contains(t, exec.Result.Error, "city")
}

func TestRemoteToolBreakerOpensOnServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	breakers := resilience.NewBreakerSet(func(o *resilience.BreakerOptions) { o.Threshold = 1 })
	rt := NewRemoteTool(srv.URL, Descriptor{Name: "flaky"}, func(o *RemoteOptions) { o.Breakers = breakers })

	for i := 0; i < 2; i++ {
		_, err := rt.Call(newToolContext(), map[string]any{})
		var ue *core.UpstreamError
		require.ErrorAs(t, err, &ue)
		assert.Equal(t, http.StatusBadGateway, ue.Status)
	}

	_, err := rt.Call(newToolContext(), map[string]any{})
	var ue *core.UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.True(t, ue.ShortCircuited)
	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, resilience.StateOpen, breakers.Get("tool:flaky").State())
}
