package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NickB03/vana-sub003/core"
	"github.com/NickB03/vana-sub003/model"
)

func newTestModel(t *testing.T, handler http.HandlerFunc) *Model {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := openai.NewClient(
		option.WithBaseURL(srv.URL+"/"),
		option.WithAPIKey("test-key"),
		option.WithMaxRetries(0),
	)
	return NewModelFromClient(&client, func(o *Options) { o.Model = "gpt-test" })
}

func writeSSE(w http.ResponseWriter, chunks ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	for _, c := range chunks {
		fmt.Fprintf(w, "data: %s\n\n", c)
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
}

func TestStreamText(t *testing.T) {
	var body map[string]any
	m := newTestModel(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		writeSSE(w,
			`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-test","choices":[{"index":0,"delta":{"content":"Hel"}}]}`,
			`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-test","choices":[{"index":0,"delta":{"content":"lo"},"finish_reason":"stop"}]}`,
		)
	})

	req := model.Request{
		Instructions: "be brief",
		Messages:     []core.Message{core.NewMessage(core.RoleUser, "hi")},
	}
	var text string
	var last model.Chunk
	for ck, err := range m.Stream(context.Background(), req) {
		require.NoError(t, err)
		text += ck.Text
		last = ck
	}
	assert.Equal(t, "Hello", text)
	assert.Equal(t, "stop", last.FinishReason)
	assert.Equal(t, "c1", last.ResponseID)

	msgs, ok := body["messages"].([]any)
	require.True(t, ok)
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
	assert.Equal(t, "gpt-test", body["model"])
}

func TestStreamAggregatesToolCalls(t *testing.T) {
	m := newTestModel(t, func(w http.ResponseWriter, r *http.Request) {
		writeSSE(w,
			`{"id":"c2","object":"chat.completion.chunk","created":1,"model":"gpt-test","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"lookup","arguments":"{\"q\":"}}]}}]}`,
			`{"id":"c2","object":"chat.completion.chunk","created":1,"model":"gpt-test","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"go\"}"}}]},"finish_reason":"tool_calls"}]}`,
		)
	})

	var calls []core.ToolCall
	for ck, err := range m.Stream(context.Background(), model.Request{}) {
		require.NoError(t, err)
		calls = append(calls, ck.ToolCalls...)
	}
	require.Len(t, calls, 1)
	assert.Equal(t, "call_1", calls[0].ID)
	assert.Equal(t, "lookup", calls[0].Name)
	assert.JSONEq(t, `{"q":"go"}`, calls[0].Arguments)
}

func TestStreamMapsHTTPStatus(t *testing.T) {
	hits := 0
	m := newTestModel(t, func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"message":"overloaded","type":"server_error"}}`))
	})

	var gotErr error
	for _, err := range m.Stream(context.Background(), model.Request{}) {
		if err != nil {
			gotErr = err
		}
	}
	var ue *core.UpstreamError
	require.ErrorAs(t, gotErr, &ue)
	assert.Equal(t, http.StatusServiceUnavailable, ue.Status)
	assert.Equal(t, "openai", ue.Provider)
	assert.Equal(t, 1, hits)
}

func TestBuildMessagesKeepsToolTurns(t *testing.T) {
	call := core.ToolCall{ID: "call_1", Name: "lookup", Arguments: `{}`}
	req := model.Request{Messages: []core.Message{
		core.NewMessage(core.RoleUser, "q"),
		core.NewToolCallMessage("", []core.ToolCall{call}),
		core.NewToolResultMessage(core.ToolResult{CallID: "call_1", Name: "lookup", Output: "42"}),
	}}
	msgs := buildMessages(req)
	require.Len(t, msgs, 3)
	require.NotNil(t, msgs[1].OfAssistant)
	assert.Len(t, msgs[1].OfAssistant.ToolCalls, 1)
	require.NotNil(t, msgs[2].OfTool)
	assert.Equal(t, "call_1", msgs[2].OfTool.ToolCallID)
}

func TestInfo(t *testing.T) {
	m := NewModelFromClient(nil)
	info := m.Info()
	assert.Equal(t, "openai", info.Provider)
	assert.True(t, info.SupportsTools)
}
