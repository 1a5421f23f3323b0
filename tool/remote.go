package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/NickB03/vana-sub003/core"
	"github.com/NickB03/vana-sub003/resilience"
)

// RemoteOptions configure remote tools.
type RemoteOptions struct {
	HTTPClient *http.Client
	// Breakers guards each remote tool under the key "tool:<name>".
	Breakers *resilience.BreakerSet
	Headers  map[string]string
}

// RemoteTool forwards calls to an external collaborator over HTTP.
//
// The collaborator exposes GET {endpoint}/tools returning tool descriptors
// and POST {endpoint}/call accepting {name, arguments, session_id, call_id}
// and answering {output, error}.
type RemoteTool struct {
	name        string
	description string
	parameters  map[string]any
	endpoint    string
	opts        RemoteOptions
}

var _ Tool = (*RemoteTool)(nil)

// Descriptor is the wire form of a remote tool's declaration.
type Descriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type remoteCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	SessionID string         `json:"session_id,omitempty"`
	CallID    string         `json:"call_id,omitempty"`
}

type remoteReply struct {
	Output any    `json:"output"`
	Error  string `json:"error,omitempty"`
}

func defaultRemoteOptions() RemoteOptions {
	return RemoteOptions{HTTPClient: &http.Client{Timeout: 30 * time.Second}}
}

// NewRemoteTool declares a remote tool without discovery.
func NewRemoteTool(endpoint string, d Descriptor, optFns ...func(o *RemoteOptions)) *RemoteTool {
	opts := defaultRemoteOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	if d.Parameters == nil {
		d.Parameters = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return &RemoteTool{
		name:        d.Name,
		description: d.Description,
		parameters:  d.Parameters,
		endpoint:    strings.TrimRight(endpoint, "/"),
		opts:        opts,
	}
}

// DiscoverRemoteTools fetches the collaborator's tool list.
func DiscoverRemoteTools(ctx context.Context, endpoint string, optFns ...func(o *RemoteOptions)) ([]*RemoteTool, error) {
	opts := defaultRemoteOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	endpoint = strings.TrimRight(endpoint, "/")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/tools", nil)
	if err != nil {
		return nil, fmt.Errorf("build discovery request: %w", err)
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}
	resp, err := opts.HTTPClient.Do(req)
	if err != nil {
		return nil, &core.UpstreamError{Provider: "tools", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &core.UpstreamError{Provider: "tools", Status: resp.StatusCode}
	}

	var descriptors []Descriptor
	if err := json.NewDecoder(resp.Body).Decode(&descriptors); err != nil {
		return nil, fmt.Errorf("decode tool descriptors: %w", err)
	}
	tools := make([]*RemoteTool, 0, len(descriptors))
	for _, d := range descriptors {
		if d.Name == "" {
			continue
		}
		tools = append(tools, NewRemoteTool(endpoint, d, func(o *RemoteOptions) { *o = opts }))
	}
	return tools, nil
}

// Name returns the remote tool name.
func (t *RemoteTool) Name() string { return t.name }

// Description returns the remote tool description.
func (t *RemoteTool) Description() string { return t.description }

// Parameters returns the remote tool's argument schema.
func (t *RemoteTool) Parameters() map[string]any { return t.parameters }

// Call posts the arguments to the collaborator. Server errors and transport
// failures count against the tool's breaker and surface as
// *core.UpstreamError; a reply carrying an error becomes a *ToolError.
func (t *RemoteTool) Call(tc *Context, args map[string]any) (any, error) {
	var breaker *resilience.Breaker
	if t.opts.Breakers != nil {
		breaker = t.opts.Breakers.Get("tool:" + t.name)
		if err := breaker.Allow(); err != nil {
			return nil, err
		}
	}

	out, err := t.do(tc, args)
	if breaker != nil {
		var ue *core.UpstreamError
		switch {
		case err == nil:
			breaker.Success()
		case errors.Is(err, context.Canceled):
			breaker.Abandon()
		case errors.As(err, &ue):
			breaker.Failure()
		default:
			// the collaborator answered; a tool level failure is not an outage
			breaker.Success()
		}
	}
	return out, err
}

func (t *RemoteTool) do(tc *Context, args map[string]any) (any, error) {
	body, err := json.Marshal(remoteCall{
		Name:      t.name,
		Arguments: args,
		SessionID: tc.SessionID(),
		CallID:    tc.FunctionCallID(),
	})
	if err != nil {
		return nil, NewToolError(t.name, err.Error(), CodeBadArgs)
	}

	req, err := http.NewRequestWithContext(tc.Context(), http.MethodPost, t.endpoint+"/call", bytes.NewReader(body))
	if err != nil {
		return nil, NewToolError(t.name, err.Error(), CodeExecution)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range t.opts.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.opts.HTTPClient.Do(req)
	if err != nil {
		if ctxErr := tc.Context().Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &core.UpstreamError{Provider: "tool:" + t.name, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &core.UpstreamError{Provider: "tool:" + t.name, Status: resp.StatusCode}
	}

	var reply remoteReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return nil, NewToolError(t.name, fmt.Sprintf("decode reply (status %d): %v", resp.StatusCode, err), CodeExecution)
	}
	if reply.Error != "" {
		return nil, NewToolError(t.name, reply.Error, CodeExecution)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, NewToolError(t.name, fmt.Sprintf("status %d", resp.StatusCode), CodeExecution)
	}
	return reply.Output, nil
}
