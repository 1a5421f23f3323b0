package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/NickB03/vana-sub003/core"
	"github.com/NickB03/vana-sub003/internal/util"
	"github.com/NickB03/vana-sub003/logging"
	"github.com/NickB03/vana-sub003/model"
)

// RegistryOptions configure a Registry.
type RegistryOptions struct {
	// Timeout bounds a single tool call. Zero means no limit beyond ctx.
	Timeout time.Duration
	Logger  logging.Logger
}

// Registry holds the tools offered to specialists and executes model tool
// calls against them.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	opts  RegistryOptions
}

// Execution is the outcome of one tool call.
type Execution struct {
	Result core.ToolResult
	// Transfer is the specialist the tool asked to hand off to, if any.
	Transfer string
	Duration time.Duration
}

// NewRegistry creates an empty registry.
func NewRegistry(optFns ...func(o *RegistryOptions)) *Registry {
	opts := RegistryOptions{
		Timeout: 30 * time.Second,
		Logger:  logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Registry{tools: make(map[string]Tool), opts: opts}
}

// Register adds tools. Names must be unique.
func (r *Registry) Register(tools ...Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range tools {
		if t == nil || t.Name() == "" {
			return errors.New("tool must have a name")
		}
		if _, exists := r.tools[t.Name()]; exists {
			return fmt.Errorf("tool %q already registered", t.Name())
		}
		r.tools[t.Name()] = t
	}
	return nil
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions describes the named tools for a model request. With no names,
// every registered tool is described. Unknown names are skipped.
func (r *Registry) Definitions(names ...string) []model.ToolDefinition {
	if len(names) == 0 {
		names = r.Names()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]model.ToolDefinition, 0, len(names))
	for _, name := range names {
		t, ok := r.tools[name]
		if !ok {
			continue
		}
		defs = append(defs, model.ToolDefinition{
			Type: "function",
			Function: model.FunctionDefinition{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return defs
}

// Execute runs call and always returns a result: unknown tools, malformed
// arguments and tool failures are reported in Result.Error so the model can
// see them on resumption. Cancellation of ctx is reported the same way; the
// caller checks ctx itself.
func (r *Registry) Execute(ctx context.Context, sessionID string, call core.ToolCall) Execution {
	start := time.Now()
	exec := Execution{Result: core.ToolResult{CallID: call.ID, Name: call.Name}}

	output, transfer, err := r.call(ctx, sessionID, call)
	exec.Duration = time.Since(start)
	if err != nil {
		exec.Result.Error = err.Error()
	} else {
		exec.Result.Output = output
		exec.Transfer = transfer
	}

	if tl, ok := r.opts.Logger.(logging.ToolCallLogger); ok {
		tl.LogToolCall(call.Name, exec.Duration, err)
	} else if err != nil {
		r.opts.Logger.Warn("tool.execute.failed", "tool", call.Name, "session_id", sessionID, "error", err.Error())
	}
	return exec
}

func (r *Registry) call(ctx context.Context, sessionID string, call core.ToolCall) (string, string, error) {
	t, ok := r.Get(call.Name)
	if !ok {
		return "", "", NewToolError(call.Name, "tool is not registered", CodeUnknownTool)
	}

	args := map[string]any{}
	if raw := strings.TrimSpace(call.Arguments); raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return "", "", NewToolError(call.Name, fmt.Sprintf("arguments are not a JSON object: %v", err), CodeBadArgs)
		}
	}
	if err := util.ValidateParameters(args, t.Parameters()); err != nil {
		return "", "", &ToolError{Tool: call.Name, Message: err.Error(), Code: CodeValidation, Details: err}
	}

	if r.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.Timeout)
		defer cancel()
	}
	tc := NewContext(ctx, sessionID, call.ID, r.opts.Logger)

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: NewToolError(call.Name, fmt.Sprintf("panic: %v", p), CodeExecution)}
			}
		}()
		v, err := t.Call(tc, args)
		done <- outcome{value: v, err: err}
	}()

	var res outcome
	select {
	case res = <-done:
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", "", NewToolError(call.Name, "tool call timed out", CodeTimeout)
		}
		return "", "", ctx.Err()
	}
	if res.err != nil {
		return "", "", res.err
	}

	output, err := stringify(res.value)
	if err != nil {
		return "", "", NewToolError(call.Name, err.Error(), CodeExecution)
	}
	return output, tc.Transfer(), nil
}

func stringify(v any) (string, error) {
	switch val := v.(type) {
	case nil:
		return "", nil
	case string:
		return val, nil
	case []byte:
		return string(val), nil
	default:
		raw, err := json.Marshal(val)
		if err != nil {
			return "", fmt.Errorf("encode tool result: %w", err)
		}
		return string(raw), nil
	}
}
