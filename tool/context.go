package tool

import (
	"context"
	"sync"

	"github.com/NickB03/vana-sub003/logging"
)

// Context is the surface a tool sees while it runs: the cancellation
// context, the session and call ids, a logger, and the hand-off request slot.
type Context struct {
	ctx            context.Context
	sessionID      string
	functionCallID string
	logger         logging.Logger

	mu       sync.Mutex
	transfer string
}

// NewContext constructs a tool context for one call.
func NewContext(ctx context.Context, sessionID, functionCallID string, logger logging.Logger) *Context {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Context{
		ctx:            ctx,
		sessionID:      sessionID,
		functionCallID: functionCallID,
		logger:         logger,
	}
}

// Context returns the context associated with the tool invocation.
func (tc *Context) Context() context.Context { return tc.ctx }

// SessionID returns the session ID associated with the tool invocation.
func (tc *Context) SessionID() string { return tc.sessionID }

// FunctionCallID returns the id of the model's tool call.
func (tc *Context) FunctionCallID() string { return tc.functionCallID }

// Logger returns the logger associated with the tool invocation.
func (tc *Context) Logger() logging.Logger { return tc.logger }

// TransferToSpecialist asks the dispatcher to hand the run to another
// specialist once the current tool batch completes. The last request wins.
func (tc *Context) TransferToSpecialist(name string) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.transfer = name
}

// Transfer returns the requested hand-off target, or "".
func (tc *Context) Transfer() string {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.transfer
}
