package runner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/NickB03/vana-sub003/core"
	"github.com/NickB03/vana-sub003/dispatcher"
	"github.com/NickB03/vana-sub003/logging"
	"github.com/NickB03/vana-sub003/session"
)

var (
	// ErrRunNotActive is returned by Cancel for unknown or finished runs.
	ErrRunNotActive = errors.New("run not active")
	// ErrShuttingDown is returned once Shutdown has begun.
	ErrShuttingDown = errors.New("runner is shutting down")
)

// Options holds configuration overrides passed to New.
type Options struct {
	// MaxConcurrentRuns limits runs in flight; 0 means no limit.
	MaxConcurrentRuns int
	Logger            logging.Logger
}

type activeRun struct {
	requestID string
	startedAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}
}

// Runner coordinates dispatcher runs. Public methods are safe for
// concurrent use.
type Runner struct {
	dispatcher *dispatcher.Dispatcher
	opts       Options

	base       context.Context
	cancelBase context.CancelFunc

	activeRuns map[string]*activeRun
	closed     bool
	mu         sync.Mutex
	wg         sync.WaitGroup
}

// RunInfo describes an active run.
type RunInfo struct {
	RunID     string    `json:"run_id"`
	RequestID string    `json:"request_id"`
	StartedAt time.Time `json:"started_at"`
}

// New constructs a Runner with optional overrides.
func New(d *dispatcher.Dispatcher, optFns ...func(o *Options)) *Runner {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	base, cancel := context.WithCancel(context.Background())
	return &Runner{
		dispatcher: d,
		opts:       opts,
		base:       base,
		cancelBase: cancel,
		activeRuns: make(map[string]*activeRun),
	}
}

// Start accepts req and drives it in the background. The run outlives ctx,
// which only bounds acceptance; use Cancel to stop it.
func (r *Runner) Start(ctx context.Context, req core.Request, creds session.Credentials) (*dispatcher.Run, error) {
	if err := r.admit(); err != nil {
		return nil, err
	}
	run, err := r.dispatcher.Begin(ctx, req, creds)
	if err != nil {
		return nil, err
	}
	if run.Duplicate {
		return run, nil
	}

	runCtx, active, err := r.register(r.base, run)
	if err != nil {
		r.abort(run, err)
		return nil, err
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.unregister(run.SessionID, active)

		if _, err := r.dispatcher.Drive(runCtx, run); err != nil {
			r.opts.Logger.Debug("runner.run.failed", "run_id", run.SessionID, "error", err.Error())
		}
	}()
	return run, nil
}

// Run accepts req and drives it inline. Cancelling ctx cancels the run.
func (r *Runner) Run(ctx context.Context, req core.Request, creds session.Credentials) (*core.Session, error) {
	if err := r.admit(); err != nil {
		return nil, err
	}
	run, err := r.dispatcher.Begin(ctx, req, creds)
	if err != nil {
		return nil, err
	}
	if run.Duplicate {
		return run.Session, nil
	}

	runCtx, active, err := r.register(ctx, run)
	if err != nil {
		r.abort(run, err)
		return nil, err
	}
	r.wg.Add(1)
	defer r.wg.Done()
	defer r.unregister(run.SessionID, active)

	return r.dispatcher.Drive(runCtx, run)
}

// Cancel cancels an active run. The run still publishes its terminal event.
func (r *Runner) Cancel(runID string) error {
	r.mu.Lock()
	active, exists := r.activeRuns[runID]
	r.mu.Unlock()

	if !exists {
		return fmt.Errorf("cancel %s: %w", runID, ErrRunNotActive)
	}
	active.cancel()
	r.opts.Logger.Info("runner.run.cancelled", "run_id", runID)
	return nil
}

// Done returns a channel closed when the run finishes, or nil when no such
// run is active.
func (r *Runner) Done(runID string) <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if active, ok := r.activeRuns[runID]; ok {
		return active.done
	}
	return nil
}

// Active lists the runs in flight ordered by start time.
func (r *Runner) Active() []RunInfo {
	r.mu.Lock()
	out := make([]RunInfo, 0, len(r.activeRuns))
	for id, a := range r.activeRuns {
		out = append(out, RunInfo{RunID: id, RequestID: a.requestID, StartedAt: a.startedAt})
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Shutdown stops accepting runs, cancels the active ones and waits for them
// to publish their terminal events or for ctx to expire.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	n := len(r.activeRuns)
	r.mu.Unlock()

	r.opts.Logger.Info("runner.shutdown", "active_runs", n)
	r.cancelBase()
	r.mu.Lock()
	for _, a := range r.activeRuns {
		a.cancel()
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown: %w", ctx.Err())
	}
}

// admit rejects work while shutting down or at capacity.
func (r *Runner) admit() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.admitLocked()
}

func (r *Runner) admitLocked() error {
	if r.closed {
		return ErrShuttingDown
	}
	if r.opts.MaxConcurrentRuns > 0 && len(r.activeRuns) >= r.opts.MaxConcurrentRuns {
		return &core.RateLimitedError{Key: "runner", RetryAfter: time.Second}
	}
	return nil
}

func (r *Runner) register(parent context.Context, run *dispatcher.Run) (context.Context, *activeRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.admitLocked(); err != nil {
		return nil, nil, err
	}
	ctx, cancel := context.WithCancel(parent)
	active := &activeRun{
		requestID: run.Request.ID,
		startedAt: time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	r.activeRuns[run.SessionID] = active
	return ctx, active, nil
}

func (r *Runner) unregister(runID string, active *activeRun) {
	r.mu.Lock()
	if r.activeRuns[runID] == active {
		delete(r.activeRuns, runID)
	}
	r.mu.Unlock()
	active.cancel()
	close(active.done)
}

// abort terminates an accepted run that could not be scheduled, so its
// session does not stay running.
func (r *Runner) abort(run *dispatcher.Run, cause error) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.dispatcher.Drive(ctx, run); err != nil {
		r.opts.Logger.Warn("runner.run.rejected", "run_id", run.SessionID, "cause", cause.Error())
	}
}
