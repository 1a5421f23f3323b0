package runner

import (
	"context"
	"iter"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NickB03/vana-sub003/broadcast"
	"github.com/NickB03/vana-sub003/core"
	"github.com/NickB03/vana-sub003/dispatcher"
	"github.com/NickB03/vana-sub003/model"
	"github.com/NickB03/vana-sub003/session"
)

var caller = session.Credentials{Token: "tok", ClientIP: "127.0.0.1"}

// blockingProvider holds every stream open until released or cancelled.
type blockingProvider struct {
	started chan struct{}
	release chan struct{}
}

func newBlockingProvider() *blockingProvider {
	return &blockingProvider{started: make(chan struct{}, 16), release: make(chan struct{})}
}

func (p *blockingProvider) Stream(ctx context.Context, _ model.Request) iter.Seq2[model.Chunk, error] {
	return func(yield func(model.Chunk, error) bool) {
		p.started <- struct{}{}
		select {
		case <-ctx.Done():
			yield(model.Chunk{}, ctx.Err())
			return
		case <-p.release:
		}
		yield(model.Chunk{Text: "done", FinishReason: "stop"}, nil)
	}
}

func (p *blockingProvider) Info() model.Info { return model.Info{Name: "block", Provider: "test"} }

type fixture struct {
	runner   *Runner
	store    *session.Store
	events   *broadcast.Broadcaster
	provider *blockingProvider
}

func newFixture(t *testing.T, optFns ...func(o *Options)) *fixture {
	t.Helper()
	f := &fixture{
		store:    session.NewStore(),
		events:   broadcast.New(),
		provider: newBlockingProvider(),
	}
	client := model.NewClient(f.provider, func(o *model.Options) { o.Retry.MaxAttempts = 1 })
	d := dispatcher.New(f.store, f.events, client, func(o *dispatcher.Options) { o.Fallback = "" })
	f.runner = New(d, optFns...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = f.runner.Shutdown(ctx)
	})
	return f
}

func waitStarted(t *testing.T, p *blockingProvider) {
	t.Helper()
	select {
	case <-p.started:
	case <-time.After(2 * time.Second):
		t.Fatal("model call did not start")
	}
}

func waitDone(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	require.NotNil(t, ch)
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not finish")
	}
}

func TestStartDrivesInBackground(t *testing.T) {
	f := newFixture(t)
	run, err := f.runner.Start(context.Background(), core.NewRequest(core.TaskChat, "Hello"), caller)
	require.NoError(t, err)

	waitStarted(t, f.provider)
	require.Len(t, f.runner.Active(), 1)
	assert.Equal(t, run.SessionID, f.runner.Active()[0].RunID)
	done := f.runner.Done(run.SessionID)

	snap, err := f.store.Get(context.Background(), run.SessionID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusRunning, snap.Status)

	close(f.provider.release)
	waitDone(t, done)

	snap, err = f.store.Get(context.Background(), run.SessionID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, snap.Status)
	assert.Equal(t, "done", snap.FinalOutput)
	assert.Empty(t, f.runner.Active())
}

func TestStartOutlivesAcceptContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	run, err := f.runner.Start(ctx, core.NewRequest(core.TaskChat, "Hello"), caller)
	require.NoError(t, err)
	waitStarted(t, f.provider)
	done := f.runner.Done(run.SessionID)
	cancel()

	close(f.provider.release)
	waitDone(t, done)
	snap, _ := f.store.Get(context.Background(), run.SessionID)
	assert.Equal(t, core.StatusCompleted, snap.Status)
}

func TestCancelActiveRun(t *testing.T) {
	f := newFixture(t)
	run, err := f.runner.Start(context.Background(), core.NewRequest(core.TaskChat, "Hello"), caller)
	require.NoError(t, err)
	waitStarted(t, f.provider)
	done := f.runner.Done(run.SessionID)

	require.NoError(t, f.runner.Cancel(run.SessionID))
	waitDone(t, done)

	snap, err := f.store.Get(context.Background(), run.SessionID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusFailed, snap.Status)
	require.NotNil(t, snap.Error)
	assert.True(t, snap.Error.Cancelled)

	var last core.AgentEvent
	for ev := range f.events.Subscribe(context.Background(), run.SessionID, run.StartSeq) {
		last = ev
	}
	payload, ok := last.Payload.(core.ErrorPayload)
	require.True(t, ok)
	assert.Equal(t, "cancelled", payload.Code)

	assert.ErrorIs(t, f.runner.Cancel(run.SessionID), ErrRunNotActive)
	assert.ErrorIs(t, f.runner.Cancel("unknown"), ErrRunNotActive)
}

func TestRunIsSynchronous(t *testing.T) {
	f := newFixture(t)
	close(f.provider.release)

	sess, err := f.runner.Run(context.Background(), core.NewRequest(core.TaskChat, "Hello"), caller)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, sess.Status)
	assert.Empty(t, f.runner.Active())
}

func TestConcurrencyLimit(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.MaxConcurrentRuns = 1 })
	_, err := f.runner.Start(context.Background(), core.NewRequest(core.TaskChat, "one"), caller)
	require.NoError(t, err)
	waitStarted(t, f.provider)

	_, err = f.runner.Start(context.Background(), core.NewRequest(core.TaskChat, "two"), caller)
	var rl *core.RateLimitedError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, 1, f.store.Len())
}

func TestShutdownCancelsAndRejects(t *testing.T) {
	f := newFixture(t)
	run, err := f.runner.Start(context.Background(), core.NewRequest(core.TaskChat, "Hello"), caller)
	require.NoError(t, err)
	waitStarted(t, f.provider)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.runner.Shutdown(ctx))

	snap, err := f.store.Get(context.Background(), run.SessionID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusFailed, snap.Status)

	_, err = f.runner.Start(context.Background(), core.NewRequest(core.TaskChat, "late"), caller)
	assert.ErrorIs(t, err, ErrShuttingDown)
}

