package broadcast

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NickB03/vana-sub003/core"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBroadcaster(optFns ...func(o *Options)) (*Broadcaster, *fakeClock) {
	clk := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := New(append([]func(o *Options){func(o *Options) {
		o.Now = clk.Now
		o.HeartbeatInterval = 10 * time.Second
	}}, optFns...)...)
	return b, clk
}

func drain(t *testing.T, b *Broadcaster, id string, lastSeen int64) []core.AgentEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var out []core.AgentEvent
	for ev := range b.Subscribe(ctx, id, lastSeen) {
		out = append(out, ev)
	}
	return out
}

func publishRun(b *Broadcaster, id string, deltas int) {
	b.Publish(id, core.ConnectionPayload{RunID: id})
	for i := 0; i < deltas; i++ {
		b.Publish(id, core.ProgressPayload{Phase: "generating", Delta: "x"})
	}
	b.Publish(id, core.CompletionPayload{Output: "done", Status: "completed"})
}

func TestSequenceIsStrictlyIncreasingAndGapFree(t *testing.T) {
	b, _ := newTestBroadcaster()
	publishRun(b, "s1", 5)

	events := drain(t, b, "s1", 0)
	require.Len(t, events, 7)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Seq)
		assert.Equal(t, "s1", ev.SessionID)
	}
	assert.Equal(t, core.EventConnection, events[0].Type())
	assert.Equal(t, core.EventCompletion, events[6].Type())
	assert.Equal(t, int64(7), b.Head("s1"))
}

func TestResumeFromLastSeen(t *testing.T) {
	b, _ := newTestBroadcaster()
	publishRun(b, "s1", 3)

	events := drain(t, b, "s1", 2)
	require.Len(t, events, 3)
	assert.Equal(t, int64(3), events[0].Seq)
	assert.True(t, events[2].IsTerminal())
}

func TestGapMarkerWhenBehindRetention(t *testing.T) {
	b, _ := newTestBroadcaster(func(o *Options) { o.Capacity = 3 })
	publishRun(b, "s1", 3) // seqs 1..5, retains 3..5

	events := drain(t, b, "s1", 0)
	require.Len(t, events, 4)
	gap, ok := events[0].Payload.(core.GapPayload)
	require.True(t, ok)
	assert.Equal(t, int64(1), gap.From)
	assert.Equal(t, int64(2), gap.To)
	assert.Zero(t, events[0].Seq)
	assert.Equal(t, int64(3), events[1].Seq)
	assert.Equal(t, int64(5), events[3].Seq)
}

func TestLiveFollowAndClampedResume(t *testing.T) {
	b, _ := newTestBroadcaster()
	b.Publish("s1", core.ConnectionPayload{RunID: "s1"})

	got := make(chan []core.AgentEvent)
	go func() {
		var evs []core.AgentEvent
		for ev := range b.Subscribe(context.Background(), "s1", 99) {
			evs = append(evs, ev)
		}
		got <- evs
	}()

	require.Eventually(t, func() bool {
		b.mu.Lock()
		l := b.logs["s1"]
		b.mu.Unlock()
		l.mu.Lock()
		defer l.mu.Unlock()
		return l.subscribers == 1
	}, time.Second, 5*time.Millisecond)

	b.Publish("s1", core.ProgressPayload{Delta: "hi"})
	b.Publish("s1", core.CompletionPayload{Output: "hi"})

	select {
	case evs := <-got:
		require.Len(t, evs, 2)
		assert.Equal(t, int64(2), evs[0].Seq)
		assert.Equal(t, int64(3), evs[1].Seq)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber did not finish")
	}
}

func TestSubscriptionEndsOnContextCancel(t *testing.T) {
	b, _ := newTestBroadcaster()
	b.Publish("s1", core.ConnectionPayload{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan int)
	go func() {
		n := 0
		for range b.Subscribe(ctx, "s1", 0) {
			n++
		}
		done <- n
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case n := <-done:
		assert.Equal(t, 1, n)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not stop")
	}
}

func TestHeartbeatsOnlyWhileRunning(t *testing.T) {
	b, clk := newTestBroadcaster()
	b.Publish("s1", core.ConnectionPayload{})

	b.Tick()
	assert.Equal(t, int64(1), b.Head("s1"))

	clk.Advance(11 * time.Second)
	b.Tick()
	assert.Equal(t, int64(2), b.Head("s1"))

	b.Publish("s1", core.CompletionPayload{})
	clk.Advance(time.Minute)
	b.Tick()
	assert.Equal(t, int64(3), b.Head("s1"))

	events := drain(t, b, "s1", 0)
	require.Len(t, events, 3)
	assert.Equal(t, core.EventHeartbeat, events[1].Type())
}

func TestEvictClosesWithTerminalEvent(t *testing.T) {
	b, _ := newTestBroadcaster()
	b.Publish("s1", core.ConnectionPayload{})
	b.Publish("s1", core.ProgressPayload{})

	done := make(chan []core.AgentEvent)
	go func() {
		var evs []core.AgentEvent
		for ev := range b.Subscribe(context.Background(), "s1", 2) {
			evs = append(evs, ev)
		}
		done <- evs
	}()
	time.Sleep(20 * time.Millisecond)
	b.Evict("s1")

	select {
	case evs := <-done:
		require.Len(t, evs, 1)
		payload, ok := evs[0].Payload.(core.ErrorPayload)
		require.True(t, ok)
		assert.Equal(t, "session_closed", payload.Code)
		assert.Equal(t, int64(3), evs[0].Seq)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber not released")
	}
	assert.Zero(t, b.Len())
}

func TestRetentionDropsFinishedLogs(t *testing.T) {
	b, clk := newTestBroadcaster(func(o *Options) { o.Retention = time.Minute })
	publishRun(b, "done", 0)
	b.Publish("live", core.ConnectionPayload{})

	clk.Advance(2 * time.Minute)
	b.Tick()
	assert.Equal(t, 1, b.Len())
	assert.Zero(t, b.Head("done"))
	assert.Equal(t, int64(2), b.Head("live"))
}

func TestConcurrentPublishersGetUniqueSequence(t *testing.T) {
	b, _ := newTestBroadcaster()
	const n = 200
	var wg sync.WaitGroup
	seqs := make(chan int64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seqs <- b.Publish("s1", core.ProgressPayload{}).Seq
		}()
	}
	wg.Wait()
	close(seqs)

	seen := map[int64]bool{}
	for s := range seqs {
		assert.False(t, seen[s], "duplicate seq %d", s)
		seen[s] = true
	}
	assert.Len(t, seen, n)
	assert.Equal(t, int64(n), b.Head("s1"))
}

func TestRunStartTracksLatestConnection(t *testing.T) {
	b, _ := newTestBroadcaster()
	assert.Zero(t, b.RunStart("s1"))

	publishRun(b, "s1", 2) // seqs 1..4
	assert.Zero(t, b.RunStart("s1"))

	b.Publish("s1", core.ConnectionPayload{RunID: "s1"})
	b.Publish("s1", core.CompletionPayload{Output: "second"})
	assert.Equal(t, int64(4), b.RunStart("s1"))

	events := drain(t, b, "s1", b.RunStart("s1"))
	require.Len(t, events, 2)
	assert.Equal(t, core.EventConnection, events[0].Type())
	assert.Equal(t, "second", events[1].Payload.(core.CompletionPayload).Output)
}
