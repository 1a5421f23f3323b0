// Package broadcast fans session events out to any number of subscribers.
//
// Each session owns a bounded, append-only log. Publish assigns the next
// sequence number; Subscribe replays from last_seen+1 and then follows the
// log until a terminal event. A subscriber that asks for events already
// evicted from the log receives a gap marker first. Idle sessions get
// periodic heartbeats from Run.
package broadcast

import (
	"context"
	"iter"
	"sync"
	"time"

	"github.com/NickB03/vana-sub003/core"
	"github.com/NickB03/vana-sub003/logging"
)

// Options configure a Broadcaster.
type Options struct {
	// Capacity is the number of events retained per session.
	Capacity int
	// HeartbeatInterval is the idle time after which a heartbeat is
	// published on a session with a run in progress.
	HeartbeatInterval time.Duration
	// Retention is how long a finished log without subscribers is kept.
	Retention time.Duration
	Logger    logging.Logger
	Now       func() time.Time
}

type eventLog struct {
	mu          sync.Mutex
	events      []core.AgentEvent
	head        int64 // last assigned sequence number
	runStart    int64 // sequence before the latest connection event
	notify      chan struct{}
	terminal    bool
	closed      bool
	subscribers int
	lastPublish time.Time
}

// Broadcaster is safe for concurrent use.
type Broadcaster struct {
	mu   sync.Mutex
	logs map[string]*eventLog
	opts Options
}

// New creates a Broadcaster.
func New(optFns ...func(o *Options)) *Broadcaster {
	opts := Options{
		Capacity:          1024,
		HeartbeatInterval: 15 * time.Second,
		Retention:         time.Hour,
		Logger:            logging.NoOpLogger{},
		Now:               func() time.Time { return time.Now().UTC() },
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Capacity <= 0 {
		opts.Capacity = 1024
	}
	return &Broadcaster{logs: make(map[string]*eventLog), opts: opts}
}

func (b *Broadcaster) log(sessionID string) *eventLog {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.logs[sessionID]
	if !ok {
		l = &eventLog{notify: make(chan struct{}), lastPublish: b.opts.Now()}
		b.logs[sessionID] = l
	}
	return l
}

// Publish appends payload to the session log and wakes subscribers. The
// stored event, with its sequence number, is returned.
func (b *Broadcaster) Publish(sessionID string, payload core.EventPayload) core.AgentEvent {
	l := b.log(sessionID)
	l.mu.Lock()
	defer l.mu.Unlock()
	return b.appendLocked(sessionID, l, payload)
}

func (b *Broadcaster) appendLocked(sessionID string, l *eventLog, payload core.EventPayload) core.AgentEvent {
	now := b.opts.Now()
	l.head++
	ev := core.AgentEvent{SessionID: sessionID, Seq: l.head, Timestamp: now, Payload: payload}
	l.events = append(l.events, ev)
	if _, ok := payload.(core.ConnectionPayload); ok {
		l.runStart = l.head - 1
	}
	if over := len(l.events) - b.opts.Capacity; over > 0 {
		l.events = append([]core.AgentEvent(nil), l.events[over:]...)
	}
	l.terminal = ev.IsTerminal()
	l.lastPublish = now
	close(l.notify)
	l.notify = make(chan struct{})
	return ev
}

// Head returns the last sequence number assigned for the session, or 0.
func (b *Broadcaster) Head(sessionID string) int64 {
	b.mu.Lock()
	l, ok := b.logs[sessionID]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.head
}

// RunStart returns the sequence number preceding the session's latest
// connection event, so subscribing after it yields only the current run.
func (b *Broadcaster) RunStart(sessionID string) int64 {
	b.mu.Lock()
	l, ok := b.logs[sessionID]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.runStart
}

// Subscribe returns the session's events after lastSeen. The sequence
// blocks for new events and ends after yielding a terminal event, when the
// session is evicted, or when ctx is done. A lastSeen beyond the head is
// treated as the head.
func (b *Broadcaster) Subscribe(ctx context.Context, sessionID string, lastSeen int64) iter.Seq[core.AgentEvent] {
	return func(yield func(core.AgentEvent) bool) {
		l := b.log(sessionID)
		l.mu.Lock()
		l.subscribers++
		l.mu.Unlock()
		defer func() {
			l.mu.Lock()
			l.subscribers--
			l.mu.Unlock()
		}()

		cursor := max(lastSeen, 0) + 1
		for {
			l.mu.Lock()
			if cursor > l.head+1 {
				cursor = l.head + 1
			}
			var gap *core.GapPayload
			var batch []core.AgentEvent
			if n := len(l.events); n > 0 {
				oldest := l.events[0].Seq
				if cursor < oldest {
					gap = &core.GapPayload{From: cursor, To: oldest - 1}
					cursor = oldest
				}
				if idx := cursor - oldest; idx < int64(n) {
					batch = append(batch, l.events[idx:]...)
				}
			}
			closed, notify := l.closed, l.notify
			l.mu.Unlock()

			if gap != nil {
				b.opts.Logger.Debug("broadcast.gap", "session_id", sessionID, "from", gap.From, "to", gap.To)
				if !yield(core.AgentEvent{SessionID: sessionID, Timestamp: b.opts.Now(), Payload: *gap}) {
					return
				}
			}
			for _, ev := range batch {
				if !yield(ev) {
					return
				}
				cursor = ev.Seq + 1
				if ev.IsTerminal() {
					return
				}
			}
			if closed {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-notify:
			}
		}
	}
}

// Evict closes the session log. Subscribers still following a run receive a
// terminal session_closed error before their stream ends.
func (b *Broadcaster) Evict(sessionID string) {
	b.mu.Lock()
	l, ok := b.logs[sessionID]
	delete(b.logs, sessionID)
	b.mu.Unlock()
	if !ok {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.terminal && l.head > 0 {
		b.appendLocked(sessionID, l, core.ErrorPayload{Code: "session_closed", Message: "session deleted"})
	}
	l.closed = true
	close(l.notify)
	l.notify = make(chan struct{})
}

// Len returns the number of live session logs.
func (b *Broadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.logs)
}

// Tick publishes heartbeats on idle sessions with a run in progress and
// drops finished logs past retention that nobody follows.
func (b *Broadcaster) Tick() {
	now := b.opts.Now()
	b.mu.Lock()
	logs := make(map[string]*eventLog, len(b.logs))
	for id, l := range b.logs {
		logs[id] = l
	}
	b.mu.Unlock()

	for id, l := range logs {
		l.mu.Lock()
		idle := now.Sub(l.lastPublish)
		switch {
		case !l.terminal && !l.closed && (l.head > 0 || l.subscribers > 0) &&
			b.opts.HeartbeatInterval > 0 && idle >= b.opts.HeartbeatInterval:
			b.appendLocked(id, l, core.HeartbeatPayload{})
		case (l.terminal || l.head == 0) && l.subscribers == 0 && b.opts.Retention > 0 && idle >= b.opts.Retention:
			l.closed = true
			b.mu.Lock()
			if b.logs[id] == l {
				delete(b.logs, id)
			}
			b.mu.Unlock()
		}
		l.mu.Unlock()
	}
}

// Run calls Tick until ctx is done. The tick period is a quarter of the
// heartbeat interval so silence never exceeds it by much.
func (b *Broadcaster) Run(ctx context.Context) {
	period := b.opts.HeartbeatInterval / 4
	if period <= 0 {
		period = time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Tick()
		}
	}
}
