// Package resilience guards call volume in both directions: circuit breakers
// isolate failing downstream dependencies and token buckets throttle inbound
// callers.
package resilience

import (
	"sort"
	"sync"
	"time"

	"github.com/NickB03/vana-sub003/core"
)

// State is the circuit breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// BreakerOptions configure a Breaker.
type BreakerOptions struct {
	// Threshold is the number of failures tolerated inside Window; one more
	// opens the circuit.
	Threshold int
	// Window is the sliding window failures are counted in.
	Window time.Duration
	// Cooldown is how long the circuit stays open before a trial call.
	Cooldown time.Duration
	// Now is the clock, overridable in tests.
	Now func() time.Time
}

// Breaker is a closed/open/half_open state machine for one dependency key.
// It is safe for concurrent use.
type Breaker struct {
	key      string
	opts     BreakerOptions
	mu       sync.Mutex
	state    State
	failures []time.Time
	openedAt time.Time
	trial    bool
}

// NewBreaker creates a closed breaker for key.
func NewBreaker(key string, optFns ...func(o *BreakerOptions)) *Breaker {
	opts := BreakerOptions{
		Threshold: 5,
		Window:    time.Minute,
		Cooldown:  30 * time.Second,
		Now:       time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Breaker{key: key, opts: opts, state: StateClosed}
}

// Key returns the dependency key guarded by the breaker.
func (b *Breaker) Key() string { return b.key }

// Allow reports whether a call may proceed. An open circuit, or a half-open
// circuit whose single trial is already in flight, yields a short-circuit
// UpstreamError. A permitted call must be followed by exactly one of
// Success, Failure or Abandon.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.opts.Now().Sub(b.openedAt) < b.opts.Cooldown {
			return b.shortCircuit()
		}
		b.state = StateHalfOpen
		b.trial = true
		return nil
	case StateHalfOpen:
		if b.trial {
			return b.shortCircuit()
		}
		b.trial = true
		return nil
	default:
		return nil
	}
}

func (b *Breaker) shortCircuit() error {
	return &core.UpstreamError{Provider: b.key, Status: 503, ShortCircuited: true}
}

// Success records a successful call.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.state = StateClosed
		b.failures = nil
		b.trial = false
	}
}

// Failure records a failed call.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.opts.Now()
	switch b.state {
	case StateHalfOpen:
		b.open(now)
	case StateClosed:
		b.failures = append(b.prune(now), now)
		if len(b.failures) > b.opts.Threshold {
			b.open(now)
		}
	}
}

// Abandon releases a permitted call that ended without a verdict, such as a
// cancelled request.
func (b *Breaker) Abandon() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.trial = false
	}
}

func (b *Breaker) open(now time.Time) {
	b.state = StateOpen
	b.openedAt = now
	b.failures = nil
	b.trial = false
}

func (b *Breaker) prune(now time.Time) []time.Time {
	cutoff := now.Add(-b.opts.Window)
	kept := b.failures[:0]
	for _, f := range b.failures {
		if f.After(cutoff) {
			kept = append(kept, f)
		}
	}
	return kept
}

// State returns the current state without transitioning.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.state
}

// BreakerSnapshot is a point-in-time view used by monitoring endpoints.
type BreakerSnapshot struct {
	Key      string    `json:"key"`
	State    State     `json:"state"`
	Failures int       `json:"failures"`
	OpenedAt time.Time `json:"opened_at,omitempty"`
}

// Snapshot returns the breaker's monitoring view.
func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	return BreakerSnapshot{
		Key:      b.key,
		State:    b.state,
		Failures: len(b.prune(b.opts.Now())),
		OpenedAt: b.openedAt,
	}
}

// BreakerSet lazily creates one Breaker per dependency key with shared options.
type BreakerSet struct {
	optFns   []func(o *BreakerOptions)
	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewBreakerSet creates an empty set.
func NewBreakerSet(optFns ...func(o *BreakerOptions)) *BreakerSet {
	return &BreakerSet{optFns: optFns, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for key, creating it closed on first use.
func (s *BreakerSet) Get(key string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.breakers[key]
	if !ok {
		b = NewBreaker(key, s.optFns...)
		s.breakers[key] = b
	}
	return b
}

// Snapshot returns every breaker's view sorted by key.
func (s *BreakerSet) Snapshot() []BreakerSnapshot {
	s.mu.Lock()
	breakers := make([]*Breaker, 0, len(s.breakers))
	for _, b := range s.breakers {
		breakers = append(breakers, b)
	}
	s.mu.Unlock()

	out := make([]BreakerSnapshot, 0, len(breakers))
	for _, b := range breakers {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
