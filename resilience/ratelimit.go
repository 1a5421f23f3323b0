package resilience

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/NickB03/vana-sub003/core"
)

// RateLimiterOptions configure a RateLimiter.
type RateLimiterOptions struct {
	// Rate is the refill rate in tokens per second.
	Rate float64
	// Burst is the bucket capacity.
	Burst int
	// IdleTTL is how long an untouched bucket is kept before eviction.
	IdleTTL time.Duration
	// Now is the clock, overridable in tests.
	Now func() time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps an independent token bucket per caller key.
type RateLimiter struct {
	opts    RateLimiterOptions
	mu      sync.Mutex
	buckets map[string]*bucket
}

// NewRateLimiter creates a limiter with the given options.
func NewRateLimiter(optFns ...func(o *RateLimiterOptions)) *RateLimiter {
	opts := RateLimiterOptions{
		Rate:    5,
		Burst:   10,
		IdleTTL: 10 * time.Minute,
		Now:     time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &RateLimiter{opts: opts, buckets: make(map[string]*bucket)}
}

// Allow takes one token from key's bucket. An empty bucket yields a
// *core.RateLimitedError carrying the time until the next token.
func (r *RateLimiter) Allow(key string) error {
	now := r.opts.Now()

	r.mu.Lock()
	b, ok := r.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(r.opts.Rate), r.opts.Burst)}
		r.buckets[key] = b
	}
	b.lastSeen = now
	r.mu.Unlock()

	res := b.limiter.ReserveN(now, 1)
	if !res.OK() {
		return &core.RateLimitedError{Key: key, RetryAfter: time.Second}
	}
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return &core.RateLimitedError{Key: key, RetryAfter: delay}
	}
	return nil
}

// Len returns the number of tracked buckets.
func (r *RateLimiter) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.buckets)
}

// EvictIdle drops buckets untouched for longer than IdleTTL and returns how
// many were removed.
func (r *RateLimiter) EvictIdle() int {
	cutoff := r.opts.Now().Add(-r.opts.IdleTTL)

	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for k, b := range r.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(r.buckets, k)
			n++
		}
	}
	return n
}

// StartEviction runs EvictIdle on a ticker until ctx is done.
func (r *RateLimiter) StartEviction(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.EvictIdle()
			case <-ctx.Done():
				return
			}
		}
	}()
}
