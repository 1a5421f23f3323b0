package model

import (
	"math"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy configures retries of failed model calls.
type RetryPolicy struct {
	MaxAttempts int           // total attempts including the first
	BaseDelay   time.Duration // delay before the first retry
	Multiplier  float64       // growth factor per attempt
	Jitter      float64       // +/- fraction applied to each delay, 0.2 = 20%
	MaxDelay    time.Duration // cap applied after jitter

	// RetryableStatusCodes is the allow-list of transient HTTP statuses.
	RetryableStatusCodes []int
	// RetryTransportErrors retries failures that carry no HTTP status.
	RetryTransportErrors bool
}

// DefaultRetryPolicy retries rate limits and transient overload three times.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:          3,
		BaseDelay:            200 * time.Millisecond,
		Multiplier:           2,
		Jitter:               0.2,
		MaxDelay:             5 * time.Second,
		RetryableStatusCodes: []int{429, 500, 502, 503, 504},
		RetryTransportErrors: true,
	}
}

// Retryable reports whether a failure with the given status may be retried.
// Status 0 denotes a transport failure.
func (p RetryPolicy) Retryable(status int) bool {
	if status == 0 {
		return p.RetryTransportErrors
	}
	return slices.Contains(p.RetryableStatusCodes, status)
}

// Backoff returns the un-jittered delay before retry number attempt+1:
// BaseDelay * Multiplier^attempt, capped at MaxDelay. It is non-decreasing
// in attempt.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	b := p.exponential()
	d := b.NextBackOff()
	for i := 0; i < attempt && d < b.MaxInterval; i++ {
		d = b.NextBackOff()
	}
	return min(d, b.MaxInterval)
}

// exponential is the policy as a jitter-free backoff.ExponentialBackOff.
// Jitter is applied by Delay so callers control the random source.
func (p RetryPolicy) exponential() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = max(p.Multiplier, 1)
	b.RandomizationFactor = 0
	b.MaxInterval = p.MaxDelay
	if b.MaxInterval <= 0 {
		b.MaxInterval = time.Duration(math.MaxInt64)
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Delay applies jitter to Backoff using r in [0,1) and clamps the result to
// [0, MaxDelay].
func (p RetryPolicy) Delay(attempt int, r float64) time.Duration {
	d := float64(p.Backoff(attempt))
	d *= 1 + p.Jitter*(2*r-1)
	if d < 0 {
		d = 0
	}
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	return time.Duration(d)
}
