package core

import (
	"fmt"
	"sync"
)

// RunBudget bounds the work a single run may do: how many times it may be
// handed off between specialists and how many model calls it may make.
// A zero limit means unlimited.
type RunBudget struct {
	maxHops       int
	maxModelCalls int
	hops          int
	modelCalls    int
	mu            sync.Mutex
}

// NewRunBudget creates a budget with the given limits.
func NewRunBudget(maxHops, maxModelCalls int) *RunBudget {
	return &RunBudget{maxHops: maxHops, maxModelCalls: maxModelCalls}
}

// Hop records a specialist hand-off and reports whether it is still within
// the hop limit.
func (b *RunBudget) Hop() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.hops++
	return b.maxHops == 0 || b.hops <= b.maxHops
}

// ModelCall records a model invocation and returns an error once the limit is
// exceeded.
func (b *RunBudget) ModelCall() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.modelCalls++
	if b.maxModelCalls > 0 && b.modelCalls > b.maxModelCalls {
		return NewValidationError("model_call_limit", "", fmt.Sprintf("exceeded max model calls: %d", b.maxModelCalls))
	}
	return nil
}

// Hops returns the number of hand-offs recorded.
func (b *RunBudget) Hops() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.hops
}

// ModelCalls returns the number of model calls recorded.
func (b *RunBudget) ModelCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.modelCalls
}
