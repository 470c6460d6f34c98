package core

import (
	"sync"
)

// DefaultMaxSteps bounds a run when neither the engine nor the request
// specifies a limit.
const DefaultMaxSteps = 10

// StepBudget enforces a maximum number of loop iterations per run.
type StepBudget struct {
	max   int
	count int
	mu    sync.Mutex
}

// NewStepBudget creates a budget allowing max steps.
// If max <= 0, DefaultMaxSteps is used.
func NewStepBudget(max int) *StepBudget {
	if max <= 0 {
		max = DefaultMaxSteps
	}

	return &StepBudget{max: max}
}

// Increment consumes one step and returns a KindStepBudgetExceeded error
// once the counter exceeds the maximum.
func (b *StepBudget) Increment() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.count++
	if b.count > b.max {
		return NewError(KindStepBudgetExceeded, "exceeded max steps: %d", b.max)
	}

	return nil
}

// Count returns the number of steps consumed so far.
func (b *StepBudget) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.count
}

// Max returns the configured limit.
func (b *StepBudget) Max() int { return b.max }

// Remaining returns how many steps are left before hitting the limit.
func (b *StepBudget) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if r := b.max - b.count; r > 0 {
		return r
	}

	return 0
}
