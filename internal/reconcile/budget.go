package reconcile

import "sync"

// Budget is a decrementing retry allowance owned by one reconciler instance.
type Budget struct {
	mu        sync.Mutex
	remaining int
}

// NewBudget returns a budget allowing n attempts at a failing step.
func NewBudget(n int) *Budget {
	if n < 0 {
		n = 0
	}
	return &Budget{remaining: n}
}

// Consume records one failed attempt and reports whether another attempt is allowed.
func (b *Budget) Consume() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.remaining > 0 {
		b.remaining--
	}
	return b.remaining > 0
}

// Remaining returns the number of attempts left.
func (b *Budget) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.remaining
}
