// Package fsm provides a small delegate-driven finite state machine.
//
// The machine owns nothing but the current state. Every assignment is gated by
// the delegate's ShouldTransition verdict and, once committed, reported through
// DidTransition. DidTransition handlers may assign the next state on the same
// machine before returning, which is how reconcilers chain their steps.
package fsm

import "sync"

type verdictKind int

const (
	verdictContinue verdictKind = iota
	verdictAbort
	verdictRedirect
)

// Verdict is the answer a delegate gives to a requested transition.
type Verdict[S any] struct {
	kind verdictKind
	next S
}

// Continue commits the requested state.
func Continue[S any]() Verdict[S] {
	return Verdict[S]{kind: verdictContinue}
}

// Abort discards the requested state; the machine keeps its current state.
func Abort[S any]() Verdict[S] {
	return Verdict[S]{kind: verdictAbort}
}

// Redirect commits the requested state and then requests next.
func Redirect[S any](next S) Verdict[S] {
	return Verdict[S]{kind: verdictRedirect, next: next}
}

// IsAbort reports whether the verdict discards the transition.
func (v Verdict[S]) IsAbort() bool { return v.kind == verdictAbort }

// IsRedirect reports whether the verdict redirects, and to which state.
func (v Verdict[S]) IsRedirect() (S, bool) {
	return v.next, v.kind == verdictRedirect
}

// Delegate gates and observes transitions of a Machine.
type Delegate[S any] interface {
	ShouldTransition(from, to S) Verdict[S]
	DidTransition(from, to S)
}

// Machine holds the current state of a delegate. The zero value is not usable;
// construct with New.
type Machine[S any] struct {
	mu       sync.RWMutex
	state    S
	delegate Delegate[S]
}

// New returns a machine in the initial state. The initial state is assigned
// directly and does not invoke the delegate.
func New[S any](initial S, delegate Delegate[S]) *Machine[S] {
	return &Machine[S]{
		state:    initial,
		delegate: delegate,
	}
}

// State returns the current state.
func (m *Machine[S]) State() S {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Set requests a transition to the given state. The lock is not held while the
// delegate runs, so handlers may call Set re-entrantly.
func (m *Machine[S]) Set(to S) {
	from := m.State()

	verdict := m.delegate.ShouldTransition(from, to)
	if verdict.IsAbort() {
		return
	}

	m.mu.Lock()
	m.state = to
	m.mu.Unlock()

	m.delegate.DidTransition(from, to)

	if next, ok := verdict.IsRedirect(); ok {
		m.Set(next)
	}
}
