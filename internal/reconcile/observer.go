package reconcile

// Observer receives progress notifications from a reconciler. Implementations
// must be safe for concurrent use; reconcilers of different backends run in
// parallel.
type Observer interface {
	// Transition is called for every committed state change.
	Transition(backend, instance, from, to string)
	// Terminal is called once the reconciler settles in a state with no
	// outgoing transition for the current tick.
	Terminal(backend, instance, state string)
	// AttemptsRemaining reports the retry budget after it changed.
	AttemptsRemaining(backend, instance string, remaining int)
}

// NopObserver discards all notifications.
type NopObserver struct{}

func (NopObserver) Transition(string, string, string, string) {}
func (NopObserver) Terminal(string, string, string)           {}
func (NopObserver) AttemptsRemaining(string, string, int)     {}

// ObserverOrNop returns o, or a NopObserver when o is nil.
func ObserverOrNop(o Observer) Observer {
	if o == nil {
		return NopObserver{}
	}
	return o
}
