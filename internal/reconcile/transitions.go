package reconcile

// Transitions lists, per source phase, the phases a reconciler may enter next.
type Transitions[P comparable] map[P][]P

// Allowed reports whether to is a declared successor of from.
func (t Transitions[P]) Allowed(from, to P) bool {
	for _, next := range t[from] {
		if next == to {
			return true
		}
	}
	return false
}
