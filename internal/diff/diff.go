// Package diff classifies declared entities against what the secret store and
// a backend actually hold.
package diff

import "time"

// Kind is the classification of one declared entity.
type Kind string

const (
	// Present means the entity exists in the store and the backend and they agree.
	Present Kind = "present"
	// StoreOnly means the store holds a record the backend no longer honours.
	StoreOnly Kind = "storeOnly"
	// Absent means neither side knows the entity.
	Absent Kind = "absent"
	// ExpiringSoon means a token exists on both sides but is close to its TTL.
	ExpiringSoon Kind = "expiringSoon"
)

// ExpiryThreshold is the remaining TTL at or below which a token is rotated.
const ExpiryThreshold = 600 * time.Second

// Result carries a classification together with the declared entity it was
// computed for.
type Result[T any] struct {
	Kind Kind
	Spec T
}

// NeedsAction reports whether the result requires a create or rotate call.
func (r Result[T]) NeedsAction() bool {
	return r.Kind != Present
}

// Classify applies the store/backend presence rule.
func Classify(storePresent, backendPresent bool) Kind {
	switch {
	case !storePresent:
		return Absent
	case !backendPresent:
		return StoreOnly
	default:
		return Present
	}
}

// ClassifyToken is Classify with the TTL rule for tokens layered on top.
func ClassifyToken(storePresent, backendPresent bool, ttl time.Duration) Kind {
	kind := Classify(storePresent, backendPresent)
	if kind == Present && ttl <= ExpiryThreshold {
		return ExpiringSoon
	}
	return kind
}

// Count tallies results by kind.
func Count[T any](results []Result[T]) map[Kind]int {
	counts := make(map[Kind]int, 4)
	for _, r := range results {
		counts[r.Kind]++
	}
	return counts
}
