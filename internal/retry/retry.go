// Package retry wraps mutating backend calls with a small, fixed retry policy.
package retry

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/util/wait"
)

const (
	// DefaultAttempts is the total number of tries, including the first.
	DefaultAttempts = 3
	// DefaultDelay is the pause between tries.
	DefaultDelay = 2 * time.Second
)

// Policy configures Do. Non-positive Attempts falls back to DefaultAttempts and a
// negative Delay to DefaultDelay.
type Policy struct {
	Attempts int
	Delay    time.Duration
}

func (p Policy) backoff() wait.Backoff {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	delay := p.Delay
	if delay < 0 {
		delay = DefaultDelay
	}
	return wait.Backoff{
		Steps:    attempts,
		Duration: delay,
		Factor:   1.0,
	}
}

// Default returns the policy used for create and update calls.
func Default() Policy {
	return Policy{Attempts: DefaultAttempts, Delay: DefaultDelay}
}

// Do calls fn until it succeeds or the policy's attempts are used up. The error
// from the final attempt is returned. Cancellation of ctx stops further attempts,
// including one waiting out the delay.
//
// Only mutating calls go through Do; lookups report absence, which is not a
// condition a retry can fix.
func Do(ctx context.Context, logger logr.Logger, policy Policy, op string, fn func(context.Context) error) error {
	backoff := policy.backoff()
	attempts := backoff.Steps

	attempt := 0
	var lastErr error
	err := wait.ExponentialBackoffWithContext(ctx, backoff, func(ctx context.Context) (bool, error) {
		attempt++
		lastErr = fn(ctx)
		if lastErr == nil {
			return true, nil
		}
		if attempt < attempts && ctx.Err() == nil {
			logger.V(1).Info("Retrying call", "operation", op, "attempt", attempt, "error", lastErr.Error())
		}
		return false, nil
	})
	if err == nil {
		return nil
	}
	if lastErr != nil {
		return lastErr
	}
	return err
}
