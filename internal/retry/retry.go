// Package retry implements the agent's default retry policy: exponential
// backoff with jitter, a fixed attempt ceiling, and caller-defined
// retryability.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// Policy describes a retry schedule.
type Policy struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

// DefaultPolicy returns the standard agent retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:       5,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// Permanent wraps an error that must not be retried.
type Permanent struct {
	Err error
}

func (p *Permanent) Error() string { return p.Err.Error() }
func (p *Permanent) Unwrap() error { return p.Err }

// MarkPermanent marks err as non-retryable.
func MarkPermanent(err error) error {
	if err == nil {
		return nil
	}
	return &Permanent{Err: err}
}

// Do executes fn under the policy. It stops early on context cancellation or
// when fn returns a Permanent error, and reports the last error once all
// attempts are exhausted. onRetry, when non-nil, is invoked before each
// re-attempt.
func Do(ctx context.Context, policy Policy, operation string, fn func() error, onRetry func(attempt int, err error)) error {
	var lastErr error
	backoff := policy.InitialBackoff

	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			if onRetry != nil {
				onRetry(attempt, lastErr)
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(jittered(backoff)):
			}

			backoff = time.Duration(float64(backoff) * policy.BackoffMultiplier)
			if backoff > policy.MaxBackoff {
				backoff = policy.MaxBackoff
			}
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		var perm *Permanent
		if errors.As(lastErr, &perm) {
			return perm.Err
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operation, policy.MaxAttempts, lastErr)
}

// jittered returns d scaled by a random factor in [0.5, 1.5).
func jittered(d time.Duration) time.Duration {
	return time.Duration(float64(d) * (0.5 + rand.Float64()))
}
