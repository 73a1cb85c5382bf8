// Package retry provides bounded retries with deterministic jitter for
// transient gateway failures. Jitter is derived from stable inputs, not
// wall-clock randomness, so a replayed sequence of attempts schedules
// identically.
package retry

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// Policy bounds a retry sequence.
type Policy struct {
	BaseMs      int64 `json:"base_ms" yaml:"base_ms"`
	MaxMs       int64 `json:"max_ms" yaml:"max_ms"`
	MaxJitterMs int64 `json:"max_jitter_ms" yaml:"max_jitter_ms"`
	MaxAttempts int   `json:"max_attempts" yaml:"max_attempts"`
}

// DefaultPolicy suits settlement submissions: a handful of attempts, capped
// well below the billing interval.
func DefaultPolicy() Policy {
	return Policy{
		BaseMs:      200,
		MaxMs:       10000,
		MaxJitterMs: 500,
		MaxAttempts: 5,
	}
}

// Key identifies the operation being retried; it seeds the jitter.
type Key struct {
	Stream  string
	Command string
}

// Backoff returns the delay before attempt (zero-based) for key.
func Backoff(policy Policy, key Key, attempt int) time.Duration {
	factor := int64(1)
	if attempt > 0 {
		if attempt > 30 {
			// Avoid overflow, cap exponent
			factor = 1 << 30
		} else {
			factor = 1 << attempt
		}
	}

	baseDelay := policy.BaseMs * factor
	if baseDelay > policy.MaxMs {
		baseDelay = policy.MaxMs
	}

	return time.Duration(baseDelay+jitter(policy, key, attempt)) * time.Millisecond
}

// jitter is a PRF over the stable attempt identity.
func jitter(policy Policy, key Key, attempt int) int64 {
	if policy.MaxJitterMs <= 0 {
		return 0
	}

	seed := fmt.Sprintf("%s:%s:%d", key.Stream, key.Command, attempt)
	hash := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(hash[:8])

	return int64(basis % uint64(policy.MaxJitterMs)) //nolint:gosec // MaxJitterMs is always positive
}

// Do runs fn until it succeeds, fails non-retryably, or the policy is
// exhausted. retryable decides whether another attempt may run; callers that
// must confirm no partial success happened (check-before-retry) do that
// inside retryable and return false once a successor is observed.
func Do(ctx context.Context, policy Policy, key Key, retryable func(error) bool, fn func(context.Context) error) error {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(Backoff(policy, key, attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		err = fn(ctx)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
	}
	return err
}
