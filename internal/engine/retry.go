package engine

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/procflow/procflow/internal/executors"
	"github.com/procflow/procflow/pkg/schema"
)

// IsRetryableError classifies whether a node failure should be retried.
// Only infrastructure and timeout categories retry; validation, data,
// authorization, and business errors are terminal on first occurrence.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// Per-node deadline exceeded is a timeout, retryable.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Context cancelled means the execution is shutting down.
	if errors.Is(err, context.Canceled) {
		return false
	}

	var pe *schema.ProcessError
	if errors.As(err, &pe) {
		return pe.IsRetryable()
	}

	// Untyped network errors count as infrastructure.
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// Unclassified errors are not retried. Executors wrap transient failures
	// in infrastructure-category ProcessErrors; anything else is terminal.
	return false
}

// ComputeBackoff calculates the delay before the next retry attempt.
// Supports none, constant, linear, and exponential backoff with an optional
// max_delay cap. Durations accept the day suffix ("1d").
func ComputeBackoff(policy *schema.RetryPolicy, attempt int) time.Duration {
	if policy == nil || policy.Delay == "" {
		return 0
	}

	base, err := executors.ParseDuration(policy.Delay)
	if err != nil {
		return 0
	}

	var delay time.Duration
	switch policy.Backoff {
	case "exponential":
		multiplier := time.Duration(1)
		for i := 0; i < attempt; i++ {
			multiplier *= 2
		}
		delay = base * multiplier
	case "linear":
		delay = base * time.Duration(attempt+1)
	case "constant":
		delay = base
	case "none":
		return 0
	default:
		delay = base
	}

	if policy.MaxDelay != "" {
		maxDelay, parseErr := executors.ParseDuration(policy.MaxDelay)
		if parseErr == nil && delay > maxDelay {
			delay = maxDelay
		}
	}

	return delay
}

// WaitForBackoff sleeps for the computed backoff or returns early if the
// context is cancelled.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
