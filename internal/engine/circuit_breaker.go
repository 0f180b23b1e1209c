package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/procflow/procflow/pkg/schema"
)

// breakerState is the lifecycle of one tool port.
type breakerState int

const (
	breakerClosed   breakerState = iota // calls flow normally
	breakerOpen                         // calls rejected until the cooldown elapses
	breakerHalfOpen                     // a limited number of trial calls allowed
)

func (s breakerState) String() string {
	switch s {
	case breakerClosed:
		return "closed"
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes the per-tool breakers.
type BreakerConfig struct {
	// Threshold is how many consecutive counted failures open the breaker.
	Threshold int
	// Cooldown is how long an open breaker rejects calls before trialing.
	Cooldown time.Duration
	// Trials is how many trial calls the half-open state admits.
	Trials int
}

// DefaultBreakerConfig returns the engine defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Threshold: 5,
		Cooldown:  30 * time.Second,
		Trials:    1,
	}
}

// toolBreaker tracks one external tool port.
type toolBreaker struct {
	state    breakerState
	failures int
	openedAt time.Time
	trials   int
}

// toolBreakers shields external tool ports behind per-tool breakers. Only
// failures the retry model treats as retryable count toward opening:
// infrastructure faults and timeouts signal a sick port, while validation
// and business failures say nothing about its health. Cancellation is the
// caller's doing and is never counted. One broken connector therefore stops
// being called for the cooldown without tripping on its callers' mistakes.
type toolBreakers struct {
	mu       sync.Mutex
	breakers map[string]*toolBreaker
	config   BreakerConfig
	clock    func() time.Time
}

func newToolBreakers(config BreakerConfig) *toolBreakers {
	return &toolBreakers{
		breakers: make(map[string]*toolBreaker),
		config:   config,
		clock:    time.Now,
	}
}

// Allow reports whether a call to the tool may proceed. An open breaker
// returns a circuit-open infrastructure error carrying the remaining
// cooldown; after the cooldown it admits up to Trials trial calls.
func (b *toolBreakers) Allow(tool string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	tb := b.get(tool)
	switch tb.state {
	case breakerClosed:
		return nil

	case breakerOpen:
		if elapsed := b.clock().Sub(tb.openedAt); elapsed >= b.config.Cooldown {
			tb.state = breakerHalfOpen
			tb.trials = 1
			return nil
		}
		return schema.NewErrorf(schema.CategoryInfrastructure, schema.ErrCodeCircuitOpen,
			"tool %q unavailable: %d consecutive failures, retry after cooldown", tool, tb.failures).
			WithDetails(map[string]any{
				"tool":               tool,
				"failures":           tb.failures,
				"state":              tb.state.String(),
				"cooldown_remaining": (b.config.Cooldown - b.clock().Sub(tb.openedAt)).String(),
			})

	case breakerHalfOpen:
		if tb.trials >= b.config.Trials {
			return schema.NewErrorf(schema.CategoryInfrastructure, schema.ErrCodeCircuitOpen,
				"tool %q is being retried after failures, try again shortly", tool)
		}
		tb.trials++
		return nil
	}

	return nil
}

// Observe folds one call outcome into the tool's breaker. A nil error
// closes and resets the breaker. Errors that the retry model would not
// retry, and cancellations, leave the breaker untouched.
func (b *toolBreakers) Observe(tool string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	tb := b.get(tool)
	if err == nil {
		tb.state = breakerClosed
		tb.failures = 0
		tb.trials = 0
		return
	}
	if errors.Is(err, context.Canceled) || !IsRetryableError(err) {
		return
	}

	tb.failures++
	tb.openedAt = b.clock()

	if tb.state == breakerHalfOpen || tb.failures >= b.config.Threshold {
		tb.state = breakerOpen
	}
}

// State returns the tool's current state, surfacing the cooldown expiry.
func (b *toolBreakers) State(tool string) breakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	tb := b.get(tool)
	if tb.state == breakerOpen && b.clock().Sub(tb.openedAt) >= b.config.Cooldown {
		tb.state = breakerHalfOpen
		tb.trials = 0
	}
	return tb.state
}

// Stats reports diagnostic counters for a tool.
func (b *toolBreakers) Stats(tool string) map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()

	tb := b.get(tool)
	return map[string]any{
		"tool":      tool,
		"state":     tb.state.String(),
		"failures":  tb.failures,
		"threshold": b.config.Threshold,
		"cooldown":  b.config.Cooldown.String(),
	}
}

// get returns the breaker for the tool, creating it closed. Callers hold mu.
func (b *toolBreakers) get(tool string) *toolBreaker {
	tb, ok := b.breakers[tool]
	if !ok {
		tb = &toolBreaker{state: breakerClosed}
		b.breakers[tool] = tb
	}
	return tb
}
