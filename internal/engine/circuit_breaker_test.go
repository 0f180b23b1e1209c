package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procflow/procflow/pkg/schema"
)

func infraErr() error {
	return schema.NewError(schema.CategoryInfrastructure, schema.ErrCodeExecution, "connector unreachable")
}

func newTestBreakers(cfg BreakerConfig) (*toolBreakers, *time.Time) {
	b := newToolBreakers(cfg)
	now := time.Now()
	b.clock = func() time.Time { return now }
	return b, &now
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreakers(BreakerConfig{Threshold: 3, Cooldown: time.Minute, Trials: 1})

	for i := 0; i < 2; i++ {
		require.NoError(t, b.Allow("erp"))
		b.Observe("erp", infraErr())
	}
	assert.Equal(t, breakerClosed, b.State("erp"))

	b.Observe("erp", infraErr())
	assert.Equal(t, breakerOpen, b.State("erp"))

	err := b.Allow("erp")
	var pe *schema.ProcessError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, schema.ErrCodeCircuitOpen, pe.Code)
	assert.Equal(t, schema.CategoryInfrastructure, pe.Category)
}

func TestBreakerCountsOnlyRetryableCategories(t *testing.T) {
	b, _ := newTestBreakers(BreakerConfig{Threshold: 1, Cooldown: time.Minute, Trials: 1})

	b.Observe("erp", schema.NewError(schema.CategoryValidation, schema.ErrCodeInvalidConfig, "bad params"))
	b.Observe("erp", schema.NewError(schema.CategoryBusiness, schema.ErrCodeRejected, "declined"))
	assert.NoError(t, b.Allow("erp"))

	b.Observe("erp", schema.NewError(schema.CategoryTimeout, schema.ErrCodeTimeout, "deadline"))
	assert.Error(t, b.Allow("erp"))
}

func TestBreakerIgnoresCancellation(t *testing.T) {
	b, _ := newTestBreakers(BreakerConfig{Threshold: 1, Cooldown: time.Minute, Trials: 1})

	b.Observe("erp", context.Canceled)
	assert.NoError(t, b.Allow("erp"))
	assert.Equal(t, breakerClosed, b.State("erp"))
}

func TestBreakerIsolatesTools(t *testing.T) {
	b, _ := newTestBreakers(BreakerConfig{Threshold: 1, Cooldown: time.Minute, Trials: 1})

	b.Observe("erp", infraErr())
	assert.Error(t, b.Allow("erp"))
	assert.NoError(t, b.Allow("crm"))
}

func TestBreakerTrialAfterCooldown(t *testing.T) {
	b, now := newTestBreakers(BreakerConfig{Threshold: 1, Cooldown: time.Minute, Trials: 1})

	b.Observe("erp", infraErr())
	assert.Error(t, b.Allow("erp"))

	*now = now.Add(2 * time.Minute)

	// First call after the cooldown is the trial; the next waits on it.
	require.NoError(t, b.Allow("erp"))
	assert.Error(t, b.Allow("erp"))

	b.Observe("erp", nil)
	assert.Equal(t, breakerClosed, b.State("erp"))
	assert.NoError(t, b.Allow("erp"))
}

func TestBreakerTrialFailureReopens(t *testing.T) {
	b, now := newTestBreakers(BreakerConfig{Threshold: 1, Cooldown: time.Minute, Trials: 1})

	b.Observe("erp", infraErr())
	*now = now.Add(2 * time.Minute)
	require.NoError(t, b.Allow("erp"))

	b.Observe("erp", infraErr())
	assert.Equal(t, breakerOpen, b.State("erp"))
	assert.Error(t, b.Allow("erp"))
}

func TestBreakerSuccessResetsCount(t *testing.T) {
	b, _ := newTestBreakers(BreakerConfig{Threshold: 2, Cooldown: time.Minute, Trials: 1})

	b.Observe("erp", infraErr())
	b.Observe("erp", nil)
	b.Observe("erp", infraErr())
	assert.Equal(t, breakerClosed, b.State("erp"))

	stats := b.Stats("erp")
	assert.Equal(t, 1, stats["failures"])
}
