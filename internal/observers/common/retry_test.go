package common

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetryConfig(maxRetries int) RetryConfig {
	cfg := DefaultRetryConfig()
	cfg.MaxRetries = maxRetries
	cfg.InitialDelay = time.Millisecond
	cfg.MaxDelay = 2 * time.Millisecond
	cfg.Jitter = 0
	return cfg
}

func TestRetryManager_Execute(t *testing.T) {
	t.Run("succeeds after transient failures", func(t *testing.T) {
		rm := NewRetryManager(fastRetryConfig(3))
		calls := 0
		err := rm.Execute(context.Background(), func(ctx context.Context) error {
			calls++
			if calls < 3 {
				return errors.New("iostat exited 1")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		rm := NewRetryManager(fastRetryConfig(2))
		boom := errors.New("boom")
		calls := 0
		err := rm.Execute(context.Background(), func(ctx context.Context) error {
			calls++
			return boom
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 3, calls)
	})

	t.Run("non-retryable error stops immediately", func(t *testing.T) {
		rm := NewRetryManager(fastRetryConfig(5))
		calls := 0
		err := rm.Execute(context.Background(), func(ctx context.Context) error {
			calls++
			return context.Canceled
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "non-retryable")
		assert.Equal(t, 1, calls)
	})

	t.Run("cancelled context aborts backoff", func(t *testing.T) {
		cfg := fastRetryConfig(5)
		cfg.InitialDelay = time.Hour
		cfg.MaxDelay = time.Hour
		rm := NewRetryManager(cfg)

		ctx, cancel := context.WithCancel(context.Background())
		err := rm.Execute(ctx, func(ctx context.Context) error {
			cancel()
			return errors.New("first failure")
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestRetryManager_CalculateDelayIsCapped(t *testing.T) {
	cfg := fastRetryConfig(10)
	cfg.InitialDelay = 10 * time.Millisecond
	cfg.MaxDelay = 40 * time.Millisecond
	rm := NewRetryManager(cfg)

	assert.Equal(t, 10*time.Millisecond, rm.calculateDelay(0))
	assert.Equal(t, 20*time.Millisecond, rm.calculateDelay(1))
	assert.Equal(t, 40*time.Millisecond, rm.calculateDelay(5))
}

func TestCircuitBreaker(t *testing.T) {
	now := time.Unix(1000, 0)
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 2, SuccessThreshold: 1, Timeout: 10 * time.Second})
	cb.now = func() time.Time { return now }

	fail := errors.New("rejected")
	assert.ErrorIs(t, cb.Execute(func() error { return fail }), fail)
	assert.Equal(t, CircuitClosed, cb.GetState())
	assert.ErrorIs(t, cb.Execute(func() error { return fail }), fail)
	assert.Equal(t, CircuitOpen, cb.GetState())

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)

	now = now.Add(11 * time.Second)
	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, CircuitClosed, cb.GetState())

	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, "open", cb.GetState().String())
	cb.Reset()
	assert.Equal(t, CircuitClosed, cb.GetState())
}
