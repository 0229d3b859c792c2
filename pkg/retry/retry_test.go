package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig(attempts int) Config {
	return Config{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestRetry_Success(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastConfig(3), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient error")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetry_AllAttemptsFail(t *testing.T) {
	cause := errors.New("persistent error")
	attempts := 0
	err := Do(context.Background(), fastConfig(3), func() error {
		attempts++
		return cause
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed after 3 attempts")
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 3, attempts)
}

func TestRetry_PredicateStopsImmediately(t *testing.T) {
	terminal := errors.New("not found")
	cfg := fastConfig(5)
	cfg.Retryable = func(err error) bool { return !errors.Is(err, terminal) }

	attempts := 0
	err := Do(context.Background(), cfg, func() error {
		attempts++
		return terminal
	})

	assert.Same(t, terminal, err)
	assert.Equal(t, 1, attempts)
}

func TestRetry_NonRetryableOverridesPredicate(t *testing.T) {
	cfg := fastConfig(5)
	cfg.Retryable = func(error) bool { return true }

	attempts := 0
	err := Do(context.Background(), cfg, func() error {
		attempts++
		return NonRetryable(errors.New("bad input"))
	})

	assert.True(t, IsNonRetryable(err))
	assert.Equal(t, 1, attempts)
}

func TestRetry_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{MaxAttempts: 5, InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second}

	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	attempts := 0
	err := Do(ctx, cfg, func() error {
		attempts++
		return errors.New("error")
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "retry cancelled")
	assert.Less(t, attempts, 5)
}

func TestRetry_WithResult(t *testing.T) {
	attempts := 0
	n, err := DoWithResult(context.Background(), fastConfig(3), func() (int64, error) {
		attempts++
		if attempts == 1 {
			return 0, errors.New("short write")
		}
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, int64(42), n)
}

func TestRetry_InvalidConfig(t *testing.T) {
	err := Do(context.Background(), Config{InitialDelay: time.Second, MaxDelay: time.Millisecond}, func() error {
		return nil
	})
	assert.Error(t, err)

	err = Do(context.Background(), Config{Multiplier: -1}, func() error { return nil })
	assert.Error(t, err)
}

func TestRetry_ZeroAttemptsRunsOnce(t *testing.T) {
	attempts := 0
	_ = Do(context.Background(), Config{}, func() error {
		attempts++
		return errors.New("x")
	})
	assert.Equal(t, 1, attempts)
}

func TestPresets(t *testing.T) {
	assert.Equal(t, 3, DefaultConfig().MaxAttempts)
	assert.Equal(t, 10, Quick().MaxAttempts)
}

func TestConfig_PauseGrowth(t *testing.T) {
	cfg := Config{MaxDelay: 300 * time.Millisecond, Multiplier: 2}

	wait, next := cfg.pause(100 * time.Millisecond)
	assert.Equal(t, 100*time.Millisecond, wait, "no jitter requested")
	assert.Equal(t, 200*time.Millisecond, next)

	_, next = cfg.pause(next)
	assert.Equal(t, 300*time.Millisecond, next, "growth stops at MaxDelay")

	cfg.AddJitter = true
	wait, _ = cfg.pause(100 * time.Millisecond)
	assert.GreaterOrEqual(t, wait, 100*time.Millisecond)
	assert.Less(t, wait, 125*time.Millisecond)
}
