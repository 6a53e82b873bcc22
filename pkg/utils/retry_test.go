package utils

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  time.Millisecond,
		MaxDelay:      4 * time.Millisecond,
		BackoffFactor: 2,
	}
}

func TestCalculateBackoff(t *testing.T) {
	base := 100 * time.Millisecond
	assert.Equal(t, 100*time.Millisecond, CalculateBackoff(0, base, 30*time.Second, 2))
	assert.Equal(t, 200*time.Millisecond, CalculateBackoff(1, base, 30*time.Second, 2))
	assert.Equal(t, 400*time.Millisecond, CalculateBackoff(2, base, 30*time.Second, 2))
	assert.Equal(t, 30*time.Second, CalculateBackoff(20, base, 30*time.Second, 2), "capped at max delay")
}

func TestRetryWithResult_SucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	got, err := RetryWithResult(context.Background(), fastRetryConfig(), func() (string, error) {
		attempts++
		if attempts < 3 {
			return "", errors.New("transient")
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, attempts)
}

func TestRetryWithResult_ExhaustsBudget(t *testing.T) {
	wantErr := errors.New("still down")
	attempts := 0
	_, err := RetryWithResult(context.Background(), fastRetryConfig(), func() (int, error) {
		attempts++
		return 0, wantErr
	})

	assert.ErrorIs(t, err, wantErr)
	assert.Equal(t, 3, attempts)
}

func TestRetryWithResult_ContextCancelled(t *testing.T) {
	cfg := fastRetryConfig()
	cfg.InitialDelay = time.Hour // the cancel must win the wait

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	_, err := RetryWithResult(ctx, cfg, func() (int, error) {
		attempts++
		cancel()
		return 0, errors.New("transient")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
}
