package capture

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoffMonotonic(t *testing.T) {
	t.Parallel()

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	prev := time.Duration(0)
	for i, expected := range want {
		got := Backoff(i)
		require.Equal(t, expected, got, "retry %d", i)
		require.GreaterOrEqual(t, got, prev)
		prev = got
	}
}

func TestWithRetrySucceedsAfterTransientFailures(t *testing.T) {
	t.Parallel()

	attempts := 0
	err := WithRetry(context.Background(), RetryConfig{
		MaxAttempts: 4,
		Delay:       time.Millisecond,
	}, func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("connection reset")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
}

func TestWithRetryStopsOnNonRetryable(t *testing.T) {
	t.Parallel()

	attempts := 0
	err := WithRetry(context.Background(), RetryConfig{
		MaxAttempts: 5,
		Delay:       time.Millisecond,
	}, func(context.Context) error {
		attempts++
		return NewError(ClassAuthentication, errors.New("denied"))
	})
	require.Error(t, err)
	require.Equal(t, 1, attempts)
	require.Equal(t, ClassAuthentication, Classify(err))
}

func TestWithRetryExhaustsAttempts(t *testing.T) {
	t.Parallel()

	attempts := 0
	err := WithRetry(context.Background(), RetryConfig{
		MaxAttempts: 3,
		Delay:       time.Millisecond,
	}, func(context.Context) error {
		attempts++
		return errors.New("still down")
	})
	require.Error(t, err)
	require.Equal(t, 3, attempts)
}

func TestWithRetryHonorsContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	attempts := 0
	err := WithRetry(ctx, RetryConfig{
		MaxAttempts: 3,
		Delay:       50 * time.Millisecond,
	}, func(context.Context) error {
		attempts++
		return errors.New("transient")
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, attempts)
}
