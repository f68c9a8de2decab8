package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWaitUnlimitedByDefault(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 50; i++ {
		require.NoError(t, l.Wait(ctx, "https://example.com/page"))
	}
	require.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestWaitThrottlesPerHost(t *testing.T) {
	t.Parallel()

	l := New(Config{QPS: 20, Burst: 1})
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Wait(ctx, "https://slow.example.com/ad"))
	}
	// Two refills at 20 QPS is at least 100ms of waiting.
	require.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestHostsTrackedIndependently(t *testing.T) {
	t.Parallel()

	l := New(Config{QPS: 1, Burst: 1})
	ctx := context.Background()

	// One token each; distinct hosts must not contend.
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://a.example.com/"))
	require.NoError(t, l.Wait(ctx, "https://b.example.com/"))
	require.Less(t, time.Since(start), 500*time.Millisecond)
	require.Equal(t, 2, l.Hosts())
}

func TestWaitHonorsContext(t *testing.T) {
	t.Parallel()

	l := New(Config{QPS: 0.1, Burst: 1})
	ctx := context.Background()
	require.NoError(t, l.Wait(ctx, "https://c.example.com/"))

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	require.Error(t, l.Wait(short, "https://c.example.com/"))
}

func TestUnparseableURLStillLimited(t *testing.T) {
	t.Parallel()

	l := New(Config{QPS: 100, Burst: 1})
	require.NoError(t, l.Wait(context.Background(), "::not-a-url::"))
	require.Equal(t, 1, l.Hosts())
}
