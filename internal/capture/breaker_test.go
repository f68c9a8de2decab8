package capture

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1000, 0)}
	b := NewCircuitBreaker(BreakerConfig{
		FailureThreshold: 3,
		Window:           time.Minute,
		ResetTimeout:     30 * time.Second,
	}, clock)

	fail := errors.New("bridge down")
	for i := 0; i < 3; i++ {
		require.True(t, b.Allow())
		b.Record(fail)
	}
	require.False(t, b.Allow(), "breaker should be open")
}

func TestBreakerHalfOpenProbeRecovers(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1000, 0)}
	b := NewCircuitBreaker(BreakerConfig{
		FailureThreshold: 2,
		Window:           time.Minute,
		ResetTimeout:     10 * time.Second,
	}, clock)

	fail := errors.New("bridge down")
	b.Record(fail)
	b.Record(fail)
	require.False(t, b.Allow())

	clock.Advance(11 * time.Second)
	require.True(t, b.Allow(), "reset timeout elapsed, probe admitted")
	require.False(t, b.Allow(), "only one probe while half-open")

	b.Record(nil)
	require.True(t, b.Allow(), "success closes the breaker")
}

func TestBreakerHalfOpenProbeFailureReopens(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1000, 0)}
	b := NewCircuitBreaker(BreakerConfig{
		FailureThreshold: 2,
		Window:           time.Minute,
		ResetTimeout:     10 * time.Second,
	}, clock)

	fail := errors.New("bridge down")
	b.Record(fail)
	b.Record(fail)
	clock.Advance(11 * time.Second)
	require.True(t, b.Allow())
	b.Record(fail)
	require.False(t, b.Allow(), "failed probe reopens immediately")
}

func TestBreakerWindowResetsStreak(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1000, 0)}
	b := NewCircuitBreaker(BreakerConfig{
		FailureThreshold: 2,
		Window:           5 * time.Second,
		ResetTimeout:     10 * time.Second,
	}, clock)

	fail := errors.New("bridge down")
	b.Record(fail)
	clock.Advance(6 * time.Second)
	b.Record(fail)
	require.True(t, b.Allow(), "failures outside the window are not a streak")
}

func TestBreakerDo(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1000, 0)}
	b := NewCircuitBreaker(BreakerConfig{FailureThreshold: 1}, clock)

	require.Error(t, b.Do(func() error { return errors.New("boom") }))
	require.ErrorIs(t, b.Do(func() error { return nil }), ErrCircuitOpen)
}
