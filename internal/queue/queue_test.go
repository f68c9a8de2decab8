package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pixelproof/adcapture/internal/capture"
	"github.com/pixelproof/adcapture/internal/clock/system"
)

func newTestQueue(t *testing.T, cfg Config) *Queue {
	t.Helper()
	if cfg.Name == "" {
		cfg.Name = "test"
	}
	q := New(cfg, system.New())
	t.Cleanup(q.Close)
	return q
}

func TestDequeuePriorityOrdering(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t, Config{MaxAttempts: 1})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, capture.Job{ID: "low"}, capture.PriorityLow, 0))
	require.NoError(t, q.Enqueue(ctx, capture.Job{ID: "normal"}, capture.PriorityNormal, 0))
	require.NoError(t, q.Enqueue(ctx, capture.Job{ID: "high"}, capture.PriorityHigh, 0))

	for _, want := range []string{"high", "normal", "low"} {
		d, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.Equal(t, want, d.Job().ID)
		d.Ack()
	}
}

func TestDequeueFIFOWithinPriority(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t, Config{MaxAttempts: 1})
	ctx := context.Background()

	for _, id := range []string{"first", "second", "third"} {
		require.NoError(t, q.Enqueue(ctx, capture.Job{ID: id}, capture.PriorityNormal, 0))
	}
	for _, want := range []string{"first", "second", "third"} {
		d, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.Equal(t, want, d.Job().ID)
		d.Ack()
	}
}

func TestDelayedJobsNotDeliveredEarly(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t, Config{MaxAttempts: 1})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, capture.Job{ID: "delayed"}, capture.PriorityHigh, 80*time.Millisecond))
	require.NoError(t, q.Enqueue(ctx, capture.Job{ID: "ready"}, capture.PriorityLow, 0))

	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "ready", d.Job().ID, "delayed high-priority job must not jump the line before its delay")
	d.Ack()

	start := time.Now()
	d, err = q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "delayed", d.Job().ID)
	require.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	d.Ack()
}

func TestNackRequeuesWithBackoffUntilExhausted(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t, Config{
		MaxAttempts: 3,
		BackoffBase: time.Millisecond,
	})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, capture.Job{ID: "j"}, capture.PriorityNormal, 0))

	attempts := 0
	for {
		d, err := q.Dequeue(ctx)
		require.NoError(t, err)
		attempts++
		if d.Nack() {
			continue
		}
		break
	}
	require.Equal(t, 3, attempts)

	stats := q.Stats()
	require.Equal(t, 1, stats.Failed)
	require.Zero(t, stats.Active)
	require.Zero(t, stats.Waiting)
}

func TestDeliverySettlementIdempotent(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t, Config{MaxAttempts: 3, BackoffBase: time.Millisecond})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, capture.Job{ID: "j"}, capture.PriorityNormal, 0))
	d, err := q.Dequeue(ctx)
	require.NoError(t, err)

	d.Ack()
	require.False(t, d.Nack(), "nack after ack must not double-count")
	d.Ack()

	stats := q.Stats()
	require.Equal(t, 1, stats.Completed)
	require.Zero(t, stats.Failed)
	require.Zero(t, stats.Active)
}

func TestPauseStopsDispatchWithoutDroppingJobs(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t, Config{MaxAttempts: 1})
	ctx := context.Background()

	q.Pause()
	require.NoError(t, q.Enqueue(ctx, capture.Job{ID: "j"}, capture.PriorityNormal, 0))

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err := q.Dequeue(waitCtx)
	require.Error(t, err, "paused queue must not deliver")

	q.Resume()
	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "j", d.Job().ID)
	d.Ack()
}

func TestStatsCounters(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t, Config{MaxAttempts: 1})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, capture.Job{ID: "a"}, capture.PriorityNormal, 0))
	require.NoError(t, q.Enqueue(ctx, capture.Job{ID: "b"}, capture.PriorityNormal, 0))
	require.NoError(t, q.Enqueue(ctx, capture.Job{ID: "c"}, capture.PriorityNormal, time.Minute))

	stats := q.Stats()
	require.Equal(t, 2, stats.Waiting)
	require.Equal(t, 1, stats.Delayed)

	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	stats = q.Stats()
	require.Equal(t, 1, stats.Waiting)
	require.Equal(t, 1, stats.Active)
	d.Fail()

	stats = q.Stats()
	require.Zero(t, stats.Active)
	require.Equal(t, 1, stats.Failed)
}

func TestPurgeOld(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t, Config{MaxAttempts: 1})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, capture.Job{ID: "a"}, capture.PriorityNormal, 0))
	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	d.Ack()

	require.Zero(t, q.PurgeOld(time.Hour, time.Hour), "fresh entries survive")
	time.Sleep(5 * time.Millisecond)
	require.Equal(t, 1, q.PurgeOld(time.Millisecond, time.Millisecond))
	require.Zero(t, q.Stats().Completed)
}

func TestDequeueHonorsContext(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t, Config{MaxAttempts: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClosedQueueRejectsOperations(t *testing.T) {
	t.Parallel()

	q := New(Config{Name: "closing"}, system.New())
	q.Close()
	require.ErrorIs(t, q.Enqueue(context.Background(), capture.Job{ID: "x"}, capture.PriorityLow, 0), ErrClosed)
	_, err := q.Dequeue(context.Background())
	require.ErrorIs(t, err, ErrClosed)
	q.Close() // second close is a no-op
}
