package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pixelproof/adcapture/internal/capture"
	"github.com/pixelproof/adcapture/internal/clock/system"
	storemem "github.com/pixelproof/adcapture/internal/store/memory"
)

func newTracker(t *testing.T, timeout time.Duration) (*batchTracker, *storemem.Store) {
	t.Helper()
	store := storemem.New()
	return newBatchTracker(store, system.New(), timeout, zap.NewNop()), store
}

func TestTrackerFinalizesWhenAllAccounted(t *testing.T) {
	t.Parallel()

	tr, store := newTracker(t, time.Minute)
	tr.Register("b1", 3)

	tr.Success("b1")
	tr.Success("b1")
	tr.Failure("b1", capture.BatchError{
		Record: capture.AdRecord{PID: "p", UID: "u"},
		Class:  capture.ClassNetwork,
		Error:  "connection refused",
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := tr.Wait(ctx, "b1")
	require.NoError(t, err)
	require.Equal(t, 3, result.TotalRecords)
	require.Equal(t, 2, result.SuccessCount)
	require.Equal(t, 1, result.ErrorCount)

	require.Eventually(t, func() bool { return len(store.Batches()) == 1 },
		2*time.Second, 10*time.Millisecond)
}

func TestTrackerEmptyBatchFinalizesImmediately(t *testing.T) {
	t.Parallel()

	tr, _ := newTracker(t, time.Minute)
	tr.Register("empty", 0)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	result, err := tr.Wait(ctx, "empty")
	require.NoError(t, err)
	require.Zero(t, result.TotalRecords)
}

func TestTrackerDeadlineFinalizesStuckBatch(t *testing.T) {
	t.Parallel()

	tr, _ := newTracker(t, 30*time.Millisecond)
	tr.Register("stuck", 5)
	tr.Success("stuck")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := tr.Wait(ctx, "stuck")
	require.NoError(t, err)
	require.Equal(t, 5, result.TotalRecords)
	require.Equal(t, 1, result.SuccessCount)
	require.Equal(t, 4, result.TotalRecords-result.SuccessCount)
}

func TestTrackerIgnoresEventsAfterFinalize(t *testing.T) {
	t.Parallel()

	tr, _ := newTracker(t, time.Minute)
	tr.Register("b2", 1)
	tr.Success("b2")
	tr.Success("b2") // late duplicate

	snap, ok := tr.Snapshot("b2")
	require.True(t, ok)
	require.True(t, snap.Finished)
	require.Equal(t, 1, snap.Succeeded)
}

func TestTrackerUnknownBatch(t *testing.T) {
	t.Parallel()

	tr, _ := newTracker(t, time.Minute)
	_, err := tr.Wait(context.Background(), "missing")
	require.Error(t, err)

	_, ok := tr.Snapshot("missing")
	require.False(t, ok)
}

func TestTrackerDropRemovesFinalizedOnly(t *testing.T) {
	t.Parallel()

	tr, _ := newTracker(t, time.Minute)
	tr.Register("open", 2)
	tr.Drop("open")
	_, ok := tr.Snapshot("open")
	require.True(t, ok, "unfinished batches must survive Drop")

	tr.Register("done", 0)
	tr.Drop("done")
	_, ok = tr.Snapshot("done")
	require.False(t, ok)
}
