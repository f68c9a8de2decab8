package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pixelproof/adcapture/internal/capture"
	"github.com/pixelproof/adcapture/internal/metrics"
)

// batchState tracks one submitted batch until every expected job is
// accounted for or the batch deadline fires.
type batchState struct {
	id        string
	total     int
	started   time.Time
	successes int
	failures  []capture.BatchError
	timer     *time.Timer
	done      chan struct{}
	result    capture.BatchResult
	finalized bool
}

// BatchSnapshot is a point-in-time view of a batch in flight.
type BatchSnapshot struct {
	BatchID   string    `json:"batch_id"`
	Total     int       `json:"total"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	Finished  bool      `json:"finished"`
	StartedAt time.Time `json:"started_at"`
}

// batchTracker finalizes batches from completion events rather than polling:
// the terminating worker of a batch triggers aggregation directly, and a
// per-batch timer bounds how long a stuck batch can hold its state.
type batchTracker struct {
	store   capture.ResultStore
	clock   capture.Clock
	logger  *zap.Logger
	timeout time.Duration

	mu      sync.Mutex
	batches map[string]*batchState
}

func newBatchTracker(store capture.ResultStore, clock capture.Clock, timeout time.Duration, logger *zap.Logger) *batchTracker {
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &batchTracker{
		store:   store,
		clock:   clock,
		logger:  logger,
		timeout: timeout,
		batches: make(map[string]*batchState),
	}
}

// Register starts tracking a batch of total expected jobs. An empty batch
// finalizes immediately.
func (t *batchTracker) Register(batchID string, total int) {
	st := &batchState{
		id:      batchID,
		total:   total,
		started: t.clock.Now(),
		done:    make(chan struct{}),
	}
	st.timer = time.AfterFunc(t.timeout, func() {
		t.expire(batchID)
	})

	t.mu.Lock()
	t.batches[batchID] = st
	t.mu.Unlock()

	if total == 0 {
		t.mu.Lock()
		t.finalizeLocked(st, "completed")
		t.mu.Unlock()
	}
}

// Success records one successfully uploaded job.
func (t *batchTracker) Success(batchID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.batches[batchID]
	if !ok || st.finalized {
		return
	}
	st.successes++
	t.maybeFinalizeLocked(st)
}

// Failure records one terminally failed job.
func (t *batchTracker) Failure(batchID string, batchErr capture.BatchError) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.batches[batchID]
	if !ok || st.finalized {
		return
	}
	st.failures = append(st.failures, batchErr)
	t.maybeFinalizeLocked(st)
}

func (t *batchTracker) maybeFinalizeLocked(st *batchState) {
	if st.successes+len(st.failures) >= st.total {
		t.finalizeLocked(st, "completed")
	}
}

// expire force-finalizes a batch whose deadline fired with jobs still
// unaccounted for.
func (t *batchTracker) expire(batchID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.batches[batchID]
	if !ok || st.finalized {
		return
	}
	t.logger.Warn("batch deadline reached with jobs outstanding",
		zap.String("batch_id", batchID),
		zap.Int("expected", st.total),
		zap.Int("accounted", st.successes+len(st.failures)),
	)
	t.finalizeLocked(st, "timeout")
}

func (t *batchTracker) finalizeLocked(st *batchState, outcome string) {
	st.finalized = true
	st.timer.Stop()
	st.result = capture.BatchResult{
		BatchID:      st.id,
		TotalRecords: st.total,
		SuccessCount: st.successes,
		ErrorCount:   len(st.failures),
		Errors:       append([]capture.BatchError(nil), st.failures...),
		Duration:     t.clock.Now().Sub(st.started),
	}
	close(st.done)
	metrics.ObserveBatch(outcome)

	// Persist off the event path so a slow store cannot block workers.
	go func(result capture.BatchResult) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := t.store.SaveBatch(ctx, result); err != nil {
			t.logger.Error("persist batch result failed",
				zap.String("batch_id", result.BatchID), zap.Error(err))
		}
	}(st.result)

	t.logger.Info("batch finished",
		zap.String("batch_id", st.id),
		zap.String("outcome", outcome),
		zap.Int("total", st.result.TotalRecords),
		zap.Int("succeeded", st.result.SuccessCount),
		zap.Int("failed", st.result.ErrorCount),
		zap.Duration("duration", st.result.Duration),
	)
}

// Wait blocks until the batch finalizes or ctx finishes.
func (t *batchTracker) Wait(ctx context.Context, batchID string) (capture.BatchResult, error) {
	t.mu.Lock()
	st, ok := t.batches[batchID]
	t.mu.Unlock()
	if !ok {
		return capture.BatchResult{}, fmt.Errorf("unknown batch %s", batchID)
	}
	select {
	case <-st.done:
		t.mu.Lock()
		defer t.mu.Unlock()
		return st.result, nil
	case <-ctx.Done():
		return capture.BatchResult{}, fmt.Errorf("batch wait canceled: %w", ctx.Err())
	}
}

// Snapshot returns the current view of a batch.
func (t *batchTracker) Snapshot(batchID string) (BatchSnapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.batches[batchID]
	if !ok {
		return BatchSnapshot{}, false
	}
	return BatchSnapshot{
		BatchID:   st.id,
		Total:     st.total,
		Succeeded: st.successes,
		Failed:    len(st.failures),
		Finished:  st.finalized,
		StartedAt: st.started,
	}, true
}

// Drop removes a finalized batch from the tracker.
func (t *batchTracker) Drop(batchID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.batches[batchID]; ok && st.finalized {
		delete(t.batches, batchID)
	}
}
