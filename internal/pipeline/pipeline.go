// Package pipeline orchestrates ad capture end to end: batch ingestion,
// queue-driven worker pools, the per-job capture state machine, upload
// handoff, and batch aggregation.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pixelproof/adcapture/internal/capture"
	"github.com/pixelproof/adcapture/internal/metrics"
	"github.com/pixelproof/adcapture/internal/queue"
	"github.com/pixelproof/adcapture/internal/ratelimit"
)

// Config tunes the pipeline.
type Config struct {
	// PreCaptureDelay is a settle pause between readiness and capture.
	PreCaptureDelay time.Duration `mapstructure:"pre_capture_delay"`
	// RenderPollInterval and RenderPollTimeout bound the post-injection
	// render wait. Exhausting the timeout is a soft failure: the capture
	// proceeds with whatever rendered.
	RenderPollInterval time.Duration `mapstructure:"render_poll_interval"`
	RenderPollTimeout  time.Duration `mapstructure:"render_poll_timeout"`
	// BridgeWait bounds the overlay-renderer round trip before the direct
	// capture fallback.
	BridgeWait time.Duration `mapstructure:"bridge_wait"`
	// BatchTimeout force-finalizes batches with unaccounted jobs.
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	// UseRetryQueue moves capture-exhausted retryable jobs onto the retry
	// queue instead of failing them terminally.
	UseRetryQueue bool `mapstructure:"use_retry_queue"`
	// ProbeEnabled runs the HTTP preflight before each session.
	ProbeEnabled bool `mapstructure:"probe_enabled"`
	// DrainTimeout bounds Shutdown's wait for in-flight jobs.
	DrainTimeout time.Duration `mapstructure:"drain_timeout"`
	// UploadTopic is the handoff notification topic.
	UploadTopic string `mapstructure:"upload_topic"`
}

func (c *Config) applyDefaults() {
	if c.PreCaptureDelay <= 0 {
		c.PreCaptureDelay = 500 * time.Millisecond
	}
	if c.RenderPollInterval <= 0 {
		c.RenderPollInterval = time.Second
	}
	if c.RenderPollTimeout <= 0 {
		c.RenderPollTimeout = 15 * time.Second
	}
	if c.BridgeWait <= 0 {
		c.BridgeWait = 15 * time.Second
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 30 * time.Minute
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
	if c.UploadTopic == "" {
		c.UploadTopic = "capture-handoff"
	}
}

// Deps carries the pipeline's collaborators.
type Deps struct {
	Queues    *queue.Manager
	Sessions  capture.SessionManager
	Driver    capture.Driver
	Bridge    capture.Bridge
	Artifacts capture.ArtifactStore
	Results   capture.ResultStore
	Publisher capture.Publisher
	Prober    capture.Prober
	Hasher    capture.Hasher
	Limiter   *ratelimit.Limiter
	Clock     capture.Clock
	IDs       capture.IDGenerator
	Logger    *zap.Logger
}

// Pipeline owns the worker pools and batch lifecycle.
type Pipeline struct {
	cfg     Config
	deps    Deps
	tracker *batchTracker
	breaker *capture.CircuitBreaker

	wg      sync.WaitGroup
	cancel  context.CancelFunc
	started bool
	mu      sync.Mutex
}

// New validates deps and builds a Pipeline.
func New(cfg Config, deps Deps) (*Pipeline, error) {
	cfg.applyDefaults()
	if deps.Queues == nil {
		return nil, fmt.Errorf("queue manager is required")
	}
	if deps.Sessions == nil || deps.Driver == nil {
		return nil, fmt.Errorf("session manager and driver are required")
	}
	if deps.Artifacts == nil || deps.Results == nil {
		return nil, fmt.Errorf("artifact and result stores are required")
	}
	if deps.Clock == nil || deps.IDs == nil {
		return nil, fmt.Errorf("clock and id generator are required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	metrics.Init()
	return &Pipeline{
		cfg:     cfg,
		deps:    deps,
		tracker: newBatchTracker(deps.Results, deps.Clock, cfg.BatchTimeout, deps.Logger),
		breaker: capture.NewCircuitBreaker(capture.BreakerConfig{}, deps.Clock),
	}, nil
}

// Start launches the capture, upload and retry worker pools.
func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	captureWorkers := p.deps.Queues.Capture().Concurrency()
	if captureWorkers <= 0 {
		captureWorkers = 1
	}
	for i := 0; i < captureWorkers; i++ {
		p.spawn(runCtx, fmt.Sprintf("capture-%d", i), p.deps.Queues.Capture(), p.handleCapture)
	}
	uploadWorkers := p.deps.Queues.Upload().Concurrency()
	if uploadWorkers <= 0 {
		uploadWorkers = 1
	}
	for i := 0; i < uploadWorkers; i++ {
		p.spawn(runCtx, fmt.Sprintf("upload-%d", i), p.deps.Queues.Upload(), p.handleUpload)
	}
	retryWorkers := p.deps.Queues.Retry().Concurrency()
	if retryWorkers <= 0 {
		retryWorkers = 1
	}
	for i := 0; i < retryWorkers; i++ {
		p.spawn(runCtx, fmt.Sprintf("retry-%d", i), p.deps.Queues.Retry(), p.handleCapture)
	}

	p.wg.Add(1)
	go p.gaugeLoop(runCtx)

	p.deps.Logger.Info("pipeline started",
		zap.Int("capture_workers", captureWorkers),
		zap.Int("upload_workers", uploadWorkers),
		zap.Int("retry_workers", retryWorkers),
	)
}

// spawn runs a dequeue loop feeding deliveries into handle.
func (p *Pipeline) spawn(ctx context.Context, name string, q *queue.Queue, handle func(context.Context, *queue.Delivery)) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		logger := p.deps.Logger.With(zap.String("worker", name))
		for {
			d, err := q.Dequeue(ctx)
			if err != nil {
				if ctx.Err() == nil && err != queue.ErrClosed {
					logger.Warn("dequeue failed", zap.Error(err))
				}
				return
			}
			handle(ctx, d)
		}
	}()
}

// gaugeLoop samples queue depth gauges and periodically purges old terminal
// job records so queue memory stays bounded.
func (p *Pipeline) gaugeLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	purge := time.NewTicker(10 * time.Minute)
	defer purge.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name, stats := range p.deps.Queues.StatsAll() {
				metrics.SetQueueDepth(name, "waiting", stats.Waiting)
				metrics.SetQueueDepth(name, "active", stats.Active)
				metrics.SetQueueDepth(name, "delayed", stats.Delayed)
				metrics.SetQueueDepth(name, "failed", stats.Failed)
			}
		case <-purge.C:
			if n := p.deps.Queues.PurgeOld(time.Hour, 24*time.Hour); n > 0 {
				p.deps.Logger.Debug("purged terminal jobs", zap.Int("count", n))
			}
		}
	}
}

// Submit normalizes, deduplicates and enqueues a batch of records, returning
// the batch ID. Records whose selector encoding cannot be parsed fail
// immediately without consuming a queue slot.
func (p *Pipeline) Submit(ctx context.Context, records []capture.AdRecord, priority capture.Priority) (string, error) {
	if len(records) == 0 {
		return "", fmt.Errorf("batch is empty")
	}
	batchID, err := p.deps.IDs.NewID()
	if err != nil {
		return "", fmt.Errorf("batch id: %w", err)
	}

	records = capture.DedupeRecords(records)

	jobs := make([]capture.Job, 0, len(records))
	var rejected []capture.BatchError
	now := p.deps.Clock.Now()
	for _, record := range records {
		normalized, err := capture.NormalizeRecord(record)
		if err != nil {
			rejected = append(rejected, capture.BatchError{
				Record: record,
				Class:  capture.Classify(err),
				Error:  err.Error(),
			})
			continue
		}
		jobID, err := p.deps.IDs.NewID()
		if err != nil {
			return "", fmt.Errorf("job id: %w", err)
		}
		jobs = append(jobs, capture.Job{
			ID:        jobID,
			BatchID:   batchID,
			Record:    normalized,
			Priority:  priority,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}

	p.tracker.Register(batchID, len(jobs)+len(rejected))
	for _, re := range rejected {
		p.deps.Logger.Warn("record rejected at ingestion",
			zap.String("batch_id", batchID),
			zap.String("record", re.Record.Key()),
			zap.String("class", string(re.Class)),
		)
		p.tracker.Failure(batchID, re)
	}
	if err := p.deps.Queues.EnqueueBatch(ctx, jobs, priority); err != nil {
		return "", fmt.Errorf("enqueue batch %s: %w", batchID, err)
	}

	p.deps.Logger.Info("batch submitted",
		zap.String("batch_id", batchID),
		zap.Int("jobs", len(jobs)),
		zap.Int("rejected", len(rejected)),
		zap.Int("priority", int(priority)),
	)
	return batchID, nil
}

// WaitForBatch blocks until the batch finalizes or ctx finishes.
func (p *Pipeline) WaitForBatch(ctx context.Context, batchID string) (capture.BatchResult, error) {
	return p.tracker.Wait(ctx, batchID)
}

// BatchSnapshot returns the in-flight view of a batch.
func (p *Pipeline) BatchSnapshot(batchID string) (BatchSnapshot, bool) {
	return p.tracker.Snapshot(batchID)
}

// QueueStats exposes per-queue counters.
func (p *Pipeline) QueueStats() map[string]queue.Stats {
	return p.deps.Queues.StatsAll()
}

// Pause suspends dispatch on all queues.
func (p *Pipeline) Pause() { p.deps.Queues.PauseAll() }

// Resume re-enables dispatch on all queues.
func (p *Pipeline) Resume() { p.deps.Queues.ResumeAll() }

// Shutdown pauses intake, waits for in-flight jobs up to the drain timeout,
// then stops the workers and closes the queues.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	cancel := p.cancel
	started := p.started
	p.mu.Unlock()
	if !started {
		return nil
	}

	p.deps.Queues.PauseAll()

	deadline := p.deps.Clock.Now().Add(p.cfg.DrainTimeout)
	for p.deps.Queues.ActiveTotal() > 0 && p.deps.Clock.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return fmt.Errorf("shutdown canceled: %w", ctx.Err())
		case <-time.After(50 * time.Millisecond):
		}
	}
	if n := p.deps.Queues.ActiveTotal(); n > 0 {
		p.deps.Logger.Warn("drain timeout with jobs in flight", zap.Int("active", n))
	}

	if cancel != nil {
		cancel()
	}
	p.deps.Queues.Close()
	p.wg.Wait()
	p.deps.Logger.Info("pipeline stopped")
	return nil
}
