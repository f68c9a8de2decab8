package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/pixelproof/adcapture/internal/capture"
)

// Queue names used throughout the pipeline.
const (
	CaptureQueue = "capture"
	UploadQueue  = "upload"
	RetryQueue   = "retry"
)

// ManagerConfig carries the per-queue policies plus the batch stagger
// interval applied by EnqueueBatch.
type ManagerConfig struct {
	Capture      Config
	Upload       Config
	Retry        Config
	BatchStagger time.Duration
}

// DefaultManagerConfig returns the stock queue policies.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Capture: Config{
			Name:        CaptureQueue,
			Concurrency: 4,
			MaxAttempts: 3,
			BackoffBase: 2000 * time.Millisecond,
		},
		Upload: Config{
			Name:        UploadQueue,
			Concurrency: 2,
			MaxAttempts: 4,
			BackoffBase: 1500 * time.Millisecond,
		},
		Retry: Config{
			Name:         RetryQueue,
			Concurrency:  1,
			MaxAttempts:  2,
			BackoffBase:  5000 * time.Millisecond,
			FixedBackoff: true,
		},
		BatchStagger: 100 * time.Millisecond,
	}
}

// Manager owns the three pipeline queues.
type Manager struct {
	capture *Queue
	upload  *Queue
	retry   *Queue
	stagger time.Duration
}

// NewManager builds the capture, upload and retry queues.
func NewManager(cfg ManagerConfig, clock capture.Clock) *Manager {
	stagger := cfg.BatchStagger
	if stagger <= 0 {
		stagger = 100 * time.Millisecond
	}
	return &Manager{
		capture: New(cfg.Capture, clock),
		upload:  New(cfg.Upload, clock),
		retry:   New(cfg.Retry, clock),
		stagger: stagger,
	}
}

// Capture returns the capture queue.
func (m *Manager) Capture() *Queue { return m.capture }

// Upload returns the upload-handoff queue.
func (m *Manager) Upload() *Queue { return m.upload }

// Retry returns the dedicated retry queue.
func (m *Manager) Retry() *Queue { return m.retry }

// EnqueueBatch enqueues capture jobs with a stagger of index*interval so a
// batch does not hit the target sites all at once.
func (m *Manager) EnqueueBatch(ctx context.Context, jobs []capture.Job, priority capture.Priority) error {
	for i, job := range jobs {
		delay := time.Duration(i) * m.stagger
		if err := m.capture.Enqueue(ctx, job, priority, delay); err != nil {
			return fmt.Errorf("enqueue job %s: %w", job.ID, err)
		}
	}
	return nil
}

// EnqueueUpload hands a finished capture to the upload queue.
func (m *Manager) EnqueueUpload(ctx context.Context, job capture.Job, priority capture.Priority) error {
	job.Attempt = 0
	job.RetryCount = 0
	if err := m.upload.Enqueue(ctx, job, priority, 0); err != nil {
		return fmt.Errorf("enqueue upload %s: %w", job.ID, err)
	}
	return nil
}

// RequeueForRetry moves a capture-exhausted job onto the retry queue with
// the capped exponential delay min(1000ms * 2^retryCount, 30s). The attempt
// counter restarts for the retry queue's own budget.
func (m *Manager) RequeueForRetry(ctx context.Context, job capture.Job) error {
	delay := capture.Backoff(job.RetryCount)
	job.RetryCount++
	job.Attempt = 0
	job.Reclaimed = true
	if err := m.retry.Enqueue(ctx, job, job.Priority, delay); err != nil {
		return fmt.Errorf("requeue for retry %s: %w", job.ID, err)
	}
	return nil
}

// StatsAll returns per-queue snapshots keyed by queue name.
func (m *Manager) StatsAll() map[string]Stats {
	return map[string]Stats{
		CaptureQueue: m.capture.Stats(),
		UploadQueue:  m.upload.Stats(),
		RetryQueue:   m.retry.Stats(),
	}
}

// PauseAll stops dispatch on every queue without touching in-flight jobs.
func (m *Manager) PauseAll() {
	m.capture.Pause()
	m.upload.Pause()
	m.retry.Pause()
}

// ResumeAll re-enables dispatch on every queue.
func (m *Manager) ResumeAll() {
	m.capture.Resume()
	m.upload.Resume()
	m.retry.Resume()
}

// PurgeOld drops settled entries past their retention TTLs on all queues.
func (m *Manager) PurgeOld(completedTTL, failedTTL time.Duration) int {
	total := m.capture.PurgeOld(completedTTL, failedTTL)
	total += m.upload.PurgeOld(completedTTL, failedTTL)
	total += m.retry.PurgeOld(completedTTL, failedTTL)
	return total
}

// ActiveTotal sums in-flight deliveries across queues.
func (m *Manager) ActiveTotal() int {
	total := 0
	for _, s := range m.StatsAll() {
		total += s.Active
	}
	return total
}

// Close shuts all queues down.
func (m *Manager) Close() {
	m.capture.Close()
	m.upload.Close()
	m.retry.Close()
}
