// Package queue implements the durable-store-shaped priority queues feeding
// the capture pipeline: priority ordering with FIFO ties, per-job delays,
// attempt accounting with backoff, pause/resume, and per-queue stats.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pixelproof/adcapture/internal/capture"
)

// ErrClosed is returned by operations on a closed queue.
var ErrClosed = errors.New("queue closed")

// Config controls one queue's retry policy. Concurrency is enforced by the
// worker pool draining the queue, not by the queue itself.
type Config struct {
	Name        string
	Concurrency int
	MaxAttempts int
	// BackoffBase seeds the retry delay. Exponential queues double it per
	// retry; fixed queues reuse it unchanged.
	BackoffBase time.Duration
	// FixedBackoff disables the exponential schedule.
	FixedBackoff bool
	// MaxBackoff caps the exponential schedule.
	MaxBackoff time.Duration
}

// Stats is a point-in-time snapshot of one queue.
type Stats struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Delayed   int `json:"delayed"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Queue is an in-memory priority queue with delayed delivery. Ready items
// are ordered by (priority desc, enqueue order asc); delayed items are
// promoted once their delay elapses.
type Queue struct {
	cfg   Config
	clock capture.Clock

	mu        sync.Mutex
	ready     readyHeap
	delayed   delayHeap
	seq       uint64
	active    int
	paused    bool
	closed    bool
	completed []settledEntry
	failed    []settledEntry

	// signal wakes blocked Dequeue callers after enqueue/resume; done is
	// closed exactly once on Close.
	signal chan struct{}
	done   chan struct{}
}

type settledEntry struct {
	jobID     string
	settledAt time.Time
}

// New constructs a Queue.
func New(cfg Config, clock capture.Clock) *Queue {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	return &Queue{
		cfg:    cfg,
		clock:  clock,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.cfg.Name }

// Concurrency returns the configured worker pool bound for this queue.
func (q *Queue) Concurrency() int { return q.cfg.Concurrency }

// Enqueue adds a job at the given priority, optionally delayed.
func (q *Queue) Enqueue(ctx context.Context, job capture.Job, priority capture.Priority, delay time.Duration) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("enqueue canceled: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	now := q.clock.Now()
	job.Priority = priority
	job.Delay = delay
	job.UpdatedAt = now
	if job.Attempt == 0 {
		job.Attempt = 1
	}
	q.seq++
	it := &item{job: job, priority: priority, seq: q.seq, readyAt: now.Add(delay)}
	if delay > 0 {
		heap.Push(&q.delayed, it)
	} else {
		heap.Push(&q.ready, it)
	}
	q.wake()
	return nil
}

// Dequeue blocks until a ready job is available, the queue closes, or the
// context finishes. Pausing stops delivery without affecting queued items.
func (q *Queue) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		now := q.clock.Now()
		q.promoteLocked(now)
		if !q.paused && q.ready.Len() > 0 {
			it := heap.Pop(&q.ready).(*item)
			q.active++
			q.mu.Unlock()
			return &Delivery{queue: q, job: it.job}, nil
		}
		var timer <-chan time.Time
		if !q.paused && q.delayed.Len() > 0 {
			wait := q.delayed[0].readyAt.Sub(now)
			if wait < 0 {
				wait = 0
			}
			timer = time.After(wait)
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-q.done:
			return nil, ErrClosed
		case <-q.signal:
		case <-timer:
		}
	}
}

// promoteLocked moves due delayed items onto the ready heap.
func (q *Queue) promoteLocked(now time.Time) {
	for q.delayed.Len() > 0 && !q.delayed[0].readyAt.After(now) {
		it := heap.Pop(&q.delayed).(*item)
		heap.Push(&q.ready, it)
	}
}

func (q *Queue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Pause stops delivery of new jobs; in-flight deliveries are unaffected.
func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
}

// Resume re-enables delivery.
func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
	q.wake()
}

// Paused reports whether delivery is currently suspended.
func (q *Queue) Paused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// Close rejects further operations and wakes blocked consumers.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.done)
	q.mu.Unlock()
}

// Stats returns a snapshot of queue counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.promoteLocked(q.clock.Now())
	return Stats{
		Waiting:   q.ready.Len(),
		Active:    q.active,
		Delayed:   q.delayed.Len(),
		Completed: len(q.completed),
		Failed:    len(q.failed),
	}
}

// PurgeOld drops completed entries older than completedTTL and failed
// entries older than failedTTL, returning how many were removed.
func (q *Queue) PurgeOld(completedTTL, failedTTL time.Duration) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.clock.Now()
	removed := 0
	q.completed, removed = purgeSettled(q.completed, now, completedTTL, removed)
	q.failed, removed = purgeSettled(q.failed, now, failedTTL, removed)
	return removed
}

func purgeSettled(entries []settledEntry, now time.Time, ttl time.Duration, removed int) ([]settledEntry, int) {
	if ttl <= 0 {
		return entries, removed
	}
	kept := entries[:0]
	for _, e := range entries {
		if now.Sub(e.settledAt) > ttl {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	return kept, removed
}

// Delivery is one dequeued job awaiting settlement. Ack and Nack are
// idempotent: only the first settlement of a delivery counts.
type Delivery struct {
	queue   *Queue
	job     capture.Job
	settled atomic.Bool
}

// Job returns the delivered job.
func (d *Delivery) Job() capture.Job { return d.job }

// Ack marks the job completed.
func (d *Delivery) Ack() {
	if !d.settled.CompareAndSwap(false, true) {
		return
	}
	q := d.queue
	q.mu.Lock()
	defer q.mu.Unlock()
	q.active--
	q.completed = append(q.completed, settledEntry{jobID: d.job.ID, settledAt: q.clock.Now()})
}

// Nack records a failed attempt. If the job has attempts remaining it is
// re-enqueued with the queue's backoff schedule and Nack returns true;
// otherwise the job is marked failed and Nack returns false.
func (d *Delivery) Nack() bool {
	if !d.settled.CompareAndSwap(false, true) {
		return false
	}
	q := d.queue
	q.mu.Lock()
	defer q.mu.Unlock()
	q.active--
	if q.closed {
		q.failed = append(q.failed, settledEntry{jobID: d.job.ID, settledAt: q.clock.Now()})
		return false
	}
	job := d.job
	if job.Attempt >= q.cfg.MaxAttempts {
		q.failed = append(q.failed, settledEntry{jobID: job.ID, settledAt: q.clock.Now()})
		return false
	}
	delay := q.backoff(job.RetryCount)
	job.Attempt++
	job.RetryCount++
	job.Delay = delay
	job.UpdatedAt = q.clock.Now()
	q.seq++
	heap.Push(&q.delayed, &item{
		job:      job,
		priority: job.Priority,
		seq:      q.seq,
		readyAt:  q.clock.Now().Add(delay),
	})
	q.wake()
	return true
}

// Fail marks the job terminally failed without re-enqueueing, regardless of
// remaining attempts.
func (d *Delivery) Fail() {
	if !d.settled.CompareAndSwap(false, true) {
		return
	}
	q := d.queue
	q.mu.Lock()
	defer q.mu.Unlock()
	q.active--
	q.failed = append(q.failed, settledEntry{jobID: d.job.ID, settledAt: q.clock.Now()})
}

func (q *Queue) backoff(retryCount int) time.Duration {
	if q.cfg.FixedBackoff {
		return q.cfg.BackoffBase
	}
	delay := q.cfg.BackoffBase << uint(retryCount)
	if delay > q.cfg.MaxBackoff || delay <= 0 {
		return q.cfg.MaxBackoff
	}
	return delay
}

// item is a heap entry; ordering is priority desc then seq asc for the
// ready heap and readyAt asc for the delayed heap.
type item struct {
	job      capture.Job
	priority capture.Priority
	seq      uint64
	readyAt  time.Time
}

type readyHeap []*item

func (h readyHeap) Len() int { return len(h) }
func (h readyHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h readyHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *readyHeap) Push(x any)         { *h = append(*h, x.(*item)) }
func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

type delayHeap []*item

func (h delayHeap) Len() int            { return len(h) }
func (h delayHeap) Less(i, j int) bool  { return h[i].readyAt.Before(h[j].readyAt) }
func (h delayHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *delayHeap) Push(x any)         { *h = append(*h, x.(*item)) }
func (h *delayHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}
