// Package memory keeps capture results in-memory for tests and development.
package memory

import (
	"context"
	"sync"

	"github.com/pixelproof/adcapture/internal/capture"
)

// SavedCapture pairs a job with its recorded result.
type SavedCapture struct {
	Job    capture.Job
	Result capture.CaptureResult
}

// Store records results in-memory.
type Store struct {
	mu       sync.RWMutex
	captures []SavedCapture
	batches  []capture.BatchResult
}

// New creates an in-memory result store.
func New() *Store {
	return &Store{}
}

func (s *Store) SaveCapture(_ context.Context, job capture.Job, result capture.CaptureResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.captures = append(s.captures, SavedCapture{Job: job, Result: result})
	return nil
}

func (s *Store) SaveBatch(_ context.Context, result capture.BatchResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, result)
	return nil
}

func (s *Store) Close() error { return nil }

// Captures returns the recorded capture results.
func (s *Store) Captures() []SavedCapture {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SavedCapture, len(s.captures))
	copy(out, s.captures)
	return out
}

// Batches returns the recorded batch aggregates.
func (s *Store) Batches() []capture.BatchResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]capture.BatchResult, len(s.batches))
	copy(out, s.batches)
	return out
}

var _ capture.ResultStore = (*Store)(nil)
