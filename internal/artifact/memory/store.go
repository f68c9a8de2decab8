// Package memory stores capture artifacts in-memory for tests and
// development.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/pixelproof/adcapture/internal/capture"
)

// Store holds artifacts in-memory and returns pseudo URIs.
type Store struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// New creates an in-memory artifact store.
func New() *Store {
	return &Store{data: make(map[string][]byte)}
}

// Put stores the content and returns a memory:// URI.
func (s *Store) Put(_ context.Context, path string, _ string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[path] = append([]byte(nil), data...)
	return fmt.Sprintf("memory://%s", path), nil
}

// Get returns a stored artifact for test assertions.
func (s *Store) Get(path string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[path]
	return data, ok
}

// Len returns the number of stored artifacts.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

var _ capture.ArtifactStore = (*Store)(nil)
