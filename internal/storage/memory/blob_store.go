// Package memory keeps snapshots in process memory, for dry runs and tests.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/JakeFAU/specscraper/internal/crawler"
)

// BlobStore stores artifacts in memory and returns memory:// URIs.
type BlobStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

var _ crawler.BlobStore = (*BlobStore)(nil)

// NewBlobStore creates a new in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{data: make(map[string][]byte)}
}

// PutObject keeps a copy of data under path.
func (s *BlobStore) PutObject(_ context.Context, path string, _ string, data []byte) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[path] = append([]byte(nil), data...)
	return "memory://" + path, nil
}

// Get returns the content stored under path.
func (s *BlobStore) Get(path string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[path]
	return data, ok
}

// Paths lists stored paths in lexical order.
func (s *BlobStore) Paths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.data))
	for p := range s.data {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}
