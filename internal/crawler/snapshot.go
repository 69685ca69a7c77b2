package crawler

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

// SnapshotSink stores the HTML of pages that ended a batch or were dropped,
// so selectors and challenge pages can be inspected later.
type SnapshotSink struct {
	blobs    BlobStore
	hasher   Hasher
	clock    Clock
	prefix   string
	maxBytes int
}

// NewSnapshotSink returns a sink writing under prefix. maxBytes <= 0 disables
// the size check.
func NewSnapshotSink(blobs BlobStore, hasher Hasher, clock Clock, prefix string, maxBytes int) (*SnapshotSink, error) {
	if blobs == nil {
		return nil, errors.New("snapshot sink requires a blob store")
	}
	if hasher == nil {
		return nil, errors.New("snapshot sink requires a hasher")
	}
	if clock == nil {
		clock = wallClock{}
	}
	return &SnapshotSink{
		blobs:    blobs,
		hasher:   hasher,
		clock:    clock,
		prefix:   strings.Trim(prefix, "/"),
		maxBytes: maxBytes,
	}, nil
}

// Save writes page under <prefix>/<kind>/<yyyy-mm-dd>/<sha256>.html.
func (s *SnapshotSink) Save(ctx context.Context, kind OutcomeKind, page Page) (string, error) {
	if len(page.Body) == 0 {
		return "", fmt.Errorf("empty page body")
	}
	if s.maxBytes > 0 && len(page.Body) > s.maxBytes {
		return "", fmt.Errorf("page size %d exceeds max %d", len(page.Body), s.maxBytes)
	}
	sum, err := s.hasher.Hash(page.Body)
	if err != nil {
		return "", fmt.Errorf("hash snapshot: %w", err)
	}
	key := path.Join(s.prefix, string(kind), s.clock.Now().Format("2006-01-02"), sum+".html")
	uri, err := s.blobs.PutObject(ctx, key, "text/html; charset=utf-8", page.Body)
	if err != nil {
		return "", fmt.Errorf("store snapshot %s: %w", key, err)
	}
	return uri, nil
}
