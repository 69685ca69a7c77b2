package crawler

import (
	"context"
	"sync"
	"time"
)

// BlockTracker counts consecutive blocked batches and trips once a threshold
// is reached. A threshold <= 0 never trips.
type BlockTracker struct {
	mu          sync.Mutex
	threshold   int
	consecutive int
}

// NewBlockTracker returns a tracker tripping after threshold blocked batches
// in a row.
func NewBlockTracker(threshold int) *BlockTracker {
	return &BlockTracker{threshold: threshold}
}

// Record registers the outcome of a batch and returns the current streak of
// blocked batches and whether the threshold is reached.
func (b *BlockTracker) Record(blocked bool) (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !blocked {
		b.consecutive = 0
		return 0, false
	}
	b.consecutive++
	return b.consecutive, b.threshold > 0 && b.consecutive >= b.threshold
}

// Consecutive returns the current streak.
func (b *BlockTracker) Consecutive() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutive
}

// Sleeper abstracts waiting so schedules can be driven by tests.
type Sleeper interface {
	Sleep(ctx context.Context, delay time.Duration) error
}
