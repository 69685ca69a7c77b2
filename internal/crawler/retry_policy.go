package crawler

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// BlockBackoff grows the extra wait after consecutive blocked batches with
// jittered exponential delays. A zero base disables it.
type BlockBackoff struct {
	baseDelay time.Duration
	maxDelay  time.Duration
}

// NewBlockBackoff builds a policy; max <= 0 means base * 2^6.
func NewBlockBackoff(base, maxDelay time.Duration) *BlockBackoff {
	if base < 0 {
		base = 0
	}
	if maxDelay <= 0 {
		maxDelay = base * 64
	}
	return &BlockBackoff{baseDelay: base, maxDelay: maxDelay}
}

// Enabled reports whether any extra delay is applied.
func (p *BlockBackoff) Enabled() bool {
	return p != nil && p.baseDelay > 0
}

// Backoff returns the wait after the given number of consecutive blocked
// batches (1 for the first). The result lies in [d/2, d) where d is
// base * 2^(consecutive-1) clamped to max.
func (p *BlockBackoff) Backoff(consecutive int) time.Duration {
	if !p.Enabled() || consecutive <= 0 {
		return 0
	}
	delay := float64(p.baseDelay) * math.Pow(2, float64(consecutive-1))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	jitter := p.randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

func (p *BlockBackoff) randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
