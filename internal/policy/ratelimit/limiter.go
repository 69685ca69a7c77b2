// Package ratelimit spaces out requests per domain with a token bucket.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/specscraper/internal/metrics"
)

// Limiter manages per-domain polite delays. It implements crawler.Pacer.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	interval rate.Limit
	burst    int
}

// Config holds rate limiter configuration.
type Config struct {
	// Interval is the minimum spacing between two requests to one domain.
	// Zero disables pacing.
	Interval time.Duration
	Burst    int
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	r := rate.Inf
	if cfg.Interval > 0 {
		r = rate.Every(cfg.Interval)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		interval: r,
		burst:    burst,
	}
}

// Wait blocks until a token is available for the URL's domain, respecting the context.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	domain := "unknown"
	if u, err := url.Parse(rawURL); err == nil && u.Hostname() != "" {
		domain = u.Hostname()
	}
	l.mu.Lock()
	limiter, exists := l.limiters[domain]
	if !exists {
		limiter = rate.NewLimiter(l.interval, l.burst)
		l.limiters[domain] = limiter
	}
	l.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	// A token available right away is not a delay worth recording.
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(domain, waited)
	}
	return nil
}
