// Package system provides the real clock and sleeper.
package system

import (
	"context"
	"time"
)

// Clock implements crawler.Clock and crawler.Sleeper on the wall clock.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// Sleep blocks for delay or until ctx is done, returning the context error in
// the latter case.
func (Clock) Sleep(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
