// Package session repeats batches of one pipeline on a fixed wall-clock
// cadence, rotating the egress identity and opening a fresh fetcher session
// before each batch.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/specscraper/internal/crawler"
	"github.com/JakeFAU/specscraper/internal/frontier"
	"github.com/JakeFAU/specscraper/internal/metrics"
)

// ErrCircuitOpen ends a run after too many blocked batches in a row.
var ErrCircuitOpen = errors.New("too many consecutive blocked batches")

// Config controls the scheduler cadence.
type Config struct {
	// Duration bounds the whole run.
	Duration time.Duration
	// Interval is measured from one batch start to the next.
	Interval time.Duration
	// BlockBackoffBase adds jittered exponential sleep after consecutive
	// blocked batches. 0 keeps the regular cadence.
	BlockBackoffBase time.Duration
	BlockBackoffMax  time.Duration
	// MaxConsecutiveBlocks opens the circuit. 0 means unlimited.
	MaxConsecutiveBlocks int
	// Topic receives batch summaries when a publisher is set.
	Topic string
}

// Validate checks the cadence.
func (c Config) Validate() error {
	if c.Duration <= 0 {
		return fmt.Errorf("schedule duration must be > 0")
	}
	if c.Interval <= 0 {
		return fmt.Errorf("schedule interval must be > 0")
	}
	if c.BlockBackoffBase < 0 || c.BlockBackoffMax < 0 {
		return fmt.Errorf("block backoff must be >= 0")
	}
	if c.MaxConsecutiveBlocks < 0 {
		return fmt.Errorf("max consecutive blocks must be >= 0")
	}
	return nil
}

// BatchRunner runs one batch over a loaded frontier. *crawler.Runner
// implements it.
type BatchRunner interface {
	Pipeline() string
	RunBatch(ctx context.Context, f *frontier.Frontier, fetcher crawler.Fetcher) (crawler.BatchResult, error)
}

// Deps groups the scheduler collaborators. Rotator, Publisher, IDs and
// Logger are optional.
type Deps struct {
	Runner    BatchRunner
	Store     frontier.Store
	Fetchers  crawler.FetcherFactory
	Sink      crawler.RecordSink
	Rotator   crawler.Rotator
	Publisher crawler.Publisher
	Clock     crawler.Clock
	Sleeper   crawler.Sleeper
	IDs       crawler.IDGenerator
	Logger    *zap.Logger
}

// Summary is the per-batch report published and served on /status.
type Summary struct {
	RunID string `json:"run_id"`
	crawler.BatchResult
	Total     int `json:"total"`
	Completed int `json:"completed"`
}

// Scheduler drives batches until the run duration elapses.
type Scheduler struct {
	cfg       Config
	runner    BatchRunner
	store     frontier.Store
	fetchers  crawler.FetcherFactory
	sink      crawler.RecordSink
	rotator   crawler.Rotator
	publisher crawler.Publisher
	clock     crawler.Clock
	sleeper   crawler.Sleeper
	ids       crawler.IDGenerator
	backoff   *crawler.BlockBackoff
	blocks    *crawler.BlockTracker
	logger    *zap.Logger

	mu       sync.RWMutex
	last     *Summary
	identity crawler.Identity
}

// New wires a Scheduler.
func New(cfg Config, deps Deps) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch {
	case deps.Runner == nil:
		return nil, errors.New("scheduler requires a batch runner")
	case deps.Store == nil:
		return nil, errors.New("scheduler requires a frontier store")
	case deps.Fetchers == nil:
		return nil, errors.New("scheduler requires a fetcher factory")
	case deps.Sink == nil:
		return nil, errors.New("scheduler requires a record sink")
	case deps.Clock == nil || deps.Sleeper == nil:
		return nil, errors.New("scheduler requires a clock and a sleeper")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cfg:       cfg,
		runner:    deps.Runner,
		store:     deps.Store,
		fetchers:  deps.Fetchers,
		sink:      deps.Sink,
		rotator:   deps.Rotator,
		publisher: deps.Publisher,
		clock:     deps.Clock,
		sleeper:   deps.Sleeper,
		ids:       deps.IDs,
		backoff:   crawler.NewBlockBackoff(cfg.BlockBackoffBase, cfg.BlockBackoffMax),
		blocks:    crawler.NewBlockTracker(cfg.MaxConsecutiveBlocks),
		logger:    logger.Named("scheduler").With(zap.String("pipeline", deps.Runner.Pipeline())),
	}, nil
}

// Last returns the summary of the most recent batch.
func (s *Scheduler) Last() (Summary, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return Summary{}, false
	}
	return *s.last, true
}

// Identity returns the egress identity of the most recent rotation.
func (s *Scheduler) Identity() crawler.Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity
}

// Run loads the frontier once and repeats batches until Duration has elapsed
// since the call. Cancellation ends the run without error; a checkpoint
// failure or an open circuit ends it with one.
func (s *Scheduler) Run(ctx context.Context) error {
	f, err := s.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load frontier: %w", err)
	}
	runID := s.newRunID()
	start := s.clock.Now()
	end := start.Add(s.cfg.Duration)
	log := s.logger.With(zap.String("run_id", runID))
	log.Info("run started",
		zap.Int("total", f.Len()),
		zap.Int("processed", f.ProcessedCount()),
		zap.Int("pending", f.PendingCount()),
		zap.Time("ends_at", end),
	)

	for batch := 1; ; batch++ {
		if ctx.Err() != nil {
			log.Info("run canceled")
			return nil
		}
		tickStart := s.clock.Now()
		if !tickStart.Before(end) {
			log.Info("run finished", zap.Int("batches", batch-1), zap.Int("pending", f.PendingCount()))
			return nil
		}

		extra := time.Duration(0)
		if f.PendingCount() == 0 {
			log.Info("frontier exhausted, idling", zap.Int("batch", batch))
		} else {
			result, err := s.tick(ctx, f, batch)
			if err != nil {
				return err
			}
			if result != nil {
				s.report(ctx, runID, f, *result)
				if result.Stop == crawler.StopCanceled {
					log.Info("run canceled")
					return nil
				}
				streak, open := s.blocks.Record(result.BlockDetected)
				if open {
					return fmt.Errorf("%w: %d", ErrCircuitOpen, streak)
				}
				if streak > 0 {
					extra = s.backoff.Backoff(streak)
				}
			}
		}

		if err := s.sleepUntil(ctx, tickStart.Add(s.cfg.Interval).Add(extra), end); err != nil {
			log.Info("run canceled")
			return nil
		}
	}
}

// tick runs one batch. A nil result means no batch ran because no fetcher
// session could be opened.
func (s *Scheduler) tick(ctx context.Context, f *frontier.Frontier, batch int) (*crawler.BatchResult, error) {
	identity := s.rotate(ctx)

	fetcher, err := s.fetchers.NewSession(ctx)
	if err != nil {
		s.logger.Warn("fetcher session unavailable, skipping batch", zap.Int("batch", batch), zap.Error(err))
		return nil, nil
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			s.logger.Warn("fetcher session close failed", zap.Error(err))
		}
	}()

	result, err := s.runner.RunBatch(ctx, f, fetcher)
	if err != nil {
		return nil, fmt.Errorf("batch %d: %w", batch, err)
	}
	result.Batch = batch
	result.Identity = identity

	if err := s.sink.Flush(); err != nil {
		return nil, fmt.Errorf("flush output after batch %d: %w", batch, err)
	}
	return &result, nil
}

// rotate switches identity. Failures keep the current one.
func (s *Scheduler) rotate(ctx context.Context) crawler.Identity {
	if s.rotator == nil {
		return s.Identity()
	}
	identity, err := s.rotator.Rotate(ctx)
	if err != nil {
		metrics.ObserveRotation(metrics.RotationFailure)
		current := s.Identity()
		s.logger.Warn("identity rotation failed, keeping current identity",
			zap.String("identity", current.String()), zap.Error(err))
		return current
	}
	metrics.ObserveRotation(metrics.RotationSuccess)
	s.mu.Lock()
	s.identity = identity
	s.mu.Unlock()
	s.logger.Info("identity rotated", zap.String("identity", identity.String()))
	return identity
}

func (s *Scheduler) report(ctx context.Context, runID string, f *frontier.Frontier, result crawler.BatchResult) {
	summary := Summary{
		RunID:       runID,
		BatchResult: result,
		Total:       f.Len(),
		Completed:   f.ProcessedCount(),
	}
	s.mu.Lock()
	s.last = &summary
	s.mu.Unlock()

	s.logger.Info("batch summary",
		zap.Int("batch", result.Batch),
		zap.String("identity", result.Identity.String()),
		zap.String("stop", string(result.Stop)),
		zap.Int("processed", result.Processed),
		zap.Int("completed", summary.Completed),
		zap.Int("total", summary.Total),
		zap.Int("pending", result.Pending),
	)
	if result.Exhausted() || result.Pending == 0 {
		s.logger.Info("frontier exhausted")
	}

	if s.publisher == nil || s.cfg.Topic == "" {
		return
	}
	id, err := s.publisher.Publish(context.WithoutCancel(ctx), s.cfg.Topic, summary)
	if err != nil {
		s.logger.Warn("publish batch summary failed", zap.Error(err))
		return
	}
	s.logger.Debug("batch summary published", zap.String("message_id", id))
}

// sleepUntil waits for next, never past end and never a negative duration.
func (s *Scheduler) sleepUntil(ctx context.Context, next, end time.Time) error {
	if next.After(end) {
		next = end
	}
	wait := next.Sub(s.clock.Now())
	if wait <= 0 {
		return ctx.Err()
	}
	return s.sleeper.Sleep(ctx, wait)
}

func (s *Scheduler) newRunID() string {
	if s.ids == nil {
		return ""
	}
	id, err := s.ids.NewID()
	if err != nil {
		s.logger.Debug("run id unavailable", zap.Error(err))
		return ""
	}
	return id
}
