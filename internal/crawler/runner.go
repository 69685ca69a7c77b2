package crawler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/specscraper/internal/frontier"
	"github.com/JakeFAU/specscraper/internal/metrics"
)

// RunnerDeps groups the collaborators a Runner needs. Pacer, Snapshots and
// Clock are optional.
type RunnerDeps struct {
	Store     frontier.Store
	Extractor Extractor
	Detector  BlockDetector
	Sink      RecordSink
	Pacer     Pacer
	Snapshots *SnapshotSink
	Clock     Clock
	Logger    *zap.Logger
}

// Runner drives one batch over a frontier.
type Runner struct {
	cfg       Config
	store     frontier.Store
	extractor Extractor
	detector  BlockDetector
	sink      RecordSink
	pacer     Pacer
	snapshots *SnapshotSink
	clock     Clock
	logger    *zap.Logger
}

// NewRunner wires a Runner.
func NewRunner(cfg Config, deps RunnerDeps) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch {
	case deps.Store == nil:
		return nil, errors.New("runner requires a frontier store")
	case deps.Extractor == nil:
		return nil, errors.New("runner requires an extractor")
	case deps.Detector == nil:
		return nil, errors.New("runner requires a block detector")
	case deps.Sink == nil:
		return nil, errors.New("runner requires a record sink")
	}
	clock := deps.Clock
	if clock == nil {
		clock = wallClock{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		cfg:       cfg,
		store:     deps.Store,
		extractor: deps.Extractor,
		detector:  deps.Detector,
		sink:      deps.Sink,
		pacer:     deps.Pacer,
		snapshots: deps.Snapshots,
		clock:     clock,
		logger:    logger.Named("runner").With(zap.String("pipeline", cfg.Pipeline)),
	}, nil
}

// Pipeline names the frontier this runner walks.
func (r *Runner) Pipeline() string { return r.cfg.Pipeline }

// RunBatch walks the pending part of f in order using fetcher.
//
// Per item the outcome is dispatched as follows: a successful extraction is
// appended to the sink, then the item is marked processed and the frontier
// persisted; an empty extraction removes the item and persists; a transient
// failure leaves the item pending; a challenge page stops the batch without
// touching the item. The returned error is non-nil only when the sink or the
// frontier store failed, which leaves the checkpoint in doubt.
func (r *Runner) RunBatch(ctx context.Context, f *frontier.Frontier, fetcher Fetcher) (BatchResult, error) {
	start := r.clock.Now()
	result := BatchResult{Pipeline: r.cfg.Pipeline, StartedAt: start}
	defer func() {
		metrics.SetPending(r.cfg.Pipeline, f.PendingCount())
	}()

	pending := f.Pending()
	if len(pending) == 0 {
		result.Stop = StopExhausted
		return r.finish(result, f), nil
	}

	var deadline time.Time
	if r.cfg.Limits.MaxDuration > 0 {
		deadline = start.Add(r.cfg.Limits.MaxDuration)
	}

	guarded := &guardedFetcher{inner: fetcher, detector: r.detector, pacer: r.pacer}
	consentDone := false
	result.Stop = StopCompleted

loop:
	for _, item := range pending {
		if ctx.Err() != nil {
			result.Stop = StopCanceled
			break
		}
		if !deadline.IsZero() && !r.clock.Now().Before(deadline) {
			result.Stop = StopDeadline
			break
		}

		result.Attempted++
		outcome := r.process(ctx, guarded, item, &consentDone)
		metrics.ObserveItem(r.cfg.Pipeline, string(outcome.Kind))
		log := r.logger.With(zap.String("link", item.Link))

		switch outcome.Kind {
		case OutcomeBlocked:
			result.BlockDetected = true
			result.BlockedLink = item.Link
			result.Stop = StopBlocked
			log.Warn("challenge page detected, halting batch")
			r.snapshot(ctx, outcome)
			break loop

		case OutcomeSkip:
			result.Skipped++
			log.Warn("item skipped for this batch", zap.Error(outcome.Err))
			if ctx.Err() != nil {
				result.Stop = StopCanceled
				break loop
			}

		case OutcomeUnresolvable:
			r.snapshot(ctx, outcome)
			if err := r.remove(ctx, f, item.Link); err != nil {
				return r.finish(result, f), err
			}
			result.Removed++
			log.Info("no data on page, removed from frontier")

		case OutcomeSuccess:
			rows, err := r.commit(ctx, f, item.Link, outcome.Records)
			if err != nil {
				return r.finish(result, f), err
			}
			result.Processed++
			result.Rows += rows
			result.Records = append(result.Records, outcome.Records...)
			log.Debug("item processed", zap.Int("records", len(outcome.Records)), zap.Int("rows_written", rows))
			if r.cfg.Limits.MaxItems > 0 && result.Processed >= r.cfg.Limits.MaxItems {
				result.Stop = StopCapped
				break loop
			}
		}
	}
	return r.finish(result, f), nil
}

func (r *Runner) process(ctx context.Context, fetcher *guardedFetcher, item frontier.WorkItem, consentDone *bool) Outcome {
	page, err := fetcher.Fetch(ctx, item.Link)
	if errors.Is(err, ErrBlocked) {
		return Blocked(&page)
	}
	if err != nil {
		return Skip(fmt.Errorf("fetch: %w", err))
	}
	if !*consentDone {
		*consentDone = true
		if d, ok := fetcher.inner.(ConsentDismisser); ok {
			if err := d.DismissConsent(ctx); err != nil {
				r.logger.Debug("consent overlay not dismissed", zap.Error(err))
			}
		}
	}

	records, err := r.extractor.Extract(ctx, fetcher, item, page)
	switch {
	case errors.Is(err, ErrBlocked):
		return Blocked(fetcher.lastBlocked())
	case err != nil:
		return Skip(fmt.Errorf("extract: %w", err))
	case len(records) == 0:
		return Unresolvable(&page)
	default:
		return Success(records)
	}
}

// commit appends the records, then marks and persists. The sink drops rows
// whose key it already holds, so replaying a commit after a crash between
// the two writes produces no duplicate output.
func (r *Runner) commit(ctx context.Context, f *frontier.Frontier, link string, records []Record) (int, error) {
	ctx = context.WithoutCancel(ctx)
	rows, err := r.sink.Append(ctx, records)
	if err != nil {
		return 0, fmt.Errorf("append output for %s: %w", link, err)
	}
	if err := f.MarkProcessed(link); err != nil {
		return rows, fmt.Errorf("mark %s: %w", link, err)
	}
	if err := r.store.Persist(ctx, f); err != nil {
		return rows, fmt.Errorf("persist frontier after %s: %w", link, err)
	}
	return rows, nil
}

func (r *Runner) remove(ctx context.Context, f *frontier.Frontier, link string) error {
	ctx = context.WithoutCancel(ctx)
	if err := f.Remove(link); err != nil {
		return fmt.Errorf("remove %s: %w", link, err)
	}
	if err := r.store.Persist(ctx, f); err != nil {
		return fmt.Errorf("persist frontier after removing %s: %w", link, err)
	}
	return nil
}

func (r *Runner) snapshot(ctx context.Context, outcome Outcome) {
	if r.snapshots == nil || outcome.Page == nil {
		return
	}
	uri, err := r.snapshots.Save(ctx, outcome.Kind, *outcome.Page)
	if err != nil {
		r.logger.Debug("snapshot failed", zap.Error(err))
		return
	}
	r.logger.Debug("snapshot saved", zap.String("uri", uri))
}

func (r *Runner) finish(result BatchResult, f *frontier.Frontier) BatchResult {
	result.FinishedAt = r.clock.Now()
	result.Pending = f.PendingCount()
	metrics.ObserveBatch(r.cfg.Pipeline, string(result.Stop))
	r.logger.Info("batch finished",
		zap.String("stop", string(result.Stop)),
		zap.Int("processed", result.Processed),
		zap.Int("removed", result.Removed),
		zap.Int("skipped", result.Skipped),
		zap.Int("pending", result.Pending),
		zap.Duration("elapsed", result.FinishedAt.Sub(result.StartedAt)),
	)
	return result
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }
