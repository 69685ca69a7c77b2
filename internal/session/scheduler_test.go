package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/specscraper/internal/crawler"
	"github.com/JakeFAU/specscraper/internal/frontier"
	"github.com/JakeFAU/specscraper/internal/publisher/memory"
)

var t0 = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

// fakeClock advances only when slept on or told to.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
	cancel context.CancelFunc
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if c.cancel != nil {
		c.cancel()
		return context.Canceled
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

type staticStore struct {
	f   *frontier.Frontier
	err error
}

func (s *staticStore) Load(context.Context) (*frontier.Frontier, error) { return s.f, s.err }
func (s *staticStore) Persist(context.Context, *frontier.Frontier) error {
	return nil
}

// scriptedRunner takes cost of clock time per batch and replays results.
type scriptedRunner struct {
	clock   *fakeClock
	cost    time.Duration
	results []crawler.BatchResult
	err     error
	calls   int
}

func (r *scriptedRunner) Pipeline() string { return "details" }

func (r *scriptedRunner) RunBatch(_ context.Context, _ *frontier.Frontier, _ crawler.Fetcher) (crawler.BatchResult, error) {
	r.calls++
	r.clock.Advance(r.cost)
	if r.err != nil {
		return crawler.BatchResult{}, r.err
	}
	if len(r.results) == 0 {
		return crawler.BatchResult{Pipeline: "details", Stop: crawler.StopCapped, Processed: 1, Pending: 4}, nil
	}
	res := r.results[0]
	if len(r.results) > 1 {
		r.results = r.results[1:]
	}
	return res, nil
}

type countingSession struct{ closed *int }

func (countingSession) Fetch(context.Context, string) (crawler.Page, error) {
	return crawler.Page{}, nil
}

func (s countingSession) Close() error {
	*s.closed++
	return nil
}

type countingFactory struct {
	opened, closed int
	err            error
}

func (f *countingFactory) NewSession(context.Context) (crawler.SessionFetcher, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.opened++
	return countingSession{closed: &f.closed}, nil
}

type countingSink struct{ flushes int }

func (s *countingSink) Append(context.Context, []crawler.Record) (int, error) { return 0, nil }
func (s *countingSink) Flush() error {
	s.flushes++
	return nil
}

type scriptedRotator struct {
	calls int
	err   error
}

func (r *scriptedRotator) Rotate(context.Context) (crawler.Identity, error) {
	r.calls++
	if r.err != nil {
		return crawler.Identity{}, r.err
	}
	return crawler.Identity{Relay: "fr-par-wg-001", Country: "fr", City: "par", IP: "185.0.0.1"}, nil
}

type fixedIDs struct{}

func (fixedIDs) NewID() (string, error) { return "run-1", nil }

func pendingFrontier(t *testing.T, processed ...bool) *frontier.Frontier {
	t.Helper()
	f := frontier.New("url", frontier.DefaultProcessedColumn, []string{"url"})
	for i, done := range processed {
		require.NoError(t, f.Add(frontier.WorkItem{Link: string(rune('a' + i)), Processed: done}))
	}
	return f
}

type harness struct {
	clock     *fakeClock
	runner    *scriptedRunner
	fetchers  *countingFactory
	sink      *countingSink
	rotator   *scriptedRotator
	publisher *memory.Publisher
	store     *staticStore
}

func newHarness(t *testing.T, f *frontier.Frontier, cost time.Duration) *harness {
	t.Helper()
	clock := &fakeClock{now: t0}
	return &harness{
		clock:     clock,
		runner:    &scriptedRunner{clock: clock, cost: cost},
		fetchers:  &countingFactory{},
		sink:      &countingSink{},
		rotator:   &scriptedRotator{},
		publisher: memory.New(),
		store:     &staticStore{f: f},
	}
}

func (h *harness) scheduler(t *testing.T, cfg Config) *Scheduler {
	t.Helper()
	cfg.Topic = "batches"
	s, err := New(cfg, Deps{
		Runner:    h.runner,
		Store:     h.store,
		Fetchers:  h.fetchers,
		Sink:      h.sink,
		Rotator:   h.rotator,
		Publisher: h.publisher,
		Clock:     h.clock,
		Sleeper:   h.clock,
		IDs:       fixedIDs{},
	})
	require.NoError(t, err)
	return s
}

func TestRunSleepsFromBatchStart(t *testing.T) {
	t.Parallel()
	h := newHarness(t, pendingFrontier(t, false, false, false, false, false), 2*time.Minute)
	s := h.scheduler(t, Config{Duration: 30 * time.Minute, Interval: 10 * time.Minute})

	require.NoError(t, s.Run(context.Background()))

	assert.Equal(t, 3, h.runner.calls)
	assert.Equal(t, []time.Duration{8 * time.Minute, 8 * time.Minute, 8 * time.Minute}, h.clock.sleeps)
	assert.Equal(t, 3, h.rotator.calls)
	assert.Equal(t, 3, h.fetchers.opened)
	assert.Equal(t, 3, h.fetchers.closed)
	assert.Equal(t, 3, h.sink.flushes)
}

func TestRunLongBatchNeverSleepsNegative(t *testing.T) {
	t.Parallel()
	h := newHarness(t, pendingFrontier(t, false, false), 15*time.Minute)
	s := h.scheduler(t, Config{Duration: 30 * time.Minute, Interval: 10 * time.Minute})

	require.NoError(t, s.Run(context.Background()))

	assert.Equal(t, 2, h.runner.calls)
	assert.Empty(t, h.clock.sleeps)
}

func TestRunLastSleepIsCappedAtDuration(t *testing.T) {
	t.Parallel()
	h := newHarness(t, pendingFrontier(t, false), time.Minute)
	s := h.scheduler(t, Config{Duration: 15 * time.Minute, Interval: 10 * time.Minute})

	require.NoError(t, s.Run(context.Background()))

	assert.Equal(t, 2, h.runner.calls)
	assert.Equal(t, []time.Duration{9 * time.Minute, 4 * time.Minute}, h.clock.sleeps)
}

func TestRunRotationFailureIsNotFatal(t *testing.T) {
	t.Parallel()
	h := newHarness(t, pendingFrontier(t, false), time.Minute)
	h.rotator.err = errors.New("mullvad: not logged in")
	s := h.scheduler(t, Config{Duration: 20 * time.Minute, Interval: 10 * time.Minute})

	require.NoError(t, s.Run(context.Background()))

	assert.Equal(t, 2, h.runner.calls)
	assert.Equal(t, crawler.Identity{}, s.Identity())
}

func TestRunRecordsIdentityAndPublishesSummary(t *testing.T) {
	t.Parallel()
	h := newHarness(t, pendingFrontier(t, true, false, false), time.Minute)
	s := h.scheduler(t, Config{Duration: 10 * time.Minute, Interval: 10 * time.Minute})

	_, ok := s.Last()
	require.False(t, ok)
	require.NoError(t, s.Run(context.Background()))

	last, ok := s.Last()
	require.True(t, ok)
	assert.Equal(t, "run-1", last.RunID)
	assert.Equal(t, 1, last.Batch)
	assert.Equal(t, 3, last.Total)
	assert.Equal(t, 1, last.Completed)
	assert.Equal(t, "fr-par-wg-001", last.Identity.Relay)
	assert.Equal(t, "fr-par-wg-001", s.Identity().Relay)

	msgs := h.publisher.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "batches", msgs[0].Topic)
	assert.Equal(t, last, msgs[0].Payload)
}

func TestRunIdlesOnExhaustedFrontier(t *testing.T) {
	t.Parallel()
	h := newHarness(t, pendingFrontier(t, true, true), time.Minute)
	s := h.scheduler(t, Config{Duration: 20 * time.Minute, Interval: 10 * time.Minute})

	require.NoError(t, s.Run(context.Background()))

	assert.Zero(t, h.runner.calls)
	assert.Zero(t, h.fetchers.opened)
	assert.Zero(t, h.rotator.calls)
	assert.Equal(t, []time.Duration{10 * time.Minute, 10 * time.Minute}, h.clock.sleeps)
}

func TestRunBlockedBatchKeepsCadence(t *testing.T) {
	t.Parallel()
	h := newHarness(t, pendingFrontier(t, false, false), time.Minute)
	h.runner.results = []crawler.BatchResult{{Stop: crawler.StopBlocked, BlockDetected: true, Pending: 2}}
	s := h.scheduler(t, Config{Duration: 30 * time.Minute, Interval: 10 * time.Minute})

	require.NoError(t, s.Run(context.Background()))

	assert.Equal(t, 3, h.runner.calls)
	assert.Equal(t, []time.Duration{9 * time.Minute, 9 * time.Minute, 9 * time.Minute}, h.clock.sleeps)
}

func TestRunBlockBackoffAddsDelay(t *testing.T) {
	t.Parallel()
	h := newHarness(t, pendingFrontier(t, false), time.Minute)
	h.runner.results = []crawler.BatchResult{{Stop: crawler.StopBlocked, BlockDetected: true, Pending: 1}}
	s := h.scheduler(t, Config{Duration: 2 * time.Hour, Interval: 10 * time.Minute, BlockBackoffBase: 4 * time.Minute})

	require.NoError(t, s.Run(context.Background()))

	require.NotEmpty(t, h.clock.sleeps)
	first := h.clock.sleeps[0]
	assert.GreaterOrEqual(t, first, 9*time.Minute+2*time.Minute)
	assert.Less(t, first, 9*time.Minute+4*time.Minute)
}

func TestRunCircuitOpensAfterConsecutiveBlocks(t *testing.T) {
	t.Parallel()
	h := newHarness(t, pendingFrontier(t, false), time.Minute)
	h.runner.results = []crawler.BatchResult{{Stop: crawler.StopBlocked, BlockDetected: true, Pending: 1}}
	s := h.scheduler(t, Config{Duration: time.Hour, Interval: 10 * time.Minute, MaxConsecutiveBlocks: 2})

	err := s.Run(context.Background())
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 2, h.runner.calls)
	assert.Equal(t, 2, h.fetchers.closed)
}

func TestRunBatchErrorIsFatalAndClosesFetcher(t *testing.T) {
	t.Parallel()
	h := newHarness(t, pendingFrontier(t, false), time.Minute)
	h.runner.err = errors.New("persist frontier: disk full")
	s := h.scheduler(t, Config{Duration: time.Hour, Interval: 10 * time.Minute})

	err := s.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, 1, h.fetchers.closed)
	assert.Zero(t, h.sink.flushes)
}

func TestRunSkipsBatchWithoutFetcher(t *testing.T) {
	t.Parallel()
	h := newHarness(t, pendingFrontier(t, false), time.Minute)
	h.fetchers.err = errors.New("chrome not found")
	s := h.scheduler(t, Config{Duration: 20 * time.Minute, Interval: 10 * time.Minute})

	require.NoError(t, s.Run(context.Background()))

	assert.Zero(t, h.runner.calls)
	assert.Len(t, h.clock.sleeps, 2)
	_, ok := s.Last()
	assert.False(t, ok)
}

func TestRunCancellationIsNotAnError(t *testing.T) {
	t.Parallel()
	h := newHarness(t, pendingFrontier(t, false), time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.clock.cancel = cancel
	s := h.scheduler(t, Config{Duration: time.Hour, Interval: 10 * time.Minute})

	require.NoError(t, s.Run(ctx))
	assert.Equal(t, 1, h.runner.calls)
}

func TestRunLoadFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil, time.Minute)
	h.store.err = &frontier.CorruptFrontierError{Path: "versions.csv", Missing: []string{"link"}}
	s := h.scheduler(t, Config{Duration: time.Hour, Interval: 10 * time.Minute})

	err := s.Run(context.Background())
	var corrupt *frontier.CorruptFrontierError
	require.ErrorAs(t, err, &corrupt)
	assert.Zero(t, h.runner.calls)
}

func TestNewValidates(t *testing.T) {
	t.Parallel()
	h := newHarness(t, pendingFrontier(t), time.Minute)
	deps := Deps{Runner: h.runner, Store: h.store, Fetchers: h.fetchers, Sink: h.sink, Clock: h.clock, Sleeper: h.clock}

	_, err := New(Config{Duration: time.Hour}, deps)
	require.Error(t, err)
	_, err = New(Config{Duration: time.Hour, Interval: time.Minute, MaxConsecutiveBlocks: -1}, deps)
	require.Error(t, err)

	deps.Sleeper = nil
	_, err = New(Config{Duration: time.Hour, Interval: time.Minute}, deps)
	require.Error(t, err)
}
