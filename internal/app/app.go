// Package app builds the long-lived services of a scraper run from
// configuration and owns their shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/specscraper/internal/clock/system"
	"github.com/JakeFAU/specscraper/internal/config"
	"github.com/JakeFAU/specscraper/internal/crawler"
	"github.com/JakeFAU/specscraper/internal/detector"
	"github.com/JakeFAU/specscraper/internal/extract"
	collyfetcher "github.com/JakeFAU/specscraper/internal/fetcher/colly"
	"github.com/JakeFAU/specscraper/internal/fetcher/headless"
	"github.com/JakeFAU/specscraper/internal/frontier"
	"github.com/JakeFAU/specscraper/internal/hash/sha256"
	"github.com/JakeFAU/specscraper/internal/id/uuid"
	"github.com/JakeFAU/specscraper/internal/output"
	"github.com/JakeFAU/specscraper/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/specscraper/internal/publisher/memory"
	pubsubpublisher "github.com/JakeFAU/specscraper/internal/publisher/pubsub"
	"github.com/JakeFAU/specscraper/internal/relay"
	"github.com/JakeFAU/specscraper/internal/session"
	"github.com/JakeFAU/specscraper/internal/storage/gcs"
	"github.com/JakeFAU/specscraper/internal/storage/local"
	memorystorage "github.com/JakeFAU/specscraper/internal/storage/memory"
)

// App holds the configuration, the logger, and every resource that must be
// released when the command ends.
type App struct {
	cfg     config.Config
	logger  *zap.Logger
	clock   *system.Clock
	closers []func() error
}

// New creates an App. Nothing is opened until a builder method asks for it.
func New(cfg config.Config, logger *zap.Logger) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &App{cfg: cfg, logger: logger, clock: system.New()}
}

// Config returns the loaded configuration.
func (a *App) Config() config.Config { return a.cfg }

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Clock returns the wall clock shared by every component.
func (a *App) Clock() *system.Clock { return a.clock }

func (a *App) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// Close releases resources in reverse order of acquisition and flushes the
// logger.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("error closing resource", zap.Error(err))
		}
	}
	a.closers = nil
	_ = a.logger.Sync()
}

// Pipeline is one frontier wired to its output store and batch runner.
type Pipeline struct {
	Name     string
	Config   config.PipelineConfig
	Frontier *frontier.CSVStore
	Output   *output.CSVStore
	Runner   *crawler.Runner
}

// Frontier opens the frontier checkpoint store of a pipeline.
func (a *App) Frontier(name string) (config.PipelineConfig, *frontier.CSVStore, error) {
	pcfg, err := a.cfg.Pipeline(name)
	if err != nil {
		return config.PipelineConfig{}, nil, err
	}
	store, err := frontier.NewCSVStore(pcfg.Frontier, pcfg.Schema)
	if err != nil {
		return config.PipelineConfig{}, nil, fmt.Errorf("frontier store: %w", err)
	}
	return pcfg, store, nil
}

func (a *App) extractOptions(pcfg config.PipelineConfig) extract.Options {
	return extract.Options{BaseURL: pcfg.BaseURL, FolderRoot: pcfg.FolderRoot, Now: a.clock.Now}
}

// Pipeline wires the named pipeline: frontier store, output store,
// extractor, detector, pacing, optional snapshots, and the runner.
func (a *App) Pipeline(ctx context.Context, name string) (*Pipeline, error) {
	pcfg, store, err := a.Frontier(name)
	if err != nil {
		return nil, err
	}
	extractor, schema, err := extract.New(extract.Kind(pcfg.Extractor), a.extractOptions(pcfg))
	if err != nil {
		return nil, err
	}
	out, err := output.Open(pcfg.Output, schema, uuid.New(), a.logger)
	if err != nil {
		return nil, fmt.Errorf("output store: %w", err)
	}
	a.onClose(out.Close)

	snapshots, err := a.Snapshots(ctx)
	if err != nil {
		return nil, err
	}
	runner, err := crawler.NewRunner(crawler.Config{Pipeline: name, Limits: pcfg.Limits()}, crawler.RunnerDeps{
		Store:     store,
		Extractor: extractor,
		Detector:  detector.New(a.cfg.Detector),
		Sink:      out,
		Pacer:     ratelimit.New(ratelimit.Config{Interval: pcfg.Delay, Burst: pcfg.Burst}),
		Snapshots: snapshots,
		Clock:     a.clock,
		Logger:    a.logger,
	})
	if err != nil {
		return nil, err
	}
	return &Pipeline{Name: name, Config: pcfg, Frontier: store, Output: out, Runner: runner}, nil
}

// Fetchers returns the page fetcher factory selected by fetcher.mode.
func (a *App) Fetchers() (crawler.FetcherFactory, error) {
	switch a.cfg.Fetcher.Mode {
	case config.FetcherHeadless:
		f, err := headless.NewFactory(a.cfg.Fetcher.Headless, a.logger)
		if err != nil {
			return nil, err
		}
		return f, nil
	case config.FetcherHTTP:
		return collyfetcher.New(a.cfg.Fetcher.HTTP), nil
	default:
		return nil, fmt.Errorf("unknown fetcher mode %q", a.cfg.Fetcher.Mode)
	}
}

// Rotator returns the relay selector, or nil when rotation is disabled.
func (a *App) Rotator() (crawler.Rotator, error) {
	if !a.cfg.Relay.Enabled {
		return nil, nil
	}
	selector, err := a.RelaySelector()
	if err != nil {
		return nil, err
	}
	return selector, nil
}

// RelaySelector builds the relay selector regardless of relay.enabled.
func (a *App) RelaySelector() (*relay.Selector, error) {
	rc := a.cfg.Relay
	client := relay.NewClient(&http.Client{Timeout: 15 * time.Second}, rc.APIURL, rc.IPURL)
	return relay.NewSelector(rc.Config, client, relay.NewExecCommander(rc.Command, a.logger), a.clock, a.logger)
}

// Snapshots returns the diagnostic snapshot sink, or nil when disabled.
func (a *App) Snapshots(ctx context.Context) (*crawler.SnapshotSink, error) {
	sc := a.cfg.Snapshots
	var blobs crawler.BlobStore
	switch sc.Provider {
	case config.ProviderNone, "":
		return nil, nil
	case config.ProviderMemory:
		blobs = memorystorage.NewBlobStore()
	case config.ProviderLocal:
		store, err := local.New(sc.Local)
		if err != nil {
			return nil, fmt.Errorf("local snapshots: %w", err)
		}
		blobs = store
	case config.ProviderGCS:
		store, client, err := gcs.Open(ctx, sc.GCS, a.logger)
		if err != nil {
			return nil, fmt.Errorf("gcs snapshots: %w", err)
		}
		a.onClose(client.Close)
		blobs = store
	default:
		return nil, fmt.Errorf("unknown snapshots provider %q", sc.Provider)
	}
	a.logger.Info("page snapshots enabled", zap.String("provider", sc.Provider), zap.String("prefix", sc.Prefix))
	return crawler.NewSnapshotSink(blobs, sha256.New(), a.clock, sc.Prefix, sc.MaxBytes)
}

// Publisher returns the batch summary publisher, or nil when disabled.
func (a *App) Publisher(ctx context.Context) (crawler.Publisher, error) {
	pc := a.cfg.Publisher
	switch pc.Provider {
	case config.ProviderNone, "":
		return nil, nil
	case config.ProviderMemory:
		return memorypublisher.New(), nil
	case config.ProviderPubSub:
		pub, err := pubsubpublisher.Open(ctx, pc.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub publisher: %w", err)
		}
		a.onClose(pub.Close)
		return pub, nil
	default:
		return nil, fmt.Errorf("unknown publisher provider %q", pc.Provider)
	}
}

// Scheduler wires the session scheduler for p.
func (a *App) Scheduler(ctx context.Context, p *Pipeline) (*session.Scheduler, error) {
	if p == nil {
		return nil, errors.New("scheduler requires a pipeline")
	}
	fetchers, err := a.Fetchers()
	if err != nil {
		return nil, err
	}
	rotator, err := a.Rotator()
	if err != nil {
		return nil, err
	}
	publisher, err := a.Publisher(ctx)
	if err != nil {
		return nil, err
	}
	sc := a.cfg.Schedule
	return session.New(session.Config{
		Duration:             sc.Duration,
		Interval:             sc.Interval,
		BlockBackoffBase:     sc.BlockBackoff.Base,
		BlockBackoffMax:      sc.BlockBackoff.Max,
		MaxConsecutiveBlocks: sc.BlockBackoff.MaxConsecutive,
		Topic:                a.cfg.Publisher.Topic,
	}, session.Deps{
		Runner:    p.Runner,
		Store:     p.Frontier,
		Fetchers:  fetchers,
		Sink:      p.Output,
		Rotator:   rotator,
		Publisher: publisher,
		Clock:     a.clock,
		Sleeper:   a.clock,
		IDs:       uuid.NewRun(),
		Logger:    a.logger,
	})
}
