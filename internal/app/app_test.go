package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/specscraper/internal/config"
	collyfetcher "github.com/JakeFAU/specscraper/internal/fetcher/colly"
	"github.com/JakeFAU/specscraper/internal/fetcher/headless"
	"github.com/JakeFAU/specscraper/internal/frontier"
	memorypublisher "github.com/JakeFAU/specscraper/internal/publisher/memory"
	"github.com/JakeFAU/specscraper/internal/storage/local"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	frontierPath := filepath.Join(dir, "versions.csv")
	require.NoError(t, os.WriteFile(frontierPath, []byte("url,make,model,year\nhttps://www.largus.fr/a.html,renault,clio,2019\n"), 0o600))
	return config.Config{
		Schedule: config.ScheduleConfig{Duration: time.Hour, Interval: 10 * time.Minute},
		Fetcher:  config.FetcherConfig{Mode: config.FetcherHTTP},
		Pipelines: map[string]config.PipelineConfig{
			"details": {
				Extractor: "details",
				Frontier:  frontierPath,
				Output:    filepath.Join(dir, "out", "details.csv"),
				Schema: frontier.Schema{
					LinkColumn:      "url",
					ProcessedColumn: "processed",
					Required:        []string{"make", "model", "year"},
				},
				MaxItems: 50,
			},
		},
		Relay:     config.RelayConfig{Command: "mullvad"},
		Snapshots: config.SnapshotConfig{Provider: config.ProviderNone},
		Publisher: config.PublisherConfig{Provider: config.ProviderNone},
	}
}

func TestPipelineAndScheduler(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	a := New(cfg, zap.NewNop())
	t.Cleanup(a.Close)

	p, err := a.Pipeline(context.Background(), "details")
	require.NoError(t, err)
	assert.Equal(t, "details", p.Name)
	assert.Equal(t, "details", p.Runner.Pipeline())
	assert.Equal(t, cfg.Pipelines["details"].Frontier, p.Frontier.Path())
	assert.FileExists(t, cfg.Pipelines["details"].Output)

	sched, err := a.Scheduler(context.Background(), p)
	require.NoError(t, err)
	_, ok := sched.Last()
	assert.False(t, ok)

	_, err = a.Scheduler(context.Background(), nil)
	require.Error(t, err)
}

func TestPipelineUnknown(t *testing.T) {
	t.Parallel()

	a := New(testConfig(t), nil)
	_, err := a.Pipeline(context.Background(), "prices")
	require.ErrorContains(t, err, "unknown pipeline")
}

func TestPipelineUnknownExtractor(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	p := cfg.Pipelines["details"]
	p.Extractor = "reviews"
	cfg.Pipelines["details"] = p
	_, err := New(cfg, nil).Pipeline(context.Background(), "details")
	require.ErrorContains(t, err, "unknown extractor kind")
}

func TestFetchersFollowMode(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	f, err := New(cfg, nil).Fetchers()
	require.NoError(t, err)
	assert.IsType(t, &collyfetcher.Factory{}, f)

	cfg.Fetcher.Mode = config.FetcherHeadless
	f, err = New(cfg, nil).Fetchers()
	require.NoError(t, err)
	assert.IsType(t, &headless.Factory{}, f)

	cfg.Fetcher.Mode = "wget"
	_, err = New(cfg, nil).Fetchers()
	require.Error(t, err)
}

func TestRotatorDisabledIsNil(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	r, err := New(cfg, nil).Rotator()
	require.NoError(t, err)
	assert.Nil(t, r)

	cfg.Relay.Enabled = true
	r, err = New(cfg, nil).Rotator()
	require.NoError(t, err)
	assert.NotNil(t, r)

	cfg.Relay.Settle = -time.Second
	_, err = New(cfg, nil).Rotator()
	require.Error(t, err)
}

func TestSnapshotsProviders(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	sink, err := New(cfg, nil).Snapshots(context.Background())
	require.NoError(t, err)
	assert.Nil(t, sink)

	cfg.Snapshots = config.SnapshotConfig{Provider: config.ProviderMemory, Prefix: "snapshots"}
	sink, err = New(cfg, nil).Snapshots(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, sink)

	dir := filepath.Join(t.TempDir(), "snaps")
	cfg.Snapshots = config.SnapshotConfig{Provider: config.ProviderLocal, Local: local.Config{BaseDir: dir}}
	sink, err = New(cfg, nil).Snapshots(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, sink)
	assert.DirExists(t, dir)

	cfg.Snapshots = config.SnapshotConfig{Provider: "ftp"}
	_, err = New(cfg, nil).Snapshots(context.Background())
	require.Error(t, err)
}

func TestPublisherProviders(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	pub, err := New(cfg, nil).Publisher(context.Background())
	require.NoError(t, err)
	assert.Nil(t, pub)

	cfg.Publisher = config.PublisherConfig{Provider: config.ProviderMemory, Topic: "batches"}
	pub, err = New(cfg, nil).Publisher(context.Background())
	require.NoError(t, err)
	assert.IsType(t, &memorypublisher.Publisher{}, pub)
}

func TestCloseRunsInReverseOrder(t *testing.T) {
	t.Parallel()

	a := New(testConfig(t), nil)
	var order []int
	a.onClose(func() error { order = append(order, 1); return nil })
	a.onClose(func() error { order = append(order, 2); return errors.New("ignored") })
	a.Close()
	assert.Equal(t, []int{2, 1}, order)

	a.Close()
	assert.Equal(t, []int{2, 1}, order)
}
