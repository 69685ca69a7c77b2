package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/specscraper/internal/crawler"
	"github.com/JakeFAU/specscraper/internal/frontier"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 4*time.Hour, cfg.Schedule.Duration)
	assert.Equal(t, 10*time.Minute, cfg.Schedule.Interval)
	assert.Zero(t, cfg.Schedule.BlockBackoff.MaxConsecutive)
	assert.Equal(t, FetcherHeadless, cfg.Fetcher.Mode)
	assert.Equal(t, 45*time.Second, cfg.Fetcher.Headless.NavigationTimeout)
	assert.Equal(t, "#didomi-notice-agree-button", cfg.Fetcher.Headless.ConsentSelector)
	assert.Equal(t, []string{"https://geo.captcha-delivery.com/captcha/"}, cfg.Detector.IframePrefixes)
	assert.False(t, cfg.Relay.Enabled)
	assert.Equal(t, 5*time.Second, cfg.Relay.Settle)
	assert.Equal(t, "mullvad", cfg.Relay.Command)
	assert.Equal(t, ProviderNone, cfg.Snapshots.Provider)
	assert.Equal(t, ProviderNone, cfg.Publisher.Provider)

	assert.Equal(t, []string{"details", "models", "sheets", "versions"}, cfg.PipelineNames())

	sheets, err := cfg.Pipeline("sheets")
	require.NoError(t, err)
	assert.Equal(t, "sheets", sheets.Extractor)
	assert.Equal(t, "data/models.csv", sheets.Frontier)
	assert.Equal(t, "data/sheets.csv", sheets.Output)
	assert.Equal(t, frontier.Schema{
		LinkColumn:      "url",
		ProcessedColumn: "processed",
		Required:        []string{"make", "model"},
	}, sheets.Schema)
	assert.Equal(t, crawler.Limits{MaxItems: 25}, sheets.Limits())
	assert.Equal(t, 2*time.Second, sheets.Delay)

	details, err := cfg.Pipeline("Details")
	require.NoError(t, err)
	assert.Equal(t, 50, details.MaxItems)
	assert.Equal(t, []string{"make", "model", "year"}, details.Required)

	versions, err := cfg.Pipeline("versions")
	require.NoError(t, err)
	assert.Equal(t, "link", versions.LinkColumn)

	_, err = cfg.Pipeline("prices")
	require.ErrorContains(t, err, `unknown pipeline "prices"`)
}

func TestLoadWithFileOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
logging:
  development: false
  level: debug
schedule:
  duration: 2h
  interval: 5m
  block_backoff:
    base: 1m
    max: 20m
    max_consecutive: 3
fetcher:
  mode: http
  http:
    user_agent: specscraper-test
    timeout: 30s
relay:
  enabled: true
  settle: 3s
  countries: [fr, de]
pipelines:
  details:
    max_items: 10
    max_batch_duration: 9m
    delay: 500ms
snapshots:
  provider: local
  local:
    base_dir: /tmp/snaps
publisher:
  provider: memory
  topic: batches
server:
  enabled: true
  addr: 127.0.0.1:9100
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.False(t, cfg.Logging.Development)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 2*time.Hour, cfg.Schedule.Duration)
	assert.Equal(t, 5*time.Minute, cfg.Schedule.Interval)
	assert.Equal(t, BlockBackoffConfig{Base: time.Minute, Max: 20 * time.Minute, MaxConsecutive: 3}, cfg.Schedule.BlockBackoff)
	assert.Equal(t, FetcherHTTP, cfg.Fetcher.Mode)
	assert.Equal(t, "specscraper-test", cfg.Fetcher.HTTP.UserAgent)
	assert.Equal(t, 30*time.Second, cfg.Fetcher.HTTP.Timeout)
	assert.True(t, cfg.Relay.Enabled)
	assert.Equal(t, 3*time.Second, cfg.Relay.Settle)
	assert.Equal(t, []string{"fr", "de"}, cfg.Relay.Countries)
	assert.Equal(t, "/tmp/snaps", cfg.Snapshots.Local.BaseDir)
	assert.Equal(t, "batches", cfg.Publisher.Topic)
	assert.Equal(t, "127.0.0.1:9100", cfg.Server.Addr)

	details, err := cfg.Pipeline("details")
	require.NoError(t, err)
	assert.Equal(t, crawler.Limits{MaxItems: 10, MaxDuration: 9 * time.Minute}, details.Limits())
	assert.Equal(t, 500*time.Millisecond, details.Delay)
	assert.Equal(t, "data/versions.csv", details.Frontier, "unset keys keep their defaults")
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SPECSCRAPER_SCHEDULE_INTERVAL", "15m")
	t.Setenv("SPECSCRAPER_RELAY_ENABLED", "true")
	t.Setenv("SPECSCRAPER_PIPELINES_VERSIONS_MAX_ITEMS", "7")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, cfg.Schedule.Interval)
	assert.True(t, cfg.Relay.Enabled)
	assert.Equal(t, 7, cfg.Pipelines["versions"].MaxItems)
}

func TestLoadOverridesWinAndAreValidated(t *testing.T) {
	cfg, err := Load("", func(c *Config) { c.Schedule.Interval = 3 * time.Minute })
	require.NoError(t, err)
	assert.Equal(t, 3*time.Minute, cfg.Schedule.Interval)

	_, err = Load("", func(c *Config) { c.Schedule.Duration = 0 })
	require.ErrorContains(t, err, "schedule.duration")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "read config")
}

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := func() Config {
		return Config{
			Schedule: ScheduleConfig{Duration: time.Hour, Interval: 10 * time.Minute},
			Fetcher:  FetcherConfig{Mode: FetcherHeadless},
			Pipelines: map[string]PipelineConfig{
				"details": {
					Extractor: "details",
					Frontier:  "in.csv",
					Output:    "out.csv",
					Schema:    frontier.Schema{LinkColumn: "url"},
				},
			},
			Snapshots: SnapshotConfig{Provider: ProviderNone},
			Publisher: PublisherConfig{Provider: ProviderNone},
		}
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero duration", func(c *Config) { c.Schedule.Duration = 0 }, "schedule.duration"},
		{"zero interval", func(c *Config) { c.Schedule.Interval = 0 }, "schedule.interval"},
		{"negative backoff", func(c *Config) { c.Schedule.BlockBackoff.Base = -time.Second }, "schedule.block_backoff"},
		{"negative circuit", func(c *Config) { c.Schedule.BlockBackoff.MaxConsecutive = -1 }, "max_consecutive"},
		{"bad fetcher", func(c *Config) { c.Fetcher.Mode = "curl" }, "fetcher.mode"},
		{"no pipelines", func(c *Config) { c.Pipelines = nil }, "at least one pipeline"},
		{"same files", func(c *Config) {
			p := c.Pipelines["details"]
			p.Output = p.Frontier
			c.Pipelines["details"] = p
		}, "must differ"},
		{"no link column", func(c *Config) {
			p := c.Pipelines["details"]
			p.LinkColumn = ""
			c.Pipelines["details"] = p
		}, "link_column"},
		{"negative cap", func(c *Config) {
			p := c.Pipelines["details"]
			p.MaxItems = -1
			c.Pipelines["details"] = p
		}, "max_items"},
		{"server without addr", func(c *Config) { c.Server = ServerConfig{Enabled: true} }, "server.addr"},
		{"gcs without bucket", func(c *Config) { c.Snapshots.Provider = ProviderGCS }, "snapshots.gcs.bucket"},
		{"unknown snapshots", func(c *Config) { c.Snapshots.Provider = "s3" }, "snapshots.provider"},
		{"pubsub without topic", func(c *Config) { c.Publisher.Provider = ProviderPubSub }, "publisher.topic"},
		{"pubsub without project", func(c *Config) {
			c.Publisher = PublisherConfig{Provider: ProviderPubSub, Topic: "batches"}
		}, "publisher.project_id"},
		{"unknown publisher", func(c *Config) { c.Publisher.Provider = "kafka" }, "publisher.provider"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := valid()
			tt.mutate(&cfg)
			require.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}
