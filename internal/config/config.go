// Package config loads and validates scraper configuration via Viper.
package config

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/specscraper/internal/crawler"
	"github.com/JakeFAU/specscraper/internal/detector"
	collyfetcher "github.com/JakeFAU/specscraper/internal/fetcher/colly"
	"github.com/JakeFAU/specscraper/internal/fetcher/headless"
	"github.com/JakeFAU/specscraper/internal/frontier"
	"github.com/JakeFAU/specscraper/internal/relay"
	"github.com/JakeFAU/specscraper/internal/storage/gcs"
	"github.com/JakeFAU/specscraper/internal/storage/local"
)

// EnvPrefix prefixes environment overrides, e.g. SPECSCRAPER_SCHEDULE_DURATION.
const EnvPrefix = "SPECSCRAPER"

// Fetcher modes.
const (
	FetcherHeadless = "headless"
	FetcherHTTP     = "http"
)

// Provider names shared by snapshots and publisher.
const (
	ProviderNone   = "none"
	ProviderMemory = "memory"
	ProviderLocal  = "local"
	ProviderGCS    = "gcs"
	ProviderPubSub = "pubsub"
)

// Config captures all scraper configuration knobs loaded via Viper.
type Config struct {
	Logging   LoggingConfig             `mapstructure:"logging"`
	Schedule  ScheduleConfig            `mapstructure:"schedule"`
	Fetcher   FetcherConfig             `mapstructure:"fetcher"`
	Detector  detector.Config           `mapstructure:"detector"`
	Relay     RelayConfig               `mapstructure:"relay"`
	Pipelines map[string]PipelineConfig `mapstructure:"pipelines"`
	Server    ServerConfig              `mapstructure:"server"`
	Snapshots SnapshotConfig            `mapstructure:"snapshots"`
	Publisher PublisherConfig           `mapstructure:"publisher"`
}

// LoggingConfig toggles developer-friendly logging.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// ScheduleConfig sets the batch cadence.
type ScheduleConfig struct {
	Duration     time.Duration      `mapstructure:"duration"`
	Interval     time.Duration      `mapstructure:"interval"`
	BlockBackoff BlockBackoffConfig `mapstructure:"block_backoff"`
}

// BlockBackoffConfig escalates after consecutive blocked batches. The zero
// value keeps the regular cadence forever.
type BlockBackoffConfig struct {
	Base           time.Duration `mapstructure:"base"`
	Max            time.Duration `mapstructure:"max"`
	MaxConsecutive int           `mapstructure:"max_consecutive"`
}

// FetcherConfig selects and tunes the page fetcher.
type FetcherConfig struct {
	Mode     string              `mapstructure:"mode"`
	Headless headless.Config     `mapstructure:"headless"`
	HTTP     collyfetcher.Config `mapstructure:"http"`
}

// RelayConfig controls VPN identity rotation.
type RelayConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	APIURL       string `mapstructure:"api_url"`
	IPURL        string `mapstructure:"ip_url"`
	Command      string `mapstructure:"command"`
	relay.Config `mapstructure:",squash"`
}

// PipelineConfig describes one frontier/extractor pair.
type PipelineConfig struct {
	frontier.Schema `mapstructure:",squash"`

	Extractor        string        `mapstructure:"extractor"`
	Frontier         string        `mapstructure:"frontier"`
	Output           string        `mapstructure:"output"`
	MaxItems         int           `mapstructure:"max_items"`
	MaxBatchDuration time.Duration `mapstructure:"max_batch_duration"`
	Delay            time.Duration `mapstructure:"delay"`
	Burst            int           `mapstructure:"burst"`
	BaseURL          string        `mapstructure:"base_url"`
	FolderRoot       string        `mapstructure:"folder_root"`
}

// Limits converts the pipeline caps into runner limits.
func (p PipelineConfig) Limits() crawler.Limits {
	return crawler.Limits{MaxItems: p.MaxItems, MaxDuration: p.MaxBatchDuration}
}

// ServerConfig controls the optional status server.
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// SnapshotConfig selects where diagnostic page snapshots go.
type SnapshotConfig struct {
	Provider string       `mapstructure:"provider"`
	Prefix   string       `mapstructure:"prefix"`
	MaxBytes int          `mapstructure:"max_bytes"`
	Local    local.Config `mapstructure:"local"`
	GCS      gcs.Config   `mapstructure:"gcs"`
}

// PublisherConfig selects where batch summaries go.
type PublisherConfig struct {
	Provider  string `mapstructure:"provider"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// Override adjusts a loaded Config before validation, e.g. from CLI flags.
type Override func(*Config)

// Load builds a Config from defaults, an optional file, the environment, and
// then overrides, in that order of precedence.
func Load(path string, overrides ...Override) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	for _, override := range overrides {
		override(&cfg)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

type pipelineDefaults struct {
	frontier string
	output   string
	link     string
	required []string
	maxItems int
}

// The output of one stage is the frontier of the next.
var defaultPipelines = map[string]pipelineDefaults{
	"models":   {frontier: "data/makes.csv", output: "data/models.csv", link: "url", required: []string{"make"}, maxItems: 25},
	"sheets":   {frontier: "data/models.csv", output: "data/sheets.csv", link: "url", required: []string{"make", "model"}, maxItems: 25},
	"versions": {frontier: "data/sheets.csv", output: "data/versions.csv", link: "link", required: []string{"make", "model"}, maxItems: 50},
	"details":  {frontier: "data/versions.csv", output: "data/details.csv", link: "url", required: []string{"make", "model", "year"}, maxItems: 50},
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")

	v.SetDefault("schedule.duration", "4h")
	v.SetDefault("schedule.interval", "10m")
	v.SetDefault("schedule.block_backoff.base", "0s")
	v.SetDefault("schedule.block_backoff.max", "0s")
	v.SetDefault("schedule.block_backoff.max_consecutive", 0)

	v.SetDefault("fetcher.mode", FetcherHeadless)
	v.SetDefault("fetcher.headless.headless", false)
	v.SetDefault("fetcher.headless.window_width", 1366)
	v.SetDefault("fetcher.headless.window_height", 768)
	v.SetDefault("fetcher.headless.navigation_timeout", "45s")
	v.SetDefault("fetcher.headless.settle_delay", "1s")
	v.SetDefault("fetcher.headless.consent_selector", headless.DefaultConsentSelector)
	v.SetDefault("fetcher.headless.consent_timeout", "2s")
	v.SetDefault("fetcher.http.timeout", "15s")
	v.SetDefault("fetcher.http.respect_robots", false)

	v.SetDefault("detector.iframe_prefixes", []string{detector.DefaultIframePrefix})

	v.SetDefault("relay.enabled", false)
	v.SetDefault("relay.api_url", relay.DefaultRelaysURL)
	v.SetDefault("relay.ip_url", relay.DefaultIPURL)
	v.SetDefault("relay.command", "mullvad")
	v.SetDefault("relay.settle", "5s")

	for name, d := range defaultPipelines {
		key := "pipelines." + name + "."
		v.SetDefault(key+"extractor", name)
		v.SetDefault(key+"frontier", d.frontier)
		v.SetDefault(key+"output", d.output)
		v.SetDefault(key+"link_column", d.link)
		v.SetDefault(key+"processed_column", "processed")
		v.SetDefault(key+"required_columns", d.required)
		v.SetDefault(key+"max_items", d.maxItems)
		v.SetDefault(key+"max_batch_duration", "0s")
		v.SetDefault(key+"delay", "2s")
		v.SetDefault(key+"burst", 1)
		v.SetDefault(key+"base_url", "https://www.largus.fr")
		v.SetDefault(key+"folder_root", "Vehicles")
	}

	v.SetDefault("server.enabled", false)
	v.SetDefault("server.addr", ":9090")

	v.SetDefault("snapshots.provider", ProviderNone)
	v.SetDefault("snapshots.prefix", "snapshots")
	v.SetDefault("snapshots.max_bytes", 5*1024*1024)
	v.SetDefault("snapshots.local.base_dir", "data/snapshots")

	v.SetDefault("publisher.provider", ProviderNone)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Schedule.Duration <= 0 {
		return fmt.Errorf("schedule.duration must be > 0")
	}
	if c.Schedule.Interval <= 0 {
		return fmt.Errorf("schedule.interval must be > 0")
	}
	if c.Schedule.BlockBackoff.Base < 0 || c.Schedule.BlockBackoff.Max < 0 {
		return fmt.Errorf("schedule.block_backoff must be >= 0")
	}
	if c.Schedule.BlockBackoff.MaxConsecutive < 0 {
		return fmt.Errorf("schedule.block_backoff.max_consecutive must be >= 0")
	}
	if c.Fetcher.Mode != FetcherHeadless && c.Fetcher.Mode != FetcherHTTP {
		return fmt.Errorf("fetcher.mode must be %q or %q, got %q", FetcherHeadless, FetcherHTTP, c.Fetcher.Mode)
	}
	if c.Relay.Enabled && c.Relay.Settle < 0 {
		return fmt.Errorf("relay.settle must be >= 0")
	}
	if len(c.Pipelines) == 0 {
		return fmt.Errorf("at least one pipeline must be configured")
	}
	for _, name := range c.PipelineNames() {
		if err := c.Pipelines[name].validate(name); err != nil {
			return err
		}
	}
	if c.Server.Enabled && strings.TrimSpace(c.Server.Addr) == "" {
		return fmt.Errorf("server.addr must be set when the server is enabled")
	}
	switch c.Snapshots.Provider {
	case ProviderNone, ProviderMemory:
	case ProviderLocal:
		if strings.TrimSpace(c.Snapshots.Local.BaseDir) == "" {
			return fmt.Errorf("snapshots.local.base_dir must be set for the local provider")
		}
	case ProviderGCS:
		if strings.TrimSpace(c.Snapshots.GCS.Bucket) == "" {
			return fmt.Errorf("snapshots.gcs.bucket must be set for the gcs provider")
		}
	default:
		return fmt.Errorf("unknown snapshots.provider %q", c.Snapshots.Provider)
	}
	switch c.Publisher.Provider {
	case ProviderNone:
	case ProviderMemory, ProviderPubSub:
		if strings.TrimSpace(c.Publisher.Topic) == "" {
			return fmt.Errorf("publisher.topic must be set for provider %q", c.Publisher.Provider)
		}
		if c.Publisher.Provider == ProviderPubSub && strings.TrimSpace(c.Publisher.ProjectID) == "" {
			return fmt.Errorf("publisher.project_id must be set for the pubsub provider")
		}
	default:
		return fmt.Errorf("unknown publisher.provider %q", c.Publisher.Provider)
	}
	return nil
}

func (p PipelineConfig) validate(name string) error {
	key := "pipelines." + name
	switch {
	case strings.TrimSpace(p.Extractor) == "":
		return fmt.Errorf("%s.extractor must be set", key)
	case strings.TrimSpace(p.Frontier) == "":
		return fmt.Errorf("%s.frontier must be set", key)
	case strings.TrimSpace(p.Output) == "":
		return fmt.Errorf("%s.output must be set", key)
	case p.Frontier == p.Output:
		return fmt.Errorf("%s: frontier and output must differ", key)
	case strings.TrimSpace(p.LinkColumn) == "":
		return fmt.Errorf("%s.link_column must be set", key)
	case p.MaxItems < 0:
		return fmt.Errorf("%s.max_items must be >= 0", key)
	case p.MaxBatchDuration < 0:
		return fmt.Errorf("%s.max_batch_duration must be >= 0", key)
	case p.Delay < 0:
		return fmt.Errorf("%s.delay must be >= 0", key)
	case slices.Contains(p.Required, p.LinkColumn):
		return fmt.Errorf("%s.required_columns must not repeat the link column", key)
	}
	return nil
}

// PipelineNames returns the configured pipeline names in sorted order.
func (c Config) PipelineNames() []string {
	names := make([]string, 0, len(c.Pipelines))
	for name := range c.Pipelines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Pipeline looks up one pipeline by name.
func (c Config) Pipeline(name string) (PipelineConfig, error) {
	p, ok := c.Pipelines[strings.ToLower(name)]
	if !ok {
		return PipelineConfig{}, fmt.Errorf("unknown pipeline %q (configured: %s)", name, strings.Join(c.PipelineNames(), ", "))
	}
	return p, nil
}
