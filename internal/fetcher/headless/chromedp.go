// Package headless contains fetchers that render pages in a real browser.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/specscraper/internal/crawler"
	"github.com/JakeFAU/specscraper/internal/metrics"
)

// DefaultConsentSelector is the didomi "accept" button largus.fr shows.
const DefaultConsentSelector = "#didomi-notice-agree-button"

// ErrNoConsent means the consent button did not appear in time.
var ErrNoConsent = errors.New("consent button not found")

// Config controls the browser sessions.
type Config struct {
	ExecPath          string        `mapstructure:"exec_path"`
	UserAgent         string        `mapstructure:"user_agent"`
	Headless          bool          `mapstructure:"headless"`
	WindowWidth       int           `mapstructure:"window_width"`
	WindowHeight      int           `mapstructure:"window_height"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	SettleDelay       time.Duration `mapstructure:"settle_delay"`
	ConsentSelector   string        `mapstructure:"consent_selector"`
	ConsentTimeout    time.Duration `mapstructure:"consent_timeout"`
}

func (c Config) withDefaults() Config {
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = 45 * time.Second
	}
	if c.SettleDelay < 0 {
		c.SettleDelay = 0
	}
	if c.ConsentSelector == "" {
		c.ConsentSelector = DefaultConsentSelector
	}
	if c.ConsentTimeout <= 0 {
		c.ConsentTimeout = time.Second
	}
	return c
}

// Factory starts one browser per batch.
type Factory struct {
	cfg    Config
	logger *zap.Logger
}

var _ crawler.FetcherFactory = (*Factory)(nil)

// NewFactory creates a browser session factory.
func NewFactory(cfg Config, logger *zap.Logger) (*Factory, error) {
	if cfg.WindowWidth < 0 || cfg.WindowHeight < 0 {
		return nil, fmt.Errorf("window size must be >= 0")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{cfg: cfg.withDefaults(), logger: logger.Named("headless")}, nil
}

func (f *Factory) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)
	if f.cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	opts = append(opts,
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	if f.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(f.cfg.ExecPath))
	}
	if f.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(f.cfg.UserAgent))
	}
	if f.cfg.WindowWidth > 0 && f.cfg.WindowHeight > 0 {
		opts = append(opts, chromedp.WindowSize(f.cfg.WindowWidth, f.cfg.WindowHeight))
	}
	return opts
}

// NewSession launches a fresh browser with an empty profile. The browser
// lives until Close, independently of ctx.
func (f *Factory) NewSession(ctx context.Context) (crawler.SessionFetcher, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.WithoutCancel(ctx), f.allocatorOptions()...)
	tab, tabCancel := chromedp.NewContext(allocCtx)
	s := &Session{
		cfg:    f.cfg,
		tab:    tab,
		meta:   newResponseMeta(),
		logger: f.logger,
		cancel: func() {
			tabCancel()
			allocCancel()
		},
	}
	chromedp.ListenTarget(tab, s.meta.captureEvent)
	if err := chromedp.Run(tab, s.setupAction()); err != nil {
		s.cancel()
		return nil, fmt.Errorf("start browser: %w", err)
	}
	f.logger.Debug("browser session started")
	return s, nil
}

// Session is one browser with a single tab reused by every fetch of a batch,
// so cookies and the consent choice carry over between pages.
type Session struct {
	cfg    Config
	tab    context.Context
	meta   *responseMeta
	logger *zap.Logger

	closeOnce sync.Once
	cancel    context.CancelFunc
}

var (
	_ crawler.SessionFetcher   = (*Session)(nil)
	_ crawler.ConsentDismisser = (*Session)(nil)
)

// Fetch navigates the tab to url and returns the rendered DOM.
func (s *Session) Fetch(ctx context.Context, url string) (crawler.Page, error) {
	runCtx, cancel := s.bounded(ctx, s.cfg.NavigationTimeout)
	defer cancel()

	s.meta.reset()
	start := time.Now()
	var html, finalURL string
	actions := []chromedp.Action{
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
	if s.cfg.SettleDelay > 0 {
		actions = append(actions, chromedp.Sleep(s.cfg.SettleDelay))
	}
	actions = append(actions,
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err := chromedp.Run(runCtx, actions...); err != nil {
		metrics.ObserveFetch(metrics.SanitizeSite(url), "headless", 0, 0)
		return crawler.Page{}, fmt.Errorf("chromedp run %s: %w", url, err)
	}

	status, responseURL := s.meta.snapshotWithFallbacks(url, finalURL)
	metrics.ObserveFetch(metrics.SanitizeSite(url), "headless", status, len(html))
	return crawler.Page{
		URL:        url,
		FinalURL:   responseURL,
		StatusCode: status,
		Body:       []byte(html),
		FetchedAt:  start.UTC(),
		Duration:   time.Since(start),
	}, nil
}

// DismissConsent clicks the consent button if it shows up within the
// configured timeout.
func (s *Session) DismissConsent(ctx context.Context) error {
	runCtx, cancel := s.bounded(ctx, s.cfg.ConsentTimeout)
	defer cancel()
	err := chromedp.Run(runCtx,
		chromedp.WaitVisible(s.cfg.ConsentSelector, chromedp.ByQuery),
		chromedp.Click(s.cfg.ConsentSelector, chromedp.ByQuery),
	)
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return ErrNoConsent
		}
		return fmt.Errorf("dismiss consent: %w", err)
	}
	s.logger.Debug("consent overlay dismissed")
	return nil
}

// Close shuts the browser down.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		if err := chromedp.Cancel(s.tab); err != nil {
			s.logger.Debug("browser cancel", zap.Error(err))
		}
		s.cancel()
	})
	return nil
}

// bounded derives a context from the tab that also ends with ctx.
func (s *Session) bounded(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithTimeout(s.tab, timeout)
	stop := context.AfterFunc(ctx, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}

func (s *Session) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if s.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(s.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

// responseMeta keeps the status of the first document response after a
// reset. Later document responses belong to iframes.
type responseMeta struct {
	mu     sync.RWMutex
	status int
	url    string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) reset() {
	m.mu.Lock()
	m.status, m.url = 0, ""
	m.mu.Unlock()
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status != 0 {
		return
	}
	m.status = int(event.Response.Status)
	m.url = event.Response.URL
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, string) {
	m.mu.RLock()
	status, url := m.status, m.url
	m.mu.RUnlock()
	switch {
	case url != "":
	case finalURL != "":
		url = finalURL
	default:
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, url
}
