// Package collyfetcher implements plain HTTP page fetching using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/specscraper/internal/crawler"
	"github.com/JakeFAU/specscraper/internal/metrics"
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string        `mapstructure:"user_agent"`
	RespectRobots bool          `mapstructure:"respect_robots"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// Factory opens one collector per batch. Connections are pooled across
// sessions; cookies are not.
type Factory struct {
	cfg       Config
	transport http.RoundTripper
}

var _ crawler.FetcherFactory = (*Factory)(nil)

// New builds a Factory.
func New(cfg Config) *Factory {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Factory{cfg: cfg, transport: newHTTPTransport()}
}

// NewSession returns a collector with an empty cookie jar.
func (f *Factory) NewSession(context.Context) (crawler.SessionFetcher, error) {
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.WithTransport(f.transport)
	if f.cfg.UserAgent != "" {
		c.UserAgent = f.cfg.UserAgent
	}
	c.IgnoreRobotsTxt = !f.cfg.RespectRobots
	c.ParseHTTPErrorResponse = true
	c.SetRequestTimeout(f.cfg.Timeout)
	return &Session{base: c}, nil
}

// Session fetches pages over one cookie jar.
type Session struct {
	base *colly.Collector
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// Fetch executes a single HTTP GET. Error statuses are returned as pages so
// the block detector can inspect them.
func (s *Session) Fetch(ctx context.Context, url string) (crawler.Page, error) {
	var (
		page     crawler.Page
		fetchErr error
	)
	start := time.Now()
	collector := s.base.Clone()
	configureHooks(collector, start, &page, &fetchErr)

	if err := runCollector(ctx, collector, url, &fetchErr); err != nil {
		metrics.ObserveFetch(metrics.SanitizeSite(url), "colly", 0, 0)
		return crawler.Page{}, err
	}
	page.URL = url
	metrics.ObserveFetch(metrics.SanitizeSite(url), "colly", page.StatusCode, len(page.Body))
	return page, nil
}

// Close is a no-op; the collector holds no resources beyond its jar.
func (s *Session) Close() error { return nil }

func configureHooks(hooks collectorHooks, start time.Time, page *crawler.Page, fetchErr *error) {
	hooks.OnResponse(func(r *colly.Response) {
		*page = crawler.Page{
			FinalURL:   r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), r.Body...),
			FetchedAt:  start.UTC(),
			Duration:   time.Since(start),
		}
	})
	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
