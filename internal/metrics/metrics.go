// Package metrics exposes Prometheus collectors for the scraper.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	scraperItemsTotal             *prometheus.CounterVec
	scraperBatchesTotal           *prometheus.CounterVec
	scraperPendingItems           *prometheus.GaugeVec
	scraperRotationsTotal         *prometheus.CounterVec
	scraperFetchesTotal           *prometheus.CounterVec
	scraperBytesTotal             *prometheus.CounterVec
	scraperRateLimitDelaysSeconds *prometheus.HistogramVec
	httpRequestsTotal             *prometheus.CounterVec
	httpRequestDurationSeconds    *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		scraperItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_items_total",
				Help: "Work items handled, labeled by pipeline and outcome.",
			},
			[]string{"pipeline", "outcome"},
		)

		scraperBatchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_batches_total",
				Help: "Batches run, labeled by pipeline and stop reason.",
			},
			[]string{"pipeline", "stop"},
		)

		scraperPendingItems = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "scraper_pending_items",
				Help: "Unprocessed items left in the frontier.",
			},
			[]string{"pipeline"},
		)

		scraperRotationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_identity_rotations_total",
				Help: "Egress identity rotations, labeled by result.",
			},
			[]string{"result"},
		)

		scraperFetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_fetches_total",
				Help: "Page fetches, labeled by site, fetcher and status.",
			},
			[]string{"site", "fetcher", "status"},
		)

		scraperBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_bytes_total",
				Help: "Bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		scraperRateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scraper_rate_limit_delays_seconds",
				Help:    "Histogram of polite delay waits.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of status server requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of status server latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveItem counts one work item outcome.
func ObserveItem(pipeline, outcome string) {
	Init()
	scraperItemsTotal.WithLabelValues(pipeline, outcome).Inc()
}

// ObserveBatch counts a finished batch.
func ObserveBatch(pipeline, stop string) {
	Init()
	scraperBatchesTotal.WithLabelValues(pipeline, stop).Inc()
}

// SetPending records how many items are still to do.
func SetPending(pipeline string, n int) {
	Init()
	scraperPendingItems.WithLabelValues(pipeline).Set(float64(n))
}

// Rotation results.
const (
	RotationSuccess = "success"
	RotationFailure = "failure"
)

// ObserveRotation counts an identity rotation attempt labeled
// RotationSuccess or RotationFailure.
func ObserveRotation(result string) {
	Init()
	scraperRotationsTotal.WithLabelValues(result).Inc()
}

// ObserveFetch counts a page fetch and its size.
func ObserveFetch(site, fetcher string, status int, bytesFetched int) {
	Init()
	sanitizedSite := SanitizeSite(site)
	scraperFetchesTotal.WithLabelValues(sanitizedSite, fetcher, strconv.Itoa(status)).Inc()
	if bytesFetched > 0 {
		scraperBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveRateLimitDelay records the duration of a polite delay wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	scraperRateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the status server request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
