package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/specscraper/internal/crawler"
	"github.com/JakeFAU/specscraper/internal/metrics"
	"github.com/JakeFAU/specscraper/internal/session"
)

type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	return f.now
}

type fakeSource struct {
	last     *session.Summary
	identity crawler.Identity
}

func (f *fakeSource) Last() (session.Summary, bool) {
	if f.last == nil {
		return session.Summary{}, false
	}
	return *f.last, true
}

func (f *fakeSource) Identity() crawler.Identity {
	return f.identity
}

func newTestServer(source StatusSource) *Server {
	return NewServer("details", source, &fakeClock{now: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)}, zap.NewNop())
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeSource{})
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestStatusBeforeFirstBatch(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeSource{})
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "details", got["pipeline"])
	assert.Nil(t, got["last_batch"])
}

func TestStatusReportsLastBatch(t *testing.T) {
	t.Parallel()

	identity := crawler.Identity{Relay: "fr-par-wg-001", Country: "fr", City: "par", IP: "203.0.113.7"}
	source := &fakeSource{
		identity: identity,
		last: &session.Summary{
			RunID: "run-1",
			BatchResult: crawler.BatchResult{
				Pipeline:      "details",
				Batch:         3,
				Identity:      identity,
				Stop:          crawler.StopBlocked,
				BlockDetected: true,
				BlockedLink:   "https://www.largus.fr/fiche-technique/clio.html",
				Processed:     12,
				Rows:          12,
				Pending:       88,
			},
			Total:     100,
			Completed: 12,
		},
	}
	server := newTestServer(source)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var got Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, identity, got.Identity)
	require.NotNil(t, got.Last)
	assert.Equal(t, "run-1", got.Last.RunID)
	assert.Equal(t, 3, got.Last.Batch)
	assert.Equal(t, crawler.StopBlocked, got.Last.Stop)
	assert.Equal(t, 88, got.Last.Pending)
	assert.Equal(t, 100, got.Last.Total)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	metrics.ObserveBatch("details", string(crawler.StopCapped))
	server := newTestServer(&fakeSource{})
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "scraper_batches_total")
}

func TestUnknownRoute(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeSource{})
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeSource{})
	handler := server.recoverMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "internal server error")
}

func TestListenAndServeStopsOnCancel(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	server := newTestServer(&fakeSource{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.ListenAndServe(ctx, addr) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/healthz")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
