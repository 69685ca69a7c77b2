package crawler

import (
	"context"
	"time"

	"github.com/JakeFAU/specscraper/internal/frontier"
)

// Fetcher fetches a URL and returns the rendered page.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (Page, error)
}

// SessionFetcher is a Fetcher scoped to one batch.
type SessionFetcher interface {
	Fetcher
	Close() error
}

// FetcherFactory opens a fresh fetcher session (new browser, new cookies).
type FetcherFactory interface {
	NewSession(ctx context.Context) (SessionFetcher, error)
}

// ConsentDismisser is implemented by fetchers that can clear a page-level
// consent overlay. The runner calls it once per batch.
type ConsentDismisser interface {
	DismissConsent(ctx context.Context) error
}

// BlockDetector recognizes challenge pages.
type BlockDetector interface {
	IsBlocked(page Page) bool
}

// Extractor turns a fetched page into output records. The fetcher may be used
// for follow-up pages; ErrBlocked from it must be returned unchanged (wrapped
// is fine). An empty result means the page has no usable data.
type Extractor interface {
	Extract(ctx context.Context, fetcher Fetcher, item frontier.WorkItem, page Page) ([]Record, error)
}

// RecordSink appends output rows durably. Append must flush before
// returning and silently skip rows whose key was already written.
type RecordSink interface {
	Append(ctx context.Context, records []Record) (int, error)
	Flush() error
}

// Pacer spaces out requests.
type Pacer interface {
	Wait(ctx context.Context, url string) error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes batch summaries to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Rotator switches the egress identity.
type Rotator interface {
	Rotate(ctx context.Context) (Identity, error)
}

// Hasher computes digests for snapshot names.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record ids.
type IDGenerator interface {
	NewID() (string, error)
}
