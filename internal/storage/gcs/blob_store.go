// Package gcs provides a BlobStore backed by Google Cloud Storage.
package gcs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/specscraper/internal/crawler"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string `mapstructure:"bucket"`
}

// BlobStore writes snapshots to a configured GCS bucket.
type BlobStore struct {
	client *storage.Client
	bucket string
}

var _ crawler.BlobStore = (*BlobStore)(nil)

// New creates a GCS-backed blob store over an existing client.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &BlobStore{
		client: client,
		bucket: cfg.Bucket,
	}, nil
}

// Open creates a client from Application Default Credentials and checks the
// bucket is reachable. The returned client must be closed by the caller.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*BlobStore, *storage.Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("create gcs client: %w", err)
	}
	if _, err := client.Bucket(cfg.Bucket).Attrs(ctx); err != nil {
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("close gcs client after bucket check failure", zap.Error(closeErr))
		}
		return nil, nil, fmt.Errorf("gcs bucket %q: %w", cfg.Bucket, err)
	}
	store, err := New(client, cfg)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return store, client, nil
}

// PutObject uploads data and returns a gs:// URI.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error) {
	return s.put(ctx, path, contentType, bytes.NewReader(data))
}

func (s *BlobStore) put(ctx context.Context, path string, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	writer := s.client.Bucket(s.bucket).Object(path).NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if _, err := io.Copy(writer, r); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			return "", fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, path), nil
}
