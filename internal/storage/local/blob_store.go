// Package local stores page snapshots on the local filesystem.
package local

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/specscraper/internal/crawler"
)

// Config captures the parameters for the local filesystem blob store.
type Config struct {
	// BaseDir is the root directory snapshots are written under.
	BaseDir string `mapstructure:"base_dir"`
}

// BlobStore writes snapshots below a base directory.
type BlobStore struct {
	baseDir string
}

var _ crawler.BlobStore = (*BlobStore)(nil)

// New creates the base directory if needed and checks it is writable.
func New(cfg Config) (*BlobStore, error) {
	baseDir := strings.TrimSpace(cfg.BaseDir)
	if baseDir == "" {
		return nil, fmt.Errorf("base directory is required")
	}

	info, err := os.Stat(baseDir)
	switch {
	case os.IsNotExist(err):
		if err := os.MkdirAll(baseDir, 0o750); err != nil {
			return nil, fmt.Errorf("create base directory: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("stat base directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	probe, err := os.CreateTemp(baseDir, ".writable-*")
	if err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	_ = probe.Close()
	if err := os.Remove(probe.Name()); err != nil {
		return nil, fmt.Errorf("clean up probe file: %w", err)
	}

	return &BlobStore{baseDir: filepath.Clean(baseDir)}, nil
}

// PutObject writes data under the base directory and returns a file:// URI.
// Paths escaping the base directory are rejected.
func (s *BlobStore) PutObject(_ context.Context, path string, _ string, data []byte) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	fullPath := filepath.Clean(filepath.Join(s.baseDir, path))
	if !strings.HasPrefix(fullPath, s.baseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the base directory", path)
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o750); err != nil {
		return "", fmt.Errorf("create parent directories: %w", err)
	}
	if err := os.WriteFile(fullPath, data, 0o600); err != nil {
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	return "file://" + fullPath, nil
}
