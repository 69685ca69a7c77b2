package output

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/specscraper/internal/crawler"
)

// CSVStore is an append-only CSV file. Rows already present (by key column)
// are indexed on open and never written again.
type CSVStore struct {
	mu     sync.Mutex
	path   string
	schema Schema
	ids    crawler.IDGenerator
	logger *zap.Logger

	file   *os.File
	writer *csv.Writer
	header []string
	keyIdx int
	keys   map[string]struct{}
	rows   int
}

var _ crawler.RecordSink = (*CSVStore)(nil)

// Open opens (or creates) the output file at path. An existing header wins
// over the schema's column order; it must contain the key column. A torn
// trailing row left by a crash is truncated.
func Open(path string, schema Schema, ids crawler.IDGenerator, logger *zap.Logger) (*CSVStore, error) {
	if schema.KeyColumn == "" || !slices.Contains(schema.Columns, schema.KeyColumn) {
		return nil, fmt.Errorf("output schema %s: key column %q must be one of its columns", schema.Name, schema.KeyColumn)
	}
	if ids == nil {
		return nil, errors.New("output store requires an id generator")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o640) //nolint:gosec // path comes from operator config
	if err != nil {
		return nil, fmt.Errorf("open output %s: %w", path, err)
	}
	s := &CSVStore{
		path:   path,
		schema: schema,
		ids:    ids,
		logger: logger.Named("output").With(zap.String("path", path)),
		file:   file,
		keys:   make(map[string]struct{}),
	}
	if err := s.load(); err != nil {
		_ = file.Close()
		return nil, err
	}
	s.writer = csv.NewWriter(file)
	if s.header == nil {
		s.header = slices.Clone(schema.Columns)
		s.keyIdx = slices.Index(s.header, schema.KeyColumn)
		if err := s.writer.Write(s.header); err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("write output header: %w", err)
		}
		if err := s.flushLocked(); err != nil {
			_ = file.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *CSVStore) load() error {
	data, err := io.ReadAll(s.file)
	if err != nil {
		return fmt.Errorf("read output %s: %w", s.path, err)
	}
	if len(data) > 0 && data[len(data)-1] != '\n' {
		cut := bytes.LastIndexByte(data, '\n') + 1
		s.logger.Warn("truncating torn trailing row", zap.Int("bytes", len(data)-cut))
		if err := s.file.Truncate(int64(cut)); err != nil {
			return fmt.Errorf("truncate output %s: %w", s.path, err)
		}
		data = data[:cut]
	}
	if _, err := s.file.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("seek output %s: %w", s.path, err)
	}
	if len(data) == 0 {
		return nil
	}

	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if err != nil {
		return fmt.Errorf("read output header: %w", err)
	}
	s.keyIdx = slices.Index(header, s.schema.KeyColumn)
	if s.keyIdx < 0 {
		return fmt.Errorf("output %s has no %q column", s.path, s.schema.KeyColumn)
	}
	s.header = header
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read output row: %w", err)
		}
		s.rows++
		if s.keyIdx < len(row) && row[s.keyIdx] != "" {
			s.keys[row[s.keyIdx]] = struct{}{}
		}
	}
	return nil
}

// Append decorates and writes records whose key is new, then flushes to
// disk. It returns the number of rows written.
func (s *CSVStore) Append(ctx context.Context, records []crawler.Record) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("append output: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return 0, errors.New("output store is closed")
	}

	written := 0
	for _, rec := range records {
		key := rec[s.schema.KeyColumn]
		if key != "" {
			if _, dup := s.keys[key]; dup {
				s.logger.Debug("skipping duplicate output row", zap.String("key", key))
				continue
			}
		}
		row, err := s.decorate(rec)
		if err != nil {
			return written, err
		}
		if err := s.writer.Write(s.line(row)); err != nil {
			return written, fmt.Errorf("write output row: %w", err)
		}
		if key != "" {
			s.keys[key] = struct{}{}
		}
		written++
	}
	if written == 0 {
		return 0, nil
	}
	if err := s.flushLocked(); err != nil {
		return written, err
	}
	s.rows += written
	return written, nil
}

func (s *CSVStore) decorate(rec crawler.Record) (crawler.Record, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate row id: %w", err)
	}
	row := make(crawler.Record, len(rec)+2)
	for k, v := range rec {
		row[k] = v
	}
	row[IDColumn] = id
	if s.schema.Folder != nil {
		row[FolderColumn] = s.schema.Folder(rec)
	}
	for _, section := range s.schema.Sections {
		cell := row[section]
		if cell == "" {
			continue
		}
		var obj map[string]any
		if err := json.Unmarshal([]byte(cell), &obj); err != nil || obj == nil {
			continue
		}
		obj[IDColumn] = id
		if s.schema.SectionFolder != nil {
			obj[SectionFolderPrefix+section] = s.schema.SectionFolder(rec, section)
		}
		encoded, err := json.Marshal(obj)
		if err != nil {
			return nil, fmt.Errorf("encode section %s: %w", section, err)
		}
		row[section] = string(encoded)
	}
	return row, nil
}

func (s *CSVStore) line(row crawler.Record) []string {
	out := make([]string, len(s.header))
	for i, col := range s.header {
		out[i] = row[col]
	}
	return out
}

// Flush pushes buffered rows to stable storage.
func (s *CSVStore) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	return s.flushLocked()
}

func (s *CSVStore) flushLocked() error {
	s.writer.Flush()
	if err := s.writer.Error(); err != nil {
		return fmt.Errorf("flush output: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("sync output: %w", err)
	}
	return nil
}

// Contains reports whether a row with key was already written.
func (s *CSVStore) Contains(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.keys[key]
	return ok
}

// Rows returns the number of data rows in the file.
func (s *CSVStore) Rows() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows
}

// Path returns the output file location.
func (s *CSVStore) Path() string { return s.path }

// Close flushes and closes the file.
func (s *CSVStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	flushErr := s.flushLocked()
	closeErr := s.file.Close()
	s.file = nil
	if flushErr != nil {
		return flushErr
	}
	if closeErr != nil {
		return fmt.Errorf("close output: %w", closeErr)
	}
	return nil
}

// CountRows returns the number of data rows in a CSV file without opening it
// for writing. A missing file counts as zero.
func CountRows(path string) (int, error) {
	file, err := os.Open(path) //nolint:gosec // path comes from operator config
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("open output %s: %w", path, err)
	}
	defer file.Close() //nolint:errcheck // read-only handle

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	rows := -1
	for {
		_, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("read output %s: %w", path, err)
		}
		rows++
	}
	if rows < 0 {
		return 0, nil
	}
	return rows, nil
}
