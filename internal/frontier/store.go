package frontier

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultProcessedColumn is used when a Schema leaves ProcessedColumn empty.
const DefaultProcessedColumn = "processed"

// Store loads and checkpoints a frontier.
type Store interface {
	Load(ctx context.Context) (*Frontier, error)
	Persist(ctx context.Context, f *Frontier) error
}

// Schema names the columns a checkpoint file must carry.
type Schema struct {
	LinkColumn      string   `mapstructure:"link_column"`
	ProcessedColumn string   `mapstructure:"processed_column"`
	Required        []string `mapstructure:"required_columns"`
}

func (s Schema) processedColumn() string {
	if s.ProcessedColumn == "" {
		return DefaultProcessedColumn
	}
	return s.ProcessedColumn
}

// CorruptFrontierError reports a checkpoint missing identity or attribute
// columns. It is fatal at load time.
type CorruptFrontierError struct {
	Path    string
	Missing []string
}

func (e *CorruptFrontierError) Error() string {
	return fmt.Sprintf("frontier %s: missing required columns %s", e.Path, strings.Join(e.Missing, ", "))
}

// CSVStore keeps the frontier in a CSV file, rewritten in full on Persist.
type CSVStore struct {
	path   string
	schema Schema
}

// NewCSVStore returns a CSV-backed Store for path.
func NewCSVStore(path string, schema Schema) (*CSVStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("frontier path is required")
	}
	if strings.TrimSpace(schema.LinkColumn) == "" {
		return nil, fmt.Errorf("frontier link column is required")
	}
	return &CSVStore{path: path, schema: schema}, nil
}

// Path returns the checkpoint file location.
func (s *CSVStore) Path() string { return s.path }

// Load reads every row. A missing processed column is synthesized as all
// false; missing link or required columns yield *CorruptFrontierError. Rows
// with an empty link are ignored and later duplicates of a link are dropped.
func (s *CSVStore) Load(ctx context.Context) (*Frontier, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("load frontier: %w", err)
	}
	file, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open frontier %s: %w", s.path, err)
	}
	defer file.Close() //nolint:errcheck // read-only handle

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &CorruptFrontierError{Path: s.path, Missing: s.requiredColumns()}
		}
		return nil, fmt.Errorf("read frontier header: %w", err)
	}
	header = trimHeader(header)

	positions := make(map[string]int, len(header))
	for i, col := range header {
		if _, dup := positions[col]; !dup {
			positions[col] = i
		}
	}
	var missing []string
	for _, col := range s.requiredColumns() {
		if _, ok := positions[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, &CorruptFrontierError{Path: s.path, Missing: missing}
	}

	processedCol := s.schema.processedColumn()
	linkIdx := positions[s.schema.LinkColumn]
	processedIdx, hasProcessed := positions[processedCol]

	f := New(s.schema.LinkColumn, processedCol, header)
	for line := 2; ; line++ {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read frontier row %d: %w", line, err)
		}
		link := strings.TrimSpace(field(row, linkIdx))
		if link == "" {
			continue
		}
		item := WorkItem{Link: link, Attributes: make(map[string]string, len(header))}
		for i, col := range header {
			if i == linkIdx || (hasProcessed && i == processedIdx) {
				continue
			}
			item.Attributes[col] = field(row, i)
		}
		if hasProcessed {
			item.Processed = parseProcessed(field(row, processedIdx))
		}
		if err := f.Add(item); err != nil {
			if errors.Is(err, ErrDuplicateItem) {
				continue
			}
			return nil, err
		}
	}
	return f, nil
}

// Persist atomically rewrites the checkpoint: the frontier is written to a
// temporary sibling file, synced, then renamed over the old one.
func (s *CSVStore) Persist(ctx context.Context, f *Frontier) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("persist frontier: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create frontier dir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create frontier temp file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if err := writeFrontier(tmp, f); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync frontier: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close frontier temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace frontier %s: %w", s.path, err)
	}
	committed = true
	return nil
}

func writeFrontier(w io.Writer, f *Frontier) error {
	columns := f.Columns()
	writer := csv.NewWriter(w)
	if err := writer.Write(columns); err != nil {
		return fmt.Errorf("write frontier header: %w", err)
	}
	row := make([]string, len(columns))
	for _, item := range f.items {
		for i, col := range columns {
			switch col {
			case f.linkColumn:
				row[i] = item.Link
			case f.processedColumn:
				row[i] = formatProcessed(item.Processed)
			default:
				row[i] = item.Attributes[col]
			}
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("write frontier row %s: %w", item.Link, err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("flush frontier: %w", err)
	}
	return nil
}

func (s *CSVStore) requiredColumns() []string {
	cols := []string{s.schema.LinkColumn}
	for _, c := range s.schema.Required {
		c = strings.TrimSpace(c)
		if c != "" && c != s.schema.LinkColumn {
			cols = append(cols, c)
		}
	}
	return cols
}

func trimHeader(header []string) []string {
	out := make([]string, len(header))
	for i, h := range header {
		// Excel and pandas exports sometimes lead with a BOM.
		out[i] = strings.TrimSpace(strings.TrimPrefix(h, "\uFEFF"))
	}
	return out
}

func field(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return row[i]
}

func parseProcessed(raw string) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false
	}
	if b, err := strconv.ParseBool(raw); err == nil {
		return b
	}
	if n, err := strconv.ParseFloat(raw, 64); err == nil {
		return n != 0
	}
	return false
}

func formatProcessed(done bool) string {
	if done {
		return "1"
	}
	return "0"
}
