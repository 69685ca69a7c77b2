// Package frontier tracks the ordered set of link-bearing work items a
// pipeline walks through, and which of them are already done.
package frontier

import (
	"errors"
	"fmt"
	"maps"
)

// ErrUnknownItem is returned when an operation names a link the frontier does
// not hold.
var ErrUnknownItem = errors.New("unknown frontier item")

// ErrDuplicateItem is returned by Add when the link is already present.
var ErrDuplicateItem = errors.New("duplicate frontier item")

// WorkItem is one link plus the contextual attributes it was discovered with
// (make, model, year, ...). Link is the identity.
type WorkItem struct {
	Link       string
	Attributes map[string]string
	Processed  bool
}

// Attr returns the named attribute or "" when absent.
func (w WorkItem) Attr(name string) string {
	return w.Attributes[name]
}

func (w WorkItem) clone() WorkItem {
	w.Attributes = maps.Clone(w.Attributes)
	return w
}

// Frontier is an ordered sequence of WorkItems with an index keyed by link.
// It is not safe for concurrent use; one session owns it at a time.
type Frontier struct {
	columns         []string
	linkColumn      string
	processedColumn string

	items     []WorkItem
	index     map[string]int
	processed map[string]struct{}
}

// New returns an empty frontier. columns is the tabular header order used
// when the frontier is persisted; the link and processed columns are added if
// missing.
func New(linkColumn, processedColumn string, columns []string) *Frontier {
	cols := make([]string, 0, len(columns)+2)
	hasLink, hasProcessed := false, false
	for _, c := range columns {
		switch c {
		case linkColumn:
			hasLink = true
		case processedColumn:
			hasProcessed = true
		}
		cols = append(cols, c)
	}
	if !hasLink {
		cols = append([]string{linkColumn}, cols...)
	}
	if !hasProcessed {
		cols = append(cols, processedColumn)
	}
	return &Frontier{
		columns:         cols,
		linkColumn:      linkColumn,
		processedColumn: processedColumn,
		index:           make(map[string]int),
		processed:       make(map[string]struct{}),
	}
}

// Add appends an item at the end of the frontier.
func (f *Frontier) Add(item WorkItem) error {
	if item.Link == "" {
		return fmt.Errorf("add item: empty link")
	}
	if _, ok := f.index[item.Link]; ok {
		return fmt.Errorf("add %s: %w", item.Link, ErrDuplicateItem)
	}
	f.index[item.Link] = len(f.items)
	f.items = append(f.items, item.clone())
	if item.Processed {
		f.processed[item.Link] = struct{}{}
	}
	return nil
}

// Columns returns the persisted header order.
func (f *Frontier) Columns() []string {
	out := make([]string, len(f.columns))
	copy(out, f.columns)
	return out
}

// LinkColumn names the identity column.
func (f *Frontier) LinkColumn() string { return f.linkColumn }

// ProcessedColumn names the completion flag column.
func (f *Frontier) ProcessedColumn() string { return f.processedColumn }

// Len is the number of items currently held.
func (f *Frontier) Len() int { return len(f.items) }

// ProcessedCount is the number of items flagged processed.
func (f *Frontier) ProcessedCount() int { return len(f.processed) }

// PendingCount is the number of items not yet processed.
func (f *Frontier) PendingCount() int { return len(f.items) - len(f.processed) }

// Contains reports whether link is part of the frontier.
func (f *Frontier) Contains(link string) bool {
	_, ok := f.index[link]
	return ok
}

// IsProcessed reports whether link has been marked processed.
func (f *Frontier) IsProcessed(link string) bool {
	_, ok := f.processed[link]
	return ok
}

// Get returns a copy of the item for link.
func (f *Frontier) Get(link string) (WorkItem, bool) {
	i, ok := f.index[link]
	if !ok {
		return WorkItem{}, false
	}
	return f.items[i].clone(), true
}

// Items returns a copy of every item in order.
func (f *Frontier) Items() []WorkItem {
	out := make([]WorkItem, len(f.items))
	for i, it := range f.items {
		out[i] = it.clone()
	}
	return out
}

// Cursor is the position pending work resumes from. It is the processed count,
// pulled back to the first unprocessed item if an earlier item was left
// behind (skipped after a transient failure).
func (f *Frontier) Cursor() int {
	cursor := len(f.processed)
	if cursor > len(f.items) {
		cursor = len(f.items)
	}
	for i := 0; i < cursor; i++ {
		if !f.items[i].Processed {
			return i
		}
	}
	return cursor
}

// Pending returns unprocessed items in frontier order starting at Cursor.
// Membership in the processed set is still checked per item, so processed
// items scattered past the cursor are never returned.
func (f *Frontier) Pending() []WorkItem {
	cursor := f.Cursor()
	out := make([]WorkItem, 0, len(f.items)-cursor)
	for _, it := range f.items[cursor:] {
		if _, done := f.processed[it.Link]; done {
			continue
		}
		out = append(out, it.clone())
	}
	return out
}

// MarkProcessed flags link as processed. Marking an already processed item is
// a no-op.
func (f *Frontier) MarkProcessed(link string) error {
	i, ok := f.index[link]
	if !ok {
		return fmt.Errorf("mark %s: %w", link, ErrUnknownItem)
	}
	f.items[i].Processed = true
	f.processed[link] = struct{}{}
	return nil
}

// Remove deletes link from the frontier entirely. Used for pages that
// structurally carry no data, so they are never retried.
func (f *Frontier) Remove(link string) error {
	i, ok := f.index[link]
	if !ok {
		return fmt.Errorf("remove %s: %w", link, ErrUnknownItem)
	}
	f.items = append(f.items[:i], f.items[i+1:]...)
	delete(f.index, link)
	delete(f.processed, link)
	for j := i; j < len(f.items); j++ {
		f.index[f.items[j].Link] = j
	}
	return nil
}
