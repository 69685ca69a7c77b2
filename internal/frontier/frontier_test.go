package frontier

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFrontier(t *testing.T, links ...string) *Frontier {
	t.Helper()
	f := New("url", "processed", []string{"url", "make", "model"})
	for _, l := range links {
		require.NoError(t, f.Add(WorkItem{Link: l, Attributes: map[string]string{"make": "Renault"}}))
	}
	return f
}

func links(items []WorkItem) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.Link
	}
	return out
}

func TestNewAddsMissingColumns(t *testing.T) {
	t.Parallel()
	f := New("link", "processed", []string{"make", "model"})
	assert.Equal(t, []string{"link", "make", "model", "processed"}, f.Columns())
}

func TestAddRejectsDuplicatesAndEmptyLinks(t *testing.T) {
	t.Parallel()
	f := newTestFrontier(t, "a")
	require.ErrorIs(t, f.Add(WorkItem{Link: "a"}), ErrDuplicateItem)
	require.Error(t, f.Add(WorkItem{}))
	assert.Equal(t, 1, f.Len())
}

func TestMarkProcessedIsIdempotent(t *testing.T) {
	t.Parallel()
	once := newTestFrontier(t, "a", "b", "c")
	twice := newTestFrontier(t, "a", "b", "c")

	require.NoError(t, once.MarkProcessed("b"))
	require.NoError(t, twice.MarkProcessed("b"))
	require.NoError(t, twice.MarkProcessed("b"))

	assert.Equal(t, once.Items(), twice.Items())
	assert.Equal(t, once.ProcessedCount(), twice.ProcessedCount())
	assert.Equal(t, 1, twice.ProcessedCount())
	assert.True(t, twice.IsProcessed("b"))
}

func TestMarkProcessedUnknown(t *testing.T) {
	t.Parallel()
	f := newTestFrontier(t, "a")
	require.ErrorIs(t, f.MarkProcessed("zzz"), ErrUnknownItem)
}

func TestCursorAndPending(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		processed   []string
		wantCursor  int
		wantPending []string
	}{
		{name: "fresh", wantCursor: 0, wantPending: []string{"a", "b", "c", "d"}},
		{name: "prefix", processed: []string{"a", "b"}, wantCursor: 2, wantPending: []string{"c", "d"}},
		{name: "hole left by skip", processed: []string{"a", "c"}, wantCursor: 1, wantPending: []string{"b", "d"}},
		{name: "scattered past cursor", processed: []string{"d"}, wantCursor: 0, wantPending: []string{"a", "b", "c"}},
		{name: "all done", processed: []string{"a", "b", "c", "d"}, wantCursor: 4, wantPending: []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newTestFrontier(t, "a", "b", "c", "d")
			for _, l := range tt.processed {
				require.NoError(t, f.MarkProcessed(l))
			}
			assert.Equal(t, tt.wantCursor, f.Cursor())
			assert.Equal(t, tt.wantPending, links(f.Pending()))
			assert.Equal(t, len(tt.wantPending), f.PendingCount())
		})
	}
}

func TestRemoveReindexes(t *testing.T) {
	t.Parallel()
	f := newTestFrontier(t, "a", "b", "c")
	require.NoError(t, f.MarkProcessed("a"))
	require.NoError(t, f.Remove("a"))

	assert.False(t, f.Contains("a"))
	assert.Equal(t, 0, f.ProcessedCount())
	require.NoError(t, f.MarkProcessed("c"))
	item, ok := f.Get("c")
	require.True(t, ok)
	assert.True(t, item.Processed)
	assert.Equal(t, []string{"b"}, links(f.Pending()))
	require.ErrorIs(t, f.Remove("a"), ErrUnknownItem)
}

func TestItemsAreCopies(t *testing.T) {
	t.Parallel()
	f := newTestFrontier(t, "a")
	items := f.Items()
	items[0].Attributes["make"] = "Peugeot"
	got, _ := f.Get("a")
	assert.Equal(t, "Renault", got.Attr("make"))
}
