package checkpoint

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/registry-cli/internal/model"
	"github.com/sells-group/registry-cli/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "cp.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func TestMarker_RoundTrip(t *testing.T) {
	m := Marker("2f1c-9a", model.SourceScrapeSite, 12)
	assert.Equal(t, "2f1c-9a/scrape_site/12", m)

	run, src, n, ok := ParseMarker(m)
	require.True(t, ok)
	assert.Equal(t, "2f1c-9a", run)
	assert.Equal(t, model.SourceScrapeSite, src)
	assert.Equal(t, 12, n)

	for _, bad := range []string{"", "nope", "a/b", "a/b/x", "a/b/-1"} {
		_, _, _, ok := ParseMarker(bad)
		assert.False(t, ok, bad)
	}
}

func TestManager_LoadInitial(t *testing.T) {
	m := New(newTestStore(t), "run-1")
	cur, err := m.Load(context.Background(), model.SourceRegistryAPI)
	require.NoError(t, err)
	assert.Equal(t, model.CrawlCursor{Source: model.SourceRegistryAPI, RunID: "run-1"}, cur)
}

func TestManager_CommitAndResume(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

	m := New(st, "run-1")
	m.nowFunc = func() time.Time { return now }

	marker, err := m.Commit(ctx, model.SourceScrapeSite, store.Batch{Cursor: &model.CrawlCursor{Token: "62.01/2"}})
	require.NoError(t, err)
	assert.Equal(t, "run-1/scrape_site/1", marker)

	marker, err = m.Commit(ctx, model.SourceScrapeSite, store.Batch{Cursor: &model.CrawlCursor{Token: "62.01/3"}})
	require.NoError(t, err)
	assert.Equal(t, "run-1/scrape_site/2", marker)

	// A restarted process for the same run continues the sequence.
	resumed := New(st, "run-1")
	cur, err := resumed.Load(ctx, model.SourceScrapeSite)
	require.NoError(t, err)
	assert.Equal(t, "62.01/3", cur.Token)
	assert.Equal(t, "run-1/scrape_site/2", cur.LastBatch)
	assert.Equal(t, now, cur.UpdatedAt)

	marker, err = resumed.Commit(ctx, model.SourceScrapeSite, store.Batch{Cursor: &cur})
	require.NoError(t, err)
	assert.Equal(t, "run-1/scrape_site/3", marker)
}

func TestManager_LoadIgnoresOtherRun(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := New(st, "run-1").Commit(ctx, model.SourceRegistryAPI, store.Batch{
		Cursor: &model.CrawlCursor{Token: "it/9", Exhausted: true},
	})
	require.NoError(t, err)

	cur, err := New(st, "run-2").Load(ctx, model.SourceRegistryAPI)
	require.NoError(t, err)
	assert.Empty(t, cur.Token)
	assert.False(t, cur.Exhausted)
	assert.Equal(t, "run-2", cur.RunID)
}

func TestManager_CommitIgnoresCancellation(t *testing.T) {
	st := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := New(st, "run-1")
	_, err := m.Commit(ctx, model.SourceRegistryAPI, store.Batch{Cursor: &model.CrawlCursor{Token: "it/2"}})
	require.NoError(t, err)

	cur, err := m.Load(context.Background(), model.SourceRegistryAPI)
	require.NoError(t, err)
	assert.Equal(t, "it/2", cur.Token)
}

func TestManager_CommitFailureKeepsSequence(t *testing.T) {
	st := newTestStore(t)
	m := New(st, "run-1")
	require.NoError(t, st.Close())

	_, err := m.Commit(context.Background(), model.SourceRegistryAPI, store.Batch{Cursor: &model.CrawlCursor{Token: "it/2"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run-1/registry_api/1")
	assert.Equal(t, 0, m.seq[model.SourceRegistryAPI])
}
