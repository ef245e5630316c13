// Package checkpoint tracks per-source crawl cursors for a run and commits
// merged state together with the cursor that follows it.
package checkpoint

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/registry-cli/internal/model"
	"github.com/sells-group/registry-cli/internal/store"
)

// Manager is the checkpoint store of one run.
type Manager struct {
	st    store.Store
	runID string

	mu  sync.Mutex
	seq map[model.SourceID]int

	nowFunc func() time.Time
}

// New creates a Manager for runID.
func New(st store.Store, runID string) *Manager {
	return &Manager{
		st:      st,
		runID:   runID,
		seq:     make(map[model.SourceID]int),
		nowFunc: time.Now,
	}
}

// RunID returns the run this manager checkpoints.
func (m *Manager) RunID() string { return m.runID }

// Load returns the cursor to resume source from. A cursor written by another
// run is ignored and the initial cursor returned instead.
func (m *Manager) Load(ctx context.Context, source model.SourceID) (model.CrawlCursor, error) {
	cur, err := m.st.LoadCursor(ctx, source)
	if err != nil {
		return model.CrawlCursor{}, eris.Wrapf(err, "checkpoint: load %s", source)
	}
	if cur == nil || cur.RunID != m.runID {
		return model.CrawlCursor{Source: source, RunID: m.runID}, nil
	}

	if _, _, n, ok := ParseMarker(cur.LastBatch); ok {
		m.mu.Lock()
		if n > m.seq[source] {
			m.seq[source] = n
		}
		m.mu.Unlock()
	}
	zap.L().Info("checkpoint: resuming source",
		zap.String("source", string(source)),
		zap.String("token", cur.Token),
		zap.Bool("exhausted", cur.Exhausted),
		zap.String("last_batch", cur.LastBatch),
	)
	return *cur, nil
}

// Commit atomically persists b. The cursor, when present, is stamped with
// the next batch marker. Commit ignores cancellation of ctx so that a batch
// already merged in memory is never half-written. It returns the marker.
func (m *Manager) Commit(ctx context.Context, source model.SourceID, b store.Batch) (string, error) {
	m.mu.Lock()
	m.seq[source]++
	n := m.seq[source]
	m.mu.Unlock()

	marker := Marker(m.runID, source, n)
	if b.Cursor != nil {
		cur := *b.Cursor
		cur.Source = source
		cur.RunID = m.runID
		cur.LastBatch = marker
		cur.UpdatedAt = m.nowFunc().UTC()
		b.Cursor = &cur
	}

	if err := m.st.CommitBatch(context.WithoutCancel(ctx), b); err != nil {
		m.mu.Lock()
		if m.seq[source] == n {
			m.seq[source]--
		}
		m.mu.Unlock()
		return "", eris.Wrapf(err, "checkpoint: commit %s", marker)
	}
	return marker, nil
}

// Marker formats a batch marker "<run-id>/<source>/<seq>".
func Marker(runID string, source model.SourceID, seq int) string {
	return fmt.Sprintf("%s/%s/%d", runID, source, seq)
}

// ParseMarker splits a batch marker.
func ParseMarker(marker string) (runID string, source model.SourceID, seq int, ok bool) {
	i := strings.LastIndexByte(marker, '/')
	if i < 0 {
		return "", "", 0, false
	}
	j := strings.LastIndexByte(marker[:i], '/')
	if j < 0 {
		return "", "", 0, false
	}
	n, err := strconv.Atoi(marker[i+1:])
	if err != nil || n < 0 {
		return "", "", 0, false
	}
	return marker[:j], model.SourceID(marker[j+1 : i]), n, true
}
