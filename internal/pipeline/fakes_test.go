package pipeline

import (
	"context"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/registry-cli/internal/connector"
	"github.com/sells-group/registry-cli/internal/model"
	"github.com/sells-group/registry-cli/internal/store"
)

var fetchedAt = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

// scriptedPage is the canned response for one token.
type scriptedPage struct {
	payloads []model.Payload
	next     string
	err      error
}

// fakePages serves scripted pages. Tokens are visited in order; a page
// with an empty next ends the source.
type fakePages struct {
	source model.SourceID
	start  string
	pages  map[string]scriptedPage
	skips  map[string]string
	// onFetch runs before every fetch and may replace the response.
	onFetch func(ctx context.Context, token string) error

	mu    sync.Mutex
	calls []string
}

func (f *fakePages) Source() model.SourceID { return f.source }
func (f *fakePages) Start() string          { return f.start }

func (f *fakePages) FetchNextPage(ctx context.Context, token string) (*connector.Page, error) {
	f.mu.Lock()
	f.calls = append(f.calls, token)
	f.mu.Unlock()

	if f.onFetch != nil {
		if err := f.onFetch(ctx, token); err != nil {
			return nil, err
		}
	}
	p, ok := f.pages[token]
	if !ok {
		return &connector.Page{Token: token}, nil
	}
	if p.err != nil {
		return nil, p.err
	}
	page := &connector.Page{Token: token, Payloads: p.payloads}
	if p.next != "" {
		next := p.next
		page.Next = &next
	}
	return page, nil
}

func (f *fakePages) Skip(token string) (string, bool) {
	next, ok := f.skips[token]
	return next, ok
}

func (f *fakePages) fetched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

// fakeEnricher answers lookups from maps.
type fakeEnricher struct {
	resolve    map[string]string
	resolveErr map[string]error
	parties    map[string]model.Payload

	mu       sync.Mutex
	lookups  [][]string
	resolved []string
}

func (f *fakeEnricher) Source() model.SourceID { return model.SourceEnrichment }

func (f *fakeEnricher) LookupBatch(_ context.Context, ids []string) (map[string]model.Payload, error) {
	f.mu.Lock()
	f.lookups = append(f.lookups, slices.Clone(ids))
	f.mu.Unlock()
	out := make(map[string]model.Payload)
	for _, id := range ids {
		if p, ok := f.parties[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (f *fakeEnricher) Resolve(_ context.Context, name, _ string) (string, error) {
	f.mu.Lock()
	f.resolved = append(f.resolved, name)
	f.mu.Unlock()
	if err := f.resolveErr[name]; err != nil {
		return "", err
	}
	return f.resolve[name], nil
}

// searchablePages is a page source that can also resolve names.
type searchablePages struct {
	*fakePages
	resolve map[string]string
	err     error

	queries []string
}

func (s *searchablePages) Resolve(_ context.Context, name, _ string) (string, error) {
	s.mu.Lock()
	s.queries = append(s.queries, name)
	s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	return s.resolve[name], nil
}

func emptySite() *searchablePages {
	return &searchablePages{fakePages: &fakePages{source: model.SourceScrapeSite, start: "62.01/1"}}
}

// failingStore fails every batch commit.
type failingStore struct {
	store.Store
	err error
}

func (s *failingStore) CommitBatch(context.Context, store.Batch) error { return s.err }

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "pipeline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

// newTestOrchestrator builds an orchestrator whose circuit waits return
// immediately and are recorded in sleeps.
func newTestOrchestrator(st store.Store, pages []connector.PageConnector, enricher connector.EnrichmentConnector, cfg Config) (*Orchestrator, *[]time.Duration) {
	o := New(cfg, st, nil, pages, enricher)
	o.nowFunc = func() time.Time { return fetchedAt }
	var sleeps []time.Duration
	o.sleepFunc = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return ctx.Err()
	}
	return o, &sleeps
}

func orgPayload(inn, title, employees, address string) model.RegistryPagePayload {
	return model.RegistryPagePayload{
		URL:          "https://www.list-org.com/company/" + inn,
		Title:        title,
		INN:          inn,
		ActivityCode: "62.01",
		Employees:    employees,
		Address:      address,
		FetchedAt:    fetchedAt,
	}
}

func employerPayload(id, name, area string) model.EmployerPayload {
	return model.EmployerPayload{ID: id, Name: name, Area: area, FetchedAt: fetchedAt}
}
