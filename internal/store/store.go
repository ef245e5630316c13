// Package store persists canonical companies, unresolved entries, crawl
// cursors, gap markers and run records.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/registry-cli/internal/db"
	"github.com/sells-group/registry-cli/internal/model"
)

// Batch is one atomic checkpoint: everything a processed page changed plus
// the cursor that follows it. All of it is written or none of it is.
type Batch struct {
	Companies  []*model.CanonicalCompany
	Unresolved []*model.UnresolvedCompany
	// Promoted lists fallback keys whose entries moved into Companies.
	Promoted   []string
	Gap        *model.GapMarker
	Enrichment []model.EnrichmentAttempt
	Cursor     *model.CrawlCursor
}

// Empty reports whether the batch has nothing to write.
func (b Batch) Empty() bool {
	return len(b.Companies) == 0 && len(b.Unresolved) == 0 && len(b.Promoted) == 0 &&
		b.Gap == nil && len(b.Enrichment) == 0 && b.Cursor == nil
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status model.RunStatus `json:"status,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Offset int             `json:"offset,omitempty"`
}

// CompanyFilter specifies criteria for listing canonical companies.
type CompanyFilter struct {
	AdmittedOnly bool `json:"admitted_only,omitempty"`
	Limit        int  `json:"limit,omitempty"`
	Offset       int  `json:"offset,omitempty"`
}

// GapFilter specifies criteria for listing gap markers.
type GapFilter struct {
	RunID  string         `json:"run_id,omitempty"`
	Source model.SourceID `json:"source,omitempty"`
	Limit  int            `json:"limit,omitempty"`
}

// Store defines the persistence interface for the reconciliation pipeline.
type Store interface {
	// Checkpoints
	CommitBatch(ctx context.Context, b Batch) error
	LoadCursor(ctx context.Context, source model.SourceID) (*model.CrawlCursor, error)
	ListCursors(ctx context.Context) ([]model.CrawlCursor, error)
	ListGaps(ctx context.Context, filter GapFilter) ([]model.GapMarker, error)
	EnrichmentStatuses(ctx context.Context, runID string) (map[string]model.EnrichmentStatus, error)

	// Entities
	GetCompany(ctx context.Context, registryID string) (*model.CanonicalCompany, error)
	ListCompanies(ctx context.Context, filter CompanyFilter) ([]*model.CanonicalCompany, error)
	ListUnresolved(ctx context.Context) ([]*model.UnresolvedCompany, error)

	// Runs
	CreateRun(ctx context.Context) (*model.Run, error)
	UpdateRun(ctx context.Context, run *model.Run) error
	LatestRun(ctx context.Context) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

var (
	companyColumns = []string{
		"registry_id", "fields", "provenance", "sources", "last_merged_at",
		"employee_estimate", "admitted", "version",
	}
	unresolvedColumns = []string{
		"fallback_key", "normalized_name", "locality", "company", "external_ids", "attempts", "updated_at",
	}
	cursorColumns = []string{
		"source", "token", "last_success_at", "consecutive_failures", "exhausted",
		"run_id", "last_batch", "updated_at",
	}
	enrichmentColumns = []string{"registry_id", "run_id", "status", "attempted_at"}

	companyUpsert = db.UpsertConfig{
		Table:        "companies",
		Columns:      companyColumns,
		ConflictKeys: []string{"registry_id"},
		// An older snapshot never replaces a newer one.
		Where: `"companies"."version" <= EXCLUDED."version"`,
	}
	unresolvedUpsert = db.UpsertConfig{
		Table:        "unresolved",
		Columns:      unresolvedColumns,
		ConflictKeys: []string{"fallback_key"},
	}
	cursorUpsert = db.UpsertConfig{
		Table:        "cursors",
		Columns:      cursorColumns,
		ConflictKeys: []string{"source"},
	}
	enrichmentUpsert = db.UpsertConfig{
		Table:        "enrichment_status",
		Columns:      enrichmentColumns,
		ConflictKeys: []string{"registry_id", "run_id"},
	}
)

const (
	companySelect    = `SELECT registry_id, fields, provenance, sources, last_merged_at, employee_estimate, admitted, version FROM companies`
	unresolvedSelect = `SELECT fallback_key, normalized_name, locality, company, external_ids, attempts FROM unresolved`
	cursorSelect     = `SELECT source, token, last_success_at, consecutive_failures, exhausted, run_id, last_batch, updated_at FROM cursors`
	gapSelect        = `SELECT id, run_id, source, token, next_token, kind, error, signature, created_at FROM gaps`
	runSelect        = `SELECT id, status, stats, error, started_at, finished_at FROM runs`
)

// companyRow is the column encoding of a CanonicalCompany.
type companyRow struct {
	RegistryID   string
	Fields       []byte
	Provenance   []byte
	Sources      []byte
	LastMergedAt time.Time
	Estimate     *int64
	Admitted     bool
	Version      int64
}

func encodeCompany(c *model.CanonicalCompany) (companyRow, error) {
	row := companyRow{
		RegistryID:   c.RegistryID,
		LastMergedAt: c.LastMergedAt.UTC(),
		Admitted:     c.Admitted,
		Version:      c.Version,
	}
	var err error
	if row.Fields, err = json.Marshal(c.Fields); err != nil {
		return row, eris.Wrapf(err, "store: marshal fields of %s", c.RegistryID)
	}
	if row.Provenance, err = json.Marshal(c.FieldProvenance); err != nil {
		return row, eris.Wrapf(err, "store: marshal provenance of %s", c.RegistryID)
	}
	sources := c.ContributingSources
	if sources == nil {
		sources = []model.SourceID{}
	}
	if row.Sources, err = json.Marshal(sources); err != nil {
		return row, eris.Wrapf(err, "store: marshal sources of %s", c.RegistryID)
	}
	if c.EmployeeCountMinEstimate != nil {
		v := int64(*c.EmployeeCountMinEstimate)
		row.Estimate = &v
	}
	return row, nil
}

func (r companyRow) decode() (*model.CanonicalCompany, error) {
	c := model.NewCanonicalCompany(r.RegistryID)
	if err := json.Unmarshal(r.Fields, &c.Fields); err != nil {
		return nil, eris.Wrapf(err, "store: unmarshal fields of %s", r.RegistryID)
	}
	if err := json.Unmarshal(r.Provenance, &c.FieldProvenance); err != nil {
		return nil, eris.Wrapf(err, "store: unmarshal provenance of %s", r.RegistryID)
	}
	if err := json.Unmarshal(r.Sources, &c.ContributingSources); err != nil {
		return nil, eris.Wrapf(err, "store: unmarshal sources of %s", r.RegistryID)
	}
	if c.Fields == nil {
		c.Fields = make(map[model.FieldKey]string)
	}
	if c.FieldProvenance == nil {
		c.FieldProvenance = make(map[model.FieldKey]model.FieldProvenance)
	}
	if len(c.ContributingSources) == 0 {
		c.ContributingSources = nil
	}
	c.LastMergedAt = r.LastMergedAt.UTC()
	if r.Estimate != nil {
		v := int(*r.Estimate)
		c.EmployeeCountMinEstimate = &v
	}
	c.Admitted = r.Admitted
	c.Version = r.Version
	return c, nil
}

// unresolvedRow is the column encoding of an UnresolvedCompany.
type unresolvedRow struct {
	FallbackKey    string
	NormalizedName string
	Locality       string
	Company        []byte
	ExternalIDs    []byte
	Attempts       int
}

func encodeUnresolved(u *model.UnresolvedCompany) (unresolvedRow, error) {
	row := unresolvedRow{
		FallbackKey:    u.FallbackKey,
		NormalizedName: u.NormalizedName,
		Locality:       u.Locality,
		Attempts:       u.Attempts,
	}
	var err error
	if row.Company, err = json.Marshal(u.Company); err != nil {
		return row, eris.Wrapf(err, "store: marshal unresolved %s", u.FallbackKey)
	}
	ids := u.ExternalIDs
	if ids == nil {
		ids = map[model.SourceID]string{}
	}
	if row.ExternalIDs, err = json.Marshal(ids); err != nil {
		return row, eris.Wrapf(err, "store: marshal external ids of %s", u.FallbackKey)
	}
	return row, nil
}

func (r unresolvedRow) decode() (*model.UnresolvedCompany, error) {
	u := &model.UnresolvedCompany{
		FallbackKey:    r.FallbackKey,
		NormalizedName: r.NormalizedName,
		Locality:       r.Locality,
		Attempts:       r.Attempts,
	}
	if err := json.Unmarshal(r.Company, &u.Company); err != nil {
		return nil, eris.Wrapf(err, "store: unmarshal unresolved %s", r.FallbackKey)
	}
	if u.Company == nil {
		u.Company = model.NewCanonicalCompany("")
	} else {
		u.Company = u.Company.Clone()
	}
	if err := json.Unmarshal(r.ExternalIDs, &u.ExternalIDs); err != nil {
		return nil, eris.Wrapf(err, "store: unmarshal external ids of %s", r.FallbackKey)
	}
	if len(u.ExternalIDs) == 0 {
		u.ExternalIDs = nil
	}
	return u, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func limitOr(limit, def int) int {
	if limit <= 0 {
		return def
	}
	return limit
}
