package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/registry-cli/internal/db"
	"github.com/sells-group/registry-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

var (
	sqliteCompanyUpsert    = db.MustUpsertSQL(companyUpsert, db.Question)
	sqliteUnresolvedUpsert = db.MustUpsertSQL(unresolvedUpsert, db.Question)
	sqliteCursorUpsert     = db.MustUpsertSQL(cursorUpsert, db.Question)
	sqliteEnrichmentUpsert = db.MustUpsertSQL(enrichmentUpsert, db.Question)
)

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One writer at a time; WAL lets readers proceed alongside it.
	conn.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: conn}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	status      TEXT NOT NULL DEFAULT 'running',
	stats       TEXT NOT NULL DEFAULT '{}',
	error       TEXT NOT NULL DEFAULT '',
	started_at  DATETIME NOT NULL,
	finished_at DATETIME
);

CREATE TABLE IF NOT EXISTS companies (
	registry_id       TEXT PRIMARY KEY,
	fields            TEXT NOT NULL,
	provenance        TEXT NOT NULL,
	sources           TEXT NOT NULL,
	last_merged_at    DATETIME NOT NULL,
	employee_estimate INTEGER,
	admitted          BOOLEAN NOT NULL DEFAULT 0,
	version           INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS unresolved (
	fallback_key    TEXT PRIMARY KEY,
	normalized_name TEXT NOT NULL,
	locality        TEXT NOT NULL DEFAULT '',
	company         TEXT NOT NULL,
	external_ids    TEXT NOT NULL DEFAULT '{}',
	attempts        INTEGER NOT NULL DEFAULT 0,
	updated_at      DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS cursors (
	source               TEXT PRIMARY KEY,
	token                TEXT NOT NULL DEFAULT '',
	last_success_at      DATETIME,
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	exhausted            BOOLEAN NOT NULL DEFAULT 0,
	run_id               TEXT NOT NULL DEFAULT '',
	last_batch           TEXT NOT NULL DEFAULT '',
	updated_at           DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS gaps (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id     TEXT NOT NULL,
	source     TEXT NOT NULL,
	token      TEXT NOT NULL DEFAULT '',
	next_token TEXT NOT NULL DEFAULT '',
	kind       TEXT NOT NULL,
	error      TEXT NOT NULL DEFAULT '',
	signature  TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS enrichment_status (
	registry_id  TEXT NOT NULL,
	run_id       TEXT NOT NULL,
	status       TEXT NOT NULL,
	attempted_at DATETIME NOT NULL,
	PRIMARY KEY (registry_id, run_id)
);

CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
CREATE INDEX IF NOT EXISTS idx_companies_admitted ON companies(admitted);
CREATE INDEX IF NOT EXISTS idx_gaps_run_id ON gaps(run_id);
CREATE INDEX IF NOT EXISTS idx_gaps_source ON gaps(source);
CREATE INDEX IF NOT EXISTS idx_enrichment_status_run_id ON enrichment_status(run_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CommitBatch writes b in a single transaction.
func (s *SQLiteStore) CommitBatch(ctx context.Context, b Batch) error {
	if b.Empty() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin batch")
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	for _, c := range b.Companies {
		row, err := encodeCompany(c)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, sqliteCompanyUpsert,
			row.RegistryID, string(row.Fields), string(row.Provenance), string(row.Sources),
			row.LastMergedAt, row.Estimate, row.Admitted, row.Version,
		); err != nil {
			return eris.Wrapf(err, "sqlite: upsert company %s", c.RegistryID)
		}
	}
	for _, u := range b.Unresolved {
		row, err := encodeUnresolved(u)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, sqliteUnresolvedUpsert,
			row.FallbackKey, row.NormalizedName, row.Locality, string(row.Company),
			string(row.ExternalIDs), row.Attempts, now,
		); err != nil {
			return eris.Wrapf(err, "sqlite: upsert unresolved %s", u.FallbackKey)
		}
	}
	for _, key := range b.Promoted {
		if _, err := tx.ExecContext(ctx, `DELETE FROM unresolved WHERE fallback_key = ?`, key); err != nil {
			return eris.Wrapf(err, "sqlite: delete promoted %s", key)
		}
	}
	if g := b.Gap; g != nil {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO gaps (run_id, source, token, next_token, kind, error, signature, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			g.RunID, string(g.Source), g.Token, g.NextToken, string(g.Kind), g.Error, g.Signature, g.CreatedAt.UTC(),
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert gap for %s", g.Source)
		}
	}
	for _, a := range b.Enrichment {
		if _, err := tx.ExecContext(ctx, sqliteEnrichmentUpsert,
			a.RegistryID, a.RunID, string(a.Status), a.AttemptedAt.UTC(),
		); err != nil {
			return eris.Wrapf(err, "sqlite: upsert enrichment status %s", a.RegistryID)
		}
	}
	if c := b.Cursor; c != nil {
		if _, err := tx.ExecContext(ctx, sqliteCursorUpsert,
			string(c.Source), c.Token, utcPtr(c.LastSuccessAt), c.ConsecutiveFailures, c.Exhausted,
			c.RunID, c.LastBatch, c.UpdatedAt.UTC(),
		); err != nil {
			return eris.Wrapf(err, "sqlite: upsert cursor %s", c.Source)
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit batch")
}

func (s *SQLiteStore) LoadCursor(ctx context.Context, source model.SourceID) (*model.CrawlCursor, error) {
	row := s.db.QueryRowContext(ctx, cursorSelect+` WHERE source = ?`, string(source))
	c, err := scanSQLiteCursor(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: load cursor %s", source)
	}
	return c, nil
}

func (s *SQLiteStore) ListCursors(ctx context.Context) ([]model.CrawlCursor, error) {
	rows, err := s.db.QueryContext(ctx, cursorSelect+` ORDER BY source`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list cursors")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.CrawlCursor
	for rows.Next() {
		c, err := scanSQLiteCursor(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan cursor")
		}
		out = append(out, *c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list cursors iterate")
}

func (s *SQLiteStore) ListGaps(ctx context.Context, filter GapFilter) ([]model.GapMarker, error) {
	query := gapSelect + ` WHERE 1=1`
	var args []any
	if filter.RunID != "" {
		query += ` AND run_id = ?`
		args = append(args, filter.RunID)
	}
	if filter.Source != "" {
		query += ` AND source = ?`
		args = append(args, string(filter.Source))
	}
	query += ` ORDER BY id LIMIT ?`
	args = append(args, limitOr(filter.Limit, 1000))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list gaps")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.GapMarker
	for rows.Next() {
		var g model.GapMarker
		var source, kind string
		if err := rows.Scan(&g.ID, &g.RunID, &source, &g.Token, &g.NextToken, &kind, &g.Error, &g.Signature, &g.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan gap")
		}
		g.Source = model.SourceID(source)
		g.Kind = model.GapKind(kind)
		g.CreatedAt = g.CreatedAt.UTC()
		out = append(out, g)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list gaps iterate")
}

func (s *SQLiteStore) EnrichmentStatuses(ctx context.Context, runID string) (map[string]model.EnrichmentStatus, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT registry_id, status FROM enrichment_status WHERE run_id = ?`, runID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: enrichment statuses")
	}
	defer rows.Close() //nolint:errcheck

	out := make(map[string]model.EnrichmentStatus)
	for rows.Next() {
		var id, status string
		if err := rows.Scan(&id, &status); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan enrichment status")
		}
		out[id] = model.EnrichmentStatus(status)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: enrichment statuses iterate")
}

func (s *SQLiteStore) GetCompany(ctx context.Context, registryID string) (*model.CanonicalCompany, error) {
	row := s.db.QueryRowContext(ctx, companySelect+` WHERE registry_id = ?`, registryID)
	c, err := scanSQLiteCompany(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get company %s", registryID)
	}
	return c, nil
}

func (s *SQLiteStore) ListCompanies(ctx context.Context, filter CompanyFilter) ([]*model.CanonicalCompany, error) {
	query := companySelect
	var args []any
	if filter.AdmittedOnly {
		query += ` WHERE admitted = 1`
	}
	query += ` ORDER BY registry_id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list companies")
	}
	defer rows.Close() //nolint:errcheck

	var out []*model.CanonicalCompany
	for rows.Next() {
		c, err := scanSQLiteCompany(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan company")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list companies iterate")
}

func (s *SQLiteStore) ListUnresolved(ctx context.Context) ([]*model.UnresolvedCompany, error) {
	rows, err := s.db.QueryContext(ctx, unresolvedSelect+` ORDER BY fallback_key`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list unresolved")
	}
	defer rows.Close() //nolint:errcheck

	var out []*model.UnresolvedCompany
	for rows.Next() {
		var r unresolvedRow
		var company, ids string
		if err := rows.Scan(&r.FallbackKey, &r.NormalizedName, &r.Locality, &company, &ids, &r.Attempts); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan unresolved")
		}
		r.Company, r.ExternalIDs = []byte(company), []byte(ids)
		u, err := r.decode()
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list unresolved iterate")
}

func (s *SQLiteStore) CreateRun(ctx context.Context) (*model.Run, error) {
	run := &model.Run{
		ID:        uuid.New().String(),
		Status:    model.RunStatusRunning,
		Stats:     model.NewRunStats(),
		StartedAt: time.Now().UTC(),
	}
	stats, err := json.Marshal(run.Stats)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal stats")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, status, stats, error, started_at) VALUES (?, ?, ?, '', ?)`,
		run.ID, string(run.Status), string(stats), run.StartedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}
	return run, nil
}

func (s *SQLiteStore) UpdateRun(ctx context.Context, run *model.Run) error {
	stats, err := json.Marshal(run.Stats)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal stats")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, stats = ?, error = ?, finished_at = ? WHERE id = ?`,
		string(run.Status), string(stats), run.Error, utcPtr(run.FinishedAt), run.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run %s", run.ID)
	}
	return checkRowsAffected(res, "run", run.ID)
}

func (s *SQLiteStore) LatestRun(ctx context.Context) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx, runSelect+` ORDER BY started_at DESC, rowid DESC LIMIT 1`)
	r, err := scanSQLiteRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: latest run")
	}
	return r, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := runSelect + ` WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY started_at DESC, rowid DESC LIMIT ?`
	args = append(args, limitOr(filter.Limit, 100))

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var runs []model.Run
	for rows.Next() {
		r, err := scanSQLiteRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSQLiteCompany(row scannable) (*model.CanonicalCompany, error) {
	var r companyRow
	var fields, prov, sources string
	var est sql.NullInt64
	if err := row.Scan(&r.RegistryID, &fields, &prov, &sources, &r.LastMergedAt, &est, &r.Admitted, &r.Version); err != nil {
		return nil, err
	}
	r.Fields, r.Provenance, r.Sources = []byte(fields), []byte(prov), []byte(sources)
	if est.Valid {
		r.Estimate = &est.Int64
	}
	return r.decode()
}

func scanSQLiteCursor(row scannable) (*model.CrawlCursor, error) {
	var c model.CrawlCursor
	var source string
	var last sql.NullTime
	if err := row.Scan(&source, &c.Token, &last, &c.ConsecutiveFailures, &c.Exhausted, &c.RunID, &c.LastBatch, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Source = model.SourceID(source)
	if last.Valid {
		t := last.Time.UTC()
		c.LastSuccessAt = &t
	}
	c.UpdatedAt = c.UpdatedAt.UTC()
	return &c, nil
}

func scanSQLiteRun(row scannable) (*model.Run, error) {
	var r model.Run
	var status, stats string
	var finished sql.NullTime
	if err := row.Scan(&r.ID, &status, &stats, &r.Error, &r.StartedAt, &finished); err != nil {
		return nil, err
	}
	r.Status = model.RunStatus(status)
	r.StartedAt = r.StartedAt.UTC()
	if finished.Valid {
		t := finished.Time.UTC()
		r.FinishedAt = &t
	}
	if err := json.Unmarshal([]byte(stats), &r.Stats); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal stats")
	}
	return &r, nil
}
