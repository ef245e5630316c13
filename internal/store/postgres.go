package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/registry-cli/internal/db"
	"github.com/sells-group/registry-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

var (
	pgCompanyUpsert    = db.MustUpsertSQL(companyUpsert, db.Dollar)
	pgUnresolvedUpsert = db.MustUpsertSQL(unresolvedUpsert, db.Dollar)
	pgCursorUpsert     = db.MustUpsertSQL(cursorUpsert, db.Dollar)
	pgEnrichmentUpsert = db.MustUpsertSQL(enrichmentUpsert, db.Dollar)
	pgGapInsert        = `INSERT INTO gaps (run_id, source, token, next_token, kind, error, signature, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
)

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the checkpoint hot path.
var preparedStatements = map[string]string{
	"upsert_company":    pgCompanyUpsert,
	"upsert_unresolved": pgUnresolvedUpsert,
	"upsert_cursor":     pgCursorUpsert,
	"upsert_enrichment": pgEnrichmentUpsert,
	"insert_gap":        pgGapInsert,
	"load_cursor":       cursorSelect + ` WHERE source = $1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				// Tables may not exist before the first migration.
				var pgErr interface{ SQLState() string }
				if errors.As(err, &pgErr) && pgErr.SQLState() == "42P01" {
					continue
				}
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	status      TEXT NOT NULL DEFAULT 'running',
	stats       JSONB NOT NULL DEFAULT '{}',
	error       TEXT NOT NULL DEFAULT '',
	started_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	finished_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS companies (
	registry_id       TEXT PRIMARY KEY,
	fields            JSONB NOT NULL,
	provenance        JSONB NOT NULL,
	sources           JSONB NOT NULL,
	last_merged_at    TIMESTAMPTZ NOT NULL,
	employee_estimate BIGINT,
	admitted          BOOLEAN NOT NULL DEFAULT false,
	version           BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS unresolved (
	fallback_key    TEXT PRIMARY KEY,
	normalized_name TEXT NOT NULL,
	locality        TEXT NOT NULL DEFAULT '',
	company         JSONB NOT NULL,
	external_ids    JSONB NOT NULL DEFAULT '{}',
	attempts        INTEGER NOT NULL DEFAULT 0,
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS cursors (
	source               TEXT PRIMARY KEY,
	token                TEXT NOT NULL DEFAULT '',
	last_success_at      TIMESTAMPTZ,
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	exhausted            BOOLEAN NOT NULL DEFAULT false,
	run_id               TEXT NOT NULL DEFAULT '',
	last_batch           TEXT NOT NULL DEFAULT '',
	updated_at           TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS gaps (
	id         BIGSERIAL PRIMARY KEY,
	run_id     TEXT NOT NULL,
	source     TEXT NOT NULL,
	token      TEXT NOT NULL DEFAULT '',
	next_token TEXT NOT NULL DEFAULT '',
	kind       TEXT NOT NULL,
	error      TEXT NOT NULL DEFAULT '',
	signature  TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS enrichment_status (
	registry_id  TEXT NOT NULL,
	run_id       TEXT NOT NULL,
	status       TEXT NOT NULL,
	attempted_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (registry_id, run_id)
);

CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at DESC);
CREATE INDEX IF NOT EXISTS idx_companies_admitted ON companies(admitted) WHERE admitted;
CREATE INDEX IF NOT EXISTS idx_gaps_run_id ON gaps(run_id);
CREATE INDEX IF NOT EXISTS idx_gaps_source ON gaps(source);
CREATE INDEX IF NOT EXISTS idx_enrichment_status_run_id ON enrichment_status(run_id);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// CommitBatch writes b in a single transaction.
func (s *PostgresStore) CommitBatch(ctx context.Context, b Batch) error {
	if b.Empty() {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin batch")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	now := time.Now().UTC()
	for _, c := range b.Companies {
		row, err := encodeCompany(c)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, pgCompanyUpsert,
			row.RegistryID, row.Fields, row.Provenance, row.Sources,
			row.LastMergedAt, row.Estimate, row.Admitted, row.Version,
		); err != nil {
			return eris.Wrapf(err, "postgres: upsert company %s", c.RegistryID)
		}
	}
	for _, u := range b.Unresolved {
		row, err := encodeUnresolved(u)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, pgUnresolvedUpsert,
			row.FallbackKey, row.NormalizedName, row.Locality, row.Company,
			row.ExternalIDs, row.Attempts, now,
		); err != nil {
			return eris.Wrapf(err, "postgres: upsert unresolved %s", u.FallbackKey)
		}
	}
	if len(b.Promoted) > 0 {
		if _, err := tx.Exec(ctx, `DELETE FROM unresolved WHERE fallback_key = ANY($1)`, b.Promoted); err != nil {
			return eris.Wrap(err, "postgres: delete promoted")
		}
	}
	if g := b.Gap; g != nil {
		if _, err := tx.Exec(ctx, pgGapInsert,
			g.RunID, string(g.Source), g.Token, g.NextToken, string(g.Kind), g.Error, g.Signature, g.CreatedAt.UTC(),
		); err != nil {
			return eris.Wrapf(err, "postgres: insert gap for %s", g.Source)
		}
	}
	for _, a := range b.Enrichment {
		if _, err := tx.Exec(ctx, pgEnrichmentUpsert,
			a.RegistryID, a.RunID, string(a.Status), a.AttemptedAt.UTC(),
		); err != nil {
			return eris.Wrapf(err, "postgres: upsert enrichment status %s", a.RegistryID)
		}
	}
	if c := b.Cursor; c != nil {
		if _, err := tx.Exec(ctx, pgCursorUpsert,
			string(c.Source), c.Token, utcPtr(c.LastSuccessAt), c.ConsecutiveFailures, c.Exhausted,
			c.RunID, c.LastBatch, c.UpdatedAt.UTC(),
		); err != nil {
			return eris.Wrapf(err, "postgres: upsert cursor %s", c.Source)
		}
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit batch")
}

func (s *PostgresStore) LoadCursor(ctx context.Context, source model.SourceID) (*model.CrawlCursor, error) {
	c, err := scanPgCursor(s.pool.QueryRow(ctx, cursorSelect+` WHERE source = $1`, string(source)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: load cursor %s", source)
	}
	return c, nil
}

func (s *PostgresStore) ListCursors(ctx context.Context) ([]model.CrawlCursor, error) {
	rows, err := s.pool.Query(ctx, cursorSelect+` ORDER BY source`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list cursors")
	}
	defer rows.Close()

	var out []model.CrawlCursor
	for rows.Next() {
		c, err := scanPgCursor(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan cursor")
		}
		out = append(out, *c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list cursors iterate")
}

func (s *PostgresStore) ListGaps(ctx context.Context, filter GapFilter) ([]model.GapMarker, error) {
	query := gapSelect + ` WHERE true`
	args := []any{}
	argIdx := 1

	if filter.RunID != "" {
		query += fmt.Sprintf(` AND run_id = $%d`, argIdx)
		args = append(args, filter.RunID)
		argIdx++
	}
	if filter.Source != "" {
		query += fmt.Sprintf(` AND source = $%d`, argIdx)
		args = append(args, string(filter.Source))
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY id LIMIT $%d`, argIdx)
	args = append(args, limitOr(filter.Limit, 1000))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list gaps")
	}
	defer rows.Close()

	var out []model.GapMarker
	for rows.Next() {
		var g model.GapMarker
		var source, kind string
		if err := rows.Scan(&g.ID, &g.RunID, &source, &g.Token, &g.NextToken, &kind, &g.Error, &g.Signature, &g.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan gap")
		}
		g.Source = model.SourceID(source)
		g.Kind = model.GapKind(kind)
		g.CreatedAt = g.CreatedAt.UTC()
		out = append(out, g)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list gaps iterate")
}

func (s *PostgresStore) EnrichmentStatuses(ctx context.Context, runID string) (map[string]model.EnrichmentStatus, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT registry_id, status FROM enrichment_status WHERE run_id = $1`, runID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: enrichment statuses")
	}
	defer rows.Close()

	out := make(map[string]model.EnrichmentStatus)
	for rows.Next() {
		var id, status string
		if err := rows.Scan(&id, &status); err != nil {
			return nil, eris.Wrap(err, "postgres: scan enrichment status")
		}
		out[id] = model.EnrichmentStatus(status)
	}
	return out, eris.Wrap(rows.Err(), "postgres: enrichment statuses iterate")
}

func (s *PostgresStore) GetCompany(ctx context.Context, registryID string) (*model.CanonicalCompany, error) {
	c, err := scanPgCompany(s.pool.QueryRow(ctx, companySelect+` WHERE registry_id = $1`, registryID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get company %s", registryID)
	}
	return c, nil
}

func (s *PostgresStore) ListCompanies(ctx context.Context, filter CompanyFilter) ([]*model.CanonicalCompany, error) {
	query := companySelect
	args := []any{}
	argIdx := 1
	if filter.AdmittedOnly {
		query += ` WHERE admitted`
	}
	query += ` ORDER BY registry_id`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, argIdx)
		args = append(args, filter.Limit)
		argIdx++
		if filter.Offset > 0 {
			query += fmt.Sprintf(` OFFSET $%d`, argIdx)
			args = append(args, filter.Offset)
		}
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list companies")
	}
	defer rows.Close()

	var out []*model.CanonicalCompany
	for rows.Next() {
		c, err := scanPgCompany(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan company")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list companies iterate")
}

func (s *PostgresStore) ListUnresolved(ctx context.Context) ([]*model.UnresolvedCompany, error) {
	rows, err := s.pool.Query(ctx, unresolvedSelect+` ORDER BY fallback_key`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list unresolved")
	}
	defer rows.Close()

	var out []*model.UnresolvedCompany
	for rows.Next() {
		var r unresolvedRow
		if err := rows.Scan(&r.FallbackKey, &r.NormalizedName, &r.Locality, &r.Company, &r.ExternalIDs, &r.Attempts); err != nil {
			return nil, eris.Wrap(err, "postgres: scan unresolved")
		}
		u, err := r.decode()
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list unresolved iterate")
}

func (s *PostgresStore) CreateRun(ctx context.Context) (*model.Run, error) {
	run := &model.Run{
		ID:        uuid.New().String(),
		Status:    model.RunStatusRunning,
		Stats:     model.NewRunStats(),
		StartedAt: time.Now().UTC(),
	}
	stats, err := json.Marshal(run.Stats)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal stats")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO runs (id, status, stats, error, started_at) VALUES ($1, $2, $3, '', $4)`,
		run.ID, string(run.Status), stats, run.StartedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}
	return run, nil
}

func (s *PostgresStore) UpdateRun(ctx context.Context, run *model.Run) error {
	stats, err := json.Marshal(run.Stats)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal stats")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, stats = $2, error = $3, finished_at = $4 WHERE id = $5`,
		string(run.Status), stats, run.Error, utcPtr(run.FinishedAt), run.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run %s", run.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found: %s", run.ID)
	}
	return nil
}

func (s *PostgresStore) LatestRun(ctx context.Context) (*model.Run, error) {
	r, err := scanPgRun(s.pool.QueryRow(ctx, runSelect+` ORDER BY started_at DESC, id DESC LIMIT 1`))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: latest run")
	}
	return r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := runSelect + ` WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY started_at DESC LIMIT $%d`, argIdx)
	args = append(args, limitOr(filter.Limit, 100))
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanPgRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func scanPgCompany(row pgx.Row) (*model.CanonicalCompany, error) {
	var r companyRow
	if err := row.Scan(&r.RegistryID, &r.Fields, &r.Provenance, &r.Sources, &r.LastMergedAt, &r.Estimate, &r.Admitted, &r.Version); err != nil {
		return nil, err
	}
	return r.decode()
}

func scanPgCursor(row pgx.Row) (*model.CrawlCursor, error) {
	var c model.CrawlCursor
	var source string
	if err := row.Scan(&source, &c.Token, &c.LastSuccessAt, &c.ConsecutiveFailures, &c.Exhausted, &c.RunID, &c.LastBatch, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Source = model.SourceID(source)
	c.LastSuccessAt = utcPtr(c.LastSuccessAt)
	c.UpdatedAt = c.UpdatedAt.UTC()
	return &c, nil
}

func scanPgRun(row pgx.Row) (*model.Run, error) {
	var r model.Run
	var status string
	var stats []byte
	if err := row.Scan(&r.ID, &status, &stats, &r.Error, &r.StartedAt, &r.FinishedAt); err != nil {
		return nil, err
	}
	r.Status = model.RunStatus(status)
	r.StartedAt = r.StartedAt.UTC()
	r.FinishedAt = utcPtr(r.FinishedAt)
	if err := json.Unmarshal(stats, &r.Stats); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal stats")
	}
	return &r, nil
}
