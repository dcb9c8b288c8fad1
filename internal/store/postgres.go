package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/leaklens/audit-cli/internal/db"
	"github.com/leaklens/audit-cli/internal/model"
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

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hottest store operations: job polling and
// progress writes during a running audit.
var preparedStatements = map[string]string{
	"get_job":             `SELECT id, case_id, status, stage, progress, error, diagnostics, created_at, updated_at, completed_at FROM jobs WHERE id = $1`,
	"update_job_progress": `UPDATE jobs SET stage = $1, progress = GREATEST(progress, $2), updated_at = $3 WHERE id = $4`,
	"get_case":            `SELECT id, website, location, offering, vitals, raw_payload, created_at FROM cases WHERE id = $1`,
	"get_report_by_share": `SELECT id, case_id, job_id, share_id, blob, created_at FROM reports WHERE share_id = $1`,
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

// Pool returns the underlying database pool for subsystems that need
// direct query access.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS cases (
	id          TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	website     TEXT NOT NULL DEFAULT '',
	location    TEXT NOT NULL DEFAULT '',
	offering    TEXT NOT NULL DEFAULT '',
	vitals      JSONB NOT NULL,
	raw_payload JSONB,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS jobs (
	id           TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	case_id      TEXT NOT NULL REFERENCES cases(id),
	status       TEXT NOT NULL DEFAULT 'pending',
	stage        TEXT,
	progress     INTEGER NOT NULL DEFAULT 0,
	error        TEXT,
	diagnostics  JSONB,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS reports (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	case_id    TEXT NOT NULL REFERENCES cases(id),
	job_id     TEXT NOT NULL UNIQUE REFERENCES jobs(id),
	share_id   TEXT NOT NULL UNIQUE,
	blob       JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_case_id ON jobs(case_id);
CREATE INDEX IF NOT EXISTS idx_reports_share_id ON reports(share_id);
CREATE INDEX IF NOT EXISTS idx_reports_case_created ON reports(case_id, created_at DESC);
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

func (s *PostgresStore) CreateCase(ctx context.Context, c model.Case) (*model.Case, error) {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	c.CreatedAt = time.Now().UTC()
	c.Vitals = c.Vitals.Normalize()

	vitalsJSON, err := json.Marshal(c.Vitals)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal vitals")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO cases (id, website, location, offering, vitals, raw_payload, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ID, c.Website, c.Location, c.Offering, vitalsJSON, nullableJSON(c.RawPayload), c.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert case")
	}
	return &c, nil
}

func (s *PostgresStore) GetCase(ctx context.Context, caseID string) (*model.Case, error) {
	var c model.Case
	var vitalsJSON []byte
	var rawPayload *[]byte

	err := s.pool.QueryRow(ctx,
		`SELECT id, website, location, offering, vitals, raw_payload, created_at FROM cases WHERE id = $1`,
		caseID,
	).Scan(&c.ID, &c.Website, &c.Location, &c.Offering, &vitalsJSON, &rawPayload, &c.CreatedAt)
	if eris.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: case %s", caseID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get case %s", caseID)
	}

	if err := json.Unmarshal(vitalsJSON, &c.Vitals); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal vitals")
	}
	if rawPayload != nil {
		c.RawPayload = *rawPayload
	}
	return &c, nil
}

// ImportCases bulk-loads intake cases, replacing existing rows on id
// collision. Used by batch intake to re-import a corrected file.
func (s *PostgresStore) ImportCases(ctx context.Context, cases []model.Case) (int64, error) {
	rows := make([][]any, 0, len(cases))
	now := time.Now().UTC()
	for _, c := range cases {
		if c.ID == "" {
			c.ID = uuid.New().String()
		}
		vitalsJSON, err := json.Marshal(c.Vitals.Normalize())
		if err != nil {
			return 0, eris.Wrap(err, "postgres: marshal vitals")
		}
		createdAt := c.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		rows = append(rows, []any{c.ID, c.Website, c.Location, c.Offering, vitalsJSON, nullableJSON(c.RawPayload), createdAt})
	}

	n, err := db.BulkUpsert(ctx, s.pool, "cases",
		[]string{"id", "website", "location", "offering", "vitals", "raw_payload", "created_at"},
		[]string{"id"}, rows)
	return n, eris.Wrap(err, "postgres: import cases")
}

func (s *PostgresStore) CreateJob(ctx context.Context, caseID string) (*model.Job, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, case_id, status, progress, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		id, caseID, string(model.JobStatusPending), 0, now, now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: insert job for case %s", caseID)
	}

	return &model.Job{
		ID:        id,
		CaseID:    caseID,
		Status:    model.JobStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT id, case_id, status, stage, progress, error, diagnostics, created_at, updated_at, completed_at FROM jobs WHERE id = $1`,
		jobID,
	))
	if eris.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: job %s", jobID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get job %s", jobID)
	}
	return j, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	query := `SELECT id, case_id, status, stage, progress, error, diagnostics, created_at, updated_at, completed_at FROM jobs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.CaseID != "" {
		query += fmt.Sprintf(` AND case_id = $%d`, argIdx)
		args = append(args, filter.CaseID)
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan job")
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "postgres: list jobs iterate")
}

// MarkJobRunning transitions a job to running and resets its stage and
// progress, so an at-least-once redelivery starts from a clean slate.
func (s *PostgresStore) MarkJobRunning(ctx context.Context, jobID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $1, stage = NULL, progress = 0, error = NULL, updated_at = $2 WHERE id = $3 AND status != $4`,
		string(model.JobStatusRunning), time.Now().UTC(), jobID, string(model.JobStatusCompleted),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark job running %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: job %s", jobID)
	}
	return nil
}

// UpdateJobProgress records the current stage and advances progress.
// GREATEST keeps progress monotone even if a stale write lands late.
func (s *PostgresStore) UpdateJobProgress(ctx context.Context, jobID string, stage string, progress int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET stage = $1, progress = GREATEST(progress, $2), updated_at = $3 WHERE id = $4`,
		stage, progress, time.Now().UTC(), jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update job progress %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: job %s", jobID)
	}
	return nil
}

func (s *PostgresStore) CompleteJob(ctx context.Context, jobID string, diagnostics json.RawMessage) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $1, progress = 100, diagnostics = $2, updated_at = $3, completed_at = $3 WHERE id = $4`,
		string(model.JobStatusCompleted), nullableJSON(diagnostics), now, jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete job %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: job %s", jobID)
	}
	return nil
}

func (s *PostgresStore) FailJob(ctx context.Context, jobID string, message string, diagnostics json.RawMessage) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $1, error = $2, diagnostics = $3, updated_at = $4, completed_at = $4 WHERE id = $5`,
		string(model.JobStatusFailed), message, nullableJSON(diagnostics), now, jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail job %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: job %s", jobID)
	}
	return nil
}

// CreateReport persists the report for a completed job. The job_id
// uniqueness constraint makes re-runs idempotent: if a report already
// exists for the job, the original (and its share ID) is returned.
func (s *PostgresStore) CreateReport(ctx context.Context, caseID, jobID string, blob model.ReportBlob) (*model.Report, error) {
	r := model.Report{
		ID:        uuid.New().String(),
		CaseID:    caseID,
		JobID:     jobID,
		ShareID:   model.NewShareID(),
		Blob:      blob,
		CreatedAt: time.Now().UTC(),
	}

	blobJSON, err := json.Marshal(blob)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal report blob")
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO reports (id, case_id, job_id, share_id, blob, created_at) VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (job_id) DO NOTHING`,
		r.ID, r.CaseID, r.JobID, r.ShareID, blobJSON, r.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: insert report for job %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return s.GetReportByJobID(ctx, jobID)
	}
	return &r, nil
}

func (s *PostgresStore) GetReportByShareID(ctx context.Context, shareID string) (*model.Report, error) {
	r, err := scanReport(s.pool.QueryRow(ctx,
		`SELECT id, case_id, job_id, share_id, blob, created_at FROM reports WHERE share_id = $1`,
		shareID,
	))
	if eris.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: report %s", shareID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get report by share id %s", shareID)
	}
	return r, nil
}

func (s *PostgresStore) LatestReportForCase(ctx context.Context, caseID string) (*model.Report, error) {
	r, err := scanReport(s.pool.QueryRow(ctx,
		`SELECT id, case_id, job_id, share_id, blob, created_at FROM reports WHERE case_id = $1 ORDER BY created_at DESC LIMIT 1`,
		caseID,
	))
	if eris.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: latest report for case %s", caseID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: latest report for case %s", caseID)
	}
	return r, nil
}

func (s *PostgresStore) GetReportByJobID(ctx context.Context, jobID string) (*model.Report, error) {
	r, err := scanReport(s.pool.QueryRow(ctx,
		`SELECT id, case_id, job_id, share_id, blob, created_at FROM reports WHERE job_id = $1`,
		jobID,
	))
	if eris.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: report for job %s", jobID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get report by job id %s", jobID)
	}
	return r, nil
}

// rowScanner covers pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*model.Job, error) {
	var j model.Job
	var stage, errMsg *string
	var diagnostics *[]byte

	err := row.Scan(&j.ID, &j.CaseID, &j.Status, &stage, &j.Progress, &errMsg, &diagnostics, &j.CreatedAt, &j.UpdatedAt, &j.CompletedAt)
	if err != nil {
		return nil, err
	}
	if stage != nil {
		j.Stage = *stage
	}
	if errMsg != nil {
		j.Error = *errMsg
	}
	if diagnostics != nil {
		j.Diagnostics = *diagnostics
	}
	return &j, nil
}

func scanReport(row rowScanner) (*model.Report, error) {
	var r model.Report
	var blobJSON []byte

	if err := row.Scan(&r.ID, &r.CaseID, &r.JobID, &r.ShareID, &blobJSON, &r.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(blobJSON, &r.Blob); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal report blob")
	}
	return &r, nil
}

// nullableJSON maps empty raw JSON to SQL NULL.
func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
