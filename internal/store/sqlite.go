package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/leaklens/audit-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS cases (
	id          TEXT PRIMARY KEY,
	website     TEXT NOT NULL DEFAULT '',
	location    TEXT NOT NULL DEFAULT '',
	offering    TEXT NOT NULL DEFAULT '',
	vitals      TEXT NOT NULL,
	raw_payload TEXT,
	created_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS jobs (
	id           TEXT PRIMARY KEY,
	case_id      TEXT NOT NULL REFERENCES cases(id),
	status       TEXT NOT NULL DEFAULT 'pending',
	stage        TEXT,
	progress     INTEGER NOT NULL DEFAULT 0,
	error        TEXT,
	diagnostics  TEXT,
	created_at   DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at   DATETIME NOT NULL DEFAULT (datetime('now')),
	completed_at DATETIME
);

CREATE TABLE IF NOT EXISTS reports (
	id         TEXT PRIMARY KEY,
	case_id    TEXT NOT NULL REFERENCES cases(id),
	job_id     TEXT NOT NULL UNIQUE REFERENCES jobs(id),
	share_id   TEXT NOT NULL UNIQUE,
	blob       TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_case_id ON jobs(case_id);
CREATE INDEX IF NOT EXISTS idx_reports_share_id ON reports(share_id);
CREATE INDEX IF NOT EXISTS idx_reports_case_created ON reports(case_id, created_at DESC);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateCase(ctx context.Context, c model.Case) (*model.Case, error) {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	c.CreatedAt = time.Now().UTC()
	c.Vitals = c.Vitals.Normalize()

	vitalsJSON, err := json.Marshal(c.Vitals)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal vitals")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO cases (id, website, location, offering, vitals, raw_payload, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Website, c.Location, c.Offering, string(vitalsJSON), nullableText(c.RawPayload), c.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert case")
	}
	return &c, nil
}

func (s *SQLiteStore) GetCase(ctx context.Context, caseID string) (*model.Case, error) {
	var c model.Case
	var vitalsJSON string
	var rawPayload sql.NullString

	err := s.db.QueryRowContext(ctx,
		`SELECT id, website, location, offering, vitals, raw_payload, created_at FROM cases WHERE id = ?`,
		caseID,
	).Scan(&c.ID, &c.Website, &c.Location, &c.Offering, &vitalsJSON, &rawPayload, &c.CreatedAt)
	if eris.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: case %s", caseID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get case %s", caseID)
	}

	if err := json.Unmarshal([]byte(vitalsJSON), &c.Vitals); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal vitals")
	}
	if rawPayload.Valid {
		c.RawPayload = json.RawMessage(rawPayload.String)
	}
	return &c, nil
}

// ImportCases loads intake cases in one transaction, replacing rows on
// id collision.
func (s *SQLiteStore) ImportCases(ctx context.Context, cases []model.Case) (int64, error) {
	if len(cases) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: import cases: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	var count int64
	for _, c := range cases {
		if c.ID == "" {
			c.ID = uuid.New().String()
		}
		vitalsJSON, err := json.Marshal(c.Vitals.Normalize())
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: marshal vitals")
		}
		createdAt := c.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO cases (id, website, location, offering, vitals, raw_payload, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (id) DO UPDATE SET website = excluded.website, location = excluded.location, offering = excluded.offering, vitals = excluded.vitals, raw_payload = excluded.raw_payload`,
			c.ID, c.Website, c.Location, c.Offering, string(vitalsJSON), nullableText(c.RawPayload), createdAt,
		)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: import case %s", c.ID)
		}
		count++
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: import cases: commit tx")
	}
	return count, nil
}

func (s *SQLiteStore) CreateJob(ctx context.Context, caseID string) (*model.Job, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, case_id, status, progress, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, caseID, string(model.JobStatusPending), 0, now, now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert job for case %s", caseID)
	}

	return &model.Job{
		ID:        id,
		CaseID:    caseID,
		Status:    model.JobStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx,
		`SELECT id, case_id, status, stage, progress, error, diagnostics, created_at, updated_at, completed_at FROM jobs WHERE id = ?`,
		jobID,
	))
	if eris.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: job %s", jobID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get job %s", jobID)
	}
	return j, nil
}

func (s *SQLiteStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	query := `SELECT id, case_id, status, stage, progress, error, diagnostics, created_at, updated_at, completed_at FROM jobs WHERE true`
	args := []any{}

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.CaseID != "" {
		query += ` AND case_id = ?`
		args = append(args, filter.CaseID)
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan job")
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "sqlite: list jobs iterate")
}

// MarkJobRunning transitions a job to running and resets its stage and
// progress, so an at-least-once redelivery starts from a clean slate.
func (s *SQLiteStore) MarkJobRunning(ctx context.Context, jobID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, stage = NULL, progress = 0, error = NULL, updated_at = ? WHERE id = ? AND status != ?`,
		string(model.JobStatusRunning), time.Now().UTC(), jobID, string(model.JobStatusCompleted),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark job running %s", jobID)
	}
	return checkRowsAffected(res, "job", jobID)
}

// UpdateJobProgress records the current stage and advances progress.
// MAX keeps progress monotone even if a stale write lands late.
func (s *SQLiteStore) UpdateJobProgress(ctx context.Context, jobID string, stage string, progress int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET stage = ?, progress = MAX(progress, ?), updated_at = ? WHERE id = ?`,
		stage, progress, time.Now().UTC(), jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update job progress %s", jobID)
	}
	return checkRowsAffected(res, "job", jobID)
}

func (s *SQLiteStore) CompleteJob(ctx context.Context, jobID string, diagnostics json.RawMessage) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, progress = 100, diagnostics = ?, updated_at = ?, completed_at = ? WHERE id = ?`,
		string(model.JobStatusCompleted), nullableText(diagnostics), now, now, jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete job %s", jobID)
	}
	return checkRowsAffected(res, "job", jobID)
}

func (s *SQLiteStore) FailJob(ctx context.Context, jobID string, message string, diagnostics json.RawMessage) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, error = ?, diagnostics = ?, updated_at = ?, completed_at = ? WHERE id = ?`,
		string(model.JobStatusFailed), message, nullableText(diagnostics), now, now, jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail job %s", jobID)
	}
	return checkRowsAffected(res, "job", jobID)
}

// CreateReport persists the report for a completed job. On job_id
// collision the original report (and its share ID) is returned, so
// re-running a job never rotates the share link.
func (s *SQLiteStore) CreateReport(ctx context.Context, caseID, jobID string, blob model.ReportBlob) (*model.Report, error) {
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
		return nil, eris.Wrap(err, "sqlite: marshal report blob")
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO reports (id, case_id, job_id, share_id, blob, created_at) VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT (job_id) DO NOTHING`,
		r.ID, r.CaseID, r.JobID, r.ShareID, string(blobJSON), r.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert report for job %s", jobID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert report rows affected")
	}
	if n == 0 {
		return s.GetReportByJobID(ctx, jobID)
	}
	return &r, nil
}

func (s *SQLiteStore) GetReportByShareID(ctx context.Context, shareID string) (*model.Report, error) {
	r, err := scanReport(s.db.QueryRowContext(ctx,
		`SELECT id, case_id, job_id, share_id, blob, created_at FROM reports WHERE share_id = ?`,
		shareID,
	))
	if eris.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: report %s", shareID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get report by share id %s", shareID)
	}
	return r, nil
}

func (s *SQLiteStore) LatestReportForCase(ctx context.Context, caseID string) (*model.Report, error) {
	r, err := scanReport(s.db.QueryRowContext(ctx,
		`SELECT id, case_id, job_id, share_id, blob, created_at FROM reports WHERE case_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		caseID,
	))
	if eris.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: latest report for case %s", caseID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: latest report for case %s", caseID)
	}
	return r, nil
}

func (s *SQLiteStore) GetReportByJobID(ctx context.Context, jobID string) (*model.Report, error) {
	r, err := scanReport(s.db.QueryRowContext(ctx,
		`SELECT id, case_id, job_id, share_id, blob, created_at FROM reports WHERE job_id = ?`,
		jobID,
	))
	if eris.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: report for job %s", jobID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get report by job id %s", jobID)
	}
	return r, nil
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrapf(err, "sqlite: rows affected for %s %s", entity, id)
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "sqlite: %s %s", entity, id)
	}
	return nil
}

// nullableText maps empty raw JSON to SQL NULL.
func nullableText(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
