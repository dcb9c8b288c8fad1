package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leaklens/audit-cli/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func TestPostgresStore_GetCase_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, website, location, offering, vitals, raw_payload, created_at FROM cases WHERE id = \$1`).
		WithArgs("missing-case").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetCase(context.Background(), "missing-case")
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateCase(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO cases`).
		WithArgs(pgxmock.AnyArg(), "https://acme.com", "Austin, TX", "plumbing", pgxmock.AnyArg(), nil, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	c, err := s.CreateCase(context.Background(), model.Case{
		Website:  "https://acme.com",
		Location: "Austin, TX",
		Offering: "plumbing",
		Vitals:   model.Vitals{JobsMin: 50, JobsMax: 10}, // inverted on purpose
	})
	require.NoError(t, err)
	assert.NotEmpty(t, c.ID)
	assert.Equal(t, 10.0, c.Vitals.JobsMin, "vitals normalized before persist")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MarkJobRunning_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE jobs SET status`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), "missing-job", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.MarkJobRunning(context.Background(), "missing-job")
	assert.True(t, eris.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateJobProgress_MonotoneSQL(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	// GREATEST in the statement keeps stale progress writes from
	// rolling the value back.
	mock.ExpectExec(`UPDATE jobs SET stage = \$1, progress = GREATEST\(progress, \$2\)`).
		WithArgs("research", 30, pgxmock.AnyArg(), "job-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.UpdateJobProgress(context.Background(), "job-1", "research", 30)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CompleteJob(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	diag := json.RawMessage(`{"degraded":false}`)
	mock.ExpectExec(`UPDATE jobs SET status = \$1, progress = 100`).
		WithArgs(string(model.JobStatusCompleted), []byte(diag), pgxmock.AnyArg(), "job-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.CompleteJob(context.Background(), "job-1", diag)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateReport_ConflictReturnsExisting(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	blob := model.ReportBlob{Content: model.DefaultReportContent()}
	blobJSON, err := json.Marshal(blob)
	require.NoError(t, err)

	mock.ExpectExec(`INSERT INTO reports .* ON CONFLICT \(job_id\) DO NOTHING`).
		WithArgs(pgxmock.AnyArg(), "case-1", "job-1", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery(`SELECT id, case_id, job_id, share_id, blob, created_at FROM reports WHERE job_id = \$1`).
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "case_id", "job_id", "share_id", "blob", "created_at"}).
			AddRow("report-1", "case-1", "job-1", "abc123def456", blobJSON, testTime()))

	r, err := s.CreateReport(context.Background(), "case-1", "job-1", blob)
	require.NoError(t, err)
	assert.Equal(t, "report-1", r.ID)
	assert.Equal(t, "abc123def456", r.ShareID, "original share id survives re-run")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetReportByShareID_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, case_id, job_id, share_id, blob, created_at FROM reports WHERE share_id = \$1`).
		WithArgs("unknown-share").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetReportByShareID(context.Background(), "unknown-share")
	assert.True(t, eris.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListJobs_Filters(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT .* FROM jobs WHERE true AND status = \$1 AND case_id = \$2 ORDER BY created_at DESC LIMIT \$3`).
		WithArgs(string(model.JobStatusRunning), "case-1", 10).
		WillReturnRows(pgxmock.NewRows([]string{"id", "case_id", "status", "stage", "progress", "error", "diagnostics", "created_at", "updated_at", "completed_at"}).
			AddRow("job-1", "case-1", string(model.JobStatusRunning), ptr("research"), 30, nil, nil, testTime(), testTime(), nil))

	jobs, err := s.ListJobs(context.Background(), JobFilter{
		Status: model.JobStatusRunning,
		CaseID: "case-1",
		Limit:  10,
	})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "research", jobs[0].Stage)
	assert.Equal(t, 30, jobs[0].Progress)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func testTime() time.Time {
	return time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
}

func ptr[T any](v T) *T {
	return &v
}
