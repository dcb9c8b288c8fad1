package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leaklens/audit-cli/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func seedCase(t *testing.T, st *SQLiteStore) *model.Case {
	t.Helper()
	c, err := st.CreateCase(context.Background(), model.Case{
		Website:  "https://acme.com",
		Location: "Austin, TX",
		Offering: "residential plumbing",
		Vitals:   model.Vitals{JobsMin: 10, JobsMax: 50, TicketMin: 150, TicketMax: 500},
	})
	require.NoError(t, err)
	return c
}

func TestSQLite_Case_CreateAndGet(t *testing.T) {
	st := newTestSQLiteStore(t)
	created := seedCase(t, st)

	got, err := st.GetCase(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, "residential plumbing", got.Offering)
	assert.Equal(t, 50.0, got.Vitals.JobsMax)
}

func TestSQLite_Case_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)

	_, err := st.GetCase(context.Background(), "nonexistent")
	assert.True(t, eris.Is(err, ErrNotFound))
}

func TestSQLite_Case_RawPayloadRoundTrip(t *testing.T) {
	st := newTestSQLiteStore(t)

	created, err := st.CreateCase(context.Background(), model.Case{
		Offering:   "hvac",
		RawPayload: json.RawMessage(`{"form_version":3}`),
	})
	require.NoError(t, err)

	got, err := st.GetCase(context.Background(), created.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"form_version":3}`, string(got.RawPayload))
}

func TestSQLite_ImportCases_ReplacesOnID(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	n, err := st.ImportCases(ctx, []model.Case{
		{ID: "c1", Offering: "plumbing"},
		{ID: "c2", Offering: "hvac"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// Re-import with a corrected offering for c1.
	_, err = st.ImportCases(ctx, []model.Case{{ID: "c1", Offering: "commercial plumbing"}})
	require.NoError(t, err)

	got, err := st.GetCase(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "commercial plumbing", got.Offering)
}

func TestSQLite_Job_Lifecycle(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	c := seedCase(t, st)

	job, err := st.CreateJob(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusPending, job.Status)
	assert.Equal(t, 0, job.Progress)

	require.NoError(t, st.MarkJobRunning(ctx, job.ID))
	require.NoError(t, st.UpdateJobProgress(ctx, job.ID, "research", 30))

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusRunning, got.Status)
	assert.Equal(t, "research", got.Stage)
	assert.Equal(t, 30, got.Progress)
	assert.Nil(t, got.CompletedAt)

	require.NoError(t, st.CompleteJob(ctx, job.ID, json.RawMessage(`{"degraded":false}`)))

	got, err = st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.NotNil(t, got.CompletedAt)
	assert.JSONEq(t, `{"degraded":false}`, string(got.Diagnostics))
}

func TestSQLite_Job_ProgressNeverRegresses(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	c := seedCase(t, st)
	job, err := st.CreateJob(ctx, c.ID)
	require.NoError(t, err)

	require.NoError(t, st.UpdateJobProgress(ctx, job.ID, "extract", 70))
	require.NoError(t, st.UpdateJobProgress(ctx, job.ID, "research", 30)) // stale write

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 70, got.Progress)
}

func TestSQLite_Job_FailRecordsError(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	c := seedCase(t, st)
	job, err := st.CreateJob(ctx, c.ID)
	require.NoError(t, err)

	require.NoError(t, st.FailJob(ctx, job.ID, "case not found", nil))

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, got.Status)
	assert.Equal(t, "case not found", got.Error)
	assert.NotNil(t, got.CompletedAt)
}

func TestSQLite_Job_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	_, err := st.GetJob(ctx, "nonexistent")
	assert.True(t, eris.Is(err, ErrNotFound))

	err = st.UpdateJobProgress(ctx, "nonexistent", "research", 10)
	assert.True(t, eris.Is(err, ErrNotFound))
}

func TestSQLite_ListJobs_FilterByStatusAndCase(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	c := seedCase(t, st)

	j1, err := st.CreateJob(ctx, c.ID)
	require.NoError(t, err)
	_, err = st.CreateJob(ctx, c.ID)
	require.NoError(t, err)
	require.NoError(t, st.MarkJobRunning(ctx, j1.ID))

	running, err := st.ListJobs(ctx, JobFilter{Status: model.JobStatusRunning, CaseID: c.ID})
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, j1.ID, running[0].ID)

	all, err := st.ListJobs(ctx, JobFilter{CaseID: c.ID})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestSQLite_Report_CreateAndFetchByShareID(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	c := seedCase(t, st)
	job, err := st.CreateJob(ctx, c.ID)
	require.NoError(t, err)

	blob := model.ReportBlob{
		Content:   model.DefaultReportContent(),
		Benchmark: model.ScoreResult{Confidence: model.ConfidenceMed, JobsPerMonth: 30},
		Sources:   []string{"https://acme.example.com"},
	}
	r, err := st.CreateReport(ctx, c.ID, job.ID, blob)
	require.NoError(t, err)
	assert.Len(t, r.ShareID, 12)

	got, err := st.GetReportByShareID(ctx, r.ShareID)
	require.NoError(t, err)
	assert.Equal(t, r.ID, got.ID)
	assert.Equal(t, 30.0, got.Blob.Benchmark.JobsPerMonth)
	assert.Equal(t, []string{"https://acme.example.com"}, got.Blob.Sources)
}

func TestSQLite_Report_IdempotentPerJob(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	c := seedCase(t, st)
	job, err := st.CreateJob(ctx, c.ID)
	require.NoError(t, err)

	first, err := st.CreateReport(ctx, c.ID, job.ID, model.ReportBlob{Content: model.DefaultReportContent()})
	require.NoError(t, err)

	second, err := st.CreateReport(ctx, c.ID, job.ID, model.ReportBlob{Content: model.DefaultReportContent()})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.ShareID, second.ShareID, "re-run must not rotate the share link")
}

func TestSQLite_LatestReportForCase(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	c := seedCase(t, st)

	j1, err := st.CreateJob(ctx, c.ID)
	require.NoError(t, err)
	j2, err := st.CreateJob(ctx, c.ID)
	require.NoError(t, err)

	_, err = st.CreateReport(ctx, c.ID, j1.ID, model.ReportBlob{Content: model.DefaultReportContent()})
	require.NoError(t, err)
	r2, err := st.CreateReport(ctx, c.ID, j2.ID, model.ReportBlob{Content: model.DefaultReportContent()})
	require.NoError(t, err)

	latest, err := st.LatestReportForCase(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, r2.ID, latest.ID)
}

func TestSQLite_LatestReportForCase_None(t *testing.T) {
	st := newTestSQLiteStore(t)
	c := seedCase(t, st)

	_, err := st.LatestReportForCase(context.Background(), c.ID)
	assert.True(t, eris.Is(err, ErrNotFound))
}

func TestSQLite_Migrate_Idempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	require.NoError(t, st.Migrate(context.Background()))
	require.NoError(t, st.Migrate(context.Background()))
}
