package audit

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leaklens/audit-cli/internal/compose"
	"github.com/leaklens/audit-cli/internal/extract"
	"github.com/leaklens/audit-cli/internal/model"
	"github.com/leaklens/audit-cli/internal/research"
	"github.com/leaklens/audit-cli/internal/store"
)

type fakeResearcher struct {
	result *research.Result
	panics bool
}

func (f *fakeResearcher) Run(ctx context.Context, offering, location string, onQueryDone func(done, total int)) *research.Result {
	if f.panics {
		panic("perplexity client exploded")
	}
	if onQueryDone != nil {
		for i := 1; i <= 6; i++ {
			onQueryDone(i, 6)
		}
	}
	return f.result
}

type fakeExtractor struct {
	data    model.ExtractedData
	outcome extract.Outcome
}

func (f *fakeExtractor) Run(ctx context.Context, transcript string, sources []string) (model.ExtractedData, extract.Outcome) {
	return f.data, f.outcome
}

type fakeComposer struct {
	content model.ReportContent
	outcome compose.Outcome
}

func (f *fakeComposer) Run(ctx context.Context, in compose.Input) (model.ReportContent, compose.Outcome) {
	return f.content, f.outcome
}

// recordingStore wraps a real store and captures every progress write.
type recordingStore struct {
	store.Store

	mu       sync.Mutex
	progress []int
}

func (r *recordingStore) UpdateJobProgress(ctx context.Context, jobID string, stage string, progress int) error {
	r.mu.Lock()
	r.progress = append(r.progress, progress)
	r.mu.Unlock()
	return r.Store.UpdateJobProgress(ctx, jobID, stage, progress)
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func seedJob(t *testing.T, st store.Store) (caseID, jobID string) {
	t.Helper()
	c, err := st.CreateCase(context.Background(), model.Case{
		Offering: "residential plumbing",
		Location: "Austin, TX",
		Vitals:   model.Vitals{JobsMin: 10, JobsMax: 50, TicketMin: 150, TicketMax: 500},
	})
	require.NoError(t, err)
	job, err := st.CreateJob(context.Background(), c.ID)
	require.NoError(t, err)
	return c.ID, job.ID
}

func healthyStages() (*fakeResearcher, *fakeExtractor, *fakeComposer) {
	fee := "$49"
	return &fakeResearcher{result: &research.Result{
			Transcript:  "=== pricing_fees ===\nAcme charges $89.",
			Sources:     []string{"https://acme.example.com"},
			QueryErrors: map[string]string{},
		}},
		&fakeExtractor{
			data: model.ExtractedData{
				Competitors: []model.Competitor{
					{Name: "Acme", PricingSignals: []string{"$89 service call"}, TripFee: &fee},
				},
				Evidence: []model.Evidence{},
			},
			outcome: extract.Outcome{Attempts: 1},
		},
		&fakeComposer{content: model.DefaultReportContent()}
}

func TestRun_SuccessPersistsReportAndCompletesJob(t *testing.T) {
	st := newTestStore(t)
	caseID, jobID := seedJob(t, st)
	r, e, c := healthyStages()

	o := New(st, r, e, c, Config{ResearchModel: "sonar-pro", GenerationModel: "claude-sonnet-4-5"})
	shareID, err := o.Run(context.Background(), caseID, jobID)
	require.NoError(t, err)
	assert.Len(t, shareID, 12)

	job, err := st.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, job.Status)
	assert.Equal(t, 100, job.Progress)
	assert.NotNil(t, job.CompletedAt)

	var diag map[string]any
	require.NoError(t, json.Unmarshal(job.Diagnostics, &diag))
	assert.Equal(t, false, diag["research_degraded"])
	assert.Equal(t, float64(1), diag["extraction_attempts"])

	report, err := st.GetReportByShareID(context.Background(), shareID)
	require.NoError(t, err)
	assert.Equal(t, jobID, report.JobID)
	assert.Equal(t, "claude-sonnet-4-5", report.Blob.Generation.Model)
	assert.Equal(t, []string{"https://acme.example.com"}, report.Blob.Sources)
	assert.NotEmpty(t, report.Blob.Benchmark.Assumptions)
}

func TestRun_ProgressIsMonotone(t *testing.T) {
	inner := newTestStore(t)
	st := &recordingStore{Store: inner}
	caseID, jobID := seedJob(t, inner)
	r, e, c := healthyStages()

	o := New(st, r, e, c, Config{})
	_, err := o.Run(context.Background(), caseID, jobID)
	require.NoError(t, err)

	require.NotEmpty(t, st.progress)
	for i := 1; i < len(st.progress); i++ {
		assert.GreaterOrEqual(t, st.progress[i], st.progress[i-1],
			"progress write %d regressed: %v", i, st.progress)
	}
	assert.Equal(t, progressRunning, st.progress[0])
	assert.Equal(t, progressCompose, st.progress[len(st.progress)-1])
}

func TestRun_MissingCaseFailsJob(t *testing.T) {
	st := newTestStore(t)
	_, jobID := func() (string, string) {
		c, err := st.CreateCase(context.Background(), model.Case{Offering: "hvac"})
		require.NoError(t, err)
		job, err := st.CreateJob(context.Background(), c.ID)
		require.NoError(t, err)
		return c.ID, job.ID
	}()
	r, e, c := healthyStages()

	o := New(st, r, e, c, Config{})
	_, err := o.Run(context.Background(), "no-such-case", jobID)
	require.Error(t, err)

	job, err := st.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, job.Status)
	assert.Contains(t, job.Error, "no-such-case")
	assert.NotNil(t, job.CompletedAt)
}

func TestRun_PanicIsRecoveredAsFailedJob(t *testing.T) {
	st := newTestStore(t)
	caseID, jobID := seedJob(t, st)
	_, e, c := healthyStages()

	o := New(st, &fakeResearcher{panics: true}, e, c, Config{})
	_, err := o.Run(context.Background(), caseID, jobID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic")

	job, err := st.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, job.Status)
	assert.Contains(t, job.Error, "perplexity client exploded")
}

func TestRun_DegradedResearchStillCompletes(t *testing.T) {
	st := newTestStore(t)
	caseID, jobID := seedJob(t, st)

	r := &fakeResearcher{result: &research.Result{
		Degraded:    true,
		QueryErrors: map[string]string{"pricing_fees": "timeout"},
	}}
	e := &fakeExtractor{data: model.EmptyExtractedData(), outcome: extract.Outcome{UsedFallback: true}}
	c := &fakeComposer{content: model.DefaultReportContent(), outcome: compose.Outcome{UsedFallback: true}}

	o := New(st, r, e, c, Config{})
	shareID, err := o.Run(context.Background(), caseID, jobID)
	require.NoError(t, err)

	report, err := st.GetReportByShareID(context.Background(), shareID)
	require.NoError(t, err)
	assert.True(t, report.Blob.Generation.Degraded)
	assert.True(t, report.Blob.Generation.ExtractionFallback)
	assert.True(t, report.Blob.Generation.CompositionFallback)
	assert.Equal(t, model.ConfidenceLow, report.Blob.Benchmark.Confidence)

	job, err := st.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, job.Status)
}

func TestRun_RerunKeepsOriginalShareID(t *testing.T) {
	st := newTestStore(t)
	caseID, jobID := seedJob(t, st)
	r, e, c := healthyStages()

	o := New(st, r, e, c, Config{})
	first, err := o.Run(context.Background(), caseID, jobID)
	require.NoError(t, err)

	second, err := o.Run(context.Background(), caseID, jobID)
	require.NoError(t, err)
	assert.Equal(t, first, second, "redelivery must return the same share link")
}
