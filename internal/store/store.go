// Package store persists cases, jobs, and reports. Two implementations
// share one interface: PostgresStore for deployed environments and
// SQLiteStore for local runs and tests.
package store

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/leaklens/audit-cli/internal/model"
)

// ErrNotFound is returned when a requested case, job, or report does not
// exist. Callers distinguish it from infrastructure failures with
// eris.Is.
var ErrNotFound = eris.New("store: not found")

// JobFilter specifies criteria for listing jobs.
type JobFilter struct {
	Status model.JobStatus `json:"status,omitempty"`
	CaseID string          `json:"case_id,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Offset int             `json:"offset,omitempty"`
}

// Store defines the persistence interface for the audit pipeline. The
// orchestrator is the only writer of job and report rows once a job
// leaves pending.
type Store interface {
	// Cases
	CreateCase(ctx context.Context, c model.Case) (*model.Case, error)
	GetCase(ctx context.Context, caseID string) (*model.Case, error)
	ImportCases(ctx context.Context, cases []model.Case) (int64, error)

	// Jobs
	CreateJob(ctx context.Context, caseID string) (*model.Job, error)
	GetJob(ctx context.Context, jobID string) (*model.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error)
	MarkJobRunning(ctx context.Context, jobID string) error
	UpdateJobProgress(ctx context.Context, jobID string, stage string, progress int) error
	CompleteJob(ctx context.Context, jobID string, diagnostics json.RawMessage) error
	FailJob(ctx context.Context, jobID string, message string, diagnostics json.RawMessage) error

	// Reports
	CreateReport(ctx context.Context, caseID, jobID string, blob model.ReportBlob) (*model.Report, error)
	GetReportByJobID(ctx context.Context, jobID string) (*model.Report, error)
	GetReportByShareID(ctx context.Context, shareID string) (*model.Report, error)
	LatestReportForCase(ctx context.Context, caseID string) (*model.Report, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}
