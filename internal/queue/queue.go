// Package queue dispatches audit jobs through Temporal. One workflow
// per job, keyed by job ID, runs a single RunAudit activity so
// redelivery and retry ride on Temporal's at-least-once contract while
// the orchestrator's idempotent re-run absorbs duplicates.
package queue

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"

	"github.com/leaklens/audit-cli/internal/audit"
)

// TaskQueue is the Temporal task queue all audit jobs flow through.
const TaskQueue = "benchmark-audit"

// AuditInput identifies the job a workflow executes.
type AuditInput struct {
	CaseID string `json:"case_id"`
	JobID  string `json:"job_id"`
}

// AuditResult carries the share link of the persisted report.
type AuditResult struct {
	ShareID string `json:"share_id"`
}

// Options tunes workflow dispatch.
type Options struct {
	// ActivityTimeout bounds one full pipeline run.
	ActivityTimeout time.Duration
	// MaxAttempts caps activity retries; the orchestrator tolerates
	// re-runs, so retrying a flaky run is safe.
	MaxAttempts int32
}

func (o Options) withDefaults() Options {
	if o.ActivityTimeout <= 0 {
		o.ActivityTimeout = 15 * time.Minute
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	return o
}

// DefaultOptions applies to workflows hosted by this worker process.
// The worker command sets it from config before starting; it must not
// change while the worker is running.
var DefaultOptions Options

// AuditWorkflow runs one audit job. Deliberately thin: all pipeline
// logic lives in the activity so the workflow history stays small and
// deterministic.
func AuditWorkflow(ctx workflow.Context, input AuditInput) (AuditResult, error) {
	opts := DefaultOptions.withDefaults()
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: opts.ActivityTimeout,
		HeartbeatTimeout:    2 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval: 10 * time.Second,
			MaximumAttempts: opts.MaxAttempts,
		},
	})

	logger := workflow.GetLogger(ctx)
	logger.Info("starting audit workflow", "case_id", input.CaseID, "job_id", input.JobID)

	var result AuditResult
	if err := workflow.ExecuteActivity(ctx, "RunAudit", input).Get(ctx, &result); err != nil {
		return AuditResult{}, eris.Wrap(err, "queue: run audit activity")
	}
	return result, nil
}

// Activities hosts the RunAudit activity for worker registration.
type Activities struct {
	Orchestrator *audit.Orchestrator
}

// RunAudit executes the full pipeline for one job, heartbeating so a
// stuck worker is detected and the job redelivered elsewhere.
func (a *Activities) RunAudit(ctx context.Context, input AuditInput) (AuditResult, error) {
	heartbeat := startHeartbeat(ctx, 30*time.Second)
	defer heartbeat()

	shareID, err := a.Orchestrator.Run(ctx, input.CaseID, input.JobID)
	if err != nil {
		return AuditResult{}, eris.Wrap(err, "queue: audit run")
	}
	return AuditResult{ShareID: shareID}, nil
}

// startHeartbeat emits activity heartbeats on an interval until the
// returned stop function is called.
func startHeartbeat(ctx context.Context, interval time.Duration) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				activity.RecordHeartbeat(ctx)
			}
		}
	}()
	return func() { close(done) }
}

// Enqueue starts (or joins) the workflow for a job. The workflow ID is
// the job ID, so double-submission of the same job dedupes server-side.
func Enqueue(ctx context.Context, tc client.Client, caseID, jobID string) error {
	_, err := tc.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        jobID,
		TaskQueue: TaskQueue,
	}, AuditWorkflow, AuditInput{CaseID: caseID, JobID: jobID})
	if err != nil {
		return eris.Wrapf(err, "queue: enqueue job %s", jobID)
	}
	zap.L().Info("queue: job enqueued", zap.String("case_id", caseID), zap.String("job_id", jobID))
	return nil
}

// NewWorker builds a Temporal worker hosting the audit workflow and
// activity. The caller runs it with worker.Run(worker.InterruptCh()).
func NewWorker(tc client.Client, acts *Activities) worker.Worker {
	w := worker.New(tc, TaskQueue, worker.Options{})
	w.RegisterWorkflow(AuditWorkflow)
	w.RegisterActivityWithOptions(acts.RunAudit, activity.RegisterOptions{Name: "RunAudit"})
	return w
}
