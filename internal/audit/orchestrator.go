// Package audit runs the full benchmark audit pipeline for one job:
// research, extraction, benchmark, strategy, composition, and report
// persistence. The orchestrator is the exclusive writer of job and
// report state once a job leaves pending.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/leaklens/audit-cli/internal/benchmark"
	"github.com/leaklens/audit-cli/internal/compose"
	"github.com/leaklens/audit-cli/internal/extract"
	"github.com/leaklens/audit-cli/internal/model"
	"github.com/leaklens/audit-cli/internal/research"
	"github.com/leaklens/audit-cli/internal/store"
	"github.com/leaklens/audit-cli/internal/strategy"
)

// Progress checkpoints persisted as stages complete. Research and
// extraction interpolate between their start and end values.
const (
	progressRunning       = 5
	progressResearchStart = 10
	progressResearchEnd   = 30
	progressExtractStart  = 40
	progressExtractEnd    = 48
	progressBenchmark     = 70
	progressStrategy      = 75
	progressCompose       = 85
	progressDone          = 100
)

// Researcher runs the grounded research stage.
type Researcher interface {
	Run(ctx context.Context, offering, location string, onQueryDone func(done, total int)) *research.Result
}

// Extractor converts a research transcript into structured data.
type Extractor interface {
	Run(ctx context.Context, transcript string, sources []string) (model.ExtractedData, extract.Outcome)
}

// Composer writes the narrative report content.
type Composer interface {
	Run(ctx context.Context, in compose.Input) (model.ReportContent, compose.Outcome)
}

// Config carries the model identifiers stamped into report generation
// metadata.
type Config struct {
	ResearchModel   string
	GenerationModel string
}

// Orchestrator executes audits against a store and the three generative
// stages. Benchmark and strategy are pure functions and need no client.
type Orchestrator struct {
	store    store.Store
	research Researcher
	extract  Extractor
	compose  Composer
	cfg      Config
}

func New(st store.Store, r Researcher, e Extractor, c Composer, cfg Config) *Orchestrator {
	return &Orchestrator{store: st, research: r, extract: e, compose: c, cfg: cfg}
}

// diagnostics is the per-job execution record persisted on the job row.
type diagnostics struct {
	ResearchDegraded    bool              `json:"research_degraded"`
	QueryErrors         map[string]string `json:"query_errors,omitempty"`
	SourceCount         int               `json:"source_count"`
	ExtractionAttempts  int               `json:"extraction_attempts"`
	ExtractionFallback  bool              `json:"extraction_fallback"`
	CompositionFallback bool              `json:"composition_fallback"`
	InputTokens         int               `json:"input_tokens"`
	OutputTokens        int               `json:"output_tokens"`
	DurationMS          int64             `json:"duration_ms"`
}

// Run executes the audit pipeline for one job and returns the share ID
// of the persisted report. Safe to invoke again for the same job: the
// run starts from a clean slate and report creation is idempotent.
// Panics are recovered and recorded as a failed job, never propagated.
func (o *Orchestrator) Run(ctx context.Context, caseID, jobID string) (shareID string, err error) {
	log := zap.L().With(zap.String("case_id", caseID), zap.String("job_id", jobID))
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			log.Error("audit: recovered panic", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			err = eris.Errorf("audit: panic: %v", r)
			o.failJob(ctx, jobID, err.Error(), nil)
		}
	}()

	if err := o.store.MarkJobRunning(ctx, jobID); err != nil {
		// A completed job refuses the running transition. If its report
		// exists this is a redelivery: return the original share link.
		if eris.Is(err, store.ErrNotFound) {
			if report, rErr := o.store.GetReportByJobID(ctx, jobID); rErr == nil {
				log.Info("audit: job already completed, returning existing report",
					zap.String("share_id", report.ShareID))
				return report.ShareID, nil
			}
		}
		return "", eris.Wrap(err, "audit: mark job running")
	}
	o.setProgress(ctx, jobID, "running", progressRunning)

	c, err := o.store.GetCase(ctx, caseID)
	if err != nil {
		msg := fmt.Sprintf("load case %s: %s", caseID, err)
		o.failJob(ctx, jobID, msg, nil)
		return "", eris.Wrap(err, "audit: load case")
	}
	vitals := c.Vitals.Normalize()

	var diag diagnostics

	// Research: 10..30, advancing per finished query.
	o.setProgress(ctx, jobID, "research", progressResearchStart)
	res := o.research.Run(ctx, c.Offering, c.Location, func(done, total int) {
		span := progressResearchEnd - progressResearchStart
		o.setProgress(ctx, jobID, "research", progressResearchStart+span*done/total)
	})
	diag.ResearchDegraded = res.Degraded
	diag.QueryErrors = res.QueryErrors
	diag.SourceCount = len(res.Sources)
	diag.InputTokens += res.InputTokens
	diag.OutputTokens += res.OutputTokens
	if ctx.Err() != nil {
		o.failJob(ctx, jobID, "canceled during research", diag.json(log))
		return "", eris.Wrap(ctx.Err(), "audit: research")
	}

	// Extraction: 40..48.
	o.setProgress(ctx, jobID, "extraction", progressExtractStart)
	data, exOut := o.extract.Run(ctx, res.Transcript, res.Sources)
	diag.ExtractionAttempts = exOut.Attempts
	diag.ExtractionFallback = exOut.UsedFallback
	diag.InputTokens += int(exOut.Usage.InputTokens)
	diag.OutputTokens += int(exOut.Usage.OutputTokens)
	o.setProgress(ctx, jobID, "extraction", progressExtractEnd)
	if ctx.Err() != nil {
		o.failJob(ctx, jobID, "canceled during extraction", diag.json(log))
		return "", eris.Wrap(ctx.Err(), "audit: extraction")
	}

	// Benchmark and strategy are deterministic and cannot fail.
	score := benchmark.Score(vitals, data)
	o.setProgress(ctx, jobID, "benchmark", progressBenchmark)

	delta := strategy.DeriveDelta(vitals, data, score)
	profile := strategy.Profile(delta, score)
	o.setProgress(ctx, jobID, "strategy", progressStrategy)

	content, coOut := o.compose.Run(ctx, compose.Input{
		Case:      *c,
		Data:      data,
		Benchmark: score,
		Delta:     delta,
		Strategy:  profile,
	})
	diag.CompositionFallback = coOut.UsedFallback
	diag.InputTokens += int(coOut.Usage.InputTokens)
	diag.OutputTokens += int(coOut.Usage.OutputTokens)
	o.setProgress(ctx, jobID, "composition", progressCompose)

	diag.DurationMS = time.Since(start).Milliseconds()
	blob := model.ReportBlob{
		Content:     content,
		Benchmark:   score,
		Strategy:    profile,
		Delta:       delta,
		Competitors: data.Competitors,
		Evidence:    data.Evidence,
		Sources:     res.Sources,
		Generation: model.Generation{
			Model:               o.cfg.GenerationModel,
			ResearchModel:       o.cfg.ResearchModel,
			Degraded:            res.Degraded,
			ExtractionFallback:  exOut.UsedFallback,
			CompositionFallback: coOut.UsedFallback,
			InputTokens:         diag.InputTokens,
			OutputTokens:        diag.OutputTokens,
			DurationMS:          diag.DurationMS,
			GeneratedAt:         time.Now().UTC(),
		},
	}

	report, err := o.store.CreateReport(ctx, caseID, jobID, blob)
	if err != nil {
		o.failJob(ctx, jobID, fmt.Sprintf("persist report: %s", err), diag.json(log))
		return "", eris.Wrap(err, "audit: create report")
	}

	if err := o.store.CompleteJob(ctx, jobID, diag.json(log)); err != nil {
		return "", eris.Wrap(err, "audit: complete job")
	}

	log.Info("audit: job complete",
		zap.String("share_id", report.ShareID),
		zap.Bool("degraded", res.Degraded),
		zap.Bool("extraction_fallback", exOut.UsedFallback),
		zap.Bool("composition_fallback", coOut.UsedFallback),
		zap.Int64("duration_ms", diag.DurationMS),
	)
	return report.ShareID, nil
}

// setProgress persists a checkpoint; failures are logged, not fatal,
// because progress is advisory while the report is the deliverable.
func (o *Orchestrator) setProgress(ctx context.Context, jobID, stage string, progress int) {
	if err := o.store.UpdateJobProgress(ctx, jobID, stage, progress); err != nil {
		zap.L().Warn("audit: failed to update progress",
			zap.String("job_id", jobID),
			zap.String("stage", stage),
			zap.Int("progress", progress),
			zap.Error(err),
		)
	}
}

func (o *Orchestrator) failJob(ctx context.Context, jobID, message string, diag json.RawMessage) {
	// The failure must land even when the run context is already dead.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := o.store.FailJob(writeCtx, jobID, message, diag); err != nil {
		zap.L().Error("audit: failed to mark job failed",
			zap.String("job_id", jobID),
			zap.String("message", message),
			zap.Error(err),
		)
	}
}

func (d diagnostics) json(log *zap.Logger) json.RawMessage {
	raw, err := json.Marshal(d)
	if err != nil {
		log.Warn("audit: marshal diagnostics", zap.Error(err))
		return nil
	}
	return raw
}
