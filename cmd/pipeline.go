package main

import (
	"time"

	"github.com/rotisserie/eris"

	"github.com/leaklens/audit-cli/internal/audit"
	"github.com/leaklens/audit-cli/internal/compose"
	"github.com/leaklens/audit-cli/internal/extract"
	"github.com/leaklens/audit-cli/internal/research"
	"github.com/leaklens/audit-cli/internal/store"
	anthropicpkg "github.com/leaklens/audit-cli/pkg/anthropic"
	"github.com/leaklens/audit-cli/pkg/perplexity"
)

// buildOrchestrator wires the generative stages to a store. Shared by
// the inline run command and the queue worker.
func buildOrchestrator(st store.Store) (*audit.Orchestrator, error) {
	perplexityClient := perplexity.NewClient(cfg.Perplexity.Key,
		perplexity.WithBaseURL(cfg.Perplexity.BaseURL),
		perplexity.WithModel(cfg.Perplexity.Model),
	)
	anthropicClient := anthropicpkg.NewClient(cfg.Anthropic.Key)

	researchStage, err := research.New(perplexityClient, research.Config{
		Model:            cfg.Perplexity.Model,
		QueryTimeout:     time.Duration(cfg.Research.QueryTimeoutSecs) * time.Second,
		MaxRetries:       cfg.Research.MaxRetries,
		QueriesPerSecond: cfg.Research.QueriesPerSecond,
	})
	if err != nil {
		return nil, eris.Wrap(err, "init research stage")
	}

	extractStage := extract.New(anthropicClient, extract.Config{
		Model:          cfg.Anthropic.Model,
		MaxTokens:      int64(cfg.Extract.MaxTokens),
		AttemptTimeout: time.Duration(cfg.Extract.AttemptTimeoutSecs) * time.Second,
	})

	composeStage := compose.New(anthropicClient, compose.Config{
		Model:          cfg.Anthropic.Model,
		MaxTokens:      int64(cfg.Compose.MaxTokens),
		AttemptTimeout: time.Duration(cfg.Compose.AttemptTimeoutSecs) * time.Second,
	})

	return audit.New(st, researchStage, extractStage, composeStage, audit.Config{
		ResearchModel:   cfg.Perplexity.Model,
		GenerationModel: cfg.Anthropic.Model,
	}), nil
}
