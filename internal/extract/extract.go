// Package extract converts the raw research transcript into the
// structured ExtractedData schema via a JSON-constrained model call.
// The stage runs a bounded two-attempt loop — extract, then one repair
// attempt restating the shape rules — and falls back to an empty-but-valid
// structure rather than failing the job.
package extract

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/leaklens/audit-cli/internal/jsonx"
	"github.com/leaklens/audit-cli/internal/model"
	"github.com/leaklens/audit-cli/internal/resilience"
	"github.com/leaklens/audit-cli/pkg/anthropic"
)

// schemaShape is the exact JSON shape restated in both prompts.
const schemaShape = `{
  "competitors": [
    {
      "name": "string",
      "url": "string",
      "services": ["string"],
      "pricing_signals": ["string"],
      "trip_fee": "string or null",
      "membership_offer": "string or null",
      "warranty_offer": "string or null",
      "premium_signals": ["string"],
      "evidence_ids": ["string"]
    }
  ],
  "evidence": [
    {
      "id": "string",
      "url": "string",
      "snippet": "string",
      "type": "pricing | service | reputation | guarantee | other"
    }
  ]
}`

const extractSystem = "You are a market analyst converting research notes into structured JSON. Return ONLY a JSON object, no prose, no markdown fences."

const extractPrompt = `Convert the following competitor research into JSON matching this exact shape:

%s

Rules:
- Include every distinct competitor mentioned by name.
- Quote pricing signals verbatim where possible.
- Use null for trip_fee, membership_offer, and warranty_offer when unknown.
- Use empty lists, never omit keys.
- Every evidence entry needs a unique id (e1, e2, ...) and one of the enumerated types.
- Reference evidence ids from each competitor's evidence_ids.

Known source URLs:
%s

Research notes:
%s

Return ONLY the JSON object.`

const repairPrompt = `Your previous response could not be parsed as JSON matching the required schema.

Required shape, exactly:

%s

Rules, restated:
- Output ONLY a JSON object. No prose, no markdown fences, no trailing text.
- Do not omit any key. Use null for unknown trip_fee/membership_offer/warranty_offer.
- Use [] for empty lists.
- "type" must be one of: pricing, service, reputation, guarantee, other.

Previous response (invalid):
%s

Research notes:
%s

Return ONLY the corrected JSON object.`

// Config tunes the extraction stage.
type Config struct {
	Model          string
	MaxTokens      int64
	AttemptTimeout time.Duration
}

// Outcome reports how extraction went alongside the data itself.
type Outcome struct {
	Attempts     int
	UsedFallback bool
	Usage        anthropic.TokenUsage
}

// Stage converts transcripts into ExtractedData.
type Stage struct {
	ai  anthropic.Client
	cfg Config
}

// New creates an extraction stage.
func New(ai anthropic.Client, cfg Config) *Stage {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 60 * time.Second
	}
	return &Stage{ai: ai, cfg: cfg}
}

// Run performs the two-attempt extraction. It never returns an error:
// when both attempts fail the empty fallback structure is returned with
// UsedFallback set, because extraction quality may degrade but the job
// must always reach a report.
func (s *Stage) Run(ctx context.Context, transcript string, sources []string) (model.ExtractedData, Outcome) {
	log := zap.L().With(zap.String("stage", "extract"))
	outcome := Outcome{}
	defer func() {
		if outcome.Attempts > 0 {
			outcome.Usage.LogCost(s.cfg.Model, "extract")
		}
	}()

	if strings.TrimSpace(transcript) == "" {
		log.Info("extract: empty transcript, using fallback")
		outcome.UsedFallback = true
		return model.EmptyExtractedData(), outcome
	}

	sourceList := strings.Join(sources, "\n")
	prompt := fmt.Sprintf(extractPrompt, schemaShape, sourceList, transcript)

	raw, data, ok := s.attempt(ctx, prompt, &outcome)
	if ok {
		log.Info("extract: attempt 1 succeeded",
			zap.Int("competitors", len(data.Competitors)),
			zap.Int("evidence", len(data.Evidence)),
		)
		return data, outcome
	}

	log.Warn("extract: attempt 1 failed to produce valid JSON, repairing")
	prompt = fmt.Sprintf(repairPrompt, schemaShape, truncate(raw, 4000), transcript)

	if _, data, ok = s.attempt(ctx, prompt, &outcome); ok {
		log.Info("extract: repair attempt succeeded",
			zap.Int("competitors", len(data.Competitors)),
			zap.Int("evidence", len(data.Evidence)),
		)
		return data, outcome
	}

	log.Warn("extract: both attempts failed, using empty fallback")
	outcome.UsedFallback = true
	return model.EmptyExtractedData(), outcome
}

// attempt issues one model call under its own timeout and tries to decode
// the response. Transport-level transient failures retry beneath the
// attempt; a semantic failure (bad JSON) consumes it. Returns the raw
// response text for repair prompts.
func (s *Stage) attempt(ctx context.Context, prompt string, outcome *Outcome) (string, model.ExtractedData, bool) {
	outcome.Attempts++

	retryCfg := resilience.DefaultRetryConfig()
	retryCfg.OnRetry = resilience.RetryLogger("anthropic", "extract")

	resp, err := resilience.DoVal(ctx, retryCfg, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.AttemptTimeout)
		defer cancel()
		return s.ai.CreateMessage(callCtx, anthropic.MessageRequest{
			Model:     s.cfg.Model,
			MaxTokens: s.cfg.MaxTokens,
			System:    extractSystem,
			Messages:  []anthropic.Message{{Role: "user", Content: prompt}},
		})
	})
	if err != nil {
		zap.L().Warn("extract: model call failed", zap.Error(err))
		return "", model.ExtractedData{}, false
	}
	outcome.Usage.Add(resp.Usage)

	raw := resp.Text()
	var data model.ExtractedData
	if !jsonx.Decode(raw, &data) {
		return raw, model.ExtractedData{}, false
	}
	return raw, data.Normalize(), true
}

// truncate cuts s to at most max bytes, backing up to a rune boundary
// so a multi-byte character is never split.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
