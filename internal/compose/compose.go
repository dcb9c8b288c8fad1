// Package compose turns the benchmark, strategy, and extracted market
// evidence into the narrative report content. Composition gets a single
// model attempt; anything unparseable falls back to the default content
// object so report assembly never blocks job completion.
package compose

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/leaklens/audit-cli/internal/jsonx"
	"github.com/leaklens/audit-cli/internal/model"
	"github.com/leaklens/audit-cli/internal/resilience"
	"github.com/leaklens/audit-cli/pkg/anthropic"
)

const composeSystem = "You are a revenue consultant writing a competitive audit report for a local service business owner. Return ONLY a JSON object matching the requested shape, no prose, no markdown fences."

const contentShape = `{
  "quick_verdict": "string, 2-3 sentences",
  "market_position": "string, one paragraph",
  "top_leaks": [
    {"title": "string", "rationale": "string", "market_contrast": "string",
     "est_monthly_low": 0, "est_monthly_high": 0}
  ],
  "scorecard": [{"area": "string", "grade": "A-F", "note": "string"}],
  "offer_rebuilds": [{"name": "string", "price_anchor": "string", "components": ["string"]}],
  "scripts": [{"scenario": "string", "script": "string"}],
  "seven_day_plan": [{"day": 1, "task": "string"}],
  "assumptions": ["string"]
}`

const composePrompt = `Write the audit report content as JSON matching this exact shape:

%s

Rules:
- Rank exactly 3 leaks, largest estimated monthly impact first.
- Leak dollar estimates must stay inside the benchmark's monthly leak range.
- Every market claim must be supportable from the competitor evidence below; do not invent competitors or prices.
- Grade 5 scorecard areas: pricing, offer structure, membership, guarantees, availability.
- Scripts cover: quoting a job, offering the membership, handling a price objection.
- The seven-day plan has one task per day, days 1 through 7.
- Keep assumptions honest: restate the benchmark's assumptions plus any you add.

BUSINESS
%s

BENCHMARK
%s

STRATEGY
%s

COMPETITOR EVIDENCE
%s`

// Input carries everything the composition prompt is built from.
type Input struct {
	Case      model.Case
	Data      model.ExtractedData
	Benchmark model.ScoreResult
	Delta     model.MarketDelta
	Strategy  model.StrategyProfile
}

// Config controls the composition model call.
type Config struct {
	Model          string
	MaxTokens      int64
	AttemptTimeout time.Duration
}

// Outcome reports how composition went for diagnostics.
type Outcome struct {
	UsedFallback bool
	Usage        anthropic.TokenUsage
}

// Stage composes narrative report content from pipeline outputs.
type Stage struct {
	ai  anthropic.Client
	cfg Config
	log *zap.Logger
}

func New(ai anthropic.Client, cfg Config) *Stage {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 8192
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 90 * time.Second
	}
	return &Stage{ai: ai, cfg: cfg, log: zap.L().With(zap.String("stage", "compose"))}
}

// Run makes one composition attempt. A call failure or unparseable
// response returns DefaultReportContent with UsedFallback set; the job
// still completes with a structurally valid report.
func (s *Stage) Run(ctx context.Context, in Input) (model.ReportContent, Outcome) {
	var outcome Outcome

	retryCfg := resilience.DefaultRetryConfig()
	retryCfg.OnRetry = resilience.RetryLogger("anthropic", "compose")

	prompt := buildPrompt(in)
	resp, err := resilience.DoVal(ctx, retryCfg, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.AttemptTimeout)
		defer cancel()
		return s.ai.CreateMessage(callCtx, anthropic.MessageRequest{
			Model:     s.cfg.Model,
			MaxTokens: s.cfg.MaxTokens,
			System:    composeSystem,
			Messages: []anthropic.Message{
				{Role: "user", Content: prompt},
			},
		})
	})
	if err != nil {
		s.log.Warn("composition call failed, using default content", zap.Error(err))
		outcome.UsedFallback = true
		return model.DefaultReportContent(), outcome
	}
	outcome.Usage.Add(resp.Usage)
	outcome.Usage.LogCost(s.cfg.Model, "compose")

	var content model.ReportContent
	if !jsonx.Decode(resp.Text(), &content) {
		s.log.Warn("composition response unparseable, using default content")
		outcome.UsedFallback = true
		return model.DefaultReportContent(), outcome
	}
	return content.Normalize(), outcome
}

func buildPrompt(in Input) string {
	return fmt.Sprintf(composePrompt,
		contentShape,
		businessBlock(in.Case),
		benchmarkBlock(in.Benchmark),
		strategyBlock(in.Strategy, in.Delta),
		evidenceBlock(in.Data),
	)
}

func businessBlock(c model.Case) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Offering: %s\n", c.Offering)
	fmt.Fprintf(&b, "Location: %s\n", c.Location)
	if c.Website != "" {
		fmt.Fprintf(&b, "Website: %s\n", c.Website)
	}
	v := c.Vitals
	fmt.Fprintf(&b, "Jobs per month: %.0f-%.0f\n", v.JobsMin, v.JobsMax)
	fmt.Fprintf(&b, "Average ticket: $%.0f-$%.0f\n", v.TicketMin, v.TicketMax)
	if v.Availability != "" {
		fmt.Fprintf(&b, "Availability: %s\n", v.Availability)
	}
	fmt.Fprintf(&b, "Offers packages: %t, charges trip fee: %t, has membership: %t, offers warranty: %t",
		v.OffersPkgs, v.ChargesFee, v.HasMembership, v.OffersWty)
	return b.String()
}

func benchmarkBlock(r model.ScoreResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Confidence: %s\n", r.Confidence)
	fmt.Fprintf(&b, "Price corridor: %s\n", r.PriceCorridor)
	fmt.Fprintf(&b, "Market norms — membership common: %t, trip fee common: %t, warranty common: %t\n",
		r.MembershipCommon, r.TripFeeCommon, r.WarrantyCommon)
	fmt.Fprintf(&b, "Estimated leak: %.1f%%-%.1f%% of revenue\n", r.LeakPctLow*100, r.LeakPctHigh*100)
	fmt.Fprintf(&b, "Monthly leak range: $%.0f-$%.0f\n", r.Leak.PerMonth.Low, r.Leak.PerMonth.High)
	fmt.Fprintf(&b, "Annual leak range: $%.0f-$%.0f\n", r.Leak.PerYear.Low, r.Leak.PerYear.High)
	for _, a := range r.Assumptions {
		fmt.Fprintf(&b, "Assumption: %s\n", a)
	}
	return strings.TrimRight(b.String(), "\n")
}

func strategyBlock(p model.StrategyProfile, d model.MarketDelta) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Market position: %s\n", p.MarketPosition)
	fmt.Fprintf(&b, "Revenue strategy: %s\n", p.RevenueStrategy)
	fmt.Fprintf(&b, "Structural priority: %s\n", p.StructuralPriority)
	fmt.Fprintf(&b, "Pricing move: %s\n", p.PricingMove)
	fmt.Fprintf(&b, "Edge play: %s\n", p.EdgePlay)
	fmt.Fprintf(&b, "Price vs market: %s (gap %.0f%%), membership penetration %.0f%%, premium signal gap %d",
		d.PricePosition, d.PriceGapPct*100, d.MembershipPenetration*100, d.PremiumSignalGap)
	return b.String()
}

func evidenceBlock(data model.ExtractedData) string {
	if len(data.Competitors) == 0 {
		return "No competitor evidence was collected. Ground every claim in the business vitals and benchmark only, and say so in the assumptions."
	}
	var b strings.Builder
	for _, c := range data.Competitors {
		fmt.Fprintf(&b, "- %s", c.Name)
		if c.URL != "" {
			fmt.Fprintf(&b, " (%s)", c.URL)
		}
		b.WriteString("\n")
		if len(c.PricingSignals) > 0 {
			fmt.Fprintf(&b, "  pricing: %s\n", strings.Join(c.PricingSignals, "; "))
		}
		if c.TripFee != nil {
			fmt.Fprintf(&b, "  trip fee: %s\n", *c.TripFee)
		}
		if c.MembershipOffer != nil {
			fmt.Fprintf(&b, "  membership: %s\n", *c.MembershipOffer)
		}
		if c.WarrantyOffer != nil {
			fmt.Fprintf(&b, "  warranty: %s\n", *c.WarrantyOffer)
		}
		if len(c.PremiumSignals) > 0 {
			fmt.Fprintf(&b, "  premium: %s\n", strings.Join(c.PremiumSignals, "; "))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
