package model

import (
	"crypto/rand"
	"time"
)

// RankedLeak is one entry in the report's ranked leak list.
type RankedLeak struct {
	Title          string  `json:"title"`
	Rationale      string  `json:"rationale"`
	MarketContrast string  `json:"market_contrast"`
	EstMonthlyLow  float64 `json:"est_monthly_low"`
	EstMonthlyHigh float64 `json:"est_monthly_high"`
}

// ScorecardRow grades one operational area.
type ScorecardRow struct {
	Area  string `json:"area"`
	Grade string `json:"grade"`
	Note  string `json:"note"`
}

// OfferRebuild is a packaged offer recommendation.
type OfferRebuild struct {
	Name        string   `json:"name"`
	PriceAnchor string   `json:"price_anchor"`
	Components  []string `json:"components"`
}

// Script is a customer-facing talk track for one scenario.
type Script struct {
	Scenario string `json:"scenario"`
	Script   string `json:"script"`
}

// PlanItem is one task in the seven-day action plan.
type PlanItem struct {
	Day  int    `json:"day"`
	Task string `json:"task"`
}

// ReportContent is the narrative payload produced by the composition
// stage. Every field has a safe zero value; DefaultReportContent is the
// non-failing fallback when composition output cannot be parsed.
type ReportContent struct {
	QuickVerdict   string         `json:"quick_verdict"`
	MarketPosition string         `json:"market_position"`
	TopLeaks       []RankedLeak   `json:"top_leaks"`
	Scorecard      []ScorecardRow `json:"scorecard"`
	OfferRebuilds  []OfferRebuild `json:"offer_rebuilds"`
	Scripts        []Script       `json:"scripts"`
	SevenDayPlan   []PlanItem     `json:"seven_day_plan"`
	Assumptions    []string       `json:"assumptions"`
}

// DefaultReportContent returns the all-empty-but-valid content object.
func DefaultReportContent() ReportContent {
	return ReportContent{
		TopLeaks:      []RankedLeak{},
		Scorecard:     []ScorecardRow{},
		OfferRebuilds: []OfferRebuild{},
		Scripts:       []Script{},
		SevenDayPlan:  []PlanItem{},
		Assumptions:   []string{},
	}
}

// Normalize fills nil slices so a sparse model response still validates.
func (c ReportContent) Normalize() ReportContent {
	if c.TopLeaks == nil {
		c.TopLeaks = []RankedLeak{}
	}
	if c.Scorecard == nil {
		c.Scorecard = []ScorecardRow{}
	}
	if c.OfferRebuilds == nil {
		c.OfferRebuilds = []OfferRebuild{}
	}
	if c.Scripts == nil {
		c.Scripts = []Script{}
	}
	if c.SevenDayPlan == nil {
		c.SevenDayPlan = []PlanItem{}
	}
	if c.Assumptions == nil {
		c.Assumptions = []string{}
	}
	return c
}

// Generation records how a report was produced, for the report footer
// and for diagnostics.
type Generation struct {
	Model               string    `json:"model"`
	ResearchModel       string    `json:"research_model,omitempty"`
	Degraded            bool      `json:"degraded"`
	ExtractionFallback  bool      `json:"extraction_fallback"`
	CompositionFallback bool      `json:"composition_fallback"`
	InputTokens         int       `json:"input_tokens"`
	OutputTokens        int       `json:"output_tokens"`
	DurationMS          int64     `json:"duration_ms"`
	GeneratedAt         time.Time `json:"generated_at"`
}

// ReportBlob is the full persisted report payload: narrative content plus
// the benchmark, strategy, and evidence it was composed from.
type ReportBlob struct {
	Content     ReportContent   `json:"content"`
	Benchmark   ScoreResult     `json:"benchmark"`
	Strategy    StrategyProfile `json:"strategy"`
	Delta       MarketDelta     `json:"delta"`
	Competitors []Competitor    `json:"competitors"`
	Evidence    []Evidence      `json:"evidence"`
	Sources     []string        `json:"sources"`
	Generation  Generation      `json:"generation"`
}

// Report is the immutable, shareable outcome of one completed job.
type Report struct {
	ID        string     `json:"id"`
	CaseID    string     `json:"case_id"`
	JobID     string     `json:"job_id"`
	ShareID   string     `json:"share_id"`
	Blob      ReportBlob `json:"blob"`
	CreatedAt time.Time  `json:"created_at"`
}

// shareAlphabet avoids ambiguous characters in share tokens.
const shareAlphabet = "abcdefghjkmnpqrstuvwxyz23456789"

// NewShareID generates a 12-character unguessable public token used to
// retrieve a completed report.
func NewShareID() string {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms; if it somehow
		// does, an all-zero buffer still maps into the alphabet.
		_ = err
	}
	for i, b := range buf {
		buf[i] = shareAlphabet[int(b)%len(shareAlphabet)]
	}
	return string(buf)
}
