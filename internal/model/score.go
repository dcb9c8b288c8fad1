package model

// Confidence grades how much competitor evidence backs the benchmark.
type Confidence string

const (
	ConfidenceLow  Confidence = "LOW"
	ConfidenceMed  Confidence = "MED"
	ConfidenceHigh Confidence = "HIGH"
)

// Price corridor classifications.
const (
	CorridorMid     = "mid"
	CorridorUnknown = "unknown"
)

// Bounds is a low/high pair in dollars.
type Bounds struct {
	Low  float64 `json:"low"`
	High float64 `json:"high"`
}

// LeakRange carries the estimated recoverable revenue gap at three
// horizons, each as a low/high pair.
type LeakRange struct {
	PerJob   Bounds `json:"per_job"`
	PerMonth Bounds `json:"per_month"`
	PerYear  Bounds `json:"per_year"`
}

// ScoreResult is the deterministic benchmark output. It is never persisted
// on its own — only embedded into the final report content.
type ScoreResult struct {
	Confidence       Confidence `json:"confidence"`
	PriceCorridor    string     `json:"price_corridor"`
	MembershipCommon bool       `json:"membership_common"`
	TripFeeCommon    bool       `json:"trip_fee_common"`
	WarrantyCommon   bool       `json:"warranty_common"`
	JobsPerMonth     float64    `json:"jobs_per_month"`
	AvgTicket        float64    `json:"avg_ticket"`
	LeakPctLow       float64    `json:"leak_pct_low"`
	LeakPctHigh      float64    `json:"leak_pct_high"`
	Leak             LeakRange  `json:"leak"`
	Assumptions      []string   `json:"assumptions"`
}

// Price positions relative to the observed market corridor.
const (
	PriceBelowMarket = "below_market"
	PriceAtMarket    = "at_market"
	PriceAboveMarket = "above_market"
)

// MarketDelta summarizes how the business sits against extracted
// competitor data; input to the strategy rule table.
type MarketDelta struct {
	PricePosition         string  `json:"price_position"`
	PriceGapPct           float64 `json:"price_gap_pct"`
	MembershipPenetration float64 `json:"membership_penetration"`
	PremiumSignalGap      int     `json:"premium_signal_gap"`
}

// StrategyProfile holds the five qualitative positioning labels derived
// by the ordered strategy rules.
type StrategyProfile struct {
	MarketPosition     string `json:"market_position"`
	RevenueStrategy    string `json:"revenue_strategy"`
	StructuralPriority string `json:"structural_priority"`
	PricingMove        string `json:"pricing_move"`
	EdgePlay           string `json:"edge_play"`
}
