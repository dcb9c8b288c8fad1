package strategy

import "github.com/leaklens/audit-cli/internal/model"

// Label vocabulary used by the rule table.
const (
	PositionDiscountDrift     = "Discount Drift"
	PositionUnderLeveragedMid = "Under-Leveraged Mid-Tier"
	PositionPremiumAttempt    = "Premium Attempt"
	PositionSteadyMid         = "Steady Mid-Tier"

	StrategyTicketExpansion  = "Ticket Expansion"
	StrategyVolumeEfficiency = "Volume Efficiency"
	StrategyHighTicketOpt    = "High Ticket Optimization"

	PriorityOfferArchitecture  = "Offer Architecture"
	PriorityMembershipMonetize = "Membership Monetization"
	PriorityPremiumBundle      = "Premium Service Bundling"

	MoveRaisePrices   = "Raise prices 5-15% on core services"
	MoveDefendPricing = "Defend current pricing with proof of value"
	MoveHoldAndBundle = "Hold pricing, shift value into bundles"

	EdgeSpeedGuarantee = "Speed & Guarantee Play"
	EdgePremiumSignal  = "Premium Signal Play"
	EdgeTrustProof     = "Trust & Proof Play"
)

// Membership penetration above this fraction of competitors shifts the
// structural priority.
const membershipPriorityThreshold = 0.5

// Low-volume/high-ticket cutoffs for the revenue strategy override.
const (
	lowVolumeJobs    = 40.0
	highTicketAmount = 400.0
)

// Profile applies the ordered rule list. Rules run top to bottom and
// later rules intentionally overwrite labels set by earlier ones —
// reordering them changes the output.
func Profile(delta model.MarketDelta, score model.ScoreResult) model.StrategyProfile {
	p := model.StrategyProfile{
		MarketPosition:     PositionSteadyMid,
		RevenueStrategy:    StrategyVolumeEfficiency,
		StructuralPriority: PriorityOfferArchitecture,
		PricingMove:        MoveHoldAndBundle,
		EdgePlay:           EdgeTrustProof,
	}

	// Rule 1: price position.
	switch delta.PricePosition {
	case model.PriceBelowMarket:
		p.MarketPosition = PositionDiscountDrift
		p.RevenueStrategy = StrategyTicketExpansion
		p.PricingMove = MoveRaisePrices
	case model.PriceAtMarket:
		if delta.PremiumSignalGap > 0 {
			p.MarketPosition = PositionUnderLeveragedMid
			p.EdgePlay = EdgePremiumSignal
		}
	case model.PriceAboveMarket:
		p.MarketPosition = PositionPremiumAttempt
		p.PricingMove = MoveDefendPricing
		p.EdgePlay = EdgeSpeedGuarantee
	}

	// Rule 2: membership penetration overrides the structural priority.
	if delta.MembershipPenetration > membershipPriorityThreshold {
		p.StructuralPriority = PriorityMembershipMonetize
	}

	// Rule 3: common premium bundling in the market without a membership
	// takeover points at bundling instead.
	if delta.PremiumSignalGap >= 2 && delta.MembershipPenetration <= membershipPriorityThreshold {
		p.StructuralPriority = PriorityPremiumBundle
	}

	// Rule 4: low volume with high average ticket overrides the revenue
	// strategy regardless of price position.
	if score.JobsPerMonth > 0 && score.JobsPerMonth < lowVolumeJobs && score.AvgTicket >= highTicketAmount {
		p.RevenueStrategy = StrategyHighTicketOpt
	}

	return p
}
