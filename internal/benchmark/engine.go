// Package benchmark computes the deterministic market benchmark for a case:
// evidence confidence, pricing-pattern commonality flags, and the monetary
// leak range. The engine is a pure function of its inputs — no clock, no
// randomness — so identical inputs always produce bit-identical output.
package benchmark

import (
	"fmt"
	"math"

	"github.com/leaklens/audit-cli/internal/model"
)

// Commonality thresholds: a practice is "common" when the fraction of
// competitors exhibiting it exceeds the threshold.
const (
	membershipThreshold = 0.3
	tripFeeThreshold    = 0.4
	warrantyThreshold   = 0.5
)

// Leak percentage band applied to the average ticket, in points.
const (
	basePctLow  = 10.0
	basePctHigh = 25.0
	pctCap      = 35.0

	membershipBump = 5.0
	tripFeeBump    = 3.0
	warrantyBump   = 2.0
)

// Confidence tier cutoffs.
const (
	highCompetitorMin = 5
	highPricedMin     = 3
	medCompetitorMin  = 3
)

// Score benchmarks the business vitals against extracted competitor
// evidence. Vitals are normalized first, so missing or negative numeric
// inputs fall back to zero rather than poisoning the leak math.
func Score(vitals model.Vitals, data model.ExtractedData) model.ScoreResult {
	vitals = vitals.Normalize()
	data = data.Normalize()

	total := len(data.Competitors)
	priced := 0
	withMembership := 0
	withTripFee := 0
	withWarranty := 0
	for _, c := range data.Competitors {
		if len(c.PricingSignals) > 0 {
			priced++
		}
		if c.MembershipOffer != nil && *c.MembershipOffer != "" {
			withMembership++
		}
		if c.TripFee != nil && *c.TripFee != "" {
			withTripFee++
		}
		if c.WarrantyOffer != nil && *c.WarrantyOffer != "" {
			withWarranty++
		}
	}

	confidence := model.ConfidenceLow
	switch {
	case total >= highCompetitorMin && priced >= highPricedMin:
		confidence = model.ConfidenceHigh
	case total >= medCompetitorMin:
		confidence = model.ConfidenceMed
	}

	// With zero competitors every flag is false; fraction() guards the
	// division.
	membershipCommon := fraction(withMembership, total) > membershipThreshold
	tripFeeCommon := fraction(withTripFee, total) > tripFeeThreshold
	warrantyCommon := fraction(withWarranty, total) > warrantyThreshold

	jobsPerMonth := math.Round((vitals.JobsMin + vitals.JobsMax) / 2)
	avgTicket := (vitals.TicketMin + vitals.TicketMax) / 2

	pctHigh := basePctHigh
	if membershipCommon {
		pctHigh += membershipBump
	}
	if tripFeeCommon {
		pctHigh += tripFeeBump
	}
	if warrantyCommon {
		pctHigh += warrantyBump
	}
	if pctHigh > pctCap {
		pctHigh = pctCap
	}

	perJob := model.Bounds{
		Low:  avgTicket * basePctLow / 100,
		High: avgTicket * pctHigh / 100,
	}
	perMonth := model.Bounds{
		Low:  perJob.Low * jobsPerMonth,
		High: perJob.High * jobsPerMonth,
	}
	perYear := model.Bounds{
		Low:  perMonth.Low * 12,
		High: perMonth.High * 12,
	}

	corridor := model.CorridorUnknown
	if data.HasPricingEvidence() {
		corridor = model.CorridorMid
	}

	assumptions := []string{
		fmt.Sprintf("jobs_per_month = round(avg(%.0f, %.0f)) = %.0f", vitals.JobsMin, vitals.JobsMax, jobsPerMonth),
		fmt.Sprintf("avg_ticket = avg(%.2f, %.2f) = %.2f", vitals.TicketMin, vitals.TicketMax, avgTicket),
		fmt.Sprintf("leak band = %.0f%%-%.0f%% of avg ticket (cap %.0f%%)", basePctLow, pctHigh, pctCap),
		fmt.Sprintf("competitors analyzed = %d (%d with pricing signals)", total, priced),
	}

	return model.ScoreResult{
		Confidence:       confidence,
		PriceCorridor:    corridor,
		MembershipCommon: membershipCommon,
		TripFeeCommon:    tripFeeCommon,
		WarrantyCommon:   warrantyCommon,
		JobsPerMonth:     jobsPerMonth,
		AvgTicket:        avgTicket,
		LeakPctLow:       basePctLow / 100,
		LeakPctHigh:      pctHigh / 100,
		Leak: model.LeakRange{
			PerJob:   perJob,
			PerMonth: perMonth,
			PerYear:  perYear,
		},
		Assumptions: assumptions,
	}
}

func fraction(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total)
}
