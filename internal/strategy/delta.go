// Package strategy maps the benchmark output and a derived market-delta
// summary onto qualitative positioning labels via an ordered rule table.
package strategy

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/leaklens/audit-cli/internal/model"
)

// Price gap fraction beyond which the business counts as below/above market.
const priceGapBand = 0.10

// dollarRe matches dollar amounts inside free-text pricing signals, e.g.
// "$89 service call" or "from $1,200".
var dollarRe = regexp.MustCompile(`\$\s?([0-9][0-9,]*(?:\.[0-9]+)?)`)

// DeriveDelta summarizes the business's position against the extracted
// competitor set. Like the benchmark engine it is pure and deterministic.
func DeriveDelta(vitals model.Vitals, data model.ExtractedData, score model.ScoreResult) model.MarketDelta {
	data = data.Normalize()

	delta := model.MarketDelta{
		PricePosition: model.PriceAtMarket,
	}

	market := marketMedianTicket(data)
	if market > 0 && score.AvgTicket > 0 {
		delta.PriceGapPct = (score.AvgTicket - market) / market
		switch {
		case delta.PriceGapPct < -priceGapBand:
			delta.PricePosition = model.PriceBelowMarket
		case delta.PriceGapPct > priceGapBand:
			delta.PricePosition = model.PriceAboveMarket
		}
	}

	total := len(data.Competitors)
	if total > 0 {
		withMembership := 0
		premiumTotal := 0
		for _, c := range data.Competitors {
			if c.MembershipOffer != nil && *c.MembershipOffer != "" {
				withMembership++
			}
			premiumTotal += len(c.PremiumSignals)
		}
		delta.MembershipPenetration = float64(withMembership) / float64(total)

		// Competitors' average premium-signal count versus the premium
		// signals the business itself presents (24/7 availability,
		// packages, warranty each count as one).
		own := 0
		if vitals.Availability == model.AvailabilityTwentyFour {
			own++
		}
		if vitals.OffersPkgs {
			own++
		}
		if vitals.OffersWty {
			own++
		}
		avgPremium := premiumTotal / total
		delta.PremiumSignalGap = avgPremium - own
	}

	return delta
}

// marketMedianTicket extracts dollar amounts from competitor pricing
// signals and returns their median, or 0 when no amounts are present.
func marketMedianTicket(data model.ExtractedData) float64 {
	var amounts []float64
	for _, c := range data.Competitors {
		for _, sig := range c.PricingSignals {
			for _, m := range dollarRe.FindAllStringSubmatch(sig, -1) {
				raw := strings.ReplaceAll(m[1], ",", "")
				if v, err := strconv.ParseFloat(raw, 64); err == nil && v > 0 {
					amounts = append(amounts, v)
				}
			}
		}
	}
	if len(amounts) == 0 {
		return 0
	}
	sort.Float64s(amounts)
	mid := len(amounts) / 2
	if len(amounts)%2 == 1 {
		return amounts[mid]
	}
	return (amounts[mid-1] + amounts[mid]) / 2
}
