package model

// EvidenceType classifies what a piece of evidence supports.
type EvidenceType string

const (
	EvidencePricing    EvidenceType = "pricing"
	EvidenceService    EvidenceType = "service"
	EvidenceReputation EvidenceType = "reputation"
	EvidenceGuarantee  EvidenceType = "guarantee"
	EvidenceOther      EvidenceType = "other"
)

// validEvidenceTypes is the closed set a model response may use; anything
// else normalizes to "other".
var validEvidenceTypes = map[EvidenceType]bool{
	EvidencePricing:    true,
	EvidenceService:    true,
	EvidenceReputation: true,
	EvidenceGuarantee:  true,
	EvidenceOther:      true,
}

// Competitor is one extracted competitor profile. Nullable string fields
// stay nil when the research transcript had no signal.
type Competitor struct {
	Name            string   `json:"name"`
	URL             string   `json:"url"`
	Services        []string `json:"services"`
	PricingSignals  []string `json:"pricing_signals"`
	TripFee         *string  `json:"trip_fee"`
	MembershipOffer *string  `json:"membership_offer"`
	WarrantyOffer   *string  `json:"warranty_offer"`
	PremiumSignals  []string `json:"premium_signals"`
	EvidenceIDs     []string `json:"evidence_ids"`
}

// Evidence is a raw snippet plus the source URL backing a competitor claim.
type Evidence struct {
	ID      string       `json:"id"`
	URL     string       `json:"url"`
	Snippet string       `json:"snippet"`
	Type    EvidenceType `json:"type"`
}

// ExtractedData is the structured market evidence produced once per job by
// the extraction stage and consumed read-only downstream.
type ExtractedData struct {
	Competitors []Competitor `json:"competitors"`
	Evidence    []Evidence   `json:"evidence"`
}

// EmptyExtractedData returns the valid zero-value structure used as the
// extraction fallback when both model attempts fail.
func EmptyExtractedData() ExtractedData {
	return ExtractedData{
		Competitors: []Competitor{},
		Evidence:    []Evidence{},
	}
}

// Normalize fills safe defaults so a partially-populated model response
// still satisfies the schema: nil slices become empty, unknown evidence
// types collapse to "other", and competitors without a name are dropped.
func (d ExtractedData) Normalize() ExtractedData {
	out := EmptyExtractedData()

	for _, c := range d.Competitors {
		if c.Name == "" {
			continue
		}
		if c.Services == nil {
			c.Services = []string{}
		}
		if c.PricingSignals == nil {
			c.PricingSignals = []string{}
		}
		if c.PremiumSignals == nil {
			c.PremiumSignals = []string{}
		}
		if c.EvidenceIDs == nil {
			c.EvidenceIDs = []string{}
		}
		out.Competitors = append(out.Competitors, c)
	}

	for _, e := range d.Evidence {
		if e.Snippet == "" && e.URL == "" {
			continue
		}
		if !validEvidenceTypes[e.Type] {
			e.Type = EvidenceOther
		}
		out.Evidence = append(out.Evidence, e)
	}

	return out
}

// HasPricingEvidence reports whether any competitor carries a pricing
// signal or any evidence item is pricing-typed.
func (d ExtractedData) HasPricingEvidence() bool {
	for _, c := range d.Competitors {
		if len(c.PricingSignals) > 0 {
			return true
		}
	}
	for _, e := range d.Evidence {
		if e.Type == EvidencePricing {
			return true
		}
	}
	return false
}
