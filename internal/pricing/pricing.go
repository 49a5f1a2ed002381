// Package pricing turns a scored lead into the per-lead price charged to the
// buyer and the acceptance-weighted revenue potential reported to sessions.
package pricing

import (
	"github.com/sunbeam/leadflow/internal/config"
	"github.com/sunbeam/leadflow/internal/domain"
	"github.com/sunbeam/leadflow/internal/scoring"
)

// defaultAcceptance is used for tiers with no rolling buyer data yet.
const defaultAcceptance = 0.80

// AcceptanceSource supplies the rolling buyer acceptance rate per tier.
// ok=false means no data, in which case the default applies.
type AcceptanceSource interface {
	TierAcceptance(tier domain.QualityTier) (rate float64, ok bool)
}

// SurgeSource supplies the current global surge factor, >= 1. The capacity
// controller derives it from unserved-eligible demand vs remaining premium
// buyer capacity.
type SurgeSource interface {
	SurgeFactor() float64
}

// Quote is one priced lead.
type Quote struct {
	Tier             domain.QualityTier `json:"tier"`
	BasePrice        float64            `json:"base_price"`
	QualityFactor    float64            `json:"quality_factor"`
	Multipliers      []string           `json:"multipliers,omitempty"`
	SurgeFactor      float64            `json:"surge_factor"`
	Price            float64            `json:"price"`
	Acceptance       float64            `json:"acceptance_probability"`
	RevenuePotential float64            `json:"revenue_potential"`
}

// Request carries the lead attributes the price depends on.
type Request struct {
	Tier           domain.QualityTier
	Score          int
	MonthlyBill    *float64
	UrgencyCreated bool
	Market         scoring.MarketData
}

// Pricer computes quotes. Safe for concurrent use; all mutable inputs come
// from the injected sources.
type Pricer struct {
	base       map[domain.QualityTier]float64
	surgeCap   float64
	acceptance AcceptanceSource
	surge      SurgeSource
}

// New builds a Pricer. acceptance and surge may be nil; defaults apply.
func New(cfg config.PricingConfig, acceptance AcceptanceSource, surge SurgeSource) *Pricer {
	base := map[domain.QualityTier]float64{
		domain.TierPremium:     250,
		domain.TierStandard:    150,
		domain.TierBasic:       100,
		domain.TierUnqualified: 0,
	}
	for tier, price := range cfg.Base {
		base[domain.QualityTier(tier)] = price
	}
	surgeCap := cfg.SurgeCap
	if surgeCap < 1 {
		surgeCap = 1.5
	}
	return &Pricer{base: base, surgeCap: surgeCap, acceptance: acceptance, surge: surge}
}

// Price computes the quote for one lead. Unqualified leads always price to
// zero regardless of market attributes.
func (p *Pricer) Price(req Request) Quote {
	q := Quote{
		Tier:          req.Tier,
		BasePrice:     p.base[req.Tier],
		QualityFactor: float64(req.Score) / 100,
		SurgeFactor:   1,
		Acceptance:    p.acceptanceFor(req.Tier),
	}
	if q.BasePrice == 0 {
		return q
	}

	price := q.BasePrice * q.QualityFactor

	if req.Market.HighValue {
		price *= 1.20
		q.Multipliers = append(q.Multipliers, "high_value_zip")
	}
	if req.Market.SolarAdoption > 0.15 {
		price *= 1.10
		q.Multipliers = append(q.Multipliers, "high_solar_adoption")
	}
	if req.MonthlyBill != nil && *req.MonthlyBill >= 300 {
		price *= 1.15
		q.Multipliers = append(q.Multipliers, "high_bill")
	}
	if req.UrgencyCreated {
		price *= 1.10
		q.Multipliers = append(q.Multipliers, "urgency_created")
	}

	if p.surge != nil {
		q.SurgeFactor = p.surge.SurgeFactor()
		if q.SurgeFactor < 1 {
			q.SurgeFactor = 1
		}
		if q.SurgeFactor > p.surgeCap {
			q.SurgeFactor = p.surgeCap
		}
		price *= q.SurgeFactor
	}

	q.Price = domain.RoundCents(price)
	q.RevenuePotential = domain.RoundCents(q.Price * q.Acceptance)
	return q
}

func (p *Pricer) acceptanceFor(tier domain.QualityTier) float64 {
	if p.acceptance != nil {
		if rate, ok := p.acceptance.TierAcceptance(tier); ok && rate > 0 && rate <= 1 {
			return rate
		}
	}
	return defaultAcceptance
}
