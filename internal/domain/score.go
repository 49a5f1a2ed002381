package domain

import "time"

// ScoreComponent names the weighted factors of the lead score.
type ScoreComponent string

const (
	ComponentBill       ScoreComponent = "bill"
	ComponentOwnership  ScoreComponent = "ownership"
	ComponentTimeline   ScoreComponent = "timeline"
	ComponentLocation   ScoreComponent = "location"
	ComponentEngagement ScoreComponent = "engagement"
	ComponentCredit     ScoreComponent = "credit"
	ComponentObjections ScoreComponent = "objections"
	ComponentNYCMarket  ScoreComponent = "nyc_market"
)

// Components lists all score components in canonical order.
var Components = []ScoreComponent{
	ComponentBill,
	ComponentOwnership,
	ComponentTimeline,
	ComponentLocation,
	ComponentEngagement,
	ComponentCredit,
	ComponentObjections,
	ComponentNYCMarket,
}

// ScoreSnapshot is the immutable per-turn scoring result. Snapshots are
// append-only; the highest Seq for a session is authoritative.
type ScoreSnapshot struct {
	SessionID  string                     `json:"session_id"`
	LeadID     string                     `json:"lead_id,omitempty"`
	Seq        int                        `json:"seq"`
	Timestamp  time.Time                  `json:"timestamp"`
	Components map[ScoreComponent]float64 `json:"components"`
	Bonuses    []string                   `json:"bonuses,omitempty"`
	Total      int                        `json:"total"`
	Tier       QualityTier                `json:"tier"`

	// UrgencyCreated mirrors the conversation's urgency marker. Pricing
	// downstream of the snapshot needs it; the high-bill bonus only fires
	// at bill >= 400 and cannot stand in for it.
	UrgencyCreated bool `json:"urgency_created,omitempty"`

	// RevenuePotential is price x expected acceptance probability for the
	// tier at snapshot time.
	RevenuePotential float64 `json:"revenue_potential"`

	Gated bool `json:"gated,omitempty"` // ownership gate fired
}

// Clone returns a deep copy so callers can hand snapshots across goroutines.
func (s *ScoreSnapshot) Clone() *ScoreSnapshot {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Components = make(map[ScoreComponent]float64, len(s.Components))
	for k, v := range s.Components {
		cp.Components[k] = v
	}
	cp.Bonuses = append([]string(nil), s.Bonuses...)
	return &cp
}
