package domain

import "time"

// RoutingStrategy names the action a routing rule selects.
type RoutingStrategy string

const (
	StrategyRevenueMax       RoutingStrategy = "revenue-maximization"
	StrategyCapacityBalance  RoutingStrategy = "capacity-balancing"
	StrategyQualityMatching  RoutingStrategy = "quality-matching"
	StrategyExclusive        RoutingStrategy = "exclusive"
)

// RulePredicate matches leads by attribute. Zero values mean "any".
type RulePredicate struct {
	Tiers    []QualityTier `json:"tiers,omitempty" yaml:"tiers"`
	MinScore int           `json:"min_score,omitempty" yaml:"min_score"`
	MaxScore int           `json:"max_score,omitempty" yaml:"max_score"`
	ZipCodes []string      `json:"zip_codes,omitempty" yaml:"zip_codes"`
	Boroughs []string      `json:"boroughs,omitempty" yaml:"boroughs"`
	Flags    []string      `json:"flags,omitempty" yaml:"flags"`
}

// RoutingRule is a declarative predicate + action. Higher priority wins ties.
type RoutingRule struct {
	ID                 string          `json:"id" db:"id"`
	Name               string          `json:"name" db:"name"`
	Priority           int             `json:"priority" db:"priority"`
	Predicate          RulePredicate   `json:"predicate"`
	Strategy           RoutingStrategy `json:"strategy" db:"strategy"`
	PreferredPlatforms []string        `json:"preferred_platforms,omitempty" db:"preferred_platforms"`
	Enabled            bool            `json:"enabled" db:"enabled"`
}

// Matches reports whether the rule's predicate matches the lead. Flags are
// matched against derived lead facts computed by the routing engine.
func (r *RoutingRule) Matches(lead *Lead, flags map[string]bool) bool {
	if !r.Enabled {
		return false
	}
	if len(r.Predicate.Tiers) > 0 {
		found := false
		for _, t := range r.Predicate.Tiers {
			if t == lead.Tier {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if r.Predicate.MinScore > 0 && lead.Score < r.Predicate.MinScore {
		return false
	}
	if r.Predicate.MaxScore > 0 && lead.Score > r.Predicate.MaxScore {
		return false
	}
	if len(r.Predicate.ZipCodes) > 0 && !containsString(r.Predicate.ZipCodes, lead.Property.ZipCode) {
		return false
	}
	if len(r.Predicate.Boroughs) > 0 && !containsString(r.Predicate.Boroughs, lead.Property.Borough) {
		return false
	}
	for _, f := range r.Predicate.Flags {
		if !flags[f] {
			return false
		}
	}
	return true
}

func containsString(hay []string, needle string) bool {
	for _, h := range hay {
		if h == needle {
			return true
		}
	}
	return false
}

// DecisionBreakdown is the component breakdown of a candidate's composite
// routing score.
type DecisionBreakdown struct {
	Revenue     float64 `json:"revenue"`     // weight 0.40
	Performance float64 `json:"performance"` // weight 0.25
	Capacity    float64 `json:"capacity"`    // weight 0.15
	MarketFit   float64 `json:"market_fit"`  // weight 0.10
	RuleBonus   float64 `json:"rule_bonus"`  // weight 0.10
}

// Alternative is a runner-up platform retained on the decision for fallback.
type Alternative struct {
	PlatformCode string  `json:"platform_code"`
	Score        float64 `json:"score"`
}

// RoutingDecision records the platform chosen for a lead and why.
type RoutingDecision struct {
	ID              string            `json:"id"`
	LeadID          string            `json:"lead_id"`
	PlatformCode    string            `json:"platform_code"`
	ConfidenceScore float64           `json:"confidence_score"`
	Breakdown       DecisionBreakdown `json:"breakdown"`
	Reasoning       []string          `json:"reasoning"`
	ExpectedRevenue float64           `json:"expected_revenue"`
	Price           float64           `json:"price"`
	Alternatives    []Alternative     `json:"alternatives"`
	RuleID          string            `json:"rule_id,omitempty"`
	DecidedAt       time.Time         `json:"decided_at"`
}
