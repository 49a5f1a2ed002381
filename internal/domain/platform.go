package domain

import "time"

// DeliveryMethod selects the transport used to deliver leads to a platform.
type DeliveryMethod string

const (
	DeliveryJSONAPI  DeliveryMethod = "json-api"
	DeliveryWebhook  DeliveryMethod = "webhook"
	DeliveryCSVEmail DeliveryMethod = "csv-email"
)

// HealthStatus reflects a platform's recent delivery behavior.
type HealthStatus string

const (
	HealthHealthy     HealthStatus = "healthy"
	HealthDegraded    HealthStatus = "degraded"
	HealthUnhealthy   HealthStatus = "unhealthy"
	HealthMaintenance HealthStatus = "maintenance"
)

// RateLimits holds a platform's per-window dispatch caps. Zero means
// unlimited for that window.
type RateLimits struct {
	PerMinute int `json:"per_minute" yaml:"per_minute"`
	PerHour   int `json:"per_hour" yaml:"per_hour"`
	PerDay    int `json:"per_day" yaml:"per_day"`
}

// Platform is a configured B2B buyer of leads.
type Platform struct {
	Code        string         `json:"code" db:"code"`
	Name        string         `json:"name" db:"name"`
	Method      DeliveryMethod `json:"delivery_method" db:"delivery_method"`
	Endpoint    string         `json:"endpoint" db:"endpoint"`
	Credential  string         `json:"-" db:"credential"`
	SharedSecret string        `json:"-" db:"shared_secret"` // webhook HMAC key
	Email       string         `json:"email,omitempty" db:"email"` // csv-email destination

	AcceptedTiers  []QualityTier `json:"accepted_tiers" db:"accepted_tiers"`
	MinScore       int           `json:"min_score" db:"min_score"`
	MaxScore       int           `json:"max_score" db:"max_score"`
	BasePrice      float64       `json:"base_price" db:"base_price"`
	CommissionRate float64       `json:"commission_rate" db:"commission_rate"`

	RequiredFields []string `json:"required_fields" db:"required_fields"`
	OptionalFields []string `json:"optional_fields" db:"optional_fields"`

	Limits     RateLimits `json:"rate_limits"`
	SLAMinutes int        `json:"sla_minutes" db:"sla_minutes"`

	Active          bool `json:"active" db:"active"`
	IsAcceptingLeads bool `json:"is_accepting_leads" db:"is_accepting_leads"`

	// Operational metrics maintained by the health tracker and feedback loop.
	Health              HealthStatus `json:"health" db:"health"`
	AcceptanceRate      float64      `json:"acceptance_rate" db:"acceptance_rate"`
	AvgResponseMs       float64      `json:"avg_response_ms" db:"avg_response_ms"`
	ConsecutiveFailures int          `json:"consecutive_failures" db:"consecutive_failures"`
	QualityScore        float64      `json:"quality_score" db:"quality_score"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// AcceptsTier reports whether the platform buys leads of the given tier.
func (p *Platform) AcceptsTier(t QualityTier) bool {
	for _, at := range p.AcceptedTiers {
		if at == t {
			return true
		}
	}
	return false
}

// AcceptsScore reports whether score falls inside the platform's window.
// MaxScore zero means no upper bound.
func (p *Platform) AcceptsScore(score int) bool {
	if score < p.MinScore {
		return false
	}
	if p.MaxScore > 0 && score > p.MaxScore {
		return false
	}
	return true
}

// Dispatchable reports whether the platform can receive new leads at all:
// active, accepting, and not sidelined by health.
func (p *Platform) Dispatchable() bool {
	if !p.Active || !p.IsAcceptingLeads {
		return false
	}
	return p.Health == HealthHealthy || p.Health == HealthDegraded
}

// EffectiveAcceptance returns the rolling acceptance rate, defaulting to
// 0.80 when no feedback has been observed yet.
func (p *Platform) EffectiveAcceptance() float64 {
	if p.AcceptanceRate <= 0 {
		return 0.80
	}
	return p.AcceptanceRate
}
