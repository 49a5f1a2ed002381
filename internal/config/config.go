package config

import (
	"fmt"
	"math"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/sunbeam/leadflow/internal/domain"
)

// Config holds all configuration for the pipeline. One typed struct loaded
// at boot and validated; components never read config from the database.
type Config struct {
	Server         ServerConfig              `yaml:"server"`
	Database       DatabaseConfig            `yaml:"database"`
	Redis          RedisConfig               `yaml:"redis"`
	Scoring        ScoringConfig             `yaml:"scoring"`
	Pricing        PricingConfig             `yaml:"pricing"`
	Routing        RoutingConfig             `yaml:"routing"`
	Dispatch       DispatchConfig            `yaml:"dispatch"`
	Session        SessionConfig             `yaml:"session"`
	Ledger         LedgerConfig              `yaml:"ledger"`
	Reconciliation ReconciliationConfig      `yaml:"reconciliation"`
	Feedback       FeedbackConfig            `yaml:"feedback"`
	Archive        ArchiveConfig             `yaml:"archive"`
	Snowflake      SnowflakeConfig           `yaml:"snowflake"`
	Platforms      map[string]PlatformConfig `yaml:"platform"`
	Rules          []RuleConfig              `yaml:"routing_rules"`
	RateLimit      RateLimitConfig           `yaml:"rate_limit"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// GetHost returns the server host, listening on all interfaces in containers.
func (c ServerConfig) GetHost() string {
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// DatabaseConfig holds the Postgres connection settings.
type DatabaseConfig struct {
	URL             string `yaml:"url"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifeMins int    `yaml:"conn_max_life_mins"`
}

// RedisConfig holds the Redis connection settings.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// ScoringConfig holds component weights and tier thresholds.
type ScoringConfig struct {
	Weights        map[string]float64 `yaml:"weights"`
	TierThresholds TierThresholds     `yaml:"tier_thresholds"`
}

// TierThresholds maps minimum score to tier. Must be strictly decreasing
// premium > standard > basic.
type TierThresholds struct {
	Premium  int `yaml:"premium"`
	Standard int `yaml:"standard"`
	Basic    int `yaml:"basic"`
}

// PricingConfig holds base prices per tier and the surge cap.
type PricingConfig struct {
	Base     map[string]float64 `yaml:"base"` // premium/standard/basic, USD
	SurgeCap float64            `yaml:"surge_cap"`
}

// RoutingConfig bounds fallback rerouting.
type RoutingConfig struct {
	MaxDispatchAttemptsPerLead int `yaml:"max_dispatch_attempts_per_lead"`
}

// RetryConfig is the transport retry policy: exponential backoff with full
// jitter between BaseMs and MaxMs, at most MaxAttempts attempts.
type RetryConfig struct {
	BaseMs      int `yaml:"base_ms"`
	MaxMs       int `yaml:"max_ms"`
	MaxAttempts int `yaml:"max_attempts"`
}

// Base returns the backoff base as a duration.
func (r RetryConfig) Base() time.Duration { return time.Duration(r.BaseMs) * time.Millisecond }

// Max returns the backoff ceiling as a duration.
func (r RetryConfig) Max() time.Duration { return time.Duration(r.MaxMs) * time.Millisecond }

// DispatchConfig holds worker pool and retry settings.
type DispatchConfig struct {
	NumWorkers     int         `yaml:"num_workers"`
	BatchSize      int         `yaml:"batch_size"`
	PollIntervalMs int         `yaml:"poll_interval_ms"`
	QueueMaxDepth  int64       `yaml:"queue_max_depth"`
	TimeoutSeconds int         `yaml:"timeout_seconds"`
	Retry          RetryConfig `yaml:"retry"`
	FromEmail      string      `yaml:"from_email"` // csv-email sender identity
	SESRegion      string      `yaml:"ses_region"`
}

// Timeout returns the per-attempt transport deadline.
func (c DispatchConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SessionConfig holds tracker settings.
type SessionConfig struct {
	IdleTTLSeconds int `yaml:"idle_ttl_seconds"`
	MailboxSize    int `yaml:"mailbox_size"`
}

// IdleTTL returns the session idle cutoff.
func (c SessionConfig) IdleTTL() time.Duration {
	return time.Duration(c.IdleTTLSeconds) * time.Second
}

// LedgerConfig holds payment terms.
type LedgerConfig struct {
	PaymentTermsDays int `yaml:"payment_terms_days"`
	AgingSweepMins   int `yaml:"aging_sweep_mins"`
}

// ReconciliationConfig holds discrepancy thresholds.
type ReconciliationConfig struct {
	MinorThresholdUSD float64 `yaml:"minor_threshold_usd"`
}

// FeedbackConfig tunes the recalibration loop.
type FeedbackConfig struct {
	TargetConversionRate    float64 `yaml:"target_conversion_rate"`
	ThresholdSafetyBand     int     `yaml:"threshold_safety_band"`
	CalibrationIntervalMins int     `yaml:"calibration_interval_mins"`
	WebhookSecret           string  `yaml:"webhook_secret"`
}

// CalibrationInterval returns the scheduled recalibration cadence.
func (c FeedbackConfig) CalibrationInterval() time.Duration {
	return time.Duration(c.CalibrationIntervalMins) * time.Minute
}

// ArchiveConfig selects where reconciliation reports and calibration audit
// records are written: "local", "s3", or "dynamodb".
type ArchiveConfig struct {
	Type          string `yaml:"type"`
	LocalPath     string `yaml:"local_path"`
	S3Bucket      string `yaml:"s3_bucket"`
	DynamoDBTable string `yaml:"dynamodb_table"`
	AWSRegion     string `yaml:"aws_region"`
	AWSProfile    string `yaml:"aws_profile"`
	AccessKey     string `yaml:"access_key"`
	SecretKey     string `yaml:"secret_key"`
}

// GetAWSProfile returns the AWS profile, empty for the default chain on ECS.
func (c ArchiveConfig) GetAWSProfile() string {
	if envProfile := os.Getenv("AWS_PROFILE_OVERRIDE"); envProfile != "" {
		if envProfile == "none" || envProfile == "iam" {
			return ""
		}
		return envProfile
	}
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return ""
	}
	return c.AWSProfile
}

// SnowflakeConfig holds the warehouse connection used as the buyer-report
// source for reconciliation. Disabled by default.
type SnowflakeConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Account   string `yaml:"account"`
	User      string `yaml:"user"`
	Password  string `yaml:"password"`
	Database  string `yaml:"database"`
	Schema    string `yaml:"schema"`
	Warehouse string `yaml:"warehouse"`
}

// DSN builds the gosnowflake connection string.
func (c SnowflakeConfig) DSN() string {
	return fmt.Sprintf("%s:%s@%s/%s/%s?warehouse=%s", c.User, c.Password, c.Account, c.Database, c.Schema, c.Warehouse)
}

// PlatformConfig is the per-buyer configuration block.
type PlatformConfig struct {
	Name           string   `yaml:"name"`
	DeliveryMethod string   `yaml:"delivery_method"`
	Endpoint       string   `yaml:"endpoint"`
	Credential     string   `yaml:"credential"`
	SharedSecret   string   `yaml:"shared_secret"`
	Email          string   `yaml:"email"`
	AcceptedTiers  []string `yaml:"accepted_tiers"`
	MinScore       int      `yaml:"min_score"`
	MaxScore       int      `yaml:"max_score"`
	BasePrice      float64  `yaml:"base_price"`
	CommissionRate float64  `yaml:"commission_rate"`
	RequiredFields []string `yaml:"required_fields"`
	OptionalFields []string `yaml:"optional_fields"`
	MaxDaily       int      `yaml:"max_daily"`
	MaxHourly      int      `yaml:"max_hourly"`
	MaxPerMinute   int      `yaml:"max_per_minute"`
	SLAMinutes     int      `yaml:"sla_minutes"`
}

// RuleConfig is the declarative routing rule block.
type RuleConfig struct {
	ID                 string   `yaml:"id"`
	Name               string   `yaml:"name"`
	Priority           int      `yaml:"priority"`
	Tiers              []string `yaml:"tiers"`
	MinScore           int      `yaml:"min_score"`
	MaxScore           int      `yaml:"max_score"`
	ZipCodes           []string `yaml:"zip_codes"`
	Boroughs           []string `yaml:"boroughs"`
	Flags              []string `yaml:"flags"`
	Strategy           string   `yaml:"strategy"`
	PreferredPlatforms []string `yaml:"preferred_platforms"`
	Enabled            *bool    `yaml:"enabled"`
}

// RateLimitConfig protects the inbound API.
type RateLimitConfig struct {
	PerClientPerMinute int `yaml:"per_client_per_minute"`
}

// Load reads and parses the configuration file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.Host == "" {
		c.Server.Host = "localhost"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Database.ConnMaxLifeMins == 0 {
		c.Database.ConnMaxLifeMins = 5
	}
	if len(c.Scoring.Weights) == 0 {
		c.Scoring.Weights = DefaultWeights()
	}
	if c.Scoring.TierThresholds == (TierThresholds{}) {
		c.Scoring.TierThresholds = TierThresholds{Premium: 85, Standard: 70, Basic: 50}
	}
	if len(c.Pricing.Base) == 0 {
		c.Pricing.Base = map[string]float64{"premium": 250, "standard": 150, "basic": 100}
	}
	if c.Pricing.SurgeCap == 0 {
		c.Pricing.SurgeCap = 1.5
	}
	if c.Routing.MaxDispatchAttemptsPerLead == 0 {
		c.Routing.MaxDispatchAttemptsPerLead = 3
	}
	if c.Dispatch.NumWorkers == 0 {
		c.Dispatch.NumWorkers = 8
	}
	if c.Dispatch.BatchSize == 0 {
		c.Dispatch.BatchSize = 25
	}
	if c.Dispatch.PollIntervalMs == 0 {
		c.Dispatch.PollIntervalMs = 250
	}
	if c.Dispatch.QueueMaxDepth == 0 {
		c.Dispatch.QueueMaxDepth = 10000
	}
	if c.Dispatch.TimeoutSeconds == 0 {
		c.Dispatch.TimeoutSeconds = 30
	}
	if c.Dispatch.Retry.BaseMs == 0 {
		c.Dispatch.Retry.BaseMs = 2000
	}
	if c.Dispatch.Retry.MaxMs == 0 {
		c.Dispatch.Retry.MaxMs = 600000
	}
	if c.Dispatch.Retry.MaxAttempts == 0 {
		c.Dispatch.Retry.MaxAttempts = 5
	}
	if c.Dispatch.SESRegion == "" {
		c.Dispatch.SESRegion = "us-east-1"
	}
	if c.Session.IdleTTLSeconds == 0 {
		c.Session.IdleTTLSeconds = 1800
	}
	if c.Session.MailboxSize == 0 {
		c.Session.MailboxSize = 64
	}
	if c.Ledger.PaymentTermsDays == 0 {
		c.Ledger.PaymentTermsDays = 30
	}
	if c.Ledger.AgingSweepMins == 0 {
		c.Ledger.AgingSweepMins = 60
	}
	if c.Reconciliation.MinorThresholdUSD == 0 {
		c.Reconciliation.MinorThresholdUSD = 100
	}
	if c.Feedback.TargetConversionRate == 0 {
		c.Feedback.TargetConversionRate = 0.60
	}
	if c.Feedback.ThresholdSafetyBand == 0 {
		c.Feedback.ThresholdSafetyBand = 5
	}
	if c.Feedback.CalibrationIntervalMins == 0 {
		c.Feedback.CalibrationIntervalMins = 24 * 60
	}
	if c.Archive.Type == "" {
		c.Archive.Type = "local"
	}
	if c.Archive.LocalPath == "" {
		c.Archive.LocalPath = "./data/archive"
	}
	if c.RateLimit.PerClientPerMinute == 0 {
		c.RateLimit.PerClientPerMinute = 120
	}
}

// DefaultWeights returns the fixed production scoring weights.
func DefaultWeights() map[string]float64 {
	return map[string]float64{
		"bill":       0.25,
		"ownership":  0.20,
		"timeline":   0.15,
		"location":   0.15,
		"engagement": 0.10,
		"credit":     0.10,
		"objections": 0.03,
		"nyc_market": 0.02,
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It loads a .env file (if present) before reading env vars, so secrets can
// live in .env locally and in real env vars on ECS.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.Database.URL = dbURL
	}
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		cfg.Redis.URL = redisURL
	}
	if v := os.Getenv("FEEDBACK_WEBHOOK_SECRET"); v != "" {
		cfg.Feedback.WebhookSecret = v
	}
	if v := os.Getenv("SNOWFLAKE_PASSWORD"); v != "" {
		cfg.Snowflake.Password = v
	}
	if v := os.Getenv("ARCHIVE_S3_BUCKET"); v != "" {
		cfg.Archive.S3Bucket = v
	}

	return cfg, nil
}

// Validate enforces boot-time invariants. A failure here maps to exit
// code 64 (invalid configuration).
func (c *Config) Validate() error {
	var sum float64
	for _, comp := range domain.Components {
		w, ok := c.Scoring.Weights[string(comp)]
		if !ok {
			return fmt.Errorf("config: missing scoring weight %q", comp)
		}
		if w < 0 {
			return fmt.Errorf("config: negative scoring weight %q", comp)
		}
		sum += w
	}
	if math.Abs(sum-1.0) > 1e-9 {
		return fmt.Errorf("config: scoring weights sum to %.12f, want 1.0", sum)
	}

	t := c.Scoring.TierThresholds
	if !(t.Premium > t.Standard && t.Standard > t.Basic && t.Basic > 0) {
		return fmt.Errorf("config: tier thresholds must satisfy premium > standard > basic > 0, got %d/%d/%d",
			t.Premium, t.Standard, t.Basic)
	}
	if t.Premium > 100 {
		return fmt.Errorf("config: premium threshold %d exceeds 100", t.Premium)
	}

	if c.Pricing.SurgeCap < 1 {
		return fmt.Errorf("config: pricing.surge_cap %v must be >= 1", c.Pricing.SurgeCap)
	}

	r := c.Dispatch.Retry
	if r.BaseMs <= 0 || r.MaxMs < r.BaseMs || r.MaxAttempts < 1 || r.MaxAttempts > 20 {
		return fmt.Errorf("config: dispatch.retry bounds invalid (base=%dms max=%dms attempts=%d)",
			r.BaseMs, r.MaxMs, r.MaxAttempts)
	}
	if c.Routing.MaxDispatchAttemptsPerLead < 1 {
		return fmt.Errorf("config: routing.max_dispatch_attempts_per_lead must be >= 1")
	}

	for code, p := range c.Platforms {
		switch domain.DeliveryMethod(p.DeliveryMethod) {
		case domain.DeliveryJSONAPI, domain.DeliveryWebhook, domain.DeliveryCSVEmail:
		default:
			return fmt.Errorf("config: platform %q has unknown delivery_method %q", code, p.DeliveryMethod)
		}
		if p.CommissionRate < 0 || p.CommissionRate >= 1 {
			return fmt.Errorf("config: platform %q commission_rate %v outside [0,1)", code, p.CommissionRate)
		}
		if p.MaxDaily <= 0 {
			return fmt.Errorf("config: platform %q max_daily must be positive", code)
		}
	}
	return nil
}

// BuildPlatforms materializes domain.Platform records from configuration.
// New platforms start healthy and accepting.
func (c *Config) BuildPlatforms(now time.Time) []*domain.Platform {
	out := make([]*domain.Platform, 0, len(c.Platforms))
	for code, pc := range c.Platforms {
		tiers := make([]domain.QualityTier, 0, len(pc.AcceptedTiers))
		for _, t := range pc.AcceptedTiers {
			tiers = append(tiers, domain.QualityTier(t))
		}
		sla := pc.SLAMinutes
		if sla == 0 {
			sla = 60
		}
		out = append(out, &domain.Platform{
			Code:             code,
			Name:             pc.Name,
			Method:           domain.DeliveryMethod(pc.DeliveryMethod),
			Endpoint:         pc.Endpoint,
			Credential:       pc.Credential,
			SharedSecret:     pc.SharedSecret,
			Email:            pc.Email,
			AcceptedTiers:    tiers,
			MinScore:         pc.MinScore,
			MaxScore:         pc.MaxScore,
			BasePrice:        pc.BasePrice,
			CommissionRate:   pc.CommissionRate,
			RequiredFields:   pc.RequiredFields,
			OptionalFields:   pc.OptionalFields,
			Limits:           domain.RateLimits{PerMinute: pc.MaxPerMinute, PerHour: pc.MaxHourly, PerDay: pc.MaxDaily},
			SLAMinutes:       sla,
			Active:           true,
			IsAcceptingLeads: true,
			Health:           domain.HealthHealthy,
			CreatedAt:        now,
			UpdatedAt:        now,
		})
	}
	return out
}

// BuildRules materializes domain.RoutingRule records from configuration.
func (c *Config) BuildRules() []*domain.RoutingRule {
	out := make([]*domain.RoutingRule, 0, len(c.Rules))
	for _, rc := range c.Rules {
		tiers := make([]domain.QualityTier, 0, len(rc.Tiers))
		for _, t := range rc.Tiers {
			tiers = append(tiers, domain.QualityTier(t))
		}
		enabled := true
		if rc.Enabled != nil {
			enabled = *rc.Enabled
		}
		out = append(out, &domain.RoutingRule{
			ID:       rc.ID,
			Name:     rc.Name,
			Priority: rc.Priority,
			Predicate: domain.RulePredicate{
				Tiers:    tiers,
				MinScore: rc.MinScore,
				MaxScore: rc.MaxScore,
				ZipCodes: rc.ZipCodes,
				Boroughs: rc.Boroughs,
				Flags:    rc.Flags,
			},
			Strategy:           domain.RoutingStrategy(rc.Strategy),
			PreferredPlatforms: rc.PreferredPlatforms,
			Enabled:            enabled,
		})
	}
	return out
}
