package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/sunbeam/leadflow/internal/domain"
)

// PlatformRepo persists buyer platform configuration and the operational
// metrics the registry maintains in memory.
type PlatformRepo struct{ db *sql.DB }

// NewPlatformRepo creates a Postgres-backed platform repository.
func NewPlatformRepo(db *sql.DB) *PlatformRepo { return &PlatformRepo{db: db} }

const platformColumns = `code, name, delivery_method, COALESCE(endpoint,''),
	COALESCE(credential,''), COALESCE(shared_secret,''), COALESCE(email,''),
	accepted_tiers, min_score, max_score, base_price, commission_rate,
	required_fields, optional_fields,
	per_minute, per_hour, per_day, sla_minutes,
	active, is_accepting_leads, health,
	acceptance_rate, avg_response_ms, consecutive_failures, quality_score,
	created_at, updated_at`

// LoadAll returns every configured platform, seeding the registry at boot.
func (r *PlatformRepo) LoadAll(ctx context.Context) ([]*domain.Platform, error) {
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT %s FROM platforms ORDER BY code`, platformColumns))
	if err != nil {
		return nil, fmt.Errorf("load platforms: %w", err)
	}
	defer rows.Close()

	var out []*domain.Platform
	for rows.Next() {
		p, err := scanPlatform(rows)
		if err != nil {
			return nil, fmt.Errorf("scan platform: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPlatform(rows *sql.Rows) (*domain.Platform, error) {
	p := &domain.Platform{}
	var tiers, required, optional []string
	err := rows.Scan(
		&p.Code, &p.Name, &p.Method, &p.Endpoint,
		&p.Credential, &p.SharedSecret, &p.Email,
		pq.Array(&tiers), &p.MinScore, &p.MaxScore, &p.BasePrice, &p.CommissionRate,
		pq.Array(&required), pq.Array(&optional),
		&p.Limits.PerMinute, &p.Limits.PerHour, &p.Limits.PerDay, &p.SLAMinutes,
		&p.Active, &p.IsAcceptingLeads, &p.Health,
		&p.AcceptanceRate, &p.AvgResponseMs, &p.ConsecutiveFailures, &p.QualityScore,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.AcceptedTiers = make([]domain.QualityTier, len(tiers))
	for i, t := range tiers {
		p.AcceptedTiers[i] = domain.QualityTier(t)
	}
	p.RequiredFields = required
	p.OptionalFields = optional
	return p, nil
}

// Upsert writes platform configuration. Operational metric columns are left
// to SaveMetrics so a config sync cannot clobber learned state.
func (r *PlatformRepo) Upsert(ctx context.Context, p *domain.Platform) error {
	tiers := make([]string, len(p.AcceptedTiers))
	for i, t := range p.AcceptedTiers {
		tiers[i] = string(t)
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO platforms (
			code, name, delivery_method, endpoint, credential, shared_secret, email,
			accepted_tiers, min_score, max_score, base_price, commission_rate,
			required_fields, optional_fields,
			per_minute, per_hour, per_day, sla_minutes,
			active, is_accepting_leads, health, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,NOW(),NOW())
		ON CONFLICT (code) DO UPDATE SET
			name = EXCLUDED.name,
			delivery_method = EXCLUDED.delivery_method,
			endpoint = EXCLUDED.endpoint,
			credential = EXCLUDED.credential,
			shared_secret = EXCLUDED.shared_secret,
			email = EXCLUDED.email,
			accepted_tiers = EXCLUDED.accepted_tiers,
			min_score = EXCLUDED.min_score,
			max_score = EXCLUDED.max_score,
			base_price = EXCLUDED.base_price,
			commission_rate = EXCLUDED.commission_rate,
			required_fields = EXCLUDED.required_fields,
			optional_fields = EXCLUDED.optional_fields,
			per_minute = EXCLUDED.per_minute,
			per_hour = EXCLUDED.per_hour,
			per_day = EXCLUDED.per_day,
			sla_minutes = EXCLUDED.sla_minutes,
			active = EXCLUDED.active,
			is_accepting_leads = EXCLUDED.is_accepting_leads,
			updated_at = NOW()
	`, p.Code, p.Name, p.Method, p.Endpoint, p.Credential, p.SharedSecret, p.Email,
		pq.Array(tiers), p.MinScore, p.MaxScore, p.BasePrice, p.CommissionRate,
		pq.Array(p.RequiredFields), pq.Array(p.OptionalFields),
		p.Limits.PerMinute, p.Limits.PerHour, p.Limits.PerDay, p.SLAMinutes,
		p.Active, p.IsAcceptingLeads, p.Health)
	if err != nil {
		return fmt.Errorf("upsert platform: %w", err)
	}
	return nil
}

// SaveMetrics flushes the registry's learned operational state.
func (r *PlatformRepo) SaveMetrics(ctx context.Context, p *domain.Platform) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE platforms
		SET health = $2, acceptance_rate = $3, avg_response_ms = $4,
		    consecutive_failures = $5, quality_score = $6, updated_at = NOW()
		WHERE code = $1`,
		p.Code, p.Health, p.AcceptanceRate, p.AvgResponseMs,
		p.ConsecutiveFailures, p.QualityScore)
	if err != nil {
		return fmt.Errorf("save platform metrics: %w", err)
	}
	return nil
}

// PlatformCodes lists active platform codes, cheap enough for schedulers
// that only need names.
func (r *PlatformRepo) PlatformCodes(ctx context.Context) []string {
	rows, err := r.db.QueryContext(ctx, `SELECT code FROM platforms WHERE active ORDER BY code`)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return codes
		}
		codes = append(codes, code)
	}
	return codes
}
