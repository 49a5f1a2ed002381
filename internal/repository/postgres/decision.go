package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/sunbeam/leadflow/internal/domain"
)

// DecisionRepo persists routing decisions for audit and admin reads.
type DecisionRepo struct{ db *sql.DB }

// NewDecisionRepo creates a Postgres-backed decision repository.
func NewDecisionRepo(db *sql.DB) *DecisionRepo { return &DecisionRepo{db: db} }

// Save records one decision. Breakdown, reasoning, and alternatives are
// stored as JSON; they are read back whole, never queried by field.
func (r *DecisionRepo) Save(ctx context.Context, d *domain.RoutingDecision) error {
	detail, err := json.Marshal(struct {
		Breakdown    domain.DecisionBreakdown `json:"breakdown"`
		Reasoning    []string                 `json:"reasoning"`
		Alternatives []domain.Alternative     `json:"alternatives"`
	}{d.Breakdown, d.Reasoning, d.Alternatives})
	if err != nil {
		return fmt.Errorf("marshal decision detail: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO routing_decisions (
			id, lead_id, platform_code, confidence_score,
			expected_revenue, price, rule_id, detail, decided_at
		) VALUES ($1,$2,$3,$4,$5,$6,NULLIF($7,''),$8,$9)`,
		d.ID, d.LeadID, d.PlatformCode, d.ConfidenceScore,
		d.ExpectedRevenue, d.Price, d.RuleID, detail, d.DecidedAt)
	if err != nil {
		return fmt.Errorf("save decision: %w", err)
	}
	return nil
}

// Recent returns the latest decisions, newest first.
func (r *DecisionRepo) Recent(ctx context.Context, limit int) ([]*domain.RoutingDecision, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, lead_id, platform_code, confidence_score,
		       expected_revenue, price, COALESCE(rule_id,''), detail, decided_at
		FROM routing_decisions
		ORDER BY decided_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	var out []*domain.RoutingDecision
	for rows.Next() {
		d := &domain.RoutingDecision{}
		var detail []byte
		if err := rows.Scan(
			&d.ID, &d.LeadID, &d.PlatformCode, &d.ConfidenceScore,
			&d.ExpectedRevenue, &d.Price, &d.RuleID, &detail, &d.DecidedAt,
		); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		var extra struct {
			Breakdown    domain.DecisionBreakdown `json:"breakdown"`
			Reasoning    []string                 `json:"reasoning"`
			Alternatives []domain.Alternative     `json:"alternatives"`
		}
		if err := json.Unmarshal(detail, &extra); err == nil {
			d.Breakdown = extra.Breakdown
			d.Reasoning = extra.Reasoning
			d.Alternatives = extra.Alternatives
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// LatestForLead returns the most recent decision for one lead.
func (r *DecisionRepo) LatestForLead(ctx context.Context, leadID string) (*domain.RoutingDecision, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, lead_id, platform_code, confidence_score,
		       expected_revenue, price, COALESCE(rule_id,''), detail, decided_at
		FROM routing_decisions
		WHERE lead_id = $1
		ORDER BY decided_at DESC
		LIMIT 1`, leadID)
	if err != nil {
		return nil, fmt.Errorf("latest decision: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, ErrNotFound
	}
	d := &domain.RoutingDecision{}
	var detail []byte
	if err := rows.Scan(
		&d.ID, &d.LeadID, &d.PlatformCode, &d.ConfidenceScore,
		&d.ExpectedRevenue, &d.Price, &d.RuleID, &detail, &d.DecidedAt,
	); err != nil {
		return nil, fmt.Errorf("scan decision: %w", err)
	}
	var extra struct {
		Breakdown    domain.DecisionBreakdown `json:"breakdown"`
		Reasoning    []string                 `json:"reasoning"`
		Alternatives []domain.Alternative     `json:"alternatives"`
	}
	if err := json.Unmarshal(detail, &extra); err == nil {
		d.Breakdown = extra.Breakdown
		d.Reasoning = extra.Reasoning
		d.Alternatives = extra.Alternatives
	}
	return d, nil
}
