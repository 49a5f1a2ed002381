// Package feedback ingests buyer verdicts on delivered leads and fans them
// out: ledger transitions, platform metrics, and calibration telemetry.
package feedback

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/sunbeam/leadflow/internal/domain"
	"github.com/sunbeam/leadflow/internal/pkg/logger"
	"github.com/sunbeam/leadflow/internal/routing"
	"github.com/sunbeam/leadflow/internal/scoring"
)

// Ledger is the slice of the revenue ledger feedback drives.
type Ledger interface {
	Apply(ctx context.Context, leadID, platformCode string, event domain.LedgerEvent, at time.Time) (*domain.RevenueTransaction, error)
}

// LeadMarker records commercial outcomes on the lead record.
type LeadMarker interface {
	MarkSold(ctx context.Context, leadID string, at time.Time) error
}

// Service applies buyer feedback exactly once per (lead, feedback) pair.
type Service struct {
	db       *sql.DB
	ledger   Ledger
	registry *routing.Registry
	leads    LeadMarker
	log      zerolog.Logger
}

// NewService wires the feedback service. leads may be nil when sold-state
// tracking is handled elsewhere.
func NewService(db *sql.DB, ledger Ledger, registry *routing.Registry, leads LeadMarker) *Service {
	return &Service{
		db:       db,
		ledger:   ledger,
		registry: registry,
		leads:    leads,
		log:      logger.Component("feedback"),
	}
}

// Ingest validates, dedupes, and applies one feedback record. Replays of an
// already-applied record return nil without side effects.
func (s *Service) Ingest(ctx context.Context, fb *domain.BuyerFeedback) error {
	if err := fb.Validate(); err != nil {
		return err
	}
	if fb.ReceivedAt.IsZero() {
		fb.ReceivedAt = time.Now().UTC()
	}

	inserted, err := s.record(ctx, fb)
	if err != nil {
		return err
	}
	if !inserted {
		s.log.Debug().
			Str("lead_id", fb.LeadID).
			Str("feedback_id", fb.FeedbackID).
			Msg("duplicate feedback ignored")
		return nil
	}

	if err := s.apply(ctx, fb); err != nil {
		return err
	}

	s.log.Info().
		Str("lead_id", fb.LeadID).
		Str("platform", fb.PlatformCode).
		Str("type", string(fb.Type)).
		Float64("quality_score", fb.QualityScore).
		Msg("feedback applied")
	return nil
}

// record inserts the feedback row. The unique constraint on
// (lead_id, feedback_id) is the idempotency barrier.
func (s *Service) record(ctx context.Context, fb *domain.BuyerFeedback) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO buyer_feedback (
			feedback_id, lead_id, platform_code, type,
			quality_score, conversion_value, reason, received_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (lead_id, feedback_id) DO NOTHING`,
		fb.FeedbackID, fb.LeadID, fb.PlatformCode, fb.Type,
		fb.QualityScore, fb.ConversionValue, fb.Reason, fb.ReceivedAt,
	)
	if err != nil {
		return false, domain.E(domain.CodeDependency, "feedback.record", err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

func (s *Service) apply(ctx context.Context, fb *domain.BuyerFeedback) error {
	switch fb.Type {
	case domain.FeedbackAccept:
		if _, err := s.ledger.Apply(ctx, fb.LeadID, fb.PlatformCode, domain.EventBuyerAccept, fb.ReceivedAt); err != nil {
			if !errors.Is(err, domain.ErrInvalidLedgerTransition) {
				return err
			}
			// Verdict already landed through another channel; metrics still count.
			s.log.Warn().Str("lead_id", fb.LeadID).Msg("accept on already-settled transaction")
		}
		s.registry.RecordFeedback(fb.PlatformCode, true, fb.QualityScore)
		if s.leads != nil {
			if err := s.leads.MarkSold(ctx, fb.LeadID, fb.ReceivedAt); err != nil {
				s.log.Error().Err(err).Str("lead_id", fb.LeadID).Msg("could not mark lead sold")
			}
		}
	case domain.FeedbackReject:
		if _, err := s.ledger.Apply(ctx, fb.LeadID, fb.PlatformCode, domain.EventBuyerReject, fb.ReceivedAt); err != nil {
			if !errors.Is(err, domain.ErrInvalidLedgerTransition) {
				return err
			}
			s.log.Warn().Str("lead_id", fb.LeadID).Msg("reject on already-settled transaction")
		}
		s.registry.RecordFeedback(fb.PlatformCode, false, fb.QualityScore)
	case domain.FeedbackConversion:
		// Conversions arrive after an accept; no ledger movement, but they
		// feed platform quality and calibration value.
		s.registry.RecordFeedback(fb.PlatformCode, true, fb.QualityScore)
	}
	return nil
}

// TierStats aggregates feedback per tier since a point in time, feeding
// threshold calibration.
func (s *Service) TierStats(ctx context.Context, since time.Time) ([]scoring.TierStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT l.tier,
		       COUNT(*),
		       COUNT(*) FILTER (WHERE f.type IN ('accept', 'conversion')),
		       COUNT(*) FILTER (WHERE f.type = 'conversion'),
		       COALESCE(SUM(f.conversion_value), 0)
		FROM buyer_feedback f
		JOIN leads l ON l.id = f.lead_id
		WHERE f.received_at >= $1
		GROUP BY l.tier`, since)
	if err != nil {
		return nil, domain.E(domain.CodeDependency, "feedback.stats", err)
	}
	defer rows.Close()

	var stats []scoring.TierStats
	for rows.Next() {
		var st scoring.TierStats
		if err := rows.Scan(&st.Tier, &st.Feedbacks, &st.Accepts, &st.Conversions, &st.ConversionValue); err != nil {
			return nil, domain.E(domain.CodeDependency, "feedback.stats", err)
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}
