package ledger

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/sunbeam/leadflow/internal/config"
	"github.com/sunbeam/leadflow/internal/domain"
	"github.com/sunbeam/leadflow/internal/pkg/logger"
)

// BuyerReportSource returns the total a buyer reports owing for a platform
// and window, typically read from the warehouse.
type BuyerReportSource interface {
	ReportedTotal(ctx context.Context, platformCode string, start, end time.Time) (float64, error)
}

// RecordSink stores finished reconciliation records.
type RecordSink interface {
	StoreReconciliation(ctx context.Context, rec *domain.ReconciliationRecord) error
}

// PlatformLister names the platforms to reconcile.
type PlatformLister interface {
	PlatformCodes(ctx context.Context) []string
}

// Reconciler compares the ledger against buyer-reported totals window by
// window. It only emits records; it never mutates ledger state. Resolving
// a discrepancy is a human decision applied through the normal event API.
type Reconciler struct {
	store     *Store
	source    BuyerReportSource
	sink      RecordSink
	platforms PlatformLister

	minorThreshold float64
	log            zerolog.Logger
}

// NewReconciler builds a reconciler. sink may be nil when records are only
// returned to the caller.
func NewReconciler(store *Store, source BuyerReportSource, sink RecordSink, platforms PlatformLister, cfg config.ReconciliationConfig) *Reconciler {
	threshold := cfg.MinorThresholdUSD
	if threshold <= 0 {
		threshold = 100
	}
	return &Reconciler{
		store:          store,
		source:         source,
		sink:           sink,
		platforms:      platforms,
		minorThreshold: threshold,
		log:            logger.Component("ledger.reconcile"),
	}
}

// ReconcileWindow produces the record for one platform and window. Given
// the same ledger contents and the same buyer report, re-running yields an
// identical record, so replays are safe.
func (r *Reconciler) ReconcileWindow(ctx context.Context, platformCode string, start, end time.Time) (*domain.ReconciliationRecord, error) {
	ours, count, err := r.store.WindowTotal(ctx, platformCode, start, end)
	if err != nil {
		return nil, err
	}
	theirs, err := r.source.ReportedTotal(ctx, platformCode, start, end)
	if err != nil {
		return nil, domain.E(domain.CodeDependency, "reconcile.report", err)
	}
	theirs = domain.RoundCents(theirs)

	rec := &domain.ReconciliationRecord{
		PlatformCode: platformCode,
		WindowStart:  start.UTC(),
		WindowEnd:    end.UTC(),
		OurTotal:     ours,
		TheirTotal:   theirs,
		Delta:        domain.RoundCents(ours - theirs),
		Status:       classify(ours, theirs, r.minorThreshold),
		// Deterministic timestamp keeps replayed records byte-identical.
		GeneratedAt: end.UTC(),
	}
	if rec.Status != domain.ReconOK {
		rec.Issues = append(rec.Issues, fmt.Sprintf(
			"ledger bills %.2f over %d transactions, buyer reports %.2f (delta %.2f)",
			ours, count, theirs, rec.Delta))
	}

	if r.sink != nil {
		if err := r.sink.StoreReconciliation(ctx, rec); err != nil {
			return nil, domain.E(domain.CodeDependency, "reconcile.store", err)
		}
	}

	event := r.log.Info()
	if rec.Status == domain.ReconMajor {
		event = r.log.Error()
	} else if rec.Status == domain.ReconMinor {
		event = r.log.Warn()
	}
	event.
		Str("platform", platformCode).
		Time("window_start", rec.WindowStart).
		Float64("our_total", ours).
		Float64("their_total", theirs).
		Float64("delta", rec.Delta).
		Str("status", string(rec.Status)).
		Msg("reconciliation window complete")

	return rec, nil
}

func classify(ours, theirs, minorThreshold float64) domain.ReconciliationStatus {
	delta := math.Abs(ours - theirs)
	switch {
	case delta < 0.01:
		return domain.ReconOK
	case delta <= minorThreshold:
		return domain.ReconMinor
	default:
		return domain.ReconMajor
	}
}

// ReconcilePreviousDay runs all platforms over yesterday's UTC day.
func (r *Reconciler) ReconcilePreviousDay(ctx context.Context, now time.Time) ([]*domain.ReconciliationRecord, error) {
	end := now.UTC().Truncate(24 * time.Hour)
	start := end.Add(-24 * time.Hour)

	var records []*domain.ReconciliationRecord
	for _, code := range r.platforms.PlatformCodes(ctx) {
		rec, err := r.ReconcileWindow(ctx, code, start, end)
		if err != nil {
			r.log.Error().Err(err).Str("platform", code).Msg("reconciliation failed, continuing")
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// Run reconciles the previous day shortly after each UTC midnight.
func (r *Reconciler) Run(ctx context.Context) {
	for {
		next := nextRunAfterMidnight(time.Now().UTC())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if _, err := r.ReconcilePreviousDay(ctx, time.Now().UTC()); err != nil {
				r.log.Error().Err(err).Msg("daily reconciliation failed")
			}
		}
	}
}

// nextRunAfterMidnight picks 00:30 UTC so the ledger day is fully closed.
func nextRunAfterMidnight(now time.Time) time.Time {
	day := now.Truncate(24 * time.Hour)
	run := day.Add(30 * time.Minute)
	if !run.After(now) {
		run = run.Add(24 * time.Hour)
	}
	return run
}
