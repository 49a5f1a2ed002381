package feedback

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sunbeam/leadflow/internal/domain"
	"github.com/sunbeam/leadflow/internal/routing"
)

type ledgerCall struct {
	leadID string
	event  domain.LedgerEvent
}

type fakeLedger struct {
	calls []ledgerCall
	err   error
}

func (f *fakeLedger) Apply(_ context.Context, leadID, _ string, event domain.LedgerEvent, _ time.Time) (*domain.RevenueTransaction, error) {
	f.calls = append(f.calls, ledgerCall{leadID: leadID, event: event})
	if f.err != nil {
		return nil, f.err
	}
	return &domain.RevenueTransaction{LeadID: leadID}, nil
}

type fakeMarker struct {
	sold []string
}

func (f *fakeMarker) MarkSold(_ context.Context, leadID string, _ time.Time) error {
	f.sold = append(f.sold, leadID)
	return nil
}

func serviceFixture(t *testing.T) (*Service, sqlmock.Sqlmock, *fakeLedger, *fakeMarker, *routing.Registry) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	registry := routing.NewRegistry([]*domain.Platform{{
		Code:             "solarco",
		Active:           true,
		IsAcceptingLeads: true,
		Health:           domain.HealthHealthy,
	}})
	ledger := &fakeLedger{}
	marker := &fakeMarker{}
	return NewService(db, ledger, registry, marker), mock, ledger, marker, registry
}

func acceptFeedback() *domain.BuyerFeedback {
	return &domain.BuyerFeedback{
		FeedbackID:   "fb-1",
		LeadID:       "lead-1",
		PlatformCode: "solarco",
		Type:         domain.FeedbackAccept,
		QualityScore: 8.5,
		ReceivedAt:   time.Date(2026, 8, 24, 15, 0, 0, 0, time.UTC),
	}
}

func TestIngestAcceptConfirmsAndMarksSold(t *testing.T) {
	svc, mock, ledger, marker, registry := serviceFixture(t)

	mock.ExpectExec("INSERT INTO buyer_feedback").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, svc.Ingest(context.Background(), acceptFeedback()))

	require.Len(t, ledger.calls, 1)
	assert.Equal(t, domain.EventBuyerAccept, ledger.calls[0].event)
	assert.Equal(t, []string{"lead-1"}, marker.sold)

	p, _ := registry.Get("solarco")
	assert.Greater(t, p.AcceptanceRate, 0.0)
	assert.Greater(t, p.QualityScore, 0.0)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIngestRejectCancelsTransaction(t *testing.T) {
	svc, mock, ledger, marker, registry := serviceFixture(t)

	mock.ExpectExec("INSERT INTO buyer_feedback").
		WillReturnResult(sqlmock.NewResult(0, 1))

	fb := acceptFeedback()
	fb.Type = domain.FeedbackReject
	fb.Reason = "unreachable phone"
	require.NoError(t, svc.Ingest(context.Background(), fb))

	require.Len(t, ledger.calls, 1)
	assert.Equal(t, domain.EventBuyerReject, ledger.calls[0].event)
	assert.Empty(t, marker.sold)

	p, _ := registry.Get("solarco")
	assert.Less(t, p.AcceptanceRate, 0.5)
}

func TestIngestDuplicateIsNoOp(t *testing.T) {
	svc, mock, ledger, marker, _ := serviceFixture(t)

	// ON CONFLICT DO NOTHING reports zero rows affected.
	mock.ExpectExec("INSERT INTO buyer_feedback").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, svc.Ingest(context.Background(), acceptFeedback()))
	assert.Empty(t, ledger.calls)
	assert.Empty(t, marker.sold)
}

func TestIngestConversionSkipsLedger(t *testing.T) {
	svc, mock, ledger, _, registry := serviceFixture(t)

	mock.ExpectExec("INSERT INTO buyer_feedback").
		WillReturnResult(sqlmock.NewResult(0, 1))

	value := 18500.0
	fb := acceptFeedback()
	fb.FeedbackID = "fb-2"
	fb.Type = domain.FeedbackConversion
	fb.ConversionValue = &value
	require.NoError(t, svc.Ingest(context.Background(), fb))

	assert.Empty(t, ledger.calls)
	p, _ := registry.Get("solarco")
	assert.Greater(t, p.AcceptanceRate, 0.0)
}

func TestIngestToleratesSettledTransaction(t *testing.T) {
	svc, mock, ledger, _, registry := serviceFixture(t)
	ledger.err = domain.E(domain.CodeLedgerInvariant, "ledger.apply", domain.ErrInvalidLedgerTransition)

	mock.ExpectExec("INSERT INTO buyer_feedback").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, svc.Ingest(context.Background(), acceptFeedback()))

	// Metrics still recorded even though the ledger had already settled.
	p, _ := registry.Get("solarco")
	assert.Greater(t, p.AcceptanceRate, 0.0)
}

func TestIngestRejectsInvalidFeedback(t *testing.T) {
	svc, _, _, _, _ := serviceFixture(t)

	fb := acceptFeedback()
	fb.Type = "maybe"
	err := svc.Ingest(context.Background(), fb)
	require.Error(t, err)
	assert.Equal(t, domain.CodeInvalidInput, domain.CodeOf(err))

	fb = acceptFeedback()
	fb.QualityScore = 11
	require.Error(t, svc.Ingest(context.Background(), fb))
}

func TestTierStatsAggregation(t *testing.T) {
	svc, mock, _, _, _ := serviceFixture(t)

	since := time.Date(2026, 8, 23, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT l.tier").
		WithArgs(since).
		WillReturnRows(sqlmock.NewRows([]string{"tier", "feedbacks", "accepts", "conversions", "conversion_value"}).
			AddRow("premium", 40, 29, 6, 94000.0).
			AddRow("standard", 25, 12, 1, 15000.0))

	stats, err := svc.TierStats(context.Background(), since)
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, domain.TierPremium, stats[0].Tier)
	assert.Equal(t, 29, stats[0].Accepts)
	assert.Equal(t, 94000.0, stats[0].ConversionValue)
}
