package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sunbeam/leadflow/internal/config"
	"github.com/sunbeam/leadflow/internal/domain"
)

type fixedReports struct {
	total float64
}

func (f *fixedReports) ReportedTotal(context.Context, string, time.Time, time.Time) (float64, error) {
	return f.total, nil
}

type recordingSink struct {
	records []*domain.ReconciliationRecord
}

func (r *recordingSink) StoreReconciliation(_ context.Context, rec *domain.ReconciliationRecord) error {
	r.records = append(r.records, rec)
	return nil
}

type staticPlatforms struct{ codes []string }

func (s *staticPlatforms) PlatformCodes(context.Context) []string { return s.codes }

func reconcilerFixture(t *testing.T, ourTotal float64, theirTotal float64) (*Reconciler, *recordingSink, sqlmock.Sqlmock) {
	t.Helper()
	store, mock := newTestStore(t)
	mock.ExpectQuery("SELECT COALESCE").
		WillReturnRows(sqlmock.NewRows([]string{"sum", "count"}).AddRow(ourTotal, 10))

	sink := &recordingSink{}
	r := NewReconciler(store, &fixedReports{total: theirTotal}, sink,
		&staticPlatforms{codes: []string{"solarco"}},
		config.ReconciliationConfig{MinorThresholdUSD: 100})
	return r, sink, mock
}

var reconWindow = struct{ start, end time.Time }{
	start: time.Date(2026, 8, 23, 0, 0, 0, 0, time.UTC),
	end:   time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC),
}

func TestReconcileMatchedWindow(t *testing.T) {
	r, sink, _ := reconcilerFixture(t, 2500.00, 2500.00)

	rec, err := r.ReconcileWindow(context.Background(), "solarco", reconWindow.start, reconWindow.end)
	require.NoError(t, err)

	assert.Equal(t, domain.ReconOK, rec.Status)
	assert.Zero(t, rec.Delta)
	assert.Empty(t, rec.Issues)
	require.Len(t, sink.records, 1)
}

func TestReconcileMinorDiscrepancy(t *testing.T) {
	r, _, _ := reconcilerFixture(t, 2500.00, 2420.00)

	rec, err := r.ReconcileWindow(context.Background(), "solarco", reconWindow.start, reconWindow.end)
	require.NoError(t, err)

	assert.Equal(t, domain.ReconMinor, rec.Status)
	assert.Equal(t, 80.00, rec.Delta)
	require.Len(t, rec.Issues, 1)
	assert.Contains(t, rec.Issues[0], "2500.00")
}

func TestReconcileMajorDiscrepancy(t *testing.T) {
	r, _, _ := reconcilerFixture(t, 2500.00, 2100.00)

	rec, err := r.ReconcileWindow(context.Background(), "solarco", reconWindow.start, reconWindow.end)
	require.NoError(t, err)

	assert.Equal(t, domain.ReconMajor, rec.Status)
	assert.Equal(t, 400.00, rec.Delta)
}

func TestReconcileBoundaryIsMinor(t *testing.T) {
	// Exactly at the threshold stays minor; only strictly beyond it is major.
	r, _, _ := reconcilerFixture(t, 2200.00, 2100.00)

	rec, err := r.ReconcileWindow(context.Background(), "solarco", reconWindow.start, reconWindow.end)
	require.NoError(t, err)
	assert.Equal(t, domain.ReconMinor, rec.Status)
}

func TestReconcileReplayIsIdentical(t *testing.T) {
	store, mock := newTestStore(t)
	for i := 0; i < 2; i++ {
		mock.ExpectQuery("SELECT COALESCE").
			WillReturnRows(sqlmock.NewRows([]string{"sum", "count"}).AddRow(2500.00, 10))
	}
	r := NewReconciler(store, &fixedReports{total: 2420.00}, nil,
		&staticPlatforms{codes: []string{"solarco"}},
		config.ReconciliationConfig{MinorThresholdUSD: 100})

	first, err := r.ReconcileWindow(context.Background(), "solarco", reconWindow.start, reconWindow.end)
	require.NoError(t, err)
	second, err := r.ReconcileWindow(context.Background(), "solarco", reconWindow.start, reconWindow.end)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestReconcilePreviousDayCoversAllPlatforms(t *testing.T) {
	store, mock := newTestStore(t)
	for i := 0; i < 2; i++ {
		mock.ExpectQuery("SELECT COALESCE").
			WillReturnRows(sqlmock.NewRows([]string{"sum", "count"}).AddRow(100.00, 1))
	}
	sink := &recordingSink{}
	r := NewReconciler(store, &fixedReports{total: 100.00}, sink,
		&staticPlatforms{codes: []string{"alpha", "beta"}},
		config.ReconciliationConfig{MinorThresholdUSD: 100})

	now := time.Date(2026, 8, 24, 0, 30, 0, 0, time.UTC)
	records, err := r.ReconcilePreviousDay(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, time.Date(2026, 8, 23, 0, 0, 0, 0, time.UTC), records[0].WindowStart)
	assert.Equal(t, time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC), records[0].WindowEnd)
}
