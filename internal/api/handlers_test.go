package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sunbeam/leadflow/internal/capacity"
	"github.com/sunbeam/leadflow/internal/config"
	"github.com/sunbeam/leadflow/internal/dispatch"
	"github.com/sunbeam/leadflow/internal/domain"
	"github.com/sunbeam/leadflow/internal/routing"
)

type fakeTracker struct {
	snap     *domain.ScoreSnapshot
	applyErr error
	sessions map[string]*domain.ConversationSession
	applied  []*domain.TurnEvent
}

func (f *fakeTracker) Apply(_ context.Context, ev *domain.TurnEvent) (*domain.ScoreSnapshot, error) {
	f.applied = append(f.applied, ev)
	if f.applyErr != nil {
		return nil, f.applyErr
	}
	return f.snap, nil
}

func (f *fakeTracker) Snapshot(_ context.Context, id string) (*domain.ConversationSession, bool) {
	s, ok := f.sessions[id]
	return s, ok
}

func (f *fakeTracker) ActiveCount() int { return len(f.sessions) }

type fakeIngester struct {
	received []*domain.BuyerFeedback
	err      error
}

func (f *fakeIngester) Ingest(_ context.Context, fb *domain.BuyerFeedback) error {
	f.received = append(f.received, fb)
	return f.err
}

type fakeDecisions struct {
	decisions []*domain.RoutingDecision
	lastLimit int
}

func (f *fakeDecisions) Recent(_ context.Context, limit int) ([]*domain.RoutingDecision, error) {
	f.lastLimit = limit
	return f.decisions, nil
}

type fakeReconciler struct {
	rec *domain.ReconciliationRecord
	err error
}

func (f *fakeReconciler) ReconcileWindow(_ context.Context, code string, start, end time.Time) (*domain.ReconciliationRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	rec := *f.rec
	rec.PlatformCode = code
	rec.WindowStart = start
	rec.WindowEnd = end
	return &rec, nil
}

type apiFixture struct {
	server     *Server
	tracker    *fakeTracker
	ingester   *fakeIngester
	decisions  *fakeDecisions
	reconciler *fakeReconciler
	registry   *routing.Registry
}

func newAPIFixture(t *testing.T, perMinute int) *apiFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	db, _, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	registry := routing.NewRegistry([]*domain.Platform{{
		Code:             "solarco",
		Name:             "SolarCo",
		Method:           domain.DeliveryJSONAPI,
		SharedSecret:     "hmac-secret",
		Active:           true,
		IsAcceptingLeads: true,
		Health:           domain.HealthHealthy,
	}})

	f := &apiFixture{
		tracker: &fakeTracker{
			snap:     &domain.ScoreSnapshot{SessionID: "sess-1", Total: 92, Tier: domain.TierPremium},
			sessions: map[string]*domain.ConversationSession{},
		},
		ingester:   &fakeIngester{},
		decisions:  &fakeDecisions{},
		reconciler: &fakeReconciler{rec: &domain.ReconciliationRecord{Status: domain.ReconOK}},
		registry:   registry,
	}
	h := NewHandlers(f.tracker, f.ingester, registry, f.decisions, f.reconciler, "fallback-secret")
	cfg := config.Config{RateLimit: config.RateLimitConfig{PerClientPerMinute: perMinute}}
	f.server = NewServer(cfg, h, capacity.New(rdb), db, rdb)
	return f
}

func (f *apiFixture) do(t *testing.T, method, path string, body []byte, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rr, req)
	return rr
}

func TestTurnEventReturnsSnapshot(t *testing.T) {
	f := newAPIFixture(t, 100)
	body, _ := json.Marshal(domain.TurnEvent{SessionID: "sess-1"})

	rr := f.do(t, http.MethodPost, "/v1/events/turn", body, nil)

	require.Equal(t, http.StatusOK, rr.Code)
	var snap domain.ScoreSnapshot
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &snap))
	assert.Equal(t, 92, snap.Total)
	require.Len(t, f.tracker.applied, 1)
	assert.False(t, f.tracker.applied[0].Timestamp.IsZero(), "missing timestamp is stamped at ingest")
}

func TestTurnEventRejectsMalformedBody(t *testing.T) {
	f := newAPIFixture(t, 100)

	rr := f.do(t, http.MethodPost, "/v1/events/turn", []byte("{nope"), nil)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, string(domain.CodeInvalidInput), resp["code"])
}

func TestTurnEventMapsValidationError(t *testing.T) {
	f := newAPIFixture(t, 100)
	f.tracker.applyErr = domain.Errorf(domain.CodeInvalidInput, "event.validate", "sentiment out of range")
	body, _ := json.Marshal(domain.TurnEvent{SessionID: "sess-1"})

	rr := f.do(t, http.MethodPost, "/v1/events/turn", body, nil)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestSessionSnapshot(t *testing.T) {
	f := newAPIFixture(t, 100)
	f.tracker.sessions["sess-1"] = &domain.ConversationSession{ID: "sess-1", State: domain.SessionActive}

	rr := f.do(t, http.MethodGet, "/v1/sessions/sess-1", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = f.do(t, http.MethodGet, "/v1/sessions/unknown", nil, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestFeedbackWebhookVerifiesSignature(t *testing.T) {
	f := newAPIFixture(t, 100)
	body, _ := json.Marshal(domain.BuyerFeedback{
		FeedbackID:   "fb-1",
		LeadID:       "lead-1",
		Type:         domain.FeedbackAccept,
		QualityScore: 8,
	})

	rr := f.do(t, http.MethodPost, "/v1/feedback/solarco", body, map[string]string{
		"X-Signature": dispatch.Sign(body, "hmac-secret"),
	})

	require.Equal(t, http.StatusAccepted, rr.Code)
	require.Len(t, f.ingester.received, 1)
	assert.Equal(t, "solarco", f.ingester.received[0].PlatformCode, "path platform overrides body")
	assert.False(t, f.ingester.received[0].ReceivedAt.IsZero())
}

func TestFeedbackWebhookRejectsBadSignature(t *testing.T) {
	f := newAPIFixture(t, 100)
	body, _ := json.Marshal(domain.BuyerFeedback{FeedbackID: "fb-1", LeadID: "lead-1", Type: domain.FeedbackAccept})

	rr := f.do(t, http.MethodPost, "/v1/feedback/solarco", body, map[string]string{
		"X-Signature": dispatch.Sign(body, "wrong-secret"),
	})

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Empty(t, f.ingester.received)
}

func TestFeedbackWebhookFallbackSecret(t *testing.T) {
	f := newAPIFixture(t, 100)
	body, _ := json.Marshal(domain.BuyerFeedback{FeedbackID: "fb-2", LeadID: "lead-1", Type: domain.FeedbackReject})

	// Unknown platform code falls back to the configured secret.
	rr := f.do(t, http.MethodPost, "/v1/feedback/newbuyer", body, map[string]string{
		"X-Signature": dispatch.Sign(body, "fallback-secret"),
	})

	assert.Equal(t, http.StatusAccepted, rr.Code)
}

func TestListPlatforms(t *testing.T) {
	f := newAPIFixture(t, 100)

	rr := f.do(t, http.MethodGet, "/v1/admin/platforms", nil, nil)

	require.Equal(t, http.StatusOK, rr.Code)
	var platforms []*domain.Platform
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &platforms))
	require.Len(t, platforms, 1)
	assert.Equal(t, "solarco", platforms[0].Code)
}

func TestSetPlatformAccepting(t *testing.T) {
	f := newAPIFixture(t, 100)

	rr := f.do(t, http.MethodPost, "/v1/admin/platforms/solarco/accepting",
		[]byte(`{"accepting":false}`), nil)
	require.Equal(t, http.StatusOK, rr.Code)

	p, ok := f.registry.Get("solarco")
	require.True(t, ok)
	assert.False(t, p.IsAcceptingLeads)

	rr = f.do(t, http.MethodPost, "/v1/admin/platforms/ghost/accepting",
		[]byte(`{"accepting":true}`), nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestListDecisionsHonorsLimit(t *testing.T) {
	f := newAPIFixture(t, 100)
	f.decisions.decisions = []*domain.RoutingDecision{{ID: "dec-1", PlatformCode: "solarco"}}

	rr := f.do(t, http.MethodGet, "/v1/admin/decisions?limit=5", nil, nil)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 5, f.decisions.lastLimit)
}

func TestRunReconciliation(t *testing.T) {
	f := newAPIFixture(t, 100)

	rr := f.do(t, http.MethodPost, "/v1/admin/reconcile",
		[]byte(`{"platform_code":"solarco","date":"2026-03-13"}`), nil)

	require.Equal(t, http.StatusOK, rr.Code)
	var rec domain.ReconciliationRecord
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rec))
	assert.Equal(t, "solarco", rec.PlatformCode)
	assert.Equal(t, time.Date(2026, 3, 13, 0, 0, 0, 0, time.UTC), rec.WindowStart)
	assert.Equal(t, time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC), rec.WindowEnd)

	rr = f.do(t, http.MethodPost, "/v1/admin/reconcile",
		[]byte(`{"platform_code":"solarco","date":"13-03-2026"}`), nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestIngestRateLimit(t *testing.T) {
	f := newAPIFixture(t, 2)
	body, _ := json.Marshal(domain.TurnEvent{SessionID: "sess-1"})

	for i := 0; i < 2; i++ {
		rr := f.do(t, http.MethodPost, "/v1/events/turn", body, nil)
		require.Equal(t, http.StatusOK, rr.Code, fmt.Sprintf("request %d within quota", i+1))
	}

	rr := f.do(t, http.MethodPost, "/v1/events/turn", body, nil)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("Retry-After"))
}

func TestHealthEndpoints(t *testing.T) {
	f := newAPIFixture(t, 100)

	rr := f.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = f.do(t, http.MethodGet, "/ready", nil, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}
