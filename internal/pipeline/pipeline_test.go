package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sunbeam/leadflow/internal/config"
	"github.com/sunbeam/leadflow/internal/domain"
	"github.com/sunbeam/leadflow/internal/routing"
	"github.com/sunbeam/leadflow/internal/scoring"
)

type stubRouter struct {
	decision  *domain.RoutingDecision
	err       error
	calls     int
	lastLead  *domain.Lead
	lastBlack map[string]bool
}

func (r *stubRouter) Route(_ context.Context, lead *domain.Lead, _ *domain.ScoreSnapshot, blacklist map[string]bool) (*domain.RoutingDecision, error) {
	r.calls++
	r.lastLead = lead
	r.lastBlack = blacklist
	if r.err != nil {
		return nil, r.err
	}
	d := *r.decision
	d.LeadID = lead.ID
	return &d, nil
}

type fakeLeads struct {
	byID   map[string]*domain.Lead
	saved  []*domain.Lead
	failed []string
}

func (f *fakeLeads) Get(_ context.Context, id string) (*domain.Lead, error) {
	l, ok := f.byID[id]
	if !ok {
		return nil, fmt.Errorf("lead %s not found", id)
	}
	return l, nil
}

func (f *fakeLeads) Save(_ context.Context, l *domain.Lead) error {
	f.saved = append(f.saved, l)
	return nil
}

func (f *fakeLeads) MarkFailed(_ context.Context, leadID string) error {
	f.failed = append(f.failed, leadID)
	return nil
}

type fakeDecisions struct{ saved []*domain.RoutingDecision }

func (f *fakeDecisions) Save(_ context.Context, d *domain.RoutingDecision) error {
	f.saved = append(f.saved, d)
	return nil
}

type fakeQueue struct {
	jobs   []*domain.DispatchJob
	status domain.JobStatus
}

func (f *fakeQueue) Enqueue(_ context.Context, job *domain.DispatchJob) (domain.JobStatus, error) {
	f.jobs = append(f.jobs, job)
	if f.status == "" {
		return domain.JobQueued, nil
	}
	return f.status, nil
}

type fakeMarker struct{ dispatched []string }

func (f *fakeMarker) MarkDispatched(_ context.Context, sessionID string) error {
	f.dispatched = append(f.dispatched, sessionID)
	return nil
}

type capturedTimer struct {
	delay time.Duration
	fn    func()
}

type fixture struct {
	pipe      *Pipeline
	router    *stubRouter
	leads     *fakeLeads
	decisions *fakeDecisions
	queue     *fakeQueue
	marker    *fakeMarker
	timers    []capturedTimer
}

// drain runs one handed-off task from the pipeline's work queue.
func (f *fixture) drain(t *testing.T) {
	t.Helper()
	select {
	case task := <-f.pipe.work:
		task()
	default:
		t.Fatal("no task handed off")
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	engine, err := scoring.New(config.ScoringConfig{
		Weights:        config.DefaultWeights(),
		TierThresholds: config.TierThresholds{Premium: 85, Standard: 70, Basic: 50},
	}, scoring.DefaultNYCSource())
	require.NoError(t, err)

	registry := routing.NewRegistry([]*domain.Platform{{
		Code:             "solarco",
		Name:             "SolarCo",
		Method:           "json-api",
		AcceptedTiers:    []domain.QualityTier{domain.TierPremium, domain.TierStandard},
		MaxScore:         100,
		BasePrice:        250,
		CommissionRate:   0.15,
		SLAMinutes:       120,
		Active:           true,
		IsAcceptingLeads: true,
		Health:           "healthy",
	}})

	f := &fixture{
		router: &stubRouter{decision: &domain.RoutingDecision{
			ID:           "dec-1",
			PlatformCode: "solarco",
			Price:        276,
		}},
		leads:     &fakeLeads{byID: map[string]*domain.Lead{}},
		decisions: &fakeDecisions{},
		queue:     &fakeQueue{},
		marker:    &fakeMarker{},
	}
	f.pipe = New(f.router, registry, engine, f.queue, f.leads, f.decisions, f.marker,
		config.RoutingConfig{MaxDispatchAttemptsPerLead: 3})
	f.pipe.now = func() time.Time {
		return time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC)
	}
	f.pipe.timer = func(d time.Duration, fn func()) {
		f.timers = append(f.timers, capturedTimer{delay: d, fn: fn})
	}
	return f
}

func readySession() *domain.ConversationSession {
	slots := map[string]domain.SlotValue{
		"first_name":        {Value: "Maria", Confidence: 0.95},
		"last_name":         {Value: "Santos", Confidence: 0.95},
		"email":             {Value: "maria@example.com", Confidence: 0.9},
		"phone":             {Value: "+13475550147", Confidence: 0.9},
		"zip_code":          {Value: "11215", Confidence: 0.95},
		"monthly_bill":      {Value: 380.0, Confidence: 0.9},
		"ownership":         {Value: true, Confidence: 0.95},
		"timeline":          {Value: "within 3 months", Confidence: 0.85},
		"electric_provider": {Value: "coned", Confidence: 0.8},
		"square_footage":    {Value: 1800.0, Confidence: 0.7},
	}
	return &domain.ConversationSession{
		ID:               "sess-1",
		LeadID:           "lead-1",
		State:            domain.SessionReady,
		StartedAt:        time.Date(2026, 3, 14, 14, 40, 0, 0, time.UTC),
		Slots:            slots,
		RevenuePotential: 240.12,
		Latest: &domain.ScoreSnapshot{
			SessionID: "sess-1",
			LeadID:    "lead-1",
			Seq:       8,
			Total:     92,
			Tier:      domain.TierPremium,
		},
	}
}

func TestDispatchSessionBuildsLeadAndQueuesJob(t *testing.T) {
	f := newFixture(t)

	f.pipe.dispatchSession(context.Background(), readySession())

	require.Len(t, f.leads.saved, 1)
	lead := f.leads.saved[0]
	assert.Equal(t, "lead-1", lead.ID)
	assert.Equal(t, "Maria", lead.Contact.FirstName)
	assert.Equal(t, "Santos", lead.Contact.LastName)
	assert.Equal(t, "11215", lead.Property.ZipCode)
	assert.Equal(t, "Brooklyn", lead.Property.Borough)
	assert.Equal(t, 1800, lead.Property.SquareFootage)
	require.NotNil(t, lead.Qualification.MonthlyBill)
	assert.Equal(t, 380.0, *lead.Qualification.MonthlyBill)
	require.NotNil(t, lead.Qualification.Homeowner)
	assert.True(t, *lead.Qualification.Homeowner)
	assert.Equal(t, "within 3 months", lead.Qualification.Timeline)
	assert.Equal(t, 92, lead.Score)
	assert.Equal(t, domain.TierPremium, lead.Tier)
	assert.Equal(t, 240.12, lead.EstimatedValue)
	assert.Equal(t, "chat", lead.Source)

	require.Len(t, f.decisions.saved, 1)
	assert.Equal(t, "lead-1", f.decisions.saved[0].LeadID)

	require.Len(t, f.queue.jobs, 1)
	job := f.queue.jobs[0]
	assert.Equal(t, "lead-1", job.LeadID)
	assert.Equal(t, "solarco", job.PlatformCode)
	assert.Equal(t, "dec-1", job.DecisionID)
	assert.Equal(t, domain.TierPremium, job.Tier)
	assert.Equal(t, 276.0, job.Price)
	assert.True(t, job.ReservedCapacity)
	// 120 minute SLA leaves full headroom, so priority is tier base only.
	assert.Equal(t, 300, job.Priority)
	assert.Equal(t, f.pipe.now().Add(2*time.Hour), job.SLADeadline)

	assert.Equal(t, []string{"sess-1"}, f.marker.dispatched)
}

func TestDispatchSessionMintsLeadID(t *testing.T) {
	f := newFixture(t)
	sess := readySession()
	sess.LeadID = ""
	sess.Latest.LeadID = ""

	f.pipe.dispatchSession(context.Background(), sess)

	require.Len(t, f.leads.saved, 1)
	assert.NotEmpty(t, f.leads.saved[0].ID)
}

func TestLeadReadyHandsOffToWorkQueue(t *testing.T) {
	f := newFixture(t)

	f.pipe.LeadReady(context.Background(), readySession())

	assert.Empty(t, f.queue.jobs, "nothing runs until the work queue drains")
	select {
	case task := <-f.pipe.work:
		task()
	default:
		t.Fatal("no task handed off")
	}
	assert.Len(t, f.queue.jobs, 1)
}

func TestRerouteExcludesFailedPlatform(t *testing.T) {
	f := newFixture(t)
	f.pipe.dispatchSession(context.Background(), readySession())
	require.Len(t, f.queue.jobs, 1)

	f.router.decision = &domain.RoutingDecision{ID: "dec-2", PlatformCode: "sunbuy", Price: 240}
	f.leads.byID["lead-1"] = f.leads.saved[0]

	f.pipe.reroute(context.Background(), "lead-1", "solarco")

	require.Equal(t, 2, f.router.calls)
	assert.True(t, f.router.lastBlack["solarco"])
	require.Len(t, f.queue.jobs, 2)
	assert.Equal(t, "sunbuy", f.queue.jobs[1].PlatformCode)
	assert.Empty(t, f.leads.failed)
}

func TestRerouteStopsAtAttemptCap(t *testing.T) {
	f := newFixture(t)
	f.pipe.dispatchSession(context.Background(), readySession())
	f.leads.byID["lead-1"] = f.leads.saved[0]

	f.router.decision = &domain.RoutingDecision{ID: "dec-2", PlatformCode: "sunbuy", Price: 240}
	f.pipe.reroute(context.Background(), "lead-1", "solarco")
	f.router.decision = &domain.RoutingDecision{ID: "dec-3", PlatformCode: "heliox", Price: 220}
	f.pipe.reroute(context.Background(), "lead-1", "sunbuy")
	require.Len(t, f.queue.jobs, 3)

	// Fourth attempt exceeds the cap of 3; routing is not consulted.
	routeCalls := f.router.calls
	f.pipe.reroute(context.Background(), "lead-1", "heliox")

	assert.Equal(t, routeCalls, f.router.calls)
	assert.Len(t, f.queue.jobs, 3)
	assert.Equal(t, []string{"lead-1"}, f.leads.failed)
}

func TestNoEligiblePlatformMarksLeadFailed(t *testing.T) {
	f := newFixture(t)
	f.router.err = domain.E(domain.CodeNoEligiblePlatform, "routing.route", domain.ErrNoEligiblePlatform)

	f.pipe.dispatchSession(context.Background(), readySession())

	assert.Empty(t, f.queue.jobs)
	assert.Empty(t, f.marker.dispatched)
	assert.Equal(t, []string{"lead-1"}, f.leads.failed)
}

func TestCapacityExhaustedSchedulesRetry(t *testing.T) {
	f := newFixture(t)
	f.router.err = domain.E(domain.CodeCapacityExhausted, "routing.route", domain.ErrCapacityExhausted)

	f.pipe.dispatchSession(context.Background(), readySession())

	assert.Empty(t, f.queue.jobs)
	assert.Empty(t, f.marker.dispatched)
	assert.Empty(t, f.leads.failed, "capacity exhaustion is transient, lead keeps its attempts")

	// Pinned now sits exactly on a minute boundary, so the retry waits one
	// full window plus the skew pad.
	require.Len(t, f.timers, 1)
	assert.Equal(t, 61*time.Second, f.timers[0].delay)
}

func TestCapacityRetryEnqueuesAfterWindowReset(t *testing.T) {
	f := newFixture(t)
	f.router.err = domain.E(domain.CodeCapacityExhausted, "routing.route", domain.ErrCapacityExhausted)

	f.pipe.dispatchSession(context.Background(), readySession())
	require.Len(t, f.timers, 1)
	require.Empty(t, f.queue.jobs)

	// Window resets and a slot frees up.
	f.router.err = nil
	f.timers[0].fn()
	f.drain(t)

	require.Len(t, f.queue.jobs, 1)
	assert.Equal(t, "solarco", f.queue.jobs[0].PlatformCode)
	assert.Equal(t, []string{"sess-1"}, f.marker.dispatched,
		"the session is marked dispatched on the retried route, not the first pass")
	assert.Empty(t, f.leads.failed)
}

func TestCapacityRetryGivesUpAfterBound(t *testing.T) {
	f := newFixture(t)
	f.router.err = domain.E(domain.CodeCapacityExhausted, "routing.route", domain.ErrCapacityExhausted)

	f.pipe.dispatchSession(context.Background(), readySession())

	for i := 0; i < maxCapacityRetries && len(f.leads.failed) == 0; i++ {
		require.Len(t, f.timers, i+1)
		f.timers[i].fn()
		f.drain(t)
	}

	assert.Equal(t, []string{"lead-1"}, f.leads.failed)
	assert.Len(t, f.timers, maxCapacityRetries, "no retry is scheduled past the bound")
	assert.Empty(t, f.queue.jobs)
	assert.Empty(t, f.marker.dispatched)
}

func TestDeferredAdmissionStillMarksSession(t *testing.T) {
	f := newFixture(t)
	f.queue.status = domain.JobDeferred

	f.pipe.dispatchSession(context.Background(), readySession())

	require.Len(t, f.queue.jobs, 1)
	assert.Equal(t, []string{"sess-1"}, f.marker.dispatched)
}

func TestRerouteUnknownLeadLogsAndStops(t *testing.T) {
	f := newFixture(t)

	f.pipe.reroute(context.Background(), "ghost", "solarco")

	assert.Zero(t, f.router.calls)
	assert.Empty(t, f.queue.jobs)
}

func TestRouterErrorPropagates(t *testing.T) {
	f := newFixture(t)
	f.router.err = errors.New("redis down")

	f.pipe.dispatchSession(context.Background(), readySession())

	assert.Empty(t, f.queue.jobs)
	assert.Empty(t, f.marker.dispatched)
	assert.Empty(t, f.leads.failed)
}
