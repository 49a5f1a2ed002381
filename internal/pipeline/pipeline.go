// Package pipeline connects the conversation tracker to routing and
// dispatch. Sales-ready sessions become persisted leads, routed
// decisions, and queued dispatch jobs; permanently failed dispatches
// come back here for rerouting to an alternate buyer.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sunbeam/leadflow/internal/config"
	"github.com/sunbeam/leadflow/internal/domain"
	"github.com/sunbeam/leadflow/internal/pkg/logger"
	"github.com/sunbeam/leadflow/internal/routing"
	"github.com/sunbeam/leadflow/internal/scoring"
)

// Router decides the buyer platform for a lead. *routing.Router satisfies it.
type Router interface {
	Route(ctx context.Context, lead *domain.Lead, snap *domain.ScoreSnapshot, blacklist map[string]bool) (*domain.RoutingDecision, error)
}

// LeadStore is the slice of lead persistence the pipeline needs.
type LeadStore interface {
	Get(ctx context.Context, id string) (*domain.Lead, error)
	Save(ctx context.Context, l *domain.Lead) error
	MarkFailed(ctx context.Context, leadID string) error
}

// DecisionStore persists routing decisions.
type DecisionStore interface {
	Save(ctx context.Context, d *domain.RoutingDecision) error
}

// JobQueue admits dispatch jobs.
type JobQueue interface {
	Enqueue(ctx context.Context, job *domain.DispatchJob) (domain.JobStatus, error)
}

// SessionMarker moves a session to dispatched after routing succeeds.
// *session.Tracker satisfies it.
type SessionMarker interface {
	MarkDispatched(ctx context.Context, sessionID string) error
}

// routeState tracks one lead's dispatch attempts and the platforms it may
// no longer be offered to. Kept in memory; exported_to on the lead record
// carries the durable part.
type routeState struct {
	attempts        int
	capacityRetries int
	excluded        map[string]bool
}

// Capacity exhaustion is transient per window, so the lead is parked and
// retried after the window resets instead of consuming a dispatch attempt.
// The retry count is bounded so a permanently saturated market does not
// hold leads forever.
const maxCapacityRetries = 10

// Pipeline implements session.ReadySink and dispatch.Rerouter.
type Pipeline struct {
	router    Router
	registry  *routing.Registry
	engine    *scoring.Engine
	queue     JobQueue
	leads     LeadStore
	decisions DecisionStore
	sessions  SessionMarker

	maxAttempts int

	mu    sync.Mutex
	state map[string]*routeState

	work  chan func()
	now   func() time.Time
	timer func(d time.Duration, f func())
	log   zerolog.Logger
}

// New wires the pipeline. sessions may be nil when no tracker runs in the
// same process (the worker binary reroutes but never marks sessions).
func New(router Router, registry *routing.Registry, engine *scoring.Engine,
	queue JobQueue, leads LeadStore, decisions DecisionStore,
	sessions SessionMarker, cfg config.RoutingConfig) *Pipeline {

	max := cfg.MaxDispatchAttemptsPerLead
	if max <= 0 {
		max = 3
	}
	return &Pipeline{
		router:      router,
		registry:    registry,
		engine:      engine,
		queue:       queue,
		leads:       leads,
		decisions:   decisions,
		sessions:    sessions,
		maxAttempts: max,
		state:       make(map[string]*routeState),
		work:        make(chan func(), 256),
		now:         func() time.Time { return time.Now().UTC() },
		timer:       func(d time.Duration, f func()) { time.AfterFunc(d, f) },
		log:         logger.Component("pipeline"),
	}
}

// BindSessions attaches the session marker after construction. The tracker
// takes the pipeline as its ready sink, so one of the two is wired late.
func (p *Pipeline) BindSessions(m SessionMarker) { p.sessions = m }

// Run drains the hand-off queue until ctx ends.
func (p *Pipeline) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-p.work:
			task()
		}
	}
}

// LeadReady receives a session that just crossed into ready. It runs on the
// session actor's goroutine, so the real work is handed off; when the queue
// is full a goroutine absorbs the spike rather than stalling the actor.
func (p *Pipeline) LeadReady(ctx context.Context, sess *domain.ConversationSession) {
	task := func() { p.dispatchSession(context.Background(), sess) }
	select {
	case p.work <- task:
	default:
		go task()
	}
}

func (p *Pipeline) dispatchSession(ctx context.Context, sess *domain.ConversationSession) {
	if sess.Latest == nil {
		p.log.Error().Str("session_id", sess.ID).Msg("ready session has no score snapshot")
		return
	}
	lead := p.leadFromSession(sess)
	if err := p.leads.Save(ctx, lead); err != nil {
		p.log.Error().Err(err).Str("lead_id", lead.ID).Msg("lead save failed")
		return
	}

	st := p.stateFor(lead.ID)
	p.routeAndEnqueue(ctx, lead, sess.Latest, st, sess.ID)
}

// RerouteFailed gives a lead whose dispatch permanently failed another
// chance on a different platform, up to the per-lead attempt cap.
func (p *Pipeline) RerouteFailed(ctx context.Context, leadID, failedPlatform string) {
	task := func() { p.reroute(context.Background(), leadID, failedPlatform) }
	select {
	case p.work <- task:
	default:
		go task()
	}
}

func (p *Pipeline) reroute(ctx context.Context, leadID, failedPlatform string) {
	p.mu.Lock()
	st, ok := p.state[leadID]
	if !ok {
		st = &routeState{attempts: 1, excluded: make(map[string]bool)}
		p.state[leadID] = st
	}
	st.excluded[failedPlatform] = true
	exhausted := st.attempts >= p.maxAttempts
	p.mu.Unlock()

	if exhausted {
		p.giveUp(ctx, leadID)
		return
	}

	lead, err := p.leads.Get(ctx, leadID)
	if err != nil {
		p.log.Error().Err(err).Str("lead_id", leadID).Msg("reroute lead load failed")
		return
	}
	snap := &domain.ScoreSnapshot{
		LeadID:           lead.ID,
		Timestamp:        p.now(),
		Total:            lead.Score,
		Tier:             lead.Tier,
		RevenuePotential: lead.EstimatedValue,
	}
	if err := p.routeAndEnqueue(ctx, lead, snap, st, ""); err == nil {
		p.log.Info().Str("lead_id", leadID).Str("failed_platform", failedPlatform).
			Msg("lead rerouted after dispatch failure")
	}
}

// routeAndEnqueue runs one routing decision and queues its dispatch job.
// The caller's routeState is updated on success. sessionID, when set, is
// marked dispatched once the job is admitted.
func (p *Pipeline) routeAndEnqueue(ctx context.Context, lead *domain.Lead,
	snap *domain.ScoreSnapshot, st *routeState, sessionID string) error {

	p.mu.Lock()
	blacklist := make(map[string]bool, len(st.excluded))
	for code := range st.excluded {
		blacklist[code] = true
	}
	p.mu.Unlock()

	decision, err := p.router.Route(ctx, lead, snap, blacklist)
	if err != nil {
		switch domain.CodeOf(err) {
		case domain.CodeNoEligiblePlatform:
			p.log.Warn().Str("lead_id", lead.ID).Str("tier", string(lead.Tier)).
				Msg("no eligible platform, lead stays pending")
			p.giveUp(ctx, lead.ID)
		case domain.CodeCapacityExhausted:
			p.scheduleCapacityRetry(lead, snap, st, sessionID)
		default:
			p.log.Error().Err(err).Str("lead_id", lead.ID).Msg("routing failed")
		}
		return err
	}

	if err := p.decisions.Save(ctx, decision); err != nil {
		// The decision record is audit trail; the reserved slot and job
		// still proceed.
		p.log.Error().Err(err).Str("decision_id", decision.ID).Msg("decision save failed")
	}

	now := p.now()
	sla := now.Add(p.slaFor(decision.PlatformCode))
	job := &domain.DispatchJob{
		ID:               uuid.NewString(),
		LeadID:           lead.ID,
		PlatformCode:     decision.PlatformCode,
		DecisionID:       decision.ID,
		Tier:             lead.Tier,
		Price:            decision.Price,
		Status:           domain.JobQueued,
		NextAttempt:      now,
		SLADeadline:      sla,
		Priority:         domain.JobPriority(lead.Tier, sla, now),
		ReservedCapacity: true,
		CreatedAt:        now,
	}
	status, err := p.queue.Enqueue(ctx, job)
	if err != nil {
		p.log.Error().Err(err).Str("lead_id", lead.ID).Str("platform", decision.PlatformCode).
			Msg("job enqueue failed")
		return err
	}

	p.mu.Lock()
	st.attempts++
	st.capacityRetries = 0
	st.excluded[decision.PlatformCode] = true
	p.mu.Unlock()

	if sessionID != "" && p.sessions != nil {
		if err := p.sessions.MarkDispatched(ctx, sessionID); err != nil {
			p.log.Warn().Err(err).Str("session_id", sessionID).Msg("session dispatch mark failed")
		}
	}

	p.log.Info().
		Str("lead_id", lead.ID).
		Str("platform", decision.PlatformCode).
		Str("job_id", job.ID).
		Str("status", string(status)).
		Float64("price", decision.Price).
		Msg("dispatch job queued")
	return nil
}

// scheduleCapacityRetry parks a lead whose candidates are all at capacity
// and re-drives routing once the current minute window has reset. Retries
// do not consume dispatch attempts.
func (p *Pipeline) scheduleCapacityRetry(lead *domain.Lead, snap *domain.ScoreSnapshot,
	st *routeState, sessionID string) {

	p.mu.Lock()
	st.capacityRetries++
	retry := st.capacityRetries
	p.mu.Unlock()

	if retry > maxCapacityRetries {
		p.log.Warn().Str("lead_id", lead.ID).Int("retries", retry-1).
			Msg("capacity never freed, giving up on lead")
		p.giveUp(context.Background(), lead.ID)
		return
	}

	delay := p.capacityRetryDelay()
	p.log.Warn().Str("lead_id", lead.ID).Int("retry", retry).Dur("retry_in", delay).
		Msg("all candidate platforms at capacity, retry scheduled")

	p.timer(delay, func() {
		task := func() { p.routeAndEnqueue(context.Background(), lead, snap, st, sessionID) }
		select {
		case p.work <- task:
		default:
			go task()
		}
	})
}

// capacityRetryDelay waits out the current minute window. Counters reset at
// UTC minute boundaries; the extra second absorbs clock skew against Redis.
func (p *Pipeline) capacityRetryDelay() time.Duration {
	now := p.now()
	return now.Truncate(time.Minute).Add(time.Minute).Sub(now) + time.Second
}

// giveUp marks the lead failed and drops its in-memory route state.
func (p *Pipeline) giveUp(ctx context.Context, leadID string) {
	p.mu.Lock()
	delete(p.state, leadID)
	p.mu.Unlock()

	if err := p.leads.MarkFailed(ctx, leadID); err != nil {
		p.log.Error().Err(err).Str("lead_id", leadID).Msg("lead failure mark failed")
	}
	p.log.Warn().Str("lead_id", leadID).Int("max_attempts", p.maxAttempts).
		Msg("dispatch attempts exhausted, lead marked failed")
}

// slaFor resolves the chosen platform's delivery SLA, defaulting to an hour
// when the platform vanished from the registry between route and enqueue.
func (p *Pipeline) slaFor(platformCode string) time.Duration {
	if platform, ok := p.registry.Get(platformCode); ok && platform.SLAMinutes > 0 {
		return time.Duration(platform.SLAMinutes) * time.Minute
	}
	return time.Hour
}

func (p *Pipeline) stateFor(leadID string) *routeState {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.state[leadID]
	if !ok {
		st = &routeState{excluded: make(map[string]bool)}
		p.state[leadID] = st
	}
	return st
}

// leadFromSession materializes the durable lead record from the session's
// extracted slots and latest score snapshot.
func (p *Pipeline) leadFromSession(sess *domain.ConversationSession) *domain.Lead {
	slots := sess.Slots
	zip, _ := scoring.SlotString(slots, scoring.SlotZip)
	market := p.engine.MarketFor(zip)

	lead := &domain.Lead{
		ID:           sess.LeadID,
		Score:        sess.Latest.Total,
		Tier:         sess.Latest.Tier,
		ExportStatus: domain.ExportPending,
		Source:       "chat",
		CreatedAt:    sess.StartedAt,
	}
	if lead.ID == "" {
		lead.ID = uuid.NewString()
	}
	lead.EstimatedValue = sess.RevenuePotential

	lead.Contact.FirstName, _ = scoring.SlotString(slots, "first_name")
	lead.Contact.LastName, _ = scoring.SlotString(slots, "last_name")
	lead.Contact.Email, _ = scoring.SlotString(slots, "email")
	lead.Contact.Phone, _ = scoring.SlotString(slots, "phone")

	lead.Property.Address, _ = scoring.SlotString(slots, "address")
	lead.Property.City, _ = scoring.SlotString(slots, "city")
	lead.Property.State, _ = scoring.SlotString(slots, "state")
	lead.Property.ZipCode = zip
	lead.Property.Borough = market.Borough
	lead.Property.PropertyType, _ = scoring.SlotString(slots, "property_type")
	lead.Property.RoofType, _ = scoring.SlotString(slots, "roof_type")
	lead.Property.RoofCondition, _ = scoring.SlotString(slots, "roof_condition")
	if sqft, ok := scoring.SlotFloat(slots, "square_footage"); ok {
		lead.Property.SquareFootage = int(sqft)
	}

	if bill, ok := scoring.SlotFloat(slots, scoring.SlotBill); ok {
		lead.Qualification.MonthlyBill = &bill
	}
	if owner, known := scoring.SlotBool(slots, scoring.SlotOwnership); known {
		lead.Qualification.Homeowner = &owner
	}
	lead.Qualification.Timeline, _ = scoring.SlotString(slots, scoring.SlotTimeline)
	lead.Qualification.ElectricProvider, _ = scoring.SlotString(slots, "electric_provider")
	return lead
}
