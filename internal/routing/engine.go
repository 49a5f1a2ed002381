// Package routing picks the buyer platform for each sales-ready lead and
// reserves its capacity in the same atomic step, so two concurrent routers
// can never over-commit a daily cap.
package routing

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/sunbeam/leadflow/internal/capacity"
	"github.com/sunbeam/leadflow/internal/domain"
	"github.com/sunbeam/leadflow/internal/pkg/distlock"
	"github.com/sunbeam/leadflow/internal/pkg/logger"
	"github.com/sunbeam/leadflow/internal/pricing"
	"github.com/sunbeam/leadflow/internal/scoring"
)

// Composite score weights (step 3 of the decision model).
const (
	weightRevenue     = 0.40
	weightPerformance = 0.25
	weightCapacity    = 0.15
	weightMarketFit   = 0.10
	weightRuleBonus   = 0.10

	// revenueNorm is the net revenue that saturates the revenue component.
	revenueNorm = 300.0
	// responseNormMs is the response time that zeroes the performance term.
	responseNormMs = 30000.0

	lockTTL = 10 * time.Second
)

// Router computes routing decisions.
type Router struct {
	registry *Registry
	rules    []domain.RoutingRule
	capacity *capacity.Controller
	pricer   *pricing.Pricer
	engine   *scoring.Engine

	redis *redis.Client
	db    *sql.DB
	log   zerolog.Logger
}

// NewRouter wires a router. Rules are sorted by descending priority once.
func NewRouter(registry *Registry, rules []domain.RoutingRule, ctrl *capacity.Controller,
	pricer *pricing.Pricer, engine *scoring.Engine, redisClient *redis.Client, db *sql.DB) *Router {
	sorted := append([]domain.RoutingRule(nil), rules...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority > sorted[j].Priority })
	return &Router{
		registry: registry,
		rules:    sorted,
		capacity: ctrl,
		pricer:   pricer,
		engine:   engine,
		redis:    redisClient,
		db:       db,
		log:      logger.Component("routing"),
	}
}

// candidate is one platform under evaluation.
type candidate struct {
	platform    *domain.Platform
	quote       pricing.Quote
	utilization float64
	breakdown   domain.DecisionBreakdown
	total       float64
	preferredBy []string // rule ids that both matched and prefer it
}

// Route decides the platform for a lead and reserves one daily slot on it.
// blacklist holds platform codes excluded for this lead (failed dispatches).
// The whole selection runs under a per-lead distributed lock.
func (r *Router) Route(ctx context.Context, lead *domain.Lead, snap *domain.ScoreSnapshot, blacklist map[string]bool) (*domain.RoutingDecision, error) {
	lock := distlock.ForLead(r.redis, r.db, lead.ID, lockTTL)
	acquired, err := lock.Acquire(ctx)
	if err != nil {
		return nil, domain.E(domain.CodeDependency, "routing.lock", err)
	}
	if !acquired {
		return nil, domain.Errorf(domain.CodeDependency, "routing.lock", "lead %s is being routed elsewhere", lead.ID)
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			r.log.Warn().Err(err).Str("lead_id", lead.ID).Msg("lock release failed")
		}
	}()

	return r.route(ctx, lead, snap, blacklist)
}

func (r *Router) route(ctx context.Context, lead *domain.Lead, snap *domain.ScoreSnapshot, blacklist map[string]bool) (*domain.RoutingDecision, error) {
	matched := r.applicableRules(lead)
	cands, atCap, err := r.candidates(ctx, lead, snap, matched, blacklist)
	if err != nil {
		return nil, err
	}
	if len(cands) == 0 {
		r.noteUnserved(ctx, lead)
		if atCap > 0 {
			// Platforms would take the lead but their windows are full.
			return nil, domain.E(domain.CodeCapacityExhausted, "routing.route",
				fmt.Errorf("%w: lead %s, %d platforms at capacity", domain.ErrCapacityExhausted, lead.ID, atCap))
		}
		return nil, domain.E(domain.CodeNoEligiblePlatform, "routing.route",
			fmt.Errorf("%w: lead %s tier %s", domain.ErrNoEligiblePlatform, lead.ID, lead.Tier))
	}

	sortCandidates(cands)

	// Reservation and selection are one step: walk best-first, keep the
	// first platform whose counters still admit the lead.
	for i, chosen := range cands {
		res, err := r.capacity.ReservePlatform(ctx, chosen.platform)
		if err != nil {
			return nil, err
		}
		if !res.Allowed {
			r.log.Debug().Str("platform", chosen.platform.Code).Str("window", string(res.Window)).
				Msg("candidate at capacity, trying next")
			continue
		}
		return r.decision(lead, chosen, append(cands[:i:i], cands[i+1:]...), matched), nil
	}

	r.noteUnserved(ctx, lead)
	return nil, domain.E(domain.CodeCapacityExhausted, "routing.route",
		fmt.Errorf("%w: lead %s, %d candidates all at capacity", domain.ErrCapacityExhausted, lead.ID, len(cands)))
}

// applicableRules returns enabled rules matching the lead, highest priority
// first (r.rules is pre-sorted).
func (r *Router) applicableRules(lead *domain.Lead) []domain.RoutingRule {
	flags := r.leadFlags(lead)
	var matched []domain.RoutingRule
	for _, rule := range r.rules {
		if rule.Matches(lead, flags) {
			matched = append(matched, rule)
		}
	}
	return matched
}

// leadFlags derives the facts rule predicates can reference.
func (r *Router) leadFlags(lead *domain.Lead) map[string]bool {
	m := r.engine.MarketFor(lead.Property.ZipCode)
	flags := map[string]bool{
		"high_value_zip": m.HighValue,
		"homeowner":      lead.Qualification.Homeowner != nil && *lead.Qualification.Homeowner,
		"urgent":         lead.Qualification.Timeline != "" && lead.Tier != domain.TierUnqualified,
	}
	if lead.Qualification.MonthlyBill != nil {
		flags["high_bill"] = *lead.Qualification.MonthlyBill >= 300
	}
	return flags
}

func (r *Router) candidates(ctx context.Context, lead *domain.Lead, snap *domain.ScoreSnapshot,
	rules []domain.RoutingRule, blacklist map[string]bool) ([]*candidate, int, error) {

	preferred := preferredSet(rules)
	all := r.registry.All()
	market := r.engine.MarketFor(lead.Property.ZipCode)

	build := func(restrict bool) ([]*candidate, int, error) {
		var out []*candidate
		atCap := 0
		for _, p := range all {
			if blacklist[p.Code] || lead.ExportedToPlatform(p.Code) {
				continue
			}
			if !p.Dispatchable() || !p.AcceptsTier(lead.Tier) || !p.AcceptsScore(snap.Total) {
				continue
			}
			if restrict && len(preferred) > 0 && !preferred[p.Code] {
				continue
			}
			if !hasRequiredFields(lead, p) {
				continue
			}
			util, err := r.capacity.Utilization(ctx, p)
			if err != nil {
				return nil, 0, err
			}
			if util >= 1 {
				atCap++
				continue
			}
			out = append(out, r.evaluate(lead, snap, p, util, market, rules))
		}
		return out, atCap, nil
	}

	cands, atCap, err := build(true)
	if err != nil {
		return nil, 0, err
	}
	if len(cands) == 0 && len(preferred) > 0 {
		// Preferred list produced nothing; fall back to the open field.
		return build(false)
	}
	return cands, atCap, nil
}

func hasRequiredFields(lead *domain.Lead, p *domain.Platform) bool {
	for _, f := range p.RequiredFields {
		if !lead.HasField(f) {
			return false
		}
	}
	return true
}

func preferredSet(rules []domain.RoutingRule) map[string]bool {
	set := make(map[string]bool)
	for _, rule := range rules {
		for _, code := range rule.PreferredPlatforms {
			set[code] = true
		}
	}
	return set
}

// evaluate scores one platform for the lead.
func (r *Router) evaluate(lead *domain.Lead, snap *domain.ScoreSnapshot, p *domain.Platform,
	util float64, market scoring.MarketData, rules []domain.RoutingRule) *candidate {

	quote := r.pricer.Price(pricing.Request{
		Tier:           lead.Tier,
		Score:          snap.Total,
		MonthlyBill:    lead.Qualification.MonthlyBill,
		UrgencyCreated: snap.UrgencyCreated,
		Market:         market,
	})

	net := quote.Price * (1 - p.CommissionRate)
	revenue := net / revenueNorm
	if revenue > 1 {
		revenue = 1
	}

	responsePenalty := p.AvgResponseMs / responseNormMs
	if responsePenalty > 1 {
		responsePenalty = 1
	}
	performance := p.EffectiveAcceptance() * (1 - responsePenalty)

	marketFit := 0.0
	if market.HighValue {
		marketFit += 0.10
	}
	marketFit += market.ConversionRate * 0.05

	var preferredBy []string
	for _, rule := range rules {
		for _, code := range rule.PreferredPlatforms {
			if code == p.Code {
				preferredBy = append(preferredBy, rule.ID)
			}
		}
	}
	ruleBonus := 0.10 * float64(len(preferredBy))
	if ruleBonus > weightRuleBonus {
		ruleBonus = weightRuleBonus
	}

	b := domain.DecisionBreakdown{
		Revenue:     weightRevenue * revenue,
		Performance: weightPerformance * performance,
		Capacity:    weightCapacity * (1 - util),
		MarketFit:   marketFit,
		RuleBonus:   ruleBonus,
	}
	return &candidate{
		platform:    p,
		quote:       quote,
		utilization: util,
		breakdown:   b,
		total:       b.Revenue + b.Performance + b.Capacity + b.MarketFit + b.RuleBonus,
		preferredBy: preferredBy,
	}
}

// sortCandidates orders best-first with the deterministic tie-break chain:
// composite score, acceptance rate, lower utilization, platform code.
func sortCandidates(cands []*candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.total != b.total {
			return a.total > b.total
		}
		if aa, ba := a.platform.EffectiveAcceptance(), b.platform.EffectiveAcceptance(); aa != ba {
			return aa > ba
		}
		if a.utilization != b.utilization {
			return a.utilization < b.utilization
		}
		return a.platform.Code < b.platform.Code
	})
}

func (r *Router) decision(lead *domain.Lead, chosen *candidate, rest []*candidate, rules []domain.RoutingRule) *domain.RoutingDecision {
	d := &domain.RoutingDecision{
		ID:              uuid.NewString(),
		LeadID:          lead.ID,
		PlatformCode:    chosen.platform.Code,
		ConfidenceScore: chosen.total,
		Breakdown:       chosen.breakdown,
		ExpectedRevenue: domain.RoundCents(chosen.quote.Price * chosen.platform.EffectiveAcceptance()),
		Price:           chosen.quote.Price,
		DecidedAt:       time.Now().UTC(),
	}
	if len(rules) > 0 {
		d.RuleID = rules[0].ID
	}
	for i, alt := range rest {
		if i == 2 {
			break
		}
		d.Alternatives = append(d.Alternatives, domain.Alternative{PlatformCode: alt.platform.Code, Score: alt.total})
	}

	d.Reasoning = append(d.Reasoning,
		fmt.Sprintf("%s leads %d candidates with composite %.3f", chosen.platform.Code, len(rest)+1, chosen.total),
		fmt.Sprintf("expected revenue $%.2f at %.0f%% acceptance", d.ExpectedRevenue, chosen.platform.EffectiveAcceptance()*100),
		fmt.Sprintf("daily utilization %.0f%%", chosen.utilization*100),
	)
	if len(chosen.preferredBy) > 0 {
		d.Reasoning = append(d.Reasoning, fmt.Sprintf("preferred by rules %v", chosen.preferredBy))
	}

	r.log.Info().
		Str("lead_id", lead.ID).
		Str("platform", d.PlatformCode).
		Float64("confidence", d.ConfidenceScore).
		Float64("price", d.Price).
		Msg("lead routed")
	return d
}

// noteUnserved feeds the surge-pricing demand signal. Best effort.
func (r *Router) noteUnserved(ctx context.Context, lead *domain.Lead) {
	if !lead.Tier.Eligible() {
		return
	}
	if err := r.capacity.RecordUnserved(ctx); err != nil {
		r.log.Debug().Err(err).Msg("unserved signal not recorded")
	}
}
