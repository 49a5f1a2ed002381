package routing

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sunbeam/leadflow/internal/domain"
)

// ewmaAlpha weights the newest observation in platform metric averages.
const ewmaAlpha = 0.2

// Registry is the in-memory platform table. Config seeds it at boot, the
// repository rehydrates it, and the health tracker and feedback loop mutate
// metrics through it. All methods are safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	platforms map[string]*domain.Platform
}

// NewRegistry builds a registry from the seed set.
func NewRegistry(seed []*domain.Platform) *Registry {
	r := &Registry{platforms: make(map[string]*domain.Platform, len(seed))}
	for _, p := range seed {
		cp := *p
		r.platforms[p.Code] = &cp
	}
	return r
}

// Get returns a copy of the platform, so callers never share mutable state.
func (r *Registry) Get(code string) (*domain.Platform, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.platforms[code]
	if !ok {
		return nil, false
	}
	cp := *p
	return &cp, true
}

// All returns copies of every platform, ordered by code for determinism.
func (r *Registry) All() []*domain.Platform {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.Platform, 0, len(r.platforms))
	for _, p := range r.platforms {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// Upsert replaces or inserts a platform definition, keeping the existing
// operational metrics when the definition comes from config reload.
func (r *Registry) Upsert(p *domain.Platform) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *p
	if prev, ok := r.platforms[p.Code]; ok {
		cp.Health = prev.Health
		cp.AcceptanceRate = prev.AcceptanceRate
		cp.AvgResponseMs = prev.AvgResponseMs
		cp.ConsecutiveFailures = prev.ConsecutiveFailures
		cp.QualityScore = prev.QualityScore
	}
	cp.UpdatedAt = time.Now().UTC()
	r.platforms[p.Code] = &cp
}

// RecordResponse folds one transport outcome into the platform's health
// metrics. Three consecutive failures demote to degraded, five to
// unhealthy; any success restores healthy.
func (r *Registry) RecordResponse(code string, elapsed time.Duration, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.platforms[code]
	if !ok {
		return
	}
	ms := float64(elapsed.Milliseconds())
	if p.AvgResponseMs == 0 {
		p.AvgResponseMs = ms
	} else {
		p.AvgResponseMs += ewmaAlpha * (ms - p.AvgResponseMs)
	}
	if success {
		p.ConsecutiveFailures = 0
		if p.Health == domain.HealthDegraded || p.Health == domain.HealthUnhealthy {
			p.Health = domain.HealthHealthy
		}
	} else {
		p.ConsecutiveFailures++
		switch {
		case p.ConsecutiveFailures >= 5:
			p.Health = domain.HealthUnhealthy
		case p.ConsecutiveFailures >= 3:
			p.Health = domain.HealthDegraded
		}
	}
	p.UpdatedAt = time.Now().UTC()
}

// RecordFeedback folds a buyer verdict into the rolling acceptance and
// quality metrics.
func (r *Registry) RecordFeedback(code string, accepted bool, quality float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.platforms[code]
	if !ok {
		return
	}
	observed := 0.0
	if accepted {
		observed = 1.0
	}
	if p.AcceptanceRate == 0 {
		p.AcceptanceRate = observed
	} else {
		p.AcceptanceRate += ewmaAlpha * (observed - p.AcceptanceRate)
	}
	if quality >= 0 {
		if p.QualityScore == 0 {
			p.QualityScore = quality
		} else {
			p.QualityScore += ewmaAlpha * (quality - p.QualityScore)
		}
	}
	p.UpdatedAt = time.Now().UTC()
}

// SetHealth overrides a platform's health, e.g. operator-flagged maintenance.
func (r *Registry) SetHealth(code string, h domain.HealthStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.platforms[code]; ok {
		p.Health = h
		p.UpdatedAt = time.Now().UTC()
	}
}

// SetAccepting flips the accepting-leads flag.
func (r *Registry) SetAccepting(code string, accepting bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.platforms[code]; ok {
		p.IsAcceptingLeads = accepting
		p.UpdatedAt = time.Now().UTC()
	}
}

// PremiumPlatforms implements the capacity surge tracker's source: the
// dispatchable buyers that accept premium leads.
func (r *Registry) PremiumPlatforms(context.Context) []*domain.Platform {
	var out []*domain.Platform
	for _, p := range r.All() {
		if p.Dispatchable() && p.AcceptsTier(domain.TierPremium) {
			out = append(out, p)
		}
	}
	return out
}

// TierAcceptance implements pricing's acceptance source: the mean rolling
// acceptance across dispatchable platforms buying the tier.
func (r *Registry) TierAcceptance(tier domain.QualityTier) (float64, bool) {
	sum, n := 0.0, 0
	for _, p := range r.All() {
		if !p.Dispatchable() || !p.AcceptsTier(tier) || p.AcceptanceRate <= 0 {
			continue
		}
		sum += p.AcceptanceRate
		n++
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}
