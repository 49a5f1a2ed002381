package capacity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sunbeam/leadflow/internal/domain"
)

// demandKey buckets unserved-eligible leads per minute.
func demandKey(now time.Time) string {
	return fmt.Sprintf("demand:unserved:%d", now.Unix()/60)
}

// RecordUnserved counts one eligible lead that could not be routed right
// now. The surge multiplier is derived from this signal.
func (c *Controller) RecordUnserved(ctx context.Context) error {
	now := c.now()
	key := demandKey(now)
	if err := c.redis.IncrBy(ctx, key, 1).Err(); err != nil {
		return domain.E(domain.CodeDependency, "capacity.record_unserved", err)
	}
	c.redis.Expire(ctx, key, 10*time.Minute)
	return nil
}

// UnservedPerMinute averages the unserved-demand signal over the last
// lookback full minutes, excluding the current partial one.
func (c *Controller) UnservedPerMinute(ctx context.Context, lookback int) (float64, error) {
	if lookback <= 0 {
		lookback = 5
	}
	now := c.now()
	total := int64(0)
	for i := 1; i <= lookback; i++ {
		v, err := c.redis.Get(ctx, demandKey(now.Add(-time.Duration(i)*time.Minute))).Int64()
		if err != nil && err != redis.Nil {
			return 0, domain.E(domain.CodeDependency, "capacity.unserved", err)
		}
		total += v
	}
	return float64(total) / float64(lookback), nil
}

// PremiumSource lists the platforms whose remaining daily capacity anchors
// the surge calculation.
type PremiumSource interface {
	PremiumPlatforms(ctx context.Context) []*domain.Platform
}

// SurgeTracker derives the surge multiplier from unserved demand projected
// over the rest of the day versus remaining premium buyer capacity. The
// value is cached briefly; pricing reads it on every quote.
type SurgeTracker struct {
	ctrl      *Controller
	platforms PremiumSource
	cap       float64
	refresh   time.Duration

	mu       sync.Mutex
	cached   float64
	cachedAt time.Time
}

// NewSurgeTracker builds a tracker. surgeCap mirrors pricing.surge_cap so a
// transient signal spike cannot leak an uncapped factor.
func NewSurgeTracker(ctrl *Controller, platforms PremiumSource, surgeCap float64) *SurgeTracker {
	if surgeCap < 1 {
		surgeCap = 1.5
	}
	return &SurgeTracker{ctrl: ctrl, platforms: platforms, cap: surgeCap, refresh: 30 * time.Second, cached: 1}
}

// SurgeFactor implements pricing.SurgeSource. Errors degrade to the last
// cached value; pricing must never fail because the signal is unavailable.
func (s *SurgeTracker) SurgeFactor() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.ctrl.now()
	if now.Sub(s.cachedAt) < s.refresh {
		return s.cached
	}
	factor, err := s.compute(context.Background(), now)
	if err != nil {
		s.ctrl.log.Warn().Err(err).Msg("surge signal unavailable, keeping cached factor")
		s.cachedAt = now
		return s.cached
	}
	s.cached = factor
	s.cachedAt = now
	return factor
}

func (s *SurgeTracker) compute(ctx context.Context, now time.Time) (float64, error) {
	perMinute, err := s.ctrl.UnservedPerMinute(ctx, 5)
	if err != nil {
		return 1, err
	}
	if perMinute == 0 {
		return 1, nil
	}

	remaining := int64(0)
	for _, p := range s.platforms.PremiumPlatforms(ctx) {
		if !p.Dispatchable() || p.Limits.PerDay <= 0 {
			continue
		}
		cur, limit, err := s.ctrl.DailyUsage(ctx, p)
		if err != nil {
			return 1, err
		}
		if limit < unlimited && limit > cur {
			remaining += limit - cur
		}
	}
	if remaining == 0 {
		// Demand with no premium capacity left is maximal scarcity.
		return s.cap, nil
	}

	minutesLeft := ResetTime(WindowDay, now).Sub(now).Minutes()
	projected := perMinute * minutesLeft
	factor := 1 + (projected-float64(remaining))/float64(remaining)
	if factor < 1 {
		factor = 1
	}
	if factor > s.cap {
		factor = s.cap
	}
	return factor, nil
}
