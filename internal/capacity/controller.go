// Package capacity is the shared atomic counter service behind both inbound
// client quotas and outbound buyer caps. All mutations run as Redis Lua
// scripts so concurrent callers can never over-commit a window.
package capacity

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/sunbeam/leadflow/internal/domain"
	"github.com/sunbeam/leadflow/internal/pkg/logger"
)

// Window names a self-resetting counter window. Boundaries are UTC.
type Window string

const (
	WindowMinute Window = "minute"
	WindowHour   Window = "hour"
	WindowDay    Window = "day"
)

// unlimited substitutes for a zero (no cap) configured limit inside Lua.
const unlimited = int64(1) << 50

// Result is the outcome of one check-and-increment call.
type Result struct {
	Allowed   bool          `json:"allowed"`
	Remaining int64         `json:"remaining"`
	ResetAt   time.Time     `json:"reset_at"`
	Window    Window        `json:"window,omitempty"` // binding window on denial
	RetryIn   time.Duration `json:"retry_in,omitempty"`
}

// Lua script for a single counter: check against the limit, increment only
// if allowed, set TTL on first write. Returns {allowed, current}.
const singleWindowScript = `
local key = KEYS[1]
local increment = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local current = tonumber(redis.call("GET", key) or "0")
if current + increment > limit then
    return {0, current}
end

local newVal = redis.call("INCRBY", key, increment)
if newVal == increment then
    redis.call("EXPIRE", key, ttl)
end
return {1, newVal}
`

// Lua script for the platform minute/hour/day triple: all three limits are
// checked before any counter moves, so a denial leaves no partial state.
// Returns {allowed, denialWindow, minuteVal, hourVal, dayVal}.
const tripleWindowScript = `
local minuteKey = KEYS[1]
local hourKey = KEYS[2]
local dayKey = KEYS[3]
local increment = tonumber(ARGV[1])
local minuteLimit = tonumber(ARGV[2])
local hourLimit = tonumber(ARGV[3])
local dayLimit = tonumber(ARGV[4])
local minuteTTL = tonumber(ARGV[5])
local hourTTL = tonumber(ARGV[6])
local dayTTL = tonumber(ARGV[7])

local minuteCur = tonumber(redis.call("GET", minuteKey) or "0")
local hourCur = tonumber(redis.call("GET", hourKey) or "0")
local dayCur = tonumber(redis.call("GET", dayKey) or "0")

if minuteCur + increment > minuteLimit then
    return {0, 1, minuteCur, hourCur, dayCur}
end
if hourCur + increment > hourLimit then
    return {0, 2, minuteCur, hourCur, dayCur}
end
if dayCur + increment > dayLimit then
    return {0, 3, minuteCur, hourCur, dayCur}
end

local minuteNew = redis.call("INCRBY", minuteKey, increment)
if minuteNew == increment then
    redis.call("EXPIRE", minuteKey, minuteTTL)
end
local hourNew = redis.call("INCRBY", hourKey, increment)
if hourNew == increment then
    redis.call("EXPIRE", hourKey, hourTTL)
end
local dayNew = redis.call("INCRBY", dayKey, increment)
if dayNew == increment then
    redis.call("EXPIRE", dayKey, dayTTL)
end
return {1, 0, minuteNew, hourNew, dayNew}
`

// Lua script for compensating a pre-incremented counter. Floors at zero so
// a double release cannot underflow into phantom capacity.
const decrementScript = `
local key = KEYS[1]
local amount = tonumber(ARGV[1])
local current = tonumber(redis.call("GET", key) or "0")
if current <= 0 then
    return 0
end
if amount > current then
    amount = current
end
return redis.call("DECRBY", key, amount)
`

// Controller implements check_and_increment over Redis.
type Controller struct {
	redis  *redis.Client
	single *redis.Script
	triple *redis.Script
	dec    *redis.Script
	log    zerolog.Logger

	// now is swappable in tests.
	now func() time.Time
}

// New creates a Controller with pre-compiled scripts.
func New(client *redis.Client) *Controller {
	return &Controller{
		redis:  client,
		single: redis.NewScript(singleWindowScript),
		triple: redis.NewScript(tripleWindowScript),
		dec:    redis.NewScript(decrementScript),
		log:    logger.Component("capacity"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// windowIndex returns the epoch-relative bucket index for minute and hour
// windows. Day windows use the calendar date instead.
func windowIndex(w Window, now time.Time) int64 {
	switch w {
	case WindowMinute:
		return now.Unix() / 60
	case WindowHour:
		return now.Unix() / 3600
	default:
		return 0
	}
}

// windowTTL keeps a counter alive slightly past its boundary so late reads
// still see it, then lets Redis reclaim it.
func windowTTL(w Window) int64 {
	switch w {
	case WindowMinute:
		return 120
	case WindowHour:
		return 2 * 3600
	default:
		return 25 * 3600
	}
}

// ResetTime returns the next boundary of the window containing now.
func ResetTime(w Window, now time.Time) time.Time {
	now = now.UTC()
	switch w {
	case WindowMinute:
		return now.Truncate(time.Minute).Add(time.Minute)
	case WindowHour:
		return now.Truncate(time.Hour).Add(time.Hour)
	default:
		y, m, d := now.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	}
}

// InboundKey builds the counter key for a client quota.
func InboundKey(tenant, endpoint string, w Window, now time.Time) string {
	if w == WindowDay {
		return fmt.Sprintf("ratelimit:%s:%s:%s", tenant, endpoint, now.UTC().Format("2006-01-02"))
	}
	return fmt.Sprintf("ratelimit:%s:%s:%d", tenant, endpoint, windowIndex(w, now))
}

// PlatformKey builds the counter key for an outbound buyer window.
func PlatformKey(code string, w Window, now time.Time) string {
	if w == WindowDay {
		return fmt.Sprintf("platform:daily:%s:%s", code, now.UTC().Format("2006-01-02"))
	}
	return fmt.Sprintf("platform:%s:%s:%d", w, code, windowIndex(w, now))
}

// CheckAndIncrement atomically consumes one unit from the keyed window if
// the limit allows. limit <= 0 means unlimited.
func (c *Controller) CheckAndIncrement(ctx context.Context, key string, limit int64, w Window) (Result, error) {
	if limit <= 0 {
		limit = unlimited
	}
	now := c.now()
	raw, err := c.single.Run(ctx, c.redis, []string{key}, 1, limit, windowTTL(w)).Slice()
	if err != nil {
		return Result{}, domain.E(domain.CodeDependency, "capacity.check", err)
	}
	allowed := raw[0].(int64) == 1
	current := raw[1].(int64)
	res := Result{
		Allowed:   allowed,
		Remaining: maxInt64(0, limit-current),
		ResetAt:   ResetTime(w, now),
		Window:    w,
	}
	if !allowed {
		res.RetryIn = res.ResetAt.Sub(now)
	}
	return res, nil
}

// ReservePlatform consumes one dispatch slot across the platform's minute,
// hour, and day windows in one atomic step. On denial nothing is consumed
// and the result names the binding window.
func (c *Controller) ReservePlatform(ctx context.Context, p *domain.Platform) (Result, error) {
	now := c.now()
	keys := []string{
		PlatformKey(p.Code, WindowMinute, now),
		PlatformKey(p.Code, WindowHour, now),
		PlatformKey(p.Code, WindowDay, now),
	}
	limits := [3]int64{orUnlimited(p.Limits.PerMinute), orUnlimited(p.Limits.PerHour), orUnlimited(p.Limits.PerDay)}

	raw, err := c.triple.Run(ctx, c.redis, keys,
		1,
		limits[0], limits[1], limits[2],
		windowTTL(WindowMinute), windowTTL(WindowHour), windowTTL(WindowDay),
	).Slice()
	if err != nil {
		return Result{}, domain.E(domain.CodeDependency, "capacity.reserve", err)
	}

	allowed := raw[0].(int64) == 1
	dayCur := raw[4].(int64)
	res := Result{
		Allowed:   allowed,
		Remaining: maxInt64(0, limits[2]-dayCur),
		ResetAt:   ResetTime(WindowDay, now),
		Window:    WindowDay,
	}
	if !allowed {
		switch raw[1].(int64) {
		case 1:
			res.Window = WindowMinute
		case 2:
			res.Window = WindowHour
		}
		res.ResetAt = ResetTime(res.Window, now)
		res.RetryIn = res.ResetAt.Sub(now)
		c.log.Debug().Str("platform", p.Code).Str("window", string(res.Window)).Msg("platform capacity denied")
	}
	return res, nil
}

// ReleasePlatform compensates a prior ReservePlatform after a permanent
// dispatch failure. Only the daily counter is released; minute and hour
// buckets will have rolled over by the time terminal failure is known.
func (c *Controller) ReleasePlatform(ctx context.Context, code string, reservedAt time.Time) error {
	key := PlatformKey(code, WindowDay, reservedAt)
	if _, err := c.dec.Run(ctx, c.redis, []string{key}, 1).Result(); err != nil {
		return domain.E(domain.CodeDependency, "capacity.release", err)
	}
	return nil
}

// CommitDelivered increments the hour and day counters for a delivered lead
// whose daily slot was already reserved at routing time. Only the hour
// counter moves here.
func (c *Controller) CommitDelivered(ctx context.Context, code string) error {
	now := c.now()
	key := PlatformKey(code, WindowHour, now)
	if err := c.redis.IncrBy(ctx, key, 1).Err(); err != nil {
		return domain.E(domain.CodeDependency, "capacity.commit", err)
	}
	c.redis.Expire(ctx, key, time.Duration(windowTTL(WindowHour))*time.Second)
	return nil
}

// DailyUsage returns (current, limit) for the platform's day window.
func (c *Controller) DailyUsage(ctx context.Context, p *domain.Platform) (int64, int64, error) {
	now := c.now()
	cur, err := c.redis.Get(ctx, PlatformKey(p.Code, WindowDay, now)).Int64()
	if err != nil && err != redis.Nil {
		return 0, 0, domain.E(domain.CodeDependency, "capacity.usage", err)
	}
	return cur, orUnlimited(p.Limits.PerDay), nil
}

// Utilization returns current daily usage as a 0..1 fraction of the cap.
// Uncapped platforms always report zero.
func (c *Controller) Utilization(ctx context.Context, p *domain.Platform) (float64, error) {
	cur, limit, err := c.DailyUsage(ctx, p)
	if err != nil {
		return 0, err
	}
	if limit >= unlimited || limit <= 0 {
		return 0, nil
	}
	u := float64(cur) / float64(limit)
	if u > 1 {
		u = 1
	}
	return u, nil
}

func orUnlimited(v int) int64 {
	if v <= 0 {
		return unlimited
	}
	return int64(v)
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
