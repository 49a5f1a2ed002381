package capacity

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sunbeam/leadflow/internal/domain"
)

func testController(t *testing.T) (*Controller, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	c := New(client)
	// Pin the clock so window indexes are stable across the test.
	fixed := time.Date(2026, 8, 24, 10, 30, 0, 0, time.UTC)
	c.now = func() time.Time { return fixed }
	return c, mr
}

func testPlatform(limits domain.RateLimits) *domain.Platform {
	return &domain.Platform{
		Code:             "solarnyc",
		Active:           true,
		IsAcceptingLeads: true,
		Health:           domain.HealthHealthy,
		Limits:           limits,
	}
}

func TestCheckAndIncrementEnforcesLimit(t *testing.T) {
	c, _ := testController(t)
	ctx := context.Background()
	key := InboundKey("client-1", "events", WindowMinute, c.now())

	for i := 0; i < 3; i++ {
		res, err := c.CheckAndIncrement(ctx, key, 3, WindowMinute)
		require.NoError(t, err)
		assert.True(t, res.Allowed, "call %d", i)
		assert.Equal(t, int64(3-i-1), res.Remaining)
	}

	res, err := c.CheckAndIncrement(ctx, key, 3, WindowMinute)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Zero(t, res.Remaining)
	assert.Equal(t, time.Date(2026, 8, 24, 10, 31, 0, 0, time.UTC), res.ResetAt)
	assert.Greater(t, res.RetryIn, time.Duration(0))
}

func TestCheckAndIncrementZeroLimitIsUnlimited(t *testing.T) {
	c, _ := testController(t)
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		res, err := c.CheckAndIncrement(ctx, "ratelimit:open:events:1", 0, WindowMinute)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}
}

func TestReservePlatformAtomicTriple(t *testing.T) {
	c, mr := testController(t)
	ctx := context.Background()
	p := testPlatform(domain.RateLimits{PerMinute: 2, PerHour: 100, PerDay: 1000})

	res, err := c.ReservePlatform(ctx, p)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	res, err = c.ReservePlatform(ctx, p)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	// Third reservation exceeds the minute window. Nothing may be consumed.
	res, err = c.ReservePlatform(ctx, p)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, WindowMinute, res.Window)

	day, err := mr.Get(PlatformKey(p.Code, WindowDay, c.now()))
	require.NoError(t, err)
	assert.Equal(t, "2", day, "denied reservation must not move the day counter")
}

func TestReservePlatformDailyCap(t *testing.T) {
	c, _ := testController(t)
	ctx := context.Background()
	p := testPlatform(domain.RateLimits{PerDay: 2})

	for i := 0; i < 2; i++ {
		res, err := c.ReservePlatform(ctx, p)
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}
	res, err := c.ReservePlatform(ctx, p)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, WindowDay, res.Window)
	assert.Equal(t, time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC), res.ResetAt)
}

func TestReleasePlatformCompensates(t *testing.T) {
	c, _ := testController(t)
	ctx := context.Background()
	p := testPlatform(domain.RateLimits{PerDay: 1})

	res, err := c.ReservePlatform(ctx, p)
	require.NoError(t, err)
	require.True(t, res.Allowed)

	res, err = c.ReservePlatform(ctx, p)
	require.NoError(t, err)
	require.False(t, res.Allowed)

	require.NoError(t, c.ReleasePlatform(ctx, p.Code, c.now()))

	res, err = c.ReservePlatform(ctx, p)
	require.NoError(t, err)
	assert.True(t, res.Allowed, "released slot must be reusable")
}

func TestReleasePlatformFloorsAtZero(t *testing.T) {
	c, mr := testController(t)
	ctx := context.Background()

	require.NoError(t, c.ReleasePlatform(ctx, "solarnyc", c.now()))
	require.NoError(t, c.ReleasePlatform(ctx, "solarnyc", c.now()))

	if v, _ := mr.Get(PlatformKey("solarnyc", WindowDay, c.now())); v != "" {
		assert.Equal(t, "0", v)
	}
}

func TestUtilization(t *testing.T) {
	c, _ := testController(t)
	ctx := context.Background()
	p := testPlatform(domain.RateLimits{PerDay: 4})

	u, err := c.Utilization(ctx, p)
	require.NoError(t, err)
	assert.Zero(t, u)

	for i := 0; i < 3; i++ {
		_, err := c.ReservePlatform(ctx, p)
		require.NoError(t, err)
	}
	u, err = c.Utilization(ctx, p)
	require.NoError(t, err)
	assert.InDelta(t, 0.75, u, 1e-9)

	uncapped := testPlatform(domain.RateLimits{})
	u, err = c.Utilization(ctx, uncapped)
	require.NoError(t, err)
	assert.Zero(t, u)
}

func TestWindowKeys(t *testing.T) {
	now := time.Date(2026, 8, 24, 10, 30, 0, 0, time.UTC)
	assert.Equal(t, "platform:daily:solarnyc:2026-08-24", PlatformKey("solarnyc", WindowDay, now))
	assert.Equal(t, "ratelimit:tenant1:events:2026-08-24", InboundKey("tenant1", "events", WindowDay, now))

	minuteKey := InboundKey("tenant1", "events", WindowMinute, now)
	assert.Contains(t, minuteKey, "ratelimit:tenant1:events:")
	// Same minute, same bucket; next minute, new bucket.
	assert.Equal(t, minuteKey, InboundKey("tenant1", "events", WindowMinute, now.Add(30*time.Second)))
	assert.NotEqual(t, minuteKey, InboundKey("tenant1", "events", WindowMinute, now.Add(time.Minute)))
}

type staticPremium []*domain.Platform

func (s staticPremium) PremiumPlatforms(context.Context) []*domain.Platform { return s }

func TestSurgeFactorNoDemand(t *testing.T) {
	c, _ := testController(t)
	tr := NewSurgeTracker(c, staticPremium{testPlatform(domain.RateLimits{PerDay: 100})}, 1.5)
	assert.Equal(t, 1.0, tr.SurgeFactor())
}

func TestSurgeFactorCapsUnderScarcity(t *testing.T) {
	c, mr := testController(t)
	ctx := context.Background()
	p := testPlatform(domain.RateLimits{PerDay: 1})

	// Exhaust premium capacity, then pile up unserved demand in a past
	// minute bucket so the lookback sees it.
	_, err := c.ReservePlatform(ctx, p)
	require.NoError(t, err)
	past := c.now().Add(-time.Minute)
	for i := 0; i < 50; i++ {
		mr.Incr(demandKey(past), 1)
	}

	tr := NewSurgeTracker(c, staticPremium{p}, 1.5)
	assert.Equal(t, 1.5, tr.SurgeFactor())
}

func TestSurgeFactorCachedBetweenReads(t *testing.T) {
	c, mr := testController(t)
	p := testPlatform(domain.RateLimits{PerDay: 1000})
	tr := NewSurgeTracker(c, staticPremium{p}, 1.5)

	first := tr.SurgeFactor()
	// New demand within the refresh interval must not change the reading.
	past := c.now().Add(-time.Minute)
	for i := 0; i < 500; i++ {
		mr.Incr(demandKey(past), 1)
	}
	assert.Equal(t, first, tr.SurgeFactor())
}
