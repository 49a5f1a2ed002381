// Package distlock serializes routing per lead. Two routers deciding the
// same lead concurrently could both reserve buyer capacity, so the winner
// holds a short lock for the score-to-reservation step and everyone else
// backs off.
package distlock

import (
	"context"
	"database/sql"
	"hash/fnv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DistLock is one lead's routing lock. A lock instance belongs to a single
// goroutine; two routers contending for the same lead each hold their own.
type DistLock interface {
	// Acquire is non-blocking: false means another router owns the lead
	// right now and this one should stand down.
	Acquire(ctx context.Context) (bool, error)
	// Release gives the lead back. Only the owner's release takes effect.
	Release(ctx context.Context) error
}

// ForLead scopes a lock to one lead id. Redis carries the lock when a
// client is available, since routing runs on several hosts; without one,
// Postgres advisory locks stand in.
func ForLead(redisClient *redis.Client, db *sql.DB, leadID string, ttl time.Duration) DistLock {
	key := "lead:" + leadID
	if redisClient != nil {
		return NewRedisLock(redisClient, key, ttl)
	}
	return NewPGAdvisoryLock(db, key)
}

// PGAdvisoryLock maps the lead key onto a pg_try_advisory_lock id. Advisory
// locks are session-scoped, so a router that dies mid-decision frees its
// lead when the connection drops, much like the Redis TTL.
type PGAdvisoryLock struct {
	db     *sql.DB
	lockID int64
}

// NewPGAdvisoryLock derives the advisory lock id by hashing the lead key.
func NewPGAdvisoryLock(db *sql.DB, key string) *PGAdvisoryLock {
	h := fnv.New64a()
	h.Write([]byte(key))
	return &PGAdvisoryLock{
		db:     db,
		lockID: int64(h.Sum64()),
	}
}

// Acquire tries the advisory lock without blocking.
func (l *PGAdvisoryLock) Acquire(ctx context.Context) (bool, error) {
	var acquired bool
	err := l.db.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&acquired)
	return acquired, err
}

// Release unlocks the advisory lock for this session.
func (l *PGAdvisoryLock) Release(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID)
	return err
}
