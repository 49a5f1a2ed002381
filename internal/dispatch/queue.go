package dispatch

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/sunbeam/leadflow/internal/domain"
	"github.com/sunbeam/leadflow/internal/pkg/logger"
)

// Queue is the Postgres-backed priority queue of dispatch jobs. Claiming
// uses FOR UPDATE SKIP LOCKED so concurrent workers never double-claim.
type Queue struct {
	db       *sql.DB
	maxDepth int64
	log      zerolog.Logger
}

// NewQueue builds a queue. maxDepth bounds the live queue; beyond it new
// jobs are admitted as deferred instead of queued.
func NewQueue(db *sql.DB, maxDepth int64) *Queue {
	if maxDepth <= 0 {
		maxDepth = 10000
	}
	return &Queue{db: db, maxDepth: maxDepth, log: logger.Component("dispatch.queue")}
}

const jobColumns = `id, lead_id, platform_code, decision_id, tier, price,
	status, attempts, next_attempt_at, last_error, sla_deadline, priority,
	reserved_capacity, external_transaction_id, created_at, delivered_at`

// Enqueue inserts a job. Returns the admitted status: queued normally,
// deferred when the queue is over its depth bound.
func (q *Queue) Enqueue(ctx context.Context, job *domain.DispatchJob) (domain.JobStatus, error) {
	depth, err := q.Depth(ctx)
	if err != nil {
		return "", err
	}
	status := domain.JobQueued
	if depth >= q.maxDepth {
		status = domain.JobDeferred
		q.log.Warn().Str("job_id", job.ID).Int64("depth", depth).Msg("queue over depth bound, deferring job")
	}
	job.Status = status

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO dispatch_jobs (
			id, lead_id, platform_code, decision_id, tier, price,
			status, attempts, next_attempt_at, last_error, sla_deadline, priority,
			reserved_capacity, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		job.ID, job.LeadID, job.PlatformCode, job.DecisionID, job.Tier, job.Price,
		job.Status, job.Attempts, job.NextAttempt, job.LastError, job.SLADeadline, job.Priority,
		job.ReservedCapacity, job.CreatedAt,
	)
	if err != nil {
		return "", domain.E(domain.CodeDependency, "queue.enqueue", err)
	}
	return status, nil
}

// Depth counts jobs that occupy the live queue.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	var depth int64
	err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM dispatch_jobs
		WHERE status IN ('queued','claimed','sending','failed')`).Scan(&depth)
	if err != nil {
		return 0, domain.E(domain.CodeDependency, "queue.depth", err)
	}
	return depth, nil
}

// Claim atomically moves up to batch due jobs to claimed and returns them,
// highest priority first. Failed jobs become claimable again once their
// next_attempt_at passes.
func (q *Queue) Claim(ctx context.Context, batch int) ([]*domain.DispatchJob, error) {
	rows, err := q.db.QueryContext(ctx, fmt.Sprintf(`
		UPDATE dispatch_jobs SET status = 'claimed'
		WHERE id IN (
			SELECT id FROM dispatch_jobs
			WHERE status IN ('queued','failed')
			  AND next_attempt_at <= NOW()
			ORDER BY priority DESC, created_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING %s`, jobColumns), batch)
	if err != nil {
		return nil, domain.E(domain.CodeDependency, "queue.claim", err)
	}
	defer rows.Close()

	var jobs []*domain.DispatchJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, domain.E(domain.CodeDependency, "queue.claim", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func scanJob(rows *sql.Rows) (*domain.DispatchJob, error) {
	var (
		j          domain.DispatchJob
		lastErr    sql.NullString
		externalID sql.NullString
		delivered  pq.NullTime
	)
	err := rows.Scan(
		&j.ID, &j.LeadID, &j.PlatformCode, &j.DecisionID, &j.Tier, &j.Price,
		&j.Status, &j.Attempts, &j.NextAttempt, &lastErr, &j.SLADeadline, &j.Priority,
		&j.ReservedCapacity, &externalID, &j.CreatedAt, &delivered,
	)
	if err != nil {
		return nil, err
	}
	j.LastError = lastErr.String
	j.ExternalID = externalID.String
	if delivered.Valid {
		j.DeliveredAt = &delivered.Time
	}
	return &j, nil
}

// MarkSending records that a claimed job's attempt started and bumps the
// attempt counter. The returned attempt number feeds the idempotency key.
func (q *Queue) MarkSending(ctx context.Context, jobID string) (int, error) {
	var attempts int
	err := q.db.QueryRowContext(ctx, `
		UPDATE dispatch_jobs SET status = 'sending', attempts = attempts + 1
		WHERE id = $1 AND status = 'claimed'
		RETURNING attempts`, jobID).Scan(&attempts)
	if err == sql.ErrNoRows {
		return 0, domain.Errorf(domain.CodeDependency, "queue.sending", "job %s not claimed", jobID)
	}
	if err != nil {
		return 0, domain.E(domain.CodeDependency, "queue.sending", err)
	}
	return attempts, nil
}

// MarkDelivered finalizes a successful job.
func (q *Queue) MarkDelivered(ctx context.Context, jobID, externalID string, at time.Time) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE dispatch_jobs
		SET status = 'delivered', external_transaction_id = NULLIF($2, ''),
		    delivered_at = $3, last_error = NULL, reserved_capacity = FALSE
		WHERE id = $1`, jobID, externalID, at)
	if err != nil {
		return domain.E(domain.CodeDependency, "queue.delivered", err)
	}
	return nil
}

// MarkFailedRetry schedules a retryable failure for another attempt.
func (q *Queue) MarkFailedRetry(ctx context.Context, jobID, cause string, nextAttempt time.Time) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE dispatch_jobs
		SET status = 'failed', last_error = $2, next_attempt_at = $3
		WHERE id = $1`, jobID, cause, nextAttempt)
	if err != nil {
		return domain.E(domain.CodeDependency, "queue.retry", err)
	}
	return nil
}

// MarkDead finalizes a permanently failed job.
func (q *Queue) MarkDead(ctx context.Context, jobID, cause string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE dispatch_jobs
		SET status = 'permanently-failed', last_error = $2, reserved_capacity = FALSE
		WHERE id = $1`, jobID, cause)
	if err != nil {
		return domain.E(domain.CodeDependency, "queue.dead", err)
	}
	return nil
}

// PromoteDeferred moves up to n deferred jobs into the live queue. Called
// by the backpressure monitor once depth drops below the low watermark.
func (q *Queue) PromoteDeferred(ctx context.Context, n int) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE dispatch_jobs SET status = 'queued'
		WHERE id IN (
			SELECT id FROM dispatch_jobs
			WHERE status = 'deferred'
			ORDER BY priority DESC, created_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)`, n)
	if err != nil {
		return 0, domain.E(domain.CodeDependency, "queue.promote", err)
	}
	promoted, _ := res.RowsAffected()
	return promoted, nil
}

// CancelInFlight marks every claimed or sending job cancelled and returns
// the (platform, reserved) pairs whose routing-time capacity needs
// restoring. Used by graceful shutdown after the drain deadline.
func (q *Queue) CancelInFlight(ctx context.Context) ([]*domain.DispatchJob, error) {
	rows, err := q.db.QueryContext(ctx, fmt.Sprintf(`
		UPDATE dispatch_jobs SET status = 'cancelled'
		WHERE status IN ('claimed','sending')
		RETURNING %s`, jobColumns))
	if err != nil {
		return nil, domain.E(domain.CodeDependency, "queue.cancel", err)
	}
	defer rows.Close()

	var jobs []*domain.DispatchJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, domain.E(domain.CodeDependency, "queue.cancel", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
