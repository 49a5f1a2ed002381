package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sunbeam/leadflow/internal/domain"
)

func newTestQueue(t *testing.T, maxDepth int64) (*Queue, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewQueue(db, maxDepth), mock
}

func jobRows(jobs ...*domain.DispatchJob) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{
		"id", "lead_id", "platform_code", "decision_id", "tier", "price",
		"status", "attempts", "next_attempt_at", "last_error", "sla_deadline", "priority",
		"reserved_capacity", "external_transaction_id", "created_at", "delivered_at",
	})
	for _, j := range jobs {
		rows.AddRow(
			j.ID, j.LeadID, j.PlatformCode, j.DecisionID, j.Tier, j.Price,
			j.Status, j.Attempts, j.NextAttempt, nil, j.SLADeadline, j.Priority,
			j.ReservedCapacity, nil, j.CreatedAt, nil,
		)
	}
	return rows
}

func TestEnqueueAdmitsQueued(t *testing.T) {
	q, mock := newTestQueue(t, 100)

	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(5))
	mock.ExpectExec("INSERT INTO dispatch_jobs").
		WillReturnResult(sqlmock.NewResult(0, 1))

	status, err := q.Enqueue(context.Background(), testJob())
	require.NoError(t, err)
	assert.Equal(t, domain.JobQueued, status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueDefersOverDepthBound(t *testing.T) {
	q, mock := newTestQueue(t, 100)

	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(100))
	mock.ExpectExec("INSERT INTO dispatch_jobs").
		WillReturnResult(sqlmock.NewResult(0, 1))

	job := testJob()
	status, err := q.Enqueue(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, domain.JobDeferred, status)
	assert.Equal(t, domain.JobDeferred, job.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimReturnsClaimedJobs(t *testing.T) {
	q, mock := newTestQueue(t, 100)

	claimed := testJob()
	claimed.Status = domain.JobClaimed
	mock.ExpectQuery("UPDATE dispatch_jobs SET status = 'claimed'").
		WithArgs(10).
		WillReturnRows(jobRows(claimed))

	jobs, err := q.Claim(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "job-1", jobs[0].ID)
	assert.Equal(t, domain.JobClaimed, jobs[0].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkSendingReturnsAttemptNumber(t *testing.T) {
	q, mock := newTestQueue(t, 100)

	mock.ExpectQuery("UPDATE dispatch_jobs SET status = 'sending'").
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows([]string{"attempts"}).AddRow(3))

	attempts, err := q.MarkSending(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestMarkDeliveredClearsReservation(t *testing.T) {
	q, mock := newTestQueue(t, 100)

	now := time.Now().UTC()
	mock.ExpectExec("SET status = 'delivered'").
		WithArgs("job-1", "ext-42", now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, q.MarkDelivered(context.Background(), "job-1", "ext-42", now))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkFailedRetrySchedulesNextAttempt(t *testing.T) {
	q, mock := newTestQueue(t, 100)

	next := time.Now().UTC().Add(4 * time.Second)
	mock.ExpectExec("SET status = 'failed'").
		WithArgs("job-1", "buyer returned 503", next).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, q.MarkFailedRetry(context.Background(), "job-1", "buyer returned 503", next))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPromoteDeferredReportsCount(t *testing.T) {
	q, mock := newTestQueue(t, 100)

	mock.ExpectExec("UPDATE dispatch_jobs SET status = 'queued'").
		WithArgs(50).
		WillReturnResult(sqlmock.NewResult(0, 7))

	promoted, err := q.PromoteDeferred(context.Background(), 50)
	require.NoError(t, err)
	assert.Equal(t, int64(7), promoted)
}

func TestCancelInFlightReturnsReservedJobs(t *testing.T) {
	q, mock := newTestQueue(t, 100)

	inflight := testJob()
	inflight.Status = domain.JobCancelled
	inflight.ReservedCapacity = true
	mock.ExpectQuery("UPDATE dispatch_jobs SET status = 'cancelled'").
		WillReturnRows(jobRows(inflight))

	jobs, err := q.CancelInFlight(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.True(t, jobs[0].ReservedCapacity)
}
