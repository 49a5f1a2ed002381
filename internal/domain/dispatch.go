package domain

import (
	"fmt"
	"time"
)

// JobStatus is the dispatch queue lifecycle.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobClaimed   JobStatus = "claimed"
	JobSending   JobStatus = "sending"
	JobDelivered JobStatus = "delivered"
	JobFailed    JobStatus = "failed"     // retryable failure, will be reclaimed
	JobDead      JobStatus = "permanently-failed"
	JobCancelled JobStatus = "cancelled"
	JobDeferred  JobStatus = "deferred" // admitted under backpressure, not yet queued
)

// Terminal reports whether the job will never be attempted again.
func (s JobStatus) Terminal() bool {
	return s == JobDelivered || s == JobDead || s == JobCancelled
}

// DispatchJob is one unit of transport work produced from a RoutingDecision.
type DispatchJob struct {
	ID           string    `json:"id" db:"id"`
	LeadID       string    `json:"lead_id" db:"lead_id"`
	PlatformCode string    `json:"platform_code" db:"platform_code"`
	DecisionID   string    `json:"decision_id" db:"decision_id"`
	Tier         QualityTier `json:"tier" db:"tier"`
	Price        float64   `json:"price" db:"price"`

	Status      JobStatus  `json:"status" db:"status"`
	Attempts    int        `json:"attempts" db:"attempts"`
	NextAttempt time.Time  `json:"next_attempt_at" db:"next_attempt_at"`
	LastError   string     `json:"last_error,omitempty" db:"last_error"`
	SLADeadline time.Time  `json:"sla_deadline" db:"sla_deadline"`
	Priority    int        `json:"priority" db:"priority"`

	// ReservedCapacity is true while the routing-time daily increment is
	// outstanding; permanent failure must compensate it.
	ReservedCapacity bool `json:"reserved_capacity" db:"reserved_capacity"`

	ExternalID  string     `json:"external_transaction_id,omitempty" db:"external_transaction_id"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty" db:"delivered_at"`
}

// IdempotencyKey returns the stable key for a given attempt number.
// Transport re-sends of the same attempt reuse the same key so a retried
// network call cannot double-bill.
func (j *DispatchJob) IdempotencyKey(attempt int) string {
	return fmt.Sprintf("%s:%s:%d", j.LeadID, j.PlatformCode, attempt)
}

// JobPriority derives queue priority from tier and SLA headroom.
// Premium leads with little SLA time left drain first.
func JobPriority(tier QualityTier, slaDeadline, now time.Time) int {
	base := tier.Rank() * 100
	remaining := slaDeadline.Sub(now)
	switch {
	case remaining <= 5*time.Minute:
		base += 90
	case remaining <= 15*time.Minute:
		base += 60
	case remaining <= 60*time.Minute:
		base += 30
	}
	return base
}

// DispatchFailed is the observability event emitted after attempt exhaustion.
type DispatchFailed struct {
	JobID        string    `json:"job_id"`
	LeadID       string    `json:"lead_id"`
	PlatformCode string    `json:"platform_code"`
	Code         ErrorCode `json:"code"`
	Attempts     int       `json:"attempts"`
	LastError    string    `json:"last_error"`
	FailedAt     time.Time `json:"failed_at"`
}
