// Package dispatch drains the job queue through per-platform transports,
// enforcing the retry policy, idempotency keys, capacity accounting, and
// platform health tracking.
package dispatch

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sunbeam/leadflow/internal/capacity"
	"github.com/sunbeam/leadflow/internal/config"
	"github.com/sunbeam/leadflow/internal/domain"
	"github.com/sunbeam/leadflow/internal/pkg/logger"
	"github.com/sunbeam/leadflow/internal/routing"
)

// LeadSource loads leads and records export outcomes.
type LeadSource interface {
	Get(ctx context.Context, id string) (*domain.Lead, error)
	MarkExported(ctx context.Context, leadID, platformCode string, at time.Time) error
}

// LedgerSink receives the pending transaction created on delivery.
type LedgerSink interface {
	CreatePending(ctx context.Context, tx *domain.RevenueTransaction) error
}

// Rerouter re-enters a lead into routing after a permanent dispatch failure
// with the failed platform blacklisted. Implementations enforce the
// per-lead attempt cap.
type Rerouter interface {
	RerouteFailed(ctx context.Context, leadID string, failedPlatform string)
}

// Pool is the dispatch worker pool.
type Pool struct {
	queue      *Queue
	transports map[domain.DeliveryMethod]Transport
	registry   *routing.Registry
	capacity   *capacity.Controller
	ledger     LedgerSink
	leads      LeadSource
	rerouter   Rerouter

	workerID     string
	numWorkers   int
	batchSize    int
	pollInterval time.Duration
	sendTimeout  time.Duration
	retry        config.RetryConfig
	paymentTerms time.Duration

	events chan domain.DispatchFailed
	log    zerolog.Logger

	randMu sync.Mutex
	rand   *rand.Rand
	now    func() time.Time
}

// NewPool wires a pool. rerouter and ledger may be nil in reduced
// deployments; the corresponding steps are skipped.
func NewPool(queue *Queue, transports []Transport, registry *routing.Registry, ctrl *capacity.Controller,
	ledger LedgerSink, leads LeadSource, rerouter Rerouter, cfg config.DispatchConfig, paymentTermsDays int) *Pool {

	byMethod := make(map[domain.DeliveryMethod]Transport, len(transports))
	for _, t := range transports {
		byMethod[t.Method()] = t
	}
	terms := time.Duration(paymentTermsDays) * 24 * time.Hour
	if terms <= 0 {
		terms = 30 * 24 * time.Hour
	}
	return &Pool{
		queue:        queue,
		transports:   byMethod,
		registry:     registry,
		capacity:     ctrl,
		ledger:       ledger,
		leads:        leads,
		rerouter:     rerouter,
		workerID:     uuid.NewString(),
		numWorkers:   cfg.NumWorkers,
		batchSize:    cfg.BatchSize,
		pollInterval: time.Duration(cfg.PollIntervalMs) * time.Millisecond,
		sendTimeout:  time.Duration(cfg.TimeoutSeconds) * time.Second,
		retry:        cfg.Retry,
		paymentTerms: terms,
		events:       make(chan domain.DispatchFailed, 128),
		log:          logger.Component("dispatch"),
		rand:         rand.New(rand.NewSource(time.Now().UnixNano())),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Events exposes the terminal-failure event stream.
func (p *Pool) Events() <-chan domain.DispatchFailed { return p.events }

// Run starts the workers and blocks until ctx ends and all in-flight jobs
// finish. Jobs claimed when the context ends still complete; claiming
// stops immediately.
func (p *Pool) Run(ctx context.Context) {
	workers := p.numWorkers
	if workers <= 0 {
		workers = 8
	}
	p.registerWorker(ctx)
	go p.heartbeatLoop(ctx)
	defer func() {
		// ctx is already done here; the row update gets its own deadline.
		dctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		p.deregisterWorker(dctx)
	}()
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.workerLoop(ctx, id)
		}(i)
	}
	wg.Wait()
}

func (p *Pool) workerLoop(ctx context.Context, id int) {
	poll := p.pollInterval
	if poll <= 0 {
		poll = time.Second
	}
	batch := p.batchSize
	if batch <= 0 {
		batch = 10
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		jobs, err := p.queue.Claim(ctx, batch)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Error().Err(err).Int("worker", id).Msg("claim failed")
			sleepCtx(ctx, poll)
			continue
		}
		if len(jobs) == 0 {
			sleepCtx(ctx, poll)
			continue
		}
		for _, job := range jobs {
			// Finish the claimed batch even if shutdown begins; the send
			// itself remains cancellable through the attempt context.
			p.Process(ctx, job)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Process runs one claimed job through its transport and settles the
// outcome.
func (p *Pool) Process(ctx context.Context, job *domain.DispatchJob) {
	lead, err := p.leads.Get(ctx, job.LeadID)
	if err != nil {
		p.settleFailure(ctx, job, domain.E(domain.CodeDependency, "dispatch.lead", err))
		return
	}
	platform, ok := p.registry.Get(job.PlatformCode)
	if !ok {
		p.settleFailure(ctx, job, domain.Errorf(domain.CodeTransportClient, "dispatch.platform", "unknown platform %s", job.PlatformCode))
		return
	}
	transport, ok := p.transports[platform.Method]
	if !ok {
		p.settleFailure(ctx, job, domain.Errorf(domain.CodeTransportClient, "dispatch.transport", "no transport for %s", platform.Method))
		return
	}

	attempt, err := p.queue.MarkSending(ctx, job.ID)
	if err != nil {
		p.log.Error().Err(err).Str("job_id", job.ID).Msg("could not mark sending")
		return
	}
	job.Attempts = attempt

	timeout := p.sendTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	start := time.Now()
	result, sendErr := transport.Send(sendCtx, job, lead, platform)
	cancel()

	if sendErr == nil {
		p.settleDelivered(ctx, job, lead, platform, result)
		return
	}

	// A fast 4xx must not count as a slow response in the EWMA.
	p.registry.RecordResponse(platform.Code, time.Since(start), false)

	if ctx.Err() != nil {
		// Shutdown or caller cancellation: no terminal settling, the job
		// stays claimed and CancelInFlight restores it.
		return
	}

	retryable := domain.IsRetryable(sendErr)
	if domain.CodeOf(sendErr) == domain.CodeTransportMalformed && job.Attempts > 1 {
		// Malformed responses get exactly one extra try.
		retryable = false
	}
	if retryable && job.Attempts < p.maxAttempts() {
		next := p.now().Add(p.backoff(job.Attempts))
		if err := p.queue.MarkFailedRetry(ctx, job.ID, sendErr.Error(), next); err != nil {
			p.log.Error().Err(err).Str("job_id", job.ID).Msg("could not schedule retry")
		}
		p.log.Warn().Str("job_id", job.ID).Str("platform", platform.Code).
			Int("attempt", job.Attempts).Time("next_attempt", next).
			Str("code", string(domain.CodeOf(sendErr))).Msg("dispatch attempt failed, will retry")
		return
	}
	p.settleFailure(ctx, job, sendErr)
}

func (p *Pool) settleDelivered(ctx context.Context, job *domain.DispatchJob, lead *domain.Lead, platform *domain.Platform, result *SendResult) {
	now := p.now()
	p.registry.RecordResponse(platform.Code, result.Elapsed, true)

	if err := p.queue.MarkDelivered(ctx, job.ID, result.ExternalID, now); err != nil {
		p.log.Error().Err(err).Str("job_id", job.ID).Msg("could not mark delivered")
		return
	}
	if err := p.capacity.CommitDelivered(ctx, platform.Code); err != nil {
		p.log.Error().Err(err).Str("platform", platform.Code).Msg("hour counter commit failed")
	}
	if err := p.leads.MarkExported(ctx, lead.ID, platform.Code, now); err != nil {
		p.log.Error().Err(err).Str("lead_id", lead.ID).Msg("could not record export")
	}

	if p.ledger != nil {
		tx := p.buildTransaction(job, platform, result.ExternalID, now)
		if err := p.ledger.CreatePending(ctx, tx); err != nil {
			p.log.Error().Err(err).Str("lead_id", lead.ID).Msg("pending transaction not created")
		}
	}

	p.log.Info().
		Str("job_id", job.ID).
		Str("lead_id", lead.ID).
		Str("platform", platform.Code).
		Int("attempt", job.Attempts).
		Str("external_id", result.ExternalID).
		Dur("elapsed", result.Elapsed).
		Msg("lead delivered")
}

// buildTransaction creates the (pending, pending) ledger entry for a
// delivery. net = gross - commission exactly, so conservation holds.
func (p *Pool) buildTransaction(job *domain.DispatchJob, platform *domain.Platform, externalID string, now time.Time) *domain.RevenueTransaction {
	gross := domain.RoundCents(job.Price)
	commission := domain.RoundCents(gross * platform.CommissionRate)
	tx := &domain.RevenueTransaction{
		LeadID:         job.LeadID,
		PlatformCode:   platform.Code,
		GrossAmount:    gross,
		CommissionRate: platform.CommissionRate,
		Commission:     commission,
		NetAmount:      domain.RoundCents(gross - commission),
		Status:         domain.TxPending,
		PaymentStatus:  domain.PayPending,
		PaymentDue:     now.Add(p.paymentTerms),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if externalID != "" {
		tx.ExternalID = &externalID
	}
	return tx
}

// settleFailure finalizes a permanently failed job: dead-letter it,
// compensate the routing-time capacity reservation, emit the event, and
// hand the lead back to routing with this platform excluded.
func (p *Pool) settleFailure(ctx context.Context, job *domain.DispatchJob, cause error) {
	if err := p.queue.MarkDead(ctx, job.ID, cause.Error()); err != nil {
		p.log.Error().Err(err).Str("job_id", job.ID).Msg("could not mark permanently failed")
		return
	}
	if job.ReservedCapacity {
		if err := p.capacity.ReleasePlatform(ctx, job.PlatformCode, job.CreatedAt); err != nil {
			p.log.Error().Err(err).Str("platform", job.PlatformCode).Msg("capacity compensation failed")
		}
	}

	ev := domain.DispatchFailed{
		JobID:        job.ID,
		LeadID:       job.LeadID,
		PlatformCode: job.PlatformCode,
		Code:         domain.CodeOf(cause),
		Attempts:     job.Attempts,
		LastError:    cause.Error(),
		FailedAt:     p.now(),
	}
	select {
	case p.events <- ev:
	default:
		p.log.Warn().Str("job_id", job.ID).Msg("event channel full, dropping dispatch-failed event")
	}

	p.log.Error().
		Str("job_id", job.ID).
		Str("lead_id", job.LeadID).
		Str("platform", job.PlatformCode).
		Int("attempts", job.Attempts).
		Str("code", string(ev.Code)).
		Msg("dispatch permanently failed")

	if p.rerouter != nil {
		p.rerouter.RerouteFailed(ctx, job.LeadID, job.PlatformCode)
	}
}

func (p *Pool) maxAttempts() int {
	if p.retry.MaxAttempts > 0 {
		return p.retry.MaxAttempts
	}
	return 5
}

// backoff returns the full-jitter delay before attempt+1: a uniform draw
// from (0, min(max, base*2^(attempt-1))].
func (p *Pool) backoff(attempt int) time.Duration {
	base := time.Duration(p.retry.BaseMs) * time.Millisecond
	if base <= 0 {
		base = 2 * time.Second
	}
	max := time.Duration(p.retry.MaxMs) * time.Millisecond
	if max <= 0 {
		max = 10 * time.Minute
	}
	ceiling := float64(base) * math.Pow(2, float64(attempt-1))
	if ceiling > float64(max) {
		ceiling = float64(max)
	}
	p.randMu.Lock()
	d := time.Duration(p.rand.Float64() * ceiling)
	p.randMu.Unlock()
	if d < 100*time.Millisecond {
		d = 100 * time.Millisecond
	}
	return d
}

// Shutdown cancels whatever is still claimed or sending after the drain
// deadline and restores their routing-time reservations.
func (p *Pool) Shutdown(ctx context.Context) error {
	jobs, err := p.queue.CancelInFlight(ctx)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if !job.ReservedCapacity {
			continue
		}
		if err := p.capacity.ReleasePlatform(ctx, job.PlatformCode, job.CreatedAt); err != nil {
			p.log.Error().Err(err).Str("platform", job.PlatformCode).Msg("capacity restore failed during shutdown")
		}
	}
	if len(jobs) > 0 {
		p.log.Warn().Int("cancelled", len(jobs)).Msg("cancelled in-flight jobs at shutdown")
	}
	return nil
}
