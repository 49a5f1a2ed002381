package dispatch

import (
	"context"
	"os"
	"time"
)

const heartbeatInterval = 10 * time.Second

// registerWorker upserts this process's row in dispatch_workers so operators
// can see which hosts are draining the queue. Registration failure is logged
// and ignored; dispatch does not depend on it.
func (p *Pool) registerWorker(ctx context.Context) {
	host, _ := os.Hostname()
	_, err := p.queue.db.ExecContext(ctx, `
		INSERT INTO dispatch_workers (id, hostname, status, num_workers, started_at, last_heartbeat_at)
		VALUES ($1, $2, 'running', $3, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			status = 'running',
			num_workers = EXCLUDED.num_workers,
			started_at = NOW(),
			last_heartbeat_at = NOW()`,
		p.workerID, host, p.numWorkers)
	if err != nil {
		p.log.Warn().Err(err).Msg("worker registration failed")
	}
}

func (p *Pool) deregisterWorker(ctx context.Context) {
	_, err := p.queue.db.ExecContext(ctx,
		`UPDATE dispatch_workers SET status = 'stopped', last_heartbeat_at = NOW() WHERE id = $1`,
		p.workerID)
	if err != nil {
		p.log.Warn().Err(err).Msg("worker deregistration failed")
	}
}

func (p *Pool) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, err := p.queue.db.ExecContext(ctx,
				`UPDATE dispatch_workers SET last_heartbeat_at = NOW() WHERE id = $1`,
				p.workerID)
			if err != nil && ctx.Err() == nil {
				p.log.Warn().Err(err).Msg("heartbeat failed")
			}
		}
	}
}
