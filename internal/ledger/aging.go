package ledger

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/sunbeam/leadflow/internal/config"
	"github.com/sunbeam/leadflow/internal/pkg/logger"
)

// AgingSweeper periodically ages confirmed-but-unpaid transactions past
// their due date into overdue.
type AgingSweeper struct {
	store    *Store
	interval time.Duration
	log      zerolog.Logger
}

// NewAgingSweeper builds the sweeper from ledger config.
func NewAgingSweeper(store *Store, cfg config.LedgerConfig) *AgingSweeper {
	interval := time.Duration(cfg.AgingSweepMins) * time.Minute
	if interval <= 0 {
		interval = time.Hour
	}
	return &AgingSweeper{store: store, interval: interval, log: logger.Component("ledger.aging")}
}

// Run sweeps once immediately, then on every tick until ctx ends.
func (a *AgingSweeper) Run(ctx context.Context) {
	a.sweep(ctx)
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sweep(ctx)
		}
	}
}

func (a *AgingSweeper) sweep(ctx context.Context) {
	moved, err := a.store.SweepOverdue(ctx, time.Now().UTC())
	if err != nil {
		a.log.Error().Err(err).Msg("aging sweep failed")
		return
	}
	a.log.Debug().Int64("moved", moved).Msg("aging sweep complete")
}
