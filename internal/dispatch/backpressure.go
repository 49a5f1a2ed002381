package dispatch

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/sunbeam/leadflow/internal/pkg/logger"
)

// Backpressure watches queue depth and promotes deferred jobs once the
// live queue drains below the low watermark. Hysteresis between the two
// watermarks prevents promote/defer flapping at the boundary.
type Backpressure struct {
	queue *Queue

	highWatermark int64
	lowWatermark  int64
	interval      time.Duration
	promoteBatch  int

	engaged bool
	log     zerolog.Logger
}

// NewBackpressure builds a monitor. Watermarks default to the queue depth
// bound and half of it.
func NewBackpressure(queue *Queue, high, low int64, interval time.Duration) *Backpressure {
	if high <= 0 {
		high = queue.maxDepth
	}
	if low <= 0 || low >= high {
		low = high / 2
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Backpressure{
		queue:         queue,
		highWatermark: high,
		lowWatermark:  low,
		interval:      interval,
		promoteBatch:  100,
		log:           logger.Component("dispatch.backpressure"),
	}
}

// Run ticks until ctx ends.
func (b *Backpressure) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.tick(ctx)
		}
	}
}

func (b *Backpressure) tick(ctx context.Context) {
	depth, err := b.queue.Depth(ctx)
	if err != nil {
		b.log.Error().Err(err).Msg("depth probe failed")
		return
	}

	switch {
	case !b.engaged && depth >= b.highWatermark:
		b.engaged = true
		b.log.Warn().Int64("depth", depth).Int64("high", b.highWatermark).Msg("backpressure engaged")
	case b.engaged && depth <= b.lowWatermark:
		b.engaged = false
		b.log.Info().Int64("depth", depth).Int64("low", b.lowWatermark).Msg("backpressure released")
	}

	if b.engaged {
		return
	}

	headroom := b.highWatermark - depth
	if headroom <= 0 {
		return
	}
	batch := b.promoteBatch
	if int64(batch) > headroom {
		batch = int(headroom)
	}
	promoted, err := b.queue.PromoteDeferred(ctx, batch)
	if err != nil {
		b.log.Error().Err(err).Msg("promote failed")
		return
	}
	if promoted > 0 {
		b.log.Info().Int64("promoted", promoted).Int64("depth", depth).Msg("promoted deferred jobs")
	}
}
