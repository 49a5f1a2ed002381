package scoring

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/sunbeam/leadflow/internal/config"
	"github.com/sunbeam/leadflow/internal/domain"
	"github.com/sunbeam/leadflow/internal/pkg/logger"
)

// TierStats is the calibration telemetry accumulated by the feedback loop
// for one tier over the lookback window.
type TierStats struct {
	Tier            domain.QualityTier `json:"tier"`
	Feedbacks       int                `json:"feedbacks"`
	Accepts         int                `json:"accepts"`
	Conversions     int                `json:"conversions"`
	ConversionValue float64            `json:"conversion_value"`
}

// TelemetrySource supplies tier stats since a point in time.
type TelemetrySource interface {
	TierStats(ctx context.Context, since time.Time) ([]TierStats, error)
}

// CalibrationAudit is the persisted record of one recalibration decision.
// Every run produces one, including no-op runs.
type CalibrationAudit struct {
	RunAt        time.Time             `json:"run_at"`
	Before       config.TierThresholds `json:"before"`
	After        config.TierThresholds `json:"after"`
	ObservedRate float64               `json:"observed_accept_rate"`
	TargetRate   float64               `json:"target_accept_rate"`
	SampleSize   int                   `json:"sample_size"`
	Stats        []TierStats           `json:"stats"`
	Reason       string                `json:"reason"`
}

// AuditSink persists calibration audits.
type AuditSink interface {
	StoreCalibrationAudit(ctx context.Context, audit CalibrationAudit) error
}

// Calibrator runs the scheduled threshold adjustment. Movement is bounded
// two ways: thresholds stay within band points of the configured baseline,
// and a single run never moves a threshold by more than the per-day step.
type Calibrator struct {
	engine   *Engine
	baseline config.TierThresholds
	band     int
	step     int
	target   float64
	interval time.Duration

	telemetry TelemetrySource
	audits    AuditSink
	log       zerolog.Logger
}

// NewCalibrator wires a calibrator to an engine. audits may be nil, in which
// case decisions are only logged.
func NewCalibrator(engine *Engine, cfg config.FeedbackConfig, telemetry TelemetrySource, audits AuditSink) *Calibrator {
	interval := cfg.CalibrationInterval()
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	band := cfg.ThresholdSafetyBand
	if band <= 0 {
		band = 5
	}
	return &Calibrator{
		engine:    engine,
		baseline:  engine.Thresholds(),
		band:      band,
		step:      band,
		target:    cfg.TargetConversionRate,
		interval:  interval,
		telemetry: telemetry,
		audits:    audits,
		log:       logger.Component("calibrator"),
	}
}

// Run executes recalibration on the configured interval until ctx ends.
func (c *Calibrator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Recalibrate(ctx, time.Now().UTC()); err != nil {
				c.log.Error().Err(err).Msg("recalibration failed")
			}
		}
	}
}

// Recalibrate runs one calibration pass: compares the observed global accept
// rate against the target and nudges thresholds toward it. A higher
// threshold makes a tier stricter, which raises quality and accept rate.
func (c *Calibrator) Recalibrate(ctx context.Context, now time.Time) (CalibrationAudit, error) {
	stats, err := c.telemetry.TierStats(ctx, now.Add(-c.interval))
	if err != nil {
		return CalibrationAudit{}, domain.E(domain.CodeDependency, "calibrator.recalibrate", err)
	}

	before := c.engine.Thresholds()
	audit := CalibrationAudit{
		RunAt:      now,
		Before:     before,
		After:      before,
		TargetRate: c.target,
		Stats:      stats,
	}

	feedbacks, accepts := 0, 0
	for _, s := range stats {
		feedbacks += s.Feedbacks
		accepts += s.Accepts
	}
	audit.SampleSize = feedbacks
	if feedbacks == 0 {
		audit.Reason = "no feedback in window"
		c.finish(ctx, audit)
		return audit, nil
	}
	audit.ObservedRate = float64(accepts) / float64(feedbacks)

	// Deviation of 0.02 or less is noise. Beyond that, shift one point per
	// 0.05 of deviation, capped at the per-day step.
	deviation := c.target - audit.ObservedRate
	if math.Abs(deviation) <= 0.02 {
		audit.Reason = "observed rate within tolerance"
		c.finish(ctx, audit)
		return audit, nil
	}
	shift := int(math.Round(deviation / 0.05))
	if shift > c.step {
		shift = c.step
	}
	if shift < -c.step {
		shift = -c.step
	}

	after := config.TierThresholds{
		Premium:  c.bound(before.Premium+shift, c.baseline.Premium),
		Standard: c.bound(before.Standard+shift, c.baseline.Standard),
		Basic:    c.bound(before.Basic+shift, c.baseline.Basic),
	}
	if !(after.Premium > after.Standard && after.Standard > after.Basic && after.Basic > 0 && after.Premium <= 100) {
		audit.Reason = "shift would break threshold ordering"
		c.finish(ctx, audit)
		return audit, nil
	}

	audit.After = after
	if after == before {
		audit.Reason = "thresholds pinned at band edge"
	} else {
		audit.Reason = "shifted toward target accept rate"
		c.engine.SetThresholds(after)
	}
	c.finish(ctx, audit)
	return audit, nil
}

// bound clamps a threshold to baseline +/- band.
func (c *Calibrator) bound(v, baseline int) int {
	if v > baseline+c.band {
		return baseline + c.band
	}
	if v < baseline-c.band {
		return baseline - c.band
	}
	return v
}

func (c *Calibrator) finish(ctx context.Context, audit CalibrationAudit) {
	c.log.Info().
		Str("reason", audit.Reason).
		Float64("observed_rate", audit.ObservedRate).
		Float64("target_rate", audit.TargetRate).
		Int("sample_size", audit.SampleSize).
		Interface("before", audit.Before).
		Interface("after", audit.After).
		Msg("calibration run")
	if c.audits == nil {
		return
	}
	if err := c.audits.StoreCalibrationAudit(ctx, audit); err != nil {
		c.log.Error().Err(err).Msg("storing calibration audit failed")
	}
}
