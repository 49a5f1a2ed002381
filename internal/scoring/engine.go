// Package scoring computes lead quality scores from conversation-derived
// slots and market reference data. Scoring is pure: the engine never touches
// storage, and the same input always yields the same snapshot.
package scoring

import (
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sunbeam/leadflow/internal/config"
	"github.com/sunbeam/leadflow/internal/domain"
)

// weightTolerance bounds float drift when checking that weights sum to 1.
const weightTolerance = 1e-9

// Slot names recognized by the engine. Aliases cover upstream extractors
// that emit the older names.
const (
	SlotOwnership = "ownership"
	SlotBill      = "monthly_bill"
	SlotTimeline  = "timeline"
	SlotZip       = "zip_code"
)

var slotAliases = map[string]string{
	"homeowner":            SlotOwnership,
	"bill":                 SlotBill,
	"monthly_electric_bill": SlotBill,
	"zip":                  SlotZip,
}

// Input is everything one scoring pass needs. Built by the session tracker
// from its accumulated state plus a market lookup.
type Input struct {
	SessionID string
	LeadID    string
	Seq       int
	Timestamp time.Time

	Slots          map[string]domain.SlotValue
	MessageCount   int
	AvgSentiment   float64
	Intents        []string
	Objections     []string
	UrgencyCreated bool

	Market MarketData
}

// Engine combines the weighted component model with tier thresholds.
// Thresholds are mutable under lock so the daily calibrator can shift them;
// weights are fixed at construction.
type Engine struct {
	weights map[domain.ScoreComponent]float64

	mu         sync.RWMutex
	thresholds config.TierThresholds

	markets MarketSource
}

// New builds an Engine from configuration. The weight map must cover every
// component and sum to exactly 1.
func New(cfg config.ScoringConfig, markets MarketSource) (*Engine, error) {
	w := make(map[domain.ScoreComponent]float64, len(domain.Components))
	sum := 0.0
	for _, comp := range domain.Components {
		v, ok := cfg.Weights[string(comp)]
		if !ok {
			return nil, &domain.ComputationError{Reason: "missing weight for component " + string(comp)}
		}
		w[comp] = v
		sum += v
	}
	if math.Abs(sum-1.0) > weightTolerance {
		return nil, &domain.ComputationError{Reason: "weights sum to " + strconv.FormatFloat(sum, 'f', -1, 64) + ", want 1"}
	}
	if markets == nil {
		markets = DefaultNYCSource()
	}
	return &Engine{weights: w, thresholds: cfg.TierThresholds, markets: markets}, nil
}

// Thresholds returns the current tier thresholds.
func (e *Engine) Thresholds() config.TierThresholds {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.thresholds
}

// SetThresholds replaces the tier thresholds. Used by the calibrator only;
// monotonicity must already have been checked by the caller.
func (e *Engine) SetThresholds(t config.TierThresholds) {
	e.mu.Lock()
	e.thresholds = t
	e.mu.Unlock()
}

// TierFor maps an integer total onto a quality tier.
func (e *Engine) TierFor(total int) domain.QualityTier {
	t := e.Thresholds()
	switch {
	case total >= t.Premium:
		return domain.TierPremium
	case total >= t.Standard:
		return domain.TierStandard
	case total >= t.Basic:
		return domain.TierBasic
	default:
		return domain.TierUnqualified
	}
}

// MarketFor resolves reference data for a zip, falling back to neutral values.
func (e *Engine) MarketFor(zip string) MarketData {
	if zip != "" {
		if m, ok := e.markets.Lookup(zip); ok {
			return m
		}
	}
	return Neutral(zip)
}

// Score runs one scoring pass and returns the resulting snapshot.
// Missing slots degrade individual components, never fail the pass; an error
// here always means an internal invariant was violated.
func (e *Engine) Score(in Input) (*domain.ScoreSnapshot, error) {
	snap := &domain.ScoreSnapshot{
		SessionID:      in.SessionID,
		LeadID:         in.LeadID,
		Seq:            in.Seq,
		Timestamp:      in.Timestamp,
		Components:     make(map[domain.ScoreComponent]float64, len(domain.Components)),
		UrgencyCreated: in.UrgencyCreated,
	}
	if snap.Timestamp.IsZero() {
		snap.Timestamp = time.Now().UTC()
	}

	owner, ownerKnown := SlotBool(in.Slots, SlotOwnership)
	if ownerKnown && !owner {
		// Renters cannot buy a residential install. Hard gate.
		for _, comp := range domain.Components {
			snap.Components[comp] = 0
		}
		snap.Total = 0
		snap.Tier = domain.TierUnqualified
		snap.Gated = true
		return snap, nil
	}

	bill, billKnown := SlotFloat(in.Slots, SlotBill)
	timeline, timelineKnown := SlotString(in.Slots, SlotTimeline)
	urgent := timelineKnown && timelineClass(timeline) == timelineUrgent

	snap.Components[domain.ComponentBill] = billScore(bill, billKnown)
	snap.Components[domain.ComponentOwnership] = ownershipScore(owner, ownerKnown)
	snap.Components[domain.ComponentTimeline] = timelineScore(timeline, timelineKnown)
	snap.Components[domain.ComponentLocation] = locationScore(in.Market)
	snap.Components[domain.ComponentEngagement] = engagementScore(in)
	snap.Components[domain.ComponentCredit] = creditScore(bill, billKnown, owner && ownerKnown, in.Market.HighValue, urgent)
	snap.Components[domain.ComponentObjections] = objectionsScore(in.Objections)
	snap.Components[domain.ComponentNYCMarket] = nycMarketScore(in.Market)

	total := 0.0
	for _, comp := range domain.Components {
		v := snap.Components[comp]
		if v < 0 {
			return nil, &domain.ComputationError{Reason: "negative score for component " + string(comp)}
		}
		total += v * e.weights[comp]
	}

	if billKnown && bill >= 400 && ownerKnown && owner && in.UrgencyCreated {
		total = applyBonus(total, 1.10)
		snap.Bonuses = append(snap.Bonuses, "high_bill_owner_urgent")
	}
	if in.Market.HighValue {
		total = applyBonus(total, 1.05)
		snap.Bonuses = append(snap.Bonuses, "high_value_zip")
	}
	if in.MessageCount >= 8 {
		total = applyBonus(total, 1.05)
		snap.Bonuses = append(snap.Bonuses, "deep_engagement")
	}

	snap.Total = int(math.RoundToEven(total))
	if snap.Total > 100 {
		snap.Total = 100
	}
	if snap.Total < 0 {
		snap.Total = 0
	}
	snap.Tier = e.TierFor(snap.Total)
	return snap, nil
}

// applyBonus multiplies and caps at 100. Each bonus caps independently so
// ordering never matters.
func applyBonus(total, factor float64) float64 {
	total *= factor
	if total > 100 {
		return 100
	}
	return total
}

func billScore(bill float64, known bool) float64 {
	if !known {
		return 0
	}
	switch {
	case bill >= 400:
		return 100
	case bill >= 300:
		return 85
	case bill >= 200:
		return 70
	case bill >= 150:
		return 55
	case bill >= 100:
		return 40
	default:
		return 20
	}
}

func ownershipScore(owner, known bool) float64 {
	if known && owner {
		return 100
	}
	return 0
}

type timelineClassification int

const (
	timelineDistant timelineClassification = iota
	timelineMedium
	timelineNear
	timelineUrgent
)

var timelineTokens = []struct {
	class  timelineClassification
	tokens []string
}{
	{timelineUrgent, []string{"immediately", "asap", "this year", "2025"}},
	{timelineNear, []string{"soon", "next few months"}},
	{timelineMedium, []string{"next year", "2026"}},
}

// timelineClass matches tokens case-insensitively, most urgent class first.
func timelineClass(timeline string) timelineClassification {
	t := strings.ToLower(timeline)
	for _, group := range timelineTokens {
		for _, tok := range group.tokens {
			if strings.Contains(t, tok) {
				return group.class
			}
		}
	}
	return timelineDistant
}

func timelineScore(timeline string, known bool) float64 {
	if !known {
		return 50
	}
	switch timelineClass(timeline) {
	case timelineUrgent:
		return 100
	case timelineNear:
		return 80
	case timelineMedium:
		return 60
	default:
		return 30
	}
}

func locationScore(m MarketData) float64 {
	score := 50.0
	if m.HighValue {
		score += 20
	}
	switch {
	case m.SolarAdoption > 0.15:
		score += 15
	case m.SolarAdoption > 0.10:
		score += 10
	case m.SolarAdoption > 0.05:
		score += 5
	}
	switch m.Competition {
	case "low":
		score += 10
	case "high":
		score -= 5
	}
	switch m.Borough {
	case "Manhattan":
		score += 10
	case "Brooklyn":
		score += 5
	}
	return clamp100(score)
}

// highIntentIntents are the purchase-proximate intents upstream NLU emits.
var highIntentIntents = map[string]bool{
	"ready_to_buy":          true,
	"request_quote":         true,
	"schedule_consultation": true,
	"pricing_inquiry":       true,
}

func engagementScore(in Input) float64 {
	score := 50.0
	switch {
	case in.MessageCount >= 5:
		score += 20
	case in.MessageCount >= 3:
		score += 10
	}
	for _, intent := range in.Intents {
		if highIntentIntents[intent] {
			score += 15
			break
		}
	}
	if in.UrgencyCreated {
		score += 10
	}
	if len(in.Objections) > 0 {
		score += 10
	}
	return clamp100(score)
}

func creditScore(bill float64, billKnown, owner, highValueZip, urgent bool) float64 {
	score := 50.0
	if billKnown && bill >= 300 {
		score += 20
	}
	if owner {
		score += 15
	}
	if highValueZip {
		score += 15
	}
	if urgent {
		score += 10
	}
	return clamp100(score)
}

// objectionBonuses maps handled-objection categories to their credit.
var objectionBonuses = map[string]float64{
	"cost":       20,
	"roof":       15,
	"aesthetics": 10,
	"process":    15,
	"timeline":   25,
}

func objectionsScore(handled []string) float64 {
	if len(handled) == 0 {
		return 0
	}
	score := 50.0
	for _, category := range handled {
		if b, ok := objectionBonuses[strings.ToLower(category)]; ok {
			score += b
		} else {
			score += 10
		}
	}
	return clamp100(score)
}

func nycMarketScore(m MarketData) float64 {
	score := 50.0 + (m.SolarPotentialScore-50)*0.3
	switch {
	case m.ElectricRate >= 0.30:
		score += 15
	case m.ElectricRate >= 0.25:
		score += 10
	case m.ElectricRate >= 0.20:
		score += 5
	}
	if m.StateIncentives {
		score += 10
	}
	if m.LocalIncentives {
		score += 5
	}
	if m.NetMetering {
		score += 5
	}
	return clamp100(score)
}

func clamp100(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// Slot resolves aliases so extractors with older vocabularies still
// feed the same components.
func Slot(slots map[string]domain.SlotValue, name string) (domain.SlotValue, bool) {
	if sv, ok := slots[name]; ok {
		return sv, true
	}
	for alias, canonical := range slotAliases {
		if canonical == name {
			if sv, ok := slots[alias]; ok {
				return sv, true
			}
		}
	}
	return domain.SlotValue{}, false
}

func SlotBool(slots map[string]domain.SlotValue, name string) (value, known bool) {
	sv, ok := Slot(slots, name)
	if !ok {
		return false, false
	}
	switch v := sv.Value.(type) {
	case bool:
		return v, true
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "yes", "y", "own", "owner":
			return true, true
		case "false", "no", "n", "rent", "renter":
			return false, true
		}
	}
	return false, false
}

func SlotFloat(slots map[string]domain.SlotValue, name string) (float64, bool) {
	sv, ok := Slot(slots, name)
	if !ok {
		return 0, false
	}
	switch v := sv.Value.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		s := strings.TrimSpace(strings.TrimPrefix(v, "$"))
		s = strings.ReplaceAll(s, ",", "")
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

func SlotString(slots map[string]domain.SlotValue, name string) (string, bool) {
	sv, ok := Slot(slots, name)
	if !ok {
		return "", false
	}
	if s, ok := sv.Value.(string); ok && strings.TrimSpace(s) != "" {
		return s, true
	}
	return "", false
}
