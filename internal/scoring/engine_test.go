package scoring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sunbeam/leadflow/internal/config"
	"github.com/sunbeam/leadflow/internal/domain"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(config.ScoringConfig{
		Weights:        config.DefaultWeights(),
		TierThresholds: config.TierThresholds{Premium: 85, Standard: 70, Basic: 50},
	}, DefaultNYCSource())
	require.NoError(t, err)
	return e
}

func slots(kv map[string]interface{}) map[string]domain.SlotValue {
	out := make(map[string]domain.SlotValue, len(kv))
	for k, v := range kv {
		out[k] = domain.SlotValue{Value: v, Confidence: 0.9}
	}
	return out
}

func TestNewRejectsBadWeights(t *testing.T) {
	w := config.DefaultWeights()
	w["bill"] = 0.5 // sum now > 1
	_, err := New(config.ScoringConfig{Weights: w}, nil)
	require.Error(t, err)
	var ce *domain.ComputationError
	assert.ErrorAs(t, err, &ce)

	delete(w, "bill")
	_, err = New(config.ScoringConfig{Weights: w}, nil)
	require.Error(t, err)
}

func TestOwnershipGate(t *testing.T) {
	e := testEngine(t)
	snap, err := e.Score(Input{
		SessionID: "s1",
		Slots: slots(map[string]interface{}{
			"ownership":    false,
			"monthly_bill": 450.0,
			"timeline":     "immediately",
		}),
		MessageCount: 10,
		Market:       e.MarketFor("11215"),
	})
	require.NoError(t, err)
	assert.True(t, snap.Gated)
	assert.Equal(t, 0, snap.Total)
	assert.Equal(t, domain.TierUnqualified, snap.Tier)
	for _, comp := range domain.Components {
		assert.Zero(t, snap.Components[comp])
	}
}

func TestOwnershipUnknownDoesNotGate(t *testing.T) {
	e := testEngine(t)
	snap, err := e.Score(Input{
		SessionID: "s1",
		Slots:     slots(map[string]interface{}{"monthly_bill": 450.0}),
		Market:    Neutral(""),
	})
	require.NoError(t, err)
	assert.False(t, snap.Gated)
	assert.Zero(t, snap.Components[domain.ComponentOwnership])
	assert.Greater(t, snap.Total, 0)
}

func TestPremiumBrooklynLead(t *testing.T) {
	e := testEngine(t)
	snap, err := e.Score(Input{
		SessionID: "s-premium",
		Slots: slots(map[string]interface{}{
			"ownership":    true,
			"monthly_bill": 380.0,
			"timeline":     "2025 spring",
			"zip_code":     "11215",
		}),
		MessageCount:   8,
		Intents:        []string{"pricing_inquiry"},
		Objections:     []string{"cost"},
		UrgencyCreated: true,
		Market:         e.MarketFor("11215"),
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, snap.Total, 85)
	assert.Equal(t, domain.TierPremium, snap.Tier)
	assert.Contains(t, snap.Bonuses, "high_value_zip")
	assert.Contains(t, snap.Bonuses, "deep_engagement")
	assert.NotContains(t, snap.Bonuses, "high_bill_owner_urgent") // bill < 400
	assert.True(t, snap.UrgencyCreated, "urgency survives on the snapshot even without the bonus")
}

func TestBillPiecewise(t *testing.T) {
	cases := []struct {
		bill float64
		want float64
	}{
		{450, 100}, {400, 100}, {399, 85}, {300, 85}, {299, 70},
		{200, 70}, {199, 55}, {150, 55}, {149, 40}, {100, 40}, {50, 20},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, billScore(tc.bill, true), "bill=%v", tc.bill)
	}
	assert.Zero(t, billScore(0, false), "missing bill")
}

func TestTimelineClassification(t *testing.T) {
	cases := []struct {
		timeline string
		want     float64
	}{
		{"immediately", 100},
		{"ASAP please", 100},
		{"sometime this year", 100},
		{"spring 2025", 100},
		{"soon", 80},
		{"in the next few months", 80},
		{"next year maybe", 60},
		{"2026", 60},
		{"no idea, eventually", 30},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, timelineScore(tc.timeline, true), "timeline=%q", tc.timeline)
	}
	assert.Equal(t, 50.0, timelineScore("", false), "missing timeline")
}

func TestUnknownZipUsesNeutralMarket(t *testing.T) {
	e := testEngine(t)
	m := e.MarketFor("99999")
	assert.Equal(t, "99999", m.ZipCode)
	assert.False(t, m.HighValue)

	snap, err := e.Score(Input{
		SessionID: "s1",
		Slots:     slots(map[string]interface{}{"ownership": true}),
		Market:    m,
	})
	require.NoError(t, err)
	// Neutral reference resolves every market contribution to the base value.
	assert.Equal(t, 50.0, snap.Components[domain.ComponentLocation])
	assert.Equal(t, 50.0, snap.Components[domain.ComponentNYCMarket])
}

func TestComponentsAlwaysInRange(t *testing.T) {
	e := testEngine(t)
	inputs := []Input{
		{SessionID: "a"},
		{SessionID: "b", Slots: slots(map[string]interface{}{"ownership": true, "monthly_bill": 1000.0, "timeline": "asap"}),
			MessageCount: 50, UrgencyCreated: true,
			Intents:    []string{"ready_to_buy"},
			Objections: []string{"cost", "roof", "timeline", "process", "aesthetics", "warranty"},
			Market:     e.MarketFor("11215")},
		{SessionID: "c", Slots: slots(map[string]interface{}{"monthly_bill": "$1,250.50"}), Market: Neutral("")},
	}
	for _, in := range inputs {
		snap, err := e.Score(in)
		require.NoError(t, err, "session=%s", in.SessionID)
		assert.GreaterOrEqual(t, snap.Total, 0)
		assert.LessOrEqual(t, snap.Total, 100)
		for comp, v := range snap.Components {
			assert.GreaterOrEqual(t, v, 0.0, "%s", comp)
			assert.LessOrEqual(t, v, 100.0, "%s", comp)
		}
	}
}

func TestScoreIsDeterministic(t *testing.T) {
	e := testEngine(t)
	in := Input{
		SessionID: "s1",
		Timestamp: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		Slots: slots(map[string]interface{}{
			"ownership":    true,
			"monthly_bill": 320.0,
			"timeline":     "soon",
		}),
		MessageCount: 4,
		Market:       Neutral("10001"),
	}
	first, err := e.Score(in)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := e.Score(in)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestSlotAliases(t *testing.T) {
	e := testEngine(t)
	snap, err := e.Score(Input{
		SessionID: "s1",
		Slots: slots(map[string]interface{}{
			"homeowner":             "yes",
			"monthly_electric_bill": 410.0,
		}),
		Market: Neutral(""),
	})
	require.NoError(t, err)
	assert.Equal(t, 100.0, snap.Components[domain.ComponentOwnership])
	assert.Equal(t, 100.0, snap.Components[domain.ComponentBill])
}

func TestTierForThresholdEdges(t *testing.T) {
	e := testEngine(t)
	assert.Equal(t, domain.TierPremium, e.TierFor(85))
	assert.Equal(t, domain.TierStandard, e.TierFor(84))
	assert.Equal(t, domain.TierStandard, e.TierFor(70))
	assert.Equal(t, domain.TierBasic, e.TierFor(69))
	assert.Equal(t, domain.TierBasic, e.TierFor(50))
	assert.Equal(t, domain.TierUnqualified, e.TierFor(49))
}
