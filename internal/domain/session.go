package domain

import (
	"fmt"
	"time"
)

// Stage is the conversational stage reported by the upstream dialog system.
type Stage string

const (
	StageWelcome       Stage = "welcome"
	StageDiscovery     Stage = "discovery"
	StageQualification Stage = "qualification"
	StageSolarCalc     Stage = "solar_calculation"
	StageDisqualified  Stage = "disqualified"
	StageCompleted     Stage = "completed"
)

// SessionState is the tracker's view of a conversation's revenue lifecycle.
type SessionState string

const (
	SessionActive     SessionState = "active"
	SessionQualifying SessionState = "qualifying"
	SessionReady      SessionState = "ready"
	SessionDispatched SessionState = "dispatched"
	SessionClosed     SessionState = "closed"
	SessionExpired    SessionState = "expired"
)

// Terminal reports whether the session accepts no further updates.
func (s SessionState) Terminal() bool {
	return s == SessionClosed || s == SessionExpired
}

// SlotValue is one extracted qualification attribute with the upstream
// extractor's confidence.
type SlotValue struct {
	Value      interface{} `json:"value"`
	Confidence float64     `json:"confidence"`
}

// MessageMeta is the per-turn signal structure produced upstream. The core
// never sees raw message text.
type MessageMeta struct {
	Intent            string   `json:"intent"`
	Sentiment         float64  `json:"sentiment"` // -1..1
	ObjectionsHandled []string `json:"objections_handled"`
	UrgencyCreated    bool     `json:"urgency_created"`
}

// TurnEvent is the inbound conversation-turn ingress event (§6). Unknown
// fields in the wire form are ignored by the decoder.
type TurnEvent struct {
	SessionID      string               `json:"session_id"`
	LeadID         string               `json:"lead_id,omitempty"`
	Timestamp      time.Time            `json:"timestamp"`
	Stage          Stage                `json:"stage,omitempty"`
	ExtractedSlots map[string]SlotValue `json:"extracted_slots"`
	MessageMeta    MessageMeta          `json:"message_meta"`
	EndOfSession   bool                 `json:"end_of_session,omitempty"`
}

// Validate enforces the ingress field constraints. Violations are
// CodeInvalidInput and are returned to the caller without affecting other
// sessions.
func (e *TurnEvent) Validate() error {
	if n := len(e.SessionID); n < 1 || n > 128 {
		return Errorf(CodeInvalidInput, "event.validate", "session_id length %d outside 1..128", n)
	}
	if e.MessageMeta.Sentiment < -1 || e.MessageMeta.Sentiment > 1 {
		return Errorf(CodeInvalidInput, "event.validate", "sentiment %v outside -1..1", e.MessageMeta.Sentiment)
	}
	for name, sv := range e.ExtractedSlots {
		if sv.Confidence < 0 || sv.Confidence > 1 {
			return Errorf(CodeInvalidInput, "event.validate", "slot %q confidence %v outside 0..1", name, sv.Confidence)
		}
	}
	return nil
}

// ConversationSession is the tracker's per-session record. The session actor
// is the sole writer; readers receive copies.
type ConversationSession struct {
	ID             string               `json:"id"`
	LeadID         string               `json:"lead_id,omitempty"`
	State          SessionState         `json:"state"`
	Stage          Stage                `json:"stage"`
	StartedAt      time.Time            `json:"started_at"`
	LastActivityAt time.Time            `json:"last_activity_at"`
	MessageCount   int                  `json:"message_count"`
	Slots          map[string]SlotValue `json:"extracted_slots"`

	// Engagement accumulators.
	QuestionsAsked   int      `json:"questions_asked"`
	AvgSentiment     float64  `json:"avg_sentiment"`
	Intents          []string `json:"intents"`
	Objections       []string `json:"objections_handled"`
	UrgencyCreated   bool     `json:"urgency_created"`
	EngagementScore  float64  `json:"engagement_score"` // moving average
	RevenuePotential float64  `json:"revenue_potential"`
	RevenuePerMinute float64  `json:"revenue_per_minute"`

	Latest *ScoreSnapshot `json:"latest_snapshot,omitempty"`
}

// Duration returns accumulated wall time between start and last activity.
func (s *ConversationSession) Duration() time.Duration {
	if s.LastActivityAt.Before(s.StartedAt) {
		return 0
	}
	return s.LastActivityAt.Sub(s.StartedAt)
}

// HasIntent reports whether the named intent was observed in any turn.
func (s *ConversationSession) HasIntent(intent string) bool {
	for _, i := range s.Intents {
		if i == intent {
			return true
		}
	}
	return false
}

// sessionTransitions lists the allowed tracker state moves. Expired is
// reachable from any non-terminal state via idle timeout and is handled
// separately.
var sessionTransitions = map[SessionState][]SessionState{
	SessionActive:     {SessionQualifying, SessionReady, SessionClosed},
	SessionQualifying: {SessionReady, SessionClosed},
	SessionReady:      {SessionDispatched, SessionClosed},
	SessionDispatched: {SessionClosed},
}

// CanTransition reports whether moving from -> to is legal for a session.
func CanTransition(from, to SessionState) bool {
	if to == SessionExpired {
		return !from.Terminal()
	}
	for _, next := range sessionTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// OptimizationHint is published by the tracker when a session's economics
// suggest the operator surface should adapt (e.g. expedite qualification).
type OptimizationHint struct {
	SessionID string    `json:"session_id"`
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail"`
	IssuedAt  time.Time `json:"issued_at"`
}

func (h OptimizationHint) String() string {
	return fmt.Sprintf("%s: %s (%s)", h.SessionID, h.Kind, h.Detail)
}
