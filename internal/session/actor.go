package session

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sunbeam/leadflow/internal/domain"
	"github.com/sunbeam/leadflow/internal/pricing"
	"github.com/sunbeam/leadflow/internal/scoring"
)

// engagementAlpha weights the newest turn in the moving engagement average.
const engagementAlpha = 0.3

// requiredSlots must all be present before a session can become Ready.
var requiredSlots = []string{scoring.SlotOwnership, scoring.SlotBill, scoring.SlotTimeline, scoring.SlotZip}

// command is one mailbox message. Exactly one actor goroutine consumes the
// mailbox, which is what guarantees serial updates per session id.
type command struct {
	turn     *domain.TurnEvent
	snapshot bool
	dispatch bool
	expire   *time.Time
	done     chan result
}

type result struct {
	snap *domain.ScoreSnapshot
	sess *domain.ConversationSession
	err  error
}

// actor owns one ConversationSession. All reads and writes go through the
// mailbox; the struct fields are only touched by the run goroutine.
type actor struct {
	tracker *Tracker
	sess    *domain.ConversationSession
	mailbox chan command
	stopped chan struct{}
}

func newActor(tr *Tracker, sessionID, leadID string, startedAt time.Time) *actor {
	a := &actor{
		tracker: tr,
		sess: &domain.ConversationSession{
			ID:             sessionID,
			LeadID:         leadID,
			State:          domain.SessionActive,
			Stage:          domain.StageWelcome,
			StartedAt:      startedAt,
			LastActivityAt: startedAt,
			Slots:          make(map[string]domain.SlotValue),
		},
		mailbox: make(chan command, tr.mailboxSize),
		stopped: make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *actor) run() {
	defer close(a.stopped)
	for cmd := range a.mailbox {
		var res result
		switch {
		case cmd.turn != nil:
			res.snap, res.err = a.applyTurn(cmd.turn)
			res.sess = a.copySession()
		case cmd.dispatch:
			res.err = a.transition(domain.SessionDispatched)
			res.sess = a.copySession()
		case cmd.expire != nil:
			a.expireIfIdle(*cmd.expire)
			res.sess = a.copySession()
		case cmd.snapshot:
			res.sess = a.copySession()
		}
		if cmd.done != nil {
			cmd.done <- res
		}
		if a.sess.State.Terminal() {
			a.tracker.retire(a.sess.ID)
			// Drain stragglers so senders never block on a dead actor.
			for {
				select {
				case late := <-a.mailbox:
					if late.done != nil {
						late.done <- result{sess: a.copySession(), err: errSessionOver(a.sess)}
					}
				default:
					return
				}
			}
		}
	}
}

func errSessionOver(s *domain.ConversationSession) error {
	return domain.Errorf(domain.CodeInvalidInput, "session.apply", "session %s is %s", s.ID, s.State)
}

// applyTurn folds one turn event into the session, rescores, reprices, and
// advances the state machine.
func (a *actor) applyTurn(ev *domain.TurnEvent) (*domain.ScoreSnapshot, error) {
	if a.sess.State.Terminal() {
		return nil, errSessionOver(a.sess)
	}

	s := a.sess
	s.MessageCount++
	at := ev.Timestamp
	if at.IsZero() || at.Before(s.LastActivityAt) {
		at = a.tracker.now()
	}
	s.LastActivityAt = at
	if ev.Stage != "" {
		s.Stage = ev.Stage
	}
	if ev.LeadID != "" && s.LeadID == "" {
		s.LeadID = ev.LeadID
	}
	for name, sv := range ev.ExtractedSlots {
		// Higher-confidence extractions win; equal confidence takes latest.
		if prev, ok := s.Slots[name]; !ok || sv.Confidence >= prev.Confidence {
			s.Slots[name] = sv
		}
	}

	meta := ev.MessageMeta
	s.AvgSentiment += (meta.Sentiment - s.AvgSentiment) / float64(s.MessageCount)
	if meta.Intent != "" && !s.HasIntent(meta.Intent) {
		s.Intents = append(s.Intents, meta.Intent)
	}
	if strings.HasSuffix(meta.Intent, "_question") {
		s.QuestionsAsked++
	}
	for _, obj := range meta.ObjectionsHandled {
		if !containsString(s.Objections, obj) {
			s.Objections = append(s.Objections, obj)
		}
	}
	if meta.UrgencyCreated {
		s.UrgencyCreated = true
	}
	s.EngagementScore += engagementAlpha * (turnEngagement(meta) - s.EngagementScore)

	snap, err := a.rescore()
	if err != nil {
		return nil, err
	}

	switch {
	case ev.EndOfSession:
		a.forceState(domain.SessionClosed)
	case snap.Gated || s.Stage == domain.StageDisqualified:
		a.forceState(domain.SessionClosed)
	case a.readyToRoute(snap):
		if s.State == domain.SessionActive {
			_ = a.transition(domain.SessionQualifying)
		}
		if a.transition(domain.SessionReady) == nil {
			a.onReady(snap)
		}
	case snap.Tier != domain.TierUnqualified && s.State == domain.SessionActive:
		_ = a.transition(domain.SessionQualifying)
	}

	a.publishHints(snap)
	return snap, nil
}

// rescore runs the engine over accumulated state and refreshes the revenue
// figures. The snapshot is stored on the session as the authoritative one.
func (a *actor) rescore() (*domain.ScoreSnapshot, error) {
	s := a.sess
	zip, _ := scoring.SlotString(s.Slots, scoring.SlotZip)
	market := a.tracker.engine.MarketFor(zip)

	snap, err := a.tracker.engine.Score(scoring.Input{
		SessionID:      s.ID,
		LeadID:         s.LeadID,
		Seq:            s.MessageCount,
		Timestamp:      s.LastActivityAt,
		Slots:          s.Slots,
		MessageCount:   s.MessageCount,
		AvgSentiment:   s.AvgSentiment,
		Intents:        s.Intents,
		Objections:     s.Objections,
		UrgencyCreated: s.UrgencyCreated,
		Market:         market,
	})
	if err != nil {
		return nil, err
	}

	bill, billKnown := scoring.SlotFloat(s.Slots, scoring.SlotBill)
	req := pricing.Request{
		Tier:           snap.Tier,
		Score:          snap.Total,
		UrgencyCreated: s.UrgencyCreated,
		Market:         market,
	}
	if billKnown {
		req.MonthlyBill = &bill
	}
	quote := a.tracker.pricer.Price(req)
	snap.RevenuePotential = quote.RevenuePotential

	s.Latest = snap
	s.RevenuePotential = quote.RevenuePotential
	minutes := s.Duration().Minutes()
	if minutes < 1 {
		minutes = 1
	}
	s.RevenuePerMinute = s.RevenuePotential / minutes
	return snap.Clone(), nil
}

func (a *actor) readyToRoute(snap *domain.ScoreSnapshot) bool {
	if !snap.Tier.Eligible() {
		return false
	}
	if a.sess.State == domain.SessionReady || a.sess.State == domain.SessionDispatched {
		return false
	}
	for _, name := range requiredSlots {
		if _, ok := scoring.Slot(a.sess.Slots, name); !ok {
			return false
		}
	}
	return true
}

// onReady hands the session to routing. Lead id is minted here if the
// upstream never assigned one.
func (a *actor) onReady(snap *domain.ScoreSnapshot) {
	if a.sess.LeadID == "" {
		a.sess.LeadID = uuid.NewString()
		snap.LeadID = a.sess.LeadID
		a.sess.Latest.LeadID = a.sess.LeadID
	}
	if a.tracker.ready != nil {
		a.tracker.ready.LeadReady(context.Background(), a.copySession())
	}
}

func (a *actor) publishHints(snap *domain.ScoreSnapshot) {
	s := a.sess
	var hints []domain.OptimizationHint
	if snap.Gated {
		hints = append(hints, domain.OptimizationHint{
			SessionID: s.ID, Kind: "disqualify",
			Detail: "renter, stop qualification questions", IssuedAt: s.LastActivityAt,
		})
	}
	if s.State == domain.SessionQualifying && s.MessageCount >= 6 && s.RevenuePotential >= 100 {
		missing := missingSlots(s.Slots)
		if len(missing) > 0 {
			hints = append(hints, domain.OptimizationHint{
				SessionID: s.ID, Kind: "expedite",
				Detail: "high value session, ask for " + strings.Join(missing, ", "), IssuedAt: s.LastActivityAt,
			})
		}
	}
	if s.RevenuePerMinute > 0 && s.RevenuePerMinute < 5 && s.Duration() > 15*time.Minute {
		hints = append(hints, domain.OptimizationHint{
			SessionID: s.ID, Kind: "wrap_up",
			Detail: "low revenue per minute, drive to close", IssuedAt: s.LastActivityAt,
		})
	}
	for _, h := range hints {
		a.tracker.publishHint(h)
	}
}

func missingSlots(slots map[string]domain.SlotValue) []string {
	var missing []string
	for _, name := range requiredSlots {
		if _, ok := scoring.Slot(slots, name); !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

// transition moves to the target state if legal, no-op error otherwise.
func (a *actor) transition(to domain.SessionState) error {
	if a.sess.State == to {
		return nil
	}
	if !domain.CanTransition(a.sess.State, to) {
		return domain.Errorf(domain.CodeInvalidInput, "session.transition",
			"illegal session transition %s -> %s", a.sess.State, to)
	}
	a.sess.State = to
	return nil
}

// forceState handles closure paths that are legal from every live state.
func (a *actor) forceState(to domain.SessionState) {
	if !a.sess.State.Terminal() {
		a.sess.State = to
	}
}

func (a *actor) expireIfIdle(now time.Time) {
	if a.sess.State.Terminal() {
		return
	}
	if now.Sub(a.sess.LastActivityAt) >= a.tracker.idleTTL {
		a.sess.State = domain.SessionExpired
	}
}

// copySession returns a consistent snapshot for readers.
func (a *actor) copySession() *domain.ConversationSession {
	cp := *a.sess
	cp.Slots = make(map[string]domain.SlotValue, len(a.sess.Slots))
	for k, v := range a.sess.Slots {
		cp.Slots[k] = v
	}
	cp.Intents = append([]string(nil), a.sess.Intents...)
	cp.Objections = append([]string(nil), a.sess.Objections...)
	cp.Latest = a.sess.Latest.Clone()
	return &cp
}

// turnEngagement scores one turn's engagement signal for the moving average.
func turnEngagement(meta domain.MessageMeta) float64 {
	score := 50 + meta.Sentiment*25
	if meta.Intent != "" {
		score += 10
	}
	score += 5 * float64(len(meta.ObjectionsHandled))
	if meta.UrgencyCreated {
		score += 10
	}
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

func containsString(xs []string, want string) bool {
	for _, x := range xs {
		if x == want {
			return true
		}
	}
	return false
}
