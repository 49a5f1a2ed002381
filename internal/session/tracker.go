// Package session is the conversation revenue tracker. Each live session is
// owned by a single-writer actor; the tracker routes events to actors,
// reaps idle sessions, and publishes optimization hints.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sunbeam/leadflow/internal/config"
	"github.com/sunbeam/leadflow/internal/domain"
	"github.com/sunbeam/leadflow/internal/pkg/logger"
	"github.com/sunbeam/leadflow/internal/pricing"
	"github.com/sunbeam/leadflow/internal/scoring"
)

// ReadySink receives sessions that just crossed into Ready. The routing
// pipeline implements this; the call runs on the actor goroutine and must
// hand off quickly.
type ReadySink interface {
	LeadReady(ctx context.Context, sess *domain.ConversationSession)
}

// Tracker owns the actor table.
type Tracker struct {
	engine *scoring.Engine
	pricer *pricing.Pricer
	ready  ReadySink

	idleTTL     time.Duration
	mailboxSize int
	now         func() time.Time

	mu     sync.RWMutex
	actors map[string]*actor

	hints chan domain.OptimizationHint
	log   zerolog.Logger
}

// NewTracker wires the tracker. ready may be nil for read-only deployments.
func NewTracker(cfg config.SessionConfig, engine *scoring.Engine, pricer *pricing.Pricer, ready ReadySink) *Tracker {
	idle := cfg.IdleTTL()
	if idle <= 0 {
		idle = 30 * time.Minute
	}
	mailbox := cfg.MailboxSize
	if mailbox <= 0 {
		mailbox = 64
	}
	return &Tracker{
		engine:      engine,
		pricer:      pricer,
		ready:       ready,
		idleTTL:     idle,
		mailboxSize: mailbox,
		now:         func() time.Time { return time.Now().UTC() },
		actors:      make(map[string]*actor),
		hints:       make(chan domain.OptimizationHint, 256),
		log:         logger.Component("session"),
	}
}

// Apply folds one turn event into its session, creating the session on
// first sight. Returns the fresh score snapshot.
func (t *Tracker) Apply(ctx context.Context, ev *domain.TurnEvent) (*domain.ScoreSnapshot, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	a := t.actorFor(ev)
	done := make(chan result, 1)
	select {
	case a.mailbox <- command{turn: ev, done: done}:
	case <-a.stopped:
		return nil, domain.Errorf(domain.CodeInvalidInput, "session.apply", "session %s already ended", ev.SessionID)
	case <-ctx.Done():
		return nil, domain.E(domain.CodeDependency, "session.apply", ctx.Err())
	}
	select {
	case res := <-done:
		return res.snap, res.err
	case <-a.stopped:
		// The actor may have answered just before retiring.
		select {
		case res := <-done:
			return res.snap, res.err
		default:
			return nil, domain.Errorf(domain.CodeInvalidInput, "session.apply", "session %s already ended", ev.SessionID)
		}
	case <-ctx.Done():
		return nil, domain.E(domain.CodeDependency, "session.apply", ctx.Err())
	}
}

// Snapshot returns a consistent copy of one session's state.
func (t *Tracker) Snapshot(ctx context.Context, sessionID string) (*domain.ConversationSession, bool) {
	t.mu.RLock()
	a, ok := t.actors[sessionID]
	t.mu.RUnlock()
	if !ok {
		return nil, false
	}
	done := make(chan result, 1)
	select {
	case a.mailbox <- command{snapshot: true, done: done}:
	case <-a.stopped:
		return nil, false
	case <-ctx.Done():
		return nil, false
	}
	select {
	case res := <-done:
		return res.sess, true
	case <-a.stopped:
		select {
		case res := <-done:
			return res.sess, true
		default:
			return nil, false
		}
	case <-ctx.Done():
		return nil, false
	}
}

// MarkDispatched records that routing decided for the session's lead.
func (t *Tracker) MarkDispatched(ctx context.Context, sessionID string) error {
	t.mu.RLock()
	a, ok := t.actors[sessionID]
	t.mu.RUnlock()
	if !ok {
		return domain.Errorf(domain.CodeInvalidInput, "session.dispatch", "unknown session %s", sessionID)
	}
	done := make(chan result, 1)
	select {
	case a.mailbox <- command{dispatch: true, done: done}:
	case <-a.stopped:
		return nil
	case <-ctx.Done():
		return domain.E(domain.CodeDependency, "session.dispatch", ctx.Err())
	}
	select {
	case res := <-done:
		return res.err
	case <-a.stopped:
		select {
		case res := <-done:
			return res.err
		default:
			return nil
		}
	case <-ctx.Done():
		return domain.E(domain.CodeDependency, "session.dispatch", ctx.Err())
	}
}

// Hints exposes the optimization hint stream.
func (t *Tracker) Hints() <-chan domain.OptimizationHint {
	return t.hints
}

// ActiveCount reports how many sessions currently have live actors.
func (t *Tracker) ActiveCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.actors)
}

// Run drives the idle reaper until ctx ends.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.reap(t.now())
		}
	}
}

// reap sends an expiry probe to every actor. Expired actors retire
// themselves after handling the probe.
func (t *Tracker) reap(now time.Time) {
	t.mu.RLock()
	actors := make([]*actor, 0, len(t.actors))
	for _, a := range t.actors {
		actors = append(actors, a)
	}
	t.mu.RUnlock()

	for _, a := range actors {
		select {
		case a.mailbox <- command{expire: &now}:
		case <-a.stopped:
		default:
			// Mailbox full means the session is anything but idle.
		}
	}
}

func (t *Tracker) actorFor(ev *domain.TurnEvent) *actor {
	t.mu.RLock()
	a, ok := t.actors[ev.SessionID]
	t.mu.RUnlock()
	if ok {
		return a
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if a, ok := t.actors[ev.SessionID]; ok {
		return a
	}
	started := ev.Timestamp
	if started.IsZero() {
		started = t.now()
	}
	a = newActor(t, ev.SessionID, ev.LeadID, started)
	t.actors[ev.SessionID] = a
	t.log.Debug().Str("session_id", ev.SessionID).Msg("session started")
	return a
}

// retire drops a terminal actor from the table. Called from the actor's own
// goroutine after its final command.
func (t *Tracker) retire(sessionID string) {
	t.mu.Lock()
	delete(t.actors, sessionID)
	t.mu.Unlock()
	t.log.Debug().Str("session_id", sessionID).Msg("session retired")
}

func (t *Tracker) publishHint(h domain.OptimizationHint) {
	select {
	case t.hints <- h:
	default:
		t.log.Warn().Str("session_id", h.SessionID).Str("kind", h.Kind).Msg("hint channel full, dropping hint")
	}
}
