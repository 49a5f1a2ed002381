package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/sunbeam/leadflow/internal/dispatch"
	"github.com/sunbeam/leadflow/internal/domain"
	"github.com/sunbeam/leadflow/internal/pkg/httputil"
	"github.com/sunbeam/leadflow/internal/pkg/logger"
	"github.com/sunbeam/leadflow/internal/routing"
)

// TurnSink folds conversation turns. *session.Tracker satisfies it.
type TurnSink interface {
	Apply(ctx context.Context, ev *domain.TurnEvent) (*domain.ScoreSnapshot, error)
	Snapshot(ctx context.Context, sessionID string) (*domain.ConversationSession, bool)
	ActiveCount() int
}

// FeedbackIngester accepts buyer feedback. *feedback.Service satisfies it.
type FeedbackIngester interface {
	Ingest(ctx context.Context, fb *domain.BuyerFeedback) error
}

// DecisionReader serves the routing audit trail.
type DecisionReader interface {
	Recent(ctx context.Context, limit int) ([]*domain.RoutingDecision, error)
}

// WindowReconciler runs one on-demand reconciliation window.
type WindowReconciler interface {
	ReconcileWindow(ctx context.Context, platformCode string, start, end time.Time) (*domain.ReconciliationRecord, error)
}

// Handlers implements the endpoint logic.
type Handlers struct {
	tracker    TurnSink
	feedback   FeedbackIngester
	registry   *routing.Registry
	decisions  DecisionReader
	reconciler WindowReconciler

	webhookSecret string
	log           zerolog.Logger
}

// NewHandlers wires the endpoint dependencies. webhookSecret is the fallback
// for platforms without their own shared secret.
func NewHandlers(tracker TurnSink, fb FeedbackIngester, registry *routing.Registry,
	decisions DecisionReader, reconciler WindowReconciler, webhookSecret string) *Handlers {
	return &Handlers{
		tracker:       tracker,
		feedback:      fb,
		registry:      registry,
		decisions:     decisions,
		reconciler:    reconciler,
		webhookSecret: webhookSecret,
		log:           logger.Component("api"),
	}
}

// TurnEvent ingests one conversation turn and returns the fresh snapshot.
func (h *Handlers) TurnEvent(w http.ResponseWriter, r *http.Request) {
	var ev domain.TurnEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		httputil.FromError(w, domain.Errorf(domain.CodeInvalidInput, "api.turn", "malformed body: %v", err))
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	snap, err := h.tracker.Apply(r.Context(), &ev)
	if err != nil {
		httputil.FromError(w, err)
		return
	}
	httputil.OK(w, snap)
}

// SessionSnapshot returns one live session's state.
func (h *Handlers) SessionSnapshot(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	sess, ok := h.tracker.Snapshot(r.Context(), id)
	if !ok {
		httputil.NotFound(w, "session not found")
		return
	}
	httputil.OK(w, sess)
}

// FeedbackWebhook receives buyer callbacks. The raw body is verified against
// the platform's shared secret before it is parsed.
func (h *Handlers) FeedbackWebhook(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "platformCode")
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		httputil.FromError(w, domain.Errorf(domain.CodeInvalidInput, "api.feedback", "body read: %v", err))
		return
	}

	secret := h.webhookSecret
	if p, ok := h.registry.Get(code); ok && p.SharedSecret != "" {
		secret = p.SharedSecret
	}
	if secret == "" || !dispatch.VerifySignature(body, secret, r.Header.Get("X-Signature")) {
		h.log.Warn().Str("platform", code).Msg("feedback webhook signature rejected")
		httputil.Error(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	var fb domain.BuyerFeedback
	if err := json.Unmarshal(body, &fb); err != nil {
		httputil.FromError(w, domain.Errorf(domain.CodeInvalidInput, "api.feedback", "malformed body: %v", err))
		return
	}
	fb.PlatformCode = code
	if fb.ReceivedAt.IsZero() {
		fb.ReceivedAt = time.Now().UTC()
	}
	if err := h.feedback.Ingest(r.Context(), &fb); err != nil {
		httputil.FromError(w, err)
		return
	}
	httputil.Accepted(w, map[string]string{"status": "accepted"})
}

// ListPlatforms returns the registry's view of every buyer.
func (h *Handlers) ListPlatforms(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, h.registry.All())
}

// SetPlatformAccepting pauses or resumes a buyer.
func (h *Handlers) SetPlatformAccepting(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	if _, ok := h.registry.Get(code); !ok {
		httputil.NotFound(w, "unknown platform")
		return
	}
	var req struct {
		Accepting bool `json:"accepting"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.FromError(w, domain.Errorf(domain.CodeInvalidInput, "api.platform", "malformed body: %v", err))
		return
	}
	h.registry.SetAccepting(code, req.Accepting)
	h.log.Info().Str("platform", code).Bool("accepting", req.Accepting).Msg("platform accepting flag changed")
	httputil.OK(w, map[string]interface{}{"code": code, "accepting": req.Accepting})
}

// ListDecisions returns the recent routing decisions, newest first.
func (h *Handlers) ListDecisions(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	decisions, err := h.decisions.Recent(r.Context(), limit)
	if err != nil {
		httputil.FromError(w, err)
		return
	}
	httputil.OK(w, decisions)
}

// RunReconciliation reconciles one platform over one UTC day on demand.
func (h *Handlers) RunReconciliation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PlatformCode string `json:"platform_code"`
		Date         string `json:"date"` // yyyy-mm-dd, UTC day
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.FromError(w, domain.Errorf(domain.CodeInvalidInput, "api.reconcile", "malformed body: %v", err))
		return
	}
	day, err := time.Parse("2006-01-02", req.Date)
	if err != nil {
		httputil.FromError(w, domain.Errorf(domain.CodeInvalidInput, "api.reconcile", "date %q not yyyy-mm-dd", req.Date))
		return
	}
	if req.PlatformCode == "" {
		httputil.FromError(w, domain.Errorf(domain.CodeInvalidInput, "api.reconcile", "platform_code required"))
		return
	}
	rec, err := h.reconciler.ReconcileWindow(r.Context(), req.PlatformCode, day, day.Add(24*time.Hour))
	if err != nil {
		httputil.FromError(w, err)
		return
	}
	httputil.OK(w, rec)
}
