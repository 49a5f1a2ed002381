// Package api is the HTTP surface: turn-event ingest, the buyer feedback
// webhook, and the admin read endpoints.
package api

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/sunbeam/leadflow/internal/capacity"
	"github.com/sunbeam/leadflow/internal/config"
	"github.com/sunbeam/leadflow/internal/pkg/logger"
)

// Server hosts the HTTP API.
type Server struct {
	cfg      config.ServerConfig
	handlers *Handlers
	router   *chi.Mux
	server   *http.Server
	log      zerolog.Logger
}

// NewServer wires routes and middleware around the handlers.
func NewServer(cfg config.Config, h *Handlers, ctrl *capacity.Controller, db *sql.DB, redisClient *redis.Client) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Signature"},
		MaxAge:         300,
	}))

	health := newHealthHandler(db, redisClient)
	r.Get("/health", health.liveness)
	r.Get("/ready", health.readiness)

	limit := rateLimiter(ctrl, cfg.RateLimit)
	r.Route("/v1", func(r chi.Router) {
		r.With(limit).Post("/events/turn", h.TurnEvent)
		r.Get("/sessions/{sessionID}", h.SessionSnapshot)

		// Webhook auth is the HMAC signature, not the client quota.
		r.Post("/feedback/{platformCode}", h.FeedbackWebhook)

		r.Route("/admin", func(r chi.Router) {
			r.Get("/platforms", h.ListPlatforms)
			r.Post("/platforms/{code}/accepting", h.SetPlatformAccepting)
			r.Get("/decisions", h.ListDecisions)
			r.Post("/reconcile", h.RunReconciliation)
		})
	})

	return &Server{
		cfg:      cfg.Server,
		handlers: h,
		router:   r,
		log:      logger.Component("api"),
	}
}

// ListenAndServe starts the HTTP server and blocks until it stops.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.GetHost(), s.cfg.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	s.log.Info().Str("addr", addr).Msg("api listening")
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }
