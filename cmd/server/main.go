// The server binary hosts turn-event ingest, the feedback webhook, and the
// admin API. Dispatch workers run in cmd/worker.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/redis/go-redis/v9"

	"github.com/sunbeam/leadflow/internal/api"
	"github.com/sunbeam/leadflow/internal/capacity"
	"github.com/sunbeam/leadflow/internal/config"
	"github.com/sunbeam/leadflow/internal/dispatch"
	"github.com/sunbeam/leadflow/internal/domain"
	"github.com/sunbeam/leadflow/internal/feedback"
	"github.com/sunbeam/leadflow/internal/ledger"
	"github.com/sunbeam/leadflow/internal/pipeline"
	"github.com/sunbeam/leadflow/internal/pkg/logger"
	"github.com/sunbeam/leadflow/internal/pricing"
	"github.com/sunbeam/leadflow/internal/repository/postgres"
	"github.com/sunbeam/leadflow/internal/routing"
	"github.com/sunbeam/leadflow/internal/scoring"
	"github.com/sunbeam/leadflow/internal/session"
)

const (
	exitOK         = 0
	exitConfig     = 64 // invalid configuration
	exitDependency = 69 // required dependency unavailable at boot
	exitInternal   = 70
	exitTempFail   = 75 // graceful drain ran out of time
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}
	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return exitConfig
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config invalid: %v\n", err)
		return exitConfig
	}

	logger.Init(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
	log := logger.Component("server")

	db, err := openPostgres(cfg.Database)
	if err != nil {
		log.Error().Err(err).Msg("postgres unavailable")
		return exitDependency
	}
	defer db.Close()

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.Error().Err(err).Msg("redis url invalid")
		return exitConfig
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	err = rdb.Ping(pingCtx).Err()
	cancelPing()
	if err != nil {
		log.Error().Err(err).Msg("redis unavailable")
		return exitDependency
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Sync configured platforms into Postgres, then seed the registry from
	// the database so learned metrics survive restarts.
	platformRepo := postgres.NewPlatformRepo(db)
	now := time.Now().UTC()
	for _, p := range cfg.BuildPlatforms(now) {
		if err := platformRepo.Upsert(ctx, p); err != nil {
			log.Error().Err(err).Str("platform", p.Code).Msg("platform sync failed")
			return exitDependency
		}
	}
	platforms, err := platformRepo.LoadAll(ctx)
	if err != nil {
		log.Error().Err(err).Msg("platform load failed")
		return exitDependency
	}
	registry := routing.NewRegistry(platforms)

	ctrl := capacity.New(rdb)
	surge := capacity.NewSurgeTracker(ctrl, registry, cfg.Pricing.SurgeCap)

	engine, err := scoring.New(cfg.Scoring, scoring.DefaultNYCSource())
	if err != nil {
		log.Error().Err(err).Msg("scoring engine rejected configuration")
		return exitConfig
	}
	pricer := pricing.New(cfg.Pricing, registry, surge)

	rules := make([]domain.RoutingRule, 0, len(cfg.Rules))
	for _, r := range cfg.BuildRules() {
		rules = append(rules, *r)
	}
	router := routing.NewRouter(registry, rules, ctrl, pricer, engine, rdb, db)

	leadRepo := postgres.NewLeadRepo(db)
	decisionRepo := postgres.NewDecisionRepo(db)
	queue := dispatch.NewQueue(db, cfg.Dispatch.QueueMaxDepth)
	ledgerStore := ledger.NewStore(db)

	pipe := pipeline.New(router, registry, engine, queue, leadRepo, decisionRepo, nil, cfg.Routing)
	tracker := session.NewTracker(cfg.Session, engine, pricer, pipe)
	pipe.BindSessions(tracker)
	feedbackSvc := feedback.NewService(db, ledgerStore, registry, leadRepo)

	reports := buyerReportSource(cfg.Snowflake, log)
	reconciler := ledger.NewReconciler(ledgerStore, reports, nil, platformRepo, cfg.Reconciliation)

	handlers := api.NewHandlers(tracker, feedbackSvc, registry, decisionRepo, reconciler, cfg.Feedback.WebhookSecret)
	server := api.NewServer(*cfg, handlers, ctrl, db, rdb)

	go tracker.Run(ctx)
	go pipe.Run(ctx)
	go drainHints(ctx, tracker, log)

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("http server stopped")
		return exitInternal
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown incomplete")
		return exitTempFail
	}
	log.Info().Msg("server stopped")
	return exitOK
}

func openPostgres(cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifeMins) * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// buyerReportSource prefers the warehouse; with Snowflake disabled the
// admin reconcile endpoint reports the dependency as unavailable.
func buyerReportSource(cfg config.SnowflakeConfig, log zerolog.Logger) ledger.BuyerReportSource {
	if !cfg.Enabled {
		return unavailableReports{}
	}
	src, err := ledger.OpenSnowflakeReports(cfg.DSN())
	if err != nil {
		log.Warn().Err(err).Msg("snowflake unavailable, reconciliation reports disabled")
		return unavailableReports{}
	}
	return src
}

type unavailableReports struct{}

func (unavailableReports) ReportedTotal(context.Context, string, time.Time, time.Time) (float64, error) {
	return 0, fmt.Errorf("buyer report source not configured")
}

func drainHints(ctx context.Context, tracker *session.Tracker, log zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case hint := <-tracker.Hints():
			log.Info().
				Str("session_id", hint.SessionID).
				Str("kind", hint.Kind).
				Str("detail", hint.Detail).
				Msg("optimization hint")
		}
	}
}
