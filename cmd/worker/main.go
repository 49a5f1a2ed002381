// The worker binary runs the dispatch pool, queue backpressure, ledger
// aging, nightly reconciliation, and the scoring calibrator.
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
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/sunbeam/leadflow/internal/archive"
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
)

const (
	exitOK         = 0
	exitConfig     = 64
	exitDependency = 69
	exitInternal   = 70
	exitTempFail   = 75
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
	log := logger.Component("worker.main")

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

	platformRepo := postgres.NewPlatformRepo(db)
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

	// No session tracker runs here; failed jobs still reroute.
	pipe := pipeline.New(router, registry, engine, queue, leadRepo, decisionRepo, nil, cfg.Routing)

	transports := []dispatch.Transport{
		dispatch.NewJSONAPITransport(cfg.Dispatch.Timeout()),
		dispatch.NewWebhookTransport(cfg.Dispatch.Timeout()),
	}
	if cfg.Dispatch.FromEmail != "" {
		emailTransport, err := dispatch.NewSESTransport(ctx, cfg.Dispatch.SESRegion, cfg.Dispatch.FromEmail)
		if err != nil {
			log.Warn().Err(err).Msg("ses unavailable, csv-email platforms will fail until restart")
		} else {
			transports = append(transports, emailTransport)
		}
	}

	pool := dispatch.NewPool(queue, transports, registry, ctrl, ledgerStore, leadRepo, pipe,
		cfg.Dispatch, cfg.Ledger.PaymentTermsDays)
	backpressure := dispatch.NewBackpressure(queue, cfg.Dispatch.QueueMaxDepth, 0, 0)

	store, err := archive.New(ctx, cfg.Archive)
	if err != nil {
		log.Error().Err(err).Msg("archive unavailable")
		return exitDependency
	}

	reports, closeReports, err := buyerReportSource(cfg.Snowflake)
	if err != nil {
		log.Warn().Err(err).Msg("snowflake unavailable, nightly reconciliation disabled")
	}
	if closeReports != nil {
		defer closeReports()
	}

	feedbackSvc := feedback.NewService(db, ledgerStore, registry, leadRepo)
	calibrator := scoring.NewCalibrator(engine, cfg.Feedback, feedbackSvc, store)
	sweeper := ledger.NewAgingSweeper(ledgerStore, cfg.Ledger)

	go pipe.Run(ctx)
	go pool.Run(ctx)
	go backpressure.Run(ctx)
	go sweeper.Run(ctx)
	go calibrator.Run(ctx)
	go drainFailures(ctx, pool, log)
	if reports != nil {
		reconciler := ledger.NewReconciler(ledgerStore, reports, store, platformRepo, cfg.Reconciliation)
		go reconciler.Run(ctx)
	}

	log.Info().Int("workers", cfg.Dispatch.NumWorkers).Msg("dispatch worker running")
	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := pool.Shutdown(shutdownCtx); err != nil {
		// In-flight jobs stay claimed; a restart resumes them.
		log.Error().Err(err).Msg("pool shutdown incomplete")
		return exitTempFail
	}
	log.Info().Msg("worker stopped")
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

func buyerReportSource(cfg config.SnowflakeConfig) (ledger.BuyerReportSource, func() error, error) {
	if !cfg.Enabled {
		return nil, nil, nil
	}
	src, err := ledger.OpenSnowflakeReports(cfg.DSN())
	if err != nil {
		return nil, nil, err
	}
	return src, src.Close, nil
}

func drainFailures(ctx context.Context, pool *dispatch.Pool, log zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-pool.Events():
			log.Warn().
				Str("job_id", ev.JobID).
				Str("lead_id", ev.LeadID).
				Str("platform", ev.PlatformCode).
				Str("code", string(ev.Code)).
				Int("attempts", ev.Attempts).
				Msg("dispatch permanently failed")
		}
	}
}
