package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/jwalitptl/clinic-liquidation/internal/config"
	"github.com/jwalitptl/clinic-liquidation/internal/handler/health"
	promHandler "github.com/jwalitptl/clinic-liquidation/internal/handler/prometheus"
	"github.com/jwalitptl/clinic-liquidation/internal/model"
	"github.com/jwalitptl/clinic-liquidation/internal/repository/postgres"
	"github.com/jwalitptl/clinic-liquidation/internal/repository/queue"
	"github.com/jwalitptl/clinic-liquidation/internal/repository/remote"
	"github.com/jwalitptl/clinic-liquidation/pkg/logger"
	"github.com/jwalitptl/clinic-liquidation/pkg/messaging/redis"
	"github.com/jwalitptl/clinic-liquidation/pkg/metrics"
	"github.com/jwalitptl/clinic-liquidation/pkg/worker"
)

// The worker drains the shared Redis pending-deletion queue. Deployments
// without Redis drain an in-memory queue inside the API process instead.
func main() {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	appLogger := logger.NewLogger(&logger.Config{
		Level:      logger.ParseLevel(cfg.Log.Level),
		TimeFormat: time.RFC3339,
		JSON:       cfg.Log.JSON,
	})
	log.Logger = *appLogger.Zerolog()

	if !cfg.Redis.Enabled() {
		log.Fatal().Msg("the pending deletion worker requires redis.url")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	promH := promHandler.New()
	m := metrics.New("liquidation_worker", promH.Registerer())

	client, err := redis.NewClient(ctx, redis.Config{
		URL:          cfg.Redis.URL,
		MaxRetries:   cfg.Redis.MaxRetries,
		RetryBackoff: cfg.Redis.RetryBackoff,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to Redis")
	}
	defer client.Close()

	checks := map[string]health.Check{
		"redis": func(ctx context.Context) error { return client.Ping(ctx).Err() },
	}

	var store worker.RecordDeleter
	switch cfg.Store.Driver {
	case config.DriverPostgres:
		db, err := postgres.NewDB(postgres.Config{
			DSN:             cfg.Database.DSN(),
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer db.Close()
		checks["postgres"] = db.PingContext
		store = postgres.NewRecordStore(postgres.NewBaseRepository(db))
	default:
		store = remote.New(remote.Config{
			BaseURL:          cfg.Upstream.BaseURL,
			Timeout:          cfg.Upstream.Timeout,
			FailureThreshold: cfg.Upstream.FailureThreshold,
			BreakerTimeout:   cfg.Upstream.BreakerTimeout,
		}, m, appLogger)
	}

	processor := worker.NewPendingDeletionProcessor(
		queue.NewRedis(client, cfg.Redis.QueueKey),
		store,
		model.Credentials{Token: cfg.Upstream.Token},
		worker.PendingDeletionConfig{
			BatchSize:       cfg.Worker.BatchSize,
			PollInterval:    cfg.Worker.PollInterval,
			MaxAttempts:     cfg.Worker.MaxAttempts,
			InitialInterval: cfg.Worker.InitialInterval,
			MaxElapsedTime:  cfg.Worker.MaxElapsedTime,
		},
		appLogger.With("component", "pending_deletions"),
		m,
	)

	// Setup health check and metrics endpoints
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	root := engine.Group("")
	health.NewHandler(checks).RegisterRoutes(root)
	promH.RegisterRoutes(root)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Worker.MetricsPort),
		Handler: engine,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("health check server failed")
		}
	}()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Info().Msg("shutting down...")
		cancel()
	}()

	log.Info().Str("store", cfg.Store.Driver).Msg("pending deletion worker started")
	processor.Start(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
}
