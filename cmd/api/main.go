package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/jwalitptl/clinic-liquidation/internal/config"
	"github.com/jwalitptl/clinic-liquidation/internal/handler/health"
	liquidationHandler "github.com/jwalitptl/clinic-liquidation/internal/handler/liquidation"
	promHandler "github.com/jwalitptl/clinic-liquidation/internal/handler/prometheus"
	"github.com/jwalitptl/clinic-liquidation/internal/liquidation"
	"github.com/jwalitptl/clinic-liquidation/internal/middleware"
	"github.com/jwalitptl/clinic-liquidation/internal/model"
	"github.com/jwalitptl/clinic-liquidation/internal/repository"
	"github.com/jwalitptl/clinic-liquidation/internal/repository/postgres"
	"github.com/jwalitptl/clinic-liquidation/internal/repository/queue"
	"github.com/jwalitptl/clinic-liquidation/internal/repository/remote"
	"github.com/jwalitptl/clinic-liquidation/internal/router"
	liquidationService "github.com/jwalitptl/clinic-liquidation/internal/service/liquidation"
	"github.com/jwalitptl/clinic-liquidation/pkg/logger"
	"github.com/jwalitptl/clinic-liquidation/pkg/messaging"
	"github.com/jwalitptl/clinic-liquidation/pkg/messaging/redis"
	"github.com/jwalitptl/clinic-liquidation/pkg/metrics"
	"github.com/jwalitptl/clinic-liquidation/pkg/worker"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	appLogger := logger.NewLogger(&logger.Config{
		Level:      logger.ParseLevel(cfg.Log.Level),
		TimeFormat: time.RFC3339,
		JSON:       cfg.Log.JSON,
	})
	log.Logger = *appLogger.Zerolog()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	promH := promHandler.New()
	m := metrics.New("liquidation", promH.Registerer())
	checks := map[string]health.Check{}

	// Initialize record store
	var store repository.RecordStore
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

		if cfg.Database.EnsureSchema {
			if err := postgres.EnsureSchema(ctx, db); err != nil {
				log.Fatal().Err(err).Msg("failed to apply schema")
			}
		}
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

	// Redis is optional: without it deletions queue in memory and events are dropped
	var (
		pending   repository.PendingDeletionQueue
		publisher messaging.Publisher = messaging.NopPublisher{}
	)
	if cfg.Redis.Enabled() {
		client, err := redis.NewClient(ctx, redisConfig(cfg.Redis))
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to Redis")
		}

		// Closing the broker closes the client.
		broker := redis.NewRedisBroker(client, appLogger.Zerolog())
		defer broker.Close()

		pending = queue.NewRedis(client, cfg.Redis.QueueKey)
		publisher = messaging.NewBrokerPublisher(broker, cfg.Redis.EventsChannel)
		checks["redis"] = func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}
	} else {
		pending = queue.NewMemory()
		// No shared queue for the worker binary, so drain it in-process.
		processor := worker.NewPendingDeletionProcessor(
			pending,
			store,
			model.Credentials{Token: cfg.Upstream.Token},
			workerConfig(cfg.Worker),
			appLogger.With("component", "pending_deletions"),
			m,
		)
		go processor.Start(ctx)
	}

	rule, _ := liquidation.ParseCompletionRule(cfg.Liquidation.CompletionRule)
	svc := liquidationService.NewService(store, liquidationService.Config{
		CompletionRule: rule,
		OwnRuleID:      cfg.Liquidation.OwnRuleID,
		SnapshotTTL:    cfg.Liquidation.SnapshotTTL,
		SessionTTL:     cfg.Liquidation.SessionTTL,
		SettledTTL:     cfg.Liquidation.SettledTTL,
	}, m, appLogger,
		liquidationService.WithPendingQueue(pending),
		liquidationService.WithPublisher(publisher),
	)

	// Setup router
	corsConfig := middleware.DefaultCORSConfig()
	corsConfig.AllowOrigins = cfg.CORS.AllowedOrigins

	routerConfig := router.RouterConfig{
		CORSConfig:         corsConfig,
		RequireCredentials: cfg.Server.RequireToken,
		Mode:               cfg.Server.Mode,
	}
	if cfg.RateLimit.Enabled {
		routerConfig.RateLimit = rate.Limit(cfg.RateLimit.RequestsPerSecond)
		routerConfig.RateBurst = cfg.RateLimit.Burst
	}

	r := router.NewRouter(
		liquidationHandler.NewHandler(svc),
		health.NewHandler(checks),
		promH,
		m,
		appLogger,
		routerConfig,
	)
	r.Setup()

	// Create server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r.Engine(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server
	go func() {
		log.Info().Int("port", cfg.Server.Port).Str("store", cfg.Store.Driver).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server exited properly")
}

func redisConfig(c config.RedisConfig) redis.Config {
	return redis.Config{
		URL:          c.URL,
		MaxRetries:   c.MaxRetries,
		RetryBackoff: c.RetryBackoff,
		PoolSize:     c.PoolSize,
		MinIdleConns: c.MinIdleConns,
	}
}

func workerConfig(c config.WorkerConfig) worker.PendingDeletionConfig {
	return worker.PendingDeletionConfig{
		BatchSize:       c.BatchSize,
		PollInterval:    c.PollInterval,
		MaxAttempts:     c.MaxAttempts,
		InitialInterval: c.InitialInterval,
		MaxElapsedTime:  c.MaxElapsedTime,
	}
}
