package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/t84393252-create/ad-campaign-budget-pacer-244/internal/breaker"
	"github.com/t84393252-create/ad-campaign-budget-pacer-244/internal/clock"
	"github.com/t84393252-create/ad-campaign-budget-pacer-244/internal/config"
	"github.com/t84393252-create/ad-campaign-budget-pacer-244/internal/database"
	"github.com/t84393252-create/ad-campaign-budget-pacer-244/internal/engine"
	"github.com/t84393252-create/ad-campaign-budget-pacer-244/internal/httpserver"
	"github.com/t84393252-create/ad-campaign-budget-pacer-244/internal/ledger"
	"github.com/t84393252-create/ad-campaign-budget-pacer-244/internal/metrics"
	"github.com/t84393252-create/ad-campaign-budget-pacer-244/internal/middleware"
	"github.com/t84393252-create/ad-campaign-budget-pacer-244/internal/persistence"
	"github.com/t84393252-create/ad-campaign-budget-pacer-244/internal/policy"
	"github.com/t84393252-create/ad-campaign-budget-pacer-244/internal/registry"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Can't use logger yet, fall back to standard log (exit code 1)
		log.Fatalf("failed to load config: %v", err)
	}

	// Initialize logger
	logger, err := middleware.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer logger.Sync()

	logger.Info("starting budget pacer",
		zap.String("env", cfg.Server.Env),
		zap.String("addr", cfg.Server.Addr),
		zap.Int("shard_count", cfg.Pacing.ShardCount),
		zap.String("timezone", cfg.Pacing.Timezone),
	)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize PostgreSQL (archival sink; a nil pool degrades the
	// Persistence Bridge's archival to a no-op rather than failing startup)
	db, err := database.NewPostgresDB(ctx, cfg.Database, logger)
	if err != nil {
		logger.Warn("failed to connect to PostgreSQL, archival disabled", zap.Error(err))
		db = nil
	} else {
		defer db.Close()
	}

	// Initialize Redis (persistence mirror + pub/sub)
	redisDB, err := database.NewRedisDB(ctx, cfg.Redis, logger)
	if err != nil {
		logger.Warn("failed to connect to Redis, persistence mirror disabled", zap.Error(err))
		redisDB = nil
	} else {
		defer redisDB.Close()
	}

	met := metrics.NewMetrics("pacer")

	// Clock
	clk, err := clock.New(cfg.Pacing.Timezone)
	if err != nil {
		logger.Fatal("invalid timezone", zap.Error(err))
	}

	// Campaign Registry backed by the external catalog collaborator
	catalog := registry.NewHTTPCatalog(cfg.Catalog.BaseURL, &http.Client{Timeout: cfg.Catalog.FetchDeadline * 2})
	reg := registry.New(catalog, registry.Config{
		NegativeTTL:   cfg.Catalog.NegativeTTL,
		FetchDeadline: cfg.Catalog.FetchDeadline,
	}, met)

	// Spend Ledger
	ldg := ledger.New(ledger.Config{
		ShardCount:    cfg.Pacing.ShardCount,
		RetentionDays: cfg.Pacing.RetentionDays,
		QueueCapacity: cfg.Persistence.QueueCapacity,
		AdaptiveAlpha: cfg.Pacing.AdaptiveAlpha,
		Breaker: breaker.Config{
			OpenFraction:          cfg.Pacing.OpenFraction,
			Cooldown:              time.Duration(cfg.Pacing.CooldownSeconds) * time.Second,
			HalfOpenProbeFraction: cfg.Pacing.HalfOpenProbe,
		},
	}, clk, nil)

	// Decision Engine
	eng := engine.New(reg, ldg, clk, engine.Config{
		Policy: policy.Config{
			OvershootCap:  cfg.Pacing.OvershootCap,
			AdaptiveAlpha: cfg.Pacing.AdaptiveAlpha,
		},
		DecisionDeadline: time.Duration(cfg.Pacing.DecisionDeadlineMs) * time.Millisecond,
	})

	// Persistence Bridge: a nil Redis/Postgres client degrades it to a
	// no-op mirror/archival rather than failing startup.
	var redisClient *redis.Client
	if redisDB != nil {
		redisClient = redisDB.Client
	}
	var pgPool *pgxpool.Pool
	if db != nil {
		pgPool = db.Pool
	}
	bridge := persistence.New(redisClient, pgPool, ldg, logger, persistence.Config{
		FlushWindow:    time.Duration(cfg.Persistence.FlushWindowMs) * time.Millisecond,
		BackoffBase:    time.Duration(cfg.Persistence.BackoffBaseMs) * time.Millisecond,
		BackoffCap:     time.Duration(cfg.Persistence.BackoffCapMs) * time.Millisecond,
		DegradedAfterN: cfg.Persistence.DegradedAfterN,
	}, met)

	// Seed the Registry from the catalog's active listing and rehydrate
	// today's ledger cells from the mirror before serving any decision,
	// so a cold start or restart doesn't under-throttle on stale zeros.
	bootstrapCtx, bootstrapCancel := context.WithTimeout(ctx, cfg.Catalog.FetchDeadline*10)
	activeSpecs, err := catalog.ListActive(bootstrapCtx)
	bootstrapCancel()
	if err != nil {
		logger.Warn("failed to list active campaigns, starting with a cold registry", zap.Error(err))
	} else {
		ids := reg.Bootstrap(activeSpecs)
		today := clk.LocalDate(clk.Now())
		rehydrateCtx, rehydrateCancel := context.WithTimeout(ctx, cfg.Catalog.FetchDeadline*10)
		if err := bridge.Rehydrate(rehydrateCtx, ids, today); err != nil {
			logger.Warn("ledger rehydration incomplete", zap.Error(err))
		}
		rehydrateCancel()
		logger.Info("registry and ledger bootstrapped", zap.Int("campaign_count", len(ids)))
	}

	bridgeDone := make(chan struct{})
	go func() {
		bridge.Run(ctx)
		close(bridgeDone)
	}()

	// Build dependencies
	deps := &httpserver.Dependencies{
		DB:      db,
		Redis:   redisDB,
		Config:  cfg,
		Logger:  logger,
		Metrics: met,
		Engine:  eng,
	}

	// Create HTTP server with all middlewares
	handler := httpserver.NewServer(deps)

	// Apply middleware chain (order matters: outermost first)
	// Recovery -> Logging -> RateLimit -> Auth -> Handler
	recoveryMW := middleware.NewRecoveryMiddleware(logger)
	loggingMW := middleware.NewLoggingMiddleware(logger)
	rateLimitMW := middleware.NewRateLimitMiddleware(cfg.RateLimit, logger, met)
	authMW := middleware.NewAuthMiddleware(cfg.Auth, logger)

	finalHandler := recoveryMW.Handler(
		loggingMW.Handler(
			rateLimitMW.Handler(
				authMW.Handler(handler),
			),
		),
	)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           finalHandler,
		ReadHeaderTimeout: 2 * time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	// Start server in goroutine
	go func() {
		logger.Info("HTTP server starting", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Start rate limiter cleanup goroutine
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rateLimitMW.CleanupIPLimiters()
			case <-ctx.Done():
				return
			}
		}
	}()

	// Start DB pool stats sampler
	if db != nil {
		go func() {
			ticker := time.NewTicker(15 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					stat := db.Stats()
					met.UpdateDBStats(int(stat.IdleConns()), int(stat.AcquiredConns()), int(stat.TotalConns()))
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Attempt graceful shutdown
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	// Cancel main context to stop the Persistence Bridge and other
	// background goroutines; Run drains in-flight flushes before it
	// returns, and main waits for it before the pools are closed.
	cancel()
	<-bridgeDone

	logger.Info("server stopped")
}
