package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"netmigrate/config"
	"netmigrate/handlers"
	"netmigrate/logging"
	"netmigrate/middleware"
	"netmigrate/services"
	"netmigrate/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := logging.New(false)
		bootLogger.Fatal().Err(err).Msg("Invalid configuration")
	}
	logger := logging.New(cfg.IsDevelopment())
	logger.Info().Msg("Starting network configuration migration service...")

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Service stopped with error")
	}
	logger.Info().Msg("Migration service stopped")
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	// Setup signal handling
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Open ledger
	ledger, err := services.OpenLedger(cfg.LedgerDriver, cfg.LedgerDSN, clock.WallClock, logger)
	if err != nil {
		return err
	}
	defer ledger.Close()
	logger.Info().Str("driver", cfg.LedgerDriver).Msg("Ledger ready")

	workspaces, err := services.NewWorkspaces(cfg.WorkspaceRoot, logger)
	if err != nil {
		return err
	}

	// Register metrics
	metrics := services.NewMetrics()
	registry := prometheus.NewRegistry()
	registry.MustRegister(metrics, collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// Initialize converter
	executor := services.NewExecutor(services.ExecutorConfig{
		Runtime: cfg.ContainerRuntime,
		Image:   cfg.ConverterImage,
		Timeout: cfg.ConverterTimeout,
	}, services.ExecRunner{}, workspaces, logger)

	if cfg.ConverterPullOnStart {
		pullCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
		if err := executor.PullImage(pullCtx); err != nil {
			logger.Warn().Err(err).Str("image", cfg.ConverterImage).Msg("Failed to pull converter image")
		} else {
			logger.Info().Str("image", cfg.ConverterImage).Msg("Converter image is up to date")
		}
		cancel()
	}

	// Setup HTTP server
	app := &handlers.App{
		Submitter:      services.NewMigrator(services.NewClassifier(nil), workspaces, executor, ledger, metrics, logger),
		Retriever:      services.NewRetrieval(ledger, workspaces, metrics, logger),
		Health:         ledger,
		MaxUploadBytes: cfg.MaxUploadBytes,
		Logger:         logging.Component(logger, "http"),

		TrustProxyHeaders: cfg.TrustProxy,
	}

	limit, closeLimiter := newSubmitLimiter(ctx, cfg, logger)
	defer closeLimiter()

	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      handlers.NewRouter(app, limit, promhttp.HandlerFor(registry, promhttp.HandlerOpts{})),
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	// Start reaper and server
	reaper := worker.NewReaper(worker.ReaperConfig{
		TTL:      cfg.JobTTL,
		Interval: cfg.ReaperInterval,
		Clock:    clock.WallClock,
	}, ledger, workspaces, metrics, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		reaper.Run(gctx)
		return nil
	})
	g.Go(func() error {
		logger.Info().Str("addr", cfg.HTTPAddr).Str("workspaces", cfg.WorkspaceRoot).Msg("Service is ready to accept migrations")
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("Shutdown signal received, stopping server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// newSubmitLimiter picks the Redis limiter when REDIS_ADDR is set and an
// in-process one otherwise. A zero limit disables rate limiting.
func newSubmitLimiter(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (func(http.Handler) http.Handler, func()) {
	if cfg.RateLimitPerMinute == 0 {
		return nil, func() {}
	}
	limitLogger := logging.Component(logger, "ratelimit")

	if cfg.RedisAddr == "" {
		return middleware.RateLimit(middleware.NewLocalLimiter(cfg.RateLimitPerMinute, time.Minute), limitLogger), func() {}
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		limitLogger.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("Redis unreachable, limiter will fail open until it recovers")
	} else {
		limitLogger.Info().Str("addr", cfg.RedisAddr).Msg("Connected to Redis successfully")
	}

	limiter := middleware.NewRedisLimiter(client, cfg.RateLimitPerMinute, time.Minute, cfg.RedisPrefix)
	return middleware.RateLimit(limiter, limitLogger), func() { _ = client.Close() }
}
