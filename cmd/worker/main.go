package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/crumbworks/storefront/internal/config"
	"github.com/crumbworks/storefront/internal/lock"
	"github.com/crumbworks/storefront/internal/obs"
	"github.com/crumbworks/storefront/internal/resilience"
	"github.com/crumbworks/storefront/internal/session"
	"github.com/crumbworks/storefront/internal/tasks"
	"github.com/crumbworks/storefront/internal/upstream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logFormat := envOrDefault("OBS_LOG_FORMAT", "json")
	logLevel := envOrDefault("OBS_LOG_LEVEL", "info")
	logger := obs.NewLogger(logFormat, logLevel).With().Str("component", "worker").Logger()

	metricsNamespace := envOrDefault("OBS_METRICS_NAMESPACE", "storefront")
	obs.MustRegisterDomainMetrics(metricsNamespace, nil)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisClient := mustInitRedis(ctx, cfg, logger)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis")
		}
	}()

	upstreamClient, err := upstream.New(upstream.Config{
		BaseURL:     cfg.UpstreamBaseURL,
		APIKey:      cfg.UpstreamAPIKey,
		Timeout:     cfg.UpstreamTimeout,
		RetryBase:   cfg.RetryBase,
		MaxAttempts: cfg.RetryMaxAttempts,
		Jitter:      cfg.RetryJitterPercent,
		Breaker:     resilience.NewBreaker(cfg.CircuitMinRequests, cfg.CircuitFailureRatio, cfg.CircuitOpenFor),
		Logger:      logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise upstream client")
	}

	reconciler := &tasks.Reconciler{
		Gw:      upstreamClient,
		Store:   &session.Store{R: redisClient, TTL: cfg.SessionTTL},
		Locker:  lock.Locker{R: redisClient, RetryBackoff: 0},
		LockTTL: cfg.ReconcileLockTTL,
		Logger:  logger,
	}

	redisConn := asynq.RedisClientOpt{Addr: redisClient.Options().Addr, Password: redisClient.Options().Password, DB: redisClient.Options().DB}

	scheduler := asynq.NewScheduler(redisConn, &asynq.SchedulerOpts{})
	if _, err := scheduler.Register("@every "+cfg.ReconcileInterval.String(), tasks.NewSnapshotReconcileTask()); err != nil {
		logger.Fatal().Err(err).Msg("register reconcile schedule")
	}
	go func() {
		if err := scheduler.Run(); err != nil {
			logger.Error().Err(err).Msg("scheduler stopped")
		}
	}()
	defer scheduler.Shutdown()

	mux := asynq.NewServeMux()
	mux.HandleFunc(tasks.TypeSnapshotReconcile, reconciler.HandleSnapshotReconcile)

	srv := asynq.NewServer(redisConn, asynq.Config{
		Concurrency: 2,
	})

	go func() {
		<-ctx.Done()
		srv.Shutdown()
	}()

	logger.Info().Msg("worker starting")
	if err := srv.Run(mux); err != nil {
		logger.Error().Err(err).Msg("worker stopped with error")
		return
	}
	logger.Info().Msg("worker shutdown complete")
}

func mustInitRedis(ctx context.Context, cfg *config.Config, logger zerolog.Logger) *redis.Client {
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}
	redisClient := redis.NewClient(redisOpts)
	if err := redisotel.InstrumentTracing(redisClient); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("ping redis")
	}
	return redisClient
}

func envOrDefault(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(val)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}
