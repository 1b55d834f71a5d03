// Package main is the entrypoint for the TrailPulse background worker.
//
// The worker is a long-lived process that:
//  1. Loads configuration and builds the structured logger.
//  2. Connects the PostgreSQL pool and the Redis-backed Job Store; both
//     connections are shared and reused across all job executions.
//  3. Registers the repeatable jobs (weather sync on an interval, digest
//     daily at a fixed local hour) under fixed ids, so restarts never
//     duplicate schedules.
//  4. Runs one consumer loop per queue until SIGINT/SIGTERM.
//
// On a termination signal the runtime stops claiming new jobs, lets the
// in-flight job finish (bounded by the execution timeout), then the Job
// Store connection and the database pool are released before exit.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"trailpulse/internal/config"
	"trailpulse/internal/db"
	"trailpulse/internal/jobstore"
	"trailpulse/internal/scheduler"
	"trailpulse/internal/types"
	"trailpulse/internal/weather"
	"trailpulse/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("trailpulse worker starting",
		"environment", cfg.Environment,
		"weather_sync_every_hours", cfg.Jobs.WeatherSyncEveryHours,
		"digest_hour_local", cfg.Jobs.DigestHourLocal,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database pool, shared across all handlers for the process lifetime.
	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("parsing database config: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.Database.MaxConns)
	poolCfg.MinConns = int32(cfg.Database.MinConns)
	poolCfg.MaxConnLifetime = cfg.Database.MaxConnLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("creating database pool: %w", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("pinging database: %w", err)
	}

	// Job Store connection, likewise long-lived and shared.
	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("parsing redis url: %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("pinging redis: %w", err)
	}

	store := jobstore.NewStore(rdb, logger)
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("closing job store", "error", err)
		}
	}()

	// Repositories.
	trailRepo := db.NewTrailRepository(pool)
	userRepo := db.NewUserRepository(pool)
	snapshotRepo := db.NewSnapshotRepository(pool)
	notificationRepo := db.NewNotificationRepository(pool)
	jobRunRepo := db.NewJobRunRepository(pool)
	auditRepo := db.NewAuditRepository(pool)

	// Weather provider client with synthetic fallback.
	weatherClient := weather.NewClient(cfg.Weather, logger)

	// Handlers.
	weatherSync := scheduler.NewWeatherSyncHandler(scheduler.WeatherSyncConfig{
		DB:         trailRepo,
		Snapshots:  snapshotRepo,
		Weather:    weatherClient,
		PlanWindow: cfg.Jobs.PlanWindow,
		TrailLimit: cfg.Jobs.TrailLimit,
		Logger:     logger,
	})
	digest := scheduler.NewDigestHandler(scheduler.DigestConfig{
		Users:         userRepo,
		Trails:        trailRepo,
		Notifications: notificationRepo,
		Logger:        logger,
	})

	// Register the repeatable jobs before consumers start.
	if err := scheduler.RegisterRepeatables(ctx, store, cfg.Jobs, logger); err != nil {
		return fmt.Errorf("registering repeatable jobs: %w", err)
	}

	rt := worker.New(worker.Config{
		Store:            store,
		Ledger:           jobRunRepo,
		Audit:            auditRepo,
		ExecutionTimeout: cfg.Jobs.ExecutionTimeout,
		Logger:           logger,
	})
	rt.Register(types.QueueWeatherSync, weatherSync)
	rt.Register(types.QueueDigest, digest)

	logger.Info("worker ready: weatherSync + digest scheduled")

	if err := rt.Run(ctx); err != nil {
		return fmt.Errorf("worker runtime: %w", err)
	}

	logger.Info("trailpulse worker stopped")
	return nil
}

// newLogger builds the process-wide JSON logger at the configured level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
