package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/toaklink/toaklink/internal/api"
	"github.com/toaklink/toaklink/internal/config"
	"github.com/toaklink/toaklink/internal/handlers"
	"github.com/toaklink/toaklink/internal/models"
	"github.com/toaklink/toaklink/internal/store"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Logger()
	}

	ctx := context.Background()

	// Durable record store: Postgres in production, SQLite in dev.
	var data store.DataStore
	pingers := make(map[string]handlers.Pinger)
	if cfg.DatabaseURL != "" {
		pgStore, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres connection failed")
		}
		defer pgStore.Close()
		data = pgStore
		pingers["postgres"] = pgStore
		logger.Info().Msg("connected to PostgreSQL")
	} else {
		sqliteStore, err := store.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			logger.Fatal().Err(err).Msg("sqlite open failed")
		}
		defer sqliteStore.Close()
		data = sqliteStore
		pingers["sqlite"] = sqliteStore
		logger.Info().Str("path", cfg.SQLitePath).Msg("using SQLite store")
	}

	// Counter store for rate limiting: Redis when configured, else the
	// SQL store's upsert-returning counters.
	var counters store.CounterStore
	if cfg.RedisURL != "" {
		redisStore, err := store.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer redisStore.Close()
		counters = redisStore
		pingers["redis"] = redisStore
		logger.Info().Msg("connected to Redis")
	} else {
		sqlCounters, ok := data.(store.CounterStore)
		if !ok {
			logger.Fatal().Msg("no counter store available")
		}
		counters = sqlCounters
		logger.Info().Msg("using SQL rate-limit counters")
	}

	// Create router
	router := api.NewRouter(api.Options{
		Logger:          logger,
		Data:            data,
		Counters:        counters,
		Pingers:         pingers,
		Pepper:          cfg.APIKeyPepper,
		FreshnessWindow: cfg.FreshnessWindow,
		StorageTimeout:  cfg.StorageTimeout,
		DefaultLimits: models.RateLimits{
			PerMinute: cfg.LimitPerMinute,
			PerHour:   cfg.LimitPerHour,
			PerDay:    cfg.LimitPerDay,
		},
	})

	// Create server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Env).
			Msg("starting ToakLink gateway")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server...")

	// Graceful shutdown with 30 second timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server forced to shutdown")
	}

	logger.Info().Msg("server stopped")
}
