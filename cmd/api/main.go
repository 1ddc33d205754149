package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"quizdesk/api/internal/app"
	"quizdesk/api/internal/collab"
	"quizdesk/api/internal/config"
	"quizdesk/api/internal/presence"
	"quizdesk/api/internal/retry"
	"quizdesk/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()
	logger := zerolog.New(os.Stderr).With().Timestamp().Str("service", "quizdesk-api").Logger()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		logger.Fatal().Err(err).Msg("migrations failed")
	}

	dataStore := store.NewPostgresStore(db)

	tracker, err := presence.NewTracker(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis connection failed")
	}
	defer tracker.Close()

	backoff := retry.Config{
		MaxAttempts:  cfg.MaxRetries,
		InitialDelay: cfg.InitialDelay,
		Multiplier:   cfg.BackoffMultiplier,
		MaxDelay:     cfg.MaxDelay,
	}
	coordinator := collab.NewCoordinator(dataStore, tracker, dataStore, backoff, cfg.BatchWindow, logger)

	service := app.New(cfg, dataStore, tracker, coordinator, logger)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("quizdesk API listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
}
