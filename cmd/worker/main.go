// Package main provides the entrypoint for the registration event worker.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaypush/relaypush/internal/api/models"
	"github.com/relaypush/relaypush/internal/api/response"
	"github.com/relaypush/relaypush/internal/database"
	"github.com/relaypush/relaypush/internal/device"
	"github.com/relaypush/relaypush/internal/telemetry"
	"github.com/relaypush/relaypush/internal/worker"
)

// Version and BuildTime are set at compile time via ldflags
var (
	Version   = "dev"
	BuildTime = "unknown"
)

const serviceName = "relaypush-worker"

func main() {
	log := zerolog.New(os.Stdout).
		With().
		Timestamp().
		Str("service", serviceName).
		Str("version", Version).
		Logger()

	log.Info().Str("build_time", BuildTime).Msg("starting registration worker")

	// Worker also exposes a health endpoint for Cloud Run
	port := os.Getenv("APP_PORT")
	if port == "" {
		port = "8080"
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tp, err := telemetry.Init(ctx, telemetry.ConfigFromEnv(serviceName, Version))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("failed to shutdown telemetry")
		}
	}()

	// Prune jobs remove registrations directly from the database.
	pool, err := database.Connect(ctx, database.ConfigFromEnv())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()

	service := device.NewService(device.ServiceConfig{
		Repository: device.NewPostgresRepository(pool),
		Logger:     log,
	})

	cfg := worker.ConfigFromEnv()
	processor := worker.NewProcessor(worker.ProcessorConfig{
		Remover:    service,
		Logger:     log,
		JobTimeout: cfg.JobTimeout,
	})

	handler, err := worker.NewPubSubHandler(ctx, cfg, processor, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create pubsub handler")
	}
	defer func() {
		if err := handler.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close pubsub client")
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		details := processor.StatsSnapshot()
		details["version"] = Version
		response.JSON(w, r, http.StatusOK, models.Health{
			Status:  models.HealthStatusOK,
			Time:    models.Timestamp(time.Now()),
			Details: details,
		})
	})

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("health server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("health server error")
		}
	}()

	go func() {
		if err := handler.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("pubsub receive stopped")
			cancel()
		}
	}()

	// Wait for interrupt signal or receive failure
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down worker")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("health server forced to shutdown")
	}

	log.Info().Msg("worker stopped")
}
