// Package main provides the entrypoint for the push registration API server.
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

	"github.com/relaypush/relaypush/internal/api"
	"github.com/relaypush/relaypush/internal/api/handler"
	"github.com/relaypush/relaypush/internal/api/middleware"
	"github.com/relaypush/relaypush/internal/auth"
	"github.com/relaypush/relaypush/internal/database"
	"github.com/relaypush/relaypush/internal/device"
	"github.com/relaypush/relaypush/internal/events"
	"github.com/relaypush/relaypush/internal/telemetry"
)

// Version and BuildTime are set at compile time via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	// Setup structured logging
	log := zerolog.New(os.Stdout).
		With().
		Timestamp().
		Str("service", api.DefaultServiceName).
		Str("version", Version).
		Logger()

	log.Info().
		Str("build_time", BuildTime).
		Msg("starting push registration API")

	port := getEnvOrDefault("APP_PORT", "8080")
	ctx := context.Background()

	// Initialize OpenTelemetry
	telemetryCfg := telemetry.ConfigFromEnv(api.DefaultServiceName, Version)
	tp, err := telemetry.Init(ctx, telemetryCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := tp.Shutdown(shutdownCtx); shutdownErr != nil {
			log.Error().Err(shutdownErr).Msg("failed to shutdown telemetry")
		}
	}()

	if telemetryCfg.Enabled {
		log.Info().
			Str("otlp_endpoint", telemetryCfg.OTLPEndpoint).
			Msg("OpenTelemetry initialized")
	}

	metrics, err := middleware.NewMetrics()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize metrics")
	}

	// Registration storage
	var (
		repo   device.Repository
		checks []handler.ReadinessCheck
	)
	switch store := getEnvOrDefault("REGISTRATION_STORE", "postgres"); store {
	case "memory":
		repo = device.NewInMemoryRepository()
		log.Warn().Msg("using in-memory registration store - registrations are lost on restart")
	case "postgres":
		dbConfig := database.ConfigFromEnv()
		pool, err := database.Connect(ctx, dbConfig)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer pool.Close()

		if err := database.Migrate(ctx, pool, device.Schema); err != nil {
			log.Fatal().Err(err).Msg("failed to apply registration schema")
		}
		log.Info().
			Str("host", dbConfig.Host).
			Int("port", dbConfig.Port).
			Str("database", dbConfig.Database).
			Msg("database connected")

		repo = device.NewPostgresRepository(pool)
		checks = append(checks, handler.ReadinessCheck{Name: "postgres", Check: pool.Ping})
	default:
		log.Fatal().Str("store", store).Msg("unknown REGISTRATION_STORE, want postgres or memory")
	}

	// Credentials
	apiKeys, err := auth.ParseAPIKeys(os.Getenv("PUSH_API_KEYS"))
	if err != nil {
		log.Fatal().Err(err).Msg("invalid PUSH_API_KEYS")
	}
	if apiKeys.Len() == 0 {
		log.Warn().Msg("no application keys configured - only device tokens will be accepted")
	}

	signingKey := os.Getenv("DEVICE_TOKEN_SIGNING_KEY")
	if signingKey == "" {
		signingKey = "local-dev-signing-key-change-in-production"
		log.Warn().Msg("using default device token signing key - not secure for production")
	}
	tokens := auth.NewJWTService(auth.JWTConfig{
		SigningKey: signingKey,
		Issuer:     os.Getenv("DEVICE_TOKEN_ISSUER"),
		Audience:   os.Getenv("DEVICE_TOKEN_AUDIENCE"),
	})

	// Registration change events
	var publisher events.Publisher = events.NopPublisher{}
	if project, topic := os.Getenv("PUBSUB_PROJECT_ID"), os.Getenv("PUBSUB_TOPIC"); project != "" && topic != "" {
		pubsubPublisher, err := events.NewPubSubPublisher(ctx, events.PubSubConfig{
			ProjectID: project,
			Topic:     topic,
			Logger:    log,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create event publisher")
		}
		defer func() {
			if err := pubsubPublisher.Close(); err != nil {
				log.Error().Err(err).Msg("failed to close event publisher")
			}
		}()
		publisher = pubsubPublisher
		log.Info().Str("topic", topic).Msg("publishing registration events")
	}

	service := device.NewService(device.ServiceConfig{
		Repository: repo,
		Tokens:     tokens,
		Publisher:  publisher,
		Logger:     log,
	})

	router := api.NewRouter(api.RouterConfig{
		Version:             Version,
		BuildTime:           BuildTime,
		Logger:              log,
		Metrics:             metrics,
		RegistrationService: service,
		APIKeys:             apiKeys,
		Tokens:              tokens,
		RequireTLS:          os.Getenv("REQUIRE_TLS") == "true",
		ReadinessChecks:     checks,
	})

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().
			Str("addr", server.Addr).
			Msg("server listening")

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
