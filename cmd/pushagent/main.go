// Package main provides the push activation agent for a single device.
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

	"github.com/relaypush/relaypush/internal/agent"
	"github.com/relaypush/relaypush/internal/telemetry"
	"github.com/relaypush/relaypush/pkg/push/activation"
)

const serviceName = "relaypush-agent"

// Version and BuildTime are set at compile time via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	log := zerolog.New(os.Stdout).
		With().
		Timestamp().
		Str("service", serviceName).
		Str("version", Version).
		Logger()

	os.Exit(run(log))
}

func run(log zerolog.Logger) int {
	cfg, err := agent.ConfigFromEnv()
	if err != nil {
		log.Error().Err(err).Msg("invalid agent configuration")
		return 2
	}

	log.Info().
		Str("build_time", BuildTime).
		Str("action", cfg.Action).
		Str("storage", cfg.Storage).
		Msg("starting push agent")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize OpenTelemetry
	tp, err := telemetry.Init(ctx, telemetry.ConfigFromEnv(serviceName, Version))
	if err != nil {
		log.Error().Err(err).Msg("failed to initialize telemetry")
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("failed to shutdown telemetry")
		}
	}()

	metrics, err := activation.NewMetrics()
	if err != nil {
		log.Error().Err(err).Msg("failed to initialize metrics")
		return 1
	}

	a, err := agent.New(ctx, cfg, agent.Deps{Logger: log, Metrics: metrics})
	if err != nil {
		log.Error().Err(err).Msg("failed to create agent")
		return 1
	}
	defer a.Close()

	server := &http.Server{
		Addr:         ":" + cfg.HealthPort,
		Handler:      a.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Str("addr", server.Addr).Msg("health endpoint listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("health server error")
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	// SIGHUP re-reads PUSH_RECIPIENT_FILE, e.g. after the platform rotated the token.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				if cfg.RecipientFile == "" {
					log.Warn().Msg("SIGHUP ignored, PUSH_RECIPIENT_FILE is not set")
					continue
				}
				recipient, err := agent.LoadRecipient(cfg.RecipientFile)
				if err != nil {
					log.Warn().Err(err).Msg("ignoring invalid recipient file on reload")
					continue
				}
				log.Info().Msg("push recipient reloaded")
				a.UpdateRecipient(recipient)
			}
		}
	}()

	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("push agent failed")
		return 1
	}

	log.Info().Msg("push agent stopped")
	return 0
}
