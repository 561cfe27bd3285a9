// Package api provides the HTTP API for push device registrations.
package api

import (
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/relaypush/relaypush/internal/api/handler"
	"github.com/relaypush/relaypush/internal/api/middleware"
	"github.com/relaypush/relaypush/internal/auth"
	"github.com/relaypush/relaypush/internal/device"
)

// DefaultServiceName names the API in traces and logs.
const DefaultServiceName = "relaypush-api"

// RouterConfig holds configuration for the router.
type RouterConfig struct {
	Version             string
	BuildTime           string
	Logger              zerolog.Logger
	ServiceName         string
	Metrics             *middleware.Metrics
	RegistrationService *device.Service
	APIKeys             *auth.APIKeys
	Tokens              *auth.JWTService
	RequireTLS          bool
	ReadinessChecks     []handler.ReadinessCheck

	// Rate limits default to the middleware package values.
	PublicRateLimit *middleware.RateLimitConfig
	DeviceRateLimit *middleware.RateLimitConfig
	KeyRateLimit    *middleware.RateLimitConfig
}

// NewRouter creates a new chi router with all API routes configured.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = DefaultServiceName
	}

	// Global middleware - order matters
	r.Use(middleware.RequestID)
	r.Use(middleware.Tracing(serviceName))
	if cfg.Metrics != nil {
		r.Use(cfg.Metrics.Middleware())
	}
	r.Use(middleware.Logger(cfg.Logger))
	r.Use(middleware.Recovery(cfg.Logger))
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.RequireTLS(cfg.RequireTLS))
	r.Use(middleware.ContentTypeJSON)

	opsHandler := handler.NewOpsHandler(cfg.Version, cfg.BuildTime, cfg.ReadinessChecks...)
	registrationHandler := handler.NewRegistrationHandler(cfg.RegistrationService, cfg.Logger)

	authMiddleware := middleware.Auth(middleware.AuthConfig{
		APIKeys: cfg.APIKeys,
		Tokens:  cfg.Tokens,
		Metrics: cfg.Metrics,
	})
	publicRateLimit := middleware.RateLimitByIP(rateLimitOr(cfg.PublicRateLimit, middleware.PublicRateLimit))
	principalRateLimit := middleware.RateLimitByPrincipal(
		rateLimitOr(cfg.DeviceRateLimit, middleware.DeviceRateLimit),
		rateLimitOr(cfg.KeyRateLimit, middleware.KeyRateLimit),
	)

	r.Route("/v1", func(r chi.Router) {
		// Ops endpoints (public)
		r.Route("/ops", func(r chi.Router) {
			r.Use(publicRateLimit)
			r.Get("/health", opsHandler.HealthCheck)
			r.Get("/ready", opsHandler.ReadinessCheck)
		})

		// Device registrations: devices manage themselves, application keys manage all.
		r.Route("/push/deviceRegistrations", func(r chi.Router) {
			r.Use(authMiddleware)
			r.Use(principalRateLimit)
			r.Use(middleware.RequireJSON)

			r.With(middleware.RequireAPIKey).Get("/", registrationHandler.List)
			r.With(middleware.RequireAPIKey).Delete("/", registrationHandler.RemoveWhere)

			r.Route("/{deviceId}", func(r chi.Router) {
				r.Put("/", registrationHandler.Save)
				r.Get("/", registrationHandler.Get)
				r.Delete("/", registrationHandler.Remove)
			})
		})
	})

	return r
}

func rateLimitOr(override *middleware.RateLimitConfig, def middleware.RateLimitConfig) middleware.RateLimitConfig {
	if override != nil {
		return *override
	}
	return def
}
