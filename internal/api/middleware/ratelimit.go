package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/httprate"

	"github.com/relaypush/relaypush/internal/api/models"
)

// RateLimitConfig holds configuration for rate limiting.
type RateLimitConfig struct {
	// Requests per window
	RequestLimit int
	// Window duration
	WindowLength time.Duration
}

// Default rate limit configurations.
var (
	// PublicRateLimit applies per IP to unauthenticated endpoints (60 req/min).
	PublicRateLimit = RateLimitConfig{
		RequestLimit: 60,
		WindowLength: time.Minute,
	}

	// DeviceRateLimit applies per device token (30 req/min).
	DeviceRateLimit = RateLimitConfig{
		RequestLimit: 30,
		WindowLength: time.Minute,
	}

	// KeyRateLimit applies per application key (600 req/min).
	KeyRateLimit = RateLimitConfig{
		RequestLimit: 600,
		WindowLength: time.Minute,
	}
)

// RateLimitByIP creates a rate limiter middleware using client IP address.
// Uses X-Forwarded-For header if present (extracted by chi's RealIP middleware).
func RateLimitByIP(cfg RateLimitConfig) func(http.Handler) http.Handler {
	return limiter(cfg, httprate.KeyByRealIP)
}

// RateLimitByPrincipal limits device tokens and application keys separately,
// each keyed by its own identity. It must run after Auth.
func RateLimitByPrincipal(deviceCfg, keyCfg RateLimitConfig) func(http.Handler) http.Handler {
	deviceLimit := limiter(deviceCfg, keyByPrincipal)
	keyLimit := limiter(keyCfg, keyByPrincipal)

	return func(next http.Handler) http.Handler {
		devices := deviceLimit(next)
		keys := keyLimit(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if p, ok := GetPrincipal(r.Context()); ok && p.IsDevice() {
				devices.ServeHTTP(w, r)
				return
			}
			keys.ServeHTTP(w, r)
		})
	}
}

func limiter(cfg RateLimitConfig, key httprate.KeyFunc) func(http.Handler) http.Handler {
	return httprate.Limit(
		cfg.RequestLimit,
		cfg.WindowLength,
		httprate.WithKeyFuncs(key),
		httprate.WithLimitHandler(rateLimitExceededHandler(cfg.WindowLength)),
	)
}

// keyByPrincipal returns the device or key identity, otherwise the client IP.
func keyByPrincipal(r *http.Request) (string, error) {
	if p, ok := GetPrincipal(r.Context()); ok {
		if p.IsDevice() {
			return "device:" + p.DeviceID, nil
		}
		return "key:" + p.KeyName, nil
	}
	return httprate.KeyByRealIP(r)
}

// rateLimitExceededHandler writes an RFC7807 Problem response when rate limit is exceeded.
// httprate doesn't expose the reset time, so Retry-After is the full window.
func rateLimitExceededHandler(window time.Duration) http.HandlerFunc {
	retryAfter := strconv.Itoa(int(window.Seconds()))
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", retryAfter)
		models.NewTooManyRequests(GetRequestID(r.Context()), "Rate limit exceeded. Please try again later.").
			WithInstance(r.URL.Path).
			Write(w)
	}
}
