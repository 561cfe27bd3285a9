package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/relaypush/relaypush/internal/api/models"
	"github.com/relaypush/relaypush/internal/auth"
	"github.com/relaypush/relaypush/internal/device"
	"github.com/relaypush/relaypush/pkg/push/registrations"
)

// principalKey is the context key for the authenticated caller.
type principalKey struct{}

// AuthConfig holds the credentials accepted by Auth.
type AuthConfig struct {
	APIKeys *auth.APIKeys
	Tokens  *auth.JWTService
	Metrics *Metrics
}

// Auth authenticates either a device identity token (X-Device-Token) or an
// application key (Authorization: Bearer). A device token takes precedence.
func Auth(cfg AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token := r.Header.Get(registrations.DeviceTokenHeader); token != "" {
				claims, err := cfg.Tokens.ValidateDeviceToken(token)
				if err != nil {
					cfg.Metrics.recordAuthFailure(r, "device_token")
					if errors.Is(err, auth.ErrDeviceTokenExpired) {
						writeUnauthorized(w, r, "device token has expired")
					} else {
						writeUnauthorized(w, r, "invalid device token")
					}
					return
				}
				next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), device.Principal{DeviceID: claims.DeviceID()})))
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				cfg.Metrics.recordAuthFailure(r, "missing")
				writeUnauthorized(w, r, "missing credentials")
				return
			}

			// Bearer prefix is case-insensitive.
			const bearerPrefix = "Bearer "
			if len(authHeader) < len(bearerPrefix) ||
				!strings.EqualFold(authHeader[:len(bearerPrefix)], bearerPrefix) {
				cfg.Metrics.recordAuthFailure(r, "format")
				writeUnauthorized(w, r, "invalid authorization header format")
				return
			}

			key := strings.TrimSpace(authHeader[len(bearerPrefix):])
			name, err := cfg.APIKeys.Authenticate(key)
			if err != nil {
				cfg.Metrics.recordAuthFailure(r, "api_key")
				writeUnauthorized(w, r, "invalid api key")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), device.Principal{KeyName: name})))
		})
	}
}

// RequireAPIKey rejects callers authenticated with a device token.
// It must run after Auth.
func RequireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := GetPrincipal(r.Context())
		if !ok {
			writeUnauthorized(w, r, "missing credentials")
			return
		}
		if p.IsDevice() {
			models.NewForbidden(GetRequestID(r.Context()), "this operation requires an application key").
				WithInstance(r.URL.Path).
				Write(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeUnauthorized writes a 401 Unauthorized response.
// This is implemented directly here to avoid import cycle with response package.
func writeUnauthorized(w http.ResponseWriter, r *http.Request, detail string) {
	models.NewUnauthorized(GetRequestID(r.Context()), detail).
		WithInstance(r.URL.Path).
		Write(w)
}

// WithPrincipal stores the authenticated caller in the context.
func WithPrincipal(ctx context.Context, p device.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// GetPrincipal retrieves the authenticated caller from the context.
func GetPrincipal(ctx context.Context) (device.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(device.Principal)
	return p, ok
}
