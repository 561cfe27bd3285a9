// Package resilience wraps outbound HTTP calls to the push backend with a
// circuit breaker, bounded retries and per-endpoint health tracking.
package resilience

import (
	"time"

	"github.com/sony/gobreaker/v2"
)

// BreakerConfig configures the circuit breaker in front of an endpoint.
type BreakerConfig struct {
	// Name identifies the breaker in logs and health reports.
	Name string

	// HalfOpenRequests is the number of trial requests let through when half-open.
	// Default: 1
	HalfOpenRequests uint32

	// ResetInterval clears the closed-state counts periodically. Zero never clears.
	ResetInterval time.Duration

	// OpenTimeout is how long the breaker stays open before trying again.
	// Default: 30 seconds
	OpenTimeout time.Duration

	// ShouldTrip decides when to open. Default: TripOnFailureRatio.
	ShouldTrip func(counts gobreaker.Counts) bool

	// OnStateChange observes breaker transitions.
	OnStateChange func(name string, from, to gobreaker.State)
}

// DefaultBreakerConfig returns the breaker settings used for registration calls.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:             name,
		HalfOpenRequests: 1,
		OpenTimeout:      30 * time.Second,
		ShouldTrip:       TripOnFailureRatio,
	}
}

// TripOnFailureRatio opens the breaker once at least 5 requests were made
// and half or more of them failed.
func TripOnFailureRatio(counts gobreaker.Counts) bool {
	if counts.Requests < 5 {
		return false
	}
	return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
}

// NewBreaker builds a typed gobreaker from cfg, filling in defaults.
func NewBreaker[T any](cfg BreakerConfig) *gobreaker.CircuitBreaker[T] {
	if cfg.HalfOpenRequests == 0 {
		cfg.HalfOpenRequests = 1
	}
	if cfg.OpenTimeout == 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.ShouldTrip == nil {
		cfg.ShouldTrip = TripOnFailureRatio
	}

	return gobreaker.NewCircuitBreaker[T](gobreaker.Settings{
		Name:          cfg.Name,
		MaxRequests:   cfg.HalfOpenRequests,
		Interval:      cfg.ResetInterval,
		Timeout:       cfg.OpenTimeout,
		ReadyToTrip:   cfg.ShouldTrip,
		OnStateChange: cfg.OnStateChange,
	})
}
