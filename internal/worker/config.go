// Package worker consumes registration change events and runs background
// maintenance jobs for the push registration service.
package worker

import (
	"os"
	"strconv"
	"time"
)

// Config holds configuration for the event consumer.
type Config struct {
	// ProjectID is the Google Cloud project hosting the subscription.
	ProjectID string

	// SubscriptionName is the Pub/Sub subscription to receive from.
	SubscriptionName string

	// MaxOutstandingMessages bounds concurrently processed messages.
	// Default: 10
	MaxOutstandingMessages int

	// MaxExtension bounds how long a message lease is extended.
	// Default: 10 minutes
	MaxExtension time.Duration

	// JobTimeout bounds a single job.
	// Default: 30 seconds
	JobTimeout time.Duration
}

// DefaultConfig returns the default consumer configuration.
func DefaultConfig() Config {
	return Config{
		MaxOutstandingMessages: 10,
		MaxExtension:           10 * time.Minute,
		JobTimeout:             30 * time.Second,
	}
}

// ConfigFromEnv reads PUBSUB_PROJECT_ID, PUBSUB_SUBSCRIPTION, WORKER_MAX_OUTSTANDING
// and WORKER_JOB_TIMEOUT on top of DefaultConfig.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	cfg.ProjectID = os.Getenv("PUBSUB_PROJECT_ID")
	cfg.SubscriptionName = os.Getenv("PUBSUB_SUBSCRIPTION")

	if n, err := strconv.Atoi(os.Getenv("WORKER_MAX_OUTSTANDING")); err == nil && n > 0 {
		cfg.MaxOutstandingMessages = n
	}
	if d, err := time.ParseDuration(os.Getenv("WORKER_JOB_TIMEOUT")); err == nil && d > 0 {
		cfg.JobTimeout = d
	}
	return cfg
}

// withDefaults fills zero values from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxOutstandingMessages <= 0 {
		c.MaxOutstandingMessages = def.MaxOutstandingMessages
	}
	if c.MaxExtension <= 0 {
		c.MaxExtension = def.MaxExtension
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = def.JobTimeout
	}
	return c
}
