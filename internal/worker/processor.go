package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaypush/relaypush/internal/device"
	"github.com/relaypush/relaypush/internal/events"
)

// workerPrincipal is the identity the worker acts as when pruning.
var workerPrincipal = device.Principal{KeyName: "worker"}

// RegistrationRemover removes registrations by filter. *device.Service satisfies it.
type RegistrationRemover interface {
	RemoveWhere(ctx context.Context, p device.Principal, filter device.Filter) (int, error)
}

var _ RegistrationRemover = (*device.Service)(nil)

// Stats tracks processed message counts.
type Stats struct {
	Saved       int64
	Removed     int64
	Activations int64
	Prunes      int64
	Pruned      int64
	Failed      int64
	Skipped     int64

	LastMessageAt time.Time
}

// Processor decodes event messages and runs the job each one requests.
type Processor struct {
	remover    RegistrationRemover
	logger     zerolog.Logger
	jobTimeout time.Duration

	mu    sync.RWMutex
	stats Stats
}

// ProcessorConfig holds configuration for creating a Processor.
type ProcessorConfig struct {
	// Remover serves prune jobs. Prune messages fail when it is nil.
	Remover    RegistrationRemover
	Logger     zerolog.Logger
	JobTimeout time.Duration
}

// NewProcessor creates a new message processor.
func NewProcessor(cfg ProcessorConfig) *Processor {
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultConfig().JobTimeout
	}
	return &Processor{
		remover:    cfg.Remover,
		logger:     cfg.Logger,
		jobTimeout: cfg.JobTimeout,
	}
}

// Processing errors.
var (
	// ErrNoRemover is returned for prune jobs when no remover is configured.
	ErrNoRemover = errors.New("worker: prune requested but no registration service is configured")

	// ErrInvalidJob marks messages that can never succeed and should not be redelivered.
	ErrInvalidJob = errors.New("worker: invalid job")
)

// Process handles one encoded message.
// Errors wrapping events.ErrUnknownType or ErrInvalidJob are permanent.
func (p *Processor) Process(ctx context.Context, data []byte) error {
	msg, err := events.Decode(data)
	if errors.Is(err, events.ErrUnknownType) {
		p.record(func(s *Stats) { s.Skipped++ })
		return err
	}
	if err != nil {
		p.record(func(s *Stats) { s.Failed++ })
		return fmt.Errorf("%w: %w", ErrInvalidJob, err)
	}

	logger := p.logger.With().
		Str("type", msg.Type).
		Str("device_id", msg.DeviceID).
		Str("client_id", msg.ClientID).
		Logger()

	switch msg.Type {
	case events.TypeRegistrationSaved:
		logger.Info().
			Bool("created", msg.Created).
			Str("transport", msg.Transport).
			Msg("device registration saved")
		p.record(func(s *Stats) { s.Saved++ })

	case events.TypeRegistrationRemoved:
		logger.Info().Str("transport", msg.Transport).Msg("device registration removed")
		p.record(func(s *Stats) { s.Removed++ })

	case events.TypeActivationChanged:
		logger.Info().
			Str("from", msg.From).
			Str("to", msg.To).
			Str("event", msg.Event).
			Msg("device activation changed")
		p.record(func(s *Stats) { s.Activations++ })

	case events.TypePruneRegistrations:
		removed, err := p.prune(ctx, msg)
		if err != nil {
			logger.Error().Err(err).Msg("prune failed")
			p.record(func(s *Stats) { s.Failed++ })
			return err
		}
		logger.Info().Int("removed", removed).Msg("prune completed")
		p.record(func(s *Stats) {
			s.Prunes++
			s.Pruned += int64(removed)
		})
	}
	return nil
}

func (p *Processor) prune(ctx context.Context, msg events.Message) (int, error) {
	if p.remover == nil {
		return 0, ErrNoRemover
	}
	filter := device.Filter{ClientID: msg.ClientID, DeviceID: msg.DeviceID}
	if filter.IsEmpty() {
		return 0, fmt.Errorf("%w: prune requires a client or device id", ErrInvalidJob)
	}

	ctx, cancel := context.WithTimeout(ctx, p.jobTimeout)
	defer cancel()

	removed, err := p.remover.RemoveWhere(ctx, workerPrincipal, filter)
	if err != nil {
		return 0, fmt.Errorf("removing registrations: %w", err)
	}
	return removed, nil
}

func (p *Processor) record(update func(*Stats)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	update(&p.stats)
	p.stats.LastMessageAt = time.Now()
}

// Stats returns a copy of the current counters.
func (p *Processor) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stats
}

// StatsSnapshot returns the counters as a map for health output.
func (p *Processor) StatsSnapshot() map[string]interface{} {
	s := p.Stats()
	snapshot := map[string]interface{}{
		"saved":       s.Saved,
		"removed":     s.Removed,
		"activations": s.Activations,
		"prunes":      s.Prunes,
		"pruned":      s.Pruned,
		"failed":      s.Failed,
		"skipped":     s.Skipped,
	}
	if !s.LastMessageAt.IsZero() {
		snapshot["last_message_at"] = s.LastMessageAt.Format(time.RFC3339)
	}
	return snapshot
}
