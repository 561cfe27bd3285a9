package device

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaypush/relaypush/internal/events"
	"github.com/relaypush/relaypush/pkg/push"
)

// Service errors.
var (
	ErrForbidden      = errors.New("caller may not access this registration")
	ErrSecretMismatch = errors.New("device secret does not match the registration")
	ErrEmptyFilter    = errors.New("at least one filter parameter is required")
)

// Principal identifies the authenticated caller.
// An empty DeviceID means an application key with access to every registration.
type Principal struct {
	KeyName  string
	DeviceID string
}

// IsDevice reports whether the caller authenticated with a device identity token.
func (p Principal) IsDevice() bool {
	return p.DeviceID != ""
}

// CanAccess reports whether the caller may read or modify deviceID.
func (p Principal) CanAccess(deviceID string) bool {
	return !p.IsDevice() || p.DeviceID == deviceID
}

// TokenIssuer issues device identity tokens.
type TokenIssuer interface {
	IssueDeviceToken(deviceID, clientID string) (*push.IdentityTokenDetails, error)
}

// ServiceConfig holds configuration for the registration service.
type ServiceConfig struct {
	Repository Repository
	Tokens     TokenIssuer
	Publisher  events.Publisher
	Logger     zerolog.Logger

	// Now defaults to time.Now.
	Now func() time.Time
}

// Service provides registration operations.
type Service struct {
	repo      Repository
	tokens    TokenIssuer
	publisher events.Publisher
	logger    zerolog.Logger
	now       func() time.Time
}

// NewService creates a new registration service.
func NewService(cfg ServiceConfig) *Service {
	if cfg.Publisher == nil {
		cfg.Publisher = events.NopPublisher{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		repo:      cfg.Repository,
		tokens:    cfg.Tokens,
		publisher: cfg.Publisher,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}
}

// Save registers or updates a device and issues a fresh identity token.
// Returns the saved details and whether the registration was newly created.
func (s *Service) Save(ctx context.Context, p Principal, details *push.DeviceDetails) (*push.DeviceDetails, bool, error) {
	if err := details.Validate(); err != nil {
		return nil, false, err
	}
	if !p.CanAccess(details.ID) {
		return nil, false, ErrForbidden
	}

	existing, err := s.repo.Get(ctx, details.ID)
	if err != nil && !errors.Is(err, ErrDeviceNotFound) {
		return nil, false, fmt.Errorf("loading registration: %w", err)
	}

	now := s.now()
	reg := FromDetails(details, now)
	if existing != nil {
		// An application key may only take over a device that proves its secret.
		if !p.IsDevice() && existing.SecretHash != "" && !existing.SecretMatches(details.DeviceSecret) {
			return nil, false, ErrSecretMismatch
		}
		reg.CreatedAt = existing.CreatedAt
		reg.SecretHash = existing.SecretHash
	}

	created, err := s.repo.Upsert(ctx, reg)
	if err != nil {
		return nil, false, fmt.Errorf("saving registration: %w", err)
	}

	token, err := s.tokens.IssueDeviceToken(reg.ID, reg.ClientID)
	if err != nil {
		return nil, false, fmt.Errorf("issuing device token: %w", err)
	}

	s.logger.Info().
		Str("device_id", reg.ID).
		Str("client_id", reg.ClientID).
		Str("transport", reg.TransportType()).
		Str("token_last4", reg.TokenLast4()).
		Bool("created", created).
		Msg("device registration saved")

	s.publish(ctx, events.Message{
		Type:       events.TypeRegistrationSaved,
		DeviceID:   reg.ID,
		ClientID:   reg.ClientID,
		Platform:   reg.Platform,
		Transport:  reg.TransportType(),
		Created:    created,
		OccurredAt: now,
	})

	result := reg.Details()
	result.DeviceIdentityToken = token
	return result, created, nil
}

// Get retrieves a registration.
func (s *Service) Get(ctx context.Context, p Principal, deviceID string) (*push.DeviceDetails, error) {
	if !p.CanAccess(deviceID) {
		return nil, ErrForbidden
	}
	reg, err := s.repo.Get(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	return reg.Details(), nil
}

// List retrieves a page of registrations. Only application keys may list.
func (s *Service) List(ctx context.Context, p Principal, opts ListOptions) ([]*push.DeviceDetails, string, error) {
	if p.IsDevice() {
		return nil, "", ErrForbidden
	}
	result, err := s.repo.List(ctx, opts)
	if err != nil {
		return nil, "", err
	}

	items := make([]*push.DeviceDetails, 0, len(result.Items))
	for _, reg := range result.Items {
		items = append(items, reg.Details())
	}
	return items, result.NextCursor, nil
}

// Remove deletes a registration. Removing an unknown device succeeds.
func (s *Service) Remove(ctx context.Context, p Principal, deviceID string) error {
	if !p.CanAccess(deviceID) {
		return ErrForbidden
	}

	reg, err := s.repo.Get(ctx, deviceID)
	if errors.Is(err, ErrDeviceNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := s.repo.Delete(ctx, deviceID); err != nil {
		if errors.Is(err, ErrDeviceNotFound) {
			return nil
		}
		return err
	}

	s.logger.Info().Str("device_id", deviceID).Msg("device registration removed")
	s.publishRemoved(ctx, reg)
	return nil
}

// RemoveWhere deletes every registration matching the filter and returns how many were removed.
// Only application keys may remove by filter.
func (s *Service) RemoveWhere(ctx context.Context, p Principal, filter Filter) (int, error) {
	if p.IsDevice() {
		return 0, ErrForbidden
	}
	if filter.IsEmpty() {
		return 0, ErrEmptyFilter
	}

	removed, err := s.repo.DeleteWhere(ctx, filter)
	if err != nil {
		return 0, err
	}

	s.logger.Info().
		Str("client_id", filter.ClientID).
		Str("device_id", filter.DeviceID).
		Int("removed", len(removed)).
		Msg("device registrations removed")

	for _, reg := range removed {
		s.publishRemoved(ctx, reg)
	}
	return len(removed), nil
}

func (s *Service) publishRemoved(ctx context.Context, reg *Registration) {
	s.publish(ctx, events.Message{
		Type:       events.TypeRegistrationRemoved,
		DeviceID:   reg.ID,
		ClientID:   reg.ClientID,
		Platform:   reg.Platform,
		Transport:  reg.TransportType(),
		OccurredAt: s.now(),
	})
}

// publish never fails the request; the registration change is already durable.
func (s *Service) publish(ctx context.Context, msg events.Message) {
	if err := s.publisher.Publish(ctx, msg); err != nil {
		s.logger.Warn().
			Err(err).
			Str("type", msg.Type).
			Str("device_id", msg.DeviceID).
			Msg("failed to publish registration event")
	}
}
