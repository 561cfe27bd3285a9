// Package device stores push device registrations on the backend and issues
// device identity tokens.
package device

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"maps"
	"time"

	"github.com/relaypush/relaypush/pkg/push"
)

// Repository errors.
var (
	ErrDeviceNotFound = errors.New("device not found")
)

// Registration is a stored push device registration.
type Registration struct {
	ID         string
	ClientID   string
	Platform   string
	FormFactor string
	Metadata   map[string]string
	Recipient  map[string]string
	PushState  string
	SecretHash string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// TransportType returns the recipient transport (apns, fcm, web).
func (r *Registration) TransportType() string {
	return r.Recipient[push.RecipientTransportType]
}

// TokenLast4 returns the last 4 characters of the push token for display purposes.
func (r *Registration) TokenLast4() string {
	token := r.Recipient[push.RecipientDeviceToken]
	if token == "" {
		token = r.Recipient[push.RecipientRegistration]
	}
	if len(token) < 4 {
		return token
	}
	return token[len(token)-4:]
}

// SecretMatches reports whether secret hashes to the stored secret.
// A registration without a stored secret matches nothing.
func (r *Registration) SecretMatches(secret string) bool {
	if r.SecretHash == "" || secret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(r.SecretHash), []byte(HashSecret(secret))) == 1
}

// Details converts the registration to its wire form. The secret is never included.
func (r *Registration) Details() *push.DeviceDetails {
	return &push.DeviceDetails{
		ID:         r.ID,
		ClientID:   r.ClientID,
		Platform:   r.Platform,
		FormFactor: r.FormFactor,
		Metadata:   maps.Clone(r.Metadata),
		Push: push.DevicePushDetails{
			Recipient: maps.Clone(r.Recipient),
			State:     r.PushState,
		},
	}
}

// FromDetails builds a registration from wire details.
func FromDetails(d *push.DeviceDetails, now time.Time) *Registration {
	reg := &Registration{
		ID:         d.ID,
		ClientID:   d.ClientID,
		Platform:   d.Platform,
		FormFactor: d.FormFactor,
		Metadata:   maps.Clone(d.Metadata),
		Recipient:  maps.Clone(d.Push.Recipient),
		PushState:  PushStateActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if d.DeviceSecret != "" {
		reg.SecretHash = HashSecret(d.DeviceSecret)
	}
	return reg
}

// HashSecret returns the hex SHA-256 of a device secret.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// Push address states.
const (
	PushStateActive  = "ACTIVE"
	PushStateFailing = "FAILING"
	PushStateFailed  = "FAILED"
)

// Filter selects registrations. Empty fields match everything.
type Filter struct {
	ClientID string
	DeviceID string
}

// IsEmpty reports whether the filter matches every registration.
func (f Filter) IsEmpty() bool {
	return f.ClientID == "" && f.DeviceID == ""
}

// Matches reports whether r is selected by the filter.
func (f Filter) Matches(r *Registration) bool {
	if f.ClientID != "" && r.ClientID != f.ClientID {
		return false
	}
	if f.DeviceID != "" && r.ID != f.DeviceID {
		return false
	}
	return true
}

// ListOptions contains options for listing registrations.
type ListOptions struct {
	Filter Filter
	Limit  int
	// Cursor is the last ID of the previous page.
	Cursor string
}

// ListResult contains the result of listing registrations.
type ListResult struct {
	Items      []*Registration
	NextCursor string
}

// DefaultListLimit is used when ListOptions.Limit is not positive.
const DefaultListLimit = 50

// MaxListLimit caps ListOptions.Limit.
const MaxListLimit = 1000

// EffectiveLimit clamps a requested page size to the supported range.
func EffectiveLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultListLimit
	case limit > MaxListLimit:
		return MaxListLimit
	}
	return limit
}
