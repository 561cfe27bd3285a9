// Package push contains the types shared by the push activation state machine,
// its storage and the device registration transport.
package push

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
)

// Push transport types understood by the registration backend.
const (
	TransportAPNS = "apns"
	TransportFCM  = "fcm"
	TransportWeb  = "web"
)

// Device form factors.
const (
	FormFactorPhone   = "phone"
	FormFactorTablet  = "tablet"
	FormFactorDesktop = "desktop"
	FormFactorOther   = "other"
)

// Recipient keys used inside DevicePushDetails.Recipient.
const (
	RecipientTransportType = "transportType"
	RecipientDeviceToken   = "deviceToken"
	RecipientRegistration  = "registrationToken"
)

// secretLength is the byte length of a generated device secret.
const secretLength = 32

// DevicePushDetails holds the platform push address of a device.
type DevicePushDetails struct {
	// Recipient is the transport-specific address (transportType, deviceToken, ...).
	Recipient map[string]string `json:"recipient,omitempty"`

	// State is the backend's view of the push address (ACTIVE, FAILING, FAILED).
	State string `json:"state,omitempty"`

	// ErrorReason is set by the backend when pushes to this device fail.
	ErrorReason *ErrorInfo `json:"errorReason,omitempty"`
}

// IdentityTokenDetails is the credential the backend issues to a registered device.
type IdentityTokenDetails struct {
	Token    string    `json:"token"`
	Issued   time.Time `json:"issued"`
	Expires  time.Time `json:"expires"`
	DeviceID string    `json:"deviceId,omitempty"`
	ClientID string    `json:"clientId,omitempty"`
}

// DeviceDetails is the wire representation of a device registration.
type DeviceDetails struct {
	ID                  string                `json:"id"`
	ClientID            string                `json:"clientId,omitempty"`
	Platform            string                `json:"platform"`
	FormFactor          string                `json:"formFactor"`
	Metadata            map[string]string     `json:"metadata,omitempty"`
	Push                DevicePushDetails     `json:"push"`
	DeviceSecret        string                `json:"deviceSecret,omitempty"`
	DeviceIdentityToken *IdentityTokenDetails `json:"deviceIdentityToken,omitempty"`
}

// DeviceDetailsPage is one page of a paginated device registration listing.
type DeviceDetailsPage struct {
	Items      []*DeviceDetails
	NextCursor string

	next func(ctx context.Context, cursor string) (*DeviceDetailsPage, error)
}

// NewDeviceDetailsPage builds a page whose Next call is served by fetch.
func NewDeviceDetailsPage(items []*DeviceDetails, nextCursor string, fetch func(ctx context.Context, cursor string) (*DeviceDetailsPage, error)) *DeviceDetailsPage {
	return &DeviceDetailsPage{Items: items, NextCursor: nextCursor, next: fetch}
}

// HasNext reports whether another page is available.
func (p *DeviceDetailsPage) HasNext() bool {
	return p.NextCursor != "" && p.next != nil
}

// Next fetches the following page. It returns nil, nil on the last page.
func (p *DeviceDetailsPage) Next(ctx context.Context) (*DeviceDetailsPage, error) {
	if !p.HasNext() {
		return nil, nil
	}
	return p.next(ctx, p.NextCursor)
}

// DeviceIdentity is the local, durable identity of this device.
// It is owned by the activation state machine; everything else gets copies.
type DeviceIdentity struct {
	ID            string                `json:"id"`
	Secret        string                `json:"secret"`
	ClientID      string                `json:"clientId,omitempty"`
	Platform      string                `json:"platform"`
	FormFactor    string                `json:"formFactor"`
	Metadata      map[string]string     `json:"metadata,omitempty"`
	Push          DevicePushDetails     `json:"push"`
	IdentityToken *IdentityTokenDetails `json:"identityToken,omitempty"`
}

// NewDeviceIdentity generates a fresh identity with a new ID and secret.
func NewDeviceIdentity(platform, formFactor string) (*DeviceIdentity, error) {
	secret, err := generateSecret()
	if err != nil {
		return nil, err
	}
	return &DeviceIdentity{
		ID:         uuid.New().String(),
		Secret:     secret,
		Platform:   platform,
		FormFactor: formFactor,
		Metadata:   map[string]string{},
	}, nil
}

// IsRegistered reports whether the backend has issued an identity token.
func (d *DeviceIdentity) IsRegistered() bool {
	return d != nil && d.IdentityToken != nil && d.IdentityToken.Token != ""
}

// Clone returns a deep copy.
func (d *DeviceIdentity) Clone() *DeviceIdentity {
	if d == nil {
		return nil
	}
	c := *d
	c.Metadata = maps.Clone(d.Metadata)
	c.Push = clonePushDetails(d.Push)
	if d.IdentityToken != nil {
		tok := *d.IdentityToken
		c.IdentityToken = &tok
	}
	return &c
}

// WithRecipient returns a copy carrying the given push recipient.
// A nil recipient keeps the current one.
func (d *DeviceIdentity) WithRecipient(recipient map[string]string) *DeviceIdentity {
	c := d.Clone()
	if recipient != nil {
		c.Push.Recipient = maps.Clone(recipient)
	}
	return c
}

// Details returns the wire form used when saving the registration.
func (d *DeviceIdentity) Details() *DeviceDetails {
	return &DeviceDetails{
		ID:           d.ID,
		ClientID:     d.ClientID,
		Platform:     d.Platform,
		FormFactor:   d.FormFactor,
		Metadata:     maps.Clone(d.Metadata),
		Push:         clonePushDetails(d.Push),
		DeviceSecret: d.Secret,
	}
}

// Validate checks the fields the backend requires.
func (d *DeviceDetails) Validate() error {
	switch {
	case d.ID == "":
		return fmt.Errorf("%w: id is required", ErrInvalidDevice)
	case d.Platform == "":
		return fmt.Errorf("%w: platform is required", ErrInvalidDevice)
	case d.FormFactor == "":
		return fmt.Errorf("%w: formFactor is required", ErrInvalidDevice)
	case d.Push.Recipient[RecipientTransportType] == "":
		return fmt.Errorf("%w: push.recipient.transportType is required", ErrInvalidDevice)
	}
	return nil
}

func clonePushDetails(p DevicePushDetails) DevicePushDetails {
	c := DevicePushDetails{
		Recipient: maps.Clone(p.Recipient),
		State:     p.State,
	}
	if p.ErrorReason != nil {
		reason := *p.ErrorReason
		c.ErrorReason = &reason
	}
	return c
}

func generateSecret() (string, error) {
	b := make([]byte, secretLength)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating device secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
