// Package auth issues and validates the credentials accepted by the registration API.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/relaypush/relaypush/pkg/push"
)

// Device identity tokens
//
// A device that completes registration receives a short-lived HS256 JWT whose
// subject is its device ID. The device presents it in the X-Device-Token header
// to update or remove its own registration without the application key.
// Every successful save issues a new token; old tokens stay valid until expiry.

// Defaults applied by NewJWTService.
const (
	DeviceTokenExpiry = 30 * 24 * time.Hour
	DefaultIssuer     = "relaypush"
	DefaultAudience   = "relaypush-devices"
)

// Predefined JWT errors.
var (
	ErrInvalidDeviceToken = errors.New("invalid device token")
	ErrDeviceTokenExpired = errors.New("device token has expired")
)

// DeviceClaims represents the claims in a device identity token.
type DeviceClaims struct {
	jwt.RegisteredClaims

	// ClientID is the client identity the device registered with.
	ClientID string `json:"cid,omitempty"`
}

// DeviceID returns the device the token was issued to.
func (c *DeviceClaims) DeviceID() string {
	return c.Subject
}

// JWTConfig holds configuration for the device token service.
type JWTConfig struct {
	// SigningKey is the secret key used to sign JWTs.
	SigningKey string

	// Issuer is the issuer claim for tokens. Defaults to DefaultIssuer.
	Issuer string

	// Audience is the audience claim for tokens. Defaults to DefaultAudience.
	Audience string

	// Expiry defaults to DeviceTokenExpiry.
	Expiry time.Duration

	// Now defaults to time.Now.
	Now func() time.Time
}

// JWTService handles device token creation and validation.
type JWTService struct {
	signingKey []byte
	issuer     string
	audience   string
	expiry     time.Duration
	now        func() time.Time
}

// NewJWTService creates a new device token service.
func NewJWTService(cfg JWTConfig) *JWTService {
	if cfg.Expiry <= 0 {
		cfg.Expiry = DeviceTokenExpiry
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Issuer == "" {
		cfg.Issuer = DefaultIssuer
	}
	if cfg.Audience == "" {
		cfg.Audience = DefaultAudience
	}
	return &JWTService{
		signingKey: []byte(cfg.SigningKey),
		issuer:     cfg.Issuer,
		audience:   cfg.Audience,
		expiry:     cfg.Expiry,
		now:        cfg.Now,
	}
}

// IssueDeviceToken creates a new identity token for the given device.
func (s *JWTService) IssueDeviceToken(deviceID, clientID string) (*push.IdentityTokenDetails, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("%w: device id is required", ErrInvalidDeviceToken)
	}

	now := s.now().Truncate(time.Second)
	expiresAt := now.Add(s.expiry)

	claims := DeviceClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   deviceID,
			Audience:  jwt.ClaimStrings{s.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			NotBefore: jwt.NewNumericDate(now),
			ID:        generateTokenID(),
		},
		ClientID: clientID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.signingKey)
	if err != nil {
		return nil, fmt.Errorf("signing device token: %w", err)
	}

	return &push.IdentityTokenDetails{
		Token:    tokenString,
		Issued:   now,
		Expires:  expiresAt,
		DeviceID: deviceID,
		ClientID: clientID,
	}, nil
}

// ValidateDeviceToken validates a device token and returns its claims.
func (s *JWTService) ValidateDeviceToken(tokenString string) (*DeviceClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &DeviceClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.signingKey, nil
	}, jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrDeviceTokenExpired
		}
		return nil, fmt.Errorf("%w: %s", ErrInvalidDeviceToken, err.Error())
	}

	claims, ok := token.Claims.(*DeviceClaims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidDeviceToken
	}

	return claims, nil
}

// generateTokenID generates a unique token ID.
func generateTokenID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(bytes)
}
