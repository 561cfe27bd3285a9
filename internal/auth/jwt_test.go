package auth_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaypush/relaypush/internal/auth"
)

func newTestJWTService(key, issuer, audience string) *auth.JWTService {
	return auth.NewJWTService(auth.JWTConfig{
		SigningKey: key,
		Issuer:     issuer,
		Audience:   audience,
	})
}

func TestJWTService_IssueAndValidateDeviceToken(t *testing.T) {
	svc := newTestJWTService("test-secret-key-for-testing-only", "https://push.example.com", "relaypush-devices")

	details, err := svc.IssueDeviceToken("dev-123", "client-1")
	require.NoError(t, err)
	assert.NotEmpty(t, details.Token)
	assert.Equal(t, "dev-123", details.DeviceID)
	assert.Equal(t, "client-1", details.ClientID)
	assert.True(t, details.Expires.After(details.Issued))
	assert.Equal(t, auth.DeviceTokenExpiry, details.Expires.Sub(details.Issued))

	claims, err := svc.ValidateDeviceToken(details.Token)
	require.NoError(t, err)
	assert.Equal(t, "dev-123", claims.DeviceID())
	assert.Equal(t, "client-1", claims.ClientID)
	assert.Equal(t, "https://push.example.com", claims.Issuer)
}

func TestJWTService_DefaultIssuerAndAudience(t *testing.T) {
	svc := newTestJWTService("k", "", "")

	details, err := svc.IssueDeviceToken("dev-123", "")
	require.NoError(t, err)

	claims, err := svc.ValidateDeviceToken(details.Token)
	require.NoError(t, err)
	assert.Equal(t, auth.DefaultIssuer, claims.Issuer)
	assert.Equal(t, []string{auth.DefaultAudience}, []string(claims.Audience))
}

func TestJWTService_IssueRequiresDeviceID(t *testing.T) {
	svc := newTestJWTService("k", "i", "a")

	_, err := svc.IssueDeviceToken("", "client-1")
	assert.ErrorIs(t, err, auth.ErrInvalidDeviceToken)
}

func TestJWTService_InvalidToken(t *testing.T) {
	svc := newTestJWTService("test-secret-key-for-testing-only", "https://push.example.com", "relaypush-devices")

	tests := []struct {
		name  string
		token string
	}{
		{"empty token", ""},
		{"malformed token", "not.a.valid.jwt"},
		{"invalid base64", "xxx.yyy.zzz"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.ValidateDeviceToken(tt.token)
			assert.ErrorIs(t, err, auth.ErrInvalidDeviceToken)
		})
	}
}

func TestJWTService_Mismatches(t *testing.T) {
	issuer := newTestJWTService("key-one", "issuer-one", "audience-one")
	details, err := issuer.IssueDeviceToken("dev-123", "")
	require.NoError(t, err)

	tests := []struct {
		name     string
		verifier *auth.JWTService
	}{
		{"wrong signing key", newTestJWTService("key-two", "issuer-one", "audience-one")},
		{"wrong issuer", newTestJWTService("key-one", "issuer-two", "audience-one")},
		{"wrong audience", newTestJWTService("key-one", "issuer-one", "audience-two")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.verifier.ValidateDeviceToken(details.Token)
			assert.ErrorIs(t, err, auth.ErrInvalidDeviceToken)
		})
	}
}

func TestJWTService_ExpiredToken(t *testing.T) {
	now := time.Now()
	cfg := auth.JWTConfig{
		SigningKey: "k",
		Issuer:     "i",
		Audience:   "a",
		Expiry:     time.Hour,
		Now:        func() time.Time { return now },
	}

	details, err := auth.NewJWTService(cfg).IssueDeviceToken("dev-123", "")
	require.NoError(t, err)

	cfg.Now = func() time.Time { return now.Add(2 * time.Hour) }
	_, err = auth.NewJWTService(cfg).ValidateDeviceToken(details.Token)
	assert.ErrorIs(t, err, auth.ErrDeviceTokenExpired)
}

func TestJWTService_TokensAreUnique(t *testing.T) {
	svc := newTestJWTService("k", "i", "a")

	first, err := svc.IssueDeviceToken("dev-123", "")
	require.NoError(t, err)
	second, err := svc.IssueDeviceToken("dev-123", "")
	require.NoError(t, err)

	assert.NotEqual(t, first.Token, second.Token)
}

func TestParseAPIKeys(t *testing.T) {
	keys, err := auth.ParseAPIKeys("ios:key-ios, web:key-web,bare-key,")
	require.NoError(t, err)
	assert.Equal(t, 3, keys.Len())

	name, err := keys.Authenticate("key-web")
	require.NoError(t, err)
	assert.Equal(t, "web", name)

	name, err = keys.Authenticate("bare-key")
	require.NoError(t, err)
	assert.Equal(t, "key2", name)

	_, err = keys.Authenticate("nope")
	assert.ErrorIs(t, err, auth.ErrInvalidAPIKey)

	_, err = keys.Authenticate("")
	assert.ErrorIs(t, err, auth.ErrInvalidAPIKey)
}

func TestParseAPIKeys_EmptyKey(t *testing.T) {
	_, err := auth.ParseAPIKeys("ios:")
	assert.Error(t, err)
}

func TestNewAPIKeys(t *testing.T) {
	keys := auth.NewAPIKeys(map[string]string{"admin": "secret"})

	name, err := keys.Authenticate("secret")
	require.NoError(t, err)
	assert.Equal(t, "admin", name)
}
