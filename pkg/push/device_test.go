package push_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaypush/relaypush/pkg/push"
)

func TestNewDeviceIdentity(t *testing.T) {
	a, err := push.NewDeviceIdentity("ios", push.FormFactorPhone)
	require.NoError(t, err)
	b, err := push.NewDeviceIdentity("ios", push.FormFactorPhone)
	require.NoError(t, err)

	assert.NotEmpty(t, a.ID)
	assert.NotEmpty(t, a.Secret)
	assert.NotEqual(t, a.ID, b.ID)
	assert.NotEqual(t, a.Secret, b.Secret)
	assert.False(t, a.IsRegistered())
}

func TestDeviceIdentity_Clone(t *testing.T) {
	orig := &push.DeviceIdentity{
		ID:       "dev-1",
		Metadata: map[string]string{"k": "v"},
		Push: push.DevicePushDetails{
			Recipient: map[string]string{push.RecipientTransportType: push.TransportAPNS},
		},
		IdentityToken: &push.IdentityTokenDetails{Token: "tok"},
	}

	c := orig.Clone()
	c.Metadata["k"] = "changed"
	c.Push.Recipient[push.RecipientTransportType] = push.TransportFCM
	c.IdentityToken.Token = "other"

	assert.Equal(t, "v", orig.Metadata["k"])
	assert.Equal(t, push.TransportAPNS, orig.Push.Recipient[push.RecipientTransportType])
	assert.Equal(t, "tok", orig.IdentityToken.Token)
	assert.True(t, orig.IsRegistered())

	var nilIdentity *push.DeviceIdentity
	assert.Nil(t, nilIdentity.Clone())
}

func TestDeviceIdentity_WithRecipient(t *testing.T) {
	orig := &push.DeviceIdentity{
		ID:   "dev-1",
		Push: push.DevicePushDetails{Recipient: map[string]string{"deviceToken": "a"}},
	}

	updated := orig.WithRecipient(map[string]string{"deviceToken": "b"})
	assert.Equal(t, "b", updated.Push.Recipient["deviceToken"])
	assert.Equal(t, "a", orig.Push.Recipient["deviceToken"])

	kept := orig.WithRecipient(nil)
	assert.Equal(t, "a", kept.Push.Recipient["deviceToken"])
}

func TestDeviceDetails_Validate(t *testing.T) {
	valid := func() *push.DeviceDetails {
		return &push.DeviceDetails{
			ID:         "dev-1",
			Platform:   "android",
			FormFactor: push.FormFactorPhone,
			Push: push.DevicePushDetails{
				Recipient: map[string]string{push.RecipientTransportType: push.TransportFCM},
			},
		}
	}

	tests := []struct {
		name   string
		mutate func(d *push.DeviceDetails)
		ok     bool
	}{
		{name: "valid", mutate: func(*push.DeviceDetails) {}, ok: true},
		{name: "missing id", mutate: func(d *push.DeviceDetails) { d.ID = "" }},
		{name: "missing platform", mutate: func(d *push.DeviceDetails) { d.Platform = "" }},
		{name: "missing form factor", mutate: func(d *push.DeviceDetails) { d.FormFactor = "" }},
		{name: "missing transport", mutate: func(d *push.DeviceDetails) { d.Push.Recipient = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := valid()
			tt.mutate(d)
			err := d.Validate()
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, push.ErrInvalidDevice)
		})
	}
}

func TestDeviceDetailsPage_Next(t *testing.T) {
	calls := 0
	var fetch func(ctx context.Context, cursor string) (*push.DeviceDetailsPage, error)
	fetch = func(_ context.Context, cursor string) (*push.DeviceDetailsPage, error) {
		calls++
		assert.Equal(t, "c1", cursor)
		return push.NewDeviceDetailsPage([]*push.DeviceDetails{{ID: "b"}}, "", fetch), nil
	}

	first := push.NewDeviceDetailsPage([]*push.DeviceDetails{{ID: "a"}}, "c1", fetch)
	require.True(t, first.HasNext())

	second, err := first.Next(context.Background())
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, "b", second.Items[0].ID)
	assert.False(t, second.HasNext())

	last, err := second.Next(context.Background())
	require.NoError(t, err)
	assert.Nil(t, last)
	assert.Equal(t, 1, calls)
}

func TestErrorInfoFrom(t *testing.T) {
	assert.Nil(t, push.ErrorInfoFrom(nil))

	info := push.NewErrorInfo(push.CodeForbidden, 403, "nope")
	assert.Same(t, info, push.ErrorInfoFrom(fmt.Errorf("wrapped: %w", info)))

	timeout := push.ErrorInfoFrom(context.DeadlineExceeded)
	assert.Equal(t, push.CodeTimeout, timeout.Code)

	invalid := push.ErrorInfoFrom(fmt.Errorf("%w: bad", push.ErrInvalidDevice))
	assert.Equal(t, push.CodeBadRequest, invalid.Code)

	other := push.ErrorInfoFrom(errors.New("boom"))
	assert.Equal(t, push.CodeInternal, other.Code)
	assert.Contains(t, other.Error(), "boom")
}

func TestCodeForStatus(t *testing.T) {
	assert.Equal(t, push.CodeUnauthorized, push.CodeForStatus(401))
	assert.Equal(t, push.CodeForbidden, push.CodeForStatus(403))
	assert.Equal(t, push.CodeNotFound, push.CodeForStatus(404))
	assert.Equal(t, push.CodeBadRequest, push.CodeForStatus(422))
	assert.Equal(t, push.CodeTimeout, push.CodeForStatus(504))
	assert.Equal(t, push.CodeInternal, push.CodeForStatus(503))
}

func TestIdentityTokenContext(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, push.IdentityTokenFromContext(ctx))

	assert.Equal(t, ctx, push.ContextWithIdentityToken(ctx, nil))

	ctx = push.ContextWithIdentityToken(ctx, &push.IdentityTokenDetails{Token: "abc"})
	assert.Equal(t, "abc", push.IdentityTokenFromContext(ctx))
}
