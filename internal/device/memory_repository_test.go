package device_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaypush/relaypush/internal/device"
	"github.com/relaypush/relaypush/pkg/push"
)

func TestInMemoryRepository_CopiesOnReadAndWrite(t *testing.T) {
	repo := device.NewInMemoryRepository()
	ctx := context.Background()

	reg := device.FromDetails(testDetails("dev-1"), time.Now())
	created, err := repo.Upsert(ctx, reg)
	require.NoError(t, err)
	assert.True(t, created)

	reg.Recipient[push.RecipientDeviceToken] = "mutated"

	got, err := repo.Get(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, "apns-token-dev-1", got.Recipient[push.RecipientDeviceToken])

	got.Metadata = map[string]string{"x": "y"}
	again, err := repo.Get(ctx, "dev-1")
	require.NoError(t, err)
	assert.Empty(t, again.Metadata)
}

func TestInMemoryRepository_DeleteMissing(t *testing.T) {
	repo := device.NewInMemoryRepository()
	assert.ErrorIs(t, repo.Delete(context.Background(), "nope"), device.ErrDeviceNotFound)
}

func TestInMemoryRepository_ListFilter(t *testing.T) {
	repo := device.NewInMemoryRepository()
	ctx := context.Background()

	for _, id := range []string{"b", "a", "c"} {
		d := testDetails(id)
		if id == "c" {
			d.ClientID = "other"
		}
		_, err := repo.Upsert(ctx, device.FromDetails(d, time.Now()))
		require.NoError(t, err)
	}

	result, err := repo.List(ctx, device.ListOptions{Filter: device.Filter{ClientID: "client-1"}})
	require.NoError(t, err)
	require.Len(t, result.Items, 2)
	assert.Equal(t, "a", result.Items[0].ID)
	assert.Equal(t, "b", result.Items[1].ID)
	assert.Empty(t, result.NextCursor)

	result, err = repo.List(ctx, device.ListOptions{Filter: device.Filter{DeviceID: "c"}})
	require.NoError(t, err)
	require.Len(t, result.Items, 1)
}

func TestRegistration_Helpers(t *testing.T) {
	reg := device.FromDetails(testDetails("dev-1"), time.Now())

	assert.Equal(t, push.TransportAPNS, reg.TransportType())
	assert.Equal(t, "ev-1", reg.TokenLast4())
	assert.True(t, reg.SecretMatches("secret-dev-1"))
	assert.False(t, reg.SecretMatches("wrong"))
	assert.False(t, reg.SecretMatches(""))

	fcm := &device.Registration{Recipient: map[string]string{push.RecipientRegistration: "abc"}}
	assert.Equal(t, "abc", fcm.TokenLast4())

	details := reg.Details()
	assert.Empty(t, details.DeviceSecret)
	assert.Equal(t, "dev-1", details.ID)
}

func TestFilter(t *testing.T) {
	reg := &device.Registration{ID: "dev-1", ClientID: "c1"}

	assert.True(t, device.Filter{}.IsEmpty())
	assert.True(t, device.Filter{}.Matches(reg))
	assert.True(t, device.Filter{ClientID: "c1"}.Matches(reg))
	assert.False(t, device.Filter{ClientID: "c2"}.Matches(reg))
	assert.True(t, device.Filter{ClientID: "c1", DeviceID: "dev-1"}.Matches(reg))
	assert.False(t, device.Filter{ClientID: "c1", DeviceID: "dev-2"}.Matches(reg))
}
