package activation_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaypush/relaypush/pkg/push"
	"github.com/relaypush/relaypush/pkg/push/activation"
	"github.com/relaypush/relaypush/pkg/push/storage"
)

func TestKVStore_LoadEmpty(t *testing.T) {
	store := activation.NewKVStore(storage.NewMemoryStorage())

	rec, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, activation.NotActivated, rec.State)
	assert.Empty(t, rec.PendingEvents)
	assert.Nil(t, rec.Candidate)

	device, err := store.LoadDevice(context.Background())
	require.NoError(t, err)
	assert.Nil(t, device)
}

func TestKVStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemoryStorage()
	store := activation.NewKVStore(kv)

	rec := activation.Record{
		State: activation.WaitingForDeviceRegistration,
		PendingEvents: []activation.Event{
			activation.CalledDeactivate{},
			activation.GotNewPushDeviceDetails{Recipient: map[string]string{"deviceToken": "new"}},
		},
		Candidate: &push.DeviceIdentity{ID: "dev-1", Push: push.DevicePushDetails{Recipient: map[string]string{"deviceToken": "abc"}}},
	}
	require.NoError(t, store.Save(ctx, rec))

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, rec, loaded)

	// Clearing the candidate removes its key.
	rec.Candidate = nil
	require.NoError(t, store.Save(ctx, rec))
	_, err = kv.Get(ctx, activation.KeyCandidate)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestKVStore_Layout(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemoryStorage()
	store := activation.NewKVStore(kv)

	require.NoError(t, store.Save(ctx, activation.Record{
		State:         activation.WaitingForNewPushDeviceDetails,
		PendingEvents: []activation.Event{activation.CalledActivate{}},
	}))

	state, err := kv.Get(ctx, activation.KeyCurrentState)
	require.NoError(t, err)
	assert.Equal(t, "WaitingForNewPushDeviceDetails", string(state))

	pending, err := kv.Get(ctx, activation.KeyPendingEvents)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"type":"CalledActivate"}]`, string(pending))
}

func TestKVStore_Device(t *testing.T) {
	ctx := context.Background()
	store := activation.NewKVStore(storage.NewMemoryStorage())

	device := &push.DeviceIdentity{
		ID:            "dev-1",
		Secret:        "s3cret",
		ClientID:      "alice",
		Platform:      "android",
		FormFactor:    push.FormFactorPhone,
		IdentityToken: &push.IdentityTokenDetails{Token: "tok"},
	}
	require.NoError(t, store.SaveDevice(ctx, device))

	loaded, err := store.LoadDevice(ctx)
	require.NoError(t, err)
	assert.Equal(t, device, loaded)
}

func TestKVStore_Corrupt(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name  string
		key   string
		value string
	}{
		{name: "unknown state", key: activation.KeyCurrentState, value: "Sideways"},
		{name: "bad queue", key: activation.KeyPendingEvents, value: "{"},
		{name: "unknown event", key: activation.KeyPendingEvents, value: `[{"type":"Nope"}]`},
		{name: "bad candidate", key: activation.KeyCandidate, value: "[]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kv := storage.NewMemoryStorage()
			require.NoError(t, kv.Put(ctx, tt.key, []byte(tt.value)))

			rec, err := activation.NewKVStore(kv).Load(ctx)
			assert.ErrorIs(t, err, activation.ErrCorruptRecord)
			assert.Equal(t, activation.NotActivated, rec.State)
		})
	}
}

func TestKVStore_SQLite(t *testing.T) {
	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	defer db.Close()

	store := activation.NewKVStore(db)
	rec := activation.Record{
		State:         activation.WaitingForRegistrationSync,
		PendingEvents: []activation.Event{activation.CalledActivate{}},
		Candidate:     &push.DeviceIdentity{ID: "dev-1"},
	}
	require.NoError(t, store.Save(ctx, rec))

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, rec, loaded)
}
