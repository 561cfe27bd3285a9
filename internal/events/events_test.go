package events_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaypush/relaypush/internal/events"
)

func TestDecode(t *testing.T) {
	msg := events.Message{
		Type:       events.TypeRegistrationSaved,
		DeviceID:   "dev-1",
		ClientID:   "client-1",
		Transport:  "fcm",
		Created:    true,
		OccurredAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	data, err := msg.Encode()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"registration_saved"`)
	assert.Contains(t, string(data), `"transportType":"fcm"`)

	decoded, err := events.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, msg, decoded)
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr error
	}{
		{"unknown type", `{"type":"refresh"}`, events.ErrUnknownType},
		{"missing type", `{}`, events.ErrUnknownType},
		{"malformed", `{`, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := events.Decode([]byte(tt.data))
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestRecorder(t *testing.T) {
	rec := events.NewRecorder()
	ctx := context.Background()

	require.NoError(t, rec.Publish(ctx, events.Message{Type: events.TypeRegistrationRemoved, DeviceID: "a"}))

	boom := errors.New("boom")
	rec.FailWith(boom)
	assert.ErrorIs(t, rec.Publish(ctx, events.Message{Type: events.TypeRegistrationRemoved, DeviceID: "b"}), boom)

	rec.FailWith(nil)
	require.NoError(t, rec.Publish(ctx, events.Message{Type: events.TypeRegistrationRemoved, DeviceID: "c"}))

	msgs := rec.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "a", msgs[0].DeviceID)
	assert.Equal(t, "c", msgs[1].DeviceID)
}
