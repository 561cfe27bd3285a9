package resilience_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaypush/relaypush/internal/resilience"
)

func TestRegistry_TracksClients(t *testing.T) {
	registry := resilience.NewRegistry()
	for _, name := range []string{"registrations", "events"} {
		cfg := resilience.DefaultClientConfig(name)
		cfg.Registry = registry
		_ = resilience.NewClient(cfg)
	}

	require.Equal(t, 2, registry.Len())

	snap := registry.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "events", snap[0].Name)
	assert.Equal(t, "registrations", snap[1].Name)
	for _, h := range snap {
		assert.True(t, h.Healthy())
		assert.Equal(t, gobreaker.StateClosed.String(), h.State)
	}

	registry.Unregister("events")
	assert.Equal(t, 1, registry.Len())
	assert.Nil(t, registry.Health("events"))
}

func TestRegistry_RecordsOutcomes(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer server.Close()

	registry := resilience.NewRegistry()
	cfg := fastConfig("registrations")
	cfg.MaxRetries = resilience.NoRetries
	cfg.Registry = registry
	client := resilience.NewClient(cfg)

	health := registry.Health("registrations")
	require.NotNil(t, health)
	assert.Nil(t, health.LastSuccessAt)
	assert.Nil(t, health.LastFailureAt)

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, server.URL, http.NoBody)
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	health = registry.Health("registrations")
	require.NotNil(t, health.LastSuccessAt)
	assert.WithinDuration(t, time.Now(), *health.LastSuccessAt, time.Second)

	status.Store(http.StatusInternalServerError)
	req, err = http.NewRequestWithContext(context.Background(), http.MethodGet, server.URL, http.NoBody)
	require.NoError(t, err)
	resp, err = client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	health = registry.Health("registrations")
	require.NotNil(t, health.LastFailureAt)
	assert.Contains(t, health.LastError, "Internal Server Error")
}

func TestEndpointHealth_States(t *testing.T) {
	tests := []struct {
		state    gobreaker.State
		healthy  bool
		degraded bool
		down     bool
	}{
		{gobreaker.StateClosed, true, false, false},
		{gobreaker.StateHalfOpen, false, true, false},
		{gobreaker.StateOpen, false, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			h := &resilience.EndpointHealth{CircuitState: tt.state}
			assert.Equal(t, tt.healthy, h.Healthy())
			assert.Equal(t, tt.degraded, h.Degraded())
			assert.Equal(t, tt.down, h.Down())
		})
	}
}
