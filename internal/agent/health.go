package agent

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/relaypush/relaypush/internal/api/middleware"
	"github.com/relaypush/relaypush/internal/api/models"
	"github.com/relaypush/relaypush/internal/api/response"
	"github.com/relaypush/relaypush/internal/resilience"
	"github.com/relaypush/relaypush/pkg/push"
	"github.com/relaypush/relaypush/pkg/push/activation"
)

// MachineStatus is the part of the machine the health endpoint reads.
type MachineStatus interface {
	CurrentStateUnsynchronized() activation.State
	Device() push.DeviceIdentity
	PendingEvents() int
}

var _ MachineStatus = (*activation.Machine)(nil)

// NewHealthRouter serves GET /health with the activation state and the
// circuit breaker health of every backend endpoint.
func NewHealthRouter(machine MachineStatus, registry *resilience.Registry, logger zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Recovery(logger))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		identity := machine.Device()
		endpoints := registry.Snapshot()

		health := models.Health{
			Status: endpointStatus(endpoints),
			Time:   models.Timestamp(time.Now()),
			Details: map[string]interface{}{
				"state":         machine.CurrentStateUnsynchronized().String(),
				"deviceId":      identity.ID,
				"registered":    identity.IsRegistered(),
				"pendingEvents": machine.PendingEvents(),
				"endpoints":     endpoints,
			},
		}

		status := http.StatusOK
		if health.Status == models.HealthStatusFail {
			status = http.StatusServiceUnavailable
		}
		response.JSON(w, r, status, health)
	})

	return r
}

func endpointStatus(endpoints []*resilience.EndpointHealth) models.HealthStatus {
	status := models.HealthStatusOK
	for _, e := range endpoints {
		switch {
		case e.Down():
			return models.HealthStatusFail
		case e.Degraded():
			status = models.HealthStatusDegraded
		}
	}
	return status
}
