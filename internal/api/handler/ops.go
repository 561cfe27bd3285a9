// Package handler provides HTTP handlers for the push registration API.
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/relaypush/relaypush/internal/api/models"
	"github.com/relaypush/relaypush/internal/api/response"
)

// readinessTimeout bounds each dependency check.
const readinessTimeout = 2 * time.Second

// ReadinessCheck reports whether a dependency can serve traffic.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// OpsHandler handles operational endpoints.
type OpsHandler struct {
	version   string
	buildTime string
	checks    []ReadinessCheck
}

// NewOpsHandler creates a new OpsHandler.
func NewOpsHandler(version, buildTime string, checks ...ReadinessCheck) *OpsHandler {
	return &OpsHandler{
		version:   version,
		buildTime: buildTime,
		checks:    checks,
	}
}

// HealthCheck handles GET /v1/ops/health - liveness check.
func (h *OpsHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	health := models.Health{
		Status: models.HealthStatusOK,
		Time:   models.Timestamp(time.Now()),
		Details: map[string]interface{}{
			"version":   h.version,
			"buildTime": h.buildTime,
		},
	}
	response.JSON(w, r, http.StatusOK, health)
}

// ReadinessCheck handles GET /v1/ops/ready - dependency checks.
func (h *OpsHandler) ReadinessCheck(w http.ResponseWriter, r *http.Request) {
	readiness := models.Readiness{
		Status:     models.HealthStatusOK,
		Time:       models.Timestamp(time.Now()),
		Subsystems: make([]models.SubsystemStatus, 0, len(h.checks)),
	}

	for _, c := range h.checks {
		ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
		err := c.Check(ctx)
		cancel()

		sub := models.SubsystemStatus{Name: c.Name, Status: models.HealthStatusOK}
		if err != nil {
			detail := err.Error()
			sub.Status = models.HealthStatusFail
			sub.Detail = &detail
			readiness.Status = models.HealthStatusFail
		}
		readiness.Subsystems = append(readiness.Subsystems, sub)
	}

	status := http.StatusOK
	if readiness.Status != models.HealthStatusOK {
		status = http.StatusServiceUnavailable
	}
	response.JSON(w, r, status, readiness)
}
