package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/fleetbeat/fleetbeat/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusDegraded  = "degraded"
	healthStatusUnhealthy = "unhealthy"
)

// HealthCheck is the per-component result in a health response.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is the GET /health body.
type HealthResponse struct {
	Status  string                 `json:"status"`
	Version string                 `json:"version"`
	Checks  map[string]HealthCheck `json:"checks"`
}

// healthHandler handles GET /health.
// The store is load-bearing so its failure is unhealthy; a backplane outage
// only degrades fan-out between instances, so it must not make the
// orchestrator restart the process.
func (s *Server) healthHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]HealthCheck)
	status := healthStatusHealthy

	if err := s.storePing.Ping(reqCtx); err != nil {
		status = healthStatusUnhealthy
		checks["store"] = HealthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
	} else {
		checks["store"] = HealthCheck{Status: healthStatusHealthy}
	}

	if s.backplanePing != nil {
		if err := s.backplanePing.Ping(reqCtx); err != nil {
			if status == healthStatusHealthy {
				status = healthStatusDegraded
			}
			checks["backplane"] = HealthCheck{Status: healthStatusDegraded, Message: err.Error()}
		} else {
			checks["backplane"] = HealthCheck{Status: healthStatusHealthy}
		}
	}

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}

	return c.JSON(httpStatus, &HealthResponse{
		Status:  status,
		Version: version.GitCommit,
		Checks:  checks,
	})
}
