// Package health exposes Kubernetes-style liveness and readiness probes.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/marzo245/RoleDesk-B/internal/v1/logging"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Pinger checks connectivity to a dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler serves the health endpoints. Dependencies are named pingers;
// single-instance deployments register none and are always ready.
type Handler struct {
	checks map[string]Pinger
}

// NewHandler builds a health handler over the given dependency checks. Nil
// pingers are skipped so callers can pass optional dependencies directly.
func NewHandler(checks map[string]Pinger) *Handler {
	filtered := make(map[string]Pinger, len(checks))
	for name, p := range checks {
		if p != nil {
			filtered[name] = p
		}
	}
	return &Handler{checks: filtered}
}

// LivenessResponse is the body of GET /health/live.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse is the body of GET /health/ready.
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness returns 200 whenever the process is alive. No dependency checks.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness returns 200 only when every registered dependency answers a
// ping within the deadline; 503 otherwise.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string, len(h.checks))
	allHealthy := true

	for name, pinger := range h.checks {
		if err := pinger.Ping(ctx); err != nil {
			logging.Error(ctx, "Dependency health check failed",
				zap.String("dependency", name), zap.Error(err))
			checks[name] = "unhealthy"
			allHealthy = false
			continue
		}
		checks[name] = "healthy"
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}
