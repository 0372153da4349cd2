package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/annotatehub/collab-server/internal/v1/cluster"
	"github.com/annotatehub/collab-server/internal/v1/logging"
	"go.uber.org/zap"
)

// RESTChecker checks reachability of the outbound REST collaborators.
type RESTChecker interface {
	Check(ctx context.Context) string
}

// Handler manages health check endpoints (spec §6: /health, /ready).
type Handler struct {
	cluster     cluster.Adapter
	restChecker RESTChecker
	restEnabled bool
}

// NewHandler creates a new health check handler. clusterSvc accepts any
// cluster.Adapter (Redis or NATS) or nil in single-instance mode.
func NewHandler(clusterSvc cluster.Adapter, restChecker RESTChecker) *Handler {
	return &Handler{
		cluster:     clusterSvc,
		restChecker: restChecker,
		restEnabled: restChecker != nil,
	}
}

// LivenessResponse represents the liveness probe response.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response.
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles the liveness probe endpoint. GET /health/live.
// Returns 200 if the process is alive; it checks no dependencies.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness handles the readiness probe endpoint. GET /health/ready.
// Returns 200 only if all critical dependencies are healthy, 503 otherwise.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	clusterStatus := h.checkCluster(ctx)
	checks["cluster"] = clusterStatus
	if clusterStatus != "healthy" {
		allHealthy = false
	}

	if h.restEnabled {
		restStatus := h.restChecker.Check(ctx)
		checks["rest_collaborators"] = restStatus
		if restStatus != "healthy" {
			allHealthy = false
		}
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

func (h *Handler) checkCluster(ctx context.Context) string {
	if h.cluster == nil {
		return "healthy"
	}
	if err := h.cluster.Ping(ctx); err != nil {
		logging.Error(ctx, "cluster health check failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}

// HealthCheckResponse is a generic health check response for backward compatibility.
type HealthCheckResponse struct {
	Status string         `json:"status"`
	Data   map[string]any `json:"data,omitempty"`
}

// MarshalJSON implements custom JSON marshaling for stable field ordering.
func (r ReadinessResponse) MarshalJSON() ([]byte, error) {
	type Alias ReadinessResponse
	return json.Marshal(&struct{ *Alias }{Alias: (*Alias)(&r)})
}
