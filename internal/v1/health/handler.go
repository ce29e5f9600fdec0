package health

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/flylive/msab/internal/v1/bus"
	"github.com/flylive/msab/internal/v1/logging"
	"go.uber.org/zap"
)

// MediaEngineChecker checks the health of the media engine.
type MediaEngineChecker interface {
	Check(ctx context.Context, addr string) string
}

// DefaultMediaEngineChecker is the default implementation of MediaEngineChecker.
type DefaultMediaEngineChecker struct{}

// Check verifies gRPC connectivity to the media engine using the standard
// health check protocol.
func (c *DefaultMediaEngineChecker) Check(ctx context.Context, addr string) string {
	conn, err := grpc.NewClient(
		addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		logging.Error(ctx, "failed to connect to media engine for health check", zap.Error(err), zap.String("addr", addr))
		return "unhealthy"
	}
	defer func() { _ = conn.Close() }()

	healthClient := healthpb.NewHealthClient(conn)

	resp, err := healthClient.Check(ctx, &healthpb.HealthCheckRequest{
		Service: "", // empty string checks overall server health
	})
	if err != nil {
		logging.Error(ctx, "media engine health check RPC failed", zap.Error(err))
		return "unhealthy"
	}

	if resp.Status != healthpb.HealthCheckResponse_SERVING {
		logging.Warn(ctx, "media engine is not serving", zap.String("status", resp.Status.String()))
		return "unhealthy"
	}

	return "healthy"
}

// Handler manages health check endpoints.
type Handler struct {
	redisService      *bus.Service
	mediaEngineAddr   string
	mediaEngineEnabled bool
	mediaEngineChecker MediaEngineChecker
}

// NewHandler creates a new health check handler.
func NewHandler(redisService *bus.Service) *Handler {
	addr := os.Getenv("MEDIA_ENGINE_ADDR")
	if addr == "" {
		addr = "localhost:50051" // default for local development
	}

	enabled := os.Getenv("MEDIA_ENGINE_HEALTH_CHECK_ENABLED") != "false"

	return &Handler{
		redisService:       redisService,
		mediaEngineAddr:    addr,
		mediaEngineEnabled: enabled,
		mediaEngineChecker: &DefaultMediaEngineChecker{},
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

// Liveness handles the liveness probe endpoint.
// GET /health/live
// Returns 200 if the process is alive (no dependency checks).
func (h *Handler) Liveness(c *gin.Context) {
	response := LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	c.JSON(http.StatusOK, response)
}

// Readiness handles the readiness probe endpoint.
// GET /health/ready
// Returns 200 only if all critical dependencies are healthy, 503 otherwise.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	redisStatus := h.checkRedis(ctx)
	checks["redis"] = redisStatus
	if redisStatus != "healthy" {
		allHealthy = false
	}

	if h.mediaEngineEnabled {
		engineStatus := h.checkMediaEngine(ctx)
		checks["media_engine"] = engineStatus
		if engineStatus != "healthy" {
			allHealthy = false
		}
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	response := ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	c.JSON(statusCode, response)
}

// checkRedis verifies Redis connectivity using the PING command.
func (h *Handler) checkRedis(ctx context.Context) string {
	if h.redisService == nil {
		return "healthy"
	}

	if err := h.redisService.Ping(ctx); err != nil {
		logging.Error(ctx, "redis health check failed", zap.Error(err))
		return "unhealthy"
	}

	return "healthy"
}

// checkMediaEngine verifies gRPC connectivity to the media engine using the
// standard health check protocol.
func (h *Handler) checkMediaEngine(ctx context.Context) string {
	if h.mediaEngineChecker == nil {
		return "unhealthy"
	}
	return h.mediaEngineChecker.Check(ctx, h.mediaEngineAddr)
}

// HealthCheckResponse is a generic health check response for backward compatibility.
type HealthCheckResponse struct {
	Status string         `json:"status"`
	Data   map[string]any `json:"data,omitempty"`
}

// MarshalJSON implements custom JSON marshaling for better formatting.
func (r ReadinessResponse) MarshalJSON() ([]byte, error) {
	type Alias ReadinessResponse
	return json.Marshal(&struct {
		*Alias
	}{
		Alias: (*Alias)(&r),
	})
}
