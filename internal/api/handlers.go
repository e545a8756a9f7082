package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/NikhilSetiya/apiguard/pkg/cache"
	"github.com/NikhilSetiya/apiguard/pkg/health"
	"github.com/NikhilSetiya/apiguard/pkg/monitoring"
	"github.com/NikhilSetiya/apiguard/pkg/telemetry"
)

// Handler serves the admin endpoints
type Handler struct {
	svc *monitoring.Service
}

// NewHandler creates a handler over svc
func NewHandler(svc *monitoring.Service) *Handler {
	return &Handler{svc: svc}
}

// GetInfo describes the running service
func (h *Handler) GetInfo(c *gin.Context) {
	cfg := h.svc.Config()
	SuccessResponse(c, gin.H{
		"name":     cfg.ServiceName,
		"version":  cfg.Version,
		"upstream": cfg.Upstream.BaseURL,
	})
}

type cacheStatsResponse struct {
	cache.Stats
	HitRatio float64 `json:"hitRatio"`
}

// GetCacheStats handles GET /api/v1/cache
func (h *Handler) GetCacheStats(c *gin.Context) {
	stats := h.svc.GetCacheStats(c.Request.Context())
	SuccessResponse(c, cacheStatsResponse{Stats: stats, HitRatio: stats.HitRatio()})
}

// ClearCache handles DELETE /api/v1/cache
func (h *Handler) ClearCache(c *gin.Context) {
	if err := h.svc.ClearCache(c.Request.Context()); err != nil {
		_ = c.Error(err)
		ErrorResponseFromError(c, err)
		return
	}
	SuccessResponse(c, gin.H{"cleared": true})
}

// GetCircuitBreakers handles GET /api/v1/circuit-breakers
func (h *Handler) GetCircuitBreakers(c *gin.Context) {
	SuccessResponse(c, h.svc.GetCircuitBreakerStats())
}

// ResetCircuitBreakers handles POST /api/v1/circuit-breakers/reset
func (h *Handler) ResetCircuitBreakers(c *gin.Context) {
	h.svc.ResetCircuitBreakers()
	SuccessResponse(c, h.svc.GetCircuitBreakerStats())
}

type healthResponse struct {
	Status    health.Status                    `json:"status"`
	Endpoints map[string]health.EndpointStatus `json:"endpoints"`
}

// GetHealth handles GET /api/v1/health. It answers 503 while any probed
// endpoint is unhealthy.
func (h *Handler) GetHealth(c *gin.Context) {
	status := h.svc.Health().Overall()
	resp := APIResponse{
		Success:   true,
		Data:      healthResponse{Status: status, Endpoints: h.svc.GetHealthStatus()},
		RequestID: requestID(c),
		Timestamp: time.Now(),
	}

	code := http.StatusOK
	if status == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, resp)
}

// GetSystemHealth handles GET /api/v1/system
func (h *Handler) GetSystemHealth(c *gin.Context) {
	SuccessResponse(c, h.svc.GetSystemHealth())
}

// ExportLogs handles GET /api/v1/logs?format=json|csv. The export is served
// raw rather than inside the response envelope.
func (h *Handler) ExportLogs(c *gin.Context) {
	format := strings.ToLower(c.DefaultQuery("format", telemetry.FormatJSON))
	data, err := h.svc.ExportLogs(format)
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}

	contentType := "application/json"
	if format == telemetry.FormatCSV {
		contentType = "text/csv; charset=utf-8"
		c.Header("Content-Disposition", `attachment; filename="logs.csv"`)
	}
	c.Data(http.StatusOK, contentType, data)
}

// GetActiveAlerts handles GET /api/v1/alerts
func (h *Handler) GetActiveAlerts(c *gin.Context) {
	SuccessResponse(c, h.svc.ActiveAlerts())
}

// GetAlertRules handles GET /api/v1/alerts/rules
func (h *Handler) GetAlertRules(c *gin.Context) {
	SuccessResponse(c, h.svc.AlertRules())
}
