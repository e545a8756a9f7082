// Package api serves the admin HTTP surface over a monitoring.Service.
package api

import (
	"github.com/gin-gonic/gin"

	"github.com/NikhilSetiya/apiguard/internal/middleware"
	"github.com/NikhilSetiya/apiguard/pkg/health"
	"github.com/NikhilSetiya/apiguard/pkg/monitoring"
)

// NewRouter creates and configures the admin API router
func NewRouter(svc *monitoring.Service) *gin.Engine {
	if svc.Config().Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	logger := svc.Logger()

	router.Use(middleware.RequestID())
	router.Use(middleware.LoggingMiddleware(logger))
	router.Use(middleware.RecoveryMiddleware(logger))
	router.Use(middleware.ErrorLoggingMiddleware(logger))
	router.Use(middleware.CORS(svc.Config().Server.CORSOrigins))
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.BodyLimit(svc.Config().Server.MaxBodyBytes))
	router.Use(svc.Metrics().PrometheusMiddleware())
	router.Use(svc.Tracing().TracingMiddleware())

	router.GET("/healthz", health.LivenessHandler())
	router.GET("/metrics", gin.WrapH(svc.Metrics().Handler()))

	h := NewHandler(svc)
	v1 := router.Group("/api/v1")
	{
		v1.GET("", h.GetInfo)

		cache := v1.Group("/cache")
		{
			cache.GET("", h.GetCacheStats)
			cache.DELETE("", h.ClearCache)
		}

		breakers := v1.Group("/circuit-breakers")
		{
			breakers.GET("", h.GetCircuitBreakers)
			breakers.POST("/reset", h.ResetCircuitBreakers)
		}

		v1.GET("/health", h.GetHealth)
		v1.GET("/system", h.GetSystemHealth)
		v1.GET("/logs", h.ExportLogs)

		alerts := v1.Group("/alerts")
		{
			alerts.GET("", h.GetActiveAlerts)
			alerts.GET("/rules", h.GetAlertRules)
		}
	}

	router.NoRoute(func(c *gin.Context) {
		NotFoundResponse(c, "route not found")
	})

	return router
}
