package router

import (
	"integration-hub/api/handlers"
	"integration-hub/api/middleware"
	"integration-hub/config"
	"integration-hub/internal/cache"
	"integration-hub/internal/deadletter"
	"integration-hub/internal/endpoints"
	"integration-hub/internal/events"
	"integration-hub/internal/mapping"
	"integration-hub/internal/syncjob"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Services are the components the HTTP API exposes.
type Services struct {
	Store     handlers.Pinger
	Events    *events.Service
	Mappings  *mapping.Service
	Endpoints *endpoints.Registry
	DLQ       *deadletter.Manager
	Sync      *syncjob.Orchestrator
	Limiter   cache.Limiter
}

func Setup(logger *zap.Logger, svc Services, security config.SecurityConfig, metricsPath string) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))

	sec := middleware.NewSecurityMiddleware(logger, security.APIKeys, security.APIKeyHeader, security.AllowedOrigins)
	router.Use(sec.CORS())

	health := handlers.NewHealthHandler(logger, svc.Store)
	router.GET("/health", health.Health)

	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	router.GET(metricsPath, gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1", sec.Authenticate())

	eventHandler := handlers.NewEventHandler(logger, svc.Events)
	ingest := []gin.HandlerFunc{sec.ValidatePayload()}
	if svc.Limiter != nil {
		ingest = append(ingest, sec.RateLimit(svc.Limiter))
	}
	v1.POST("/events", append(ingest, eventHandler.Submit)...)
	v1.GET("/events", eventHandler.List)
	v1.GET("/events/stats", eventHandler.Stats)
	v1.GET("/events/:id", eventHandler.Get)
	v1.POST("/events/:id/retry", eventHandler.Retry)

	mappingHandler := handlers.NewMappingHandler(logger, svc.Mappings)
	v1.GET("/mappings", mappingHandler.List)
	v1.POST("/mappings", mappingHandler.Publish)
	v1.POST("/mappings/test", mappingHandler.Test)
	v1.GET("/mappings/:type/:target", mappingHandler.Get)
	v1.GET("/mappings/:type/:target/versions", mappingHandler.Versions)

	endpointHandler := handlers.NewEndpointHandler(logger, svc.Endpoints)
	v1.GET("/endpoints", endpointHandler.List)
	v1.POST("/endpoints", endpointHandler.Register)
	v1.GET("/endpoints/:id", endpointHandler.Get)
	v1.PUT("/endpoints/:id", endpointHandler.Update)
	v1.POST("/endpoints/:id/activate", endpointHandler.Activate)
	v1.POST("/endpoints/:id/deactivate", endpointHandler.Deactivate)
	v1.POST("/endpoints/:id/rotate-secret", endpointHandler.RotateSecret)

	dlqHandler := handlers.NewDeadLetterHandler(logger, svc.DLQ)
	v1.GET("/dlq", dlqHandler.List)
	v1.GET("/dlq/stats", dlqHandler.Stats)
	v1.POST("/dlq/retry-all", dlqHandler.RetryAll)
	v1.GET("/dlq/:id", dlqHandler.Get)
	v1.POST("/dlq/:id/retry", dlqHandler.Retry)
	v1.POST("/dlq/:id/archive", dlqHandler.Archive)
	v1.DELETE("/dlq/:id", dlqHandler.Delete)

	syncHandler := handlers.NewSyncHandler(logger, svc.Sync)
	v1.GET("/sync/jobs", syncHandler.List)
	v1.GET("/sync/jobs/:id", syncHandler.Get)
	v1.GET("/sync/stats", syncHandler.Stats)
	v1.POST("/sync/start", syncHandler.Start)

	logger.Info("Router configured with security middleware",
		zap.String("api_key_header", security.APIKeyHeader),
		zap.Int("configured_clients", len(security.APIKeys)),
	)

	return router
}
