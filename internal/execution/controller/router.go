package controller

import (
	"context"
	"net/http"

	commonmw "codesandbox/internal/common/http/middleware"
	"codesandbox/internal/execution/service"

	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/gzhttp"
)

// RouterOptions configures NewHandler.
type RouterOptions struct {
	MaxBodyBytes int64
	// Metrics is served at GET /metrics when set.
	Metrics http.Handler
}

// NewHandler builds the gin router with the standard middleware and wraps it in gzip.
func NewHandler(executionService *service.ExecutionService, opts RouterOptions) http.Handler {
	router := gin.New()
	router.Use(commonmw.TraceContextMiddleware())
	router.Use(commonmw.RecoveryMiddleware(func(ctx context.Context) {
		executionService.Sweep(ctx, "panic")
	}))
	router.Use(commonmw.RequestLogger())

	executionController := NewExecutionController(executionService, opts.MaxBodyBytes)
	router.GET("/health", executionController.Health)
	router.POST("/api/execute", executionController.Execute)
	router.POST("/api/problems/run", executionController.Execute)
	router.POST("/api/cleanup", executionController.Cleanup)
	if opts.Metrics != nil {
		router.GET("/metrics", gin.WrapH(opts.Metrics))
	}

	return gzhttp.GzipHandler(router)
}
