// routes.go - Route registration helpers
package api

import (
	"github.com/labstack/echo/v4"

	"github.com/atef-tools/atef/internal/history"
	"github.com/atef-tools/atef/internal/runs"
	"github.com/atef-tools/atef/internal/storage"
)

// Dependencies holds all handler dependencies.
type Dependencies struct {
	Store   storage.Store
	RunMgr  *runs.Manager
	History *history.Store
	Version string
}

// RegisterRoutes registers all API routes with the Echo instance.
func RegisterRoutes(e *echo.Echo, deps *Dependencies) {
	e.HTTPErrorHandler = ErrorHandler

	h := NewHandler(deps.Store, deps.RunMgr, deps.History, deps.Version)
	wsh := NewWebSocketHandler(deps.RunMgr)

	// Health check
	e.GET("/health", h.HandleHealth)
	e.GET("/api/health", h.HandleHealth)

	// Checkout file routes
	fileGroup := e.Group("/api/files")
	fileGroup.POST("/upload", h.HandleUploadFile)
	fileGroup.GET("/recent", h.HandleRecentFiles)
	fileGroup.GET("/:id", h.HandleGetFile)
	fileGroup.DELETE("/:id", h.HandleDeleteFile)
	fileGroup.PUT("/:id", h.HandleRenameFile)

	// Run routes
	runGroup := e.Group("/api/runs")
	runGroup.POST("", h.HandleStartRun)
	runGroup.GET("", h.HandleListRuns)
	runGroup.GET("/:runId/status", h.HandleRunStatus)
	runGroup.POST("/:runId/keepalive", h.HandleRunKeepAlive)
	runGroup.POST("/:runId/cancel", h.HandleCancelRun)
	runGroup.GET("/:runId/report", h.HandleRunReport)
	runGroup.GET("/:runId/report/msgpack", h.HandleRunReportMsgpack)
	runGroup.GET("/:runId/report.pdf", h.HandleRunReportPDF)

	// History routes
	historyGroup := e.Group("/api/history")
	historyGroup.GET("/recent", h.HandleRecentHistory)
	historyGroup.GET("/trend", h.HandleHistoryTrend)
	historyGroup.GET("/:runId", h.HandleHistoryReport)

	// WebSocket run progress
	e.GET("/api/ws/runs", wsh.HandleWebSocket)
}
