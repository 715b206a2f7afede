// Package api serves the atef REST surface: checkout file management,
// background runs, results and history.
package api

import (
	"encoding/base64"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/atef-tools/atef/internal/history"
	"github.com/atef-tools/atef/internal/report"
	"github.com/atef-tools/atef/internal/runs"
	"github.com/atef-tools/atef/internal/storage"
)

// Handler holds the handler dependencies.
type Handler struct {
	store   storage.Store
	runs    *runs.Manager
	history *history.Store
	version string
}

// NewHandler creates the API handler. history may be nil when no
// history database is configured.
func NewHandler(store storage.Store, runMgr *runs.Manager, hist *history.Store, version string) *Handler {
	return &Handler{
		store:   store,
		runs:    runMgr,
		history: hist,
		version: version,
	}
}

// HandleHealth returns server health status.
func (h *Handler) HandleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"version": h.version,
	})
}

type uploadFileRequest struct {
	Name string `json:"name"`
	// Data is the base64-encoded checkout document.
	Data string `json:"data"`
}

// HandleUploadFile stores one checkout document. The document must
// deserialize; a malformed file is rejected here, before any run.
func (h *Handler) HandleUploadFile(c echo.Context) error {
	var req uploadFileRequest
	if err := c.Bind(&req); err != nil {
		return NewBadRequestError("invalid request body", err)
	}
	if req.Name == "" {
		return NewValidationError("name")
	}
	if req.Data == "" {
		return NewValidationError("data")
	}

	data, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		return NewBadRequestError("invalid base64 data", err)
	}

	info, err := h.store.Save(req.Name, data)
	if err != nil {
		return NewBadRequestError("invalid checkout file", err)
	}
	return c.JSON(http.StatusCreated, info)
}

// HandleRecentFiles lists stored checkout files, newest first.
func (h *Handler) HandleRecentFiles(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit <= 0 {
		limit = 20
	}
	list, err := h.store.List(limit)
	if err != nil {
		return NewInternalError("failed to list files", err)
	}
	if list == nil {
		list = []*storage.FileInfo{}
	}
	return c.JSON(http.StatusOK, list)
}

// HandleGetFile returns metadata for one stored file.
func (h *Handler) HandleGetFile(c echo.Context) error {
	id := c.Param("id")
	info, err := h.store.Get(id)
	if err != nil {
		return NewNotFoundError("file", id)
	}
	return c.JSON(http.StatusOK, info)
}

// HandleDeleteFile removes a stored file.
func (h *Handler) HandleDeleteFile(c echo.Context) error {
	id := c.Param("id")
	if err := h.store.Delete(id); err != nil {
		return NewNotFoundError("file", id)
	}
	return c.NoContent(http.StatusNoContent)
}

type renameFileRequest struct {
	Name string `json:"name"`
}

// HandleRenameFile updates a file's display name.
func (h *Handler) HandleRenameFile(c echo.Context) error {
	id := c.Param("id")
	var req renameFileRequest
	if err := c.Bind(&req); err != nil {
		return NewBadRequestError("invalid request body", err)
	}
	if req.Name == "" {
		return NewValidationError("name")
	}
	info, err := h.store.Rename(id, req.Name)
	if err != nil {
		return NewNotFoundError("file", id)
	}
	return c.JSON(http.StatusOK, info)
}

type startRunRequest struct {
	FileID string `json:"file_id"`
	// Devices optionally limits the checkout to the named devices,
	// PVs or configuration names.
	Devices []string `json:"devices,omitempty"`
}

// HandleStartRun launches a background checkout of a stored file.
func (h *Handler) HandleStartRun(c echo.Context) error {
	var req startRunRequest
	if err := c.Bind(&req); err != nil {
		return NewBadRequestError("invalid request body", err)
	}
	if req.FileID == "" {
		return NewValidationError("file_id")
	}

	info, err := h.store.Get(req.FileID)
	if err != nil {
		return NewNotFoundError("file", req.FileID)
	}
	file, err := h.store.Load(req.FileID)
	if err != nil {
		return NewInternalError("failed to load checkout file", err)
	}

	run, err := h.runs.StartRun(info.ID, info.Name, file, req.Devices)
	if err != nil {
		return NewInternalError("failed to start run", err)
	}
	return c.JSON(http.StatusAccepted, run)
}

// HandleListRuns lists tracked runs, newest first.
func (h *Handler) HandleListRuns(c echo.Context) error {
	return c.JSON(http.StatusOK, h.runs.ListRuns())
}

// HandleRunStatus returns the current state of a run.
func (h *Handler) HandleRunStatus(c echo.Context) error {
	id := c.Param("runId")
	run, ok := h.runs.GetRun(id)
	if !ok {
		return NewNotFoundError("run", id)
	}
	h.runs.TouchRun(id)
	return c.JSON(http.StatusOK, run)
}

// HandleRunKeepAlive extends a run's lifetime while it is viewed.
func (h *Handler) HandleRunKeepAlive(c echo.Context) error {
	id := c.Param("runId")
	if !h.runs.TouchRun(id) {
		return NewNotFoundError("run", id)
	}
	return c.NoContent(http.StatusNoContent)
}

// HandleCancelRun aborts an in-flight run.
func (h *Handler) HandleCancelRun(c echo.Context) error {
	id := c.Param("runId")
	if !h.runs.CancelRun(id) {
		return NewNotFoundError("run", id)
	}
	return c.NoContent(http.StatusAccepted)
}

// HandleRunReport returns the full report of a completed run.
func (h *Handler) HandleRunReport(c echo.Context) error {
	id := c.Param("runId")
	rep, ok := h.runs.GetReport(id)
	if !ok {
		if _, exists := h.runs.GetRun(id); exists {
			return NewConflictError("run not complete")
		}
		return NewNotFoundError("run", id)
	}
	return c.JSON(http.StatusOK, rep)
}

// HandleRunReportMsgpack returns the report in MessagePack format.
func (h *Handler) HandleRunReportMsgpack(c echo.Context) error {
	id := c.Param("runId")
	rep, ok := h.runs.GetReport(id)
	if !ok {
		return NewNotFoundError("run", id)
	}
	data, err := msgpack.Marshal(rep)
	if err != nil {
		return NewInternalError("failed to encode msgpack", err)
	}
	return c.Blob(http.StatusOK, "application/msgpack", data)
}

// HandleRunReportPDF renders the report of a completed run as PDF.
func (h *Handler) HandleRunReportPDF(c echo.Context) error {
	id := c.Param("runId")
	rep, ok := h.runs.GetReport(id)
	if !ok {
		return NewNotFoundError("run", id)
	}

	data, err := report.Render(rep, report.Options{Author: c.QueryParam("author")})
	if err != nil {
		return NewInternalError("failed to render pdf", err)
	}
	c.Response().Header().Set(echo.HeaderContentDisposition,
		`attachment; filename="checkout-`+id[:8]+`.pdf"`)
	return c.Blob(http.StatusOK, "application/pdf", data)
}

// HandleRecentHistory lists recorded runs from the history database.
func (h *Handler) HandleRecentHistory(c echo.Context) error {
	if h.history == nil {
		return NewServiceUnavailableError("no history database configured")
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	list, err := h.history.RecentRuns(limit)
	if err != nil {
		return NewInternalError("failed to query history", err)
	}
	if list == nil {
		list = []history.RunSummary{}
	}
	return c.JSON(http.StatusOK, list)
}

// HandleHistoryReport restores a recorded report from its snapshot.
func (h *Handler) HandleHistoryReport(c echo.Context) error {
	if h.history == nil {
		return NewServiceUnavailableError("no history database configured")
	}
	id := c.Param("runId")
	rep, err := h.history.GetReport(id)
	if err != nil {
		return NewNotFoundError("run", id)
	}
	return c.JSON(http.StatusOK, rep)
}

// HandleHistoryTrend lists the overall severities of one checkout file
// over time.
func (h *Handler) HandleHistoryTrend(c echo.Context) error {
	if h.history == nil {
		return NewServiceUnavailableError("no history database configured")
	}
	file := c.QueryParam("file")
	if file == "" {
		return NewValidationError("file")
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	trend, err := h.history.SeverityTrend(file, limit)
	if err != nil {
		return NewInternalError("failed to query trend", err)
	}
	if trend == nil {
		trend = []history.TrendPoint{}
	}
	return c.JSON(http.StatusOK, trend)
}
