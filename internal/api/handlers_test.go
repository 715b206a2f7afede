package api

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atef-tools/atef/internal/checkout"
	"github.com/atef-tools/atef/internal/cs"
	"github.com/atef-tools/atef/internal/runs"
	"github.com/atef-tools/atef/internal/storage"
)

const checkoutYAML = `
version: 0
root:
  name: lfe_checkout
  configs:
    - PVConfiguration:
        name: line_pressure
        by_pv:
          AT1K4:GAS:PRES:
            - Range:
                low: 0
                high: 0.01
`

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	store, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	src := cs.NewMemSource()
	src.Set("AT1K4:GAS:PRES", "", 0.005)
	runMgr := runs.NewManager(checkout.Options{Source: src}, nil)

	return NewHandler(store, runMgr, nil, "test")
}

func uploadTestFile(t *testing.T, e *echo.Echo, h *Handler) *storage.FileInfo {
	t.Helper()
	body := fmt.Sprintf(`{"name":"lfe.yaml","data":%q}`,
		base64.StdEncoding.EncodeToString([]byte(checkoutYAML)))
	req := httptest.NewRequest(http.MethodPost, "/api/files/upload", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	require.NoError(t, h.HandleUploadFile(c))
	require.Equal(t, http.StatusCreated, rec.Code)

	var info storage.FileInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	return &info
}

func waitForRunDone(t *testing.T, m *runs.Manager, id string) *runs.Run {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run, ok := m.GetRun(id)
		require.True(t, ok, "run disappeared")
		switch run.Status {
		case runs.StatusComplete, runs.StatusError, runs.StatusCanceled:
			return run
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run %s did not finish", id)
	return nil
}

func TestHealth(t *testing.T) {
	e := echo.New()
	h := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if assert.NoError(t, h.HandleHealth(c)) {
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"status":"ok"`)
		assert.Contains(t, rec.Body.String(), `"version":"test"`)
	}
}

func TestUploadAndGetFile(t *testing.T) {
	e := echo.New()
	h := newTestHandler(t)

	info := uploadTestFile(t, e, h)
	assert.Equal(t, "lfe.yaml", info.Name)
	assert.Equal(t, "lfe_checkout", info.Root)

	req := httptest.NewRequest(http.MethodGet, "/api/files/"+info.ID, nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(info.ID)
	if assert.NoError(t, h.HandleGetFile(c)) {
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"name":"lfe.yaml"`)
	}
}

func TestUploadRejectsMalformedDocument(t *testing.T) {
	e := echo.New()
	h := newTestHandler(t)

	body := fmt.Sprintf(`{"name":"bad.yaml","data":%q}`,
		base64.StdEncoding.EncodeToString([]byte("root: [")))
	req := httptest.NewRequest(http.MethodPost, "/api/files/upload", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := h.HandleUploadFile(c)
	require.Error(t, err)
	apiErr, ok := err.(*APIError)
	require.True(t, ok)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
}

func TestUploadRejectsMissingFields(t *testing.T) {
	e := echo.New()
	h := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/api/files/upload", strings.NewReader(`{"name":"x"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := h.HandleUploadFile(c)
	require.Error(t, err)
	apiErr, ok := err.(*APIError)
	require.True(t, ok)
	assert.Equal(t, "VALIDATION_ERROR", apiErr.Code)
}

func TestRenameAndDeleteFile(t *testing.T) {
	e := echo.New()
	h := newTestHandler(t)
	info := uploadTestFile(t, e, h)

	req := httptest.NewRequest(http.MethodPut, "/api/files/"+info.ID,
		strings.NewReader(`{"name":"renamed.yaml"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(info.ID)
	if assert.NoError(t, h.HandleRenameFile(c)) {
		assert.Contains(t, rec.Body.String(), `"name":"renamed.yaml"`)
	}

	req = httptest.NewRequest(http.MethodDelete, "/api/files/"+info.ID, nil)
	rec = httptest.NewRecorder()
	c = e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(info.ID)
	if assert.NoError(t, h.HandleDeleteFile(c)) {
		assert.Equal(t, http.StatusNoContent, rec.Code)
	}

	// Gone afterwards.
	req = httptest.NewRequest(http.MethodGet, "/api/files/"+info.ID, nil)
	rec = httptest.NewRecorder()
	c = e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(info.ID)
	assert.Error(t, h.HandleGetFile(c))
}

func TestStartRunAndFetchReport(t *testing.T) {
	e := echo.New()
	h := newTestHandler(t)
	info := uploadTestFile(t, e, h)

	body := fmt.Sprintf(`{"file_id":%q}`, info.ID)
	req := httptest.NewRequest(http.MethodPost, "/api/runs", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	require.NoError(t, h.HandleStartRun(c))
	require.Equal(t, http.StatusAccepted, rec.Code)

	var run runs.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	require.NotEmpty(t, run.ID)

	final := waitForRunDone(t, h.runs, run.ID)
	require.Equal(t, runs.StatusComplete, final.Status)

	// Status endpoint reflects the finished run.
	req = httptest.NewRequest(http.MethodGet, "/api/runs/"+run.ID+"/status", nil)
	rec = httptest.NewRecorder()
	c = e.NewContext(req, rec)
	c.SetParamNames("runId")
	c.SetParamValues(run.ID)
	if assert.NoError(t, h.HandleRunStatus(c)) {
		assert.Contains(t, rec.Body.String(), `"status":"complete"`)
	}

	// JSON report.
	req = httptest.NewRequest(http.MethodGet, "/api/runs/"+run.ID+"/report", nil)
	rec = httptest.NewRecorder()
	c = e.NewContext(req, rec)
	c.SetParamNames("runId")
	c.SetParamValues(run.ID)
	if assert.NoError(t, h.HandleRunReport(c)) {
		assert.Contains(t, rec.Body.String(), `"run_id":"`+run.ID+`"`)
		assert.Contains(t, rec.Body.String(), `"line_pressure"`)
	}

	// MessagePack report.
	req = httptest.NewRequest(http.MethodGet, "/api/runs/"+run.ID+"/report/msgpack", nil)
	rec = httptest.NewRecorder()
	c = e.NewContext(req, rec)
	c.SetParamNames("runId")
	c.SetParamValues(run.ID)
	if assert.NoError(t, h.HandleRunReportMsgpack(c)) {
		assert.Equal(t, "application/msgpack", rec.Header().Get(echo.HeaderContentType))
		assert.NotZero(t, rec.Body.Len())
	}

	// PDF report.
	req = httptest.NewRequest(http.MethodGet, "/api/runs/"+run.ID+"/report.pdf", nil)
	rec = httptest.NewRecorder()
	c = e.NewContext(req, rec)
	c.SetParamNames("runId")
	c.SetParamValues(run.ID)
	if assert.NoError(t, h.HandleRunReportPDF(c)) {
		assert.Equal(t, "application/pdf", rec.Header().Get(echo.HeaderContentType))
		assert.True(t, strings.HasPrefix(rec.Body.String(), "%PDF-"))
	}
}

func TestStartRunUnknownFile(t *testing.T) {
	e := echo.New()
	h := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/api/runs",
		strings.NewReader(`{"file_id":"nope"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := h.HandleStartRun(c)
	require.Error(t, err)
	apiErr, ok := err.(*APIError)
	require.True(t, ok)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
}

func TestRunKeepAliveAndCancelUnknown(t *testing.T) {
	e := echo.New()
	h := newTestHandler(t)

	for _, handler := range []echo.HandlerFunc{h.HandleRunKeepAlive, h.HandleCancelRun} {
		req := httptest.NewRequest(http.MethodPost, "/api/runs/nope/keepalive", nil)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)
		c.SetParamNames("runId")
		c.SetParamValues("nope")
		assert.Error(t, handler(c))
	}
}

func TestHistoryUnavailableWithoutDatabase(t *testing.T) {
	e := echo.New()
	h := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/api/history/recent", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := h.HandleRecentHistory(c)
	require.Error(t, err)
	apiErr, ok := err.(*APIError)
	require.True(t, ok)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.Status)
}

func TestErrorHandlerShape(t *testing.T) {
	e := echo.New()
	e.HTTPErrorHandler = ErrorHandler

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	ErrorHandler(NewNotFoundError("run", "abc"), c)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), `"code":"NOT_FOUND"`)
}
