package router

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cuongbtq/shard-reports/internal/api/handler"
	"github.com/cuongbtq/shard-reports/internal/quota"
	"github.com/cuongbtq/shard-reports/internal/storage/memory"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	jobs := memory.NewJobStore()
	ledger := quota.NewLedger(memory.NewQuotaStore(), jobs, logger)

	return SetupRouter(&handler.Dependencies{
		Logger:      logger,
		Eligibility: ledger,
		HealthCheck: func(context.Context) error { return nil },
		ServiceName: "api-service",
	})
}

func TestSetupRouter_Health(t *testing.T) {
	r := newTestRouter()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok","service":"api-service"}`, w.Body.String())
}

func TestSetupRouter_EligibilityNotShadowedByJobID(t *testing.T) {
	r := newTestRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/reports/eligibility", nil)
	req.Header.Set(handler.UserIDHeader, "user-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"can_create":true`)
}

func TestSetupRouter_Metrics(t *testing.T) {
	r := newTestRouter()

	// generate at least one observation
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "http_requests_total")
}

func TestCORSMiddleware_Preflight(t *testing.T) {
	r := newTestRouter()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/api/v1/reports", nil))

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), handler.UserIDHeader)
}

func TestSetupRouter_UnknownRoute(t *testing.T) {
	r := newTestRouter()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nope", nil))

	assert.Equal(t, http.StatusNotFound, w.Code)
}
