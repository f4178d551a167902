package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-gl/internal/observability"
	"github.com/odyssey-erp/odyssey-gl/jobs"
)

func serve(h http.Handler, path string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = "10.0.0.1:5000"
	h.ServeHTTP(rr, req)
	return rr
}

func TestRouterServesOperationsEndpoints(t *testing.T) {
	metrics := observability.NewMetrics()
	router := NewRouter(RouterParams{
		Config:     &Config{},
		JobHandler: jobs.NewHandler(nil, nil),
		Metrics:    metrics,
	})

	rr := serve(router, "/healthz")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))

	rr = serve(router, "/readyz")
	require.Equal(t, http.StatusOK, rr.Code)

	rr = serve(router, "/jobs/health")
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"queue":"default","pending":0}`, rr.Body.String())

	rr = serve(router, "/metrics")
	require.Equal(t, http.StatusOK, rr.Code)
	require.True(t, strings.Contains(rr.Body.String(), `odyssey_http_requests_total{code="200",route="/healthz"} 1`))
}

func TestRouterReadinessFailure(t *testing.T) {
	router := NewRouter(RouterParams{
		Config: &Config{},
		Ready:  func(context.Context) error { return errors.New("db down") },
	})
	rr := serve(router, "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
