package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-gl/internal/accounting"
)

func scrape(t *testing.T, metrics *Metrics) string {
	t.Helper()
	rr := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rr.Code)
	}
	return rr.Body.String()
}

func TestMetricsHandlerExposesPrometheusMetrics(t *testing.T) {
	metrics := NewMetrics()
	metrics.Ledger.EntryPosted(accounting.JournalSourceManual)
	metrics.Ledger.BalanceDrift(7)
	metrics.Ledger.TxRetried()
	_ = metrics.Jobs.Track("gl:integrity").End(nil)
	_ = metrics.Jobs.Track("gl:auto_reversal").End(errors.New("boom"))
	metrics.Jobs.AddOutcomes("gl:auto_reversal", "posted", 2)

	body := scrape(t, metrics)
	for _, want := range []string{
		`odyssey_gl_entries_posted_total{source="MANUAL"} 1`,
		`odyssey_gl_balance_drift_total{company="7"} 1`,
		`odyssey_gl_tx_retries_total 1`,
		`odyssey_jobs_total{job="gl:integrity",status="success"} 1`,
		`odyssey_jobs_failures_total{job="gl:auto_reversal"} 1`,
		`odyssey_job_outcomes_total{job="gl:auto_reversal",outcome="posted"} 2`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected body to contain %s, got: %s", want, body)
		}
	}
}

func TestLedgerMetricsNilSafe(t *testing.T) {
	var m *LedgerMetrics
	m.EntryPosted(accounting.JournalSourceManual)
	m.BalanceDrift(1)
	m.AuditFailed("gl.post")
	m.NotifyFailed(accounting.NotifyBalanceDrift)
	m.TxRetried()

	var metrics *Metrics
	rr := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 from nil metrics, got %d", rr.Code)
	}
}

func TestMetricsMiddlewareRecordsRequest(t *testing.T) {
	metrics := NewMetrics()

	handler := metrics.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	routeCtx := chi.NewRouteContext()
	routeCtx.RoutePatterns = append(routeCtx.RoutePatterns, "/health")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	ctx := context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx)
	req = req.WithContext(ctx)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusTeapot {
		t.Fatalf("expected status %d, got %d", http.StatusTeapot, rr.Code)
	}

	metricsBody := scrape(t, metrics)
	if !strings.Contains(metricsBody, "odyssey_http_requests_total{code=\"418\",route=\"/health\"} 1") {
		t.Fatalf("expected metrics to record request, got: %s", metricsBody)
	}
	if !strings.Contains(metricsBody, "odyssey_http_request_duration_seconds_bucket{route=\"/health\"") {
		t.Fatalf("expected duration histogram to be present, got: %s", metricsBody)
	}
}
