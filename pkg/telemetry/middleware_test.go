package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
)

func scrapeMetrics(t *testing.T, provider *Provider) string {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	provider.PrometheusHandler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestHTTPMiddlewareRecordsRequests(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	provider, err := NewProvider(ctx,
		WithServiceName("keygate"),
		WithServiceVersion("1.0.0"),
		WithMetricsEnabled(true),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = provider.Shutdown(ctx) })

	mw := NewHTTPMiddleware(provider.MeterProvider())

	router := chi.NewRouter()
	router.Use(mw.Handler)
	router.Get("/api/tenants/{tenant}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	})
	router.Post("/api/boom", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	for _, target := range []string{"/api/tenants/acme", "/api/tenants/globex"} {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/boom", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	body := scrapeMetrics(t, provider)

	assert.Contains(t, body, "keygate_http_requests_total")
	assert.Contains(t, body, "keygate_http_request_duration_seconds")
	// The route pattern keeps the path label low-cardinality.
	assert.Contains(t, body, `path="/api/tenants/{tenant}"`)
	assert.NotContains(t, body, `path="/api/tenants/acme"`)
	assert.Contains(t, body, `status_code="200"`)
	assert.Contains(t, body, `status="success"`)
	assert.Contains(t, body, `status_code="500"`)
	assert.Contains(t, body, `status="error"`)
}

func TestHTTPMiddlewareNoopProvider(t *testing.T) {
	t.Parallel()

	mw := NewHTTPMiddleware(noop.NewMeterProvider())

	handler := mw.Handler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestResponseWriterStatusCapture(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, statusCode: http.StatusOK}

	rw.WriteHeader(http.StatusNotFound)
	rw.WriteHeader(http.StatusInternalServerError)

	assert.Equal(t, http.StatusNotFound, rw.statusCode)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResponseWriterImplicitOK(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, statusCode: http.StatusOK}

	n, err := rw.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, int64(5), rw.bytesWritten)

	// Headers are committed by the first write.
	rw.WriteHeader(http.StatusTeapot)
	assert.Equal(t, http.StatusOK, rw.statusCode)
}
