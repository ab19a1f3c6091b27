package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProviderDisabled(t *testing.T) {
	t.Parallel()

	provider, err := NewProvider(context.Background(),
		WithServiceName("keygate"),
		WithServiceVersion("1.0.0"),
		WithMetricsEnabled(false),
	)
	require.NoError(t, err)

	assert.NotNil(t, provider.MeterProvider())
	assert.Nil(t, provider.PrometheusHandler())
	assert.NoError(t, provider.Shutdown(context.Background()))
}

func TestNewProviderOptionValidation(t *testing.T) {
	t.Parallel()

	_, err := NewProvider(context.Background(), WithServiceName(""))
	assert.Error(t, err)

	_, err = NewProvider(context.Background(), WithServiceVersion(""))
	assert.Error(t, err)
}

func TestProviderServesRuntimeMetrics(t *testing.T) {
	t.Parallel()

	provider, err := NewProvider(context.Background(),
		WithServiceName("keygate"),
		WithServiceVersion("1.0.0"),
		WithMetricsEnabled(true),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	handler := provider.PrometheusHandler()
	require.NotNil(t, handler)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_")
	assert.Contains(t, rec.Body.String(), "process_")
}

func TestProviderExportsCounters(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	provider, err := NewProvider(ctx,
		WithServiceName("keygate"),
		WithServiceVersion("1.0.0"),
		WithMetricsEnabled(true),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = provider.Shutdown(ctx) })

	meter := provider.MeterProvider().Meter("test")
	counter, err := meter.Int64Counter("keygate_test_ops")
	require.NoError(t, err)

	counter.Add(ctx, 5)
	counter.Add(ctx, 10)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	provider.PrometheusHandler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "keygate_test_ops_total")
}
