package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keygate-io/keygate/pkg/apikeys"
	"github.com/keygate-io/keygate/pkg/auth"
	"github.com/keygate-io/keygate/pkg/authz"
	"github.com/keygate-io/keygate/pkg/config"
	"github.com/keygate-io/keygate/pkg/kek"
	"github.com/keygate-io/keygate/pkg/telemetry"
	"github.com/keygate-io/keygate/pkg/tuplestore"
)

// newTestDeps wires real services over miniredis for router-level tests.
// Login and token exchange need an identity provider and are covered by
// the v1 handler tests; the endpoints exercised here never reach the
// exchanger.
func newTestDeps(t *testing.T) Deps {
	t.Helper()
	ctx := context.Background()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cache := authz.NewCache()
	t.Cleanup(func() { _ = cache.Close() })

	custody := kek.NewService(rdb, "keygate")
	t.Cleanup(custody.Close)

	authorizer := authz.NewAuthorizer(tuplestore.NewMemoryStore(), cache, custody)
	require.NoError(t, authorizer.CreateTenant(ctx, "acme", "root"))
	require.NoError(t, authorizer.AddUserToTenant(ctx, "acme", "alice", authz.RoleMember))

	sessions, err := auth.NewSessionService(auth.SessionServiceConfig{
		Secret: strings.Repeat("s", 32),
		Issuer: "keygate-test",
	}, rdb, "keygate")
	require.NoError(t, err)

	manager := apikeys.NewManager(rdb, "keygate")
	t.Cleanup(manager.Close)

	return Deps{
		Authorizer:    authorizer,
		Sessions:      sessions,
		APIKeys:       manager,
		KEK:           custody,
		Redis:         rdb,
		DefaultTenant: "acme",
	}
}

func serveRouter(router http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req.RemoteAddr = "192.0.2.20:42000"
	router.ServeHTTP(rec, req)
	return rec
}

func TestRouterMountsEndpoints(t *testing.T) {
	t.Parallel()
	deps := newTestDeps(t)
	router := Router(deps)
	ctx := context.Background()

	token, _, err := deps.Sessions.MintSession(ctx, "alice", "acme", nil)
	require.NoError(t, err)

	t.Run("health", func(t *testing.T) {
		rec := serveRouter(router, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})

	t.Run("version", func(t *testing.T) {
		rec := serveRouter(router, httptest.NewRequest(http.MethodGet, "/version", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	})

	t.Run("challenge is public", func(t *testing.T) {
		rec := serveRouter(router, httptest.NewRequest(http.MethodGet, "/api/apikeys/challenge", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("validate accepts a minted session", func(t *testing.T) {
		body := strings.NewReader(`{"token":"` + token + `"}`)
		rec := serveRouter(router, httptest.NewRequest(http.MethodPost, "/api/auth/validate", body))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"valid":true`)
	})

	t.Run("protected routes demand a token", func(t *testing.T) {
		rec := serveRouter(router, httptest.NewRequest(http.MethodGet, "/api/tenants", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("tenants listing", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/tenants", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := serveRouter(router, req)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "acme")
	})

	t.Run("kek active version", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/kek/versions/active", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := serveRouter(router, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("public key listing", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/public-keys/alice", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := serveRouter(router, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("metrics is absent without telemetry", func(t *testing.T) {
		rec := serveRouter(router, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("unknown path", func(t *testing.T) {
		rec := serveRouter(router, httptest.NewRequest(http.MethodGet, "/nope", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

// TestRouterTenantHeader drives the tenant middleware end to end: an API
// key created in the default tenant verifies there, and stops verifying
// when the caller addresses another tenant.
func TestRouterTenantHeader(t *testing.T) {
	t.Parallel()
	deps := newTestDeps(t)
	router := Router(deps)
	ctx := context.Background()

	_, raw, err := deps.APIKeys.Create(ctx, "acme", "alice", "ci", nil, 0)
	require.NoError(t, err)
	payload := `{"apiKey":"` + raw + `"}`

	t.Run("default tenant verifies the key", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/apikeys/verify", strings.NewReader(payload))
		rec := serveRouter(router, req)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"valid":true`)
	})

	t.Run("foreign tenant does not know the key", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/apikeys/verify", strings.NewReader(payload))
		req.Header.Set("X-Tenant-ID", "globex")
		rec := serveRouter(router, req)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Body.String(), `"valid":false`)
	})
}

func TestRouterMetricsEndpoint(t *testing.T) {
	t.Parallel()
	deps := newTestDeps(t)
	ctx := context.Background()

	provider, err := telemetry.NewProvider(ctx,
		telemetry.WithServiceName("keygate-test"),
		telemetry.WithServiceVersion("test"),
		telemetry.WithMetricsEnabled(true),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	deps.Telemetry = provider

	router := Router(deps)
	rec := serveRouter(router, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestRouterRateLimit(t *testing.T) {
	t.Parallel()
	deps := newTestDeps(t)
	deps.RateLimit = config.RateLimitConfig{RPS: 1, Burst: 2}
	router := Router(deps)

	var last int
	for range 3 {
		rec := serveRouter(router, httptest.NewRequest(http.MethodGet, "/version", nil))
		last = rec.Code
	}
	assert.Equal(t, http.StatusTooManyRequests, last)
}

func TestRouterOversizedBody(t *testing.T) {
	t.Parallel()
	deps := newTestDeps(t)
	router := Router(deps)

	body := strings.NewReader(`{"token":"` + strings.Repeat("a", int(maxRequestBodySize)) + `"}`)
	rec := serveRouter(router, httptest.NewRequest(http.MethodPost, "/api/auth/validate", body))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestServeShutsDownOnContextCancel(t *testing.T) {
	t.Parallel()
	deps := newTestDeps(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Serve(ctx, "127.0.0.1:0", deps)
	}()

	cancel()
	require.NoError(t, <-done)
}
