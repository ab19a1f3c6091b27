// Package api assembles the keygate HTTP server: router, middleware and
// lifecycle.
package api

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	v1 "github.com/keygate-io/keygate/pkg/api/v1"
	"github.com/keygate-io/keygate/pkg/apikeys"
	"github.com/keygate-io/keygate/pkg/audit"
	"github.com/keygate-io/keygate/pkg/auth"
	"github.com/keygate-io/keygate/pkg/authz"
	"github.com/keygate-io/keygate/pkg/config"
	"github.com/keygate-io/keygate/pkg/kek"
	"github.com/keygate-io/keygate/pkg/logger"
	"github.com/keygate-io/keygate/pkg/telemetry"
)

const (
	middlewareTimeout = 60 * time.Second
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// Deps carries the wired services the router serves. The caller owns every
// lifecycle; the router only dispatches into them.
type Deps struct {
	Authorizer authz.Authorizer
	Exchanger  *auth.Exchanger
	Sessions   *auth.SessionService
	APIKeys    *apikeys.Manager
	KEK        *kek.Service
	Redis      redis.UniversalClient

	// Telemetry is optional; nil disables the metrics middleware and the
	// /metrics endpoint.
	Telemetry *telemetry.Provider

	// DefaultTenant is the tenant assumed when a request carries no
	// X-Tenant-ID header.
	DefaultTenant string

	// RateLimit bounds per-client request rates. An RPS of zero disables
	// limiting.
	RateLimit config.RateLimitConfig
}

// Router assembles the full keygate handler tree.
func Router(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Timeout(middlewareTimeout))
	r.Use(headersMiddleware)
	r.Use(requestBodySizeLimitMiddleware(maxRequestBodySize))
	r.Use(tenantMiddleware(deps.DefaultTenant))
	if deps.Telemetry != nil {
		r.Use(telemetry.NewHTTPMiddleware(deps.Telemetry.MeterProvider()).Handler)
	}
	if deps.RateLimit.RPS > 0 {
		r.Use(newRateLimiter(deps.RateLimit).middleware)
	}

	authn := auth.NewMiddleware(deps.Sessions, deps.APIKeys.VerifyFunc()).Handler
	auditor := audit.NewAuditor("keygate-api")

	routers := map[string]http.Handler{
		"/health":      v1.HealthRouter(deps.Redis, deps.Authorizer),
		"/version":     v1.VersionRouter(),
		"/api/auth":    v1.AuthRouter(deps.Exchanger, deps.Sessions, deps.APIKeys, deps.Authorizer, authn, auditor),
		"/api/tenants": v1.TenantsRouter(deps.Authorizer, authn, auditor),
		"/api/apikeys": v1.APIKeysRouter(deps.APIKeys, deps.Authorizer, authn, auditor),
		"/kek":         v1.KEKRouter(deps.KEK, deps.Authorizer, authn, auditor),
		"/public-keys": v1.PublicKeysRouter(deps.KEK.PublicKeys, deps.Authorizer, authn, auditor),
	}
	if deps.Telemetry != nil && deps.Telemetry.PrometheusHandler() != nil {
		routers["/metrics"] = deps.Telemetry.PrometheusHandler()
	}
	for prefix, router := range routers {
		r.Mount(prefix, router)
	}
	return r
}

// Serve starts the HTTP server on the given address and blocks until ctx
// is cancelled, then drains in-flight requests.
func Serve(ctx context.Context, address string, deps Deps) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler: Router(deps),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
		ReadHeaderTimeout: readHeaderTimeout,
	}

	go func() {
		logger.Infof("Keygate API server listening on %s", listener.Addr())
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Errorf("Server stopped: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Infof("Shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
