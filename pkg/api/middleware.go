package api

import (
	"net/http"

	"github.com/keygate-io/keygate/pkg/auth"
)

// headersMiddleware sets the response headers common to every endpoint.
func headersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		next.ServeHTTP(w, r)
	})
}

// tenantMiddleware resolves the request tenant from the X-Tenant-ID header
// and attaches it to the context. Requests without the header fall back to
// the configured default tenant. Token-bound handlers still take the
// tenant from the authenticated principal; the header only drives the
// login and verification paths, where no principal exists yet.
func tenantMiddleware(defaultTenant string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenant := r.Header.Get("X-Tenant-ID")
			if tenant == "" {
				tenant = defaultTenant
			}
			next.ServeHTTP(w, r.WithContext(auth.WithTenant(r.Context(), tenant)))
		})
	}
}
