package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/keygate-io/keygate/pkg/logger"
)

// APIKeyVerifyFunc verifies a raw API key within a tenant and returns the
// principal it authenticates. Wired from the API key manager.
type APIKeyVerifyFunc func(ctx context.Context, tenant, rawKey string) (*Principal, error)

// Middleware authenticates requests from the Authorization header. Session
// tokens (JWTs) and API keys (<id>.<secret>) are both accepted; the
// resolved principal lands in the request context.
type Middleware struct {
	sessions  *SessionService
	verifyKey APIKeyVerifyFunc
}

// NewMiddleware builds the authentication middleware. verifyKey may be nil
// to disable API key authentication.
func NewMiddleware(sessions *SessionService, verifyKey APIKeyVerifyFunc) *Middleware {
	return &Middleware{sessions: sessions, verifyKey: verifyKey}
}

// Handler wraps next with bearer authentication.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			unauthorized(w, "authorization header required")
			return
		}
		if !strings.HasPrefix(authHeader, "Bearer ") {
			unauthorized(w, "invalid authorization header format")
			return
		}
		credential := strings.TrimPrefix(authHeader, "Bearer ")

		principal, err := m.authenticate(r.Context(), credential)
		if err != nil {
			logger.Debugw("authentication failed", "path", r.URL.Path, "error", err)
			unauthorized(w, "invalid credentials")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
	})
}

// authenticate dispatches on the credential shape: JWTs carry two dots,
// API keys exactly one.
func (m *Middleware) authenticate(ctx context.Context, credential string) (*Principal, error) {
	if strings.Count(credential, ".") == 1 && m.verifyKey != nil {
		tenant, _ := TenantFromContext(ctx)
		return m.verifyKey(ctx, tenant, credential)
	}
	return m.sessions.ValidateSession(ctx, credential)
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="keygate"`)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":  "error",
		"message": message,
	})
}
