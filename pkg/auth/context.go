package auth

import "context"

// Principal is the authenticated caller attached to a request.
type Principal struct {
	// UserID is the subject, without the "user:" type prefix.
	UserID string

	// TenantID is the tenant the credential was minted for.
	TenantID string

	// Scopes are the space-separated scopes carried by the credential.
	Scopes []string

	// TokenType records how the caller authenticated: "session",
	// "resource" or "apikey".
	TokenType string
}

type principalContextKey struct{}

type tenantContextKey struct{}

// WithPrincipal returns a context carrying the authenticated principal.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// PrincipalFromContext returns the authenticated principal, if any.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalContextKey{}).(*Principal)
	return p, ok
}

// WithTenant returns a context carrying the resolved tenant id.
func WithTenant(ctx context.Context, tenant string) context.Context {
	return context.WithValue(ctx, tenantContextKey{}, tenant)
}

// TenantFromContext returns the resolved tenant id, if any.
func TenantFromContext(ctx context.Context) (string, bool) {
	tenant, ok := ctx.Value(tenantContextKey{}).(string)
	return tenant, ok
}
