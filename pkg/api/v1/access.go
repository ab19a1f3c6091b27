package v1

import (
	"net/http"
	"strings"

	"github.com/keygate-io/keygate/pkg/auth"
	"github.com/keygate-io/keygate/pkg/authz"
	"github.com/keygate-io/keygate/pkg/errors"
	"github.com/keygate-io/keygate/pkg/tuplestore"
)

// principalFor returns the authenticated principal attached by the auth
// middleware. A missing principal means the route was wired outside the
// protected group.
func principalFor(r *http.Request) (*auth.Principal, error) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		return nil, errors.NewAuthenticationError("authentication required", nil)
	}
	return principal, nil
}

// subjectRef normalizes a bare user id to the typed form used by the
// relationship graph and the custody stores. Typed references pass through.
func subjectRef(id string) string {
	if strings.Contains(id, ":") {
		return id
	}
	return tuplestore.TypeUser + ":" + id
}

// tenantObject is the tenant's own object reference, the anchor for role
// checks.
func tenantObject(tenant string) string {
	return tuplestore.TypeTenant + ":" + tenant
}

// requireTenantAdmin checks that principal holds the admin role on the
// tenant and converts a negative answer into an access denied error.
func requireTenantAdmin(r *http.Request, authorizer authz.Authorizer, tenant string, principal *auth.Principal) error {
	allowed, err := authorizer.Check(r.Context(), tenant, principal.UserID, authz.PermissionAdmin, tenantObject(tenant), nil)
	if err != nil {
		return err
	}
	if !allowed {
		return errors.NewAccessDeniedError("tenant admin role required", nil)
	}
	return nil
}

// requireTenantMember checks that principal still belongs to the tenant.
// Tokens outlive membership, so handlers guarding shared state re-check.
func requireTenantMember(r *http.Request, authorizer authz.Authorizer, tenant string, principal *auth.Principal) error {
	allowed, err := authorizer.Check(r.Context(), tenant, principal.UserID, tuplestore.RelationMember, tenantObject(tenant), nil)
	if err != nil {
		return err
	}
	if !allowed {
		return errors.NewAccessDeniedError("tenant membership required", nil)
	}
	return nil
}

// requireSelfOrAdmin allows a principal to act on its own records and
// requires the admin role for anyone else's.
func requireSelfOrAdmin(r *http.Request, authorizer authz.Authorizer, tenant, targetUser string, principal *auth.Principal) error {
	if subjectRef(targetUser) == subjectRef(principal.UserID) {
		return nil
	}
	return requireTenantAdmin(r, authorizer, tenant, principal)
}
