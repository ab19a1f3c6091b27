package v1

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keygate-io/keygate/pkg/audit"
	"github.com/keygate-io/keygate/pkg/authz"
	"github.com/keygate-io/keygate/pkg/errors"
)

// TenantsRoutes handles tenant provisioning and teardown.
type TenantsRoutes struct {
	authorizer authz.Authorizer
	auditor    *audit.Auditor
}

// TenantsRouter builds the /api/tenants sub-router. All endpoints require
// authentication; deletion additionally requires the tenant admin or the
// platform admin role, enforced by the authorizer itself.
func TenantsRouter(authorizer authz.Authorizer, authn func(http.Handler) http.Handler, auditor *audit.Auditor) http.Handler {
	routes := TenantsRoutes{authorizer: authorizer, auditor: auditor}

	r := chi.NewRouter()
	r.Use(authn)
	r.Post("/", routes.create)
	r.Get("/", routes.list)
	r.Delete("/{tenantId}", routes.delete)
	return r
}

// create
//
//	@Summary		Create a tenant
//	@Description	Provisions the tenant graph, its first key version and the initial admin
//	@Tags			tenants
//	@Accept			json
//	@Produce		json
//	@Param			request	body		createTenantRequest	true	"Tenant to create"
//	@Success		201		{object}	createTenantRequest
//	@Failure		409		{object}	statusResponse
//	@Router			/api/tenants [post]
func (t *TenantsRoutes) create(w http.ResponseWriter, r *http.Request) {
	principal, err := principalFor(r)
	if err != nil {
		respondError(w, err)
		return
	}
	var req createTenantRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if req.AdminUserID == "" {
		respondError(w, errors.NewValidationError("adminUserId is required", nil))
		return
	}

	if err := t.authorizer.CreateTenant(r.Context(), req.TenantID, req.AdminUserID); err != nil {
		respondError(w, err)
		return
	}

	t.auditor.Record(r.Context(), audit.NewEvent(audit.EventTypeTenantCreated, audit.OutcomeSuccess).
		WithTenant(req.TenantID).
		WithSource(audit.FromRequest(r)).
		WithSubject(audit.SubjectKeyUser, principal.UserID).
		WithTarget(audit.TargetKeyUser, req.AdminUserID))
	respondJSON(w, http.StatusCreated, req)
}

// list
//
//	@Summary		List tenants
//	@Tags			tenants
//	@Produce		json
//	@Success		200	{object}	tenantListResponse
//	@Router			/api/tenants [get]
func (t *TenantsRoutes) list(w http.ResponseWriter, r *http.Request) {
	tenants, err := t.authorizer.ListTenants(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	if tenants == nil {
		tenants = []string{}
	}
	respondJSON(w, http.StatusOK, tenantListResponse{Tenants: tenants})
}

// delete
//
//	@Summary		Delete a tenant
//	@Description	Removes the tenant graph, custody state and cached decisions
//	@Tags			tenants
//	@Success		204
//	@Failure		403	{object}	statusResponse
//	@Failure		404	{object}	statusResponse
//	@Router			/api/tenants/{tenantId} [delete]
func (t *TenantsRoutes) delete(w http.ResponseWriter, r *http.Request) {
	principal, err := principalFor(r)
	if err != nil {
		respondError(w, err)
		return
	}
	tenantID := chi.URLParam(r, "tenantId")

	if err := t.authorizer.DeleteTenant(r.Context(), tenantID, principal.UserID); err != nil {
		respondError(w, err)
		return
	}

	t.auditor.Record(r.Context(), audit.NewEvent(audit.EventTypeTenantDeleted, audit.OutcomeSuccess).
		WithTenant(tenantID).
		WithSource(audit.FromRequest(r)).
		WithSubject(audit.SubjectKeyUser, principal.UserID))
	w.WriteHeader(http.StatusNoContent)
}

type createTenantRequest struct {
	TenantID    string `json:"tenantId"`
	AdminUserID string `json:"adminUserId"`
}

type tenantListResponse struct {
	Tenants []string `json:"tenants"`
}
