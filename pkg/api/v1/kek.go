package v1

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keygate-io/keygate/pkg/audit"
	"github.com/keygate-io/keygate/pkg/authz"
	"github.com/keygate-io/keygate/pkg/kek"
)

// KEKRouter builds the /kek sub-router: version lifecycle, wrapped blobs
// and recovery sessions. Everything here requires authentication; version
// mutations and blob provisioning additionally require the tenant admin
// role.
func KEKRouter(svc *kek.Service, authorizer authz.Authorizer, authn func(http.Handler) http.Handler, auditor *audit.Auditor) http.Handler {
	versions := kekVersionRoutes{registry: svc.Registry, authorizer: authorizer, auditor: auditor}
	blobs := blobRoutes{blobs: svc.Blobs, authorizer: authorizer, auditor: auditor}
	recovery := recoveryRoutes{manager: svc.Recovery, authorizer: authorizer, auditor: auditor}

	r := chi.NewRouter()
	r.Use(authn)
	r.Route("/versions", func(r chi.Router) {
		r.Get("/", versions.list)
		r.Post("/", versions.create)
		r.Get("/active", versions.getActive)
		r.Get("/{id}", versions.get)
		r.Put("/{id}/status", versions.updateStatus)
	})
	r.Post("/rotate", versions.rotate)
	r.Route("/blobs", func(r chi.Router) {
		r.Get("/me", blobs.listMine)
		r.Get("/users/{userId}", blobs.listForUser)
		r.Get("/users/{userId}/versions/{versionId}", blobs.get)
		r.Post("/", blobs.set)
		r.Delete("/users/{userId}/versions/{versionId}", blobs.delete)
	})
	r.Route("/recovery", func(r chi.Router) {
		r.Post("/", recovery.initiate)
		r.Get("/{sessionId}", recovery.getSession)
		r.Post("/{sessionId}/shares", recovery.submitShare)
		r.Post("/{sessionId}/complete", recovery.complete)
		r.Delete("/{sessionId}", recovery.cancel)
	})
	return r
}

// kekVersionRoutes handles the version registry endpoints.
type kekVersionRoutes struct {
	registry   *kek.Registry
	authorizer authz.Authorizer
	auditor    *audit.Auditor
}

// list
//
//	@Summary		List key versions
//	@Description	Returns every key version of the caller's tenant in creation order
//	@Tags			kek
//	@Produce		json
//	@Success		200	{object}	versionListResponse
//	@Router			/kek/versions [get]
func (k *kekVersionRoutes) list(w http.ResponseWriter, r *http.Request) {
	principal, err := principalFor(r)
	if err != nil {
		respondError(w, err)
		return
	}

	versions, err := k.registry.List(r.Context(), principal.TenantID)
	if err != nil {
		respondError(w, err)
		return
	}
	if versions == nil {
		versions = []*kek.Version{}
	}
	respondJSON(w, http.StatusOK, versionListResponse{Versions: versions})
}

// get
//
//	@Summary		Get one key version
//	@Tags			kek
//	@Produce		json
//	@Success		200	{object}	kek.Version
//	@Failure		404	{object}	statusResponse
//	@Router			/kek/versions/{id} [get]
func (k *kekVersionRoutes) get(w http.ResponseWriter, r *http.Request) {
	principal, err := principalFor(r)
	if err != nil {
		respondError(w, err)
		return
	}

	version, err := k.registry.Get(r.Context(), principal.TenantID, chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, version)
}

// getActive
//
//	@Summary		Get the active key version
//	@Tags			kek
//	@Produce		json
//	@Success		200	{object}	kek.Version
//	@Failure		404	{object}	statusResponse
//	@Router			/kek/versions/active [get]
func (k *kekVersionRoutes) getActive(w http.ResponseWriter, r *http.Request) {
	principal, err := principalFor(r)
	if err != nil {
		respondError(w, err)
		return
	}

	version, err := k.registry.GetActive(r.Context(), principal.TenantID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, version)
}

// create
//
//	@Summary		Create a key version
//	@Description	Registers a new active version; the previous active version becomes decrypt-only
//	@Tags			kek
//	@Accept			json
//	@Produce		json
//	@Param			request	body		createVersionRequest	true	"Creation reason"
//	@Success		201		{object}	kek.Version
//	@Failure		403		{object}	statusResponse
//	@Router			/kek/versions [post]
func (k *kekVersionRoutes) create(w http.ResponseWriter, r *http.Request) {
	principal, err := principalFor(r)
	if err != nil {
		respondError(w, err)
		return
	}
	var req createVersionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if err := requireTenantAdmin(r, k.authorizer, principal.TenantID, principal); err != nil {
		respondError(w, err)
		return
	}

	version, err := k.registry.Create(r.Context(), principal.TenantID, subjectRef(principal.UserID), req.Reason)
	if err != nil {
		respondError(w, err)
		return
	}

	k.auditor.Record(r.Context(), audit.NewEvent(audit.EventTypeKEKVersionCreated, audit.OutcomeSuccess).
		WithTenant(principal.TenantID).
		WithSource(audit.FromRequest(r)).
		WithSubject(audit.SubjectKeyUser, principal.UserID).
		WithTarget(audit.TargetKeyKEKVersion, version.ID))
	respondJSON(w, http.StatusCreated, version)
}

// updateStatus
//
//	@Summary		Change a key version's status
//	@Description	Applies a lifecycle transition; invalid transitions are rejected
//	@Tags			kek
//	@Accept			json
//	@Produce		json
//	@Param			request	body		updateStatusRequest	true	"Target status"
//	@Success		200		{object}	kek.Version
//	@Failure		409		{object}	statusResponse
//	@Router			/kek/versions/{id}/status [put]
func (k *kekVersionRoutes) updateStatus(w http.ResponseWriter, r *http.Request) {
	principal, err := principalFor(r)
	if err != nil {
		respondError(w, err)
		return
	}
	var req updateStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if err := requireTenantAdmin(r, k.authorizer, principal.TenantID, principal); err != nil {
		respondError(w, err)
		return
	}

	id := chi.URLParam(r, "id")
	version, err := k.registry.UpdateStatus(r.Context(), principal.TenantID, id, kek.Status(req.Status))
	if err != nil {
		respondError(w, err)
		return
	}

	k.auditor.Record(r.Context(), audit.NewEvent(audit.EventTypeKEKStatusChanged, audit.OutcomeSuccess).
		WithTenant(principal.TenantID).
		WithSource(audit.FromRequest(r)).
		WithSubject(audit.SubjectKeyUser, principal.UserID).
		WithTarget(audit.TargetKeyKEKVersion, version.ID).
		WithExtra("status", string(version.Status)))
	respondJSON(w, http.StatusOK, version)
}

// rotate
//
//	@Summary		Rotate the key
//	@Description	Creates a new active version and deny-lists removed users on it
//	@Tags			kek
//	@Accept			json
//	@Produce		json
//	@Param			request	body		rotateRequest	true	"Rotation reason and removed users"
//	@Success		201		{object}	kek.Version
//	@Failure		403		{object}	statusResponse
//	@Router			/kek/rotate [post]
func (k *kekVersionRoutes) rotate(w http.ResponseWriter, r *http.Request) {
	principal, err := principalFor(r)
	if err != nil {
		respondError(w, err)
		return
	}
	var req rotateRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if err := requireTenantAdmin(r, k.authorizer, principal.TenantID, principal); err != nil {
		respondError(w, err)
		return
	}

	version, err := k.registry.Rotate(r.Context(), principal.TenantID, subjectRef(principal.UserID), req.Reason, req.RemovedUsers)
	if err != nil {
		respondError(w, err)
		return
	}

	k.auditor.Record(r.Context(), audit.NewEvent(audit.EventTypeKEKRotated, audit.OutcomeSuccess).
		WithTenant(principal.TenantID).
		WithSource(audit.FromRequest(r)).
		WithSubject(audit.SubjectKeyUser, principal.UserID).
		WithTarget(audit.TargetKeyKEKVersion, version.ID).
		WithExtra("removed_users", len(req.RemovedUsers)))
	respondJSON(w, http.StatusCreated, version)
}

type createVersionRequest struct {
	Reason string `json:"reason"`
}

type updateStatusRequest struct {
	Status string `json:"status"`
}

type rotateRequest struct {
	Reason       string   `json:"reason"`
	RemovedUsers []string `json:"removed_users,omitempty"`
}

type versionListResponse struct {
	Versions []*kek.Version `json:"versions"`
}
