package v1

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keygate-io/keygate/pkg/audit"
	"github.com/keygate-io/keygate/pkg/authz"
	"github.com/keygate-io/keygate/pkg/kek"
)

// blobRoutes serves the per-user wrapped key blobs. Users read their own
// blobs freely; reading someone else's, provisioning and deletion are admin
// operations.
type blobRoutes struct {
	blobs      *kek.BlobStore
	authorizer authz.Authorizer
	auditor    *audit.Auditor
}

// listMine
//
//	@Summary		List the caller's wrapped blobs
//	@Tags			kek
//	@Produce		json
//	@Success		200	{object}	blobListResponse
//	@Router			/kek/blobs/me [get]
func (b *blobRoutes) listMine(w http.ResponseWriter, r *http.Request) {
	principal, err := principalFor(r)
	if err != nil {
		respondError(w, err)
		return
	}
	b.respondList(w, r, principal.TenantID, subjectRef(principal.UserID))
}

// listForUser
//
//	@Summary		List a user's wrapped blobs
//	@Description	Owners read their own blobs; reading another user's requires the admin role
//	@Tags			kek
//	@Produce		json
//	@Success		200	{object}	blobListResponse
//	@Failure		403	{object}	statusResponse
//	@Router			/kek/blobs/users/{userId} [get]
func (b *blobRoutes) listForUser(w http.ResponseWriter, r *http.Request) {
	principal, err := principalFor(r)
	if err != nil {
		respondError(w, err)
		return
	}
	user := chi.URLParam(r, "userId")
	if err := requireSelfOrAdmin(r, b.authorizer, principal.TenantID, user, principal); err != nil {
		respondError(w, err)
		return
	}
	b.respondList(w, r, principal.TenantID, subjectRef(user))
}

func (b *blobRoutes) respondList(w http.ResponseWriter, r *http.Request, tenant, user string) {
	blobs, err := b.blobs.ListForUser(r.Context(), tenant, user)
	if err != nil {
		respondError(w, err)
		return
	}
	if blobs == nil {
		blobs = []*kek.Blob{}
	}
	respondJSON(w, http.StatusOK, blobListResponse{Blobs: blobs})
}

// get
//
//	@Summary		Get one wrapped blob
//	@Tags			kek
//	@Produce		json
//	@Success		200	{object}	kek.Blob
//	@Failure		403	{object}	statusResponse
//	@Failure		404	{object}	statusResponse
//	@Router			/kek/blobs/users/{userId}/versions/{versionId} [get]
func (b *blobRoutes) get(w http.ResponseWriter, r *http.Request) {
	principal, err := principalFor(r)
	if err != nil {
		respondError(w, err)
		return
	}
	user := chi.URLParam(r, "userId")
	if err := requireSelfOrAdmin(r, b.authorizer, principal.TenantID, user, principal); err != nil {
		respondError(w, err)
		return
	}

	blob, err := b.blobs.Get(r.Context(), principal.TenantID, subjectRef(user), chi.URLParam(r, "versionId"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, blob)
}

// set
//
//	@Summary		Provision a wrapped blob
//	@Description	Stores a user's key blob wrapped under one version; requires the admin role
//	@Tags			kek
//	@Accept			json
//	@Produce		json
//	@Param			request	body		setBlobRequest	true	"Blob to store"
//	@Success		201		{object}	kek.Blob
//	@Failure		403		{object}	statusResponse
//	@Router			/kek/blobs [post]
func (b *blobRoutes) set(w http.ResponseWriter, r *http.Request) {
	principal, err := principalFor(r)
	if err != nil {
		respondError(w, err)
		return
	}
	var req setBlobRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if err := requireTenantAdmin(r, b.authorizer, principal.TenantID, principal); err != nil {
		respondError(w, err)
		return
	}

	blob, err := b.blobs.Set(r.Context(), principal.TenantID, subjectRef(req.UserID), req.VersionID, req.Ciphertext)
	if err != nil {
		respondError(w, err)
		return
	}

	b.auditor.Record(r.Context(), audit.NewEvent(audit.EventTypeKEKBlobStored, audit.OutcomeSuccess).
		WithTenant(principal.TenantID).
		WithSource(audit.FromRequest(r)).
		WithSubject(audit.SubjectKeyUser, principal.UserID).
		WithTarget(audit.TargetKeyUser, blob.UserID).
		WithTarget(audit.TargetKeyKEKVersion, blob.VersionID))
	respondJSON(w, http.StatusCreated, blob)
}

// delete
//
//	@Summary		Delete a wrapped blob
//	@Description	Removes one user+version blob; requires the admin role
//	@Tags			kek
//	@Success		204
//	@Failure		403	{object}	statusResponse
//	@Failure		404	{object}	statusResponse
//	@Router			/kek/blobs/users/{userId}/versions/{versionId} [delete]
func (b *blobRoutes) delete(w http.ResponseWriter, r *http.Request) {
	principal, err := principalFor(r)
	if err != nil {
		respondError(w, err)
		return
	}
	if err := requireTenantAdmin(r, b.authorizer, principal.TenantID, principal); err != nil {
		respondError(w, err)
		return
	}

	user := subjectRef(chi.URLParam(r, "userId"))
	versionID := chi.URLParam(r, "versionId")
	if err := b.blobs.Delete(r.Context(), principal.TenantID, user, versionID); err != nil {
		respondError(w, err)
		return
	}

	b.auditor.Record(r.Context(), audit.NewEvent(audit.EventTypeKEKBlobDeleted, audit.OutcomeSuccess).
		WithTenant(principal.TenantID).
		WithSource(audit.FromRequest(r)).
		WithSubject(audit.SubjectKeyUser, principal.UserID).
		WithTarget(audit.TargetKeyUser, user).
		WithTarget(audit.TargetKeyKEKVersion, versionID))
	w.WriteHeader(http.StatusNoContent)
}

type setBlobRequest struct {
	UserID     string `json:"user_id"`
	VersionID  string `json:"kek_version_id"`
	Ciphertext string `json:"encrypted_blob"`
}

type blobListResponse struct {
	Blobs []*kek.Blob `json:"blobs"`
}
