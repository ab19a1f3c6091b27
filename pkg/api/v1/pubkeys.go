package v1

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keygate-io/keygate/pkg/audit"
	"github.com/keygate-io/keygate/pkg/authz"
	"github.com/keygate-io/keygate/pkg/kek"
)

// PublicKeysRoutes serves the per-user public keys that drive share
// encryption during recovery.
type PublicKeysRoutes struct {
	store      *kek.PublicKeyStore
	authorizer authz.Authorizer
	auditor    *audit.Auditor
}

// PublicKeysRouter builds the /public-keys sub-router. All endpoints
// require authentication; acting on another user's keys requires the
// tenant admin role.
func PublicKeysRouter(store *kek.PublicKeyStore, authorizer authz.Authorizer, authn func(http.Handler) http.Handler, auditor *audit.Auditor) http.Handler {
	routes := PublicKeysRoutes{store: store, authorizer: authorizer, auditor: auditor}

	r := chi.NewRouter()
	r.Use(authn)
	r.Post("/", routes.upsert)
	r.Post("/verify", routes.verify)
	r.Get("/{userId}", routes.get)
	r.Put("/{keyId}", routes.update)
	r.Delete("/{keyId}", routes.delete)
	return r
}

// upsert
//
//	@Summary		Store a public key
//	@Description	Upserts the user's key for one purpose; storing for another user requires the admin role
//	@Tags			public-keys
//	@Accept			json
//	@Produce		json
//	@Param			request	body		storePublicKeyRequest	true	"Key to store"
//	@Success		201		{object}	kek.PublicKey
//	@Failure		400		{object}	statusResponse
//	@Router			/public-keys [post]
func (p *PublicKeysRoutes) upsert(w http.ResponseWriter, r *http.Request) {
	principal, err := principalFor(r)
	if err != nil {
		respondError(w, err)
		return
	}
	var req storePublicKeyRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	target := req.UserID
	if target == "" {
		target = principal.UserID
	}
	if err := requireSelfOrAdmin(r, p.authorizer, principal.TenantID, target, principal); err != nil {
		respondError(w, err)
		return
	}

	record, err := p.store.Store(r.Context(), principal.TenantID, subjectRef(target), req.Purpose, req.Key)
	if err != nil {
		respondError(w, err)
		return
	}

	p.auditor.Record(r.Context(), audit.NewEvent(audit.EventTypePublicKeyStored, audit.OutcomeSuccess).
		WithTenant(principal.TenantID).
		WithSource(audit.FromRequest(r)).
		WithSubject(audit.SubjectKeyUser, principal.UserID).
		WithTarget(audit.TargetKeyUser, record.UserID).
		WithTarget(audit.TargetKeyPurpose, record.Purpose))
	respondJSON(w, http.StatusCreated, record)
}

// get
//
//	@Summary		Get a user's public keys
//	@Description	With ?purpose= returns that single key, otherwise every key the user stored
//	@Tags			public-keys
//	@Produce		json
//	@Success		200	{object}	publicKeyListResponse
//	@Failure		404	{object}	statusResponse
//	@Router			/public-keys/{userId} [get]
func (p *PublicKeysRoutes) get(w http.ResponseWriter, r *http.Request) {
	principal, err := principalFor(r)
	if err != nil {
		respondError(w, err)
		return
	}
	user := chi.URLParam(r, "userId")
	if err := requireSelfOrAdmin(r, p.authorizer, principal.TenantID, user, principal); err != nil {
		respondError(w, err)
		return
	}

	if purpose := r.URL.Query().Get("purpose"); purpose != "" {
		record, err := p.store.Get(r.Context(), principal.TenantID, subjectRef(user), purpose)
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, record)
		return
	}

	records, err := p.store.List(r.Context(), principal.TenantID, subjectRef(user))
	if err != nil {
		respondError(w, err)
		return
	}
	if records == nil {
		records = []*kek.PublicKey{}
	}
	respondJSON(w, http.StatusOK, publicKeyListResponse{PublicKeys: records})
}

// update
//
//	@Summary		Replace a public key
//	@Description	Swaps the key material of an existing record, keeping its purpose
//	@Tags			public-keys
//	@Accept			json
//	@Produce		json
//	@Param			request	body		updatePublicKeyRequest	true	"New key material"
//	@Success		200		{object}	kek.PublicKey
//	@Failure		404		{object}	statusResponse
//	@Router			/public-keys/{keyId} [put]
func (p *PublicKeysRoutes) update(w http.ResponseWriter, r *http.Request) {
	principal, err := principalFor(r)
	if err != nil {
		respondError(w, err)
		return
	}
	var req updatePublicKeyRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}

	id := chi.URLParam(r, "keyId")
	record, err := p.store.GetByID(r.Context(), principal.TenantID, id)
	if err != nil {
		respondError(w, err)
		return
	}
	if err := requireSelfOrAdmin(r, p.authorizer, principal.TenantID, record.UserID, principal); err != nil {
		respondError(w, err)
		return
	}

	record, err = p.store.UpdateByID(r.Context(), principal.TenantID, id, req.Key)
	if err != nil {
		respondError(w, err)
		return
	}

	p.auditor.Record(r.Context(), audit.NewEvent(audit.EventTypePublicKeyStored, audit.OutcomeSuccess).
		WithTenant(principal.TenantID).
		WithSource(audit.FromRequest(r)).
		WithSubject(audit.SubjectKeyUser, principal.UserID).
		WithTarget(audit.TargetKeyPublicKey, record.ID).
		WithTarget(audit.TargetKeyPurpose, record.Purpose))
	respondJSON(w, http.StatusOK, record)
}

// delete
//
//	@Summary		Delete a public key
//	@Tags			public-keys
//	@Success		204
//	@Failure		403	{object}	statusResponse
//	@Failure		404	{object}	statusResponse
//	@Router			/public-keys/{keyId} [delete]
func (p *PublicKeysRoutes) delete(w http.ResponseWriter, r *http.Request) {
	principal, err := principalFor(r)
	if err != nil {
		respondError(w, err)
		return
	}

	id := chi.URLParam(r, "keyId")
	record, err := p.store.GetByID(r.Context(), principal.TenantID, id)
	if err != nil {
		respondError(w, err)
		return
	}
	if err := requireSelfOrAdmin(r, p.authorizer, principal.TenantID, record.UserID, principal); err != nil {
		respondError(w, err)
		return
	}

	if err := p.store.DeleteByID(r.Context(), principal.TenantID, id); err != nil {
		respondError(w, err)
		return
	}

	p.auditor.Record(r.Context(), audit.NewEvent(audit.EventTypePublicKeyDeleted, audit.OutcomeSuccess).
		WithTenant(principal.TenantID).
		WithSource(audit.FromRequest(r)).
		WithSubject(audit.SubjectKeyUser, principal.UserID).
		WithTarget(audit.TargetKeyPublicKey, record.ID).
		WithTarget(audit.TargetKeyPurpose, record.Purpose))
	w.WriteHeader(http.StatusNoContent)
}

// verify
//
//	@Summary		Verify a public key
//	@Description	Reports whether the presented key matches the stored one for the user and purpose
//	@Tags			public-keys
//	@Accept			json
//	@Produce		json
//	@Param			request	body		verifyPublicKeyRequest	true	"Key to compare"
//	@Success		200		{object}	publicKeyVerifyResponse
//	@Router			/public-keys/verify [post]
func (p *PublicKeysRoutes) verify(w http.ResponseWriter, r *http.Request) {
	principal, err := principalFor(r)
	if err != nil {
		respondError(w, err)
		return
	}
	var req verifyPublicKeyRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	target := req.UserID
	if target == "" {
		target = principal.UserID
	}

	valid, err := p.store.Verify(r.Context(), principal.TenantID, subjectRef(target), req.Purpose, req.Key)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, publicKeyVerifyResponse{Valid: valid})
}

type storePublicKeyRequest struct {
	// UserID defaults to the caller.
	UserID  string `json:"user_id,omitempty"`
	Purpose string `json:"purpose"`
	Key     string `json:"key"`
}

type updatePublicKeyRequest struct {
	Key string `json:"key"`
}

type verifyPublicKeyRequest struct {
	UserID  string `json:"user_id,omitempty"`
	Purpose string `json:"purpose"`
	Key     string `json:"key"`
}

type publicKeyListResponse struct {
	PublicKeys []*kek.PublicKey `json:"public_keys"`
}

type publicKeyVerifyResponse struct {
	Valid bool `json:"valid"`
}
