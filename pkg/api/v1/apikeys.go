package v1

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keygate-io/keygate/pkg/apikeys"
	"github.com/keygate-io/keygate/pkg/audit"
	"github.com/keygate-io/keygate/pkg/auth"
	"github.com/keygate-io/keygate/pkg/authz"
	"github.com/keygate-io/keygate/pkg/errors"
)

// APIKeysRoutes handles API key issuance, listing and verification.
type APIKeysRoutes struct {
	manager    *apikeys.Manager
	authorizer authz.Authorizer
	auditor    *audit.Auditor
}

// APIKeysRouter builds the /api/apikeys sub-router. The verification
// endpoints are public, since callers present them before holding any
// session; management endpoints sit behind authn.
func APIKeysRouter(manager *apikeys.Manager, authorizer authz.Authorizer, authn func(http.Handler) http.Handler, auditor *audit.Auditor) http.Handler {
	routes := APIKeysRoutes{manager: manager, authorizer: authorizer, auditor: auditor}

	r := chi.NewRouter()
	r.Get("/challenge", routes.challenge)
	r.Post("/verify", routes.verify)
	r.Post("/verify-challenge", routes.verifyChallenge)
	r.Group(func(r chi.Router) {
		r.Use(authn)
		r.Post("/", routes.create)
		r.Get("/", routes.list)
		r.Delete("/{id}", routes.delete)
		r.Post("/{id}/revoke", routes.revoke)
	})
	return r
}

// challenge
//
//	@Summary		Issue a login challenge
//	@Description	Returns a single-use nonce for challenge/response API-key login
//	@Tags			apikeys
//	@Produce		json
//	@Success		200	{object}	challengeResponse
//	@Router			/api/apikeys/challenge [get]
func (a *APIKeysRoutes) challenge(w http.ResponseWriter, _ *http.Request) {
	challenge, expiresIn, err := a.manager.NewChallenge()
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, challengeResponse{
		Challenge: challenge,
		ExpiresIn: int(expiresIn.Seconds()),
	})
}

// verify
//
//	@Summary		Verify a raw API key
//	@Description	Checks the key secret against the stored digest
//	@Tags			apikeys
//	@Accept			json
//	@Produce		json
//	@Param			request	body		verifyKeyRequest	true	"Raw API key"
//	@Success		200		{object}	keyVerifyResponse
//	@Failure		401		{object}	keyVerifyResponse
//	@Router			/api/apikeys/verify [post]
func (a *APIKeysRoutes) verify(w http.ResponseWriter, r *http.Request) {
	var req verifyKeyRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}

	key, err := a.manager.VerifyDirect(r.Context(), requestTenant(r), req.APIKey)
	a.respondVerification(w, r, key, err)
}

// verifyChallenge
//
//	@Summary		Verify a challenge response
//	@Description	Consumes the challenge and checks the MAC computed over it
//	@Tags			apikeys
//	@Accept			json
//	@Produce		json
//	@Param			request	body		verifyChallengeRequest	true	"Challenge and response MAC"
//	@Success		200		{object}	keyVerifyResponse
//	@Failure		400		{object}	keyVerifyResponse
//	@Failure		401		{object}	keyVerifyResponse
//	@Router			/api/apikeys/verify-challenge [post]
func (a *APIKeysRoutes) verifyChallenge(w http.ResponseWriter, r *http.Request) {
	var req verifyChallengeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}

	key, err := a.manager.VerifyChallenge(r.Context(), requestTenant(r), req.Challenge, req.Response)
	a.respondVerification(w, r, key, err)
}

// respondVerification writes the shared verification response. Failures
// keep the {valid:false} shape with the mapped status so clients branch on
// one field; backend outages still surface as 503.
func (a *APIKeysRoutes) respondVerification(w http.ResponseWriter, r *http.Request, key *apikeys.Key, err error) {
	if err != nil {
		if errors.IsBackendUnavailable(err) || errors.IsInternal(err) {
			respondError(w, err)
			return
		}
		a.auditor.Record(r.Context(), audit.NewEvent(audit.EventTypeAPIKeyVerified, audit.OutcomeFailure).
			WithTenant(requestTenant(r)).
			WithSource(audit.FromRequest(r)))
		respondJSON(w, errors.HTTPStatus(err), keyVerifyResponse{Valid: false})
		return
	}

	a.auditor.Record(r.Context(), audit.NewEvent(audit.EventTypeAPIKeyVerified, audit.OutcomeSuccess).
		WithTenant(key.TenantID).
		WithSource(audit.FromRequest(r)).
		WithSubject(audit.SubjectKeyUser, key.UserID).
		WithSubject(audit.SubjectKeyAPIKey, key.ID))
	respondJSON(w, http.StatusOK, keyVerifyResponse{
		Valid:    true,
		UserID:   key.UserID,
		TenantID: key.TenantID,
		Scopes:   key.Scopes,
	})
}

// create
//
//	@Summary		Create an API key
//	@Description	Issues a key for the caller; the raw secret is disclosed exactly once
//	@Tags			apikeys
//	@Accept			json
//	@Produce		json
//	@Param			request	body		createKeyRequest	true	"Key name and scopes"
//	@Success		201		{object}	createKeyResponse
//	@Failure		400		{object}	statusResponse
//	@Router			/api/apikeys [post]
func (a *APIKeysRoutes) create(w http.ResponseWriter, r *http.Request) {
	principal, err := principalFor(r)
	if err != nil {
		respondError(w, err)
		return
	}
	var req createKeyRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}

	ttl := time.Duration(req.ExpiresIn) * time.Second
	key, rawKey, err := a.manager.Create(r.Context(), principal.TenantID, principal.UserID, req.Name, req.Scopes, ttl)
	if err != nil {
		respondError(w, err)
		return
	}

	a.auditor.Record(r.Context(), audit.NewEvent(audit.EventTypeAPIKeyCreated, audit.OutcomeSuccess).
		WithTenant(principal.TenantID).
		WithSource(audit.FromRequest(r)).
		WithSubject(audit.SubjectKeyUser, principal.UserID).
		WithTarget(audit.TargetKeyAPIKey, key.ID))
	respondJSON(w, http.StatusCreated, createKeyResponse{APIKey: rawKey, Key: key})
}

// list
//
//	@Summary		List the caller's API keys
//	@Description	Returns key metadata only; secrets are never included
//	@Tags			apikeys
//	@Produce		json
//	@Success		200	{object}	keyListResponse
//	@Router			/api/apikeys [get]
func (a *APIKeysRoutes) list(w http.ResponseWriter, r *http.Request) {
	principal, err := principalFor(r)
	if err != nil {
		respondError(w, err)
		return
	}

	keys, err := a.manager.List(r.Context(), principal.TenantID, principal.UserID)
	if err != nil {
		respondError(w, err)
		return
	}
	if keys == nil {
		keys = []*apikeys.Key{}
	}
	respondJSON(w, http.StatusOK, keyListResponse{Keys: keys})
}

// delete
//
//	@Summary		Delete an API key
//	@Description	Removes the key record; owners delete their own keys, admins any
//	@Tags			apikeys
//	@Success		204
//	@Failure		403	{object}	statusResponse
//	@Failure		404	{object}	statusResponse
//	@Router			/api/apikeys/{id} [delete]
func (a *APIKeysRoutes) delete(w http.ResponseWriter, r *http.Request) {
	key, principal, err := a.loadAuthorized(r)
	if err != nil {
		respondError(w, err)
		return
	}

	if err := a.manager.Delete(r.Context(), principal.TenantID, key.ID); err != nil {
		respondError(w, err)
		return
	}

	a.auditor.Record(r.Context(), audit.NewEvent(audit.EventTypeAPIKeyDeleted, audit.OutcomeSuccess).
		WithTenant(principal.TenantID).
		WithSource(audit.FromRequest(r)).
		WithSubject(audit.SubjectKeyUser, principal.UserID).
		WithTarget(audit.TargetKeyAPIKey, key.ID))
	w.WriteHeader(http.StatusNoContent)
}

// revoke
//
//	@Summary		Revoke an API key
//	@Description	Tombstones the key; it remains listed but never authenticates again
//	@Tags			apikeys
//	@Produce		json
//	@Success		200	{object}	statusResponse
//	@Failure		403	{object}	statusResponse
//	@Failure		404	{object}	statusResponse
//	@Router			/api/apikeys/{id}/revoke [post]
func (a *APIKeysRoutes) revoke(w http.ResponseWriter, r *http.Request) {
	key, principal, err := a.loadAuthorized(r)
	if err != nil {
		respondError(w, err)
		return
	}

	if err := a.manager.Revoke(r.Context(), principal.TenantID, key.ID); err != nil {
		respondError(w, err)
		return
	}

	a.auditor.Record(r.Context(), audit.NewEvent(audit.EventTypeAPIKeyRevoked, audit.OutcomeSuccess).
		WithTenant(principal.TenantID).
		WithSource(audit.FromRequest(r)).
		WithSubject(audit.SubjectKeyUser, principal.UserID).
		WithTarget(audit.TargetKeyAPIKey, key.ID))
	respondSuccess(w, http.StatusOK)
}

// loadAuthorized resolves the key named in the path and enforces the
// owner-or-admin rule for mutations.
func (a *APIKeysRoutes) loadAuthorized(r *http.Request) (*apikeys.Key, *auth.Principal, error) {
	principal, err := principalFor(r)
	if err != nil {
		return nil, nil, err
	}
	key, err := a.manager.Get(r.Context(), principal.TenantID, chi.URLParam(r, "id"))
	if err != nil {
		return nil, nil, err
	}
	if err := requireSelfOrAdmin(r, a.authorizer, principal.TenantID, key.UserID, principal); err != nil {
		return nil, nil, err
	}
	return key, principal, nil
}

type challengeResponse struct {
	Challenge string `json:"challenge"`
	ExpiresIn int    `json:"expiresIn"`
}

type verifyKeyRequest struct {
	APIKey string `json:"apiKey"`
}

type verifyChallengeRequest struct {
	Challenge string `json:"challenge"`
	Response  string `json:"response"`
}

type keyVerifyResponse struct {
	Valid    bool     `json:"valid"`
	UserID   string   `json:"userId,omitempty"`
	TenantID string   `json:"tenantId,omitempty"`
	Scopes   []string `json:"scopes,omitempty"`
}

type createKeyRequest struct {
	Name   string   `json:"name"`
	Scopes []string `json:"scopes,omitempty"`

	// ExpiresIn is an optional lifetime in seconds; zero means the key
	// never expires.
	ExpiresIn int64 `json:"expiresIn,omitempty"`
}

type createKeyResponse struct {
	APIKey string       `json:"apiKey"`
	Key    *apikeys.Key `json:"key"`
}

type keyListResponse struct {
	Keys []*apikeys.Key `json:"keys"`
}
