package v1

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keygate-io/keygate/pkg/apikeys"
	"github.com/keygate-io/keygate/pkg/audit"
	"github.com/keygate-io/keygate/pkg/auth"
	"github.com/keygate-io/keygate/pkg/authz"
	"github.com/keygate-io/keygate/pkg/errors"
	"github.com/keygate-io/keygate/pkg/tuplestore"
)

// AuthRoutes handles login, token exchange and authorization decisions.
type AuthRoutes struct {
	exchanger  *auth.Exchanger
	sessions   *auth.SessionService
	apiKeys    *apikeys.Manager
	authorizer authz.Authorizer
	auditor    *audit.Auditor
}

// AuthRouter builds the /api/auth sub-router. Login and verification
// endpoints are public; decision and logout endpoints sit behind authn.
func AuthRouter(
	exchanger *auth.Exchanger,
	sessions *auth.SessionService,
	apiKeys *apikeys.Manager,
	authorizer authz.Authorizer,
	authn func(http.Handler) http.Handler,
	auditor *audit.Auditor,
) http.Handler {
	routes := AuthRoutes{
		exchanger:  exchanger,
		sessions:   sessions,
		apiKeys:    apiKeys,
		authorizer: authorizer,
		auditor:    auditor,
	}

	r := chi.NewRouter()
	r.Post("/login", routes.login)
	r.Post("/m2m", routes.loginM2M)
	r.Post("/validate", routes.validate)
	r.Post("/login-with-api-key", routes.loginWithAPIKey)
	r.Post("/exchange-token", routes.exchangeToken)
	r.Post("/exchange-token-for-resource", routes.exchangeTokenForResource)
	r.Post("/verify-resource-token", routes.verifyResourceToken)
	r.Group(func(r chi.Router) {
		r.Use(authn)
		r.Post("/logout", routes.logout)
		r.Post("/check", routes.check)
		r.Post("/grant", routes.grant)
		r.Post("/revoke", routes.revoke)
	})
	return r
}

// requestTenant returns the tenant resolved by the tenant middleware.
func requestTenant(r *http.Request) string {
	tenant, _ := auth.TenantFromContext(r.Context())
	return tenant
}

// login
//
//	@Summary		Password login
//	@Description	Authenticates against the identity provider and mints a session token
//	@Tags			auth
//	@Accept			json
//	@Produce		json
//	@Param			request	body		loginRequest	true	"Credentials"
//	@Success		200		{object}	loginResponse
//	@Failure		401		{object}	statusResponse
//	@Router			/api/auth/login [post]
func (a *AuthRoutes) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	tenant := requestTenant(r)

	sess, err := a.exchanger.Login(r.Context(), req.Username, req.Password, tenant)
	if err != nil {
		a.auditor.Record(r.Context(), audit.NewEvent(audit.EventTypeLogin, audit.OutcomeFailure).
			WithTenant(tenant).
			WithSource(audit.FromRequest(r)).
			WithSubject(audit.SubjectKeyUser, req.Username))
		respondError(w, err)
		return
	}

	a.auditor.Record(r.Context(), audit.NewEvent(audit.EventTypeLogin, audit.OutcomeSuccess).
		WithTenant(sess.TenantID).
		WithSource(audit.FromRequest(r)).
		WithSubject(audit.SubjectKeyUser, sess.UserID))
	respondJSON(w, http.StatusOK, loginResponse{
		Session: *sess,
		User:    userInfo{UserID: sess.UserID, TenantID: sess.TenantID},
	})
}

// loginM2M
//
//	@Summary		Machine-to-machine login
//	@Description	Authenticates client credentials and mints a session token
//	@Tags			auth
//	@Accept			json
//	@Produce		json
//	@Param			request	body		m2mRequest	true	"Client credentials"
//	@Success		200		{object}	auth.Session
//	@Failure		401		{object}	statusResponse
//	@Router			/api/auth/m2m [post]
func (a *AuthRoutes) loginM2M(w http.ResponseWriter, r *http.Request) {
	var req m2mRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	tenant := requestTenant(r)

	sess, err := a.exchanger.LoginM2M(r.Context(), req.ClientID, req.ClientSecret, tenant)
	if err != nil {
		a.auditor.Record(r.Context(), audit.NewEvent(audit.EventTypeLogin, audit.OutcomeFailure).
			WithTenant(tenant).
			WithSource(audit.FromRequest(r)).
			WithSubject(audit.SubjectKeyUser, req.ClientID))
		respondError(w, err)
		return
	}

	a.auditor.Record(r.Context(), audit.NewEvent(audit.EventTypeLogin, audit.OutcomeSuccess).
		WithTenant(sess.TenantID).
		WithSource(audit.FromRequest(r)).
		WithSubject(audit.SubjectKeyUser, sess.UserID))
	respondJSON(w, http.StatusOK, sess)
}

// validate
//
//	@Summary		Validate a session token
//	@Description	Checks signature, expiry and revocation state of a session token
//	@Tags			auth
//	@Accept			json
//	@Produce		json
//	@Param			request	body		tokenRequest	true	"Token to validate"
//	@Success		200		{object}	validateResponse
//	@Failure		401		{object}	validateResponse
//	@Router			/api/auth/validate [post]
func (a *AuthRoutes) validate(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}

	principal, err := a.sessions.ValidateSession(r.Context(), req.Token)
	if err != nil {
		if errors.IsBackendUnavailable(err) {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusUnauthorized, validateResponse{Valid: false})
		return
	}
	respondJSON(w, http.StatusOK, validateResponse{
		Valid: true,
		User: &userInfo{
			UserID:   principal.UserID,
			TenantID: principal.TenantID,
			Scopes:   principal.Scopes,
		},
	})
}

// logout
//
//	@Summary		Log a user out
//	@Description	Revokes all session tokens the user holds, best effort
//	@Tags			auth
//	@Accept			json
//	@Produce		json
//	@Param			request	body		logoutRequest	true	"User to log out, defaults to the caller"
//	@Success		200		{object}	statusResponse
//	@Failure		403		{object}	statusResponse
//	@Router			/api/auth/logout [post]
func (a *AuthRoutes) logout(w http.ResponseWriter, r *http.Request) {
	principal, err := principalFor(r)
	if err != nil {
		respondError(w, err)
		return
	}
	var req logoutRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	target := req.UserID
	if target == "" {
		target = principal.UserID
	}
	if err := requireSelfOrAdmin(r, a.authorizer, principal.TenantID, target, principal); err != nil {
		respondError(w, err)
		return
	}

	if err := a.exchanger.Logout(r.Context(), principal.TenantID, target); err != nil {
		respondError(w, err)
		return
	}
	a.auditor.Record(r.Context(), audit.NewEvent(audit.EventTypeLogout, audit.OutcomeSuccess).
		WithTenant(principal.TenantID).
		WithSource(audit.FromRequest(r)).
		WithSubject(audit.SubjectKeyUser, principal.UserID).
		WithTarget(audit.TargetKeyUser, target))
	respondSuccess(w, http.StatusOK)
}

// loginWithAPIKey
//
//	@Summary		API-key login
//	@Description	Verifies a raw API key and mints a session token for its owner
//	@Tags			auth
//	@Accept			json
//	@Produce		json
//	@Param			request	body		apiKeyLoginRequest	true	"Raw API key"
//	@Success		200		{object}	loginResponse
//	@Failure		401		{object}	statusResponse
//	@Router			/api/auth/login-with-api-key [post]
func (a *AuthRoutes) loginWithAPIKey(w http.ResponseWriter, r *http.Request) {
	var req apiKeyLoginRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	tenant := requestTenant(r)

	key, err := a.apiKeys.VerifyDirect(r.Context(), tenant, req.APIKey)
	if err != nil {
		a.auditor.Record(r.Context(), audit.NewEvent(audit.EventTypeLogin, audit.OutcomeFailure).
			WithTenant(tenant).
			WithSource(audit.FromRequest(r)))
		respondError(w, err)
		return
	}
	token, expiresAt, err := a.sessions.MintSession(r.Context(), key.UserID, key.TenantID, key.Scopes)
	if err != nil {
		respondError(w, err)
		return
	}

	a.auditor.Record(r.Context(), audit.NewEvent(audit.EventTypeLogin, audit.OutcomeSuccess).
		WithTenant(key.TenantID).
		WithSource(audit.FromRequest(r)).
		WithSubject(audit.SubjectKeyUser, key.UserID).
		WithSubject(audit.SubjectKeyAPIKey, key.ID))
	respondJSON(w, http.StatusOK, loginResponse{
		Session: auth.Session{
			Token:     token,
			ExpiresAt: expiresAt,
			UserID:    key.UserID,
			TenantID:  key.TenantID,
		},
		User: userInfo{UserID: key.UserID, TenantID: key.TenantID, Scopes: key.Scopes},
	})
}

// exchangeToken
//
//	@Summary		Exchange an identity-provider token
//	@Description	Verifies an external identity token and mints an internal session token
//	@Tags			auth
//	@Accept			json
//	@Produce		json
//	@Param			request	body		tokenRequest	true	"Identity-provider token"
//	@Success		200		{object}	auth.Session
//	@Failure		401		{object}	statusResponse
//	@Router			/api/auth/exchange-token [post]
func (a *AuthRoutes) exchangeToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	tenant := requestTenant(r)

	sess, err := a.exchanger.Exchange(r.Context(), req.Token, tenant)
	if err != nil {
		a.auditor.Record(r.Context(), audit.NewEvent(audit.EventTypeTokenExchange, audit.OutcomeFailure).
			WithTenant(tenant).
			WithSource(audit.FromRequest(r)))
		respondError(w, err)
		return
	}

	a.auditor.Record(r.Context(), audit.NewEvent(audit.EventTypeTokenExchange, audit.OutcomeSuccess).
		WithTenant(sess.TenantID).
		WithSource(audit.FromRequest(r)).
		WithSubject(audit.SubjectKeyUser, sess.UserID))
	respondJSON(w, http.StatusOK, sess)
}

// exchangeTokenForResource
//
//	@Summary		Exchange for a resource token
//	@Description	Verifies an identity token and mints a short-lived token scoped to one resource
//	@Tags			auth
//	@Accept			json
//	@Produce		json
//	@Param			request	body		resourceExchangeRequest	true	"Identity token and resource"
//	@Success		200		{object}	auth.ResourceGrant
//	@Failure		403		{object}	statusResponse
//	@Router			/api/auth/exchange-token-for-resource [post]
func (a *AuthRoutes) exchangeTokenForResource(w http.ResponseWriter, r *http.Request) {
	var req resourceExchangeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	tenant := requestTenant(r)

	grant, err := a.exchanger.ExchangeForResource(r.Context(), req.Token, tenant, req.Resource)
	if err != nil {
		a.auditor.Record(r.Context(), audit.NewEvent(audit.EventTypeResourceToken, audit.OutcomeFailure).
			WithTenant(tenant).
			WithSource(audit.FromRequest(r)).
			WithTarget(audit.TargetKeyResource, req.Resource))
		respondError(w, err)
		return
	}

	a.auditor.Record(r.Context(), audit.NewEvent(audit.EventTypeResourceToken, audit.OutcomeSuccess).
		WithTenant(tenant).
		WithSource(audit.FromRequest(r)).
		WithTarget(audit.TargetKeyResource, grant.Resource))
	respondJSON(w, http.StatusOK, grant)
}

// verifyResourceToken
//
//	@Summary		Verify a resource token
//	@Description	Checks a resource token and returns its claims
//	@Tags			auth
//	@Accept			json
//	@Produce		json
//	@Param			request	body		tokenRequest	true	"Resource token"
//	@Success		200		{object}	resourceTokenResponse
//	@Failure		401		{object}	resourceTokenResponse
//	@Router			/api/auth/verify-resource-token [post]
func (a *AuthRoutes) verifyResourceToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}

	claims, err := a.exchanger.VerifyResourceToken(r.Context(), req.Token)
	if err != nil {
		respondJSON(w, http.StatusUnauthorized, resourceTokenResponse{Valid: false})
		return
	}
	respondJSON(w, http.StatusOK, resourceTokenResponse{
		Valid:    true,
		UserID:   claims.UserID,
		TenantID: claims.TenantID,
		Resource: claims.Resource,
	})
}

// check
//
//	@Summary		Evaluate a permission
//	@Description	Reports whether the user holds the relation on the object within the caller's tenant
//	@Tags			auth
//	@Accept			json
//	@Produce		json
//	@Param			request	body		checkRequest	true	"Tuple to evaluate"
//	@Success		200		{object}	checkResponse
//	@Failure		503		{object}	statusResponse
//	@Router			/api/auth/check [post]
func (a *AuthRoutes) check(w http.ResponseWriter, r *http.Request) {
	principal, err := principalFor(r)
	if err != nil {
		respondError(w, err)
		return
	}
	var req checkRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}

	contextual := make([]tuplestore.Tuple, 0, len(req.ContextualTuples))
	for _, t := range req.ContextualTuples {
		contextual = append(contextual, tuplestore.Tuple{User: t.User, Relation: t.Relation, Object: t.Object})
	}

	allowed, err := a.authorizer.Check(r.Context(), principal.TenantID, req.User, req.Relation, req.Object, contextual)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, checkResponse{Allowed: allowed})
}

// grant
//
//	@Summary		Grant a relation
//	@Description	Writes the relationship tuple; requires the tenant admin role
//	@Tags			auth
//	@Accept			json
//	@Produce		json
//	@Param			request	body		tupleRequest	true	"Tuple to write"
//	@Success		200		{object}	statusResponse
//	@Failure		403		{object}	statusResponse
//	@Router			/api/auth/grant [post]
func (a *AuthRoutes) grant(w http.ResponseWriter, r *http.Request) {
	a.writeTuple(w, r, true)
}

// revoke
//
//	@Summary		Revoke a relation
//	@Description	Removes the relationship tuple; requires the tenant admin role
//	@Tags			auth
//	@Accept			json
//	@Produce		json
//	@Param			request	body		tupleRequest	true	"Tuple to remove"
//	@Success		200		{object}	statusResponse
//	@Failure		403		{object}	statusResponse
//	@Router			/api/auth/revoke [post]
func (a *AuthRoutes) revoke(w http.ResponseWriter, r *http.Request) {
	a.writeTuple(w, r, false)
}

func (a *AuthRoutes) writeTuple(w http.ResponseWriter, r *http.Request, write bool) {
	principal, err := principalFor(r)
	if err != nil {
		respondError(w, err)
		return
	}
	var req tupleRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if err := requireTenantAdmin(r, a.authorizer, principal.TenantID, principal); err != nil {
		respondError(w, err)
		return
	}

	eventType := audit.EventTypeGrant
	if write {
		err = a.authorizer.Grant(r.Context(), principal.TenantID, req.User, req.Relation, req.Object)
	} else {
		eventType = audit.EventTypeRevoke
		err = a.authorizer.Revoke(r.Context(), principal.TenantID, req.User, req.Relation, req.Object)
	}
	if err != nil {
		respondError(w, err)
		return
	}

	a.auditor.Record(r.Context(), audit.NewEvent(eventType, audit.OutcomeSuccess).
		WithTenant(principal.TenantID).
		WithSource(audit.FromRequest(r)).
		WithSubject(audit.SubjectKeyUser, principal.UserID).
		WithTarget(audit.TargetKeyUser, req.User).
		WithTarget(audit.TargetKeyRelation, req.Relation).
		WithTarget(audit.TargetKeyObject, req.Object))
	respondSuccess(w, http.StatusOK)
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type m2mRequest struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
}

type tokenRequest struct {
	Token string `json:"token"`
}

type logoutRequest struct {
	UserID string `json:"userId"`
}

type apiKeyLoginRequest struct {
	APIKey string `json:"apiKey"`
}

type resourceExchangeRequest struct {
	Token    string `json:"token"`
	Resource string `json:"resource"`
}

type userInfo struct {
	UserID   string   `json:"userId"`
	TenantID string   `json:"tenantId"`
	Scopes   []string `json:"scopes,omitempty"`
}

type loginResponse struct {
	auth.Session
	User userInfo `json:"user"`
}

type validateResponse struct {
	Valid bool      `json:"valid"`
	User  *userInfo `json:"user,omitempty"`
}

type resourceTokenResponse struct {
	Valid    bool   `json:"valid"`
	UserID   string `json:"userId,omitempty"`
	TenantID string `json:"tenantId,omitempty"`
	Resource string `json:"resource,omitempty"`
}

type wireTuple struct {
	User     string `json:"user"`
	Relation string `json:"relation"`
	Object   string `json:"object"`
}

type checkRequest struct {
	User             string      `json:"user"`
	Relation         string      `json:"relation"`
	Object           string      `json:"object"`
	ContextualTuples []wireTuple `json:"contextualTuples,omitempty"`
}

type tupleRequest struct {
	User     string `json:"user"`
	Relation string `json:"relation"`
	Object   string `json:"object"`
}

type checkResponse struct {
	Allowed bool `json:"allowed"`
}
