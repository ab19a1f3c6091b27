package v1

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keygate-io/keygate/pkg/audit"
	"github.com/keygate-io/keygate/pkg/authz"
	"github.com/keygate-io/keygate/pkg/kek"
)

// recoveryRoutes serves threshold recovery sessions. Initiation is an
// admin operation; share submission is open to tenant members so share
// holders can contribute without elevated roles. The manager itself
// enforces the initiator-only rules for completion and cancellation.
type recoveryRoutes struct {
	manager    *kek.RecoveryManager
	authorizer authz.Authorizer
	auditor    *audit.Auditor
}

// initiate
//
//	@Summary		Start a recovery session
//	@Description	Opens a threshold recovery session for one key version; requires the admin role
//	@Tags			recovery
//	@Accept			json
//	@Produce		json
//	@Param			request	body		initiateRecoveryRequest	true	"Session parameters"
//	@Success		201		{object}	kek.Session
//	@Failure		403		{object}	statusResponse
//	@Router			/kek/recovery [post]
func (c *recoveryRoutes) initiate(w http.ResponseWriter, r *http.Request) {
	principal, err := principalFor(r)
	if err != nil {
		respondError(w, err)
		return
	}
	var req initiateRecoveryRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if err := requireTenantAdmin(r, c.authorizer, principal.TenantID, principal); err != nil {
		respondError(w, err)
		return
	}

	ttl := time.Duration(req.ExpiresIn) * time.Second
	session, err := c.manager.Initiate(r.Context(), principal.TenantID, subjectRef(principal.UserID),
		req.VersionID, req.Threshold, req.Reason, ttl)
	if err != nil {
		respondError(w, err)
		return
	}

	c.auditor.Record(r.Context(), audit.NewEvent(audit.EventTypeRecoveryInitiated, audit.OutcomeSuccess).
		WithTenant(principal.TenantID).
		WithSource(audit.FromRequest(r)).
		WithSubject(audit.SubjectKeyUser, principal.UserID).
		WithTarget(audit.TargetKeyRecoverySession, session.ID).
		WithTarget(audit.TargetKeyKEKVersion, session.VersionID))
	respondJSON(w, http.StatusCreated, session)
}

// getSession
//
//	@Summary		Get a recovery session
//	@Description	Returns session state with submitter ids; share ciphertexts stay redacted
//	@Tags			recovery
//	@Produce		json
//	@Success		200	{object}	kek.Session
//	@Failure		404	{object}	statusResponse
//	@Router			/kek/recovery/{sessionId} [get]
func (c *recoveryRoutes) getSession(w http.ResponseWriter, r *http.Request) {
	principal, err := principalFor(r)
	if err != nil {
		respondError(w, err)
		return
	}
	if err := requireTenantMember(r, c.authorizer, principal.TenantID, principal); err != nil {
		respondError(w, err)
		return
	}

	session, err := c.manager.GetSession(r.Context(), principal.TenantID, chi.URLParam(r, "sessionId"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, session)
}

// submitShare
//
//	@Summary		Submit a recovery share
//	@Description	Contributes one encrypted share to a pending session; each member submits at most once
//	@Tags			recovery
//	@Accept			json
//	@Produce		json
//	@Param			request	body		submitShareRequest	true	"Encrypted share"
//	@Success		200		{object}	kek.Session
//	@Failure		409		{object}	statusResponse
//	@Router			/kek/recovery/{sessionId}/shares [post]
func (c *recoveryRoutes) submitShare(w http.ResponseWriter, r *http.Request) {
	principal, err := principalFor(r)
	if err != nil {
		respondError(w, err)
		return
	}
	var req submitShareRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if err := requireTenantMember(r, c.authorizer, principal.TenantID, principal); err != nil {
		respondError(w, err)
		return
	}

	sessionID := chi.URLParam(r, "sessionId")
	session, err := c.manager.SubmitShare(r.Context(), principal.TenantID, sessionID,
		subjectRef(principal.UserID), req.EncryptedFor, req.Share)
	if err != nil {
		respondError(w, err)
		return
	}

	c.auditor.Record(r.Context(), audit.NewEvent(audit.EventTypeRecoveryShareSubmitted, audit.OutcomeSuccess).
		WithTenant(principal.TenantID).
		WithSource(audit.FromRequest(r)).
		WithSubject(audit.SubjectKeyUser, principal.UserID).
		WithTarget(audit.TargetKeyRecoverySession, session.ID))
	respondJSON(w, http.StatusOK, session)
}

// complete
//
//	@Summary		Complete a recovery session
//	@Description	Registers the recovered key under a new version; only the initiator may complete
//	@Tags			recovery
//	@Accept			json
//	@Produce		json
//	@Param			request	body		completeRecoveryRequest	true	"Recovered key and new version id"
//	@Success		200		{object}	kek.Session
//	@Failure		409		{object}	statusResponse
//	@Router			/kek/recovery/{sessionId}/complete [post]
func (c *recoveryRoutes) complete(w http.ResponseWriter, r *http.Request) {
	principal, err := principalFor(r)
	if err != nil {
		respondError(w, err)
		return
	}
	var req completeRecoveryRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if err := requireTenantMember(r, c.authorizer, principal.TenantID, principal); err != nil {
		respondError(w, err)
		return
	}

	sessionID := chi.URLParam(r, "sessionId")
	session, err := c.manager.Complete(r.Context(), principal.TenantID, sessionID,
		subjectRef(principal.UserID), req.RecoveredKEK, req.NewKEKVersion.ID, req.NewKEKVersion.Reason)
	if err != nil {
		respondError(w, err)
		return
	}

	c.auditor.Record(r.Context(), audit.NewEvent(audit.EventTypeRecoveryCompleted, audit.OutcomeSuccess).
		WithTenant(principal.TenantID).
		WithSource(audit.FromRequest(r)).
		WithSubject(audit.SubjectKeyUser, principal.UserID).
		WithTarget(audit.TargetKeyRecoverySession, session.ID).
		WithTarget(audit.TargetKeyKEKVersion, session.NewVersionID))
	respondJSON(w, http.StatusOK, session)
}

// cancel
//
//	@Summary		Cancel a recovery session
//	@Description	Abandons a pending session; only the initiator may cancel
//	@Tags			recovery
//	@Produce		json
//	@Success		200	{object}	kek.Session
//	@Failure		409	{object}	statusResponse
//	@Router			/kek/recovery/{sessionId} [delete]
func (c *recoveryRoutes) cancel(w http.ResponseWriter, r *http.Request) {
	principal, err := principalFor(r)
	if err != nil {
		respondError(w, err)
		return
	}
	if err := requireTenantMember(r, c.authorizer, principal.TenantID, principal); err != nil {
		respondError(w, err)
		return
	}

	session, err := c.manager.Cancel(r.Context(), principal.TenantID, chi.URLParam(r, "sessionId"),
		subjectRef(principal.UserID))
	if err != nil {
		respondError(w, err)
		return
	}

	c.auditor.Record(r.Context(), audit.NewEvent(audit.EventTypeRecoveryCancelled, audit.OutcomeSuccess).
		WithTenant(principal.TenantID).
		WithSource(audit.FromRequest(r)).
		WithSubject(audit.SubjectKeyUser, principal.UserID).
		WithTarget(audit.TargetKeyRecoverySession, session.ID))
	respondJSON(w, http.StatusOK, session)
}

type initiateRecoveryRequest struct {
	VersionID string `json:"versionId"`
	Threshold int    `json:"threshold"`
	Reason    string `json:"reason"`

	// ExpiresIn is the session lifetime in seconds; zero selects the
	// default.
	ExpiresIn int64 `json:"expiresIn,omitempty"`
}

type submitShareRequest struct {
	Share        string `json:"share"`
	EncryptedFor string `json:"encryptedFor"`
}

type completeRecoveryRequest struct {
	RecoveredKEK  string            `json:"recoveredKEK"`
	NewKEKVersion newKEKVersionSpec `json:"newKEKVersion"`
}

// newKEKVersionSpec names the version registered on completion. The client
// picks the id so its local state and the registry agree.
type newKEKVersionSpec struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}
