package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/keygate-io/keygate/pkg/authz"
	"github.com/keygate-io/keygate/pkg/errors"
	"github.com/keygate-io/keygate/pkg/tuplestore"
)

// Session is a minted session token with its metadata.
type Session struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	UserID    string    `json:"user_id"`
	TenantID  string    `json:"tenant_id"`
}

// ResourceGrant is a minted resource token with its metadata.
type ResourceGrant struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Resource  string    `json:"resource"`
}

// Exchanger turns identity-provider credentials and tokens into keygate
// sessions and resource tokens, enforcing tenant membership on the way.
type Exchanger struct {
	verifier   *Verifier
	idp        *IDPClient
	sessions   *SessionService
	authorizer authz.Authorizer
}

// NewExchanger wires the exchange flows. idp may be nil when only token
// exchange (not credential login) is served.
func NewExchanger(verifier *Verifier, idp *IDPClient, sessions *SessionService, authorizer authz.Authorizer) *Exchanger {
	return &Exchanger{
		verifier:   verifier,
		idp:        idp,
		sessions:   sessions,
		authorizer: authorizer,
	}
}

// Login authenticates a user against the IdP with username and password and
// mints a session for the tenant.
func (e *Exchanger) Login(ctx context.Context, username, password, tenant string) (*Session, error) {
	if e.idp == nil {
		return nil, errors.NewValidationError("credential login is not configured", nil)
	}
	if username == "" || password == "" {
		return nil, errors.NewValidationError("username and password are required", nil)
	}

	idpToken, err := e.idp.PasswordGrant(ctx, username, password)
	if err != nil {
		return nil, err
	}
	return e.Exchange(ctx, idpToken.AccessToken, tenant)
}

// LoginM2M authenticates a machine client against the IdP with its own
// credentials and mints a session for the tenant.
func (e *Exchanger) LoginM2M(ctx context.Context, clientID, clientSecret, tenant string) (*Session, error) {
	if e.idp == nil {
		return nil, errors.NewValidationError("credential login is not configured", nil)
	}
	if clientID == "" || clientSecret == "" {
		return nil, errors.NewValidationError("client id and secret are required", nil)
	}

	idpToken, err := e.idp.ClientCredentialsGrant(ctx, clientID, clientSecret)
	if err != nil {
		return nil, err
	}
	return e.Exchange(ctx, idpToken.AccessToken, tenant)
}

// Exchange verifies an identity-provider token and mints a session for the
// tenant. The subject must be a member of the tenant.
func (e *Exchanger) Exchange(ctx context.Context, idpToken, tenant string) (*Session, error) {
	claims, err := e.verifier.Verify(ctx, idpToken)
	if err != nil {
		return nil, err
	}
	userID, err := subjectOf(claims)
	if err != nil {
		return nil, err
	}

	if err := e.requireMembership(ctx, tenant, userID); err != nil {
		return nil, err
	}

	token, expiresAt, err := e.sessions.MintSession(ctx, userID, tenant, scopesOf(claims))
	if err != nil {
		return nil, err
	}
	return &Session{Token: token, ExpiresAt: expiresAt, UserID: userID, TenantID: tenant}, nil
}

// ExchangeForResource verifies an identity-provider token and mints a
// short-lived token scoped to one resource. The subject must be a member of
// the tenant and a reader of the resource.
func (e *Exchanger) ExchangeForResource(ctx context.Context, idpToken, tenant, resource string) (*ResourceGrant, error) {
	if err := tuplestore.ValidateRef(resource); err != nil {
		return nil, errors.NewValidationError("invalid resource reference", err)
	}

	claims, err := e.verifier.Verify(ctx, idpToken)
	if err != nil {
		return nil, err
	}
	userID, err := subjectOf(claims)
	if err != nil {
		return nil, err
	}

	if err := e.requireMembership(ctx, tenant, userID); err != nil {
		return nil, err
	}

	allowed, err := e.authorizer.Check(ctx, tenant, userID, authz.PermissionRead, resource, nil)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, errors.NewAccessDeniedError(
			fmt.Sprintf("user %q may not read %s", userID, resource), nil)
	}

	token, expiresAt, err := e.sessions.MintResourceToken(ctx, userID, tenant, resource)
	if err != nil {
		return nil, err
	}
	return &ResourceGrant{Token: token, ExpiresAt: expiresAt, Resource: resource}, nil
}

// VerifyResourceToken validates a previously minted resource token.
func (e *Exchanger) VerifyResourceToken(ctx context.Context, token string) (*ResourceClaims, error) {
	return e.sessions.VerifyResourceToken(ctx, token)
}

// Logout revokes the user's sessions in the tenant.
func (e *Exchanger) Logout(ctx context.Context, tenant, userID string) error {
	return e.sessions.Logout(ctx, tenant, userID)
}

func (e *Exchanger) requireMembership(ctx context.Context, tenant, userID string) error {
	if tenant == "" {
		return errors.NewValidationError("tenant is required", nil)
	}
	member, err := e.authorizer.Check(ctx, tenant, userID,
		tuplestore.RelationMember, tuplestore.TypeTenant+":"+tenant, nil)
	if err != nil {
		return err
	}
	if !member {
		return errors.NewAccessDeniedError(
			fmt.Sprintf("user %q is not a member of tenant %q", userID, tenant), nil)
	}
	return nil
}

func subjectOf(claims jwt.MapClaims) (string, error) {
	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		return "", errors.NewAuthenticationError("identity token has no subject", err)
	}
	return subject, nil
}

func scopesOf(claims jwt.MapClaims) []string {
	if scope, ok := claims["scope"].(string); ok {
		return strings.Fields(scope)
	}
	return nil
}
