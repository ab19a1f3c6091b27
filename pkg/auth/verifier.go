// Package auth implements keygate's identity gateway: verification of
// identity-provider tokens, the IdP token endpoint client, session and
// resource token issuance, and the HTTP authentication middleware.
package auth

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/keygate-io/keygate/pkg/errors"
	"github.com/keygate-io/keygate/pkg/networking"
)

// Verification failure causes, wrapped into AuthenticationFailed errors.
var (
	ErrInvalidToken    = stderrors.New("invalid token")
	ErrTokenExpired    = stderrors.New("token expired")
	ErrInvalidIssuer   = stderrors.New("invalid issuer")
	ErrInvalidAudience = stderrors.New("invalid audience")
)

const jwksRegistrationTimeout = 5 * time.Second

// oidcDiscoveryDocument is the subset of the OIDC discovery metadata keygate
// needs.
type oidcDiscoveryDocument struct {
	Issuer        string `json:"issuer"`
	TokenEndpoint string `json:"token_endpoint"`
	JWKSURI       string `json:"jwks_uri"`
}

// VerifierConfig configures the identity token verifier.
type VerifierConfig struct {
	// Issuer is the IdP issuer URL. Used for discovery when JWKSURL is
	// empty and for the iss claim check.
	Issuer string

	// Audience is the expected aud claim. Empty skips the check.
	Audience string

	// JWKSURL overrides OIDC discovery.
	JWKSURL string

	// RequestTimeout bounds JWKS and discovery fetches.
	RequestTimeout time.Duration
}

// Verifier validates identity-provider JWTs against the IdP's published
// signing keys. Keys are cached and refreshed in the background; an unknown
// kid falls through to a cache refresh before failing.
type Verifier struct {
	issuer   string
	audience string
	jwksURL  string

	jwksCache *jwk.Cache
	client    *http.Client

	registered      bool
	registrationMu  sync.Mutex
	registrationErr error
}

// NewVerifier builds a Verifier, discovering the JWKS URL from the issuer's
// well-known endpoint when it is not configured explicitly.
func NewVerifier(ctx context.Context, cfg VerifierConfig) (*Verifier, error) {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = networking.HttpTimeout
	}
	client, err := networking.NewHttpClientBuilder().
		WithTimeout(timeout).
		Build()
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP client: %w", err)
	}

	jwksURL := cfg.JWKSURL
	if jwksURL == "" {
		if cfg.Issuer == "" {
			return nil, fmt.Errorf("either issuer or JWKS URL must be configured")
		}
		wellKnown := strings.TrimSuffix(cfg.Issuer, "/") + "/.well-known/openid-configuration"
		res, err := networking.FetchJSON[oidcDiscoveryDocument](ctx, client, wellKnown)
		if err != nil {
			return nil, fmt.Errorf("failed to discover OIDC configuration: %w", err)
		}
		if res.Data.JWKSURI == "" {
			return nil, fmt.Errorf("discovery document at %s has no jwks_uri", wellKnown)
		}
		jwksURL = res.Data.JWKSURI
	}

	httprcClient := httprc.NewClient(httprc.WithHTTPClient(client))
	cache, err := jwk.NewCache(ctx, httprcClient)
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS cache: %w", err)
	}

	// JWKS registration happens lazily on first use so a slow IdP does
	// not block startup.

	return &Verifier{
		issuer:    cfg.Issuer,
		audience:  cfg.Audience,
		jwksURL:   jwksURL,
		jwksCache: cache,
		client:    client,
	}, nil
}

func (v *Verifier) ensureJWKSRegistered(ctx context.Context) error {
	v.registrationMu.Lock()
	defer v.registrationMu.Unlock()

	if v.registered {
		return v.registrationErr
	}

	registrationCtx, cancel := context.WithTimeout(ctx, jwksRegistrationTimeout)
	defer cancel()

	if err := v.jwksCache.Register(registrationCtx, v.jwksURL); err != nil {
		v.registrationErr = fmt.Errorf("failed to register JWKS URL: %w", err)
	} else {
		v.registrationErr = nil
	}
	v.registered = true
	return v.registrationErr
}

// keyFromJWKS resolves the verification key for the token's kid header.
func (v *Verifier) keyFromJWKS(ctx context.Context, token *jwt.Token) (any, error) {
	if err := v.ensureJWKSRegistered(ctx); err != nil {
		return nil, err
	}

	switch token.Method.(type) {
	case *jwt.SigningMethodRSA, *jwt.SigningMethodECDSA:
	default:
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}

	kid, ok := token.Header["kid"].(string)
	if !ok {
		return nil, fmt.Errorf("token header missing kid")
	}

	keySet, err := v.jwksCache.Lookup(ctx, v.jwksURL)
	if err != nil {
		return nil, fmt.Errorf("failed to lookup JWKS: %w", err)
	}

	key, found := keySet.LookupKeyID(kid)
	if !found {
		return nil, fmt.Errorf("key ID %s not found in JWKS", kid)
	}

	var rawKey any
	if err := jwk.Export(key, &rawKey); err != nil {
		return nil, fmt.Errorf("failed to export raw key: %w", err)
	}
	return rawKey, nil
}

// Verify parses and validates an identity token, returning its claims.
// All failures surface as AuthenticationFailed.
func (v *Verifier) Verify(ctx context.Context, tokenString string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		return v.keyFromJWKS(ctx, token)
	})
	if err != nil {
		return nil, errors.NewAuthenticationError("failed to parse identity token", err)
	}
	if !token.Valid {
		return nil, errors.NewAuthenticationError("identity token rejected", ErrInvalidToken)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.NewAuthenticationError("identity token has no claims", ErrInvalidToken)
	}
	if err := v.validateClaims(claims); err != nil {
		return nil, errors.NewAuthenticationError("identity token claims rejected", err)
	}
	return claims, nil
}

func (v *Verifier) validateClaims(claims jwt.MapClaims) error {
	if v.issuer != "" {
		issuer, err := claims.GetIssuer()
		if err != nil {
			return fmt.Errorf("failed to get issuer from claims: %w", err)
		}
		if strings.TrimSpace(issuer) != strings.TrimSpace(v.issuer) {
			return ErrInvalidIssuer
		}
	}

	if v.audience != "" {
		audiences, err := claims.GetAudience()
		if err != nil {
			return ErrInvalidAudience
		}
		found := false
		for _, aud := range audiences {
			if aud == v.audience {
				found = true
				break
			}
		}
		if !found {
			return ErrInvalidAudience
		}
	}

	expiration, err := claims.GetExpirationTime()
	if err != nil || expiration == nil || expiration.Before(time.Now()) {
		return ErrTokenExpired
	}
	return nil
}
