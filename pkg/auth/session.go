package auth

import (
	"context"
	stderrors "errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/keygate-io/keygate/pkg/errors"
)

// Token type claims minted by the session service.
const (
	TokenTypeSession  = "session"
	TokenTypeResource = "resource"
	TokenTypeAPIKey   = "apikey"
)

// DefaultSessionTTL and DefaultResourceTTL bound minted token lifetimes when
// the configuration leaves them unset.
const (
	DefaultSessionTTL  = 8 * time.Hour
	DefaultResourceTTL = 5 * time.Minute
)

// SessionServiceConfig configures token issuance.
type SessionServiceConfig struct {
	// Secret signs session and resource tokens (HS256).
	Secret string

	// Issuer is the iss claim on minted tokens.
	Issuer string

	// SessionTTL is the session token lifetime.
	SessionTTL time.Duration

	// ResourceTTL is the resource token lifetime.
	ResourceTTL time.Duration
}

// SessionService mints and validates keygate's own tokens. Session tokens
// are revocable through a per-user logout watermark in Redis; resource
// tokens are stateless and expire on their own.
type SessionService struct {
	secret      []byte
	issuer      string
	sessionTTL  time.Duration
	resourceTTL time.Duration

	rdb       redis.UniversalClient
	keyPrefix string

	now func() time.Time
}

// NewSessionService builds the session service. rdb backs the logout
// deny-list.
func NewSessionService(cfg SessionServiceConfig, rdb redis.UniversalClient, keyPrefix string) (*SessionService, error) {
	if cfg.Secret == "" {
		return nil, fmt.Errorf("session secret must be configured")
	}
	sessionTTL := cfg.SessionTTL
	if sessionTTL <= 0 {
		sessionTTL = DefaultSessionTTL
	}
	resourceTTL := cfg.ResourceTTL
	if resourceTTL <= 0 {
		resourceTTL = DefaultResourceTTL
	}
	return &SessionService{
		secret:      []byte(cfg.Secret),
		issuer:      cfg.Issuer,
		sessionTTL:  sessionTTL,
		resourceTTL: resourceTTL,
		rdb:         rdb,
		keyPrefix:   keyPrefix,
		now:         time.Now,
	}, nil
}

func (s *SessionService) denylistKey(tenant, user string) string {
	return fmt.Sprintf("%s:auth:denylist:%s:%s", s.keyPrefix, tenant, user)
}

// MintSession issues a session token for the user within the tenant.
func (s *SessionService) MintSession(_ context.Context, userID, tenant string, scopes []string) (string, time.Time, error) {
	now := s.now()
	expiresAt := now.Add(s.sessionTTL)

	claims := jwt.MapClaims{
		"iss": s.issuer,
		"sub": userID,
		"tid": tenant,
		"typ": TokenTypeSession,
		"iat": now.Unix(),
		"exp": expiresAt.Unix(),
		"jti": uuid.NewString(),
	}
	if len(scopes) > 0 {
		claims["scp"] = strings.Join(scopes, " ")
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, errors.NewInternalError("failed to sign session token", err)
	}
	return token, expiresAt, nil
}

// ValidateSession checks a session token's signature, expiry and revocation
// state and returns the principal it represents.
func (s *SessionService) ValidateSession(ctx context.Context, tokenString string) (*Principal, error) {
	claims, err := s.parseOwnToken(tokenString, TokenTypeSession)
	if err != nil {
		return nil, err
	}

	userID, _ := claims.GetSubject()
	tenant := stringClaim(claims, "tid")
	if userID == "" || tenant == "" {
		return nil, errors.NewAuthenticationError("session token missing subject or tenant", ErrInvalidToken)
	}

	issuedAt, err := claims.GetIssuedAt()
	if err != nil || issuedAt == nil {
		return nil, errors.NewAuthenticationError("session token missing issue time", ErrInvalidToken)
	}
	revoked, err := s.revokedSince(ctx, tenant, userID, issuedAt.Time)
	if err != nil {
		return nil, err
	}
	if revoked {
		return nil, errors.NewAuthenticationError("session has been logged out", nil)
	}

	return &Principal{
		UserID:    userID,
		TenantID:  tenant,
		Scopes:    strings.Fields(stringClaim(claims, "scp")),
		TokenType: TokenTypeSession,
	}, nil
}

// Logout revokes every session token the user currently holds in the tenant
// by recording a deny-list watermark that outlives them.
func (s *SessionService) Logout(ctx context.Context, tenant, userID string) error {
	watermark := strconv.FormatInt(s.now().Unix(), 10)
	if err := s.rdb.Set(ctx, s.denylistKey(tenant, userID), watermark, s.sessionTTL).Err(); err != nil {
		return errors.NewBackendUnavailableError("failed to record logout", err)
	}
	return nil
}

// revokedSince reports whether the user logged out at or after issuedAt.
func (s *SessionService) revokedSince(ctx context.Context, tenant, userID string, issuedAt time.Time) (bool, error) {
	val, err := s.rdb.Get(ctx, s.denylistKey(tenant, userID)).Result()
	if stderrors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, errors.NewBackendUnavailableError("failed to check logout state", err)
	}
	watermark, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return false, errors.NewInternalError("malformed logout watermark", err)
	}
	return issuedAt.Unix() <= watermark, nil
}

// ResourceClaims are the validated contents of a resource token.
type ResourceClaims struct {
	UserID   string
	TenantID string
	Resource string
}

// MintResourceToken issues a short-lived token scoped to one resource.
func (s *SessionService) MintResourceToken(_ context.Context, userID, tenant, resource string) (string, time.Time, error) {
	now := s.now()
	expiresAt := now.Add(s.resourceTTL)

	claims := jwt.MapClaims{
		"iss": s.issuer,
		"sub": userID,
		"tid": tenant,
		"res": resource,
		"typ": TokenTypeResource,
		"iat": now.Unix(),
		"exp": expiresAt.Unix(),
		"jti": uuid.NewString(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, errors.NewInternalError("failed to sign resource token", err)
	}
	return token, expiresAt, nil
}

// VerifyResourceToken checks a resource token and returns its claims.
// Resource tokens are not revocable; only signature and expiry apply.
func (s *SessionService) VerifyResourceToken(_ context.Context, tokenString string) (*ResourceClaims, error) {
	claims, err := s.parseOwnToken(tokenString, TokenTypeResource)
	if err != nil {
		return nil, err
	}

	userID, _ := claims.GetSubject()
	rc := &ResourceClaims{
		UserID:   userID,
		TenantID: stringClaim(claims, "tid"),
		Resource: stringClaim(claims, "res"),
	}
	if rc.UserID == "" || rc.TenantID == "" || rc.Resource == "" {
		return nil, errors.NewAuthenticationError("resource token missing claims", ErrInvalidToken)
	}
	return rc, nil
}

// parseOwnToken verifies signature and expiry on a keygate-minted token and
// checks the typ claim.
func (s *SessionService) parseOwnToken(tokenString, wantType string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, errors.NewAuthenticationError("token rejected", err)
	}
	if !token.Valid {
		return nil, errors.NewAuthenticationError("token rejected", ErrInvalidToken)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.NewAuthenticationError("token has no claims", ErrInvalidToken)
	}
	if got := stringClaim(claims, "typ"); got != wantType {
		return nil, errors.NewAuthenticationError(
			fmt.Sprintf("token type %q where %q expected", got, wantType), nil)
	}
	return claims, nil
}

func stringClaim(claims jwt.MapClaims, name string) string {
	if v, ok := claims[name].(string); ok {
		return v
	}
	return ""
}
