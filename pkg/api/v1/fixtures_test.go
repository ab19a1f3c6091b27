package v1

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/keygate-io/keygate/pkg/apikeys"
	"github.com/keygate-io/keygate/pkg/audit"
	"github.com/keygate-io/keygate/pkg/auth"
	"github.com/keygate-io/keygate/pkg/authz"
	"github.com/keygate-io/keygate/pkg/kek"
	"github.com/keygate-io/keygate/pkg/tuplestore"
)

const (
	testSecret    = "0123456789abcdef0123456789abcdef"
	testIDPIssuer = "https://idp.test"
	testKeyID     = "test-key-1"
	testTenant    = "acme"
)

// apiFixture wires real services over miniredis, a memory tuple store and
// an httptest identity provider. The "acme" tenant exists with admin
// "root" and members "alice", "bob" and "svc-ingest"; "mallory"
// authenticates at the IdP but belongs to no tenant.
type apiFixture struct {
	rdb        redis.UniversalClient
	authorizer authz.Authorizer
	sessions   *auth.SessionService
	exchanger  *auth.Exchanger
	manager    *apikeys.Manager
	custody    *kek.Service
	authn      func(http.Handler) http.Handler
	auditor    *audit.Auditor

	signingKey *rsa.PrivateKey
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	ctx := context.Background()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cache := authz.NewCache()
	t.Cleanup(func() { _ = cache.Close() })

	custody := kek.NewService(rdb, "keygate")
	t.Cleanup(custody.Close)

	authorizer := authz.NewAuthorizer(tuplestore.NewMemoryStore(), cache, custody)
	require.NoError(t, authorizer.CreateTenant(ctx, testTenant, "root"))
	for _, member := range []string{"alice", "bob", "svc-ingest"} {
		require.NoError(t, authorizer.AddUserToTenant(ctx, testTenant, member, authz.RoleMember))
	}

	sessions, err := auth.NewSessionService(auth.SessionServiceConfig{
		Secret: testSecret,
		Issuer: "keygate-test",
	}, rdb, "keygate")
	require.NoError(t, err)

	manager := apikeys.NewManager(rdb, "keygate")
	t.Cleanup(manager.Close)

	signingKey, keySet := newSigningKeyPair(t)
	jwksServer := newJWKSServer(t, keySet)
	verifier, err := auth.NewVerifier(ctx, auth.VerifierConfig{
		Issuer:   testIDPIssuer,
		Audience: "keygate",
		JWKSURL:  jwksServer.URL,
	})
	require.NoError(t, err)

	f := &apiFixture{
		rdb:        rdb,
		authorizer: authorizer,
		sessions:   sessions,
		manager:    manager,
		custody:    custody,
		authn:      auth.NewMiddleware(sessions, manager.VerifyFunc()).Handler,
		auditor:    audit.NewAuditor("keygate-api-test"),
		signingKey: signingKey,
	}

	idpServer := newFakeIDPServer(t, f)
	idp, err := auth.NewIDPClient(auth.IDPClientConfig{TokenURL: idpServer.URL})
	require.NoError(t, err)

	f.exchanger = auth.NewExchanger(verifier, idp, sessions, authorizer)
	return f
}

// newSigningKeyPair generates the RSA key the fake IdP signs with and a
// JWKS holding its public half under testKeyID.
func newSigningKeyPair(t *testing.T) (*rsa.PrivateKey, jwk.Set) {
	t.Helper()

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	key, err := jwk.Import(&privateKey.PublicKey)
	require.NoError(t, err)
	require.NoError(t, key.Set(jwk.KeyIDKey, testKeyID))
	require.NoError(t, key.Set(jwk.AlgorithmKey, "RS256"))
	require.NoError(t, key.Set(jwk.KeyUsageKey, "sig"))

	keySet := jwk.NewSet()
	require.NoError(t, keySet.AddKey(key))

	return privateKey, keySet
}

func newJWKSServer(t *testing.T, keySet jwk.Set) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		buf, err := json.Marshal(keySet)
		require.NoError(t, err)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(buf)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// newFakeIDPServer serves the password and client-credentials grants for a
// fixed set of users, issuing identity tokens signed with the fixture key.
func newFakeIDPServer(t *testing.T, f *apiFixture) *httptest.Server {
	t.Helper()

	credentials := map[string]string{
		"alice":      "hunter2",
		"root":       "rootpw",
		"mallory":    "letmein",
		"svc-ingest": "ingest-secret",
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())

		var sub, secret string
		switch r.Form.Get("grant_type") {
		case "password":
			sub, secret = r.Form.Get("username"), r.Form.Get("password")
		case "client_credentials":
			sub, secret = r.Form.Get("client_id"), r.Form.Get("client_secret")
		}
		if want, ok := credentials[sub]; !ok || want != secret {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(auth.IDPTokenResponse{
			AccessToken: f.identityToken(t, sub, ""),
			TokenType:   "Bearer",
			ExpiresIn:   3600,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

// identityToken signs an identity-provider token for sub.
func (f *apiFixture) identityToken(t *testing.T, sub, scope string) string {
	t.Helper()

	claims := jwt.MapClaims{
		"iss": testIDPIssuer,
		"aud": "keygate",
		"sub": sub,
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	if scope != "" {
		claims["scope"] = scope
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = testKeyID
	signed, err := token.SignedString(f.signingKey)
	require.NoError(t, err)
	return signed
}

// sessionToken mints an acme session for the user.
func (f *apiFixture) sessionToken(t *testing.T, user string) string {
	t.Helper()

	token, _, err := f.sessions.MintSession(context.Background(), user, testTenant, nil)
	require.NoError(t, err)
	return token
}

// Sub-router constructors, wrapped the way the server mounts them.

func (f *apiFixture) authRouter() http.Handler {
	return withTenant(AuthRouter(f.exchanger, f.sessions, f.manager, f.authorizer, f.authn, f.auditor), testTenant)
}

func (f *apiFixture) tenantsRouter() http.Handler {
	return TenantsRouter(f.authorizer, f.authn, f.auditor)
}

func (f *apiFixture) apikeysRouter() http.Handler {
	return withTenant(APIKeysRouter(f.manager, f.authorizer, f.authn, f.auditor), testTenant)
}

func (f *apiFixture) kekRouter() http.Handler {
	return KEKRouter(f.custody, f.authorizer, f.authn, f.auditor)
}

func (f *apiFixture) pubkeysRouter() http.Handler {
	return PublicKeysRouter(f.custody.PublicKeys, f.authorizer, f.authn, f.auditor)
}

// withTenant mimics the server's tenant middleware for sub-router tests.
func withTenant(next http.Handler, tenant string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(auth.WithTenant(r.Context(), tenant)))
	})
}

// doRequest runs one request through the router and captures the response.
func doRequest(router http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			panic(err)
		}
		reader = bytes.NewReader(buf)
	}

	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "192.0.2.10:50412"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}
