// Package apikeys issues and verifies long-lived API keys for machine
// callers. A raw key has the form "<id>.<secret>" and is disclosed exactly
// once, at creation; only digests of the secret are persisted. Keys can be
// verified directly (the caller presents the raw key) or through a
// challenge/response handshake that never puts the secret on the wire.
package apikeys

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"github.com/keygate-io/keygate/pkg/auth"
	"github.com/keygate-io/keygate/pkg/errors"
	"github.com/keygate-io/keygate/pkg/logger"
)

const secretBytes = 32

// Key is an API key record. Digest fields are populated only on records
// loaded internally for verification; everything the Manager returns has
// them cleared.
type Key struct {
	ID       string   `json:"id"`
	UserID   string   `json:"user_id"`
	TenantID string   `json:"tenant_id"`
	Name     string   `json:"name"`
	Scopes   []string `json:"scopes,omitempty"`

	// SecretDigest is the bcrypt hash of the secret, checked on direct
	// verification.
	SecretDigest string `json:"secret_digest,omitempty"`

	// ChallengeKey is the hex SHA-256 of the secret. It keys the
	// challenge/response MAC; clients derive the same value from the raw
	// secret, so the secret itself never needs to be stored or resent.
	ChallengeKey string `json:"challenge_key,omitempty"`

	CreatedAt time.Time `json:"created_at"`

	// ExpiresAt is zero for keys that never expire.
	ExpiresAt time.Time `json:"expires_at,omitzero"`

	Revoked bool `json:"revoked"`

	// LastUsedAt tracks the most recent successful verification. Stored
	// separately from the record so verification never rewrites it.
	LastUsedAt time.Time `json:"last_used_at,omitzero"`
}

// sanitized returns a copy safe to hand to callers.
func (k *Key) sanitized() *Key {
	clone := *k
	clone.SecretDigest = ""
	clone.ChallengeKey = ""
	return &clone
}

// usable reports why the key cannot authenticate, or nil.
func (k *Key) usable(now time.Time) error {
	if k.Revoked {
		return errors.NewAuthenticationError("api key has been revoked", nil)
	}
	if !k.ExpiresAt.IsZero() && now.After(k.ExpiresAt) {
		return errors.NewAuthenticationError("api key has expired", nil)
	}
	return nil
}

// Manager issues, lists and verifies API keys. Records live in Redis;
// pending challenges live in memory and are swept periodically.
type Manager struct {
	store      *redisStore
	challenges *challengeRegistry

	now func() time.Time
}

// ManagerOption adjusts Manager construction.
type ManagerOption func(*managerOptions)

type managerOptions struct {
	challengeTTL   time.Duration
	challengeSweep time.Duration
}

// WithChallengeTTL overrides how long an issued challenge stays valid.
func WithChallengeTTL(ttl time.Duration) ManagerOption {
	return func(o *managerOptions) {
		if ttl > 0 {
			o.challengeTTL = ttl
		}
	}
}

// WithChallengeSweepInterval overrides the expired-challenge sweep cadence.
func WithChallengeSweepInterval(interval time.Duration) ManagerOption {
	return func(o *managerOptions) {
		if interval > 0 {
			o.challengeSweep = interval
		}
	}
}

// NewManager builds the API key manager on the given Redis client.
func NewManager(rdb redis.UniversalClient, keyPrefix string, opts ...ManagerOption) *Manager {
	options := &managerOptions{
		challengeTTL:   ChallengeTTL,
		challengeSweep: ChallengeTTL,
	}
	for _, opt := range opts {
		opt(options)
	}

	return &Manager{
		store:      &redisStore{rdb: rdb, keyPrefix: keyPrefix},
		challenges: newChallengeRegistry(options.challengeTTL, options.challengeSweep),
		now:        time.Now,
	}
}

// Close stops the challenge sweeper.
func (m *Manager) Close() {
	m.challenges.close()
}

// Create issues a new API key for the user. The returned raw key is the only
// time the secret is ever disclosed; ttl of zero means the key never expires.
func (m *Manager) Create(ctx context.Context, tenant, user, name string, scopes []string, ttl time.Duration) (*Key, string, error) {
	if tenant == "" || user == "" {
		return nil, "", errors.NewValidationError("tenant and user are required", nil)
	}
	if strings.TrimSpace(name) == "" {
		return nil, "", errors.NewValidationError("api key name is required", nil)
	}

	secret, err := newSecret()
	if err != nil {
		return nil, "", err
	}
	digest, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", errors.NewInternalError("failed to hash api key secret", err)
	}
	challengeKey := sha256.Sum256([]byte(secret))

	now := m.now()
	key := &Key{
		ID:           uuid.NewString(),
		UserID:       user,
		TenantID:     tenant,
		Name:         strings.TrimSpace(name),
		Scopes:       scopes,
		SecretDigest: string(digest),
		ChallengeKey: hex.EncodeToString(challengeKey[:]),
		CreatedAt:    now,
	}
	if ttl > 0 {
		key.ExpiresAt = now.Add(ttl)
	}

	if err := m.store.create(ctx, key); err != nil {
		return nil, "", err
	}

	logger.Infow("api key created", "tenant", tenant, "user", user, "key_id", key.ID, "name", key.Name)
	return key.sanitized(), key.ID + "." + secret, nil
}

// List returns the user's keys in creation order. Raw secrets and digests
// are never included.
func (m *Manager) List(ctx context.Context, tenant, user string) ([]*Key, error) {
	keys, err := m.store.listByUser(ctx, tenant, user)
	if err != nil {
		return nil, err
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].CreatedAt.Equal(keys[j].CreatedAt) {
			return keys[i].ID < keys[j].ID
		}
		return keys[i].CreatedAt.Before(keys[j].CreatedAt)
	})
	for i, k := range keys {
		keys[i] = k.sanitized()
	}
	return keys, nil
}

// Get returns one key's metadata. Keys belonging to other tenants are not
// found.
func (m *Manager) Get(ctx context.Context, tenant, id string) (*Key, error) {
	key, err := m.load(ctx, tenant, id)
	if err != nil {
		return nil, err
	}
	return key.sanitized(), nil
}

// Revoke tombstones the key. Revoked keys remain listed but never
// authenticate again on any path.
func (m *Manager) Revoke(ctx context.Context, tenant, id string) error {
	key, err := m.load(ctx, tenant, id)
	if err != nil {
		return err
	}
	if key.Revoked {
		return nil
	}
	key.Revoked = true
	if err := m.store.save(ctx, key); err != nil {
		return err
	}
	logger.Infow("api key revoked", "tenant", tenant, "key_id", id)
	return nil
}

// Delete removes the key record and its index entry.
func (m *Manager) Delete(ctx context.Context, tenant, id string) error {
	key, err := m.load(ctx, tenant, id)
	if err != nil {
		return err
	}
	if err := m.store.delete(ctx, key); err != nil {
		return err
	}
	logger.Infow("api key deleted", "tenant", tenant, "key_id", id)
	return nil
}

// VerifyDirect authenticates a raw "<id>.<secret>" key. An empty tenant
// accepts the key's own tenant; this is the login path, where the tenant is
// not yet known. All lookup and comparison failures surface as
// AuthenticationFailed so callers cannot probe for key ids.
func (m *Manager) VerifyDirect(ctx context.Context, tenant, rawKey string) (*Key, error) {
	id, secret, ok := splitRawKey(rawKey)
	if !ok {
		return nil, errors.NewValidationError("malformed api key", nil)
	}

	key, err := m.loadForVerification(ctx, tenant, id)
	if err != nil {
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(key.SecretDigest), []byte(secret)); err != nil {
		return nil, errors.NewAuthenticationError("api key rejected", nil)
	}

	m.touchLastUsed(ctx, key)
	return key.sanitized(), nil
}

// VerifyFunc adapts the manager to the authentication middleware.
func (m *Manager) VerifyFunc() auth.APIKeyVerifyFunc {
	return func(ctx context.Context, tenant, rawKey string) (*auth.Principal, error) {
		key, err := m.VerifyDirect(ctx, tenant, rawKey)
		if err != nil {
			return nil, err
		}
		return &auth.Principal{
			UserID:    key.UserID,
			TenantID:  key.TenantID,
			Scopes:    key.Scopes,
			TokenType: auth.TokenTypeAPIKey,
		}, nil
	}
}

// load fetches a key and scopes it to the tenant, reporting NotFound for
// management callers.
func (m *Manager) load(ctx context.Context, tenant, id string) (*Key, error) {
	key, err := m.store.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if tenant != "" && key.TenantID != tenant {
		return nil, errors.NewNotFoundError(fmt.Sprintf("api key %s not found", id), nil)
	}
	return key, nil
}

// loadForVerification fetches a key for an authentication path, collapsing
// missing and foreign-tenant keys into AuthenticationFailed.
func (m *Manager) loadForVerification(ctx context.Context, tenant, id string) (*Key, error) {
	key, err := m.store.get(ctx, id)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, errors.NewAuthenticationError("api key rejected", nil)
		}
		return nil, err
	}
	if tenant != "" && key.TenantID != tenant {
		return nil, errors.NewAuthenticationError("api key rejected", nil)
	}
	if err := key.usable(m.now()); err != nil {
		return nil, err
	}
	return key, nil
}

func (m *Manager) touchLastUsed(ctx context.Context, key *Key) {
	if err := m.store.touchLastUsed(ctx, key.ID, m.now()); err != nil {
		logger.Warnw("failed to record api key use", "key_id", key.ID, "error", err)
	}
}

func newSecret() (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.NewInternalError("failed to generate api key secret", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// splitRawKey parses "<id>.<secret>". Key ids are UUIDs and secrets are
// base64url, so the separator dot is unambiguous.
func splitRawKey(rawKey string) (id, secret string, ok bool) {
	id, secret, found := strings.Cut(rawKey, ".")
	if !found || id == "" || secret == "" || strings.Contains(secret, ".") {
		return "", "", false
	}
	return id, secret, true
}
