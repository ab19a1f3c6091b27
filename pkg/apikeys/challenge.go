package apikeys

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"sync"
	"time"

	"github.com/keygate-io/keygate/pkg/errors"
)

// ChallengeTTL is how long an issued challenge can be answered. Expired
// challenges are swept on the same cadence.
const ChallengeTTL = 5 * time.Minute

const challengeBytes = 32

// challengeRegistry tracks issued nonces in memory. Challenges are
// single-use: answering one successfully consumes it.
type challengeRegistry struct {
	mu      sync.Mutex
	pending map[string]time.Time

	ttl           time.Duration
	sweepInterval time.Duration

	stopSweep chan struct{}
	sweepDone chan struct{}
}

func newChallengeRegistry(ttl, sweepInterval time.Duration) *challengeRegistry {
	r := &challengeRegistry{
		pending:       make(map[string]time.Time),
		ttl:           ttl,
		sweepInterval: sweepInterval,
		stopSweep:     make(chan struct{}),
		sweepDone:     make(chan struct{}),
	}
	go r.sweepLoop()
	return r
}

func (r *challengeRegistry) issue(now time.Time) (string, error) {
	buf := make([]byte, challengeBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.NewInternalError("failed to generate challenge", err)
	}
	challenge := base64.RawURLEncoding.EncodeToString(buf)

	r.mu.Lock()
	r.pending[challenge] = now.Add(r.ttl)
	r.mu.Unlock()

	return challenge, nil
}

// valid reports whether the challenge is outstanding and unexpired.
func (r *challengeRegistry) valid(challenge string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	expiresAt, ok := r.pending[challenge]
	if !ok {
		return false
	}
	if now.After(expiresAt) {
		delete(r.pending, challenge)
		return false
	}
	return true
}

func (r *challengeRegistry) consume(challenge string) {
	r.mu.Lock()
	delete(r.pending, challenge)
	r.mu.Unlock()
}

func (r *challengeRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *challengeRegistry) sweepLoop() {
	defer close(r.sweepDone)
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweepExpired()
		case <-r.stopSweep:
			return
		}
	}
}

func (r *challengeRegistry) sweepExpired() {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	for challenge, expiresAt := range r.pending {
		if now.After(expiresAt) {
			delete(r.pending, challenge)
		}
	}
}

func (r *challengeRegistry) close() {
	close(r.stopSweep)
	<-r.sweepDone
}

// NewChallenge issues a fresh challenge nonce. The caller must answer it
// within the returned validity window.
func (m *Manager) NewChallenge() (challenge string, expiresIn time.Duration, err error) {
	challenge, err = m.challenges.issue(m.now())
	if err != nil {
		return "", 0, err
	}
	return challenge, m.challenges.ttl, nil
}

// VerifyChallenge authenticates a challenge response of the form
// "<keyId>.<hex mac>". The MAC is HMAC-SHA256 over the challenge string,
// keyed with SHA-256 of the key's secret; ComputeChallengeResponse derives
// it on the client side. A successful answer consumes the challenge, so a
// replayed response fails validation.
func (m *Manager) VerifyChallenge(ctx context.Context, tenant, challenge, response string) (*Key, error) {
	if !m.challenges.valid(challenge, m.now()) {
		return nil, errors.NewValidationError("unknown, expired or already answered challenge", nil)
	}

	id, macHex, ok := splitRawKey(response)
	if !ok {
		return nil, errors.NewValidationError("malformed challenge response", nil)
	}
	providedMAC, err := hex.DecodeString(macHex)
	if err != nil {
		return nil, errors.NewValidationError("malformed challenge response", nil)
	}

	key, err := m.loadForVerification(ctx, tenant, id)
	if err != nil {
		return nil, err
	}

	macKey, err := hex.DecodeString(key.ChallengeKey)
	if err != nil {
		return nil, errors.NewInternalError("malformed api key record", err)
	}
	if !hmac.Equal(providedMAC, challengeMAC(macKey, challenge)) {
		return nil, errors.NewAuthenticationError("api key rejected", nil)
	}

	m.challenges.consume(challenge)
	m.touchLastUsed(ctx, key)
	return key.sanitized(), nil
}

// ComputeChallengeResponse derives the answer to a challenge from a raw API
// key. It is the client half of the handshake, shared so that SDKs, the CLI
// and tests agree on the exact MAC construction.
func ComputeChallengeResponse(rawKey, challenge string) (string, error) {
	id, secret, ok := splitRawKey(rawKey)
	if !ok {
		return "", errors.NewValidationError("malformed api key", nil)
	}
	macKey := sha256.Sum256([]byte(secret))
	return id + "." + hex.EncodeToString(challengeMAC(macKey[:], challenge)), nil
}

func challengeMAC(key []byte, challenge string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(challenge))
	return mac.Sum(nil)
}
