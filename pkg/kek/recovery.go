package kek

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/keygate-io/keygate/pkg/errors"
	"github.com/keygate-io/keygate/pkg/logger"
)

// SessionStatus is a recovery session's lifecycle state.
type SessionStatus string

const (
	// SessionPending sessions accept shares.
	SessionPending SessionStatus = "pending"
	// SessionCompleted sessions produced a new active version.
	SessionCompleted SessionStatus = "completed"
	// SessionExpired sessions ran out their ttl before completion.
	SessionExpired SessionStatus = "expired"
	// SessionCancelled sessions were abandoned by their initiator.
	SessionCancelled SessionStatus = "cancelled"
)

const (
	// DefaultRecoveryTTL bounds a session when the initiator gives no ttl.
	DefaultRecoveryTTL = time.Hour
	// DefaultRecoverySweepInterval is how often expired sessions are
	// marked in the background; reads also expire lazily.
	DefaultRecoverySweepInterval = time.Minute
)

// Share is one submitted key share, encrypted for the party reassembling
// the KEK. Ciphertexts are write-only: reads always redact them.
type Share struct {
	Submitter    string    `json:"submitter"`
	EncryptedFor string    `json:"encrypted_for"`
	Ciphertext   string    `json:"ciphertext,omitempty"`
	SubmittedAt  time.Time `json:"submitted_at"`
}

// Session is one threshold-recovery protocol run. The server collects
// shares and counts submitters; it never reassembles anything.
type Session struct {
	ID                  string        `json:"id"`
	TenantID            string        `json:"tenant_id"`
	VersionID           string        `json:"kek_version_id"`
	Initiator           string        `json:"initiator"`
	Threshold           int           `json:"threshold"`
	Reason              string        `json:"reason"`
	Status              SessionStatus `json:"status"`
	Shares              []Share       `json:"shares"`
	RecoveredCiphertext string        `json:"recovered_ciphertext,omitempty"`
	NewVersionID        string        `json:"new_kek_version_id,omitempty"`
	CreatedAt           time.Time     `json:"created_at"`
	ExpiresAt           time.Time     `json:"expires_at"`
	CompletedAt         time.Time     `json:"completed_at,omitzero"`
}

// redacted returns a copy safe to hand to callers: share ciphertexts and
// the recovered KEK ciphertext are blanked, submitter ids and timestamps
// stay.
func (s *Session) redacted() *Session {
	out := *s
	out.RecoveredCiphertext = ""
	out.Shares = make([]Share, len(s.Shares))
	for i, share := range s.Shares {
		share.Ciphertext = ""
		out.Shares[i] = share
	}
	return &out
}

func (s *Session) distinctSubmitters() int {
	seen := make(map[string]struct{}, len(s.Shares))
	for _, share := range s.Shares {
		seen[share.Submitter] = struct{}{}
	}
	return len(seen)
}

// RecoveryManager runs threshold recovery sessions. State transitions are
// serialized per session; expiry is enforced lazily on every access and
// eagerly by a background sweeper. Layout:
//
//	{prefix}:recovery:{tenant}:{id}        JSON session
//	{prefix}:recovery:byTenant:{tenant}    set of session ids
//	{prefix}:recovery:version:{sessionID}  id of the version a completion minted
type RecoveryManager struct {
	rdb       redis.UniversalClient
	keyPrefix string
	registry  *Registry
	sessions  *keyedMutex
	now       func() time.Time

	sweepInterval time.Duration
	stopSweep     chan struct{}
	sweepDone     chan struct{}
}

// RecoveryOption adjusts the recovery manager.
type RecoveryOption func(*recoveryOptions)

type recoveryOptions struct {
	sweepInterval time.Duration
}

// WithRecoverySweepInterval overrides the sweeper cadence.
func WithRecoverySweepInterval(interval time.Duration) RecoveryOption {
	return func(o *recoveryOptions) {
		if interval > 0 {
			o.sweepInterval = interval
		}
	}
}

// NewRecoveryManager builds the manager and starts its sweeper. Close stops
// it.
func NewRecoveryManager(rdb redis.UniversalClient, keyPrefix string, registry *Registry, opts ...RecoveryOption) *RecoveryManager {
	options := &recoveryOptions{sweepInterval: DefaultRecoverySweepInterval}
	for _, opt := range opts {
		opt(options)
	}

	m := &RecoveryManager{
		rdb:           rdb,
		keyPrefix:     keyPrefix,
		registry:      registry,
		sessions:      newKeyedMutex(),
		now:           time.Now,
		sweepInterval: options.sweepInterval,
		stopSweep:     make(chan struct{}),
		sweepDone:     make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// Close stops the sweeper.
func (m *RecoveryManager) Close() {
	close(m.stopSweep)
	<-m.sweepDone
}

func (m *RecoveryManager) sessionKey(tenant, id string) string {
	return fmt.Sprintf("%s:recovery:%s:%s", m.keyPrefix, tenant, id)
}

func (m *RecoveryManager) tenantKey(tenant string) string {
	return fmt.Sprintf("%s:recovery:byTenant:%s", m.keyPrefix, tenant)
}

func (m *RecoveryManager) versionAssocKey(sessionID string) string {
	return fmt.Sprintf("%s:recovery:version:%s", m.keyPrefix, sessionID)
}

// Initiate opens a recovery session for a non-active version. Handlers gate
// this on tenant admin before calling in.
func (m *RecoveryManager) Initiate(ctx context.Context, tenant, initiator, versionID string, threshold int, reason string, ttl time.Duration) (*Session, error) {
	if tenant == "" || initiator == "" || versionID == "" {
		return nil, errors.NewValidationError("tenant, initiator and version id are required", nil)
	}
	if threshold < 1 {
		return nil, errors.NewValidationError("threshold must be at least 1", nil)
	}
	if ttl <= 0 {
		ttl = DefaultRecoveryTTL
	}

	version, err := m.registry.Get(ctx, tenant, versionID)
	if err != nil {
		return nil, err
	}
	if version.Status == StatusActive {
		return nil, errors.NewValidationError(
			fmt.Sprintf("kek version %s is active and cannot be recovered", versionID), nil)
	}

	now := m.now().UTC()
	session := &Session{
		ID:        uuid.NewString(),
		TenantID:  tenant,
		VersionID: versionID,
		Initiator: initiator,
		Threshold: threshold,
		Reason:    reason,
		Status:    SessionPending,
		Shares:    make([]Share, 0),
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := m.save(ctx, session); err != nil {
		return nil, err
	}
	if err := m.rdb.SAdd(ctx, m.tenantKey(tenant), session.ID).Err(); err != nil {
		return nil, errors.NewBackendUnavailableError("failed to index recovery session", err)
	}

	logger.Infow("recovery session initiated",
		"tenant", tenant, "session", session.ID, "version", versionID,
		"initiator", initiator, "threshold", threshold)
	return session.redacted(), nil
}

// SubmitShare adds one share to a pending session. Each submitter may
// contribute at most once. Handlers gate this on tenant membership.
func (m *RecoveryManager) SubmitShare(ctx context.Context, tenant, sessionID, submitter, encryptedFor, ciphertext string) (*Session, error) {
	if submitter == "" || encryptedFor == "" {
		return nil, errors.NewValidationError("submitter and encrypted-for recipient are required", nil)
	}
	if ciphertext == "" {
		return nil, errors.NewValidationError("share ciphertext must not be empty", nil)
	}

	unlock := m.sessions.lock(sessionID)
	defer unlock()

	session, err := m.loadExpired(ctx, tenant, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != SessionPending {
		return nil, errors.NewInvalidTransitionError(
			fmt.Sprintf("recovery session %s is %s", sessionID, session.Status), nil)
	}
	for _, share := range session.Shares {
		if share.Submitter == submitter {
			return nil, errors.NewConflictError(
				fmt.Sprintf("submitter %s already contributed a share", submitter), nil)
		}
	}

	session.Shares = append(session.Shares, Share{
		Submitter:    submitter,
		EncryptedFor: encryptedFor,
		Ciphertext:   ciphertext,
		SubmittedAt:  m.now().UTC(),
	})
	if err := m.save(ctx, session); err != nil {
		return nil, err
	}

	logger.Infow("recovery share submitted",
		"tenant", tenant, "session", sessionID, "submitter", submitter,
		"shares", len(session.Shares), "threshold", session.Threshold)
	return session.redacted(), nil
}

// Complete finishes a pending session once enough distinct submitters have
// contributed. It installs the recovered generation as a new active version
// under the agreed id and records the session-to-version association. Only
// the initiator may complete.
func (m *RecoveryManager) Complete(ctx context.Context, tenant, sessionID, caller, recoveredCiphertext, newVersionID, newReason string) (*Session, error) {
	if recoveredCiphertext == "" {
		return nil, errors.NewValidationError("recovered kek ciphertext must not be empty", nil)
	}
	if newVersionID == "" {
		return nil, errors.NewValidationError("new version id is required", nil)
	}

	unlock := m.sessions.lock(sessionID)
	defer unlock()

	session, err := m.loadExpired(ctx, tenant, sessionID)
	if err != nil {
		return nil, err
	}
	if caller != session.Initiator {
		return nil, errors.NewAccessDeniedError("only the initiator may complete a recovery session", nil)
	}
	if session.Status != SessionPending {
		return nil, errors.NewInvalidTransitionError(
			fmt.Sprintf("recovery session %s is %s", sessionID, session.Status), nil)
	}
	if submitted := session.distinctSubmitters(); submitted < session.Threshold {
		return nil, errors.NewConflictError(
			fmt.Sprintf("threshold not met: %d of %d shares submitted", submitted, session.Threshold), nil)
	}

	version, err := m.registry.CreateWithID(ctx, tenant, newVersionID, caller, newReason)
	if err != nil {
		return nil, err
	}

	session.Status = SessionCompleted
	session.CompletedAt = m.now().UTC()
	session.NewVersionID = version.ID
	session.RecoveredCiphertext = recoveredCiphertext
	if err := m.save(ctx, session); err != nil {
		return nil, err
	}
	if err := m.rdb.Set(ctx, m.versionAssocKey(sessionID), version.ID, 0).Err(); err != nil {
		return nil, errors.NewBackendUnavailableError("failed to record recovery association", err)
	}

	logger.Infow("recovery session completed",
		"tenant", tenant, "session", sessionID, "new_version", version.ID)
	return session.redacted(), nil
}

// Cancel abandons a pending session. Only the initiator may cancel.
func (m *RecoveryManager) Cancel(ctx context.Context, tenant, sessionID, caller string) (*Session, error) {
	unlock := m.sessions.lock(sessionID)
	defer unlock()

	session, err := m.loadExpired(ctx, tenant, sessionID)
	if err != nil {
		return nil, err
	}
	if caller != session.Initiator {
		return nil, errors.NewAccessDeniedError("only the initiator may cancel a recovery session", nil)
	}
	if session.Status != SessionPending {
		return nil, errors.NewInvalidTransitionError(
			fmt.Sprintf("recovery session %s is %s", sessionID, session.Status), nil)
	}

	session.Status = SessionCancelled
	if err := m.save(ctx, session); err != nil {
		return nil, err
	}

	logger.Infow("recovery session cancelled", "tenant", tenant, "session", sessionID)
	return session.redacted(), nil
}

// GetSession returns the session with submitter ids and timestamps. Share
// contents never leave the store.
func (m *RecoveryManager) GetSession(ctx context.Context, tenant, sessionID string) (*Session, error) {
	unlock := m.sessions.lock(sessionID)
	defer unlock()

	session, err := m.loadExpired(ctx, tenant, sessionID)
	if err != nil {
		return nil, err
	}
	return session.redacted(), nil
}

// loadExpired loads a session and applies lazy expiry, persisting the
// transition so later readers agree. Callers hold the session lock.
func (m *RecoveryManager) loadExpired(ctx context.Context, tenant, sessionID string) (*Session, error) {
	data, err := m.rdb.Get(ctx, m.sessionKey(tenant, sessionID)).Bytes()
	if stderrors.Is(err, redis.Nil) {
		return nil, errors.NewNotFoundError(fmt.Sprintf("recovery session %s not found", sessionID), nil)
	}
	if err != nil {
		return nil, errors.NewBackendUnavailableError("failed to load recovery session", err)
	}

	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, errors.NewInternalError("failed to decode recovery session", err)
	}

	if session.Status == SessionPending && m.now().After(session.ExpiresAt) {
		session.Status = SessionExpired
		if err := m.save(ctx, &session); err != nil {
			return nil, err
		}
		logger.Infow("recovery session expired", "tenant", tenant, "session", sessionID)
	}
	return &session, nil
}

func (m *RecoveryManager) save(ctx context.Context, session *Session) error {
	payload, err := json.Marshal(session)
	if err != nil {
		return errors.NewInternalError("failed to encode recovery session", err)
	}
	if err := m.rdb.Set(ctx, m.sessionKey(session.TenantID, session.ID), payload, 0).Err(); err != nil {
		return errors.NewBackendUnavailableError("failed to store recovery session", err)
	}
	return nil
}

func (m *RecoveryManager) sweepLoop() {
	defer close(m.sweepDone)
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweepExpired()
		case <-m.stopSweep:
			return
		}
	}
}

// sweepExpired walks every tenant's session index and applies lazy expiry
// to each session. Reads already expire lazily; the sweeper keeps sessions
// nobody reads from lingering as pending forever.
func (m *RecoveryManager) sweepExpired() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	prefix := fmt.Sprintf("%s:recovery:byTenant:", m.keyPrefix)
	iter := m.rdb.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		tenant := strings.TrimPrefix(iter.Val(), prefix)
		ids, err := m.rdb.SMembers(ctx, m.tenantKey(tenant)).Result()
		if err != nil {
			logger.Warnw("recovery sweep failed to list sessions", "tenant", tenant, "error", err)
			continue
		}
		for _, id := range ids {
			unlock := m.sessions.lock(id)
			if _, err := m.loadExpired(ctx, tenant, id); err != nil && !errors.IsNotFound(err) {
				logger.Warnw("recovery sweep failed to check session", "tenant", tenant, "session", id, "error", err)
			}
			unlock()
		}
	}
	if err := iter.Err(); err != nil {
		logger.Warnw("recovery sweep failed", "error", err)
	}
}
