package kek

import (
	"context"
	"encoding/base64"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/keygate-io/keygate/pkg/errors"
	"github.com/keygate-io/keygate/pkg/logger"
)

// PublicKey is a user's registered public key for one purpose (wrapping,
// share exchange, ...). The server checks the encoding and nothing else.
type PublicKey struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	UserID    string    `json:"user_id"`
	Purpose   string    `json:"purpose"`
	Key       string    `json:"key"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PublicKeyStore persists public keys. Layout:
//
//	{prefix}:pubkey:{tenant}:{user}:{purpose}  JSON record
//	{prefix}:pubkey:byUser:{tenant}:{user}     set of purposes
//	{prefix}:pubkey:byId:{tenant}:{id}         record key
//
// A (user, purpose) pair holds at most one key; Store is an upsert that
// keeps the record id stable across key replacements.
type PublicKeyStore struct {
	rdb       redis.UniversalClient
	keyPrefix string
	now       func() time.Time
}

// NewPublicKeyStore builds the public key store.
func NewPublicKeyStore(rdb redis.UniversalClient, keyPrefix string) *PublicKeyStore {
	return &PublicKeyStore{
		rdb:       rdb,
		keyPrefix: keyPrefix,
		now:       time.Now,
	}
}

func (p *PublicKeyStore) recordKey(tenant, user, purpose string) string {
	return fmt.Sprintf("%s:pubkey:%s:%s:%s", p.keyPrefix, tenant, user, purpose)
}

func (p *PublicKeyStore) userKey(tenant, user string) string {
	return fmt.Sprintf("%s:pubkey:byUser:%s:%s", p.keyPrefix, tenant, user)
}

func (p *PublicKeyStore) idKey(tenant, id string) string {
	return fmt.Sprintf("%s:pubkey:byId:%s:%s", p.keyPrefix, tenant, id)
}

func validateKeyMaterial(key string) error {
	if key == "" {
		return errors.NewValidationError("public key must not be empty", nil)
	}
	if _, err := base64.StdEncoding.DecodeString(key); err != nil {
		return errors.NewValidationError("public key must be base64-encoded", err)
	}
	return nil
}

// Store registers or replaces the user's key for a purpose.
func (p *PublicKeyStore) Store(ctx context.Context, tenant, user, purpose, key string) (*PublicKey, error) {
	if tenant == "" || user == "" || purpose == "" {
		return nil, errors.NewValidationError("tenant, user and purpose are required", nil)
	}
	if err := validateKeyMaterial(key); err != nil {
		return nil, err
	}

	now := p.now().UTC()
	record := &PublicKey{
		ID:        uuid.NewString(),
		TenantID:  tenant,
		UserID:    user,
		Purpose:   purpose,
		Key:       key,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if existing, err := p.Get(ctx, tenant, user, purpose); err == nil {
		record.ID = existing.ID
		record.CreatedAt = existing.CreatedAt
	} else if !errors.IsNotFound(err) {
		return nil, err
	}

	if err := p.save(ctx, record); err != nil {
		return nil, err
	}
	if err := p.rdb.SAdd(ctx, p.userKey(tenant, user), purpose).Err(); err != nil {
		return nil, errors.NewBackendUnavailableError("failed to index public key", err)
	}
	if err := p.rdb.Set(ctx, p.idKey(tenant, record.ID), p.recordKey(tenant, user, purpose), 0).Err(); err != nil {
		return nil, errors.NewBackendUnavailableError("failed to index public key", err)
	}

	logger.Infow("public key stored", "tenant", tenant, "user", user, "purpose", purpose, "key_id", record.ID)
	return record, nil
}

// Get returns the user's key for a purpose.
func (p *PublicKeyStore) Get(ctx context.Context, tenant, user, purpose string) (*PublicKey, error) {
	return p.getByRecordKey(ctx, p.recordKey(tenant, user, purpose))
}

// List returns all of the user's keys sorted by purpose.
func (p *PublicKeyStore) List(ctx context.Context, tenant, user string) ([]*PublicKey, error) {
	purposes, err := p.rdb.SMembers(ctx, p.userKey(tenant, user)).Result()
	if err != nil {
		return nil, errors.NewBackendUnavailableError("failed to list public keys", err)
	}

	records := make([]*PublicKey, 0, len(purposes))
	for _, purpose := range purposes {
		record, err := p.Get(ctx, tenant, user, purpose)
		if err != nil {
			if errors.IsNotFound(err) {
				_ = p.rdb.SRem(ctx, p.userKey(tenant, user), purpose).Err()
				continue
			}
			return nil, err
		}
		records = append(records, record)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].Purpose < records[j].Purpose
	})
	return records, nil
}

// GetByID resolves a key by its record id.
func (p *PublicKeyStore) GetByID(ctx context.Context, tenant, id string) (*PublicKey, error) {
	recordKey, err := p.rdb.Get(ctx, p.idKey(tenant, id)).Result()
	if stderrors.Is(err, redis.Nil) {
		return nil, errors.NewNotFoundError(fmt.Sprintf("public key %s not found", id), nil)
	}
	if err != nil {
		return nil, errors.NewBackendUnavailableError("failed to resolve public key id", err)
	}
	return p.getByRecordKey(ctx, recordKey)
}

// UpdateByID replaces the key material of an existing record.
func (p *PublicKeyStore) UpdateByID(ctx context.Context, tenant, id, key string) (*PublicKey, error) {
	if err := validateKeyMaterial(key); err != nil {
		return nil, err
	}

	record, err := p.GetByID(ctx, tenant, id)
	if err != nil {
		return nil, err
	}
	record.Key = key
	record.UpdatedAt = p.now().UTC()
	if err := p.save(ctx, record); err != nil {
		return nil, err
	}

	logger.Infow("public key updated", "tenant", tenant, "key_id", id)
	return record, nil
}

// DeleteByID removes a record and its indexes.
func (p *PublicKeyStore) DeleteByID(ctx context.Context, tenant, id string) error {
	record, err := p.GetByID(ctx, tenant, id)
	if err != nil {
		return err
	}

	err = p.rdb.Del(ctx,
		p.recordKey(tenant, record.UserID, record.Purpose),
		p.idKey(tenant, id),
	).Err()
	if err != nil {
		return errors.NewBackendUnavailableError("failed to delete public key", err)
	}
	if err := p.rdb.SRem(ctx, p.userKey(tenant, record.UserID), record.Purpose).Err(); err != nil {
		return errors.NewBackendUnavailableError("failed to unindex public key", err)
	}

	logger.Infow("public key deleted", "tenant", tenant, "user", record.UserID, "purpose", record.Purpose, "key_id", id)
	return nil
}

// Verify reports whether the presented key matches the one registered for
// (user, purpose). An unregistered pair verifies as false, not as an error.
func (p *PublicKeyStore) Verify(ctx context.Context, tenant, user, purpose, key string) (bool, error) {
	record, err := p.Get(ctx, tenant, user, purpose)
	if errors.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return record.Key == key, nil
}

func (p *PublicKeyStore) save(ctx context.Context, record *PublicKey) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return errors.NewInternalError("failed to encode public key record", err)
	}
	key := p.recordKey(record.TenantID, record.UserID, record.Purpose)
	if err := p.rdb.Set(ctx, key, payload, 0).Err(); err != nil {
		return errors.NewBackendUnavailableError("failed to store public key", err)
	}
	return nil
}

func (p *PublicKeyStore) getByRecordKey(ctx context.Context, key string) (*PublicKey, error) {
	data, err := p.rdb.Get(ctx, key).Bytes()
	if stderrors.Is(err, redis.Nil) {
		return nil, errors.NewNotFoundError("public key not found", nil)
	}
	if err != nil {
		return nil, errors.NewBackendUnavailableError("failed to load public key", err)
	}

	var record PublicKey
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, errors.NewInternalError("failed to decode public key record", err)
	}
	return &record, nil
}
