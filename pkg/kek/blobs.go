package kek

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/keygate-io/keygate/pkg/errors"
	"github.com/keygate-io/keygate/pkg/logger"
)

// Blob is one user's wrapped copy of a KEK version. The ciphertext is opaque
// to the server; only the holder of the user's private key can unwrap it.
type Blob struct {
	TenantID   string    `json:"tenant_id"`
	UserID     string    `json:"user_id"`
	VersionID  string    `json:"kek_version_id"`
	Ciphertext string    `json:"encrypted_blob"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// BlobStore persists wrapped KEK blobs. Layout:
//
//	{prefix}:kek:blob:{tenant}:{user}:{version}  JSON record
//	{prefix}:kek:blobs:{tenant}:{user}           set of version ids
type BlobStore struct {
	rdb       redis.UniversalClient
	keyPrefix string
	registry  *Registry
	now       func() time.Time
}

// NewBlobStore builds the blob store. The registry gates provisioning on
// version state.
func NewBlobStore(rdb redis.UniversalClient, keyPrefix string, registry *Registry) *BlobStore {
	return &BlobStore{
		rdb:       rdb,
		keyPrefix: keyPrefix,
		registry:  registry,
		now:       time.Now,
	}
}

func (b *BlobStore) blobKey(tenant, user, version string) string {
	return fmt.Sprintf("%s:kek:blob:%s:%s:%s", b.keyPrefix, tenant, user, version)
}

func (b *BlobStore) indexKey(tenant, user string) string {
	return fmt.Sprintf("%s:kek:blobs:%s:%s", b.keyPrefix, tenant, user)
}

// Set provisions or replaces the user's blob for a version. The version must
// exist and not be deprecated, and the user must not be on the version's
// removed-users deny-list.
func (b *BlobStore) Set(ctx context.Context, tenant, user, versionID, ciphertext string) (*Blob, error) {
	if tenant == "" || user == "" || versionID == "" {
		return nil, errors.NewValidationError("tenant, user and version id are required", nil)
	}
	if ciphertext == "" {
		return nil, errors.NewValidationError("encrypted blob must not be empty", nil)
	}

	version, err := b.registry.Get(ctx, tenant, versionID)
	if err != nil {
		return nil, err
	}
	if version.Status == StatusDeprecated {
		return nil, errors.NewValidationError(
			fmt.Sprintf("kek version %s is deprecated and cannot be provisioned", versionID), nil)
	}
	removed, err := b.registry.isRemoved(ctx, tenant, versionID, user)
	if err != nil {
		return nil, err
	}
	if removed {
		return nil, errors.NewAccessDeniedError(
			fmt.Sprintf("user %s was removed from kek version %s", user, versionID), nil)
	}

	now := b.now().UTC()
	blob := &Blob{
		TenantID:   tenant,
		UserID:     user,
		VersionID:  versionID,
		Ciphertext: ciphertext,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if existing, err := b.Get(ctx, tenant, user, versionID); err == nil {
		blob.CreatedAt = existing.CreatedAt
	} else if !errors.IsNotFound(err) {
		return nil, err
	}

	payload, err := json.Marshal(blob)
	if err != nil {
		return nil, errors.NewInternalError("failed to encode kek blob", err)
	}
	if err := b.rdb.Set(ctx, b.blobKey(tenant, user, versionID), payload, 0).Err(); err != nil {
		return nil, errors.NewBackendUnavailableError("failed to store kek blob", err)
	}
	if err := b.rdb.SAdd(ctx, b.indexKey(tenant, user), versionID).Err(); err != nil {
		return nil, errors.NewBackendUnavailableError("failed to index kek blob", err)
	}

	logger.Infow("kek blob stored", "tenant", tenant, "user", user, "version", versionID)
	return blob, nil
}

// Get returns the user's blob for a version.
func (b *BlobStore) Get(ctx context.Context, tenant, user, versionID string) (*Blob, error) {
	data, err := b.rdb.Get(ctx, b.blobKey(tenant, user, versionID)).Bytes()
	if stderrors.Is(err, redis.Nil) {
		return nil, errors.NewNotFoundError(
			fmt.Sprintf("no kek blob for user %s under version %s", user, versionID), nil)
	}
	if err != nil {
		return nil, errors.NewBackendUnavailableError("failed to load kek blob", err)
	}

	var blob Blob
	if err := json.Unmarshal(data, &blob); err != nil {
		return nil, errors.NewInternalError("failed to decode kek blob", err)
	}
	return &blob, nil
}

// ListForUser returns all of the user's blobs in creation order.
func (b *BlobStore) ListForUser(ctx context.Context, tenant, user string) ([]*Blob, error) {
	versionIDs, err := b.rdb.SMembers(ctx, b.indexKey(tenant, user)).Result()
	if err != nil {
		return nil, errors.NewBackendUnavailableError("failed to list kek blobs", err)
	}

	blobs := make([]*Blob, 0, len(versionIDs))
	for _, versionID := range versionIDs {
		blob, err := b.Get(ctx, tenant, user, versionID)
		if err != nil {
			if errors.IsNotFound(err) {
				_ = b.rdb.SRem(ctx, b.indexKey(tenant, user), versionID).Err()
				continue
			}
			return nil, err
		}
		blobs = append(blobs, blob)
	}

	sort.Slice(blobs, func(i, j int) bool {
		if blobs[i].CreatedAt.Equal(blobs[j].CreatedAt) {
			return blobs[i].VersionID < blobs[j].VersionID
		}
		return blobs[i].CreatedAt.Before(blobs[j].CreatedAt)
	})
	return blobs, nil
}

// Delete removes the user's blob for a version.
func (b *BlobStore) Delete(ctx context.Context, tenant, user, versionID string) error {
	n, err := b.rdb.Del(ctx, b.blobKey(tenant, user, versionID)).Result()
	if err != nil {
		return errors.NewBackendUnavailableError("failed to delete kek blob", err)
	}
	if n == 0 {
		return errors.NewNotFoundError(
			fmt.Sprintf("no kek blob for user %s under version %s", user, versionID), nil)
	}
	if err := b.rdb.SRem(ctx, b.indexKey(tenant, user), versionID).Err(); err != nil {
		return errors.NewBackendUnavailableError("failed to unindex kek blob", err)
	}

	logger.Infow("kek blob deleted", "tenant", tenant, "user", user, "version", versionID)
	return nil
}
