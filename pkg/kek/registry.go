package kek

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/keygate-io/keygate/pkg/errors"
	"github.com/keygate-io/keygate/pkg/logger"
)

// Status is a key version's lifecycle state.
type Status string

const (
	// StatusActive marks the version new material is wrapped under. At most
	// one version per tenant is active.
	StatusActive Status = "active"
	// StatusDecryptOnly versions still unwrap old material but are never
	// used for new wraps.
	StatusDecryptOnly Status = "decrypt-only"
	// StatusDeprecated versions are retired for good.
	StatusDeprecated Status = "deprecated"
)

// validStatus reports whether s names a known lifecycle state.
func validStatus(s Status) bool {
	switch s {
	case StatusActive, StatusDecryptOnly, StatusDeprecated:
		return true
	}
	return false
}

// validTransition encodes the lifecycle DAG. Deprecated is terminal and
// nothing ever becomes active again; rotation is the only way to gain an
// active version.
func validTransition(from, to Status) bool {
	switch {
	case from == StatusActive && to == StatusDecryptOnly,
		from == StatusActive && to == StatusDeprecated,
		from == StatusDecryptOnly && to == StatusDeprecated:
		return true
	}
	return false
}

// Version is one tenant-scoped key encryption key generation. The key
// material itself never appears here; the server only custodies per-user
// wrapped blobs.
type Version struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Status    Status    `json:"status"`
	Reason    string    `json:"reason"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Registry maintains the per-tenant version set, the single-active invariant
// and the status lifecycle. All mutations are serialized per tenant.
type Registry struct {
	rdb       redis.UniversalClient
	keyPrefix string
	tenants   *keyedMutex
	now       func() time.Time
}

// NewRegistry builds the version registry on the given Redis client.
func NewRegistry(rdb redis.UniversalClient, keyPrefix string) *Registry {
	return &Registry{
		rdb:       rdb,
		keyPrefix: keyPrefix,
		tenants:   newKeyedMutex(),
		now:       time.Now,
	}
}

func (r *Registry) versionKey(tenant, id string) string {
	return fmt.Sprintf("%s:kek:version:%s:%s", r.keyPrefix, tenant, id)
}

func (r *Registry) indexKey(tenant string) string {
	return fmt.Sprintf("%s:kek:versions:%s", r.keyPrefix, tenant)
}

func (r *Registry) activeKey(tenant string) string {
	return fmt.Sprintf("%s:kek:active:%s", r.keyPrefix, tenant)
}

func (r *Registry) removedKey(tenant, id string) string {
	return fmt.Sprintf("%s:kek:removed:%s:%s", r.keyPrefix, tenant, id)
}

// createVersionScript installs a new active version in one atomic step:
// conflict-check the record key, demote the prior active while it is still
// active, write the record, index it and repoint the active pointer.
// Returns 0 when the version id is already taken, 1 otherwise.
//
// KEYS: 1 new record, 2 version index set, 3 active pointer, 4 prior record
// (the new record key again when there is no prior; ARGV[6] gates its use).
// ARGV: 1 id, 2 tenant, 3 reason, 4 creator, 5 timestamp, 6 has-prior flag,
// 7 active status, 8 demoted status.
var createVersionScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
if ARGV[6] == '1' and redis.call('HGET', KEYS[4], 'status') == ARGV[7] then
	redis.call('HSET', KEYS[4], 'status', ARGV[8], 'updated_at', ARGV[5])
end
redis.call('HSET', KEYS[1],
	'id', ARGV[1], 'tenant', ARGV[2], 'status', ARGV[7],
	'reason', ARGV[3], 'created_by', ARGV[4],
	'created_at', ARGV[5], 'updated_at', ARGV[5])
redis.call('SADD', KEYS[2], ARGV[1])
redis.call('SET', KEYS[3], ARGV[1])
return 1
`)

// Create mints a new version with a generated id. The new version becomes
// active; a prior active version is demoted to decrypt-only in the same
// step. The first version of a tenant simply becomes active.
func (r *Registry) Create(ctx context.Context, tenant, initiator, reason string) (*Version, error) {
	return r.CreateWithID(ctx, tenant, uuid.NewString(), initiator, reason)
}

// CreateWithID is Create with a caller-chosen version id. Recovery uses it
// to install the recovered generation under the id agreed in the session.
func (r *Registry) CreateWithID(ctx context.Context, tenant, id, initiator, reason string) (*Version, error) {
	if tenant == "" {
		return nil, errors.NewValidationError("tenant is required", nil)
	}
	if id == "" {
		return nil, errors.NewValidationError("version id is required", nil)
	}

	unlock := r.tenants.lock(tenant)
	defer unlock()

	now := r.now().UTC()
	stamp := now.Format(time.RFC3339Nano)

	// The pointer read and the script run back to back under the tenant
	// lock; the script re-checks the prior's status before demoting it.
	priorKey := r.versionKey(tenant, id)
	hasPrior := "0"
	priorID, err := r.rdb.Get(ctx, r.activeKey(tenant)).Result()
	switch {
	case err == nil && priorID != "":
		priorKey = r.versionKey(tenant, priorID)
		hasPrior = "1"
	case err != nil && !stderrors.Is(err, redis.Nil):
		return nil, errors.NewBackendUnavailableError("failed to read active key version", err)
	}

	created, err := createVersionScript.Run(ctx, r.rdb,
		[]string{r.versionKey(tenant, id), r.indexKey(tenant), r.activeKey(tenant), priorKey},
		id, tenant, reason, initiator, stamp, hasPrior, string(StatusActive), string(StatusDecryptOnly),
	).Int()
	if err != nil {
		return nil, errors.NewBackendUnavailableError("failed to create key version", err)
	}
	if created == 0 {
		return nil, errors.NewConflictError(fmt.Sprintf("kek version %s already exists", id), nil)
	}

	logger.Infow("kek version created", "tenant", tenant, "version", id, "initiator", initiator, "demoted", priorID)
	return &Version{
		ID:        id,
		TenantID:  tenant,
		Status:    StatusActive,
		Reason:    reason,
		CreatedBy: initiator,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Rotate is Create plus a removed-users deny-list for the new version. Users
// on the list can never be provisioned a blob under it.
func (r *Registry) Rotate(ctx context.Context, tenant, initiator, reason string, removedUsers []string) (*Version, error) {
	if tenant == "" {
		return nil, errors.NewValidationError("tenant is required", nil)
	}

	id := uuid.NewString()

	// The deny-list goes in before the version exists so that provisioning
	// can never observe the version without it.
	if len(removedUsers) > 0 {
		members := make([]any, 0, len(removedUsers))
		for _, u := range removedUsers {
			if u == "" {
				return nil, errors.NewValidationError("removed user ids must not be empty", nil)
			}
			members = append(members, u)
		}
		if err := r.rdb.SAdd(ctx, r.removedKey(tenant, id), members...).Err(); err != nil {
			return nil, errors.NewBackendUnavailableError("failed to record removed users", err)
		}
	}

	version, err := r.CreateWithID(ctx, tenant, id, initiator, reason)
	if err != nil {
		if len(removedUsers) > 0 {
			if derr := r.rdb.Del(ctx, r.removedKey(tenant, id)).Err(); derr != nil {
				logger.Warnw("failed to clean up removed-users list", "tenant", tenant, "version", id, "error", derr)
			}
		}
		return nil, err
	}
	return version, nil
}

// UpdateStatus moves a version along the lifecycle DAG. Demoting the active
// version leaves the tenant without an active one until the next rotation.
func (r *Registry) UpdateStatus(ctx context.Context, tenant, id string, status Status) (*Version, error) {
	if !validStatus(status) {
		return nil, errors.NewValidationError(fmt.Sprintf("unknown status %q", status), nil)
	}

	unlock := r.tenants.lock(tenant)
	defer unlock()

	version, err := r.get(ctx, tenant, id)
	if err != nil {
		return nil, err
	}
	if !validTransition(version.Status, status) {
		return nil, errors.NewInvalidTransitionError(
			fmt.Sprintf("kek version cannot transition from %s to %s", version.Status, status), nil)
	}

	now := r.now().UTC()
	err = r.rdb.HSet(ctx, r.versionKey(tenant, id),
		"status", string(status), "updated_at", now.Format(time.RFC3339Nano)).Err()
	if err != nil {
		return nil, errors.NewBackendUnavailableError("failed to update key version", err)
	}

	if version.Status == StatusActive {
		current, err := r.rdb.Get(ctx, r.activeKey(tenant)).Result()
		if err != nil && !stderrors.Is(err, redis.Nil) {
			return nil, errors.NewBackendUnavailableError("failed to read active key version", err)
		}
		if current == id {
			if err := r.rdb.Del(ctx, r.activeKey(tenant)).Err(); err != nil {
				return nil, errors.NewBackendUnavailableError("failed to clear active key version", err)
			}
		}
	}

	logger.Infow("kek version status changed", "tenant", tenant, "version", id, "from", version.Status, "to", status)
	version.Status = status
	version.UpdatedAt = now
	return version, nil
}

// Get returns one version.
func (r *Registry) Get(ctx context.Context, tenant, id string) (*Version, error) {
	return r.get(ctx, tenant, id)
}

// GetActive returns the tenant's active version, or NotFound when the tenant
// has none (never rotated, or the active one was demoted by hand).
func (r *Registry) GetActive(ctx context.Context, tenant string) (*Version, error) {
	id, err := r.rdb.Get(ctx, r.activeKey(tenant)).Result()
	if stderrors.Is(err, redis.Nil) || (err == nil && id == "") {
		return nil, errors.NewNotFoundError(fmt.Sprintf("tenant %s has no active kek version", tenant), nil)
	}
	if err != nil {
		return nil, errors.NewBackendUnavailableError("failed to read active key version", err)
	}
	return r.get(ctx, tenant, id)
}

// List returns the tenant's versions in creation order.
func (r *Registry) List(ctx context.Context, tenant string) ([]*Version, error) {
	ids, err := r.rdb.SMembers(ctx, r.indexKey(tenant)).Result()
	if err != nil {
		return nil, errors.NewBackendUnavailableError("failed to list key versions", err)
	}

	versions := make([]*Version, 0, len(ids))
	for _, id := range ids {
		version, err := r.get(ctx, tenant, id)
		if err != nil {
			if errors.IsNotFound(err) {
				// Stale index entry; drop it and move on.
				_ = r.rdb.SRem(ctx, r.indexKey(tenant), id).Err()
				continue
			}
			return nil, err
		}
		versions = append(versions, version)
	}

	sort.Slice(versions, func(i, j int) bool {
		if versions[i].CreatedAt.Equal(versions[j].CreatedAt) {
			return versions[i].ID < versions[j].ID
		}
		return versions[i].CreatedAt.Before(versions[j].CreatedAt)
	})
	return versions, nil
}

// RemovedUsers returns the deny-list recorded when the version was created
// by a removing rotation. Empty for plain creations.
func (r *Registry) RemovedUsers(ctx context.Context, tenant, id string) ([]string, error) {
	users, err := r.rdb.SMembers(ctx, r.removedKey(tenant, id)).Result()
	if err != nil {
		return nil, errors.NewBackendUnavailableError("failed to read removed users", err)
	}
	sort.Strings(users)
	return users, nil
}

func (r *Registry) isRemoved(ctx context.Context, tenant, id, user string) (bool, error) {
	removed, err := r.rdb.SIsMember(ctx, r.removedKey(tenant, id), user).Result()
	if err != nil {
		return false, errors.NewBackendUnavailableError("failed to read removed users", err)
	}
	return removed, nil
}

func (r *Registry) get(ctx context.Context, tenant, id string) (*Version, error) {
	fields, err := r.rdb.HGetAll(ctx, r.versionKey(tenant, id)).Result()
	if err != nil {
		return nil, errors.NewBackendUnavailableError("failed to load key version", err)
	}
	if len(fields) == 0 {
		return nil, errors.NewNotFoundError(fmt.Sprintf("kek version %s not found", id), nil)
	}
	return versionFromHash(fields)
}

func versionFromHash(fields map[string]string) (*Version, error) {
	createdAt, err := time.Parse(time.RFC3339Nano, fields["created_at"])
	if err != nil {
		return nil, errors.NewInternalError("malformed kek version record", err)
	}
	updatedAt, err := time.Parse(time.RFC3339Nano, fields["updated_at"])
	if err != nil {
		return nil, errors.NewInternalError("malformed kek version record", err)
	}
	return &Version{
		ID:        fields["id"],
		TenantID:  fields["tenant"],
		Status:    Status(fields["status"]),
		Reason:    fields["reason"],
		CreatedBy: fields["created_by"],
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
	}, nil
}
