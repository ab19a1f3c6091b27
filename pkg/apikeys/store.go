package apikeys

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/keygate-io/keygate/pkg/errors"
)

// redisStore persists key records. Layout:
//
//	{prefix}:apikey:{id}                   JSON record
//	{prefix}:apikey:lastused:{id}          RFC 3339 timestamp
//	{prefix}:apikey:byUser:{tenant}:{user} set of key ids
//
// The last-used timestamp lives outside the record so that recording a use
// never rewrites the record and cannot race a concurrent revocation.
type redisStore struct {
	rdb       redis.UniversalClient
	keyPrefix string
}

func (s *redisStore) recordKey(id string) string {
	return fmt.Sprintf("%s:apikey:%s", s.keyPrefix, id)
}

func (s *redisStore) lastUsedKey(id string) string {
	return fmt.Sprintf("%s:apikey:lastused:%s", s.keyPrefix, id)
}

func (s *redisStore) indexKey(tenant, user string) string {
	return fmt.Sprintf("%s:apikey:byUser:%s:%s", s.keyPrefix, tenant, user)
}

func (s *redisStore) create(ctx context.Context, key *Key) error {
	payload, err := json.Marshal(key)
	if err != nil {
		return errors.NewInternalError("failed to encode api key record", err)
	}

	created, err := s.rdb.SetNX(ctx, s.recordKey(key.ID), payload, 0).Result()
	if err != nil {
		return errors.NewBackendUnavailableError("failed to store api key", err)
	}
	if !created {
		return errors.NewConflictError(fmt.Sprintf("api key %s already exists", key.ID), nil)
	}

	if err := s.rdb.SAdd(ctx, s.indexKey(key.TenantID, key.UserID), key.ID).Err(); err != nil {
		return errors.NewBackendUnavailableError("failed to index api key", err)
	}
	return nil
}

func (s *redisStore) get(ctx context.Context, id string) (*Key, error) {
	payload, err := s.rdb.Get(ctx, s.recordKey(id)).Result()
	if stderrors.Is(err, redis.Nil) {
		return nil, errors.NewNotFoundError(fmt.Sprintf("api key %s not found", id), nil)
	}
	if err != nil {
		return nil, errors.NewBackendUnavailableError("failed to load api key", err)
	}

	var key Key
	if err := json.Unmarshal([]byte(payload), &key); err != nil {
		return nil, errors.NewInternalError("malformed api key record", err)
	}

	lastUsed, err := s.rdb.Get(ctx, s.lastUsedKey(id)).Result()
	if err == nil {
		if at, parseErr := time.Parse(time.RFC3339Nano, lastUsed); parseErr == nil {
			key.LastUsedAt = at
		}
	} else if !stderrors.Is(err, redis.Nil) {
		return nil, errors.NewBackendUnavailableError("failed to load api key", err)
	}

	return &key, nil
}

func (s *redisStore) save(ctx context.Context, key *Key) error {
	payload, err := json.Marshal(key)
	if err != nil {
		return errors.NewInternalError("failed to encode api key record", err)
	}
	if err := s.rdb.Set(ctx, s.recordKey(key.ID), payload, 0).Err(); err != nil {
		return errors.NewBackendUnavailableError("failed to store api key", err)
	}
	return nil
}

func (s *redisStore) delete(ctx context.Context, key *Key) error {
	if err := s.rdb.Del(ctx, s.recordKey(key.ID), s.lastUsedKey(key.ID)).Err(); err != nil {
		return errors.NewBackendUnavailableError("failed to delete api key", err)
	}
	if err := s.rdb.SRem(ctx, s.indexKey(key.TenantID, key.UserID), key.ID).Err(); err != nil {
		return errors.NewBackendUnavailableError("failed to unindex api key", err)
	}
	return nil
}

func (s *redisStore) listByUser(ctx context.Context, tenant, user string) ([]*Key, error) {
	ids, err := s.rdb.SMembers(ctx, s.indexKey(tenant, user)).Result()
	if err != nil {
		return nil, errors.NewBackendUnavailableError("failed to list api keys", err)
	}

	keys := make([]*Key, 0, len(ids))
	for _, id := range ids {
		key, err := s.get(ctx, id)
		if err != nil {
			if errors.IsNotFound(err) {
				// Stale index entry; drop it and move on.
				_ = s.rdb.SRem(ctx, s.indexKey(tenant, user), id).Err()
				continue
			}
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func (s *redisStore) touchLastUsed(ctx context.Context, id string, at time.Time) error {
	return s.rdb.Set(ctx, s.lastUsedKey(id), at.UTC().Format(time.RFC3339Nano), 0).Err()
}
