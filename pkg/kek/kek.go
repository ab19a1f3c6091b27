// Package kek custodies tenant key-encryption-key state: the version
// registry with its single-active invariant, per-user wrapped KEK blobs,
// user public keys and threshold recovery sessions. The server never sees
// key material in the clear; everything stored here is opaque ciphertext
// or metadata about it.
package kek

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/keygate-io/keygate/pkg/errors"
	"github.com/keygate-io/keygate/pkg/logger"
)

// keyedMutex serializes work per string key. Lock returns the unlock
// function for the key's mutex.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*sync.Mutex)}
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// Service bundles the custody components over one Redis client. It is the
// KEK bootstrapper the authorizer's tenant lifecycle calls into.
type Service struct {
	Registry   *Registry
	Blobs      *BlobStore
	PublicKeys *PublicKeyStore
	Recovery   *RecoveryManager

	rdb       redis.UniversalClient
	keyPrefix string
}

// ServiceOption adjusts Service construction.
type ServiceOption func(*serviceOptions)

type serviceOptions struct {
	recovery []RecoveryOption
}

// WithRecoveryOptions forwards options to the recovery manager.
func WithRecoveryOptions(opts ...RecoveryOption) ServiceOption {
	return func(o *serviceOptions) {
		o.recovery = append(o.recovery, opts...)
	}
}

// NewService builds the custody service on the given Redis client.
func NewService(rdb redis.UniversalClient, keyPrefix string, opts ...ServiceOption) *Service {
	options := &serviceOptions{}
	for _, opt := range opts {
		opt(options)
	}

	registry := NewRegistry(rdb, keyPrefix)
	return &Service{
		Registry:   registry,
		Blobs:      NewBlobStore(rdb, keyPrefix, registry),
		PublicKeys: NewPublicKeyStore(rdb, keyPrefix),
		Recovery:   NewRecoveryManager(rdb, keyPrefix, registry, options.recovery...),
		rdb:        rdb,
		keyPrefix:  keyPrefix,
	}
}

// Close stops the recovery sweeper.
func (s *Service) Close() {
	s.Recovery.Close()
}

// BootstrapTenant installs the tenant's first key version.
func (s *Service) BootstrapTenant(ctx context.Context, tenant string) error {
	_, err := s.Registry.Create(ctx, tenant, "system", "tenant bootstrap")
	return err
}

// PurgeTenant removes every version, deny-list, blob, public key and
// recovery session the tenant owns. Called on tenant deletion; not
// reversible.
func (s *Service) PurgeTenant(ctx context.Context, tenant string) error {
	if tenant == "" {
		return errors.NewValidationError("tenant is required", nil)
	}

	// Session-to-version associations are keyed by session id alone, so
	// collect them through the tenant's session index before it goes away.
	sessionIDs, err := s.rdb.SMembers(ctx, fmt.Sprintf("%s:recovery:byTenant:%s", s.keyPrefix, tenant)).Result()
	if err != nil {
		return errors.NewBackendUnavailableError("failed to list recovery sessions", err)
	}
	for _, id := range sessionIDs {
		if err := s.rdb.Del(ctx, fmt.Sprintf("%s:recovery:version:%s", s.keyPrefix, id)).Err(); err != nil {
			return errors.NewBackendUnavailableError("failed to purge recovery association", err)
		}
	}

	patterns := []string{
		fmt.Sprintf("%s:kek:version:%s:*", s.keyPrefix, tenant),
		fmt.Sprintf("%s:kek:removed:%s:*", s.keyPrefix, tenant),
		fmt.Sprintf("%s:kek:blob:%s:*", s.keyPrefix, tenant),
		fmt.Sprintf("%s:kek:blobs:%s:*", s.keyPrefix, tenant),
		fmt.Sprintf("%s:pubkey:%s:*", s.keyPrefix, tenant),
		fmt.Sprintf("%s:pubkey:byUser:%s:*", s.keyPrefix, tenant),
		fmt.Sprintf("%s:pubkey:byId:%s:*", s.keyPrefix, tenant),
		fmt.Sprintf("%s:recovery:%s:*", s.keyPrefix, tenant),
	}
	var removed atomic.Int64
	group, gctx := errgroup.WithContext(ctx)
	for _, pattern := range patterns {
		group.Go(func() error {
			n, err := s.deleteByPattern(gctx, pattern)
			if err != nil {
				return err
			}
			removed.Add(int64(n))
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	err = s.rdb.Del(ctx,
		fmt.Sprintf("%s:kek:versions:%s", s.keyPrefix, tenant),
		fmt.Sprintf("%s:kek:active:%s", s.keyPrefix, tenant),
		fmt.Sprintf("%s:recovery:byTenant:%s", s.keyPrefix, tenant),
	).Err()
	if err != nil {
		return errors.NewBackendUnavailableError("failed to purge tenant custody state", err)
	}

	logger.Infow("tenant custody state purged", "tenant", tenant, "keys", removed.Load())
	return nil
}

func (s *Service) deleteByPattern(ctx context.Context, pattern string) (int, error) {
	var keys []string
	iter := s.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return 0, errors.NewBackendUnavailableError("failed to scan tenant custody keys", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return 0, errors.NewBackendUnavailableError("failed to purge tenant custody keys", err)
	}
	return len(keys), nil
}
