package authz

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/keygate-io/keygate/pkg/errors"
	"github.com/keygate-io/keygate/pkg/tuplestore"
	"github.com/keygate-io/keygate/pkg/tuplestore/mocks"
)

type fakeBootstrapper struct {
	bootstrapped []string
	purged       []string
	failNext     bool
}

func (f *fakeBootstrapper) BootstrapTenant(_ context.Context, tenant string) error {
	if f.failNext {
		f.failNext = false
		return errors.NewBackendUnavailableError("custody store down", nil)
	}
	f.bootstrapped = append(f.bootstrapped, tenant)
	return nil
}

func (f *fakeBootstrapper) PurgeTenant(_ context.Context, tenant string) error {
	f.purged = append(f.purged, tenant)
	return nil
}

func newTestAuthorizer(t *testing.T) (Authorizer, *fakeBootstrapper) {
	t.Helper()
	cache := NewCache(WithTTL(time.Minute))
	t.Cleanup(func() { _ = cache.Close() })
	boot := &fakeBootstrapper{}
	return NewAuthorizer(tuplestore.NewMemoryStore(), cache, boot), boot
}

func TestAuthorizerGrantCheckRevoke(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	a, _ := newTestAuthorizer(t)

	require.NoError(t, a.Grant(ctx, "acme", "alice", "read", "log:app"))

	allowed, err := a.Check(ctx, "acme", "alice", "read", "log:app", nil)
	require.NoError(t, err)
	assert.True(t, allowed)

	// Unmapped permission names address schema relations directly.
	allowed, err = a.Check(ctx, "acme", "alice", "reader", "log:app", nil)
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = a.Check(ctx, "acme", "alice", "write", "log:app", nil)
	require.NoError(t, err)
	assert.False(t, allowed)

	require.NoError(t, a.Revoke(ctx, "acme", "alice", "read", "log:app"))
	allowed, err = a.Check(ctx, "acme", "alice", "read", "log:app", nil)
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestAuthorizerGrantIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	a, _ := newTestAuthorizer(t)

	require.NoError(t, a.Grant(ctx, "acme", "alice", "write", "log:app"))
	require.NoError(t, a.Grant(ctx, "acme", "alice", "write", "log:app"))
	require.NoError(t, a.Revoke(ctx, "acme", "alice", "write", "log:app"))
	require.NoError(t, a.Revoke(ctx, "acme", "alice", "write", "log:app"))
}

func TestAuthorizerCheckInvalidObject(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	a, _ := newTestAuthorizer(t)

	_, err := a.Check(ctx, "acme", "alice", "read", "not-a-ref", nil)
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}

func TestAuthorizerParentEdgeOrientation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	a, _ := newTestAuthorizer(t)

	require.NoError(t, a.CreateTenant(ctx, "acme", "alice"))

	// Public surface: (child, parent, container). Admin access must flow
	// from the tenant down to the log.
	require.NoError(t, a.Grant(ctx, "acme", "log:app", "parent", "tenant:acme"))

	allowed, err := a.Check(ctx, "acme", "alice", "write", "log:app", nil)
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = a.Check(ctx, "acme", "log:app", "parent", "tenant:acme", nil)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestAuthorizerContextualTuples(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	a, _ := newTestAuthorizer(t)

	contextual := []tuplestore.Tuple{{User: "frank", Relation: "read", Object: "log:app"}}

	allowed, err := a.Check(ctx, "acme", "frank", "read", "log:app", contextual)
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = a.Check(ctx, "acme", "frank", "read", "log:app", nil)
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestAuthorizerCreateTenant(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	a, boot := newTestAuthorizer(t)

	require.NoError(t, a.CreateTenant(ctx, "acme", "alice"))
	assert.Equal(t, []string{"acme"}, boot.bootstrapped)

	for _, permission := range []string{"admin", "member"} {
		allowed, err := a.Check(ctx, "acme", "alice", permission, "tenant:acme", nil)
		require.NoError(t, err)
		assert.True(t, allowed, "creator should hold %s", permission)
	}

	err := a.CreateTenant(ctx, "acme", "bob")
	require.Error(t, err)
	assert.True(t, errors.IsConflict(err))
	assert.Len(t, boot.bootstrapped, 1)
}

func TestAuthorizerCreateTenantValidation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	a, _ := newTestAuthorizer(t)

	for _, tenant := range []string{"", "a:b", "has space", "-leading"} {
		err := a.CreateTenant(ctx, tenant, "alice")
		require.Error(t, err, "tenant id %q", tenant)
		assert.True(t, errors.IsValidation(err))
	}

	err := a.CreateTenant(ctx, "acme", "")
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}

func TestAuthorizerCreateTenantRollsBackOnBootstrapFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	a, boot := newTestAuthorizer(t)
	boot.failNext = true

	err := a.CreateTenant(ctx, "acme", "alice")
	require.Error(t, err)
	assert.True(t, errors.IsBackendUnavailable(err))

	// The marker was rolled back, so a retry is not a collision.
	require.NoError(t, a.CreateTenant(ctx, "acme", "alice"))
	assert.Equal(t, []string{"acme"}, boot.bootstrapped)
}

func TestAuthorizerDeleteTenant(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	a, boot := newTestAuthorizer(t)

	require.NoError(t, a.CreateTenant(ctx, "acme", "alice"))
	require.NoError(t, a.AddUserToTenant(ctx, "acme", "bob", "member"))
	require.NoError(t, a.Grant(ctx, "acme", "organization:eng", "parent", "tenant:acme"))
	require.NoError(t, a.Grant(ctx, "acme", "log:app", "parent", "organization:eng"))
	require.NoError(t, a.Grant(ctx, "acme", "log_entry:e1", "parent", "log:app"))
	require.NoError(t, a.Grant(ctx, "acme", "bob", "read", "log:app"))

	t.Run("non-admin denied", func(t *testing.T) {
		err := a.DeleteTenant(ctx, "acme", "bob")
		require.Error(t, err)
		assert.True(t, errors.IsAccessDenied(err))
	})

	t.Run("admin cascades", func(t *testing.T) {
		// Warm the cache so deletion must invalidate it.
		allowed, err := a.Check(ctx, "acme", "bob", "read", "log:app", nil)
		require.NoError(t, err)
		require.True(t, allowed)

		require.NoError(t, a.DeleteTenant(ctx, "acme", "alice"))
		assert.Equal(t, []string{"acme"}, boot.purged)

		tenants, err := a.ListTenants(ctx)
		require.NoError(t, err)
		assert.Empty(t, tenants)

		for _, object := range []string{"tenant:acme", "organization:eng", "log:app", "log_entry:e1"} {
			allowed, err := a.Check(ctx, "acme", "bob", "read", object, nil)
			require.NoError(t, err)
			assert.False(t, allowed, "no access should survive on %s", object)
		}
	})
}

func TestAuthorizerDeleteTenantBySystemAdmin(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	a, _ := newTestAuthorizer(t)

	require.NoError(t, a.CreateTenant(ctx, "acme", "alice"))
	require.NoError(t, a.Grant(ctx, "acme", "root", "admin", SystemObject))

	require.NoError(t, a.DeleteTenant(ctx, "acme", "root"))

	err := a.DeleteTenant(ctx, "ghost", "root")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestAuthorizerListTenants(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	a, _ := newTestAuthorizer(t)

	require.NoError(t, a.CreateTenant(ctx, "globex", "gus"))
	require.NoError(t, a.CreateTenant(ctx, "acme", "alice"))

	tenants, err := a.ListTenants(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"acme", "globex"}, tenants)
}

func TestAuthorizerTenantRoles(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	a, _ := newTestAuthorizer(t)
	require.NoError(t, a.CreateTenant(ctx, "acme", "alice"))

	check := func(user, permission string) bool {
		allowed, err := a.Check(ctx, "acme", user, permission, "tenant:acme", nil)
		require.NoError(t, err)
		return allowed
	}

	require.NoError(t, a.AddUserToTenant(ctx, "acme", "bob", "member"))
	assert.True(t, check("bob", "member"))
	assert.False(t, check("bob", "admin"))

	require.NoError(t, a.UpdateUserRole(ctx, "acme", "bob", "admin"))
	assert.True(t, check("bob", "admin"))
	assert.True(t, check("bob", "member"))

	require.NoError(t, a.UpdateUserRole(ctx, "acme", "bob", "member"))
	assert.False(t, check("bob", "admin"))
	assert.True(t, check("bob", "member"))

	err := a.AddUserToTenant(ctx, "acme", "carol", "owner")
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}

func TestAuthorizerCheckUsesCache(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)

	cache := NewCache(WithTTL(time.Minute))
	t.Cleanup(func() { _ = cache.Close() })
	a := NewAuthorizer(store, cache, nil)

	store.EXPECT().
		Check(gomock.Any(), "acme", "user:alice", "reader", "log:app", nil).
		Return(true, nil).
		Times(1)

	for i := 0; i < 3; i++ {
		allowed, err := a.Check(ctx, "acme", "alice", "read", "log:app", nil)
		require.NoError(t, err)
		assert.True(t, allowed)
	}

	// A grant invalidates the exact key; the next check consults the
	// store again.
	store.EXPECT().
		WriteTuples(gomock.Any(), "acme", gomock.Any()).
		Return(nil)
	store.EXPECT().
		Check(gomock.Any(), "acme", "user:alice", "reader", "log:app", nil).
		Return(true, nil).
		Times(1)

	require.NoError(t, a.Grant(ctx, "acme", "alice", "read", "log:app"))
	allowed, err := a.Check(ctx, "acme", "alice", "read", "log:app", nil)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestAuthorizerConcurrentMissesCollapse(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)

	cache := NewCache(WithTTL(time.Minute))
	t.Cleanup(func() { _ = cache.Close() })
	a := NewAuthorizer(store, cache, nil)

	// A slow backend widens the window in which concurrent misses pile up
	// behind the first in-flight query. Goroutines arriving after it
	// resolves hit the cache instead, so the store sees exactly one call
	// either way.
	store.EXPECT().
		Check(gomock.Any(), "acme", "user:alice", "reader", "log:app", nil).
		DoAndReturn(func(context.Context, string, string, string, string, []tuplestore.Tuple) (bool, error) {
			time.Sleep(20 * time.Millisecond)
			return true, nil
		}).
		Times(1)

	var wg sync.WaitGroup
	results := make([]bool, 8)
	errs := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = a.Check(ctx, "acme", "alice", "read", "log:app", nil)
		}()
	}
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		assert.True(t, results[i])
	}
}

func TestAuthorizerNegativeDecisionsAreCached(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)

	cache := NewCache(WithTTL(time.Minute))
	t.Cleanup(func() { _ = cache.Close() })
	a := NewAuthorizer(store, cache, nil)

	store.EXPECT().
		Check(gomock.Any(), "acme", "user:mallory", "writer", "log:app", nil).
		Return(false, nil).
		Times(1)

	for i := 0; i < 2; i++ {
		allowed, err := a.Check(ctx, "acme", "mallory", "write", "log:app", nil)
		require.NoError(t, err)
		assert.False(t, allowed)
	}
}

func TestAuthorizerContextualChecksBypassCache(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)

	cache := NewCache(WithTTL(time.Minute))
	t.Cleanup(func() { _ = cache.Close() })
	a := NewAuthorizer(store, cache, nil)

	contextual := []tuplestore.Tuple{{User: "user:frank", Relation: "reader", Object: "log:app"}}

	store.EXPECT().
		Check(gomock.Any(), "acme", "user:frank", "reader", "log:app", gomock.Len(1)).
		Return(true, nil).
		Times(2)

	for i := 0; i < 2; i++ {
		allowed, err := a.Check(ctx, "acme", "frank", "read", "log:app", contextual)
		require.NoError(t, err)
		assert.True(t, allowed)
	}
	assert.Equal(t, 0, cache.len(), "contextual decisions must not be cached")
}

func TestAuthorizerBackendFailurePropagates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)

	cache := NewCache(WithTTL(time.Minute))
	t.Cleanup(func() { _ = cache.Close() })
	a := NewAuthorizer(store, cache, nil)

	store.EXPECT().
		Check(gomock.Any(), "acme", "user:alice", "reader", "log:app", nil).
		Return(false, tuplestore.NewUnavailableError("check", nil)).
		Times(2)

	for i := 0; i < 2; i++ {
		_, err := a.Check(ctx, "acme", "alice", "read", "log:app", nil)
		require.Error(t, err)
		assert.True(t, errors.IsBackendUnavailable(err), "failure must propagate, not cache or deny")
	}
}
