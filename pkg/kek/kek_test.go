package kek

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keygate-io/keygate/pkg/errors"
)

func newTestService(t *testing.T, opts ...ServiceOption) (*Service, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
	})

	svc := NewService(rdb, "keygate", opts...)
	t.Cleanup(svc.Close)
	return svc, mr
}

func b64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func TestBootstrapTenant(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.BootstrapTenant(ctx, "acme"))

	active, err := svc.Registry.GetActive(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, active.Status)
	assert.Equal(t, "system", active.CreatedBy)

	versions, err := svc.Registry.List(ctx, "acme")
	require.NoError(t, err)
	assert.Len(t, versions, 1)
}

func TestPurgeTenant(t *testing.T) {
	t.Parallel()
	svc, mr := newTestService(t)
	ctx := context.Background()

	_, err := svc.Registry.CreateWithID(ctx, "acme", "v1", "user:root", "initial")
	require.NoError(t, err)
	_, err = svc.Registry.CreateWithID(ctx, "acme", "v2", "user:root", "rotation")
	require.NoError(t, err)

	_, err = svc.Blobs.Set(ctx, "acme", "user:alice", "v2", b64("wrapped"))
	require.NoError(t, err)
	pub, err := svc.PublicKeys.Store(ctx, "acme", "user:alice", "wrapping", b64("pubkey"))
	require.NoError(t, err)
	session, err := svc.Recovery.Initiate(ctx, "acme", "user:root", "v1", 1, "lost", time.Hour)
	require.NoError(t, err)
	_, err = svc.Recovery.SubmitShare(ctx, "acme", session.ID, "user:alice", "user:root", b64("share"))
	require.NoError(t, err)
	_, err = svc.Recovery.Complete(ctx, "acme", session.ID, "user:root", b64("recovered"), "v3", "recovered")
	require.NoError(t, err)

	// A second tenant that must survive the purge untouched.
	_, err = svc.Registry.CreateWithID(ctx, "globex", "g1", "user:root", "initial")
	require.NoError(t, err)
	_, err = svc.Blobs.Set(ctx, "globex", "user:carol", "g1", b64("wrapped"))
	require.NoError(t, err)

	require.NoError(t, svc.PurgeTenant(ctx, "acme"))

	_, err = svc.Registry.GetActive(ctx, "acme")
	assert.True(t, errors.IsNotFound(err))
	versions, err := svc.Registry.List(ctx, "acme")
	require.NoError(t, err)
	assert.Empty(t, versions)
	_, err = svc.Blobs.Get(ctx, "acme", "user:alice", "v2")
	assert.True(t, errors.IsNotFound(err))
	_, err = svc.PublicKeys.GetByID(ctx, "acme", pub.ID)
	assert.True(t, errors.IsNotFound(err))
	_, err = svc.Recovery.GetSession(ctx, "acme", session.ID)
	assert.True(t, errors.IsNotFound(err))
	assert.False(t, mr.Exists("keygate:recovery:version:"+session.ID))

	active, err := svc.Registry.GetActive(ctx, "globex")
	require.NoError(t, err)
	assert.Equal(t, "g1", active.ID)
	_, err = svc.Blobs.Get(ctx, "globex", "user:carol", "g1")
	require.NoError(t, err)
}
