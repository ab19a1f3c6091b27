package kek

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keygate-io/keygate/pkg/errors"
)

func TestSetAndGetBlob(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Registry.CreateWithID(ctx, "acme", "v1", "user:root", "initial")
	require.NoError(t, err)

	base := time.Now().UTC().Truncate(time.Second)
	svc.Blobs.now = func() time.Time { return base }

	blob, err := svc.Blobs.Set(ctx, "acme", "user:alice", "v1", b64("wrapped-kek"))
	require.NoError(t, err)
	assert.Equal(t, "user:alice", blob.UserID)
	assert.Equal(t, "v1", blob.VersionID)
	assert.Equal(t, b64("wrapped-kek"), blob.Ciphertext)

	got, err := svc.Blobs.Get(ctx, "acme", "user:alice", "v1")
	require.NoError(t, err)
	assert.Equal(t, blob.Ciphertext, got.Ciphertext)
	assert.True(t, got.CreatedAt.Equal(base))

	// Re-provisioning replaces the ciphertext but keeps the creation time.
	svc.Blobs.now = func() time.Time { return base.Add(time.Hour) }
	updated, err := svc.Blobs.Set(ctx, "acme", "user:alice", "v1", b64("rewrapped-kek"))
	require.NoError(t, err)
	assert.True(t, updated.CreatedAt.Equal(base))
	assert.True(t, updated.UpdatedAt.Equal(base.Add(time.Hour)))
	assert.Equal(t, b64("rewrapped-kek"), updated.Ciphertext)
}

func TestSetBlobValidation(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Registry.CreateWithID(ctx, "acme", "v1", "user:root", "initial")
	require.NoError(t, err)

	_, err = svc.Blobs.Set(ctx, "acme", "user:alice", "v1", "")
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))

	_, err = svc.Blobs.Set(ctx, "acme", "", "v1", b64("x"))
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))

	_, err = svc.Blobs.Set(ctx, "acme", "user:alice", "missing", b64("x"))
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestSetBlobRejectsDeprecatedVersion(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Registry.CreateWithID(ctx, "acme", "v1", "user:root", "initial")
	require.NoError(t, err)
	_, err = svc.Registry.UpdateStatus(ctx, "acme", "v1", StatusDeprecated)
	require.NoError(t, err)

	_, err = svc.Blobs.Set(ctx, "acme", "user:alice", "v1", b64("x"))
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}

func TestSetBlobRejectsRemovedUser(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Registry.CreateWithID(ctx, "acme", "v1", "user:root", "initial")
	require.NoError(t, err)
	version, err := svc.Registry.Rotate(ctx, "acme", "user:root", "remove mallory", []string{"user:mallory"})
	require.NoError(t, err)

	_, err = svc.Blobs.Set(ctx, "acme", "user:mallory", version.ID, b64("x"))
	require.Error(t, err)
	assert.True(t, errors.IsAccessDenied(err))

	// Everyone else provisions fine; the deny-list is scoped to the new
	// version, so the old decrypt-only generation is unaffected.
	_, err = svc.Blobs.Set(ctx, "acme", "user:alice", version.ID, b64("x"))
	require.NoError(t, err)
	_, err = svc.Blobs.Set(ctx, "acme", "user:mallory", "v1", b64("x"))
	require.NoError(t, err)
}

func TestListBlobsForUser(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Registry.CreateWithID(ctx, "acme", "v1", "user:root", "initial")
	require.NoError(t, err)
	_, err = svc.Registry.CreateWithID(ctx, "acme", "v2", "user:root", "rotation")
	require.NoError(t, err)

	base := time.Now().UTC().Truncate(time.Second)
	step := 0
	svc.Blobs.now = func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Second)
	}

	_, err = svc.Blobs.Set(ctx, "acme", "user:alice", "v1", b64("old"))
	require.NoError(t, err)
	_, err = svc.Blobs.Set(ctx, "acme", "user:alice", "v2", b64("new"))
	require.NoError(t, err)
	_, err = svc.Blobs.Set(ctx, "acme", "user:bob", "v2", b64("other"))
	require.NoError(t, err)

	blobs, err := svc.Blobs.ListForUser(ctx, "acme", "user:alice")
	require.NoError(t, err)
	require.Len(t, blobs, 2)
	assert.Equal(t, "v1", blobs[0].VersionID)
	assert.Equal(t, "v2", blobs[1].VersionID)

	blobs, err = svc.Blobs.ListForUser(ctx, "acme", "user:carol")
	require.NoError(t, err)
	assert.Empty(t, blobs)
}

func TestDeleteBlob(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Registry.CreateWithID(ctx, "acme", "v1", "user:root", "initial")
	require.NoError(t, err)
	_, err = svc.Blobs.Set(ctx, "acme", "user:alice", "v1", b64("wrapped"))
	require.NoError(t, err)

	require.NoError(t, svc.Blobs.Delete(ctx, "acme", "user:alice", "v1"))

	_, err = svc.Blobs.Get(ctx, "acme", "user:alice", "v1")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))

	blobs, err := svc.Blobs.ListForUser(ctx, "acme", "user:alice")
	require.NoError(t, err)
	assert.Empty(t, blobs)

	err = svc.Blobs.Delete(ctx, "acme", "user:alice", "v1")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}
