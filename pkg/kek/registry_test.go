package kek

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keygate-io/keygate/pkg/errors"
)

func TestCreateFirstVersion(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)
	ctx := context.Background()

	version, err := svc.Registry.Create(ctx, "acme", "user:root", "initial")
	require.NoError(t, err)
	assert.NotEmpty(t, version.ID)
	assert.Equal(t, "acme", version.TenantID)
	assert.Equal(t, StatusActive, version.Status)
	assert.Equal(t, "initial", version.Reason)
	assert.Equal(t, "user:root", version.CreatedBy)

	active, err := svc.Registry.GetActive(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, version.ID, active.ID)
}

func TestCreateDemotesPriorActive(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Registry.CreateWithID(ctx, "acme", "v1", "user:root", "initial")
	require.NoError(t, err)
	_, err = svc.Registry.CreateWithID(ctx, "acme", "v2", "user:root", "quarterly")
	require.NoError(t, err)

	active, err := svc.Registry.GetActive(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "v2", active.ID)

	v1, err := svc.Registry.Get(ctx, "acme", "v1")
	require.NoError(t, err)
	assert.Equal(t, StatusDecryptOnly, v1.Status)

	// The demoted version can never become active again.
	_, err = svc.Registry.UpdateStatus(ctx, "acme", "v1", StatusActive)
	require.Error(t, err)
	assert.True(t, errors.IsInvalidTransition(err))

	versions, err := svc.Registry.List(ctx, "acme")
	require.NoError(t, err)
	activeCount := 0
	for _, v := range versions {
		if v.Status == StatusActive {
			activeCount++
		}
	}
	assert.Equal(t, 1, activeCount)
}

func TestCreateWithIDConflict(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Registry.CreateWithID(ctx, "acme", "v1", "user:root", "initial")
	require.NoError(t, err)
	_, err = svc.Registry.CreateWithID(ctx, "acme", "v1", "user:root", "again")
	require.Error(t, err)
	assert.True(t, errors.IsConflict(err))
}

func TestUpdateStatusTransitions(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)
	ctx := context.Background()

	// v1 ends up decrypt-only, v2 active.
	_, err := svc.Registry.CreateWithID(ctx, "acme", "v1", "user:root", "initial")
	require.NoError(t, err)
	_, err = svc.Registry.CreateWithID(ctx, "acme", "v2", "user:root", "rotation")
	require.NoError(t, err)

	_, err = svc.Registry.UpdateStatus(ctx, "acme", "v2", StatusDecryptOnly)
	require.NoError(t, err)

	v1, err := svc.Registry.UpdateStatus(ctx, "acme", "v1", StatusDeprecated)
	require.NoError(t, err)
	assert.Equal(t, StatusDeprecated, v1.Status)

	for name, tc := range map[string]struct {
		id     string
		status Status
	}{
		"deprecated to decrypt-only": {"v1", StatusDecryptOnly},
		"deprecated to active":       {"v1", StatusActive},
		"decrypt-only to active":     {"v2", StatusActive},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := svc.Registry.UpdateStatus(ctx, "acme", tc.id, tc.status)
			require.Error(t, err)
			assert.True(t, errors.IsInvalidTransition(err))
		})
	}

	_, err = svc.Registry.UpdateStatus(ctx, "acme", "v2", Status("banana"))
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))

	_, err = svc.Registry.UpdateStatus(ctx, "acme", "missing", StatusDeprecated)
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestDemotingActiveClearsPointer(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Registry.CreateWithID(ctx, "acme", "v1", "user:root", "initial")
	require.NoError(t, err)
	_, err = svc.Registry.UpdateStatus(ctx, "acme", "v1", StatusDecryptOnly)
	require.NoError(t, err)

	_, err = svc.Registry.GetActive(ctx, "acme")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))

	// The next creation fills the gap and must not touch v1 again.
	_, err = svc.Registry.CreateWithID(ctx, "acme", "v2", "user:root", "rotation")
	require.NoError(t, err)
	active, err := svc.Registry.GetActive(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "v2", active.ID)

	v1, err := svc.Registry.Get(ctx, "acme", "v1")
	require.NoError(t, err)
	assert.Equal(t, StatusDecryptOnly, v1.Status)
}

func TestRotateRecordsRemovedUsers(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Registry.CreateWithID(ctx, "acme", "v1", "user:root", "initial")
	require.NoError(t, err)

	version, err := svc.Registry.Rotate(ctx, "acme", "user:root", "offboarding", []string{"user:mallory", "user:eve"})
	require.NoError(t, err)
	assert.Equal(t, StatusActive, version.Status)

	removed, err := svc.Registry.RemovedUsers(ctx, "acme", version.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"user:eve", "user:mallory"}, removed)

	v1, err := svc.Registry.Get(ctx, "acme", "v1")
	require.NoError(t, err)
	assert.Equal(t, StatusDecryptOnly, v1.Status)

	// Plain creations carry no deny-list.
	removed, err = svc.Registry.RemovedUsers(ctx, "acme", "v1")
	require.NoError(t, err)
	assert.Empty(t, removed)
}

func TestListOrder(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	step := 0
	svc.Registry.now = func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Second)
	}

	for _, id := range []string{"v1", "v2", "v3"} {
		_, err := svc.Registry.CreateWithID(ctx, "acme", id, "user:root", "r")
		require.NoError(t, err)
	}

	versions, err := svc.Registry.List(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, versions, 3)
	assert.Equal(t, "v1", versions[0].ID)
	assert.Equal(t, "v2", versions[1].ID)
	assert.Equal(t, "v3", versions[2].ID)
	assert.Equal(t, StatusDecryptOnly, versions[0].Status)
	assert.Equal(t, StatusDecryptOnly, versions[1].Status)
	assert.Equal(t, StatusActive, versions[2].Status)
}

func TestGetActiveWithoutVersions(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)

	_, err := svc.Registry.GetActive(context.Background(), "acme")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}
