package inmem

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/jobstream/runtime/job"
)

func TestStoreCreateLoadUpdate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := New()
	require.NoError(t, store.Create(ctx, job.Job{ID: "j1", RepoPath: "/src"}))

	loaded, err := store.Load(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusQueued, loaded.Status)
	assert.False(t, loaded.CreatedAt.IsZero())

	updated, err := store.Update(ctx, "j1", job.SetStatus(job.StatusRunning))
	require.NoError(t, err)
	assert.Equal(t, job.StatusRunning, updated.Status)
	assert.Equal(t, "/src", updated.RepoPath)

	reread, err := store.Load(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, updated, reread)
}

func TestStoreErrors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := New()
	require.NoError(t, store.Create(ctx, job.Job{ID: "j1"}))

	require.ErrorIs(t, store.Create(ctx, job.Job{ID: "j1"}), job.ErrExists)
	require.Error(t, store.Create(ctx, job.Job{}))

	_, err := store.Load(ctx, "missing")
	require.ErrorIs(t, err, job.ErrNotFound)

	_, err = store.Update(ctx, "missing", job.SetStatus(job.StatusFailed))
	require.ErrorIs(t, err, job.ErrNotFound)

	require.ErrorIs(t, store.Create(ctx, job.Job{ID: "j2", Status: "paused"}), job.ErrInvalidStatus)
	_, err = store.Update(ctx, "j1", job.SetStatus("paused"))
	require.ErrorIs(t, err, job.ErrInvalidStatus)
	loaded, err := store.Load(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusQueued, loaded.Status)
}

func TestStoreReset(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := New()
	require.NoError(t, store.Create(ctx, job.Job{ID: "j1"}))
	store.Reset()
	_, err := store.Load(ctx, "j1")
	require.ErrorIs(t, err, job.ErrNotFound)
}
