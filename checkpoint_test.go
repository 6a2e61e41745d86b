package datapipe

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/homveloper/datapipe/internal/checkpointstore"
)

// TestCheckpoint_SaveThenResumeContinuesMidStream tests that Checkpoint
// and Resume round-trip a pipeline's position through a CheckpointStore,
// the same way RecordPosition/ReloadPosition do through a Tape directly.
func TestCheckpoint_SaveThenResumeContinuesMidStream(t *testing.T) {
	ctx := context.Background()
	store := checkpointstore.NewMemory()
	build := func() *Pipeline[int] {
		return ReadList([]int{1, 2, 3, 4, 5}).AndReturn()
	}

	p := build()
	v, ok, err := p.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, v)

	require.NoError(t, p.Checkpoint(ctx, store, "job-1"))

	resumed := build()
	require.NoError(t, resumed.Resume(ctx, store, "job-1"))
	assert.Equal(t, []int{2, 3, 4, 5}, collect(t, resumed))
}

// TestCheckpoint_OverwritesPreviousSaveAtSameKey tests that a second
// Checkpoint call at the same key replaces the first rather than
// failing or appending.
func TestCheckpoint_OverwritesPreviousSaveAtSameKey(t *testing.T) {
	ctx := context.Background()
	store := checkpointstore.NewMemory()
	build := func() *Pipeline[int] {
		return ReadList([]int{1, 2, 3}).AndReturn()
	}

	p := build()
	_, _, err := p.Next(ctx)
	require.NoError(t, err)
	require.NoError(t, p.Checkpoint(ctx, store, "job"))

	_, _, err = p.Next(ctx)
	require.NoError(t, err)
	require.NoError(t, p.Checkpoint(ctx, store, "job"))

	resumed := build()
	require.NoError(t, resumed.Resume(ctx, store, "job"))
	assert.Equal(t, []int{3}, collect(t, resumed))
}

// TestCheckpoint_ResumeSurfacesStoreNotFound tests that resuming from a
// key with no saved checkpoint surfaces the store's own not-found error.
func TestCheckpoint_ResumeSurfacesStoreNotFound(t *testing.T) {
	ctx := context.Background()
	store := checkpointstore.NewMemory()
	p := ReadList([]int{1, 2, 3}).AndReturn()

	err := p.Resume(ctx, store, "missing")
	assert.ErrorIs(t, err, checkpointstore.ErrNotFound)
}
