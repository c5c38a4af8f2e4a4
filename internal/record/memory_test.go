package record

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelworks/vodflow/internal/state"
)

func TestCreateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	rec, err := store.Create(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, state.Pending, rec.CurrentState)
	assert.Equal(t, int64(1), rec.Version)

	rec.CurrentState = state.Uploaded
	require.NoError(t, store.Save(ctx, rec))

	again, err := store.Create(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, state.Uploaded, again.CurrentState, "second create must not reset the record")
}

func TestGetUnknownEntity(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveDetectsLostUpdate(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_, err := store.Create(ctx, "v1")
	require.NoError(t, err)

	a, err := store.Get(ctx, "v1")
	require.NoError(t, err)
	b, err := store.Get(ctx, "v1")
	require.NoError(t, err)

	a.CurrentState = state.Uploaded
	require.NoError(t, store.Save(ctx, a))

	b.CurrentState = state.Failed
	err = store.Save(ctx, b)
	assert.ErrorIs(t, err, ErrConflict)

	got, err := store.Get(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, state.Uploaded, got.CurrentState)
	assert.Equal(t, int64(2), got.Version)
}

func TestSaveBumpsVersionOnCaller(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	rec, err := store.Create(ctx, "v1")
	require.NoError(t, err)

	rec.RetryCount = 1
	require.NoError(t, store.Save(ctx, rec))
	assert.Equal(t, int64(2), rec.Version)

	// Version on the caller tracks the store, so a second save succeeds.
	rec.RetryCount = 2
	require.NoError(t, store.Save(ctx, rec))
}

func TestGetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_, err := store.Create(ctx, "v1")
	require.NoError(t, err)

	rec, err := store.Get(ctx, "v1")
	require.NoError(t, err)
	rec.CurrentState = state.Failed

	got, err := store.Get(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, state.Pending, got.CurrentState)
}

func TestFindByState(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	for _, id := range []string{"a", "b", "c"} {
		_, err := store.Create(ctx, id)
		require.NoError(t, err)
	}
	rec, err := store.Get(ctx, "b")
	require.NoError(t, err)
	rec.CurrentState = state.Failed
	rec.Compensating = true
	require.NoError(t, store.Save(ctx, rec))

	failed, err := store.FindByState(ctx, state.Failed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "b", failed[0].EntityID)

	pending, err := store.FindByState(ctx, state.Pending)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	compensating, err := store.FindByCompensating(ctx, true)
	require.NoError(t, err)
	require.Len(t, compensating, 1)
	assert.Equal(t, "b", compensating[0].EntityID)
}
