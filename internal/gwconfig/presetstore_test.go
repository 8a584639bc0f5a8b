package gwconfig

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPresetStoreUpsertGetDelete(t *testing.T) {
	store, err := OpenPresetStore(filepath.Join(t.TempDir(), "presets.db"))
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Upsert(ctx, "backend-only", "or", "backend"))

	p, err := store.Get(ctx, "backend-only")
	require.NoError(t, err)
	assert.Equal(t, "or", p.FilterMode)
	assert.Equal(t, "backend", p.Tags)

	require.NoError(t, store.Upsert(ctx, "backend-only", "and", "backend,api"))
	p, err = store.Get(ctx, "backend-only")
	require.NoError(t, err)
	assert.Equal(t, "and", p.FilterMode)

	list, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, store.Delete(ctx, "backend-only"))
	_, err = store.Get(ctx, "backend-only")
	assert.Error(t, err)
}
