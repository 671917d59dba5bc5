package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/imagecrawl/internal/statestore"
)

func TestStoreRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, err := New(Config{Path: filepath.Join(t.TempDir(), "state", "imagecrawl.db")})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	_, err = store.Load(ctx)
	require.ErrorIs(t, err, statestore.ErrNotFound)

	require.NoError(t, store.Save(ctx, []byte(`{"v":1}`)))
	require.NoError(t, store.Save(ctx, []byte(`{"v":2}`)))

	data, err := store.Load(ctx)
	require.NoError(t, err)
	require.JSONEq(t, `{"v":2}`, string(data))

	require.NoError(t, store.Delete(ctx))
	_, err = store.Load(ctx)
	require.ErrorIs(t, err, statestore.ErrNotFound)
}

func TestStoreSeparatesNames(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shared.db")
	first, err := New(Config{Path: path, Name: "first"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = first.Close() })
	second, err := New(Config{Path: path, Name: "second"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Close() })

	require.NoError(t, first.Save(ctx, []byte(`"one"`)))
	_, err = second.Load(ctx)
	require.ErrorIs(t, err, statestore.ErrNotFound)
}

func TestNewRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.Error(t, err)
}
