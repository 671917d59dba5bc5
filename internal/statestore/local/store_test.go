package local

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/imagecrawl/internal/statestore"
)

func TestNewRequiresBaseDir(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.Error(t, err)
}

func TestNewRejectsTraversal(t *testing.T) {
	t.Parallel()

	_, err := New(Config{BaseDir: t.TempDir(), Folder: "../escape"})
	require.ErrorContains(t, err, "path traversal")

	_, err = New(Config{BaseDir: t.TempDir(), Name: ".."})
	require.Error(t, err)
}

func TestStoreRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	base := t.TempDir()
	store, err := New(Config{BaseDir: base, Folder: "PuertoRicoArchive"})
	require.NoError(t, err)
	require.Equal(t, filepath.Join(base, "PuertoRicoArchive", statestore.DefaultName), store.Path())

	_, err = store.Load(ctx)
	require.ErrorIs(t, err, statestore.ErrNotFound)

	require.NoError(t, store.Save(ctx, []byte(`{"a":1}`)))
	require.NoError(t, store.Save(ctx, []byte(`{"a":2}`)))

	data, err := store.Load(ctx)
	require.NoError(t, err)
	require.JSONEq(t, `{"a":2}`, string(data))

	entries, err := os.ReadDir(filepath.Dir(store.Path()))
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp files must not linger")

	require.NoError(t, store.Delete(ctx))
	require.NoError(t, store.Delete(ctx))
	_, err = store.Load(ctx)
	require.ErrorIs(t, err, statestore.ErrNotFound)
}
