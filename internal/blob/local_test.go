package blob

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStore_Lifecycle(t *testing.T) {
	tmpDir := t.TempDir()
	store, err := NewLocalStore(tmpDir)
	require.NoError(t, err)

	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "vectors/a.vec", []byte("alpha")))
	require.NoError(t, store.Put(ctx, "vectors/b.vec", []byte("beta")))
	require.NoError(t, store.Put(ctx, "other.bin", []byte("x")))

	_, err = os.Stat(filepath.Join(tmpDir, "vectors", "a.vec"))
	require.NoError(t, err)

	data, err := store.Get(ctx, "vectors/b.vec")
	require.NoError(t, err)
	assert.Equal(t, "beta", string(data))

	names, err := store.List(ctx, "vectors/")
	require.NoError(t, err)
	assert.Equal(t, []string{"vectors/a.vec", "vectors/b.vec"}, names)

	require.NoError(t, store.Delete(ctx, "vectors/a.vec"))
	_, err = store.Get(ctx, "vectors/a.vec")
	assert.True(t, errors.Is(err, ErrNotFound))

	// Deleting twice is fine.
	require.NoError(t, store.Delete(ctx, "vectors/a.vec"))
}

func TestLocalStore_PutOverwrites(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "k", []byte("one")))
	require.NoError(t, store.Put(ctx, "k", []byte("two")))

	data, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))
}

func TestWriteFileAtomic_LeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "index.json")

	require.NoError(t, WriteFileAtomic(target, []byte(`{}`)))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "index.json", entries[0].Name())
}

func TestLocalStore_ListSkipsTempFiles(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalStore(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.vec.tmp-123"), []byte("partial"), 0644))
	require.NoError(t, store.Put(context.Background(), "b.vec", []byte("ok")))

	names, err := store.List(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, []string{"b.vec"}, names)
}
