package local_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-url-analyzer/internal/pipeline"
	"github.com/JakeFAU/realtime-url-analyzer/internal/storage/local"
)

func newStore(t *testing.T) (*local.BlobStore, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, dir
}

func TestNewValidatesBaseDir(t *testing.T) {
	t.Parallel()

	_, err := local.New(local.Config{BaseDir: "  "})
	require.Error(t, err)

	file := filepath.Join(t.TempDir(), "plain")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
	_, err = local.New(local.Config{BaseDir: file})
	require.Error(t, err)

	nested := filepath.Join(t.TempDir(), "a", "b")
	store, err := local.New(local.Config{BaseDir: nested})
	require.NoError(t, err)
	require.NoError(t, store.Close())
	require.DirExists(t, nested)
}

func TestPutThenGet(t *testing.T) {
	t.Parallel()
	store, dir := newStore(t)
	ctx := context.Background()

	uri, err := store.PutObject(ctx, "content/ab/abcdef.txt", "text/plain", []byte("first"))
	require.NoError(t, err)
	require.Equal(t, "file://"+filepath.Join(dir, "content", "ab", "abcdef.txt"), uri)

	_, err = store.PutObject(ctx, "content/ab/abcdef.txt", "text/plain", []byte("second"))
	require.NoError(t, err)

	got, err := store.GetObject(ctx, "content/ab/abcdef.txt")
	require.NoError(t, err)
	require.Equal(t, []byte("second"), got)

	entries, err := os.ReadDir(filepath.Join(dir, "content", "ab"))
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp files are renamed away")
}

func TestGetMissingObject(t *testing.T) {
	t.Parallel()
	store, _ := newStore(t)

	_, err := store.GetObject(context.Background(), "content/missing.txt")
	require.ErrorIs(t, err, pipeline.ErrNotFound)
}

func TestKeysStayInsideBaseDir(t *testing.T) {
	t.Parallel()
	store, _ := newStore(t)
	ctx := context.Background()

	for _, key := range []string{"", "../escape.txt", "a/../../escape.txt", "a//b"} {
		_, err := store.PutObject(ctx, key, "text/plain", []byte("x"))
		require.Error(t, err, key)
		_, err = store.GetObject(ctx, key)
		require.Error(t, err, key)
		require.NotErrorIs(t, err, pipeline.ErrNotFound, key)
	}
}
