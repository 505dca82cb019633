package hub

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeCached(t *testing.T, c *Cache, id, file string, size int) {
	t.Helper()
	path := c.ModelPath(id, file)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
}

func TestDefaultDirHonorsEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvCacheDir, dir)
	got, err := DefaultDir()
	require.NoError(t, err)
	require.Equal(t, dir, got)

	c, err := NewCache("")
	require.NoError(t, err)
	require.Equal(t, dir, c.Dir)
}

func TestCacheListAndUsage(t *testing.T) {
	t.Parallel()
	c := &Cache{Dir: t.TempDir()}

	entries, err := c.List()
	require.NoError(t, err)
	require.Empty(t, entries)

	writeCached(t, c, "org/b", "b.gguf", 30)
	writeCached(t, c, "org/a", "a-q8.gguf", 20)
	writeCached(t, c, "org/a", "a-q4.gguf", 10)
	writeCached(t, c, "org/a", "a-f16.gguf.tmp", 99)

	entries, err = c.List()
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, "org/a", entries[0].ID)
	require.Equal(t, "a-q4.gguf", entries[0].File)
	require.Equal(t, "a-q8.gguf", entries[1].File)
	require.Equal(t, "org/b", entries[2].ID)

	u, err := c.Usage()
	require.NoError(t, err)
	require.Equal(t, 2, u.Models)
	require.Equal(t, 3, u.Files)
	require.EqualValues(t, 60, u.Bytes)
	require.NotZero(t, u.FSTotal)
}

func TestCacheRemove(t *testing.T) {
	t.Parallel()
	c := &Cache{Dir: t.TempDir()}
	writeCached(t, c, "org/a", "one.gguf", 1)
	writeCached(t, c, "org/a", "two.gguf", 1)

	require.NoError(t, c.Remove("org/a", "one.gguf"))
	require.False(t, c.Exists("org/a", "one.gguf"))
	require.True(t, c.Exists("org/a", "two.gguf"))
	require.ErrorIs(t, c.Remove("org/a", "one.gguf"), ErrNotFound)

	require.NoError(t, c.Remove("org/a", "two.gguf"))
	require.NoDirExists(t, c.ModelDir("org/a"))

	writeCached(t, c, "org/b", "x.gguf", 1)
	require.NoError(t, c.Remove("org/b", ""))
	require.NoDirExists(t, c.ModelDir("org/b"))
	require.ErrorIs(t, c.Remove("org/b", ""), ErrNotFound)
	require.ErrorIs(t, c.Remove("nope", ""), ErrInvalidModelID)
}
