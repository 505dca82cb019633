package hub

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/samcharles93/llamarun/internal/hub/hubtest"
	"github.com/samcharles93/llamarun/internal/logger"
)

func newTestClient(t *testing.T) (*Client, *hubtest.Registry) {
	t.Helper()
	reg := hubtest.New(t)
	c := NewClient(reg.URL, logger.Discard())
	c.Backoff = time.Millisecond
	return c, reg
}

func TestIsModelID(t *testing.T) {
	t.Parallel()
	cases := map[string]bool{
		"TheBloke/Llama-2-7B-GGUF": true,
		"org/name":                 true,
		"noslash":                  false,
		"a/b/c":                    false,
		"/abs/path":                false,
		"./rel/x":                  false,
		"org/model.gguf":           false,
		`org\name`:                 false,
	}
	for in, want := range cases {
		require.Equal(t, want, IsModelID(in), in)
	}
}

func TestValidateID(t *testing.T) {
	t.Parallel()
	for _, bad := range []string{"", "org", "/name", "org/", "../x", "org/a/b"} {
		require.ErrorIs(t, ValidateID(bad), ErrInvalidModelID, bad)
	}
	require.NoError(t, ValidateID("org/name"))
}

func TestModelInfoAndListGGUF(t *testing.T) {
	t.Parallel()
	c, reg := newTestClient(t)
	reg.Add("org/tiny", "tiny.Q4_0.gguf", []byte("gguf-bytes"))
	reg.Add("org/tiny", "README.md", []byte("# tiny"))

	info, err := c.ModelInfo(context.Background(), "org/tiny")
	require.NoError(t, err)
	require.Equal(t, "org/tiny", info.ID)
	require.Len(t, info.Siblings, 2)

	ggufs, err := c.ListGGUF(context.Background(), "org/tiny")
	require.NoError(t, err)
	require.Len(t, ggufs, 1)
	require.Equal(t, "tiny.Q4_0.gguf", ggufs[0].RFilename)
	require.EqualValues(t, len("gguf-bytes"), ggufs[0].Bytes())
	require.True(t, strings.HasPrefix(reg.UserAgent(), "llamarun/"))
}

func TestModelInfoRetriesTransientErrors(t *testing.T) {
	t.Parallel()
	c, reg := newTestClient(t)
	reg.Add("org/tiny", "m.gguf", []byte("x"))
	reg.FailInfo(2)

	_, err := c.ModelInfo(context.Background(), "org/tiny")
	require.NoError(t, err)
	require.Equal(t, 3, reg.InfoCalls())
}

func TestModelInfoGivesUp(t *testing.T) {
	t.Parallel()
	c, reg := newTestClient(t)
	c.Retries = 1
	reg.Add("org/tiny", "m.gguf", []byte("x"))
	reg.FailInfo(10)

	_, err := c.ModelInfo(context.Background(), "org/tiny")
	var herr *HTTPError
	require.ErrorAs(t, err, &herr)
	require.Equal(t, 503, herr.Status)
	require.Equal(t, 2, reg.InfoCalls())
}

func TestModelInfoNotFoundIsNotRetried(t *testing.T) {
	t.Parallel()
	c, reg := newTestClient(t)
	_, err := c.ModelInfo(context.Background(), "org/missing")
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, 1, reg.InfoCalls())
}

func TestDownload(t *testing.T) {
	t.Parallel()
	c, reg := newTestClient(t)
	payload := []byte(strings.Repeat("weights", 1000))
	reg.Add("org/tiny", "tiny.gguf", payload)
	cache := &Cache{Dir: t.TempDir()}

	var last, total int64
	path, err := c.Download(context.Background(), cache, "org/tiny", "tiny.gguf", DownloadOptions{
		Progress: func(done, tot int64) { last, total = done, tot },
	})
	require.NoError(t, err)
	require.Equal(t, filepath.Join(cache.Dir, "models", "org--tiny", "tiny.gguf"), path)
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, payload, got)
	require.EqualValues(t, len(payload), last)
	require.EqualValues(t, len(payload), total)
	require.NoFileExists(t, path+".tmp")

	// Cached: no network.
	infoCalls := reg.InfoCalls()
	again, err := c.Download(context.Background(), cache, "org/tiny", "tiny.gguf", DownloadOptions{})
	require.NoError(t, err)
	require.Equal(t, path, again)
	require.Equal(t, infoCalls, reg.InfoCalls())
	require.Equal(t, 1, reg.Downloads())

	// Force refetches.
	_, err = c.Download(context.Background(), cache, "org/tiny", "tiny.gguf", DownloadOptions{Force: true})
	require.NoError(t, err)
	require.Equal(t, 2, reg.Downloads())
}

func TestDownloadRejectsBadChecksum(t *testing.T) {
	t.Parallel()
	c, reg := newTestClient(t)
	reg.AddWithHash("org/tiny", "tiny.gguf", []byte("payload"), strings.Repeat("0", 64))
	cache := &Cache{Dir: t.TempDir()}

	_, err := c.Download(context.Background(), cache, "org/tiny", "tiny.gguf", DownloadOptions{})
	require.ErrorIs(t, err, ErrChecksumMismatch)
	require.False(t, cache.Exists("org/tiny", "tiny.gguf"))
	require.NoFileExists(t, cache.ModelPath("org/tiny", "tiny.gguf")+".tmp")
}

func TestDownloadWithoutPublishedHash(t *testing.T) {
	t.Parallel()
	c, reg := newTestClient(t)
	reg.AddWithHash("org/tiny", "tiny.gguf", []byte("payload"), "")
	cache := &Cache{Dir: t.TempDir()}
	_, err := c.Download(context.Background(), cache, "org/tiny", "tiny.gguf", DownloadOptions{})
	require.NoError(t, err)
	require.True(t, cache.Exists("org/tiny", "tiny.gguf"))
}

func TestDownloadMissingFile(t *testing.T) {
	t.Parallel()
	c, reg := newTestClient(t)
	reg.Add("org/tiny", "a.gguf", []byte("a"))
	cache := &Cache{Dir: t.TempDir()}

	_, err := c.Download(context.Background(), cache, "org/tiny", "b.gguf", DownloadOptions{})
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, 0, reg.Downloads())

	_, err = c.Download(context.Background(), cache, "org/tiny", "../escape.gguf", DownloadOptions{})
	require.Error(t, err)
}

func TestDownloadHonorsCancellation(t *testing.T) {
	t.Parallel()
	c, reg := newTestClient(t)
	reg.Add("org/tiny", "a.gguf", []byte("a"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Download(ctx, &Cache{Dir: t.TempDir()}, "org/tiny", "a.gguf", DownloadOptions{})
	require.True(t, errors.Is(err, context.Canceled), "got %v", err)
}
