package hub

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// ProgressFunc is called as bytes arrive. total is 0 when unknown.
type ProgressFunc func(done, total int64)

type DownloadOptions struct {
	Force    bool
	Progress ProgressFunc
}

// Download fetches file of model id into the cache and returns its path.
// A cached file is returned without touching the network unless Force is
// set. The body is written to a .tmp file, checked against the registry's
// SHA-256 when one is published, and renamed into place.
func (c *Client) Download(ctx context.Context, cache *Cache, id, file string, opts DownloadOptions) (string, error) {
	if err := ValidateID(id); err != nil {
		return "", err
	}
	if file == "" || filepath.IsAbs(file) || strings.Contains(file, "..") {
		return "", fmt.Errorf("invalid file name %q", file)
	}
	path := cache.ModelPath(id, file)
	log := c.Log.With("model", id, "file", file)

	if !opts.Force && cache.Exists(id, file) {
		log.Info("model already cached", "path", path)
		return path, nil
	}

	info, err := c.ModelInfo(ctx, id)
	if err != nil {
		return "", err
	}
	sib, ok := info.File(file)
	if !ok {
		return "", fmt.Errorf("file %q in model %q: %w", file, id, ErrNotFound)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create model directory: %w", err)
	}

	u := c.resolveURL(id, file)
	resp, err := c.get(ctx, u)
	if err != nil {
		return "", fmt.Errorf("start download: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode/100 != 2 {
		return "", &HTTPError{Status: resp.StatusCode, URL: u}
	}

	total := sib.Bytes()
	if total == 0 && resp.ContentLength > 0 {
		total = resp.ContentLength
	}
	log.Info("downloading", "bytes", total)

	tmp := path + tmpSuffix
	f, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("create temporary file: %w", err)
	}
	cleanup := func(err error) (string, error) {
		_ = f.Close()
		_ = os.Remove(tmp)
		return "", err
	}

	start := time.Now()
	h := sha256.New()
	pr := &progressReader{
		r:        resp.Body,
		total:    total,
		progress: opts.Progress,
		every:    rate.Sometimes{Interval: 2 * time.Second},
		log: func(done int64) {
			log.Debug("download progress", "done", done, "total", total)
		},
	}
	n, err := io.Copy(io.MultiWriter(f, h), pr)
	if err != nil {
		return cleanup(fmt.Errorf("read body: %w", err))
	}
	if total > 0 && n != total {
		return cleanup(fmt.Errorf("short download: got %d of %d bytes", n, total))
	}
	if err := f.Sync(); err != nil {
		return cleanup(err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}

	sum := hex.EncodeToString(h.Sum(nil))
	if sib.LFS != nil && sib.LFS.SHA256 != "" && !strings.EqualFold(sib.LFS.SHA256, sum) {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("%w for %s: got %s, want %s", ErrChecksumMismatch, file, sum, sib.LFS.SHA256)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("finalize download: %w", err)
	}
	log.Info("download complete", "path", path, "bytes", n, "sha256", sum, "took", time.Since(start).Round(time.Millisecond))
	return path, nil
}

type progressReader struct {
	r        io.Reader
	done     int64
	total    int64
	progress ProgressFunc
	every    rate.Sometimes
	log      func(done int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.done += int64(n)
		if p.progress != nil {
			p.progress(p.done, p.total)
		}
		p.every.Do(func() { p.log(p.done) })
	}
	return n, err
}
