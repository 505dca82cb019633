package hub

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
)

// EnvCacheDir overrides the default cache directory.
const EnvCacheDir = "LLAMARUN_CACHE_DIR"

const (
	modelsDir = "models"
	idSep     = "--"
	tmpSuffix = ".tmp"
)

// DefaultDir returns $LLAMARUN_CACHE_DIR, or llamarun under the user cache
// directory.
func DefaultDir() (string, error) {
	if dir := os.Getenv(EnvCacheDir); dir != "" {
		return dir, nil
	}
	base, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("locate cache directory: %w", err)
	}
	return filepath.Join(base, "llamarun"), nil
}

// Cache is the on-disk layout <dir>/models/<org>--<name>/<file>.
type Cache struct {
	Dir string
}

// NewCache uses dir, or DefaultDir when dir is empty.
func NewCache(dir string) (*Cache, error) {
	if dir == "" {
		var err error
		if dir, err = DefaultDir(); err != nil {
			return nil, err
		}
	}
	return &Cache{Dir: dir}, nil
}

// ModelDir is the directory holding a model's files.
func (c *Cache) ModelDir(id string) string {
	return filepath.Join(c.Dir, modelsDir, strings.ReplaceAll(id, "/", idSep))
}

// ModelPath is where file of model id is stored.
func (c *Cache) ModelPath(id, file string) string {
	return filepath.Join(c.ModelDir(id), filepath.FromSlash(file))
}

// Exists reports whether the file is fully downloaded.
func (c *Cache) Exists(id, file string) bool {
	st, err := os.Stat(c.ModelPath(id, file))
	return err == nil && st.Mode().IsRegular()
}

// Entry is one cached model file.
type Entry struct {
	ID       string    `json:"id"`
	File     string    `json:"file"`
	Path     string    `json:"path"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

// List returns every cached file, sorted by model id then file name.
// Partial downloads are skipped. A missing cache is empty.
func (c *Cache) List() ([]Entry, error) {
	root := filepath.Join(c.Dir, modelsDir)
	dirs, err := os.ReadDir(root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []Entry
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		id := strings.Replace(d.Name(), idSep, "/", 1)
		modelRoot := filepath.Join(root, d.Name())
		err := filepath.WalkDir(modelRoot, func(path string, de fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if de.IsDir() || strings.HasSuffix(de.Name(), tmpSuffix) {
				return nil
			}
			info, err := de.Info()
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(modelRoot, path)
			if err != nil {
				return err
			}
			out = append(out, Entry{
				ID:       id,
				File:     filepath.ToSlash(rel),
				Path:     path,
				Size:     info.Size(),
				Modified: info.ModTime(),
			})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", modelRoot, err)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		return out[i].File < out[j].File
	})
	return out, nil
}

// Remove deletes one file of a model, or the whole model when file is
// empty. An empty model directory is removed too.
func (c *Cache) Remove(id, file string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	dir := c.ModelDir(id)
	if file == "" {
		if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("model %s: %w", id, ErrNotFound)
		}
		return os.RemoveAll(dir)
	}

	path := c.ModelPath(id, file)
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%s in %s: %w", file, id, ErrNotFound)
		}
		return err
	}
	_ = os.Remove(path + tmpSuffix)
	if entries, err := os.ReadDir(dir); err == nil && len(entries) == 0 {
		_ = os.Remove(dir)
	}
	return nil
}

// Usage summarizes the cache and the filesystem it lives on.
type Usage struct {
	Dir           string  `json:"dir"`
	Models        int     `json:"models"`
	Files         int     `json:"files"`
	Bytes         int64   `json:"bytes"`
	FSTotal       uint64  `json:"fs_total"`
	FSFree        uint64  `json:"fs_free"`
	FSUsedPercent float64 `json:"fs_used_percent"`
}

// Usage walks the cache and queries the filesystem. The cache directory is
// created if needed so the filesystem can be inspected.
func (c *Cache) Usage() (Usage, error) {
	entries, err := c.List()
	if err != nil {
		return Usage{}, err
	}
	u := Usage{Dir: c.Dir, Files: len(entries)}
	models := make(map[string]struct{})
	for _, e := range entries {
		u.Bytes += e.Size
		models[e.ID] = struct{}{}
	}
	u.Models = len(models)

	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		return u, err
	}
	st, err := disk.Usage(c.Dir)
	if err != nil {
		return u, fmt.Errorf("filesystem usage: %w", err)
	}
	u.FSTotal = st.Total
	u.FSFree = st.Free
	u.FSUsedPercent = st.UsedPercent
	return u, nil
}
