// Package hubtest serves an in-memory model registry over HTTP for tests.
package hubtest

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"

	"github.com/labstack/echo/v5"
)

type file struct {
	data   []byte
	sha256 string
}

// Registry mimics the model info and resolve endpoints of a Hugging Face
// style hub.
type Registry struct {
	*httptest.Server

	mu        sync.Mutex
	models    map[string]map[string]file
	failInfo  int
	infoCalls int
	downloads int
	userAgent string
}

// New starts a registry that is shut down when the test ends.
func New(tb testing.TB) *Registry {
	tb.Helper()
	r := &Registry{models: make(map[string]map[string]file)}

	e := echo.New()
	e.GET("/api/models/:org/:name", r.handleInfo)
	e.GET("/:org/:name/resolve/main/*", r.handleResolve)

	r.Server = httptest.NewServer(e)
	tb.Cleanup(r.Server.Close)
	return r
}

// Add publishes data as file of model id with its SHA-256.
func (r *Registry) Add(id, name string, data []byte) {
	sum := sha256.Sum256(data)
	r.AddWithHash(id, name, data, hex.EncodeToString(sum[:]))
}

// AddWithHash publishes data under an explicit hash; "" publishes none.
func (r *Registry) AddWithHash(id, name string, data []byte, hash string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.models[id] == nil {
		r.models[id] = make(map[string]file)
	}
	r.models[id][name] = file{data: data, sha256: hash}
}

// FailInfo makes the next n model info requests answer 503.
func (r *Registry) FailInfo(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failInfo = n
}

func (r *Registry) InfoCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.infoCalls
}

func (r *Registry) Downloads() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.downloads
}

// UserAgent returns the User-Agent of the latest request.
func (r *Registry) UserAgent() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.userAgent
}

type lfs struct {
	SHA256 string `json:"sha256"`
	Size   int    `json:"size"`
}

type sibling struct {
	RFilename string `json:"rfilename"`
	Size      int    `json:"size"`
	LFS       *lfs   `json:"lfs,omitempty"`
}

func (r *Registry) handleInfo(c *echo.Context) error {
	id := c.Param("org") + "/" + c.Param("name")

	r.mu.Lock()
	defer r.mu.Unlock()
	r.infoCalls++
	r.userAgent = c.Request().Header.Get("User-Agent")
	if r.failInfo > 0 {
		r.failInfo--
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "try again"})
	}
	files, ok := r.models[id]
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Repository not found"})
	}

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	siblings := make([]sibling, 0, len(names))
	for _, name := range names {
		f := files[name]
		s := sibling{RFilename: name, Size: len(f.data)}
		if f.sha256 != "" {
			s.LFS = &lfs{SHA256: f.sha256, Size: len(f.data)}
		}
		siblings = append(siblings, s)
	}
	return c.JSON(http.StatusOK, map[string]any{"id": id, "siblings": siblings})
}

func (r *Registry) handleResolve(c *echo.Context) error {
	id := c.Param("org") + "/" + c.Param("name")
	name := c.Param("*")

	r.mu.Lock()
	r.userAgent = c.Request().Header.Get("User-Agent")
	f, ok := r.models[id][name]
	if ok {
		r.downloads++
	}
	r.mu.Unlock()

	if !ok {
		return c.String(http.StatusNotFound, "Entry not found")
	}
	return c.Blob(http.StatusOK, "application/octet-stream", f.data)
}
