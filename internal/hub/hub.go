// Package hub fetches GGUF models from a Hugging Face style registry and
// keeps them in a local cache.
package hub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/sethvargo/go-retry"

	"github.com/samcharles93/llamarun/internal/logger"
	"github.com/samcharles93/llamarun/internal/version"
)

const DefaultBaseURL = "https://huggingface.co"

var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidModelID   = errors.New("invalid model id")
	ErrChecksumMismatch = errors.New("checksum mismatch")
)

// HTTPError is a non-2xx registry response.
type HTTPError struct {
	Status int
	URL    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("GET %s: HTTP %d %s", e.URL, e.Status, http.StatusText(e.Status))
}

func (e *HTTPError) Unwrap() error {
	if e.Status == http.StatusNotFound {
		return ErrNotFound
	}
	return nil
}

func (e *HTTPError) temporary() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests
}

// LFS describes a file stored through git LFS.
type LFS struct {
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
}

// Sibling is one file in a model repository.
type Sibling struct {
	RFilename string `json:"rfilename"`
	Size      int64  `json:"size,omitempty"`
	LFS       *LFS   `json:"lfs,omitempty"`
}

// Bytes returns the best known size of the file, or 0.
func (s Sibling) Bytes() int64 {
	if s.Size > 0 {
		return s.Size
	}
	if s.LFS != nil {
		return s.LFS.Size
	}
	return 0
}

// ModelInfo is the registry's description of a model repository.
type ModelInfo struct {
	ID       string    `json:"id"`
	Siblings []Sibling `json:"siblings"`
}

// File returns the sibling named name.
func (m ModelInfo) File(name string) (Sibling, bool) {
	for _, s := range m.Siblings {
		if s.RFilename == name {
			return s, true
		}
	}
	return Sibling{}, false
}

// Client talks to the registry.
type Client struct {
	BaseURL   string
	HTTP      *http.Client
	UserAgent string
	Log       logger.Logger
	// Retries bounds metadata retries; Backoff is the first delay.
	Retries uint64
	Backoff time.Duration
}

// NewClient returns a client for baseURL, or DefaultBaseURL when empty.
func NewClient(baseURL string, log logger.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if log == nil {
		log = logger.Default()
	}
	return &Client{
		BaseURL:   strings.TrimRight(baseURL, "/"),
		HTTP:      &http.Client{},
		UserAgent: version.UserAgent(),
		Log:       log,
		Retries:   3,
		Backoff:   200 * time.Millisecond,
	}
}

// ModelInfo fetches the file listing of a model. Network errors, 5xx and
// 429 responses are retried with exponential backoff.
func (c *Client) ModelInfo(ctx context.Context, id string) (ModelInfo, error) {
	if err := ValidateID(id); err != nil {
		return ModelInfo{}, err
	}
	u := c.BaseURL + "/api/models/" + escapeID(id)

	var info ModelInfo
	b := retry.WithMaxRetries(c.Retries, retry.NewExponential(c.Backoff))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		resp, err := c.get(ctx, u)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			c.Log.Debug("model info request failed, retrying", "model", id, "error", err)
			return retry.RetryableError(err)
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode/100 != 2 {
			_, _ = io.Copy(io.Discard, resp.Body)
			herr := &HTTPError{Status: resp.StatusCode, URL: u}
			if herr.temporary() {
				c.Log.Debug("model info request failed, retrying", "model", id, "status", resp.StatusCode)
				return retry.RetryableError(herr)
			}
			return herr
		}
		info = ModelInfo{}
		if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
			return fmt.Errorf("decode model info: %w", err)
		}
		return nil
	})
	if err != nil {
		return ModelInfo{}, fmt.Errorf("model info %s: %w", id, err)
	}
	return info, nil
}

// ListGGUF returns the .gguf files of a model.
func (c *Client) ListGGUF(ctx context.Context, id string) ([]Sibling, error) {
	info, err := c.ModelInfo(ctx, id)
	if err != nil {
		return nil, err
	}
	var out []Sibling
	for _, s := range info.Siblings {
		if strings.HasSuffix(strings.ToLower(s.RFilename), ".gguf") {
			out = append(out, s)
		}
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, u string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.UserAgent)
	if tok := os.Getenv("HF_TOKEN"); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	return c.HTTP.Do(req)
}

func (c *Client) resolveURL(id, file string) string {
	parts := strings.Split(file, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return c.BaseURL + "/" + escapeID(id) + "/resolve/main/" + strings.Join(parts, "/")
}

func escapeID(id string) string {
	org, name, _ := strings.Cut(id, "/")
	return url.PathEscape(org) + "/" + url.PathEscape(name)
}

// IsModelID reports whether s looks like "org/name" rather than a local
// path: exactly one slash, no leading slash or dot, no .gguf suffix, no
// backslash, and nothing on disk by that name.
func IsModelID(s string) bool {
	if strings.Count(s, "/") != 1 ||
		strings.HasPrefix(s, "/") ||
		strings.HasPrefix(s, ".") ||
		strings.HasSuffix(s, ".gguf") ||
		strings.Contains(s, `\`) {
		return false
	}
	if _, err := os.Stat(s); err == nil {
		return false
	}
	return true
}

// ValidateID checks that id has a non-empty org and name.
func ValidateID(id string) error {
	org, name, ok := strings.Cut(id, "/")
	if !ok || org == "" || name == "" || strings.Contains(name, "/") ||
		org == "." || org == ".." || name == "." || name == ".." {
		return fmt.Errorf("%w %q (expected org/name)", ErrInvalidModelID, id)
	}
	return nil
}
