package manifest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"
)

// Source fetches the current manifest document.
type Source interface {
	Fetch(ctx context.Context) (*Manifest, error)
}

// FileSource reads the manifest from a local file.
type FileSource struct {
	Path string
}

func (s FileSource) Fetch(ctx context.Context) (*Manifest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("manifest: read %s: %w", s.Path, err)
	}
	return Parse(data)
}

// HTTPSource fetches the manifest over HTTP. Every request carries a
// "_" query parameter with the current time so intermediate caches never
// serve a stale catalog.
type HTTPSource struct {
	URL    string
	Client *http.Client
	Now    func() time.Time
}

// NewHTTPSource returns an HTTPSource with a bounded client.
func NewHTTPSource(rawURL string) *HTTPSource {
	return &HTTPSource{
		URL:    rawURL,
		Client: &http.Client{Timeout: 15 * time.Second},
		Now:    time.Now,
	}
}

func (s *HTTPSource) Fetch(ctx context.Context) (*Manifest, error) {
	u, err := url.Parse(s.URL)
	if err != nil {
		return nil, fmt.Errorf("manifest: invalid url %q: %w", s.URL, err)
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	q := u.Query()
	q.Set("_", strconv.FormatInt(now().UnixMilli(), 10))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("manifest: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("manifest: http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("manifest: http %d: %s", resp.StatusCode, string(body))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("manifest: read body: %w", err)
	}
	return Parse(data)
}
