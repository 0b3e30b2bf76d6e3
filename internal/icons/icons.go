// Package icons resolves website hosts to favicon images with an on-disk
// cache that memoizes both hits and confirmed misses.
package icons

import (
	"bytes"
	"context"
	"errors"
	"image"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
)

const maxIconBytes = 1 << 20 // 1 MiB

// Cache is a disk-backed favicon cache keyed by normalized host.
type Cache struct {
	dir        string
	httpClient *http.Client
	urlFor     func(host string) string
}

// New returns a Cache storing icons under dir.
func New(dir string, httpClient *http.Client) *Cache {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Cache{
		dir:        dir,
		httpClient: httpClient,
		urlFor: func(host string) string {
			return "https://" + host + "/favicon.ico"
		},
	}
}

// Image returns the icon for a website, fetching and caching on first use.
// A confirmed miss is memoized so repeat lookups short-circuit without a
// network round trip; those return (nil, nil).
func (c *Cache) Image(ctx context.Context, website string) ([]byte, error) {
	host := NormalizeHost(website)
	if host == "" {
		return nil, nil
	}
	if data, err := os.ReadFile(c.iconPath(host)); err == nil {
		return data, nil
	}
	if c.HasMissingIcon(website) {
		return nil, nil
	}
	return c.fetch(ctx, host)
}

// RefreshImage bypasses the cache, re-fetches, and overwrites the entry,
// clearing any prior miss marker.
func (c *Cache) RefreshImage(ctx context.Context, website string) ([]byte, error) {
	host := NormalizeHost(website)
	if host == "" {
		return nil, nil
	}
	_ = os.Remove(c.missPath(host))
	return c.fetch(ctx, host)
}

// HasMissingIcon reports whether a confirmed miss is memoized for the host.
// Cheap enough to call per row before issuing a fetch task.
func (c *Cache) HasMissingIcon(website string) bool {
	host := NormalizeHost(website)
	if host == "" {
		return false
	}
	_, err := os.Stat(c.missPath(host))
	return err == nil
}

func (c *Cache) fetch(ctx context.Context, host string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.urlFor(host), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, c.markMissing(host)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.markMissing(host)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxIconBytes))
	if err != nil || len(data) == 0 {
		return nil, c.markMissing(host)
	}
	if !usableImage(data, resp.Header.Get("Content-Type")) {
		return nil, c.markMissing(host)
	}

	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(c.iconPath(host), data, 0o644); err != nil {
		return nil, err
	}
	return data, nil
}

// usableImage rejects zero-dimension and corrupt payloads. Formats the
// standard decoders do not know (ico, svg) are accepted on the server's
// image content type alone.
func usableImage(data []byte, contentType string) bool {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err == nil {
		return cfg.Width > 0 && cfg.Height > 0
	}
	if errors.Is(err, image.ErrFormat) || strings.Contains(err.Error(), "unknown format") {
		mediaType := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
		return strings.HasPrefix(mediaType, "image/")
	}
	return false
}

func (c *Cache) markMissing(host string) error {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(c.missPath(host), nil, 0o644)
}

func (c *Cache) iconPath(host string) string {
	return filepath.Join(c.dir, host+".icon")
}

func (c *Cache) missPath(host string) string {
	return filepath.Join(c.dir, host+".missing")
}

// NormalizeHost extracts a lowercase host from a website string, with or
// without a scheme.
func NormalizeHost(website string) string {
	website = strings.TrimSpace(website)
	if website == "" {
		return ""
	}
	if !strings.Contains(website, "://") {
		website = "https://" + website
	}
	u, err := url.Parse(website)
	if err != nil || u.Host == "" {
		return ""
	}
	host := strings.ToLower(u.Host)
	if i := strings.Index(host, ":"); i >= 0 {
		host = host[:i]
	}
	if strings.ContainsAny(host, "/\\") {
		return ""
	}
	return host
}
