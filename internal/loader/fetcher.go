package loader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pano-desktop/internal/mediacache"
)

// Fetcher resolves stage URLs to bytes. Remote media goes through the disk
// cache so reopening a project does not redownload gigapixel panoramas;
// local files are read straight off disk with their mtime as Last-Modified.
type Fetcher struct {
	cache   *mediacache.MediaCache
	client  *http.Client
	baseDir string
}

// NewFetcher creates a fetcher. baseDir anchors relative stage URLs; cache
// may be nil, in which case remote media is fetched every time.
func NewFetcher(cache *mediacache.MediaCache, baseDir string) *Fetcher {
	return &Fetcher{
		cache:   cache,
		client:  &http.Client{Timeout: 60 * time.Second},
		baseDir: baseDir,
	}
}

// Fetch returns the media bytes for url and the upstream Last-Modified
// time (zero when unknown).
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, time.Time, error) {
	if isRemote(url) {
		return f.fetchRemote(ctx, url)
	}
	return f.fetchLocal(url)
}

// LocalPath returns an on-disk path for url if one exists without a
// network round trip: the file itself for local URLs, the cached blob for
// remote ones.
func (f *Fetcher) LocalPath(url string) (string, bool) {
	if isRemote(url) {
		if f.cache == nil {
			return "", false
		}
		return f.cache.Path(url)
	}
	path := f.resolveLocal(url)
	if _, err := os.Stat(path); err != nil {
		return "", false
	}
	return path, true
}

func (f *Fetcher) fetchRemote(ctx context.Context, url string) ([]byte, time.Time, error) {
	if f.cache != nil {
		if data, ok := f.cache.Get(url); ok {
			entry, _ := f.cache.Lookup(url)
			return data, entry.LastModified, nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, time.Time{}, fmt.Errorf("unexpected status %d fetching %s", resp.StatusCode, url)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to read response body: %w", err)
	}

	var lastModified time.Time
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			lastModified = t
		}
	}

	if f.cache != nil {
		if err := f.cache.Set(url, data, lastModified); err != nil {
			// Cache writes are best effort, the fetch itself succeeded.
			fmt.Fprintf(os.Stderr, "media cache write failed for %s: %v\n", url, err)
		}
	}

	return data, lastModified, nil
}

func (f *Fetcher) fetchLocal(url string) ([]byte, time.Time, error) {
	path := f.resolveLocal(url)

	info, err := os.Stat(path)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("stage media not found: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to read stage media: %w", err)
	}
	return data, info.ModTime(), nil
}

func (f *Fetcher) resolveLocal(url string) string {
	path := strings.TrimPrefix(url, "file://")
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(f.baseDir, filepath.FromSlash(path))
}

func isRemote(url string) bool {
	return strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://")
}
