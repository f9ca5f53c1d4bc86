package viewer

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"pano-desktop/internal/exif"
)

// StageInfo is the capture metadata shown in the info panel.
type StageInfo struct {
	Taken   string    `json:"taken,omitempty"`
	GPSText string    `json:"gpsText,omitempty"`
	GPS     *exif.GPS `json:"gps,omitempty"`
}

// FetchFunc retrieves the raw bytes for a stage URL along with the upstream
// Last-Modified time.
type FetchFunc func(ctx context.Context, url string) ([]byte, time.Time, error)

// metadataCacheSize bounds the in-memory info cache. Projects rarely exceed
// a few dozen stages; the bound just keeps long browsing sessions honest.
const metadataCacheSize = 128

// MetadataCache lazily parses EXIF metadata per stage URL. Concurrent
// lookups for the same URL coalesce into one fetch, and results live in a
// bounded LRU for the life of the process.
type MetadataCache struct {
	fetch FetchFunc
	lru   *lru.Cache[string, StageInfo]

	mu       sync.Mutex
	inflight map[string]*infoCall
}

type infoCall struct {
	done chan struct{}
	info StageInfo
	err  error
}

// NewMetadataCache creates a cache around fetch.
func NewMetadataCache(fetch FetchFunc) (*MetadataCache, error) {
	cache, err := lru.New[string, StageInfo](metadataCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create metadata cache: %w", err)
	}
	return &MetadataCache{
		fetch:    fetch,
		lru:      cache,
		inflight: make(map[string]*infoCall),
	}, nil
}

// Lookup returns the metadata for url, fetching and parsing it on first
// access.
func (m *MetadataCache) Lookup(ctx context.Context, url string) (StageInfo, error) {
	if info, ok := m.lru.Get(url); ok {
		return info, nil
	}

	m.mu.Lock()
	if call, ok := m.inflight[url]; ok {
		m.mu.Unlock()
		select {
		case <-call.done:
			return call.info, call.err
		case <-ctx.Done():
			return StageInfo{}, ctx.Err()
		}
	}
	call := &infoCall{done: make(chan struct{})}
	m.inflight[url] = call
	m.mu.Unlock()

	call.info, call.err = m.lookupSlow(ctx, url)
	if call.err == nil {
		m.lru.Add(url, call.info)
	}

	m.mu.Lock()
	delete(m.inflight, url)
	m.mu.Unlock()
	close(call.done)

	return call.info, call.err
}

// Peek returns the cached metadata without triggering a fetch.
func (m *MetadataCache) Peek(url string) (StageInfo, bool) {
	return m.lru.Peek(url)
}

// Len returns how many URLs are cached.
func (m *MetadataCache) Len() int {
	return m.lru.Len()
}

func (m *MetadataCache) lookupSlow(ctx context.Context, url string) (StageInfo, error) {
	data, lastModified, err := m.fetch(ctx, url)
	if err != nil {
		return StageInfo{}, fmt.Errorf("failed to fetch stage bytes: %w", err)
	}

	md := exif.Parse(data)

	var info StageInfo
	if ts := md.BestTimestamp(); ts != "" {
		info.Taken = exif.FormatTimestamp(ts)
	} else if !lastModified.IsZero() {
		// No EXIF timestamp, fall back to the transport's idea of when the
		// file last changed.
		info.Taken = lastModified.Format("Jan 2, 2006 15:04")
	}
	if md.GPS != nil {
		gps := *md.GPS
		info.GPS = &gps
		info.GPSText = fmt.Sprintf("%.6f, %.6f", gps.Lat, gps.Lon)
	}

	return info, nil
}
