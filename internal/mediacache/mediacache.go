// Package mediacache provides a size-bounded disk cache for panorama media.
// Full equirectangular photos and walkthrough clips are large, so entries
// live on disk under hashed names with an in-memory index, and a background
// worker evicts least recently used entries when the cache grows past its
// budget.
package mediacache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Entry describes one cached media file.
type Entry struct {
	Key          string
	FilePath     string
	Size         int64
	LastModified time.Time // upstream Last-Modified, zero if unknown
	AccessTime   time.Time
	CreateTime   time.Time
}

// entryMeta is the sidecar persisted next to each blob so the index can be
// rebuilt without losing the original key or upstream timestamp.
type entryMeta struct {
	Key          string    `json:"key"`
	LastModified time.Time `json:"last_modified,omitempty"`
	CreateTime   time.Time `json:"create_time"`
}

// MediaCache is an LRU disk cache for stage media.
type MediaCache struct {
	baseDir   string
	maxSize   int64
	currSize  int64 // atomic
	mu        sync.RWMutex
	index     map[string]*Entry
	evictChan chan struct{}
	done      chan struct{}
}

// New opens (or creates) a media cache rooted at baseDir with the given
// size budget in megabytes.
func New(baseDir string, maxSizeMB int) (*MediaCache, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create media cache directory: %w", err)
	}

	c := &MediaCache{
		baseDir:   baseDir,
		maxSize:   int64(maxSizeMB) * 1024 * 1024,
		index:     make(map[string]*Entry),
		evictChan: make(chan struct{}, 1),
		done:      make(chan struct{}),
	}

	if err := c.loadIndex(); err != nil {
		return nil, fmt.Errorf("failed to load media cache index: %w", err)
	}

	go c.evictionWorker()

	return c, nil
}

// Get returns the cached bytes for key, if present.
func (c *MediaCache) Get(key string) ([]byte, bool) {
	c.mu.RLock()
	entry, exists := c.index[key]
	c.mu.RUnlock()

	if !exists {
		return nil, false
	}

	data, err := os.ReadFile(entry.FilePath)
	if err != nil {
		// Blob vanished underneath us, drop the index entry.
		c.mu.Lock()
		delete(c.index, key)
		c.mu.Unlock()
		atomic.AddInt64(&c.currSize, -entry.Size)
		return nil, false
	}

	c.mu.Lock()
	entry.AccessTime = time.Now()
	c.mu.Unlock()

	return data, true
}

// Lookup returns the index entry for key without touching the blob. Used
// for Last-Modified checks before deciding whether a refetch is needed.
func (c *MediaCache) Lookup(key string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, exists := c.index[key]
	if !exists {
		return Entry{}, false
	}
	return *entry, true
}

// Path returns the on-disk path of the cached blob for key, suitable for
// serving directly off disk.
func (c *MediaCache) Path(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, exists := c.index[key]
	if !exists {
		return "", false
	}
	return entry.FilePath, true
}

// Set stores media bytes under key. lastModified carries the upstream
// timestamp and may be zero. The blob keeps the extension of key so the
// file server can infer a content type.
func (c *MediaCache) Set(key string, data []byte, lastModified time.Time) error {
	size := int64(len(data))

	hash := sha256.Sum256([]byte(key))
	hashStr := hex.EncodeToString(hash[:])
	filePath := filepath.Join(c.baseDir, hashStr[:2], hashStr+blobExt(key))

	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return fmt.Errorf("failed to create cache subdirectory: %w", err)
	}
	if err := os.WriteFile(filePath, data, 0644); err != nil {
		return fmt.Errorf("failed to write cache file: %w", err)
	}

	now := time.Now()
	meta := entryMeta{Key: key, LastModified: lastModified, CreateTime: now}
	metaBytes, err := json.Marshal(meta)
	if err == nil {
		// Best effort, the cache still works with a lossy index.
		_ = os.WriteFile(metaPath(filePath), metaBytes, 0644)
	}

	entry := &Entry{
		Key:          key,
		FilePath:     filePath,
		Size:         size,
		LastModified: lastModified,
		AccessTime:   now,
		CreateTime:   now,
	}

	c.mu.Lock()
	if old, exists := c.index[key]; exists {
		atomic.AddInt64(&c.currSize, -old.Size)
		if old.FilePath != filePath {
			os.Remove(old.FilePath)
			os.Remove(metaPath(old.FilePath))
		}
	}
	c.index[key] = entry
	c.mu.Unlock()

	atomic.AddInt64(&c.currSize, size)

	if atomic.LoadInt64(&c.currSize) > c.maxSize {
		select {
		case c.evictChan <- struct{}{}:
		default: // already signaled
		}
	}

	return nil
}

// Stats returns the entry count, current size and size budget in bytes.
func (c *MediaCache) Stats() (entries int, sizeBytes int64, maxBytes int64) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.index), atomic.LoadInt64(&c.currSize), c.maxSize
}

// Clear removes every cached blob.
func (c *MediaCache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, entry := range c.index {
		os.Remove(entry.FilePath)
		os.Remove(metaPath(entry.FilePath))
	}
	c.index = make(map[string]*Entry)
	atomic.StoreInt64(&c.currSize, 0)

	return nil
}

// Close stops the eviction worker. Cached files stay on disk.
func (c *MediaCache) Close() {
	close(c.done)
}

func (c *MediaCache) evictionWorker() {
	for {
		select {
		case <-c.evictChan:
			c.evict()
		case <-c.done:
			return
		}
	}
}

// evict removes least recently used entries until the cache is back under
// 90% of its budget, so a single oversized write does not thrash.
func (c *MediaCache) evict() {
	c.mu.Lock()
	defer c.mu.Unlock()

	currSize := atomic.LoadInt64(&c.currSize)
	if currSize <= c.maxSize {
		return
	}

	targetSize := c.maxSize * 9 / 10

	keys := make([]string, 0, len(c.index))
	for key := range c.index {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return c.index[keys[i]].AccessTime.Before(c.index[keys[j]].AccessTime)
	})

	for _, key := range keys {
		if currSize <= targetSize {
			break
		}
		entry := c.index[key]
		os.Remove(entry.FilePath)
		os.Remove(metaPath(entry.FilePath))
		delete(c.index, key)
		atomic.AddInt64(&c.currSize, -entry.Size)
		currSize -= entry.Size
	}
}

// loadIndex rebuilds the in-memory index from the cache directory. Sidecar
// metadata restores the original key and upstream timestamp; blobs without
// a readable sidecar are indexed under their hash name.
func (c *MediaCache) loadIndex() error {
	return filepath.Walk(c.baseDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // skip unreadable entries
		}
		if info.IsDir() || strings.HasSuffix(path, metaSuffix) {
			return nil
		}

		entry := &Entry{
			FilePath:   path,
			Size:       info.Size(),
			AccessTime: info.ModTime(),
			CreateTime: info.ModTime(),
		}

		if metaBytes, err := os.ReadFile(metaPath(path)); err == nil {
			var meta entryMeta
			if json.Unmarshal(metaBytes, &meta) == nil && meta.Key != "" {
				entry.Key = meta.Key
				entry.LastModified = meta.LastModified
				if !meta.CreateTime.IsZero() {
					entry.CreateTime = meta.CreateTime
				}
			}
		}
		if entry.Key == "" {
			base := filepath.Base(path)
			entry.Key = strings.TrimSuffix(base, filepath.Ext(base))
		}

		c.index[entry.Key] = entry
		atomic.AddInt64(&c.currSize, info.Size())

		return nil
	})
}

const metaSuffix = ".meta.json"

func metaPath(blobPath string) string {
	return blobPath + metaSuffix
}

// blobExt picks a file extension for the cached blob from the key, which is
// usually a URL. Unknown or missing extensions fall back to .bin.
func blobExt(key string) string {
	path := key
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	ext := strings.ToLower(filepath.Ext(path))
	if ext == "" || len(ext) > 6 {
		return ".bin"
	}
	return ext
}
