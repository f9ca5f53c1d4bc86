package mediacache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, maxMB int) *MediaCache {
	t.Helper()
	c, err := New(t.TempDir(), maxMB)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestSetGet(t *testing.T) {
	c := newTestCache(t, 10)

	lm := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	require.NoError(t, c.Set("http://example.com/pano.jpg", []byte("payload"), lm))

	data, ok := c.Get("http://example.com/pano.jpg")
	require.True(t, ok)
	assert.Equal(t, []byte("payload"), data)

	entry, ok := c.Lookup("http://example.com/pano.jpg")
	require.True(t, ok)
	assert.True(t, entry.LastModified.Equal(lm))

	_, ok = c.Get("http://example.com/other.jpg")
	assert.False(t, ok)
}

func TestBlobKeepsExtension(t *testing.T) {
	c := newTestCache(t, 10)

	require.NoError(t, c.Set("http://example.com/clip.mp4?v=3", []byte("vid"), time.Time{}))
	path, ok := c.Path("http://example.com/clip.mp4?v=3")
	require.True(t, ok)
	assert.Contains(t, path, ".mp4")

	require.NoError(t, c.Set("weird-key-no-ext", []byte("x"), time.Time{}))
	path, ok = c.Path("weird-key-no-ext")
	require.True(t, ok)
	assert.Contains(t, path, ".bin")
}

func TestOverwriteUpdatesSize(t *testing.T) {
	c := newTestCache(t, 10)

	require.NoError(t, c.Set("k", []byte("aaaa"), time.Time{}))
	require.NoError(t, c.Set("k", []byte("bb"), time.Time{}))

	entries, size, _ := c.Stats()
	assert.Equal(t, 1, entries)
	assert.Equal(t, int64(2), size)
}

func TestIndexSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	c, err := New(dir, 10)
	require.NoError(t, err)
	lm := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, c.Set("http://example.com/before.jpg", []byte("before"), lm))
	c.Close()

	c2, err := New(dir, 10)
	require.NoError(t, err)
	defer c2.Close()

	data, ok := c2.Get("http://example.com/before.jpg")
	require.True(t, ok)
	assert.Equal(t, []byte("before"), data)

	entry, ok := c2.Lookup("http://example.com/before.jpg")
	require.True(t, ok)
	assert.True(t, entry.LastModified.Equal(lm))
}

func TestEvictionDropsOldest(t *testing.T) {
	c := newTestCache(t, 10)
	// Shrink the budget so eviction triggers with small payloads.
	c.maxSize = 100

	payload := make([]byte, 30)
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 4; i++ {
		key := fmt.Sprintf("media-%d", i)
		require.NoError(t, c.Set(key, payload, time.Time{}))
		// Spread access times so the LRU order is deterministic.
		c.mu.Lock()
		c.index[key].AccessTime = base.Add(time.Duration(i) * time.Minute)
		c.mu.Unlock()
	}

	c.evict()

	_, ok := c.Get("media-0")
	assert.False(t, ok, "oldest entry should be evicted")
	_, ok = c.Get("media-3")
	assert.True(t, ok, "newest entry should survive")

	_, size, _ := c.Stats()
	assert.LessOrEqual(t, size, int64(90))
}

func TestClear(t *testing.T) {
	c := newTestCache(t, 10)
	require.NoError(t, c.Set("a", []byte("1"), time.Time{}))
	require.NoError(t, c.Set("b", []byte("2"), time.Time{}))

	require.NoError(t, c.Clear())
	entries, size, _ := c.Stats()
	assert.Equal(t, 0, entries)
	assert.Equal(t, int64(0), size)
	_, ok := c.Get("a")
	assert.False(t, ok)
}
