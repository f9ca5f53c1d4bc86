package mediaserver

import (
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pano-desktop/internal/mediacache"
)

func startServer(t *testing.T, cache *mediacache.MediaCache, mediaDir string) *Server {
	t.Helper()
	s := New(cache, mediaDir)
	require.NoError(t, s.Start())
	t.Cleanup(func() { s.Close() })
	return s
}

func get(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func TestServesLocalFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pano.jpg"), []byte("image-bytes"), 0644))

	s := startServer(t, nil, dir)

	resp, body := get(t, s.MediaURL("pano.jpg"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []byte("image-bytes"), body)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestRejectsPathEscape(t *testing.T) {
	dir := t.TempDir()
	s := startServer(t, nil, dir)

	resp, _ := get(t, s.URL()+"/local/../../etc/passwd")
	assert.NotEqual(t, http.StatusOK, resp.StatusCode)
}

func TestServesCachedRemoteMedia(t *testing.T) {
	cache, err := mediacache.New(t.TempDir(), 10)
	require.NoError(t, err)
	defer cache.Close()

	lm := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	key := "http://example.com/clip.mp4"
	require.NoError(t, cache.Set(key, []byte("video-bytes"), lm))

	s := startServer(t, cache, "")

	resp, body := get(t, s.MediaURL(key))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []byte("video-bytes"), body)
	assert.Equal(t, "Fri, 14 Mar 2025 09:26:53 GMT", resp.Header.Get("Last-Modified"))
}

func TestCachedMissIs404(t *testing.T) {
	cache, err := mediacache.New(t.TempDir(), 10)
	require.NoError(t, err)
	defer cache.Close()

	s := startServer(t, cache, "")
	resp, _ := get(t, s.MediaURL("http://example.com/missing.jpg"))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRangeRequestsSupported(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "clip.mp4"), []byte("0123456789"), 0644))

	s := startServer(t, nil, dir)

	req, err := http.NewRequest(http.MethodGet, s.MediaURL("clip.mp4"), nil)
	require.NoError(t, err)
	req.Header.Set("Range", "bytes=2-5")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, []byte("2345"), body)
}

func TestOptionsPreflight(t *testing.T) {
	s := startServer(t, nil, t.TempDir())

	req, err := http.NewRequest(http.MethodOptions, s.URL()+"/local/pano.jpg", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "GET, OPTIONS", resp.Header.Get("Access-Control-Allow-Methods"))
}
