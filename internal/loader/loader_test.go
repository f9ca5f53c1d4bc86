package loader

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pano-desktop/internal/mediacache"
	"pano-desktop/internal/project"
)

func testJPEG(t *testing.T, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func TestNearestFallback(t *testing.T) {
	s := NewSet(6)
	s.Put(&Texture{StageIndex: 1})
	s.Put(&Texture{StageIndex: 4})

	tests := []struct {
		ask  int
		want int
	}{
		{1, 1},  // exact hit
		{4, 4},  // exact hit
		{3, 1},  // scan down wins over scan up
		{2, 1},  // scan down
		{0, 1},  // nothing below, scan up
		{5, 4},  // scan down from the top
		{-2, 1}, // out of range, any loaded stage via upward scan
	}
	for _, tt := range tests {
		tex, got := s.Nearest(tt.ask)
		require.NotNil(t, tex, "ask %d", tt.ask)
		assert.Equal(t, tt.want, got, "ask %d", tt.ask)
	}
}

func TestNearestEmpty(t *testing.T) {
	s := NewSet(3)
	tex, i := s.Nearest(1)
	assert.Nil(t, tex)
	assert.Equal(t, -1, i)
}

func TestNearestAnyBranch(t *testing.T) {
	s := NewSet(4)
	s.Put(&Texture{StageIndex: 2})

	// Index past the end: down-scan misses (stage 9..3 empty except 2 is
	// below count so down-scan from 9 finds it).
	tex, got := s.Nearest(9)
	require.NotNil(t, tex)
	assert.Equal(t, 2, got)
}

func TestLoadProjectFirstStageAwaited(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.jpg"), testJPEG(t, color.White), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.jpg"), testJPEG(t, color.Black), 0644))

	proj := &project.Project{
		ID: "p1",
		Stages: []project.Stage{
			{Label: "Before", URL: "a.jpg"},
			{Label: "After", URL: "b.jpg"},
		},
	}

	l := New(NewFetcher(nil, dir), 2, "")
	set := NewSet(len(proj.Stages))

	var mu sync.Mutex
	var events []Progress
	done := make(chan struct{})
	onProgress := func(p Progress) {
		mu.Lock()
		events = append(events, p)
		n := len(events)
		mu.Unlock()
		if n == len(proj.Stages) {
			close(done)
		}
	}

	require.NoError(t, l.LoadProject(context.Background(), proj, set, onProgress))

	// Stage 0 must be in the set before LoadProject returns.
	require.NotNil(t, set.At(0))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("background stages never finished")
	}

	require.NotNil(t, set.At(1))
	assert.Equal(t, 2, set.Len())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, events[0].StageIndex, "first progress event is stage 0")
	assert.Equal(t, len(proj.Stages), events[len(events)-1].Loaded)
}

func TestLoadProjectContinuesPastFirstStageFailure(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.jpg"), testJPEG(t, color.White), 0644))

	proj := &project.Project{
		ID: "p1",
		Stages: []project.Stage{
			{URL: "missing.jpg"},
			{URL: "b.jpg"},
		},
	}
	l := New(NewFetcher(nil, dir), 1, "")
	set := NewSet(2)

	done := make(chan Progress, 2)
	require.NoError(t, l.LoadProject(context.Background(), proj, set, func(p Progress) {
		done <- p
	}))

	first := <-done
	assert.Equal(t, 0, first.StageIndex)
	assert.NotEmpty(t, first.Err)

	select {
	case p := <-done:
		assert.Equal(t, 1, p.StageIndex)
		assert.Empty(t, p.Err)
	case <-time.After(5 * time.Second):
		t.Fatal("stage 1 never finished after stage 0 failed")
	}

	assert.Nil(t, set.At(0))
	tex, idx := set.Nearest(0)
	require.NotNil(t, tex, "nearest lookup covers the failed stage")
	assert.Equal(t, 1, idx)
}

func TestLoadProjectEmpty(t *testing.T) {
	l := New(NewFetcher(nil, t.TempDir()), 1, "")
	err := l.LoadProject(context.Background(), &project.Project{ID: "empty"}, NewSet(0), nil)
	assert.Error(t, err)
}

func TestLoadProjectBackgroundFailureReported(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.jpg"), testJPEG(t, color.White), 0644))

	proj := &project.Project{
		ID: "p1",
		Stages: []project.Stage{
			{URL: "a.jpg"},
			{URL: "gone.jpg"},
		},
	}
	l := New(NewFetcher(nil, dir), 1, "")
	set := NewSet(2)

	failed := make(chan Progress, 2)
	require.NoError(t, l.LoadProject(context.Background(), proj, set, func(p Progress) {
		if p.Err != "" {
			failed <- p
		}
	}))

	select {
	case p := <-failed:
		assert.Equal(t, 1, p.StageIndex)
	case <-time.After(5 * time.Second):
		t.Fatal("expected a failure progress event")
	}
	assert.Nil(t, set.At(1))
}

func TestFetcherRemoteCaches(t *testing.T) {
	var hits int
	payload := testJPEG(t, color.White)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Header().Set("Last-Modified", "Fri, 14 Mar 2025 09:26:53 GMT")
		w.Write(payload)
	}))
	defer srv.Close()

	cache, err := mediacache.New(t.TempDir(), 10)
	require.NoError(t, err)
	defer cache.Close()

	f := NewFetcher(cache, "")
	url := srv.URL + "/pano.jpg"

	data, lm, err := f.Fetch(context.Background(), url)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
	assert.Equal(t, 2025, lm.Year())

	data2, lm2, err := f.Fetch(context.Background(), url)
	require.NoError(t, err)
	assert.Equal(t, payload, data2)
	assert.True(t, lm2.Equal(lm))
	assert.Equal(t, 1, hits, "second fetch should hit the cache")

	path, ok := f.LocalPath(url)
	require.True(t, ok)
	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestFetcherRemoteStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	f := NewFetcher(nil, "")
	_, _, err := f.Fetch(context.Background(), srv.URL+"/nope.jpg")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestFetcherLocalModTime(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.jpg")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))

	f := NewFetcher(nil, dir)
	data, lm, err := f.Fetch(context.Background(), "a.jpg")
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), data)
	assert.False(t, lm.IsZero())

	got, ok := f.LocalPath("a.jpg")
	require.True(t, ok)
	assert.Equal(t, path, got)
}
