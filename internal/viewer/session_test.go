package viewer

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pano-desktop/internal/adjust"
	"pano-desktop/internal/loader"
	"pano-desktop/internal/project"
	"pano-desktop/internal/store"
)

type recordingEmitter struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingEmitter) Emit(event string, data ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingEmitter) count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == event {
			n++
		}
	}
	return n
}

func writeStage(t *testing.T, dir, name string, c color.Color) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), buf.Bytes(), 0644))
}

func newTestManager(t *testing.T, mediaDir string) (*Manager, *recordingEmitter) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "settings.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	fetcher := loader.NewFetcher(nil, mediaDir)
	ld := loader.New(fetcher, 2, "")
	em := &recordingEmitter{}
	return NewManager(st, ld, fetcher.Fetch, em), em
}

func testProject(stages ...string) *project.Project {
	p := &project.Project{ID: "proj-1", Title: "Kitchen"}
	for _, url := range stages {
		p.Stages = append(p.Stages, project.Stage{Label: url, URL: url})
	}
	return p
}

func waitForLoaded(t *testing.T, s *Session, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		loaded, _ := s.LoadedStages()
		if loaded >= want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("only %d stages loaded", loaded)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestOpenLifecycle(t *testing.T) {
	dir := t.TempDir()
	writeStage(t, dir, "a.jpg", color.White)
	writeStage(t, dir, "b.jpg", color.Black)

	m, em := newTestManager(t, dir)
	s, err := m.Open(testProject("a.jpg", "b.jpg"))
	require.NoError(t, err)

	assert.Equal(t, StateReady, s.State())
	assert.Same(t, s, m.Current())
	assert.GreaterOrEqual(t, em.count(EventState), 2, "opening and ready")
	assert.GreaterOrEqual(t, em.count(EventLoadProgress), 1)

	m.Close()
	assert.Equal(t, StateClosed, s.State())
	assert.Nil(t, m.Current())
}

func TestOpenRejectsEmptyProject(t *testing.T) {
	m, _ := newTestManager(t, t.TempDir())

	_, err := m.Open(&project.Project{ID: "empty"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no stages")

	_, err = m.Open(nil)
	assert.Error(t, err)
}

func TestOpenWithoutSettingsStore(t *testing.T) {
	dir := t.TempDir()
	writeStage(t, dir, "a.jpg", color.White)

	fetcher := loader.NewFetcher(nil, dir)
	m := NewManager(nil, loader.New(fetcher, 2, ""), fetcher.Fetch, &recordingEmitter{})

	s, err := m.Open(testProject("a.jpg"))
	require.NoError(t, err)
	assert.Equal(t, StateReady, s.State())

	s.SetExposure(1.4)
	assert.Equal(t, 1.4, s.Uniforms().Exposure, "settings still apply in memory")
}

func TestOpenSurvivesFirstStageFailure(t *testing.T) {
	dir := t.TempDir()
	writeStage(t, dir, "b.jpg", color.White)

	m, _ := newTestManager(t, dir)
	s, err := m.Open(testProject("missing.jpg", "b.jpg"))
	require.NoError(t, err)
	assert.Equal(t, StateReady, s.State())

	waitForLoaded(t, s, 1)
	s.Controller().SetStagePos(0)

	img, err := s.Compose()
	require.NoError(t, err, "the surviving stage stands in for the failed one")
	assert.NotNil(t, img)
}

func TestStalePersistDroppedAfterReopen(t *testing.T) {
	dir := t.TempDir()
	writeStage(t, dir, "a.jpg", color.White)
	writeStage(t, dir, "b.jpg", color.Black)

	m, _ := newTestManager(t, dir)
	first, err := m.Open(testProject("a.jpg", "b.jpg"))
	require.NoError(t, err)
	waitForLoaded(t, first, 2)

	second, err := m.Open(testProject("a.jpg", "b.jpg"))
	require.NoError(t, err)
	waitForLoaded(t, second, 2)
	second.Controller().Jump(0)

	// A write arriving from the superseded session must not clobber the
	// live one's persisted position.
	first.PersistStagePos(1)

	loaded := m.store.Load("proj-1")
	assert.Equal(t, 0.0, loaded.StagePos)
}

func TestStagePosRestoredOnReopen(t *testing.T) {
	dir := t.TempDir()
	writeStage(t, dir, "a.jpg", color.White)
	writeStage(t, dir, "b.jpg", color.Gray{Y: 128})
	writeStage(t, dir, "c.jpg", color.Black)

	m, _ := newTestManager(t, dir)
	s, err := m.Open(testProject("a.jpg", "b.jpg", "c.jpg"))
	require.NoError(t, err)
	waitForLoaded(t, s, 3)

	s.Controller().Jump(2)
	m.Close()

	s2, err := m.Open(testProject("a.jpg", "b.jpg", "c.jpg"))
	require.NoError(t, err)
	assert.Equal(t, 2.0, s2.Controller().Pos())
	assert.Equal(t, 2, s2.Controller().Committed())
}

func TestAdjustmentsPersistPerStageAndMerge(t *testing.T) {
	dir := t.TempDir()
	writeStage(t, dir, "a.jpg", color.White)
	writeStage(t, dir, "b.jpg", color.Black)

	m, _ := newTestManager(t, dir)
	s, err := m.Open(testProject("a.jpg", "b.jpg"))
	require.NoError(t, err)
	waitForLoaded(t, s, 2)

	s.Controller().Jump(0)
	s.SetExposure(1.6)
	s.SetGamma(1.25)
	s.Controller().Jump(1)
	s.SetExposure(0.8)

	saved := m.store.Load("proj-1")
	assert.Equal(t, 1.6, saved.ExposureByStage[0])
	assert.Equal(t, 1.25, saved.GammaByStage[0])
	assert.Equal(t, 0.8, saved.ExposureByStage[1])
}

func TestSetExposureClampsToSliderRange(t *testing.T) {
	dir := t.TempDir()
	writeStage(t, dir, "a.jpg", color.White)

	m, _ := newTestManager(t, dir)
	s, err := m.Open(testProject("a.jpg"))
	require.NoError(t, err)

	s.SetExposure(9)
	assert.Equal(t, 2.0, s.Uniforms().Exposure)
	s.SetExposure(0.1)
	assert.Equal(t, 0.5, s.Uniforms().Exposure)
}

func TestResetAdjust(t *testing.T) {
	dir := t.TempDir()
	writeStage(t, dir, "a.jpg", color.White)

	m, _ := newTestManager(t, dir)
	s, err := m.Open(testProject("a.jpg"))
	require.NoError(t, err)

	s.SetExposure(1.9)
	s.ResetAdjust()
	u := s.Uniforms()
	assert.Equal(t, 1.0, u.Exposure)
	assert.Equal(t, 1.1, u.Gamma)
}

func TestAutoAdjustDarkStageRaisesExposure(t *testing.T) {
	dir := t.TempDir()
	writeStage(t, dir, "dark.jpg", color.RGBA{10, 10, 10, 255})

	m, _ := newTestManager(t, dir)
	s, err := m.Open(testProject("dark.jpg"))
	require.NoError(t, err)
	waitForLoaded(t, s, 1)

	suggestion, err := s.AutoAdjust()
	require.NoError(t, err)
	assert.Equal(t, 2.0, suggestion.Exposure, "very dark image clamps to max")

	saved := m.store.Load("proj-1")
	assert.Equal(t, 2.0, saved.ExposureByStage[0])
}

func TestEntryAutoEstimateKeptOnRevisit(t *testing.T) {
	dir := t.TempDir()
	writeStage(t, dir, "a.jpg", color.White)
	writeStage(t, dir, "dark.jpg", color.RGBA{10, 10, 10, 255})

	m, _ := newTestManager(t, dir)
	s, err := m.Open(testProject("a.jpg", "dark.jpg"))
	require.NoError(t, err)
	waitForLoaded(t, s, 2)

	s.Controller().Jump(1)
	saved := m.store.Load("proj-1")
	assert.Equal(t, 2.0, saved.ExposureByStage[1], "entry estimate is stored")
	assert.Equal(t, adjust.AutoGamma, saved.GammaByStage[1])

	s.Controller().Jump(0)
	s.Controller().Jump(1)
	u := s.Uniforms()
	assert.Equal(t, 2.0, u.Exposure, "revisit restores the estimate")
	assert.Equal(t, adjust.AutoGamma, u.Gamma)
}

func TestOrientationPersistsAndRecenters(t *testing.T) {
	dir := t.TempDir()
	writeStage(t, dir, "a.jpg", color.White)
	writeStage(t, dir, "b.jpg", color.Black)

	m, _ := newTestManager(t, dir)
	s, err := m.Open(testProject("a.jpg", "b.jpg"))
	require.NoError(t, err)
	waitForLoaded(t, s, 2)

	s.Rotate(30, 10)
	o := s.Orientation()
	assert.Equal(t, 30.0, o[0])
	assert.Equal(t, 10.0, o[1])

	// Recenter goes back to the baseline from stage entry, not to the
	// rotated direction.
	got := s.Recenter()
	assert.Equal(t, 0.0, got[0])
	assert.Equal(t, 0.0, got[1])

	saved := m.store.Load("proj-1")
	require.Contains(t, saved.Orients, 0)
	assert.Equal(t, store.Orientation{30, 10}, saved.Orients[0])
}

func TestRotateMidScrubSavesForOnScreenStage(t *testing.T) {
	dir := t.TempDir()
	writeStage(t, dir, "a.jpg", color.White)
	writeStage(t, dir, "b.jpg", color.Black)
	writeStage(t, dir, "c.jpg", color.White)

	m, _ := newTestManager(t, dir)
	s, err := m.Open(testProject("a.jpg", "b.jpg", "c.jpg"))
	require.NoError(t, err)
	waitForLoaded(t, s, 3)

	// Drag the slider past stage 1 without committing, then look around.
	s.Controller().SetStagePos(1.4)
	s.Rotate(15, 5)

	saved := m.store.Load("proj-1")
	require.Contains(t, saved.Orients, 1, "orientation belongs to the visible stage")
	assert.NotContains(t, saved.Orients, 0)
	assert.Equal(t, store.Orientation{15, 5}, saved.Orients[1])
}

func TestEnsureBaselineRestoresSavedOrientation(t *testing.T) {
	dir := t.TempDir()
	writeStage(t, dir, "a.jpg", color.White)
	writeStage(t, dir, "b.jpg", color.Black)

	m, _ := newTestManager(t, dir)
	s, err := m.Open(testProject("a.jpg", "b.jpg"))
	require.NoError(t, err)
	waitForLoaded(t, s, 2)

	s.Controller().Jump(1)
	s.Rotate(45, 5)
	m.Close()

	s2, err := m.Open(testProject("a.jpg", "b.jpg"))
	require.NoError(t, err)
	waitForLoaded(t, s2, 2)
	s2.Controller().Jump(1)

	o := s2.Orientation()
	assert.Equal(t, 45.0, o[0])
	assert.Equal(t, 5.0, o[1])
}

func TestComposeBlendsCurrentState(t *testing.T) {
	dir := t.TempDir()
	writeStage(t, dir, "a.jpg", color.White)
	writeStage(t, dir, "b.jpg", color.Black)

	m, _ := newTestManager(t, dir)
	s, err := m.Open(testProject("a.jpg", "b.jpg"))
	require.NoError(t, err)
	waitForLoaded(t, s, 2)

	s.Controller().SetStagePos(0.5)
	frame, err := s.Compose()
	require.NoError(t, err)
	assert.Equal(t, 8, frame.Bounds().Dx())

	frame2, err := s.ComposeAt(1)
	require.NoError(t, err)
	r, _, _, _ := frame2.At(0, 0).RGBA()
	assert.Less(t, int(r>>8), 40, "position 1 is the dark stage")
}

func TestInfoFallsBackToFileTime(t *testing.T) {
	dir := t.TempDir()
	writeStage(t, dir, "a.jpg", color.White)

	m, _ := newTestManager(t, dir)
	s, err := m.Open(testProject("a.jpg"))
	require.NoError(t, err)

	info, err := s.Info(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, info.Taken, "no EXIF in the test JPEG, mtime fallback applies")
	assert.Nil(t, info.GPS)
}
