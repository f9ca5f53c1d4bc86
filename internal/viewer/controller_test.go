package viewer

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pano-desktop/internal/adjust"
	"pano-desktop/internal/loader"
)

type fakeOutput struct {
	blends      []BlendState
	adjustments []string
	videoSyncs  []string
	baselines   []int
	persisted   []float64
}

func (f *fakeOutput) ApplyBlend(s BlendState) { f.blends = append(f.blends, s) }
func (f *fakeOutput) ApplyAdjustment(stage int, e, g float64) {
	f.adjustments = append(f.adjustments, fmt.Sprintf("%d:%.2f/%.2f", stage, e, g))
}
func (f *fakeOutput) SyncVideo(current, next int, audio bool) {
	f.videoSyncs = append(f.videoSyncs, fmt.Sprintf("%d,%d,%v", current, next, audio))
}
func (f *fakeOutput) EnsureBaseline(stage int)  { f.baselines = append(f.baselines, stage) }
func (f *fakeOutput) PersistStagePos(p float64) { f.persisted = append(f.persisted, p) }

func (f *fakeOutput) lastBlend(t *testing.T) BlendState {
	t.Helper()
	require.NotEmpty(t, f.blends)
	return f.blends[len(f.blends)-1]
}

type fakeAdjust struct {
	saved       map[int][2]float64
	suggestion  adjust.Suggestion
	analyzeErr  error
	analyzeHits []int
}

func (f *fakeAdjust) Saved(stage int) (float64, float64, bool) {
	v, ok := f.saved[stage]
	return v[0], v[1], ok
}
func (f *fakeAdjust) Analyze(stage int) (adjust.Suggestion, error) {
	f.analyzeHits = append(f.analyzeHits, stage)
	return f.suggestion, f.analyzeErr
}
func (f *fakeAdjust) RememberAuto(stage int, s adjust.Suggestion) {
	f.saved[stage] = [2]float64{s.Exposure, s.Gamma}
}

func loadedSet(count int, indices ...int) *loader.Set {
	s := loader.NewSet(count)
	for _, i := range indices {
		s.Put(&loader.Texture{StageIndex: i, URL: fmt.Sprintf("stage-%d.jpg", i)})
	}
	return s
}

func newTestController(count int, set *loader.Set) (*Controller, *fakeOutput, *fakeAdjust) {
	out := &fakeOutput{}
	adj := &fakeAdjust{saved: map[int][2]float64{}}
	return NewController(count, set, adj, out), out, adj
}

func TestSetStagePosClamps(t *testing.T) {
	c, _, _ := newTestController(3, loadedSet(3, 0, 1, 2))

	tests := []struct {
		in   float64
		want float64
	}{
		{-5, 0},
		{0, 0},
		{1.25, 1.25},
		{2, 2},
		{99, 2},
	}
	for _, tt := range tests {
		c.SetStagePos(tt.in)
		assert.Equal(t, tt.want, c.Pos(), "input %v", tt.in)
	}
}

func TestBlendStateMidScrub(t *testing.T) {
	set := loadedSet(3, 0, 1, 2)
	c, out, _ := newTestController(3, set)

	c.SetStagePos(1.5)

	s := out.lastBlend(t)
	assert.Equal(t, 1, s.Index)
	assert.InDelta(t, 0.5, s.Frac, 1e-9)
	require.NotNil(t, s.A)
	require.NotNil(t, s.B)
	assert.Equal(t, "stage-1.jpg", s.A.URL)
	assert.Equal(t, "stage-2.jpg", s.B.URL)
}

func TestBlendAtLastStageReusesLast(t *testing.T) {
	c, out, _ := newTestController(3, loadedSet(3, 0, 1, 2))

	c.SetStagePos(2)

	s := out.lastBlend(t)
	assert.Equal(t, 2, s.Index)
	assert.Equal(t, 0.0, s.Frac)
	assert.Equal(t, s.A.URL, s.B.URL)
}

func TestBlendFallsBackWhileLoading(t *testing.T) {
	// Only stage 0 has loaded so far.
	c, out, _ := newTestController(4, loadedSet(4, 0))

	c.SetStagePos(2.5)

	s := out.lastBlend(t)
	require.NotNil(t, s.A, "fallback must cover unloaded stages")
	require.NotNil(t, s.B)
	assert.Equal(t, 0, s.A.StageIndex)
	assert.Equal(t, 0, s.B.StageIndex)
}

func TestNudgeStepsFromCommittedIndex(t *testing.T) {
	c, _, _ := newTestController(5, loadedSet(5, 0, 1, 2, 3, 4))

	c.Jump(2)
	// A live scrub must not move the committed index.
	c.SetStagePos(2.7)

	got := c.Nudge(+1)
	assert.Equal(t, 3, got)
	assert.Equal(t, 3.0, c.Pos())

	// Clamped at the top.
	c.Jump(4)
	assert.Equal(t, 4, c.Nudge(+1))

	// Clamped at the bottom.
	c.Jump(0)
	assert.Equal(t, 0, c.Nudge(-1))
}

func TestCommitSnapsToNearestStage(t *testing.T) {
	c, _, _ := newTestController(4, loadedSet(4, 0, 1, 2, 3))

	c.SetStagePos(1.4)
	assert.Equal(t, 1, c.Commit())
	assert.Equal(t, 1.0, c.Pos())

	c.SetStagePos(1.6)
	assert.Equal(t, 2, c.Commit())
	assert.Equal(t, 2.0, c.Pos())
}

func TestJumpClamps(t *testing.T) {
	c, _, _ := newTestController(3, loadedSet(3, 0, 1, 2))
	assert.Equal(t, 2, c.Jump(10))
	assert.Equal(t, 0, c.Jump(-4))
}

func TestStageEntryEffectsFireOncePerIndexChange(t *testing.T) {
	c, out, _ := newTestController(3, loadedSet(3, 0, 1, 2))

	c.SetStagePos(0)
	c.SetStagePos(0.3)
	c.SetStagePos(0.7) // still stage 0
	require.Len(t, out.baselines, 1)

	c.SetStagePos(1.1)
	require.Len(t, out.baselines, 2)
	assert.Equal(t, []int{0, 1}, out.baselines)
	assert.Equal(t, "1,2,false", out.videoSyncs[len(out.videoSyncs)-1])
}

func TestAdjustResolutionPrefersSaved(t *testing.T) {
	c, out, adj := newTestController(2, loadedSet(2, 0, 1))
	adj.saved[0] = [2]float64{1.8, 1.05}

	c.SetStagePos(0)
	assert.Equal(t, []string{"0:1.80/1.05"}, out.adjustments)
	assert.Empty(t, adj.analyzeHits, "saved values skip auto analysis")
}

func TestAdjustResolutionAutoOnce(t *testing.T) {
	c, out, adj := newTestController(2, loadedSet(2, 0, 1))
	adj.suggestion = adjust.Suggestion{Exposure: 1.5, Gamma: adjust.AutoGamma}

	c.SetStagePos(1)
	c.SetStagePos(0)
	c.SetStagePos(1) // revisit

	assert.Equal(t, []int{1, 0}, adj.analyzeHits, "analysis runs once per stage")
	assert.Contains(t, out.adjustments, "1:1.50/1.20")
	assert.Equal(t, "1:1.50/1.20", out.adjustments[len(out.adjustments)-1],
		"revisit keeps the remembered estimate instead of the defaults")
}

func TestAdjustResolutionDefaultsOnAnalyzeError(t *testing.T) {
	c, out, adj := newTestController(1, loadedSet(1, 0))
	adj.analyzeErr = fmt.Errorf("decode failed")

	c.SetStagePos(0)
	assert.Equal(t, []string{"0:1.00/1.30"}, out.adjustments)
}

func TestAudioToggleResyncsVideos(t *testing.T) {
	c, out, _ := newTestController(3, loadedSet(3, 0, 1, 2))

	c.Jump(1)
	c.SetAudioEnabled(true)
	assert.True(t, c.AudioEnabled())
	assert.Equal(t, "1,2,true", out.videoSyncs[len(out.videoSyncs)-1])

	c.SetAudioEnabled(false)
	assert.Equal(t, "1,2,false", out.videoSyncs[len(out.videoSyncs)-1])
}

func TestPersistOnEveryMove(t *testing.T) {
	c, out, _ := newTestController(3, loadedSet(3, 0, 1, 2))

	c.SetStagePos(0.5)
	c.Nudge(+1)
	assert.Equal(t, []float64{0.5, 1}, out.persisted)
}
