// Package viewer holds the stage position state machine and the session
// lifecycle around it. The controller is UI-agnostic: inputs arrive as
// method calls and every effect leaves through the Output interface, so the
// whole transition table is testable without a window.
package viewer

import (
	"math"
	"sync"

	"pano-desktop/internal/adjust"
	"pano-desktop/internal/loader"
)

// BlendState is what the renderer needs for one frame of the crossfade.
type BlendState struct {
	StagePos float64         `json:"stagePos"`
	Index    int             `json:"index"`
	Frac     float64         `json:"frac"`
	A        *loader.Texture `json:"-"`
	B        *loader.Texture `json:"-"`
}

// Output receives the effects of controller transitions.
type Output interface {
	// ApplyBlend pushes the textures and mix fraction for the current
	// position.
	ApplyBlend(BlendState)
	// ApplyAdjustment sets the exposure and gamma to render a stage with.
	ApplyAdjustment(stage int, exposure, gamma float64)
	// SyncVideo pauses and mutes every stage video except the current and
	// next, unmuting the current one when audio is enabled.
	SyncVideo(current, next int, audioEnabled bool)
	// EnsureBaseline establishes a recenter target for a stage on first
	// visit if none is saved.
	EnsureBaseline(stage int)
	// PersistStagePos saves the position, best effort.
	PersistStagePos(pos float64)
}

// AdjustSource resolves per-stage color adjustment when a stage is entered.
type AdjustSource interface {
	// Saved returns the persisted exposure and gamma for a stage.
	Saved(stage int) (exposure, gamma float64, ok bool)
	// Analyze produces a one-shot suggestion for a stage with no saved
	// values.
	Analyze(stage int) (adjust.Suggestion, error)
	// RememberAuto stores a successful estimate as the stage's saved
	// values so revisits keep it instead of reverting to the defaults.
	RememberAuto(stage int, s adjust.Suggestion)
}

// Controller translates scrub positions, commits, nudges and jumps into
// blend state. The committed index moves only on commits, nudges and jumps,
// never during a live scrub, so releasing a drag mid-way cannot make the
// next prev/next press skip a stage.
type Controller struct {
	mu       sync.Mutex
	count    int
	textures *loader.Set
	out      Output
	adjust   AdjustSource

	stagePos  float64
	committed int
	lastIndex int

	audioEnabled bool
	autoTried    map[int]bool
}

// NewController creates a controller for count stages. The caller must have
// rejected empty projects already.
func NewController(count int, textures *loader.Set, adjustSrc AdjustSource, out Output) *Controller {
	return &Controller{
		count:     count,
		textures:  textures,
		out:       out,
		adjust:    adjustSrc,
		lastIndex: -1,
		autoTried: make(map[int]bool),
	}
}

// SetStagePos applies a live scrub position. The committed index is left
// alone.
func (c *Controller) SetStagePos(v float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setStagePosLocked(v)
}

// Commit snaps the live position to the nearest whole stage and records it
// as the committed index.
func (c *Controller) Commit() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.committed = c.clampIndex(int(math.Round(c.stagePos)))
	c.setStagePosLocked(float64(c.committed))
	return c.committed
}

// Nudge steps delta whole stages from the committed index, clamped at both
// ends.
func (c *Controller) Nudge(delta int) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.committed = c.clampIndex(c.committed + delta)
	c.setStagePosLocked(float64(c.committed))
	return c.committed
}

// Jump moves directly to a stage index (thumbnail or legend click).
func (c *Controller) Jump(i int) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.committed = c.clampIndex(i)
	c.setStagePosLocked(float64(c.committed))
	return c.committed
}

// Restore seeds the position from persisted state before any user input,
// committing to the nearest whole stage so nudges step from where the user
// left off.
func (c *Controller) Restore(v float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v = clampPos(v, c.count)
	c.committed = c.clampIndex(int(math.Round(v)))
	c.setStagePosLocked(v)
}

// SetAudioEnabled flips the global audio gate and reapplies mute state.
func (c *Controller) SetAudioEnabled(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.audioEnabled = on
	index := c.lastIndex
	if index < 0 {
		index = 0
	}
	c.out.SyncVideo(index, c.nextIndex(index), on)
}

// AudioEnabled reports the global audio gate.
func (c *Controller) AudioEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.audioEnabled
}

// Pos returns the live stage position.
func (c *Controller) Pos() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stagePos
}

// Index returns the floor stage of the live position.
func (c *Controller) Index() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.floorIndex()
}

// Frac returns the blend weight toward the next stage.
func (c *Controller) Frac() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stagePos - float64(c.floorIndex())
}

// Committed returns the committed stage index.
func (c *Controller) Committed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.committed
}

func (c *Controller) setStagePosLocked(v float64) {
	v = clampPos(v, c.count)
	c.stagePos = v

	index := c.floorIndex()
	frac := v - float64(index)
	next := c.nextIndex(index)

	if index != c.lastIndex {
		c.lastIndex = index
		c.enterStageLocked(index, next)
	}

	a, _ := c.textures.Nearest(index)
	b, _ := c.textures.Nearest(next)
	c.out.ApplyBlend(BlendState{StagePos: v, Index: index, Frac: frac, A: a, B: b})
	c.out.PersistStagePos(v)
}

// enterStageLocked runs the once-per-stage-change effects: resolve color
// adjustment, make sure a recenter baseline exists, and move video playback
// to the current and next stages.
func (c *Controller) enterStageLocked(index, next int) {
	exposure, gamma := c.resolveAdjustLocked(index)
	c.out.ApplyAdjustment(index, exposure, gamma)
	c.out.EnsureBaseline(index)
	c.out.SyncVideo(index, next, c.audioEnabled)
}

// resolveAdjustLocked picks the exposure and gamma for a freshly entered
// stage: the saved values if any, else a one-shot auto estimate the first
// time the stage is seen without saved values, else the fixed defaults. A
// successful estimate is handed back to the source, so the stage keeps it
// on later visits.
func (c *Controller) resolveAdjustLocked(stage int) (float64, float64) {
	if e, g, ok := c.adjust.Saved(stage); ok {
		return e, g
	}
	if !c.autoTried[stage] {
		c.autoTried[stage] = true
		if s, err := c.adjust.Analyze(stage); err == nil {
			c.adjust.RememberAuto(stage, s)
			return s.Exposure, s.Gamma
		}
	}
	return adjust.DefaultExposure, adjust.DefaultGamma
}

func (c *Controller) floorIndex() int {
	return c.clampIndex(int(math.Floor(c.stagePos)))
}

func (c *Controller) nextIndex(index int) int {
	if index+1 > c.count-1 {
		return c.count - 1
	}
	return index + 1
}

func (c *Controller) clampIndex(i int) int {
	if i < 0 {
		return 0
	}
	if i > c.count-1 {
		return c.count - 1
	}
	return i
}

func clampPos(v float64, count int) float64 {
	max := float64(count - 1)
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	if v > max {
		return max
	}
	return v
}
