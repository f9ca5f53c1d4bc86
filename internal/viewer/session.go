package viewer

import (
	"context"
	"fmt"
	"image"
	"log"
	"math"
	"sync"
	"sync/atomic"

	"pano-desktop/internal/adjust"
	"pano-desktop/internal/blend"
	"pano-desktop/internal/loader"
	"pano-desktop/internal/project"
	"pano-desktop/internal/store"
)

// State is the session lifecycle phase.
type State string

const (
	StateClosed  State = "closed"
	StateOpening State = "opening"
	StateReady   State = "ready"
)

// Event names pushed to the display shell.
const (
	EventState        = "viewer:state"
	EventLoadProgress = "viewer:loadProgress"
	EventBlend        = "viewer:blend"
	EventAdjust       = "viewer:adjust"
	EventVideoSync    = "viewer:videoSync"
	EventOrientation  = "viewer:orientation"
	EventNotice       = "viewer:notice"
)

// Emitter pushes events to the display shell.
type Emitter interface {
	Emit(event string, data ...interface{})
}

// Manager owns the single live session. Opening a new project bumps a
// generation counter; anything still in flight for the previous project
// checks that counter before touching shared state, so late loads and late
// persistence writes from a closed session are inert.
type Manager struct {
	store   *store.Store
	loader  *loader.Loader
	fetch   FetchFunc
	emitter Emitter

	gen     atomic.Uint64
	mu      sync.Mutex
	current *Session
}

// NewManager wires the session manager. fetch backs the EXIF metadata
// cache and normally shares the loader's fetcher.
func NewManager(st *store.Store, ld *loader.Loader, fetch FetchFunc, em Emitter) *Manager {
	return &Manager{
		store:   st,
		loader:  ld,
		fetch:   fetch,
		emitter: em,
	}
}

// Current returns the live session, or nil.
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Open starts a session for proj, closing any previous one first. It
// returns once the first stage's load attempt has settled; the remaining
// stages keep loading in the background, and a failed first stage is
// covered by the nearest loaded texture.
func (m *Manager) Open(proj *project.Project) (*Session, error) {
	if proj == nil {
		return nil, fmt.Errorf("no project given")
	}
	stages := proj.ValidStages()
	if len(stages) == 0 {
		return nil, fmt.Errorf("project %s has no stages to show", proj.ID)
	}

	m.closeCurrent()

	gen := m.gen.Add(1)
	ctx, cancel := context.WithCancel(context.Background())

	viewProj := &project.Project{
		ID:     proj.ID,
		Title:  proj.Title,
		Folder: proj.Folder,
		Stages: stages,
		Meta:   proj.Meta,
	}

	s := &Session{
		mgr:      m,
		gen:      gen,
		proj:     viewProj,
		textures: loader.NewSet(len(stages)),
		settings: m.store.Load(proj.ID),
		uniforms: blend.Defaults(),
		cancel:   cancel,
		state:    StateOpening,
	}

	meta, err := NewMetadataCache(m.fetch)
	if err != nil {
		cancel()
		return nil, err
	}
	s.meta = meta

	s.ctrl = NewController(len(stages), s.textures, s, s)

	m.mu.Lock()
	m.current = s
	m.mu.Unlock()

	s.emit(EventState, map[string]interface{}{"state": StateOpening, "projectId": proj.ID})

	err = m.loader.LoadProject(ctx, viewProj, s.textures, func(p loader.Progress) {
		if !m.stillCurrent(gen) {
			return
		}
		s.emit(EventLoadProgress, p)
	})
	if err != nil {
		cancel()
		m.mu.Lock()
		if m.current == s {
			m.current = nil
		}
		m.mu.Unlock()
		return nil, err
	}

	s.restorePersisted()

	s.setState(StateReady)
	log.Printf("Viewer session ready for project %s (%d stages)", proj.ID, len(stages))
	return s, nil
}

// Close ends the live session, if any.
func (m *Manager) Close() {
	m.closeCurrent()
}

func (m *Manager) closeCurrent() {
	m.mu.Lock()
	s := m.current
	m.current = nil
	m.mu.Unlock()

	if s == nil {
		return
	}
	// Bump the generation first so in-flight callbacks see themselves as
	// stale before the cancel lands.
	m.gen.Add(1)
	s.cancel()
	s.setState(StateClosed)
	log.Printf("Viewer session closed for project %s", s.proj.ID)
}

func (m *Manager) stillCurrent(gen uint64) bool {
	return m.gen.Load() == gen
}

// Session is one open viewing of a project: the controller, camera, color
// uniforms and per-project settings, all scoped to a generation.
type Session struct {
	mgr *Manager
	gen uint64

	proj     *project.Project
	textures *loader.Set
	ctrl     *Controller
	meta     *MetadataCache
	cancel   context.CancelFunc

	mu        sync.Mutex
	state     State
	orbit     blend.Orbit
	uniforms  blend.Uniforms
	settings  store.Settings
	lastBlend BlendState
}

// State returns the lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Project returns the project being viewed.
func (s *Session) Project() *project.Project {
	return s.proj
}

// Controller exposes the position state machine for input adapters.
func (s *Session) Controller() *Controller {
	return s.ctrl
}

// LoadedStages reports how many stage textures have arrived.
func (s *Session) LoadedStages() (loaded, total int) {
	return s.textures.Len(), len(s.proj.Stages)
}

// restorePersisted applies the saved stage position and the saved camera
// orientation for that stage. The position clamp covers projects whose
// stage list shrank since the save.
func (s *Session) restorePersisted() {
	s.mu.Lock()
	saved := s.settings.StagePos
	s.mu.Unlock()

	s.ctrl.Restore(saved)
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.emit(EventState, map[string]interface{}{"state": st, "projectId": s.proj.ID})
}

func (s *Session) emit(event string, data ...interface{}) {
	if s.mgr.emitter == nil || !s.mgr.stillCurrent(s.gen) {
		return
	}
	s.mgr.emitter.Emit(event, data...)
}

// persist merges a partial settings update, best effort. Writes from a
// superseded session are dropped.
func (s *Session) persist(patch store.Patch) {
	if !s.mgr.stillCurrent(s.gen) {
		return
	}
	if err := s.mgr.store.Save(s.proj.ID, patch); err != nil {
		// Settings are best effort, the in-memory copy stays authoritative.
		log.Printf("Failed to persist settings for %s: %v", s.proj.ID, err)
	}
}

// ApplyBlend implements Output.
func (s *Session) ApplyBlend(b BlendState) {
	s.mu.Lock()
	s.lastBlend = b
	s.mu.Unlock()

	payload := map[string]interface{}{
		"stagePos": b.StagePos,
		"index":    b.Index,
		"frac":     b.Frac,
	}
	if b.A != nil {
		payload["urlA"] = b.A.URL
	}
	if b.B != nil {
		payload["urlB"] = b.B.URL
	}
	s.emit(EventBlend, payload)
}

// ApplyAdjustment implements Output.
func (s *Session) ApplyAdjustment(stage int, exposure, gamma float64) {
	s.mu.Lock()
	s.uniforms.Exposure = exposure
	s.uniforms.Gamma = gamma
	s.mu.Unlock()

	s.emit(EventAdjust, map[string]interface{}{
		"stage":    stage,
		"exposure": exposure,
		"gamma":    gamma,
	})
}

// SyncVideo implements Output.
func (s *Session) SyncVideo(current, next int, audioEnabled bool) {
	s.emit(EventVideoSync, map[string]interface{}{
		"current":      current,
		"next":         next,
		"audioEnabled": audioEnabled,
	})
}

// EnsureBaseline implements Output: on first visit the saved orientation
// becomes the camera direction and the recenter target; without one the
// current direction becomes the baseline.
func (s *Session) EnsureBaseline(stage int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if o, ok := s.settings.Orients[stage]; ok {
		s.orbit.Set(o[0], o[1])
	}
	s.orbit.SaveBaseline()
}

// PersistStagePos implements Output.
func (s *Session) PersistStagePos(pos float64) {
	s.mu.Lock()
	s.settings.StagePos = pos
	s.mu.Unlock()
	s.persist(store.Patch{StagePos: &pos})
}

// Saved implements AdjustSource.
func (s *Session) Saved(stage int) (float64, float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, okE := s.settings.ExposureByStage[stage]
	g, okG := s.settings.GammaByStage[stage]
	if !okE && !okG {
		return 0, 0, false
	}
	if !okE {
		e = adjust.DefaultExposure
	}
	if !okG {
		g = adjust.DefaultGamma
	}
	return e, g, true
}

// Analyze implements AdjustSource: one-shot auto estimate from the stage's
// own texture.
func (s *Session) Analyze(stage int) (adjust.Suggestion, error) {
	tex := s.textures.At(stage)
	if tex == nil || tex.Image == nil {
		return adjust.Suggestion{}, fmt.Errorf("stage %d has no decoded image yet", stage)
	}
	return adjust.Analyze(tex.Image), nil
}

// RememberAuto implements AdjustSource: a successful entry-time estimate is
// stored like a manual adjustment, so revisiting the stage restores it.
func (s *Session) RememberAuto(stage int, sg adjust.Suggestion) {
	s.mu.Lock()
	if s.settings.ExposureByStage == nil {
		s.settings.ExposureByStage = make(map[int]float64)
	}
	if s.settings.GammaByStage == nil {
		s.settings.GammaByStage = make(map[int]float64)
	}
	s.settings.ExposureByStage[stage] = sg.Exposure
	s.settings.GammaByStage[stage] = sg.Gamma
	s.mu.Unlock()

	s.persist(store.Patch{
		ExposureByStage: map[int]float64{stage: sg.Exposure},
		GammaByStage:    map[int]float64{stage: sg.Gamma},
	})
}

// Rotate applies a look movement and persists the orientation for the
// stage currently on screen, matching the continuous save of the drag
// handler. During a mid-scrub position that is the floor index, not the
// committed stage.
func (s *Session) Rotate(dyaw, dpitch float64) {
	stage := s.ctrl.Index()

	s.mu.Lock()
	s.orbit.Rotate(dyaw, dpitch)
	o := s.orbit.Orientation()
	if s.settings.Orients == nil {
		s.settings.Orients = make(map[int]store.Orientation)
	}
	s.settings.Orients[stage] = o
	s.mu.Unlock()

	s.persist(store.Patch{Orients: map[int]store.Orientation{stage: o}})
}

// Recenter restores the stage's baseline orientation.
func (s *Session) Recenter() [2]float64 {
	s.mu.Lock()
	s.orbit.Reset()
	o := s.orbit.Orientation()
	s.mu.Unlock()

	s.emit(EventOrientation, map[string]interface{}{"yaw": o[0], "pitch": o[1]})
	return o
}

// Orientation returns the current camera direction.
func (s *Session) Orientation() [2]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orbit.Orientation()
}

// SetExposure sets the committed stage's exposure from the slider, clamped
// to the slider's range, and persists it.
func (s *Session) SetExposure(v float64) {
	stage := s.ctrl.Committed()
	v = adjust.ClampExposure(v)

	s.mu.Lock()
	s.uniforms.Exposure = v
	if s.settings.ExposureByStage == nil {
		s.settings.ExposureByStage = make(map[int]float64)
	}
	s.settings.ExposureByStage[stage] = v
	gamma := s.uniforms.Gamma
	s.mu.Unlock()

	s.persist(store.Patch{ExposureByStage: map[int]float64{stage: v}})
	s.emit(EventAdjust, map[string]interface{}{"stage": stage, "exposure": v, "gamma": gamma})
}

// SetGamma sets the committed stage's gamma and persists it.
func (s *Session) SetGamma(v float64) {
	stage := s.ctrl.Committed()
	if v <= 0 || math.IsNaN(v) {
		v = adjust.DefaultGamma
	}

	s.mu.Lock()
	s.uniforms.Gamma = v
	if s.settings.GammaByStage == nil {
		s.settings.GammaByStage = make(map[int]float64)
	}
	s.settings.GammaByStage[stage] = v
	exposure := s.uniforms.Exposure
	s.mu.Unlock()

	s.persist(store.Patch{GammaByStage: map[int]float64{stage: v}})
	s.emit(EventAdjust, map[string]interface{}{"stage": stage, "exposure": exposure, "gamma": v})
}

// AutoAdjust runs the one-shot exposure estimate for the committed stage
// and applies it. Failure leaves the current adjustment untouched and only
// posts a notice.
func (s *Session) AutoAdjust() (adjust.Suggestion, error) {
	stage := s.ctrl.Committed()

	suggestion, err := s.Analyze(stage)
	if err != nil {
		s.emit(EventNotice, map[string]interface{}{"text": "Auto-adjust unavailable for this stage"})
		return adjust.Suggestion{}, err
	}

	s.SetExposure(suggestion.Exposure)
	s.SetGamma(suggestion.Gamma)
	return suggestion, nil
}

// ResetAdjust restores the slider reset values for the committed stage.
func (s *Session) ResetAdjust() {
	s.SetExposure(adjust.ResetExposure)
	s.SetGamma(adjust.ResetGamma)
}

// Uniforms returns the current blend uniforms with the live mix fraction.
func (s *Session) Uniforms() blend.Uniforms {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.uniforms
	u.Mix = s.lastBlend.Frac
	return u
}

// Info returns the capture metadata for the committed stage, parsed from
// the media bytes on first access.
func (s *Session) Info(ctx context.Context) (StageInfo, error) {
	stage := s.ctrl.Committed()
	if stage < 0 || stage >= len(s.proj.Stages) {
		return StageInfo{}, fmt.Errorf("no current stage")
	}
	return s.meta.Lookup(ctx, s.proj.Stages[stage].URL)
}

// Compose renders the current blend state to a frame, the same math the
// display shader runs. Used for snapshots and timelapse export.
func (s *Session) Compose() (*image.RGBA, error) {
	s.mu.Lock()
	b := s.lastBlend
	u := s.uniforms
	s.mu.Unlock()

	if b.A == nil || b.A.Image == nil {
		return nil, fmt.Errorf("no stage image loaded yet")
	}
	var second image.Image
	if b.B != nil && b.B.Image != nil && b.B != b.A {
		second = b.B.Image
	}
	u.Mix = b.Frac
	return blend.Compose(b.A.Image, second, u), nil
}

// ComposeAt renders the blend for an arbitrary position without moving the
// live controller, so exports can sweep the whole progression.
func (s *Session) ComposeAt(pos float64) (*image.RGBA, error) {
	count := len(s.proj.Stages)
	pos = clampPos(pos, count)
	index := int(math.Floor(pos))
	if index > count-1 {
		index = count - 1
	}
	next := index + 1
	if next > count-1 {
		next = count - 1
	}

	a, _ := s.textures.Nearest(index)
	if a == nil || a.Image == nil {
		return nil, fmt.Errorf("no stage image loaded yet")
	}
	var second image.Image
	if b, _ := s.textures.Nearest(next); b != nil && b.Image != nil && b != a {
		second = b.Image
	}

	s.mu.Lock()
	u := s.uniforms
	s.mu.Unlock()
	u.Mix = pos - float64(index)

	return blend.Compose(a.Image, second, u), nil
}
