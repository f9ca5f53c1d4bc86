// Package loader fetches and decodes stage media progressively: the first
// stage is loaded before the viewer opens, the rest stream in through a
// worker pool while the user is already looking around.
package loader

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	// Stage photos arrive as JPEG, PNG or WebP.
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"

	"pano-desktop/internal/project"
)

// Texture is a decoded stage ready for compositing. For videos Image holds
// the poster frame (nil when ffmpeg is unavailable) and LocalPath points at
// the playable file.
type Texture struct {
	StageIndex   int
	URL          string
	Kind         project.MediaKind
	Image        image.Image
	Raw          []byte
	LocalPath    string
	LastModified time.Time
}

// Set holds the textures loaded so far for one session. Stages finish out
// of order, so lookups fall back to the nearest loaded neighbour.
type Set struct {
	mu       sync.RWMutex
	textures map[int]*Texture
	count    int
}

// NewSet creates an empty texture set for a project with count stages.
func NewSet(count int) *Set {
	return &Set{
		textures: make(map[int]*Texture, count),
		count:    count,
	}
}

// Put stores the texture for its stage index.
func (s *Set) Put(t *Texture) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.textures[t.StageIndex] = t
}

// At returns the texture for exactly stage i, or nil.
func (s *Set) At(i int) *Texture {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.textures[i]
}

// Len returns how many stages have finished loading.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.textures)
}

// Nearest returns the texture to show for stage i along with the stage it
// actually came from. If stage i has not loaded yet it falls back to the
// closest loaded stage below it, then the closest above, then any loaded
// stage at all. Returns nil only when nothing has loaded.
func (s *Set) Nearest(i int) (*Texture, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if t, ok := s.textures[i]; ok {
		return t, i
	}
	for j := i - 1; j >= 0; j-- {
		if t, ok := s.textures[j]; ok {
			return t, j
		}
	}
	for j := i + 1; j < s.count; j++ {
		if t, ok := s.textures[j]; ok {
			return t, j
		}
	}
	for j, t := range s.textures {
		return t, j
	}
	return nil, -1
}

// Progress reports one stage finishing (or failing) during a load.
type Progress struct {
	StageIndex int    `json:"stageIndex"`
	Loaded     int    `json:"loaded"`
	Total      int    `json:"total"`
	Err        string `json:"error,omitempty"`
}

// Loader decodes stages into a Set using a bounded worker pool.
type Loader struct {
	fetcher    *Fetcher
	workers    int
	ffmpegPath string // empty means no poster frames for videos
}

// New creates a loader. workers bounds how many background stages decode
// concurrently; values below 1 are bumped to 1.
func New(fetcher *Fetcher, workers int, ffmpegPath string) *Loader {
	if workers < 1 {
		workers = 1
	}
	return &Loader{
		fetcher:    fetcher,
		workers:    workers,
		ffmpegPath: ffmpegPath,
	}
}

// LoadProject loads stage 0 synchronously and returns once its attempt has
// settled, then streams the remaining stages in the background. A stage
// failure, including the first, is reported through onProgress and never
// stops the batch; the nearest-texture fallback covers the gap until
// something loads. Cancelling ctx stops the background work; results that
// arrive after cancellation are dropped before they reach the set.
func (l *Loader) LoadProject(ctx context.Context, proj *project.Project, set *Set, onProgress func(Progress)) error {
	stages := proj.Stages
	if len(stages) == 0 {
		return fmt.Errorf("project %s has no stages", proj.ID)
	}

	total := len(stages)
	var loaded int64

	report := func(i int, err error) {
		n := int(atomic.AddInt64(&loaded, 1))
		if onProgress == nil {
			return
		}
		p := Progress{StageIndex: i, Loaded: n, Total: total}
		if err != nil {
			p.Err = err.Error()
		}
		onProgress(p)
	}

	first, err := l.loadStage(ctx, proj, 0)
	if err != nil {
		log.Printf("Failed to load stage 0 of %s: %v", proj.ID, err)
		report(0, err)
	} else {
		set.Put(first)
		report(0, nil)
	}

	if total == 1 {
		return nil
	}

	indexChan := make(chan int, total-1)
	workerCount := l.workers
	if total-1 < workerCount {
		workerCount = total - 1
	}

	for w := 0; w < workerCount; w++ {
		go func() {
			for i := range indexChan {
				tex, err := l.loadStage(ctx, proj, i)
				if ctx.Err() != nil {
					return
				}
				if err != nil {
					log.Printf("Failed to load stage %d of %s: %v", i, proj.ID, err)
					report(i, err)
					continue
				}
				set.Put(tex)
				report(i, nil)
			}
		}()
	}

	go func() {
		defer close(indexChan)
		for i := 1; i < total; i++ {
			select {
			case indexChan <- i:
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

func (l *Loader) loadStage(ctx context.Context, proj *project.Project, i int) (*Texture, error) {
	stage := proj.Stages[i]
	if stage.URL == "" {
		return nil, fmt.Errorf("stage %d has no media URL", i)
	}

	data, lastModified, err := l.fetcher.Fetch(ctx, stage.URL)
	if err != nil {
		return nil, err
	}

	tex := &Texture{
		StageIndex:   i,
		URL:          stage.URL,
		Kind:         stage.Kind(),
		Raw:          data,
		LastModified: lastModified,
	}

	switch tex.Kind {
	case project.KindVideo:
		localPath, ok := l.fetcher.LocalPath(stage.URL)
		if !ok {
			localPath, err = l.spillVideo(stage.URL, data)
			if err != nil {
				return nil, err
			}
		}
		tex.LocalPath = localPath
		if l.ffmpegPath != "" {
			poster, err := posterFrame(ctx, l.ffmpegPath, localPath)
			if err != nil {
				log.Printf("Failed to extract poster frame for stage %d: %v", i, err)
			} else {
				tex.Image = poster
			}
		}
	default:
		img, _, err := image.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to decode stage %d image: %w", i, err)
		}
		tex.Image = img
	}

	return tex, nil
}

// spillVideo writes video bytes to a temp file when the fetcher has no
// on-disk copy, so ffmpeg and the media server have a path to work with.
func (l *Loader) spillVideo(url string, data []byte) (string, error) {
	trimmed := url
	if i := strings.IndexAny(trimmed, "?#"); i >= 0 {
		trimmed = trimmed[:i]
	}
	ext := filepath.Ext(trimmed)
	if ext == "" {
		ext = ".mp4"
	}
	f, err := os.CreateTemp("", "pano-stage-*"+ext)
	if err != nil {
		return "", fmt.Errorf("failed to create temp video file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to write temp video file: %w", err)
	}
	return f.Name(), nil
}

// posterFrame extracts the first frame of a video so image-only surfaces
// (snapshots, timelapse export) have something to composite.
func posterFrame(ctx context.Context, ffmpegPath, videoPath string) (image.Image, error) {
	dir, err := os.MkdirTemp("", "pano-poster")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp directory: %w", err)
	}
	defer os.RemoveAll(dir)

	outPath := filepath.Join(dir, "poster.jpg")
	cmd := exec.CommandContext(ctx, ffmpegPath,
		"-y",
		"-i", videoPath,
		"-frames:v", "1",
		"-q:v", "2",
		outPath,
	)
	if output, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("ffmpeg poster extraction failed: %w (output: %s)", err, string(output))
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read poster frame: %w", err)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode poster frame: %w", err)
	}
	return img, nil
}
