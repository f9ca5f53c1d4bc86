// Package project defines the project descriptor the gallery hands to the
// viewer: an ordered list of stages (equirectangular photos or videos)
// documenting a renovation over time.
package project

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// MediaKind classifies a stage URL by extension.
type MediaKind string

const (
	KindImage MediaKind = "image"
	KindVideo MediaKind = "video"
)

// Stage is one snapshot in the progression. The stage's position in the
// slice is its identity for persistence; stages must not be reordered
// within a session.
type Stage struct {
	Label string `json:"label"`
	URL   string `json:"url"`
}

// Kind returns the media kind of the stage.
func (s Stage) Kind() MediaKind {
	return KindOf(s.URL)
}

// Meta is optional descriptive metadata shown in the info panel.
type Meta struct {
	Location    string `json:"location,omitempty"`
	Phase       string `json:"phase,omitempty"`
	Description string `json:"description,omitempty"`
}

// Project describes one viewable progression. It is owned by the caller and
// treated as immutable for the duration of a viewing session.
type Project struct {
	ID     string  `json:"id"`
	Title  string  `json:"title"`
	Folder string  `json:"folder,omitempty"`
	Stages []Stage `json:"stages"`
	Meta   Meta    `json:"meta,omitempty"`
}

// ValidStages filters out entries with no URL, preserving order.
func (p *Project) ValidStages() []Stage {
	out := make([]Stage, 0, len(p.Stages))
	for _, s := range p.Stages {
		if s.URL != "" {
			out = append(out, s)
		}
	}
	return out
}

// MediaCounts returns how many stages are images and how many are videos.
func (p *Project) MediaCounts() (images, videos int) {
	for _, s := range p.Stages {
		switch s.Kind() {
		case KindVideo:
			videos++
		default:
			images++
		}
	}
	return images, videos
}

// videoExtensions mirrors the media the viewer can play in a stage slot.
var videoExtensions = map[string]bool{
	".mp4":  true,
	".webm": true,
	".ogg":  true,
}

// KindOf classifies a URL by its extension, ignoring query and fragment.
// Anything that is not a known video extension is treated as an image and
// handed to the image decoders.
func KindOf(url string) MediaKind {
	path := url
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	if dot := strings.LastIndex(path, "."); dot >= 0 {
		if videoExtensions[strings.ToLower(path[dot:])] {
			return KindVideo
		}
	}
	return KindImage
}

// StageLabel returns the stage's label, or a positional fallback.
func StageLabel(stages []Stage, i int) string {
	if i >= 0 && i < len(stages) && stages[i].Label != "" {
		return stages[i].Label
	}
	return fmt.Sprintf("Stage %d", i+1)
}

// LoadManifest reads a projects.json manifest. This is the input contract
// from the gallery: the viewer itself only ever sees one Project at a time.
func LoadManifest(path string) ([]Project, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read project manifest: %w", err)
	}

	// Accept either a bare array or an object with a "projects" field.
	var list []Project
	if err := json.Unmarshal(data, &list); err == nil {
		return list, nil
	}
	var wrapped struct {
		Projects []Project `json:"projects"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("failed to parse project manifest: %w", err)
	}
	return wrapped.Projects, nil
}
