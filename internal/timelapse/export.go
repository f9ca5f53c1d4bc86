// Package timelapse renders a project's progression to a video: the blend
// sweep from the first stage to the last, encoded with ffmpeg.
package timelapse

import (
	"context"
	"fmt"
	"image"
	"image/png"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
)

// Options control the rendered sweep.
type Options struct {
	// FrameRate of the output video.
	FrameRate int `json:"frameRate"`
	// StepsPerStage is how many frames each stage-to-stage crossfade gets.
	StepsPerStage int `json:"stepsPerStage"`
	// HoldFrames repeats each whole-stage frame so the eye can rest before
	// the next fade.
	HoldFrames int `json:"holdFrames"`
	// CRF is the x264 quality setting, lower is better.
	CRF int `json:"crf"`
}

// DefaultOptions returns a sweep that reads well for typical 3-10 stage
// projects.
func DefaultOptions() Options {
	return Options{
		FrameRate:     30,
		StepsPerStage: 45,
		HoldFrames:    30,
		CRF:           20,
	}
}

// FrameSource renders the blend at an arbitrary stage position.
type FrameSource interface {
	ComposeAt(pos float64) (*image.RGBA, error)
}

// Exporter renders sweeps through ffmpeg.
type Exporter struct {
	ffmpegPath string
	options    Options
}

// NewExporter creates an exporter using the given ffmpeg binary.
func NewExporter(ffmpegPath string, options Options) *Exporter {
	if options.FrameRate <= 0 {
		options.FrameRate = 30
	}
	if options.StepsPerStage <= 0 {
		options.StepsPerStage = 45
	}
	if options.CRF <= 0 {
		options.CRF = 20
	}
	return &Exporter{
		ffmpegPath: ffmpegPath,
		options:    options,
	}
}

// FrameCount returns how many frames a sweep over stageCount stages emits.
func (e *Exporter) FrameCount(stageCount int) int {
	if stageCount < 1 {
		return 0
	}
	fades := (stageCount - 1) * e.options.StepsPerStage
	holds := stageCount * e.options.HoldFrames
	return fades + holds + 1
}

// Export renders the full sweep from source into an H.264 MP4 at outPath.
// onProgress, if set, is called after every rendered frame.
func (e *Exporter) Export(ctx context.Context, source FrameSource, stageCount int, outPath string, onProgress func(done, total int)) error {
	if e.ffmpegPath == "" {
		return fmt.Errorf("ffmpeg is not available")
	}
	if stageCount < 1 {
		return fmt.Errorf("nothing to export")
	}

	frameDir, err := os.MkdirTemp("", "pano-timelapse")
	if err != nil {
		return fmt.Errorf("failed to create frame directory: %w", err)
	}
	defer os.RemoveAll(frameDir)

	total := e.FrameCount(stageCount)
	frame := 0

	writeFrame := func(img *image.RGBA) error {
		path := filepath.Join(frameDir, fmt.Sprintf("frame_%05d.png", frame))
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("failed to create frame file: %w", err)
		}
		if err := png.Encode(f, img); err != nil {
			f.Close()
			return fmt.Errorf("failed to encode frame: %w", err)
		}
		if err := f.Close(); err != nil {
			return err
		}
		frame++
		if onProgress != nil {
			onProgress(frame, total)
		}
		return nil
	}

	for stage := 0; stage < stageCount; stage++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		whole, err := source.ComposeAt(float64(stage))
		if err != nil {
			return fmt.Errorf("failed to render stage %d: %w", stage, err)
		}
		holds := e.options.HoldFrames
		if stage == stageCount-1 {
			holds++ // final resting frame
		}
		for h := 0; h < holds; h++ {
			if err := writeFrame(whole); err != nil {
				return err
			}
		}

		if stage == stageCount-1 {
			break
		}
		for step := 1; step <= e.options.StepsPerStage; step++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			pos := float64(stage) + float64(step)/float64(e.options.StepsPerStage+1)
			img, err := source.ComposeAt(pos)
			if err != nil {
				return fmt.Errorf("failed to render position %.3f: %w", pos, err)
			}
			if err := writeFrame(img); err != nil {
				return err
			}
		}
	}

	return e.encode(ctx, frameDir, outPath)
}

func (e *Exporter) encode(ctx context.Context, frameDir, outPath string) error {
	if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	args := []string{
		"-y",
		"-framerate", fmt.Sprintf("%d", e.options.FrameRate),
		"-i", filepath.Join(frameDir, "frame_%05d.png"),
		"-c:v", "libx264",
		"-preset", "medium",
		"-crf", fmt.Sprintf("%d", e.options.CRF),
		"-pix_fmt", "yuv420p",
		"-movflags", "+faststart",
		outPath,
	}

	cmd := exec.CommandContext(ctx, e.ffmpegPath, args...)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ffmpeg encoding failed: %w (output: %s)", err, string(output))
	}
	return nil
}

// CheckFFmpeg locates an ffmpeg binary: next to the executable first, then
// PATH, then the usual install directories.
func CheckFFmpeg() (string, bool) {
	if execPath, err := os.Executable(); err == nil {
		name := "ffmpeg"
		if runtime.GOOS == "windows" {
			name = "ffmpeg.exe"
		}
		bundled := filepath.Join(filepath.Dir(execPath), name)
		if _, err := os.Stat(bundled); err == nil {
			return bundled, true
		}
	}

	names := []string{"ffmpeg"}
	if runtime.GOOS == "windows" {
		names = []string{"ffmpeg.exe", "ffmpeg"}
	}
	for _, name := range names {
		if path, err := exec.LookPath(name); err == nil {
			return path, true
		}
	}

	var commonPaths []string
	switch runtime.GOOS {
	case "darwin":
		commonPaths = []string{
			"/usr/local/bin/ffmpeg",
			"/opt/homebrew/bin/ffmpeg",
			"/opt/local/bin/ffmpeg",
		}
	case "linux":
		commonPaths = []string{
			"/usr/bin/ffmpeg",
			"/usr/local/bin/ffmpeg",
		}
	case "windows":
		commonPaths = []string{
			"C:\\ffmpeg\\bin\\ffmpeg.exe",
			"C:\\Program Files\\ffmpeg\\bin\\ffmpeg.exe",
		}
	}
	for _, path := range commonPaths {
		if _, err := os.Stat(path); err == nil {
			return path, true
		}
	}

	return "", false
}
