package main

import (
	"context"
	"fmt"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"time"

	wailsRuntime "github.com/wailsapp/wails/v2/pkg/runtime"

	"pano-desktop/internal/project"
	"pano-desktop/internal/taskqueue"
	"pano-desktop/internal/timelapse"
	"pano-desktop/internal/viewer"
)

// ===================
// Viewer Session
// ===================

// OpenProject starts a viewing session. It returns once the first stage is
// viewable; load progress for the rest streams over events.
func (a *App) OpenProject(proj project.Project) error {
	session, err := a.sessions.Open(&proj)
	if err != nil {
		wailsRuntime.LogError(a.ctx, fmt.Sprintf("Failed to open project %s: %v", proj.ID, err))
		return err
	}

	images, videos := proj.MediaCounts()
	a.TrackEvent("project_opened", map[string]interface{}{
		"stages": len(session.Project().Stages),
		"images": images,
		"videos": videos,
	})
	return nil
}

// CloseViewer ends the current viewing session.
func (a *App) CloseViewer() {
	a.sessions.Close()
}

// GetViewerState reports the session lifecycle phase for the shell.
func (a *App) GetViewerState() string {
	s := a.sessions.Current()
	if s == nil {
		return string(viewer.StateClosed)
	}
	return string(s.State())
}

// GetLoadProgress returns loaded/total stage counts.
func (a *App) GetLoadProgress() map[string]int {
	s := a.sessions.Current()
	if s == nil {
		return map[string]int{"loaded": 0, "total": 0}
	}
	loaded, total := s.LoadedStages()
	return map[string]int{"loaded": loaded, "total": total}
}

func (a *App) session() (*viewer.Session, error) {
	s := a.sessions.Current()
	if s == nil {
		return nil, fmt.Errorf("no project is open")
	}
	return s, nil
}

// ===================
// Stage Position
// ===================

// SetStagePos applies a live scrub position.
func (a *App) SetStagePos(pos float64) error {
	s, err := a.session()
	if err != nil {
		return err
	}
	s.Controller().SetStagePos(pos)
	return nil
}

// CommitStage snaps the slider to the nearest whole stage.
func (a *App) CommitStage() (int, error) {
	s, err := a.session()
	if err != nil {
		return 0, err
	}
	return s.Controller().Commit(), nil
}

// NudgeStage steps from the committed stage (prev/next buttons, arrow
// keys, XR controller selects).
func (a *App) NudgeStage(delta int) (int, error) {
	s, err := a.session()
	if err != nil {
		return 0, err
	}
	return s.Controller().Nudge(delta), nil
}

// JumpToStage jumps to an exact stage (thumbnail and legend clicks).
func (a *App) JumpToStage(index int) (int, error) {
	s, err := a.session()
	if err != nil {
		return 0, err
	}
	return s.Controller().Jump(index), nil
}

// ===================
// Camera
// ===================

// RotateView applies a relative look movement from a drag.
func (a *App) RotateView(dyaw, dpitch float64) error {
	s, err := a.session()
	if err != nil {
		return err
	}
	s.Rotate(dyaw, dpitch)
	return nil
}

// RecenterView restores the current stage's baseline orientation.
func (a *App) RecenterView() ([2]float64, error) {
	s, err := a.session()
	if err != nil {
		return [2]float64{}, err
	}
	return s.Recenter(), nil
}

// ===================
// Color Adjustment
// ===================

// SetExposure sets the committed stage's exposure.
func (a *App) SetExposure(v float64) error {
	s, err := a.session()
	if err != nil {
		return err
	}
	s.SetExposure(v)
	return nil
}

// SetGamma sets the committed stage's gamma.
func (a *App) SetGamma(v float64) error {
	s, err := a.session()
	if err != nil {
		return err
	}
	s.SetGamma(v)
	return nil
}

// AutoAdjust runs the one-shot exposure estimate for the committed stage.
func (a *App) AutoAdjust() (map[string]float64, error) {
	s, err := a.session()
	if err != nil {
		return nil, err
	}
	suggestion, err := s.AutoAdjust()
	if err != nil {
		return nil, err
	}
	a.TrackEvent("auto_adjust", nil)
	return map[string]float64{"exposure": suggestion.Exposure, "gamma": suggestion.Gamma}, nil
}

// ResetAdjustment restores the default slider values for the committed
// stage.
func (a *App) ResetAdjustment() error {
	s, err := a.session()
	if err != nil {
		return err
	}
	s.ResetAdjust()
	return nil
}

// ===================
// Audio
// ===================

// SetAudioEnabled flips the global audio gate.
func (a *App) SetAudioEnabled(on bool) error {
	s, err := a.session()
	if err != nil {
		return err
	}
	s.Controller().SetAudioEnabled(on)

	a.mu.Lock()
	a.settings.AudioEnabled = on
	a.mu.Unlock()
	return nil
}

// ===================
// Stage Metadata
// ===================

// GetStageInfo returns the capture metadata for the committed stage.
func (a *App) GetStageInfo() (viewer.StageInfo, error) {
	s, err := a.session()
	if err != nil {
		return viewer.StageInfo{}, err
	}

	ctx, cancel := context.WithTimeout(a.ctx, 30*time.Second)
	defer cancel()
	return s.Info(ctx)
}

// ===================
// Snapshot & Timelapse
// ===================

// SaveSnapshot renders the current blend to an image file in the export
// directory and returns its path.
func (a *App) SaveSnapshot() (string, error) {
	s, err := a.session()
	if err != nil {
		return "", err
	}

	frame, err := s.Compose()
	if err != nil {
		return "", err
	}

	a.mu.Lock()
	exportPath := a.settings.ExportPath
	format := a.settings.SnapshotFormat
	a.mu.Unlock()

	if err := os.MkdirAll(exportPath, 0755); err != nil {
		return "", fmt.Errorf("failed to create export directory: %w", err)
	}

	name := fmt.Sprintf("%s_%s.%s", s.Project().ID, time.Now().Format("20060102_150405"), format)
	outPath := filepath.Join(exportPath, name)

	f, err := os.Create(outPath)
	if err != nil {
		return "", fmt.Errorf("failed to create snapshot file: %w", err)
	}
	defer f.Close()

	switch format {
	case "jpg":
		err = jpeg.Encode(f, frame, &jpeg.Options{Quality: 92})
	default:
		err = png.Encode(f, frame)
	}
	if err != nil {
		return "", fmt.Errorf("failed to encode snapshot: %w", err)
	}

	a.TrackEvent("snapshot_saved", map[string]interface{}{"format": format})
	return outPath, nil
}

// QueueTimelapseExport queues a timelapse export for the open project.
func (a *App) QueueTimelapseExport() (string, error) {
	s, err := a.session()
	if err != nil {
		return "", err
	}
	if a.ffmpegPath == "" {
		return "", fmt.Errorf("ffmpeg is required for timelapse export")
	}

	proj := s.Project()
	a.mu.Lock()
	fps := a.settings.TimelapseFPS
	a.mu.Unlock()

	task := taskqueue.NewExportTask(proj.Title, proj.ID, timelapse.Options{
		FrameRate:     fps,
		StepsPerStage: 45,
		HoldFrames:    fps,
		CRF:           20,
	})
	if err := a.taskQueue.AddTask(task); err != nil {
		return "", err
	}
	if err := a.taskQueue.StartQueue(); err != nil {
		// Already running means the task will be picked up anyway.
		wailsRuntime.LogInfo(a.ctx, err.Error())
	}

	a.TrackEvent("timelapse_queued", map[string]interface{}{"stages": len(proj.Stages)})
	return task.ID, nil
}

// GetTaskQueue returns all export tasks in order.
func (a *App) GetTaskQueue() []*taskqueue.ExportTask {
	return a.taskQueue.GetAllTasks()
}

// CancelExportTask cancels a queued or running export.
func (a *App) CancelExportTask(id string) error {
	return a.taskQueue.CancelTask(id)
}

// DeleteExportTask removes a finished export from the queue.
func (a *App) DeleteExportTask(id string) error {
	return a.taskQueue.DeleteTask(id)
}

// ExecuteExportTask implements taskqueue.TaskExecutor: render the sweep
// for the task's project and encode it.
func (a *App) ExecuteExportTask(ctx context.Context, task *taskqueue.ExportTask, onProgress func(taskqueue.TaskProgress)) (string, error) {
	s := a.sessions.Current()
	if s == nil || s.Project().ID != task.ProjectID {
		return "", fmt.Errorf("project %s is not open", task.ProjectID)
	}

	// The sweep needs every stage decoded, not just the first.
	loaded, total := s.LoadedStages()
	if loaded < total {
		return "", fmt.Errorf("still loading stages (%d/%d), try again shortly", loaded, total)
	}

	a.mu.Lock()
	exportPath := a.settings.ExportPath
	a.mu.Unlock()

	name := fmt.Sprintf("%s_timelapse_%s.mp4", task.ProjectID, time.Now().Format("20060102_150405"))
	outPath := filepath.Join(exportPath, name)

	exporter := timelapse.NewExporter(a.ffmpegPath, task.Options)
	err := exporter.Export(ctx, s, total, outPath, func(done, frames int) {
		onProgress(taskqueue.TaskProgress{
			CurrentPhase:    "rendering",
			FramesCompleted: done,
			FramesTotal:     frames,
			Percent:         done * 100 / frames,
		})
	})
	if err != nil {
		return "", err
	}

	onProgress(taskqueue.TaskProgress{CurrentPhase: "encoding", Percent: 100})
	return outPath, nil
}
