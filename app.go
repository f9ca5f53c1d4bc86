package main

import (
	"context"
	"fmt"
	"log"
	"os/exec"
	"path/filepath"
	goruntime "runtime"
	"sync"

	"github.com/posthog/posthog-go"
	wailsRuntime "github.com/wailsapp/wails/v2/pkg/runtime"

	"pano-desktop/internal/config"
	"pano-desktop/internal/loader"
	"pano-desktop/internal/mediacache"
	"pano-desktop/internal/mediaserver"
	"pano-desktop/internal/project"
	"pano-desktop/internal/store"
	"pano-desktop/internal/taskqueue"
	"pano-desktop/internal/timelapse"
	"pano-desktop/internal/viewer"
)

// Linker flags
var (
	PostHogKey  string
	PostHogHost string
	AppVersion  string = "0.0.0-dev"
)

// App is the Wails-bound application backend.
type App struct {
	ctx      context.Context
	settings *config.UserSettings
	mu       sync.Mutex
	devMode  bool // Enable verbose logging in dev mode only

	mediaCache  *mediacache.MediaCache
	mediaServer *mediaserver.Server
	fetcher     *loader.Fetcher
	loader      *loader.Loader
	store       *store.Store
	sessions    *viewer.Manager
	taskQueue   *taskqueue.QueueManager
	exporter    *timelapse.Exporter
	ffmpegPath  string

	phClient posthog.Client
}

// NewApp creates a new App application struct
func NewApp() *App {
	settings, err := config.LoadSettings()
	if err != nil {
		log.Printf("Failed to load settings, using defaults: %v", err)
		settings = config.DefaultSettings()
	}
	log.Printf("Settings loaded from: %s", config.GetSettingsPath())

	cacheDir := filepath.Join(config.BaseDir(), "media-cache")
	mediaCache, err := mediacache.New(cacheDir, settings.CacheMaxSizeMB)
	if err != nil {
		log.Printf("Failed to initialize media cache: %v", err)
		mediaCache = nil // Continue without cache
	} else {
		log.Printf("Media cache initialized at %s (max %d MB)", cacheDir, settings.CacheMaxSizeMB)
	}

	settingsStore, err := store.Open(filepath.Join(config.BaseDir(), "viewer-settings.db"))
	if err != nil {
		log.Printf("Failed to open viewer settings store: %v", err)
	}

	ffmpegPath, ffmpegOK := timelapse.CheckFFmpeg()
	if !ffmpegOK {
		log.Printf("ffmpeg not found, video posters and timelapse export disabled")
	}

	fetcher := loader.NewFetcher(mediaCache, settings.MediaPath)
	stageLoader := loader.New(fetcher, settings.LoaderWorkers, ffmpegPath)

	// Initialize PostHog
	var phClient posthog.Client
	if PostHogKey != "" && settings.TelemetryEnabled {
		phConfig := posthog.Config{
			Endpoint: PostHogHost,
		}
		client, err := posthog.NewWithConfig(PostHogKey, phConfig)
		if err != nil {
			log.Printf("Failed to initialize PostHog: %v", err)
		} else {
			phClient = client
		}
	}

	queuePath := filepath.Join(config.BaseDir(), "queue")
	taskQueue := taskqueue.NewQueueManager(queuePath)
	log.Printf("Task queue initialized at %s", queuePath)

	return &App{
		settings:   settings,
		mediaCache: mediaCache,
		fetcher:    fetcher,
		loader:     stageLoader,
		store:      settingsStore,
		taskQueue:  taskQueue,
		ffmpegPath: ffmpegPath,
		phClient:   phClient,
		exporter: timelapse.NewExporter(ffmpegPath, timelapse.Options{
			FrameRate:     settings.TimelapseFPS,
			StepsPerStage: 45,
			HoldFrames:    settings.TimelapseFPS,
			CRF:           20,
		}),
	}
}

// startup is called when the app starts
func (a *App) startup(ctx context.Context) {
	a.ctx = ctx

	a.sessions = viewer.NewManager(a.store, a.loader, a.fetcher.Fetch, a)

	a.mediaServer = mediaserver.New(a.mediaCache, a.settings.MediaPath)
	if err := a.mediaServer.Start(); err != nil {
		wailsRuntime.LogError(ctx, fmt.Sprintf("Failed to start media server: %v", err))
	} else {
		wailsRuntime.LogInfo(ctx, "Media server started at "+a.mediaServer.URL())
	}

	a.taskQueue.SetExecutor(a)
	a.taskQueue.SetCallbacks(
		func(status taskqueue.QueueStatus) {
			wailsRuntime.EventsEmit(ctx, "task-queue-update", status)
		},
		func(taskID string, progress taskqueue.TaskProgress) {
			wailsRuntime.EventsEmit(ctx, "task-progress", map[string]interface{}{
				"taskId":   taskID,
				"progress": progress,
			})
		},
		func(taskID string, success bool, err error) {
			errStr := ""
			if err != nil {
				errStr = err.Error()
			}
			wailsRuntime.EventsEmit(ctx, "task-complete", map[string]interface{}{
				"taskId":  taskID,
				"success": success,
				"error":   errStr,
			})
		},
	)

	a.TrackEvent("app_started", map[string]interface{}{
		"version": a.GetAppVersion(),
		"os":      goruntime.GOOS,
		"arch":    goruntime.GOARCH,
	})
}

// Emit implements viewer.Emitter over the Wails event bus.
func (a *App) Emit(event string, data ...interface{}) {
	if a.ctx == nil {
		return
	}
	wailsRuntime.EventsEmit(a.ctx, event, data...)
}

// TrackEvent sends an event to PostHog
func (a *App) TrackEvent(event string, props map[string]interface{}) {
	if a.phClient != nil {
		a.phClient.Enqueue(posthog.Capture{
			DistinctId: a.settings.InstallID,
			Event:      event,
			Properties: props,
		})
	}
}

// Shutdown cleans up resources
func (a *App) Shutdown(ctx context.Context) {
	if a.sessions != nil {
		a.sessions.Close()
	}
	if a.taskQueue != nil {
		a.taskQueue.StopQueue()
	}
	if a.mediaServer != nil {
		a.mediaServer.Close()
	}
	if a.mediaCache != nil {
		a.mediaCache.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
	if a.phClient != nil {
		a.phClient.Close()
	}
}

// GetAppVersion returns the current application version
func (a *App) GetAppVersion() string {
	return AppVersion
}

// ListProjects reads the projects manifest from the media directory.
func (a *App) ListProjects() ([]project.Project, error) {
	a.mu.Lock()
	mediaPath := a.settings.MediaPath
	a.mu.Unlock()

	projects, err := project.LoadManifest(filepath.Join(mediaPath, "projects.json"))
	if err != nil {
		return nil, err
	}
	return projects, nil
}

// GetMediaURL maps a stage URL to the local media server.
func (a *App) GetMediaURL(stageURL string) string {
	if a.mediaServer == nil {
		return stageURL
	}
	return a.mediaServer.MediaURL(stageURL)
}

// GetCacheStats reports media cache usage for the settings screen.
func (a *App) GetCacheStats() map[string]interface{} {
	if a.mediaCache == nil {
		return map[string]interface{}{"enabled": false}
	}
	entries, size, max := a.mediaCache.Stats()
	return map[string]interface{}{
		"enabled":   true,
		"entries":   entries,
		"sizeBytes": size,
		"maxBytes":  max,
	}
}

// ClearMediaCache drops every cached media blob.
func (a *App) ClearMediaCache() error {
	if a.mediaCache == nil {
		return fmt.Errorf("media cache is disabled")
	}
	return a.mediaCache.Clear()
}

// OpenFolder opens a folder in the system file manager.
func (a *App) OpenFolder(path string) error {
	var cmd *exec.Cmd
	switch goruntime.GOOS {
	case "darwin":
		cmd = exec.Command("open", path)
	case "windows":
		cmd = exec.Command("explorer", path)
	default:
		cmd = exec.Command("xdg-open", path)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to open folder: %w", err)
	}
	return nil
}
