package main

import (
	"fmt"
	"log"

	wailsRuntime "github.com/wailsapp/wails/v2/pkg/runtime"

	"pano-desktop/internal/config"
)

// ===================
// Settings Management
// ===================

// GetSettings returns current user settings
func (a *App) GetSettings() (*config.UserSettings, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	// Return a copy to prevent external modifications
	settingsCopy := *a.settings
	return &settingsCopy, nil
}

// SaveSettings saves user settings to disk and updates app state
func (a *App) SaveSettings(settings *config.UserSettings) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if settings.MediaPath == "" {
		return fmt.Errorf("media path cannot be empty")
	}
	if err := config.ValidateSettings(settings); err != nil {
		return err
	}

	// The install ID is not editable from the UI.
	settings.InstallID = a.settings.InstallID

	if err := config.SaveSettings(settings); err != nil {
		return err
	}

	a.settings = settings

	// Note: Cache and loader settings require app restart to take effect
	log.Printf("Settings saved. Cache settings will apply on next restart.")

	return nil
}

// GetSettingsPath returns the OS-specific settings file path
func (a *App) GetSettingsPath() string {
	return config.GetSettingsPath()
}

// SelectMediaFolder opens a directory picker for the project media folder.
func (a *App) SelectMediaFolder() (string, error) {
	a.mu.Lock()
	current := a.settings.MediaPath
	a.mu.Unlock()

	dir, err := wailsRuntime.OpenDirectoryDialog(a.ctx, wailsRuntime.OpenDialogOptions{
		Title:            "Select Project Media Folder",
		DefaultDirectory: current,
	})
	if err != nil {
		return "", err
	}
	if dir == "" {
		return current, nil // user cancelled
	}

	a.mu.Lock()
	a.settings.MediaPath = dir
	err = config.SaveSettings(a.settings)
	a.mu.Unlock()
	if err != nil {
		return "", err
	}
	return dir, nil
}

// SelectExportFolder opens a directory picker for snapshots and timelapses.
func (a *App) SelectExportFolder() (string, error) {
	a.mu.Lock()
	current := a.settings.ExportPath
	a.mu.Unlock()

	dir, err := wailsRuntime.OpenDirectoryDialog(a.ctx, wailsRuntime.OpenDialogOptions{
		Title:            "Select Export Folder",
		DefaultDirectory: current,
	})
	if err != nil {
		return "", err
	}
	if dir == "" {
		return current, nil
	}

	a.mu.Lock()
	a.settings.ExportPath = dir
	err = config.SaveSettings(a.settings)
	a.mu.Unlock()
	if err != nil {
		return "", err
	}
	return dir, nil
}

// OpenExportFolder opens the export directory in the system file manager.
func (a *App) OpenExportFolder() error {
	a.mu.Lock()
	path := a.settings.ExportPath
	a.mu.Unlock()
	return a.OpenFolder(path)
}

// SetTelemetryEnabled flips telemetry and persists the choice. Takes
// effect for the PostHog client on next launch.
func (a *App) SetTelemetryEnabled(on bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.settings.TelemetryEnabled = on
	return config.SaveSettings(a.settings)
}
