package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// UserSettings represents persistent user preferences
type UserSettings struct {
	// Where project manifests and local media live
	MediaPath string `json:"mediaPath"`

	// Where timelapse exports and snapshots are written
	ExportPath string `json:"exportPath"`

	// Cache settings
	CacheMaxSizeMB int `json:"cacheMaxSizeMB"`

	// Loader settings
	LoaderWorkers int `json:"loaderWorkers"`

	// Viewer preferences
	AudioEnabled   bool    `json:"audioEnabled"`
	DefaultGamma   float64 `json:"defaultGamma"`
	TimelapseFPS   int     `json:"timelapseFPS"`
	SnapshotFormat string  `json:"snapshotFormat"` // "png" or "jpg"

	// UI preferences
	Theme string `json:"theme"` // "light", "dark", "system"

	// Telemetry
	TelemetryEnabled bool   `json:"telemetryEnabled"`
	InstallID        string `json:"installId"`
}

// DefaultSettings returns default user settings
func DefaultSettings() *UserSettings {
	homeDir, _ := os.UserHomeDir()

	return &UserSettings{
		MediaPath:        filepath.Join(homeDir, "Pictures", "panoramas"),
		ExportPath:       filepath.Join(homeDir, "Downloads", "panoramas"),
		CacheMaxSizeMB:   500,
		LoaderWorkers:    4,
		AudioEnabled:     false,
		DefaultGamma:     1.3,
		TimelapseFPS:     30,
		SnapshotFormat:   "png",
		Theme:            "system",
		TelemetryEnabled: true,
		InstallID:        uuid.NewString(),
	}
}

// BaseDir returns the application data directory.
func BaseDir() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".pano-desktop")
}

// GetSettingsPath returns the OS-specific settings file path
func GetSettingsPath() string {
	baseDir := filepath.Join(BaseDir(), "settings")

	// Ensure directory exists
	os.MkdirAll(baseDir, 0755)

	return filepath.Join(baseDir, "settings.json")
}

// LoadSettings loads user settings from disk
func LoadSettings() (*UserSettings, error) {
	settingsPath := GetSettingsPath()

	// If file doesn't exist, return defaults
	if _, err := os.Stat(settingsPath); os.IsNotExist(err) {
		settings := DefaultSettings()
		// Persist immediately so the install ID is stable.
		if err := SaveSettings(settings); err != nil {
			return settings, nil
		}
		return settings, nil
	}

	data, err := os.ReadFile(settingsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings file: %w", err)
	}

	var settings UserSettings
	if err := json.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("failed to parse settings: %w", err)
	}

	// Merge with defaults for any missing fields
	defaults := DefaultSettings()
	if settings.MediaPath == "" {
		settings.MediaPath = defaults.MediaPath
	}
	if settings.ExportPath == "" {
		settings.ExportPath = defaults.ExportPath
	}
	if settings.CacheMaxSizeMB == 0 {
		settings.CacheMaxSizeMB = defaults.CacheMaxSizeMB
	}
	if settings.LoaderWorkers == 0 {
		settings.LoaderWorkers = defaults.LoaderWorkers
	}
	if settings.DefaultGamma == 0 {
		settings.DefaultGamma = defaults.DefaultGamma
	}
	if settings.TimelapseFPS == 0 {
		settings.TimelapseFPS = defaults.TimelapseFPS
	}
	if settings.SnapshotFormat == "" {
		settings.SnapshotFormat = defaults.SnapshotFormat
	}
	if settings.Theme == "" {
		settings.Theme = defaults.Theme
	}
	if settings.InstallID == "" {
		settings.InstallID = uuid.NewString()
		SaveSettings(&settings)
	}

	return &settings, nil
}

// SaveSettings saves user settings to disk
func SaveSettings(settings *UserSettings) error {
	settingsPath := GetSettingsPath()

	dir := filepath.Dir(settingsPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}

	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	if err := os.WriteFile(settingsPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write settings file: %w", err)
	}

	return nil
}

// ValidateSettings checks values a UI update could have broken.
func ValidateSettings(settings *UserSettings) error {
	if settings.CacheMaxSizeMB < 0 {
		return fmt.Errorf("cache size cannot be negative")
	}
	if settings.LoaderWorkers < 1 || settings.LoaderWorkers > 16 {
		return fmt.Errorf("loader workers must be between 1 and 16")
	}
	if settings.DefaultGamma < 0.5 || settings.DefaultGamma > 3 {
		return fmt.Errorf("default gamma out of range")
	}
	if settings.SnapshotFormat != "png" && settings.SnapshotFormat != "jpg" {
		return fmt.Errorf("invalid snapshot format: %s (must be png or jpg)", settings.SnapshotFormat)
	}
	return nil
}
