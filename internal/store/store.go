// Package store persists per-project viewer state: the last stage position,
// per-stage camera orientations, and per-stage exposure/gamma adjustments.
// State lives as one JSON blob per project in a local SQLite database so it
// survives restarts without ever expiring.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// keyPrefix namespaces project blobs inside the settings table.
const keyPrefix = "p360:proj:"

// Orientation is a saved camera angle pair: [theta, phi].
type Orientation [2]float64

// Settings is the persisted blob for one project. Map keys are stage
// indices; they serialize as JSON object keys ("0", "1", ...).
type Settings struct {
	StagePos        float64             `json:"stagePos"`
	Orients         map[int]Orientation `json:"orients,omitempty"`
	ExposureByStage map[int]float64     `json:"exposureByStage,omitempty"`
	GammaByStage    map[int]float64     `json:"gammaByStage,omitempty"`
}

// Patch is a partial update. Nil scalar pointers leave the stored value
// alone; map entries are merged key-by-key into the stored maps so that
// updating one stage never discards another's entry.
type Patch struct {
	StagePos        *float64
	Orients         map[int]Orientation
	ExposureByStage map[int]float64
	GammaByStage    map[int]float64
}

// Store is the settings database. Safe for use from multiple goroutines.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the settings database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create settings directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open settings database: %w", err)
	}

	const schema = `
		CREATE TABLE IF NOT EXISTS viewer_settings (
			key        TEXT PRIMARY KEY,
			payload    TEXT NOT NULL,
			updated_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize settings schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}

// Load returns the stored settings for a project. A missing row or a blob
// that no longer decodes yields the zero value; settings are best-effort
// and must never block the viewer from opening. A nil store (the database
// failed to open) always yields the zero value.
func (s *Store) Load(projectID string) Settings {
	if s == nil {
		return Settings{}
	}
	var payload string
	err := s.db.QueryRow(
		`SELECT payload FROM viewer_settings WHERE key = ?`, key(projectID),
	).Scan(&payload)
	if err != nil {
		return Settings{}
	}

	var settings Settings
	if err := json.Unmarshal([]byte(payload), &settings); err != nil {
		return Settings{}
	}
	return settings
}

// Save merges a partial update into the stored blob and writes it back.
// The read-modify-write runs inside one transaction. On a nil store the
// update is dropped and settings live only as long as the session.
func (s *Store) Save(projectID string, patch Patch) error {
	if s == nil {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin settings update: %w", err)
	}
	defer tx.Rollback()

	current := Settings{}
	var payload string
	if err := tx.QueryRow(
		`SELECT payload FROM viewer_settings WHERE key = ?`, key(projectID),
	).Scan(&payload); err == nil {
		// Decode failures fall through to the zero value; the corrupt blob
		// gets replaced by this save.
		_ = json.Unmarshal([]byte(payload), &current)
	}

	merged := merge(current, patch)
	data, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO viewer_settings (key, payload, updated_at)
		VALUES (?, ?, datetime('now'))
		ON CONFLICT(key) DO UPDATE SET
			payload = excluded.payload,
			updated_at = excluded.updated_at`,
		key(projectID), string(data))
	if err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	return tx.Commit()
}

// Delete removes a project's stored settings.
func (s *Store) Delete(projectID string) error {
	if s == nil {
		return nil
	}
	_, err := s.db.Exec(`DELETE FROM viewer_settings WHERE key = ?`, key(projectID))
	return err
}

func key(projectID string) string {
	if projectID == "" {
		projectID = "unknown"
	}
	return keyPrefix + projectID
}

// merge applies a patch one level deep: scalars overwrite, maps merge
// key-by-key.
func merge(current Settings, patch Patch) Settings {
	if patch.StagePos != nil {
		current.StagePos = *patch.StagePos
	}
	if len(patch.Orients) > 0 {
		if current.Orients == nil {
			current.Orients = make(map[int]Orientation, len(patch.Orients))
		}
		for i, v := range patch.Orients {
			current.Orients[i] = v
		}
	}
	if len(patch.ExposureByStage) > 0 {
		if current.ExposureByStage == nil {
			current.ExposureByStage = make(map[int]float64, len(patch.ExposureByStage))
		}
		for i, v := range patch.ExposureByStage {
			current.ExposureByStage[i] = v
		}
	}
	if len(patch.GammaByStage) > 0 {
		if current.GammaByStage == nil {
			current.GammaByStage = make(map[int]float64, len(patch.GammaByStage))
		}
		for i, v := range patch.GammaByStage {
			current.GammaByStage[i] = v
		}
	}
	return current
}
