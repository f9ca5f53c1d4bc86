package taskqueue

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"pano-desktop/internal/timelapse"
)

// TaskStatus represents the current status of a task
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// TaskProgress reports how far an export has got.
type TaskProgress struct {
	CurrentPhase    string `json:"currentPhase"` // "rendering", "encoding"
	FramesTotal     int    `json:"framesTotal"`
	FramesCompleted int    `json:"framesCompleted"`
	Percent         int    `json:"percent"`
}

// ExportTask is one queued timelapse export.
type ExportTask struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Status      TaskStatus `json:"status"`
	CreatedAt   string     `json:"createdAt"` // ISO 8601 format
	StartedAt   string     `json:"startedAt,omitempty"`
	CompletedAt string     `json:"completedAt,omitempty"`

	// What to export
	ProjectID string            `json:"projectId"`
	Options   timelapse.Options `json:"options"`

	// Progress tracking
	Progress TaskProgress `json:"progress"`

	// Error message if failed
	Error string `json:"error,omitempty"`

	// Output path for completed exports
	OutputPath string `json:"outputPath,omitempty"`
}

// NewExportTask creates a pending export task for a project.
func NewExportTask(name, projectID string, options timelapse.Options) *ExportTask {
	return &ExportTask{
		ID:        generateTaskID(),
		Name:      name,
		Status:    TaskStatusPending,
		CreatedAt: time.Now().Format(time.RFC3339),
		ProjectID: projectID,
		Options:   options,
	}
}

// generateTaskID creates a unique task ID
func generateTaskID() string {
	return fmt.Sprintf("task_%d", time.Now().UnixNano())
}

// SaveToFile persists the task to a JSON file
func (t *ExportTask) SaveToFile(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create task directory: %w", err)
	}

	path := filepath.Join(dir, t.ID+".json")
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write task file: %w", err)
	}

	return nil
}

// LoadFromFile loads a task from a JSON file
func LoadFromFile(path string) (*ExportTask, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read task file: %w", err)
	}

	var task ExportTask
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task: %w", err)
	}

	return &task, nil
}

// DeleteFile removes the task file from disk
func (t *ExportTask) DeleteFile(dir string) error {
	path := filepath.Join(dir, t.ID+".json")
	return os.Remove(path)
}

// UpdateProgress updates the task's frame progress.
func (t *ExportTask) UpdateProgress(phase string, framesCompleted, framesTotal int) {
	t.Progress.CurrentPhase = phase
	t.Progress.FramesCompleted = framesCompleted
	t.Progress.FramesTotal = framesTotal

	if framesTotal > 0 {
		t.Progress.Percent = (framesCompleted * 100) / framesTotal
	}
	if t.Progress.Percent > 100 {
		t.Progress.Percent = 100
	}
}

// MarkStarted marks the task as started
func (t *ExportTask) MarkStarted() {
	t.StartedAt = time.Now().Format(time.RFC3339)
	t.Status = TaskStatusRunning
}

// MarkCompleted marks the task as completed
func (t *ExportTask) MarkCompleted(outputPath string) {
	t.CompletedAt = time.Now().Format(time.RFC3339)
	t.Status = TaskStatusCompleted
	t.OutputPath = outputPath
	t.Progress.Percent = 100
}

// MarkFailed marks the task as failed with an error
func (t *ExportTask) MarkFailed(err error) {
	t.CompletedAt = time.Now().Format(time.RFC3339)
	t.Status = TaskStatusFailed
	if err != nil {
		t.Error = err.Error()
	}
}

// MarkCancelled marks the task as cancelled
func (t *ExportTask) MarkCancelled() {
	t.CompletedAt = time.Now().Format(time.RFC3339)
	t.Status = TaskStatusCancelled
}
