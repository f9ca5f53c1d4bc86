package taskqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
)

// QueueState represents the persistent queue state
type QueueState struct {
	TaskOrder []string `json:"taskOrder"` // Ordered list of task IDs
	IsRunning bool     `json:"isRunning"`
}

// QueueStatus represents the current queue status for events
type QueueStatus struct {
	IsRunning      bool   `json:"isRunning"`
	CurrentTaskID  string `json:"currentTaskID"`
	TotalTasks     int    `json:"totalTasks"`
	CompletedTasks int    `json:"completedTasks"`
	PendingTasks   int    `json:"pendingTasks"`
}

// TaskExecutor runs one export task. Implemented by App, which knows how to
// load the project and drive the timelapse exporter.
type TaskExecutor interface {
	ExecuteExportTask(ctx context.Context, task *ExportTask, onProgress func(TaskProgress)) (outputPath string, err error)
}

// QueueManager manages the timelapse export queue. Exports render frames
// one project at a time; queueing lets the user line several up and walk
// away.
type QueueManager struct {
	tasks       map[string]*ExportTask
	taskOrder   []string
	mu          sync.RWMutex
	storagePath string

	isRunning   bool
	currentTask *ExportTask

	taskAdded chan struct{}

	ctx        context.Context
	cancelFunc context.CancelFunc

	executor TaskExecutor

	onQueueUpdate  func(status QueueStatus)
	onTaskProgress func(taskID string, progress TaskProgress)
	onTaskComplete func(taskID string, success bool, err error)
}

// NewQueueManager creates a queue manager persisting under storagePath.
func NewQueueManager(storagePath string) *QueueManager {
	ctx, cancel := context.WithCancel(context.Background())

	qm := &QueueManager{
		tasks:       make(map[string]*ExportTask),
		taskOrder:   make([]string, 0),
		storagePath: storagePath,
		taskAdded:   make(chan struct{}, 1),
		ctx:         ctx,
		cancelFunc:  cancel,
	}

	if err := qm.loadState(); err != nil {
		log.Printf("[TaskQueue] Failed to load queue state: %v", err)
	}

	return qm
}

// SetExecutor sets the task executor
func (qm *QueueManager) SetExecutor(executor TaskExecutor) {
	qm.executor = executor
}

// SetCallbacks sets event callbacks
func (qm *QueueManager) SetCallbacks(
	onQueueUpdate func(QueueStatus),
	onTaskProgress func(string, TaskProgress),
	onTaskComplete func(string, bool, error),
) {
	qm.onQueueUpdate = onQueueUpdate
	qm.onTaskProgress = onTaskProgress
	qm.onTaskComplete = onTaskComplete
}

func (qm *QueueManager) getStoragePaths() (queueFile, tasksDir string) {
	queueFile = filepath.Join(qm.storagePath, "queue.json")
	tasksDir = filepath.Join(qm.storagePath, "tasks")
	return
}

// loadState loads the queue state from disk
func (qm *QueueManager) loadState() error {
	queueFile, tasksDir := qm.getStoragePaths()

	if data, err := os.ReadFile(queueFile); err == nil {
		var state QueueState
		if err := json.Unmarshal(data, &state); err == nil {
			qm.taskOrder = state.TaskOrder
			// isRunning is not restored, the user starts the queue
			// explicitly after launch.
		}
	}

	if entries, err := os.ReadDir(tasksDir); err == nil {
		for _, entry := range entries {
			if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
				continue
			}
			taskPath := filepath.Join(tasksDir, entry.Name())
			task, err := LoadFromFile(taskPath)
			if err != nil {
				log.Printf("[TaskQueue] Failed to load task %s: %v", entry.Name(), err)
				continue
			}
			// A task that was mid-run when the app quit starts over.
			if task.Status == TaskStatusRunning {
				task.Status = TaskStatusPending
			}
			qm.tasks[task.ID] = task
		}
	}

	// Drop order entries whose task file is gone, and pick up task files
	// missing from the order.
	validOrder := make([]string, 0, len(qm.taskOrder))
	for _, id := range qm.taskOrder {
		if _, exists := qm.tasks[id]; exists {
			validOrder = append(validOrder, id)
		}
	}
	qm.taskOrder = validOrder
	for id := range qm.tasks {
		if !contains(qm.taskOrder, id) {
			qm.taskOrder = append(qm.taskOrder, id)
		}
	}

	log.Printf("[TaskQueue] Loaded %d tasks from disk", len(qm.tasks))
	return nil
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// saveState saves the queue state to disk
func (qm *QueueManager) saveState() error {
	queueFile, _ := qm.getStoragePaths()

	if err := os.MkdirAll(filepath.Dir(queueFile), 0755); err != nil {
		return fmt.Errorf("failed to create queue directory: %w", err)
	}

	state := QueueState{
		TaskOrder: qm.taskOrder,
		IsRunning: qm.isRunning,
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal queue state: %w", err)
	}

	if err := os.WriteFile(queueFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write queue state: %w", err)
	}

	return nil
}

func (qm *QueueManager) saveTask(task *ExportTask) error {
	_, tasksDir := qm.getStoragePaths()
	return task.SaveToFile(tasksDir)
}

// AddTask adds a new task to the queue
func (qm *QueueManager) AddTask(task *ExportTask) error {
	qm.mu.Lock()
	defer qm.mu.Unlock()

	if task.ID == "" {
		task.ID = generateTaskID()
	}

	qm.tasks[task.ID] = task
	qm.taskOrder = append(qm.taskOrder, task.ID)

	if err := qm.saveTask(task); err != nil {
		return err
	}
	if err := qm.saveState(); err != nil {
		return err
	}

	qm.emitQueueUpdate()

	select {
	case qm.taskAdded <- struct{}{}:
	default:
	}

	log.Printf("[TaskQueue] Added task: %s (%s)", task.Name, task.ID)
	return nil
}

// GetTask returns a task by ID
func (qm *QueueManager) GetTask(id string) (*ExportTask, error) {
	qm.mu.RLock()
	defer qm.mu.RUnlock()

	task, exists := qm.tasks[id]
	if !exists {
		return nil, fmt.Errorf("task not found: %s", id)
	}

	return task, nil
}

// GetAllTasks returns all tasks in order
func (qm *QueueManager) GetAllTasks() []*ExportTask {
	qm.mu.RLock()
	defer qm.mu.RUnlock()

	result := make([]*ExportTask, 0, len(qm.taskOrder))
	for _, id := range qm.taskOrder {
		if task, exists := qm.tasks[id]; exists {
			result = append(result, task)
		}
	}

	return result
}

// DeleteTask removes a task from the queue
func (qm *QueueManager) DeleteTask(id string) error {
	qm.mu.Lock()
	defer qm.mu.Unlock()

	task, exists := qm.tasks[id]
	if !exists {
		return fmt.Errorf("task not found: %s", id)
	}

	if task.Status == TaskStatusRunning {
		return fmt.Errorf("cannot delete running task - cancel it first")
	}

	newOrder := make([]string, 0, len(qm.taskOrder)-1)
	for _, taskID := range qm.taskOrder {
		if taskID != id {
			newOrder = append(newOrder, taskID)
		}
	}
	qm.taskOrder = newOrder
	delete(qm.tasks, id)

	_, tasksDir := qm.getStoragePaths()
	task.DeleteFile(tasksDir)
	qm.saveState()

	qm.emitQueueUpdate()
	log.Printf("[TaskQueue] Deleted task: %s", id)
	return nil
}

// CancelTask cancels a running or pending task
func (qm *QueueManager) CancelTask(id string) error {
	qm.mu.Lock()
	defer qm.mu.Unlock()

	task, exists := qm.tasks[id]
	if !exists {
		return fmt.Errorf("task not found: %s", id)
	}

	if task.Status == TaskStatusCompleted || task.Status == TaskStatusFailed || task.Status == TaskStatusCancelled {
		return fmt.Errorf("task already finished")
	}

	task.MarkCancelled()

	if qm.currentTask != nil && qm.currentTask.ID == id {
		qm.cancelFunc()
		qm.ctx, qm.cancelFunc = context.WithCancel(context.Background())
	}

	qm.saveTask(task)
	qm.emitQueueUpdate()
	log.Printf("[TaskQueue] Cancelled task: %s", id)
	return nil
}

// StartQueue begins processing tasks
func (qm *QueueManager) StartQueue() error {
	qm.mu.Lock()
	if qm.isRunning {
		qm.mu.Unlock()
		return fmt.Errorf("queue is already running")
	}
	qm.isRunning = true
	qm.saveState()
	qm.mu.Unlock()

	go qm.worker()

	qm.emitQueueUpdate()
	log.Printf("[TaskQueue] Queue started")
	return nil
}

// StopQueue stops the queue, cancelling the current task.
func (qm *QueueManager) StopQueue() {
	qm.mu.Lock()
	qm.isRunning = false
	qm.saveState()
	qm.mu.Unlock()

	qm.cancelFunc()
	qm.mu.Lock()
	qm.ctx, qm.cancelFunc = context.WithCancel(context.Background())
	qm.mu.Unlock()

	qm.emitQueueUpdate()
	log.Printf("[TaskQueue] Queue stopped")
}

// GetStatus returns the current queue status.
func (qm *QueueManager) GetStatus() QueueStatus {
	qm.mu.RLock()
	defer qm.mu.RUnlock()
	return qm.statusLocked()
}

func (qm *QueueManager) statusLocked() QueueStatus {
	status := QueueStatus{
		IsRunning:  qm.isRunning,
		TotalTasks: len(qm.tasks),
	}
	if qm.currentTask != nil {
		status.CurrentTaskID = qm.currentTask.ID
	}
	for _, task := range qm.tasks {
		switch task.Status {
		case TaskStatusCompleted:
			status.CompletedTasks++
		case TaskStatusPending:
			status.PendingTasks++
		}
	}
	return status
}

func (qm *QueueManager) emitQueueUpdate() {
	if qm.onQueueUpdate != nil {
		qm.onQueueUpdate(qm.statusLocked())
	}
}

// worker processes tasks one at a time until the queue is stopped or
// drained. Timelapse rendering saturates the CPU on its own, so there is
// no per-task parallelism.
func (qm *QueueManager) worker() {
	for {
		qm.mu.Lock()
		if !qm.isRunning {
			qm.mu.Unlock()
			return
		}
		task := qm.nextPendingLocked()
		if task == nil {
			qm.isRunning = false
			qm.saveState()
			qm.emitQueueUpdate()
			qm.mu.Unlock()
			log.Printf("[TaskQueue] Queue drained")
			return
		}

		task.MarkStarted()
		qm.currentTask = task
		qm.saveTask(task)
		qm.emitQueueUpdate()
		ctx := qm.ctx
		qm.mu.Unlock()

		qm.runTask(ctx, task)
	}
}

func (qm *QueueManager) nextPendingLocked() *ExportTask {
	for _, id := range qm.taskOrder {
		if task, exists := qm.tasks[id]; exists && task.Status == TaskStatusPending {
			return task
		}
	}
	return nil
}

func (qm *QueueManager) runTask(ctx context.Context, task *ExportTask) {
	log.Printf("[TaskQueue] Running task: %s (%s)", task.Name, task.ID)

	outputPath, err := qm.executor.ExecuteExportTask(ctx, task, func(p TaskProgress) {
		qm.mu.Lock()
		task.Progress = p
		qm.mu.Unlock()
		if qm.onTaskProgress != nil {
			qm.onTaskProgress(task.ID, p)
		}
	})

	qm.mu.Lock()
	qm.currentTask = nil
	switch {
	case task.Status == TaskStatusCancelled:
		// CancelTask already recorded the outcome.
	case err != nil:
		task.MarkFailed(err)
	default:
		task.MarkCompleted(outputPath)
	}
	qm.saveTask(task)
	qm.emitQueueUpdate()
	qm.mu.Unlock()

	if qm.onTaskComplete != nil {
		qm.onTaskComplete(task.ID, err == nil && task.Status == TaskStatusCompleted, err)
	}
}
