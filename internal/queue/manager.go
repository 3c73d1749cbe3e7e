package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"vedfolnir-queue/internal/events"
	"vedfolnir-queue/internal/models"
	"vedfolnir-queue/internal/store"
)

const (
	defaultMaxConcurrent  = 5
	defaultStuckThreshold = 60 * time.Minute
	defaultMaxRetries     = 3
)

type Config struct {
	// MaxConcurrent caps RUNNING tasks across the whole system.
	MaxConcurrent int
	// StuckThreshold is how long a RUNNING task may go without finishing
	// before the sweep forces it to FAILED.
	StuckThreshold time.Duration
	// DefaultMaxRetries is applied to tasks enqueued without a bound.
	DefaultMaxRetries int
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = defaultMaxConcurrent
	}
	if c.StuckThreshold <= 0 {
		c.StuckThreshold = defaultStuckThreshold
	}
	if c.DefaultMaxRetries <= 0 {
		c.DefaultMaxRetries = defaultMaxRetries
	}
	return c
}

// Manager is the scheduling core. It holds no task state of its own: the
// store is the single source of truth and every transition is one atomic
// store call. Constructed once at process start and passed by reference.
type Manager struct {
	store  store.Store
	cfg    Config
	logger *slog.Logger
	pub    events.Publisher
}

func NewManager(st store.Store, cfg Config, logger *slog.Logger, pub events.Publisher) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if pub == nil {
		pub = events.NoopPublisher{}
	}
	return &Manager{store: st, cfg: cfg.withDefaults(), logger: logger, pub: pub}
}

type EnqueueRequest struct {
	UserID               int64
	PlatformConnectionID int64
	// Priority defaults to NORMAL.
	Priority models.TaskPriority
	// PriorityOverride lets a privileged caller bypass the default at
	// admission time; it wins over Priority when set.
	PriorityOverride models.TaskPriority
	MaxRetries       int
	Settings         json.RawMessage
}

// Enqueue admits a new QUEUED task. ErrDuplicateActiveTask and ErrUserPaused
// are routine outcomes, not faults.
func (m *Manager) Enqueue(ctx context.Context, req EnqueueRequest) (*models.Task, error) {
	priority := req.Priority
	if priority == "" {
		priority = models.PriorityNormal
	}
	if req.PriorityOverride != "" {
		priority = req.PriorityOverride
	}
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = m.cfg.DefaultMaxRetries
	}

	task := &models.Task{
		ID:                   uuid.NewString(),
		UserID:               req.UserID,
		PlatformConnectionID: req.PlatformConnectionID,
		Status:               models.StatusQueued,
		Priority:             priority,
		MaxRetries:           maxRetries,
		SettingsJSON:         req.Settings,
	}
	if err := m.store.CreateTask(ctx, task, nil); err != nil {
		return nil, err
	}

	m.logger.Info("Task enqueued", "task_id", task.ID, "user_id", task.UserID, "priority", task.Priority)
	m.pub.Publish(events.Event{
		Type:    events.TypeTaskEnqueued,
		Message: "task enqueued",
		TaskID:  task.ID,
		UserID:  task.UserID,
	})
	return task, nil
}

// ClaimNext hands the next eligible task to a worker, transitioning it to
// RUNNING. Returns ErrNoTasks when nothing is eligible or the concurrency
// cap is reached.
func (m *Manager) ClaimNext(ctx context.Context) (*models.Task, error) {
	task, err := m.store.ClaimNext(ctx, m.cfg.MaxConcurrent)
	if err != nil {
		return nil, err
	}
	m.logger.Info("Task claimed", "task_id", task.ID, "user_id", task.UserID)
	m.pub.Publish(events.Event{
		Type:    events.TypeTaskClaimed,
		Message: "task claimed for execution",
		TaskID:  task.ID,
		UserID:  task.UserID,
	})
	return task, nil
}

// Cancel is the owner path. A task belonging to another tenant reports
// ErrTaskNotFound so task IDs leak no cross-tenant existence information.
func (m *Manager) Cancel(ctx context.Context, taskID string, requestingUserID int64, reason string) (bool, error) {
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	if task.UserID != requestingUserID {
		return false, store.ErrTaskNotFound
	}
	ok, err := m.store.CancelTask(ctx, taskID, false, nil, reason, nil)
	if err != nil || !ok {
		return ok, err
	}
	m.logger.Info("Task cancelled by owner", "task_id", taskID, "user_id", requestingUserID)
	m.pub.Publish(events.Event{
		Type:    events.TypeTaskCancelled,
		Message: "task cancelled by owner",
		TaskID:  taskID,
		UserID:  task.UserID,
	})
	return true, nil
}

// CancelAsAdmin cancels any active task and records the acting admin and
// reason, with an audit event in the same transaction.
func (m *Manager) CancelAsAdmin(ctx context.Context, taskID string, adminUserID int64, reason string) (bool, error) {
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	audit := &models.AuditEvent{
		TaskID:      taskID,
		AdminUserID: &adminUserID,
		Action:      models.ActionTaskCancelled,
		Details:     reason,
	}
	ok, err := m.store.CancelTask(ctx, taskID, true, &adminUserID, reason, audit)
	if err != nil || !ok {
		return ok, err
	}
	m.logger.Info("Task cancelled by admin", "task_id", taskID, "admin_user_id", adminUserID, "reason", reason)
	m.pub.Publish(events.Event{
		Type:        events.TypeTaskCancelled,
		Message:     "task cancelled by admin",
		TaskID:      taskID,
		UserID:      task.UserID,
		AdminUserID: &adminUserID,
		Metadata:    map[string]string{"reason": reason},
	})
	return true, nil
}

// UpdateProgress records a worker checkpoint. The returned stop flag is the
// cooperative cancellation signal: the worker is expected to abandon the
// task when it is true.
func (m *Manager) UpdateProgress(ctx context.Context, taskID string, percent int, step string) (bool, error) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	return m.store.UpdateProgress(ctx, taskID, percent, step)
}

// Complete is the worker success path, fenced on status=RUNNING.
func (m *Manager) Complete(ctx context.Context, taskID string, results json.RawMessage) (bool, error) {
	ok, err := m.store.CompleteTask(ctx, taskID, results)
	if err != nil || !ok {
		return ok, err
	}
	m.logger.Info("Task completed", "task_id", taskID)
	m.pub.Publish(events.Event{
		Type:    events.TypeTaskCompleted,
		Message: "task completed",
		TaskID:  taskID,
	})
	return true, nil
}

// Fail is the worker failure path, fenced on status=RUNNING.
func (m *Manager) Fail(ctx context.Context, taskID string, errorMessage string) (bool, error) {
	message := truncateError(errorMessage)
	ok, err := m.store.FailTask(ctx, taskID, message)
	if err != nil || !ok {
		return ok, err
	}
	m.logger.Info("Task failed", "task_id", taskID, "task_error", message)
	m.pub.Publish(events.Event{
		Type:    events.TypeTaskFailed,
		Message: "task failed",
		TaskID:  taskID,
	})
	return true, nil
}

// RequeueFailed creates a brand-new task from a FAILED one; the source row
// is never resurrected, which keeps its audit history truthful. With a nil
// adminUserID this is the automatic retry path and is bounded by the source
// task's max_retries; an admin may requeue past that bound.
func (m *Manager) RequeueFailed(ctx context.Context, taskID string, adminUserID *int64) (string, error) {
	source, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return "", err
	}
	if source.Status != models.StatusFailed {
		return "", store.ErrInvalidTransition
	}
	if adminUserID == nil && source.RetryCount >= source.MaxRetries {
		return "", store.ErrRetriesExhausted
	}

	action := models.ActionTaskRetryQueued
	if adminUserID != nil {
		action = models.ActionTaskRequeued
	}
	retryCount := source.RetryCount + 1
	maxRetries := source.MaxRetries
	if retryCount > maxRetries {
		// Admin requeue past the budget widens it; retry_count never
		// exceeds max_retries.
		maxRetries = retryCount
	}
	task := &models.Task{
		ID:                   uuid.NewString(),
		UserID:               source.UserID,
		PlatformConnectionID: source.PlatformConnectionID,
		Status:               models.StatusQueued,
		Priority:             source.Priority,
		RetryCount:           retryCount,
		MaxRetries:           maxRetries,
		SettingsJSON:         source.SettingsJSON,
		AdminManaged:         adminUserID != nil,
		AdminUserID:          adminUserID,
		RequeuedFrom:         source.ID,
	}
	audit := &models.AuditEvent{
		TaskID:      task.ID,
		AdminUserID: adminUserID,
		Action:      action,
		Details:     fmt.Sprintf("requeued from %s (retry %d/%d)", source.ID, task.RetryCount, task.MaxRetries),
	}
	if err := m.store.CreateTaskFrom(ctx, source.ID, task, audit); err != nil {
		return "", err
	}

	m.logger.Info("Task requeued", "source_task_id", source.ID, "task_id", task.ID, "retry_count", task.RetryCount)
	m.pub.Publish(events.Event{
		Type:        events.TypeTaskRequeued,
		Message:     "failed task requeued",
		TaskID:      task.ID,
		UserID:      task.UserID,
		AdminUserID: adminUserID,
		Metadata:    map[string]string{"source_task_id": source.ID},
	})
	return task.ID, nil
}

// ClearStuckTasks forces RUNNING tasks older than the threshold to FAILED,
// reclaiming their per-user and global slots. A zero threshold uses the
// configured default. This is the only automatic recovery mechanism and it
// never resolves back to QUEUED.
func (m *Manager) ClearStuckTasks(ctx context.Context, adminUserID *int64, threshold time.Duration) (int, error) {
	if threshold <= 0 {
		threshold = m.cfg.StuckThreshold
	}
	cutoff := time.Now().Add(-threshold)
	message := fmt.Sprintf("task stuck in RUNNING for over %s, cleared by sweep", threshold)
	swept, err := m.store.SweepStuck(ctx, cutoff, adminUserID, message)
	if err != nil {
		return 0, err
	}
	for _, id := range swept {
		m.logger.Warn("Stuck task cleared", "task_id", id, "threshold", threshold)
		m.pub.Publish(events.Event{
			Type:        events.TypeStuckCleared,
			Message:     "stuck task forced to FAILED",
			TaskID:      id,
			AdminUserID: adminUserID,
		})
	}
	return len(swept), nil
}

// SetTaskPriority rewrites scheduling priority on a non-terminal task. A
// RUNNING task keeps running; the change only matters while QUEUED.
func (m *Manager) SetTaskPriority(ctx context.Context, taskID string, adminUserID int64, priority models.TaskPriority) error {
	audit := &models.AuditEvent{
		TaskID:      taskID,
		AdminUserID: &adminUserID,
		Action:      models.ActionPriorityChanged,
	}
	before, err := m.store.SetPriority(ctx, taskID, priority, audit)
	if err != nil {
		return err
	}
	m.logger.Info("Task priority changed", "task_id", taskID, "from", before, "to", priority, "admin_user_id", adminUserID)
	m.pub.Publish(events.Event{
		Type:        events.TypePriorityChange,
		Message:     fmt.Sprintf("priority changed from %s to %s", before, priority),
		TaskID:      taskID,
		AdminUserID: &adminUserID,
	})
	return nil
}

// TaskForUser is the tenant-scoped read. Another tenant's task reports
// ErrTaskNotFound, indistinguishable from a task that does not exist.
func (m *Manager) TaskForUser(ctx context.Context, taskID string, userID int64) (*models.Task, error) {
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.UserID != userID {
		return nil, store.ErrTaskNotFound
	}
	return task, nil
}

// ListUserTasks returns a tenant's own tasks, most recent first.
func (m *Manager) ListUserTasks(ctx context.Context, userID int64, limit int) ([]models.Task, error) {
	return m.store.ListTasks(ctx, store.TaskFilter{UserID: &userID, Limit: limit})
}

// IsRoutineRefusal reports whether err is an expected precondition outcome
// rather than a system fault, for callers deciding log severity.
func IsRoutineRefusal(err error) bool {
	return errors.Is(err, store.ErrDuplicateActiveTask) ||
		errors.Is(err, store.ErrUserPaused) ||
		errors.Is(err, store.ErrInvalidTransition) ||
		errors.Is(err, store.ErrRetriesExhausted) ||
		errors.Is(err, store.ErrNoTasks)
}
