package store

import (
	"context"
	"encoding/json"
	"time"

	"vedfolnir-queue/internal/models"
)

// TaskFilter narrows ListTasks. A nil field means no constraint.
type TaskFilter struct {
	Status *models.TaskStatus
	UserID *int64
	Limit  int
}

// AuditQuery narrows ListAuditEvents.
type AuditQuery struct {
	TaskID      string
	AdminUserID *int64
	Action      string
	Limit       int
}

// QueueStatistics is a point-in-time aggregate read, recomputed on every
// call rather than maintained as counters.
type QueueStatistics struct {
	Total          int
	ByStatus       map[models.TaskStatus]int
	ByPriority     map[models.TaskPriority]int
	AdminCancelled int
	Retried        int
	AvgQueuedWait  time.Duration
}

// Store is the single source of truth for task state. Every mutating method
// executes as one atomic read-modify-write: the precondition is re-validated
// inside the same transaction that writes the new state, and the audit event
// (when non-nil) commits or rolls back with it.
type Store interface {
	// CreateTask persists a QUEUED task. Fails with ErrDuplicateActiveTask
	// when the owner already has a task in an active status, ErrUserPaused
	// when the owner's jobs are paused, and ErrUserNotFound for an unknown
	// owner.
	CreateTask(ctx context.Context, task *models.Task, audit *models.AuditEvent) error

	// CreateTaskFrom persists a new QUEUED task only while the source task
	// is still FAILED, in the same transaction. The source row is never
	// mutated.
	CreateTaskFrom(ctx context.Context, sourceID string, task *models.Task, audit *models.AuditEvent) error

	GetTask(ctx context.Context, id string) (*models.Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]models.Task, error)

	// ClaimNext atomically selects the QUEUED task with the highest
	// priority (oldest first within a priority) and transitions it to
	// RUNNING, stamping started_at. Returns ErrNoTasks when nothing is
	// eligible or the RUNNING count has reached maxRunning.
	ClaimNext(ctx context.Context, maxRunning int) (*models.Task, error)

	// CancelTask transitions an active task to CANCELLED. Returns
	// (false, nil) when the task exists but is already terminal.
	CancelTask(ctx context.Context, id string, byAdmin bool, adminUserID *int64, reason string, audit *models.AuditEvent) (bool, error)

	// UpdateProgress records worker progress on a RUNNING task and reports
	// whether the worker should stop: true when cancellation was requested
	// or the task has been moved out of RUNNING behind the worker's back.
	UpdateProgress(ctx context.Context, id string, percent int, step string) (stop bool, err error)

	// CompleteTask and FailTask are the only terminal transitions available
	// to a worker. Both are fenced on status=RUNNING and return (false, nil)
	// when the fence fails.
	CompleteTask(ctx context.Context, id string, results json.RawMessage) (bool, error)
	FailTask(ctx context.Context, id string, errorMessage string) (bool, error)

	// SweepStuck forces every RUNNING task started before cutoff to FAILED,
	// writing one audit event per task. Returns the affected task IDs.
	SweepStuck(ctx context.Context, cutoff time.Time, adminUserID *int64, errorMessage string) ([]string, error)

	// SetPriority rewrites the priority of a non-terminal task and returns
	// the previous value. Fails with ErrInvalidTransition on terminal tasks.
	SetPriority(ctx context.Context, id string, priority models.TaskPriority, audit *models.AuditEvent) (models.TaskPriority, error)

	// SetAdminNotes annotates a task. Allowed on terminal tasks; admin
	// notes are the one field that stays mutable after the end of life.
	SetAdminNotes(ctx context.Context, id string, adminUserID int64, notes string, audit *models.AuditEvent) error

	Statistics(ctx context.Context) (QueueStatistics, error)

	AppendAuditEvent(ctx context.Context, event *models.AuditEvent) error
	ListAuditEvents(ctx context.Context, query AuditQuery) ([]models.AuditEvent, error)

	GetUser(ctx context.Context, id int64) (*models.User, error)
	UpsertUser(ctx context.Context, user *models.User) error
	SetUserJobsPaused(ctx context.Context, userID int64, paused bool, audit *models.AuditEvent) error

	Ping(ctx context.Context) error
	Close()
}
