package models

import "time"

// Audit actions. One event is written in the same transaction as the task
// update it describes; system-initiated events carry a nil AdminUserID.
const (
	ActionTaskCancelled      = "task_cancelled"
	ActionTaskStuckCleared   = "task_stuck_cleared"
	ActionTaskRequeued       = "task_requeued"
	ActionTaskRetryQueued    = "task_retry_queued"
	ActionPriorityChanged    = "priority_changed"
	ActionUserJobsPaused     = "user_jobs_paused"
	ActionUserJobsResumed    = "user_jobs_resumed"
	ActionRunningTaskFlagged = "running_task_flagged"
)

// AuditEvent is an immutable record of an administrative or system action.
type AuditEvent struct {
	ID          int64     `db:"id"`
	TaskID      string    `db:"task_id"`
	AdminUserID *int64    `db:"admin_user_id"`
	Action      string    `db:"action"`
	Details     string    `db:"details"`
	CreatedAt   time.Time `db:"created_at"`
}
