package models

import (
	"encoding/json"
	"fmt"
	"time"
)

type TaskStatus string

const (
	StatusQueued    TaskStatus = "QUEUED"
	StatusRunning   TaskStatus = "RUNNING"
	StatusCompleted TaskStatus = "COMPLETED"
	StatusFailed    TaskStatus = "FAILED"
	StatusCancelled TaskStatus = "CANCELLED"
)

// Terminal reports whether no further transition may leave this status.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Active reports whether the task occupies the owner's single active slot.
func (s TaskStatus) Active() bool {
	return s == StatusQueued || s == StatusRunning
}

func ParseStatus(raw string) (TaskStatus, error) {
	switch TaskStatus(raw) {
	case StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return TaskStatus(raw), nil
	}
	return "", fmt.Errorf("unknown task status %q", raw)
}

type TaskPriority string

const (
	PriorityLow    TaskPriority = "LOW"
	PriorityNormal TaskPriority = "NORMAL"
	PriorityHigh   TaskPriority = "HIGH"
	PriorityUrgent TaskPriority = "URGENT"
)

// Rank orders priorities for scheduling. Higher runs first.
func (p TaskPriority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 4
	case PriorityHigh:
		return 3
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 1
	}
	return 0
}

func ParsePriority(raw string) (TaskPriority, error) {
	switch TaskPriority(raw) {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return TaskPriority(raw), nil
	}
	return "", fmt.Errorf("unknown task priority %q", raw)
}

// Task is one caption generation job. IDs are random UUIDs so task handles
// cannot be enumerated across tenants.
type Task struct {
	ID                   string          `db:"id"`
	UserID               int64           `db:"user_id"`
	PlatformConnectionID int64           `db:"platform_connection_id"`
	Status               TaskStatus      `db:"status"`
	Priority             TaskPriority    `db:"priority"`
	RetryCount           int             `db:"retry_count"`
	MaxRetries           int             `db:"max_retries"`
	ProgressPercent      int             `db:"progress_percent"`
	CurrentStep          string          `db:"current_step"`
	SettingsJSON         json.RawMessage `db:"settings_json"`
	ResultsJSON          json.RawMessage `db:"results_json"`
	ErrorMessage         string          `db:"error_message"`

	AdminManaged       bool   `db:"admin_managed"`
	AdminUserID        *int64 `db:"admin_user_id"`
	AdminNotes         string `db:"admin_notes"`
	CancellationReason string `db:"cancellation_reason"`
	CancelledByAdmin   bool   `db:"cancelled_by_admin"`
	CancelRequested    bool   `db:"cancel_requested"`

	// RequeuedFrom links a retry back to the task it was created from.
	RequeuedFrom string `db:"requeued_from"`

	CreatedAt   time.Time  `db:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at"`
	StartedAt   *time.Time `db:"started_at"`
	CompletedAt *time.Time `db:"completed_at"`
}

// CanBeCancelled reports whether cancellation is a valid transition.
func (t *Task) CanBeCancelled() bool {
	return t.Status.Active()
}
