package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"vedfolnir-queue/internal/events"
	"vedfolnir-queue/internal/models"
	"vedfolnir-queue/internal/queue"
	"vedfolnir-queue/internal/store"
)

// ErrNotAuthorized is distinct from the precondition and not-found errors so
// callers can render "access denied" differently from "nothing to do". An
// unknown acting user also maps here: the caller learns nothing about which
// IDs exist.
var ErrNotAuthorized = errors.New("admin capability required")

// Service is a thin authorization layer in front of the queue manager. Every
// method re-verifies the acting user's role against the store; a
// caller-asserted role flag is never trusted.
type Service struct {
	store  store.Store
	queue  *queue.Manager
	logger *slog.Logger
	pub    events.Publisher
}

func NewService(st store.Store, qm *queue.Manager, logger *slog.Logger, pub events.Publisher) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if pub == nil {
		pub = events.NoopPublisher{}
	}
	return &Service{store: st, queue: qm, logger: logger, pub: pub}
}

// authorize loads the acting user and verifies the admin capability. The
// returned user is the AuthorizedAdmin token for the rest of the call.
func (s *Service) authorize(ctx context.Context, adminUserID int64) (*models.User, error) {
	user, err := s.store.GetUser(ctx, adminUserID)
	if errors.Is(err, store.ErrUserNotFound) {
		return nil, ErrNotAuthorized
	}
	if err != nil {
		return nil, err
	}
	if !user.IsAdmin() {
		return nil, ErrNotAuthorized
	}
	return user, nil
}

// CancelTask cancels any tenant's active task with a recorded reason.
func (s *Service) CancelTask(ctx context.Context, adminUserID int64, taskID, reason string) (bool, error) {
	if _, err := s.authorize(ctx, adminUserID); err != nil {
		return false, err
	}
	return s.queue.CancelAsAdmin(ctx, taskID, adminUserID, reason)
}

// RequeueFailedTask creates a fresh task from a FAILED one.
func (s *Service) RequeueFailedTask(ctx context.Context, adminUserID int64, taskID string) (string, error) {
	if _, err := s.authorize(ctx, adminUserID); err != nil {
		return "", err
	}
	return s.queue.RequeueFailed(ctx, taskID, &adminUserID)
}

// SetTaskPriority overrides scheduling priority on a non-terminal task.
func (s *Service) SetTaskPriority(ctx context.Context, adminUserID int64, taskID string, priority models.TaskPriority) error {
	if _, err := s.authorize(ctx, adminUserID); err != nil {
		return err
	}
	return s.queue.SetTaskPriority(ctx, taskID, adminUserID, priority)
}

// ClearStuckTasks runs the stuck-task sweep on demand.
func (s *Service) ClearStuckTasks(ctx context.Context, adminUserID int64, threshold time.Duration) (int, error) {
	if _, err := s.authorize(ctx, adminUserID); err != nil {
		return 0, err
	}
	return s.queue.ClearStuckTasks(ctx, &adminUserID, threshold)
}

// PauseUserJobs stops a tenant's pipeline: its QUEUED task is cancelled, a
// RUNNING task is flagged admin-managed (it finishes cooperatively but will
// not be rescheduled), and new enqueues are refused until resumed. Returns
// the number of tasks affected.
func (s *Service) PauseUserJobs(ctx context.Context, adminUserID, targetUserID int64) (int, error) {
	if _, err := s.authorize(ctx, adminUserID); err != nil {
		return 0, err
	}
	if _, err := s.store.GetUser(ctx, targetUserID); err != nil {
		return 0, err
	}

	if err := s.store.SetUserJobsPaused(ctx, targetUserID, true, &models.AuditEvent{
		AdminUserID: &adminUserID,
		Action:      models.ActionUserJobsPaused,
		Details:     fmt.Sprintf("jobs paused for user %d", targetUserID),
	}); err != nil {
		return 0, err
	}

	affected := 0
	tasks, err := s.store.ListTasks(ctx, store.TaskFilter{UserID: &targetUserID})
	if err != nil {
		return 0, err
	}
	for _, task := range tasks {
		switch task.Status {
		case models.StatusQueued:
			ok, err := s.queue.CancelAsAdmin(ctx, task.ID, adminUserID, "user jobs paused by administrator")
			if err != nil {
				return affected, err
			}
			if ok {
				affected++
			}
		case models.StatusRunning:
			if err := s.store.SetAdminNotes(ctx, task.ID, adminUserID, "paused: do not reschedule after completion", &models.AuditEvent{
				TaskID:      task.ID,
				AdminUserID: &adminUserID,
				Action:      models.ActionRunningTaskFlagged,
				Details:     "running task flagged during user pause",
			}); err != nil {
				return affected, err
			}
			affected++
		}
	}

	s.logger.Info("User jobs paused", "admin_user_id", adminUserID, "target_user_id", targetUserID, "affected", affected)
	s.pub.Publish(events.Event{
		Type:        events.TypeUserPaused,
		Message:     "user jobs paused",
		UserID:      targetUserID,
		AdminUserID: &adminUserID,
	})
	return affected, nil
}

// ResumeUserJobs clears the pause annotation so the tenant can enqueue again.
func (s *Service) ResumeUserJobs(ctx context.Context, adminUserID, targetUserID int64) error {
	if _, err := s.authorize(ctx, adminUserID); err != nil {
		return err
	}
	if err := s.store.SetUserJobsPaused(ctx, targetUserID, false, &models.AuditEvent{
		AdminUserID: &adminUserID,
		Action:      models.ActionUserJobsResumed,
		Details:     fmt.Sprintf("jobs resumed for user %d", targetUserID),
	}); err != nil {
		return err
	}
	s.logger.Info("User jobs resumed", "admin_user_id", adminUserID, "target_user_id", targetUserID)
	s.pub.Publish(events.Event{
		Type:        events.TypeUserResumed,
		Message:     "user jobs resumed",
		UserID:      targetUserID,
		AdminUserID: &adminUserID,
	})
	return nil
}

// ListAllTasks is the cross-tenant dashboard read, most recent first. It
// never mutates state.
func (s *Service) ListAllTasks(ctx context.Context, adminUserID int64, status *models.TaskStatus, limit int) ([]models.Task, error) {
	if _, err := s.authorize(ctx, adminUserID); err != nil {
		return nil, err
	}
	return s.store.ListTasks(ctx, store.TaskFilter{Status: status, Limit: limit})
}

// GetQueueStatistics recomputes the aggregates at read time; it tolerates
// being a few seconds stale.
func (s *Service) GetQueueStatistics(ctx context.Context, adminUserID int64) (store.QueueStatistics, error) {
	if _, err := s.authorize(ctx, adminUserID); err != nil {
		return store.QueueStatistics{}, err
	}
	return s.store.Statistics(ctx)
}

// AuditTrail lists the audit events recorded for a task, newest first.
func (s *Service) AuditTrail(ctx context.Context, adminUserID int64, taskID string, limit int) ([]models.AuditEvent, error) {
	if _, err := s.authorize(ctx, adminUserID); err != nil {
		return nil, err
	}
	return s.store.ListAuditEvents(ctx, store.AuditQuery{TaskID: taskID, Limit: limit})
}

// AnnotateTask sets admin notes; the one mutation allowed on terminal tasks.
func (s *Service) AnnotateTask(ctx context.Context, adminUserID int64, taskID, notes string) error {
	if _, err := s.authorize(ctx, adminUserID); err != nil {
		return err
	}
	return s.store.SetAdminNotes(ctx, taskID, adminUserID, notes, nil)
}
