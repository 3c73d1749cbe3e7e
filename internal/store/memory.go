package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"vedfolnir-queue/internal/models"
)

// Memory is an in-process Store with the same conditional-write semantics as
// the Postgres implementation, serialized by a single mutex. It backs unit
// and property tests; production runs on Postgres.
type Memory struct {
	mu     sync.Mutex
	tasks  map[string]models.Task
	users  map[int64]models.User
	audits []models.AuditEvent
	nextID int64
}

func NewMemory() *Memory {
	return &Memory{
		tasks:  make(map[string]models.Task),
		users:  make(map[int64]models.User),
		audits: make([]models.AuditEvent, 0, 128),
		nextID: 1,
	}
}

func (m *Memory) appendAuditLocked(event *models.AuditEvent) {
	ev := *event
	ev.ID = m.nextID
	m.nextID++
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	m.audits = append(m.audits, ev)
}

func (m *Memory) createTaskLocked(task *models.Task, audit *models.AuditEvent) error {
	user, ok := m.users[task.UserID]
	if !ok {
		return ErrUserNotFound
	}
	if user.JobsPaused {
		return ErrUserPaused
	}
	for _, existing := range m.tasks {
		if existing.UserID == task.UserID && existing.Status.Active() {
			return ErrDuplicateActiveTask
		}
	}
	now := time.Now().UTC()
	t := *task
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	m.tasks[t.ID] = t
	*task = t
	if audit != nil {
		m.appendAuditLocked(audit)
	}
	return nil
}

func (m *Memory) CreateTask(_ context.Context, task *models.Task, audit *models.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createTaskLocked(task, audit)
}

func (m *Memory) CreateTaskFrom(_ context.Context, sourceID string, task *models.Task, audit *models.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	source, ok := m.tasks[sourceID]
	if !ok {
		return ErrTaskNotFound
	}
	if source.Status != models.StatusFailed {
		return ErrInvalidTransition
	}
	return m.createTaskLocked(task, audit)
}

func (m *Memory) GetTask(_ context.Context, id string) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	out := task
	return &out, nil
}

func (m *Memory) ListTasks(_ context.Context, filter TaskFilter) ([]models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Task, 0, len(m.tasks))
	for _, task := range m.tasks {
		if filter.Status != nil && task.Status != *filter.Status {
			continue
		}
		if filter.UserID != nil && task.UserID != *filter.UserID {
			continue
		}
		out = append(out, task)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *Memory) ClaimNext(_ context.Context, maxRunning int) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	running := 0
	for _, task := range m.tasks {
		if task.Status == models.StatusRunning {
			running++
		}
	}
	if running >= maxRunning {
		return nil, ErrNoTasks
	}
	var best *models.Task
	for id := range m.tasks {
		task := m.tasks[id]
		if task.Status != models.StatusQueued {
			continue
		}
		if best == nil ||
			task.Priority.Rank() > best.Priority.Rank() ||
			(task.Priority.Rank() == best.Priority.Rank() && task.CreatedAt.Before(best.CreatedAt)) {
			t := task
			best = &t
		}
	}
	if best == nil {
		return nil, ErrNoTasks
	}
	now := time.Now().UTC()
	best.Status = models.StatusRunning
	best.StartedAt = &now
	best.UpdatedAt = now
	m.tasks[best.ID] = *best
	out := *best
	return &out, nil
}

func (m *Memory) CancelTask(_ context.Context, id string, byAdmin bool, adminUserID *int64, reason string, audit *models.AuditEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return false, ErrTaskNotFound
	}
	if !task.Status.Active() {
		return false, nil
	}
	now := time.Now().UTC()
	task.Status = models.StatusCancelled
	task.CancelRequested = true
	task.CancellationReason = reason
	task.CompletedAt = &now
	task.UpdatedAt = now
	if byAdmin {
		task.CancelledByAdmin = true
		task.AdminUserID = adminUserID
	}
	m.tasks[id] = task
	if audit != nil {
		m.appendAuditLocked(audit)
	}
	return true, nil
}

func (m *Memory) UpdateProgress(_ context.Context, id string, percent int, step string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return false, ErrTaskNotFound
	}
	if task.Status != models.StatusRunning {
		return true, nil
	}
	task.ProgressPercent = percent
	task.CurrentStep = step
	task.UpdatedAt = time.Now().UTC()
	m.tasks[id] = task
	return task.CancelRequested, nil
}

func (m *Memory) CompleteTask(_ context.Context, id string, results json.RawMessage) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return false, ErrTaskNotFound
	}
	if task.Status != models.StatusRunning {
		return false, nil
	}
	now := time.Now().UTC()
	task.Status = models.StatusCompleted
	task.ResultsJSON = results
	task.ProgressPercent = 100
	task.CompletedAt = &now
	task.UpdatedAt = now
	m.tasks[id] = task
	return true, nil
}

func (m *Memory) FailTask(_ context.Context, id string, errorMessage string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return false, ErrTaskNotFound
	}
	if task.Status != models.StatusRunning {
		return false, nil
	}
	now := time.Now().UTC()
	task.Status = models.StatusFailed
	task.ErrorMessage = errorMessage
	task.CompletedAt = &now
	task.UpdatedAt = now
	m.tasks[id] = task
	return true, nil
}

func (m *Memory) SweepStuck(_ context.Context, cutoff time.Time, adminUserID *int64, errorMessage string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	var swept []string
	for id, task := range m.tasks {
		if task.Status != models.StatusRunning || task.StartedAt == nil || !task.StartedAt.Before(cutoff) {
			continue
		}
		task.Status = models.StatusFailed
		task.CancelledByAdmin = true
		task.AdminUserID = adminUserID
		task.ErrorMessage = errorMessage
		task.CompletedAt = &now
		task.UpdatedAt = now
		m.tasks[id] = task
		m.appendAuditLocked(&models.AuditEvent{
			TaskID:      id,
			AdminUserID: adminUserID,
			Action:      models.ActionTaskStuckCleared,
			Details:     errorMessage,
		})
		swept = append(swept, id)
	}
	return swept, nil
}

func (m *Memory) SetPriority(_ context.Context, id string, priority models.TaskPriority, audit *models.AuditEvent) (models.TaskPriority, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return "", ErrTaskNotFound
	}
	if task.Status.Terminal() {
		return "", ErrInvalidTransition
	}
	before := task.Priority
	task.Priority = priority
	task.UpdatedAt = time.Now().UTC()
	m.tasks[id] = task
	if audit != nil {
		m.appendAuditLocked(audit)
	}
	return before, nil
}

func (m *Memory) SetAdminNotes(_ context.Context, id string, adminUserID int64, notes string, audit *models.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	task.AdminManaged = true
	task.AdminUserID = &adminUserID
	task.AdminNotes = notes
	task.UpdatedAt = time.Now().UTC()
	m.tasks[id] = task
	if audit != nil {
		m.appendAuditLocked(audit)
	}
	return nil
}

func (m *Memory) Statistics(_ context.Context) (QueueStatistics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := QueueStatistics{
		ByStatus:   make(map[models.TaskStatus]int),
		ByPriority: make(map[models.TaskPriority]int),
	}
	now := time.Now().UTC()
	var queuedWait time.Duration
	queued := 0
	for _, task := range m.tasks {
		stats.Total++
		stats.ByStatus[task.Status]++
		stats.ByPriority[task.Priority]++
		if task.CancelledByAdmin {
			stats.AdminCancelled++
		}
		if task.RetryCount > 0 {
			stats.Retried++
		}
		if task.Status == models.StatusQueued {
			queued++
			queuedWait += now.Sub(task.CreatedAt)
		}
	}
	if queued > 0 {
		stats.AvgQueuedWait = queuedWait / time.Duration(queued)
	}
	return stats, nil
}

func (m *Memory) AppendAuditEvent(_ context.Context, event *models.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendAuditLocked(event)
	return nil
}

func (m *Memory) ListAuditEvents(_ context.Context, query AuditQuery) ([]models.AuditEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.AuditEvent, 0, len(m.audits))
	for i := len(m.audits) - 1; i >= 0; i-- {
		ev := m.audits[i]
		if query.TaskID != "" && ev.TaskID != query.TaskID {
			continue
		}
		if query.Action != "" && ev.Action != query.Action {
			continue
		}
		if query.AdminUserID != nil && (ev.AdminUserID == nil || *ev.AdminUserID != *query.AdminUserID) {
			continue
		}
		out = append(out, ev)
		if query.Limit > 0 && len(out) >= query.Limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) GetUser(_ context.Context, id int64) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	out := user
	return &out, nil
}

// UpsertUser creates or updates a tenant record. The pause flag is owned by
// SetUserJobsPaused, which audits its transitions; an upsert never touches it.
func (m *Memory) UpsertUser(_ context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := *user
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	if existing, ok := m.users[u.ID]; ok {
		u.JobsPaused = existing.JobsPaused
		u.CreatedAt = existing.CreatedAt
	}
	m.users[u.ID] = u
	return nil
}

func (m *Memory) SetUserJobsPaused(_ context.Context, userID int64, paused bool, audit *models.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	user.JobsPaused = paused
	m.users[userID] = user
	if audit != nil {
		m.appendAuditLocked(audit)
	}
	return nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() {}
