package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"vedfolnir-queue/db/migrations"
	"vedfolnir-queue/internal/models"
)

// Postgres is the production Store. Every mutation is a single statement or
// a single transaction with the precondition re-checked inside it; the
// per-user active-task invariant is backed by a partial unique index and the
// global RUNNING cap by a row lock on the queue_state singleton.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	p := &Postgres{pool: pool}
	if err := p.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

func (p *Postgres) ensureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW())`); err != nil {
		return err
	}
	entries, err := fs.ReadDir(migrations.Files, ".")
	if err != nil {
		return err
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	for _, file := range files {
		var applied bool
		if err := p.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, file).Scan(&applied); err != nil {
			return err
		}
		if applied {
			continue
		}
		sqlBytes, err := migrations.Files.ReadFile(file)
		if err != nil {
			return err
		}
		tx, err := p.pool.Begin(ctx)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, string(sqlBytes)); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("apply migration %s: %w", file, err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, file); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("record migration %s: %w", file, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}
	}
	return nil
}

const taskColumns = `
	id, user_id, platform_connection_id, status, priority, retry_count,
	max_retries, progress_percent, current_step, settings_json, results_json,
	error_message, admin_managed, admin_user_id, admin_notes,
	cancellation_reason, cancelled_by_admin, cancel_requested, requeued_from,
	created_at, updated_at, started_at, completed_at`

const priorityRank = `CASE priority WHEN 'URGENT' THEN 4 WHEN 'HIGH' THEN 3 WHEN 'NORMAL' THEN 2 ELSE 1 END`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*models.Task, error) {
	var t models.Task
	var requeuedFrom sql.NullString
	err := row.Scan(
		&t.ID, &t.UserID, &t.PlatformConnectionID, &t.Status, &t.Priority, &t.RetryCount,
		&t.MaxRetries, &t.ProgressPercent, &t.CurrentStep, &t.SettingsJSON, &t.ResultsJSON,
		&t.ErrorMessage, &t.AdminManaged, &t.AdminUserID, &t.AdminNotes,
		&t.CancellationReason, &t.CancelledByAdmin, &t.CancelRequested, &requeuedFrom,
		&t.CreatedAt, &t.UpdatedAt, &t.StartedAt, &t.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	t.RequeuedFrom = requeuedFrom.String
	return &t, nil
}

func appendAuditTx(ctx context.Context, tx pgx.Tx, event *models.AuditEvent) error {
	if event == nil {
		return nil
	}
	var taskID any
	if event.TaskID != "" {
		taskID = event.TaskID
	}
	return tx.QueryRow(ctx, `
		INSERT INTO audit_events (task_id, admin_user_id, action, details)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`, taskID, event.AdminUserID, event.Action, event.Details).Scan(&event.ID, &event.CreatedAt)
}

func isActiveTaskConflict(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505" &&
		pgErr.ConstraintName == "caption_tasks_one_active_per_user"
}

func (p *Postgres) createTaskTx(ctx context.Context, tx pgx.Tx, task *models.Task, audit *models.AuditEvent) error {
	var paused bool
	err := tx.QueryRow(ctx, `SELECT jobs_paused FROM queue_users WHERE id = $1 FOR SHARE`, task.UserID).Scan(&paused)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrUserNotFound
	}
	if err != nil {
		return err
	}
	if paused {
		return ErrUserPaused
	}

	var requeuedFrom any
	if task.RequeuedFrom != "" {
		requeuedFrom = task.RequeuedFrom
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO caption_tasks (
			id, user_id, platform_connection_id, status, priority,
			retry_count, max_retries, settings_json, admin_managed,
			admin_user_id, requeued_from
		)
		VALUES ($1, $2, $3, 'QUEUED', $4, $5, $6, COALESCE($7, '{}'::jsonb), $8, $9, $10)
		RETURNING created_at, updated_at
	`, task.ID, task.UserID, task.PlatformConnectionID, task.Priority,
		task.RetryCount, task.MaxRetries, task.SettingsJSON, task.AdminManaged,
		task.AdminUserID, requeuedFrom).Scan(&task.CreatedAt, &task.UpdatedAt)
	if isActiveTaskConflict(err) {
		return ErrDuplicateActiveTask
	}
	if err != nil {
		return err
	}
	task.Status = models.StatusQueued
	return appendAuditTx(ctx, tx, audit)
}

func (p *Postgres) CreateTask(ctx context.Context, task *models.Task, audit *models.AuditEvent) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := p.createTaskTx(ctx, tx, task, audit); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (p *Postgres) CreateTaskFrom(ctx context.Context, sourceID string, task *models.Task, audit *models.AuditEvent) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var status models.TaskStatus
	err = tx.QueryRow(ctx, `SELECT status FROM caption_tasks WHERE id = $1 FOR SHARE`, sourceID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrTaskNotFound
	}
	if err != nil {
		return err
	}
	if status != models.StatusFailed {
		return ErrInvalidTransition
	}
	if err := p.createTaskTx(ctx, tx, task, audit); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (p *Postgres) GetTask(ctx context.Context, id string) (*models.Task, error) {
	task, err := scanTask(p.pool.QueryRow(ctx, `SELECT`+taskColumns+` FROM caption_tasks WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	return task, err
}

func (p *Postgres) ListTasks(ctx context.Context, filter TaskFilter) ([]models.Task, error) {
	query := `SELECT` + taskColumns + ` FROM caption_tasks`
	var conds []string
	var args []any
	if filter.Status != nil {
		args = append(args, *filter.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.UserID != nil {
		args = append(args, *filter.UserID)
		conds = append(conds, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *task)
	}
	return out, rows.Err()
}

func (p *Postgres) ClaimNext(ctx context.Context, maxRunning int) (*models.Task, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	// Serialize claims so two dequeues cannot both pass the cap check.
	if _, err := tx.Exec(ctx, `SELECT onerow FROM queue_state FOR UPDATE`); err != nil {
		return nil, err
	}
	var running int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM caption_tasks WHERE status = 'RUNNING'`).Scan(&running); err != nil {
		return nil, err
	}
	if running >= maxRunning {
		return nil, ErrNoTasks
	}

	task, err := scanTask(tx.QueryRow(ctx, `
		WITH candidate AS (
			SELECT id FROM caption_tasks
			WHERE status = 'QUEUED'
			ORDER BY `+priorityRank+` DESC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE caption_tasks
		SET status = 'RUNNING',
		    started_at = NOW(),
		    updated_at = NOW()
		FROM candidate
		WHERE caption_tasks.id = candidate.id
		RETURNING `+strings.Replace(taskColumns, "\n\tid,", "\n\tcaption_tasks.id,", 1)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoTasks
	}
	if err != nil {
		return nil, err
	}
	return task, tx.Commit(ctx)
}

func (p *Postgres) CancelTask(ctx context.Context, id string, byAdmin bool, adminUserID *int64, reason string, audit *models.AuditEvent) (bool, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE caption_tasks
		SET status = 'CANCELLED',
		    cancel_requested = TRUE,
		    cancellation_reason = $2,
		    cancelled_by_admin = CASE WHEN $3 THEN TRUE ELSE cancelled_by_admin END,
		    admin_user_id = CASE WHEN $3 THEN $4 ELSE admin_user_id END,
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1 AND status IN ('QUEUED', 'RUNNING')
	`, id, reason, byAdmin, adminUserID)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM caption_tasks WHERE id = $1)`, id).Scan(&exists); err != nil {
			return false, err
		}
		if !exists {
			return false, ErrTaskNotFound
		}
		return false, nil
	}
	if err := appendAuditTx(ctx, tx, audit); err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

func (p *Postgres) UpdateProgress(ctx context.Context, id string, percent int, step string) (bool, error) {
	var cancelRequested bool
	err := p.pool.QueryRow(ctx, `
		UPDATE caption_tasks
		SET progress_percent = $2, current_step = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'RUNNING'
		RETURNING cancel_requested
	`, id, percent, step).Scan(&cancelRequested)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := p.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM caption_tasks WHERE id = $1)`, id).Scan(&exists); err != nil {
			return false, err
		}
		if !exists {
			return false, ErrTaskNotFound
		}
		// Task left RUNNING behind the worker's back; tell it to stop.
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return cancelRequested, nil
}

func (p *Postgres) CompleteTask(ctx context.Context, id string, results json.RawMessage) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
		UPDATE caption_tasks
		SET status = 'COMPLETED',
		    results_json = $2,
		    progress_percent = 100,
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1 AND status = 'RUNNING'
	`, id, results)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (p *Postgres) FailTask(ctx context.Context, id string, errorMessage string) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
		UPDATE caption_tasks
		SET status = 'FAILED',
		    error_message = $2,
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1 AND status = 'RUNNING'
	`, id, errorMessage)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (p *Postgres) SweepStuck(ctx context.Context, cutoff time.Time, adminUserID *int64, errorMessage string) ([]string, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		WITH stuck AS (
			SELECT id FROM caption_tasks
			WHERE status = 'RUNNING' AND started_at < $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE caption_tasks
		SET status = 'FAILED',
		    cancelled_by_admin = TRUE,
		    admin_user_id = $2,
		    error_message = $3,
		    completed_at = NOW(),
		    updated_at = NOW()
		FROM stuck
		WHERE caption_tasks.id = stuck.id
		RETURNING caption_tasks.id
	`, cutoff, adminUserID, errorMessage)
	if err != nil {
		return nil, err
	}
	var swept []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		swept = append(swept, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range swept {
		if err := appendAuditTx(ctx, tx, &models.AuditEvent{
			TaskID:      id,
			AdminUserID: adminUserID,
			Action:      models.ActionTaskStuckCleared,
			Details:     errorMessage,
		}); err != nil {
			return nil, err
		}
	}
	return swept, tx.Commit(ctx)
}

// SetPriority fills audit.Details with the observed before/after values so
// the trail reflects the state that was actually overwritten.
func (p *Postgres) SetPriority(ctx context.Context, id string, priority models.TaskPriority, audit *models.AuditEvent) (models.TaskPriority, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return "", err
	}
	defer tx.Rollback(ctx)

	var before models.TaskPriority
	var status models.TaskStatus
	err = tx.QueryRow(ctx, `SELECT priority, status FROM caption_tasks WHERE id = $1 FOR UPDATE`, id).Scan(&before, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrTaskNotFound
	}
	if err != nil {
		return "", err
	}
	if status.Terminal() {
		return "", ErrInvalidTransition
	}
	if _, err := tx.Exec(ctx, `UPDATE caption_tasks SET priority = $2, updated_at = NOW() WHERE id = $1`, id, priority); err != nil {
		return "", err
	}
	if audit != nil && audit.Details == "" {
		audit.Details = fmt.Sprintf("priority changed from %s to %s", before, priority)
	}
	if err := appendAuditTx(ctx, tx, audit); err != nil {
		return "", err
	}
	return before, tx.Commit(ctx)
}

func (p *Postgres) SetAdminNotes(ctx context.Context, id string, adminUserID int64, notes string, audit *models.AuditEvent) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE caption_tasks
		SET admin_managed = TRUE, admin_user_id = $2, admin_notes = $3, updated_at = NOW()
		WHERE id = $1
	`, id, adminUserID, notes)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTaskNotFound
	}
	if err := appendAuditTx(ctx, tx, audit); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (p *Postgres) Statistics(ctx context.Context) (QueueStatistics, error) {
	stats := QueueStatistics{
		ByStatus:   make(map[models.TaskStatus]int),
		ByPriority: make(map[models.TaskPriority]int),
	}

	rows, err := p.pool.Query(ctx, `SELECT status, priority, COUNT(*) FROM caption_tasks GROUP BY status, priority`)
	if err != nil {
		return stats, err
	}
	for rows.Next() {
		var status models.TaskStatus
		var priority models.TaskPriority
		var count int
		if err := rows.Scan(&status, &priority, &count); err != nil {
			rows.Close()
			return stats, err
		}
		stats.ByStatus[status] += count
		stats.ByPriority[priority] += count
		stats.Total += count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return stats, err
	}

	err = p.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE cancelled_by_admin),
			COUNT(*) FILTER (WHERE retry_count > 0),
			COALESCE(AVG(EXTRACT(EPOCH FROM (NOW() - created_at))) FILTER (WHERE status = 'QUEUED'), 0)
		FROM caption_tasks
	`).Scan(&stats.AdminCancelled, &stats.Retried, &avgSecondsScanner{&stats.AvgQueuedWait})
	return stats, err
}

// avgSecondsScanner converts a numeric seconds column into a Duration.
type avgSecondsScanner struct {
	d *time.Duration
}

func (s *avgSecondsScanner) Scan(src any) error {
	switch v := src.(type) {
	case float64:
		*s.d = time.Duration(v * float64(time.Second))
	case int64:
		*s.d = time.Duration(v) * time.Second
	case string:
		var f float64
		if _, err := fmt.Sscanf(v, "%f", &f); err != nil {
			return err
		}
		*s.d = time.Duration(f * float64(time.Second))
	case nil:
		*s.d = 0
	default:
		return fmt.Errorf("unsupported avg wait type %T", src)
	}
	return nil
}

func (p *Postgres) AppendAuditEvent(ctx context.Context, event *models.AuditEvent) error {
	var taskID any
	if event.TaskID != "" {
		taskID = event.TaskID
	}
	return p.pool.QueryRow(ctx, `
		INSERT INTO audit_events (task_id, admin_user_id, action, details)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`, taskID, event.AdminUserID, event.Action, event.Details).Scan(&event.ID, &event.CreatedAt)
}

func (p *Postgres) ListAuditEvents(ctx context.Context, query AuditQuery) ([]models.AuditEvent, error) {
	q := `SELECT id, task_id, admin_user_id, action, details, created_at FROM audit_events`
	var conds []string
	var args []any
	if query.TaskID != "" {
		args = append(args, query.TaskID)
		conds = append(conds, fmt.Sprintf("task_id = $%d", len(args)))
	}
	if query.Action != "" {
		args = append(args, query.Action)
		conds = append(conds, fmt.Sprintf("action = $%d", len(args)))
	}
	if query.AdminUserID != nil {
		args = append(args, *query.AdminUserID)
		conds = append(conds, fmt.Sprintf("admin_user_id = $%d", len(args)))
	}
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY id DESC"
	if query.Limit > 0 {
		args = append(args, query.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.AuditEvent
	for rows.Next() {
		var ev models.AuditEvent
		var taskID sql.NullString
		if err := rows.Scan(&ev.ID, &taskID, &ev.AdminUserID, &ev.Action, &ev.Details, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.TaskID = taskID.String
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (p *Postgres) GetUser(ctx context.Context, id int64) (*models.User, error) {
	var u models.User
	err := p.pool.QueryRow(ctx, `
		SELECT id, username, role, jobs_paused, created_at FROM queue_users WHERE id = $1
	`, id).Scan(&u.ID, &u.Username, &u.Role, &u.JobsPaused, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// UpsertUser creates or updates a tenant record. The pause flag is owned by
// SetUserJobsPaused, which audits its transitions; an upsert never touches it.
func (p *Postgres) UpsertUser(ctx context.Context, user *models.User) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO queue_users (id, username, role, jobs_paused)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET username = EXCLUDED.username,
		    role = EXCLUDED.role
	`, user.ID, user.Username, user.Role, user.JobsPaused)
	return err
}

func (p *Postgres) SetUserJobsPaused(ctx context.Context, userID int64, paused bool, audit *models.AuditEvent) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `UPDATE queue_users SET jobs_paused = $2 WHERE id = $1`, userID, paused)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	if err := appendAuditTx(ctx, tx, audit); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) Close() {
	p.pool.Close()
}
