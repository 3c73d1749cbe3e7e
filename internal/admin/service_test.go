package admin

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vedfolnir-queue/internal/models"
	"vedfolnir-queue/internal/queue"
	"vedfolnir-queue/internal/store"
)

const (
	adminID   = int64(100)
	tenantID  = int64(1)
	outsider  = int64(2)
	nonAdmin  = int64(3)
	unknownID = int64(9999)
)

func newTestService(t *testing.T) (*Service, *queue.Manager, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	ctx := context.Background()
	users := []*models.User{
		{ID: adminID, Username: "ops", Role: models.RoleAdmin},
		{ID: tenantID, Username: "alice", Role: models.RoleUser},
		{ID: outsider, Username: "bob", Role: models.RoleUser},
		{ID: nonAdmin, Username: "mallory", Role: models.RoleUser},
	}
	for _, u := range users {
		require.NoError(t, st.UpsertUser(ctx, u))
	}
	qm := queue.NewManager(st, queue.Config{}, nil, nil)
	return NewService(st, qm, nil, nil), qm, st
}

func enqueue(t *testing.T, qm *queue.Manager, userID int64) *models.Task {
	t.Helper()
	task, err := qm.Enqueue(context.Background(), queue.EnqueueRequest{UserID: userID})
	require.NoError(t, err)
	return task
}

func TestAdminCapabilityRequired(t *testing.T) {
	svc, qm, _ := newTestService(t)
	ctx := context.Background()
	task := enqueue(t, qm, tenantID)

	// A regular user and an unknown user both get the same refusal.
	for _, actor := range []int64{nonAdmin, unknownID} {
		_, err := svc.CancelTask(ctx, actor, task.ID, "nope")
		assert.ErrorIs(t, err, ErrNotAuthorized)

		_, err = svc.RequeueFailedTask(ctx, actor, task.ID)
		assert.ErrorIs(t, err, ErrNotAuthorized)

		err = svc.SetTaskPriority(ctx, actor, task.ID, models.PriorityUrgent)
		assert.ErrorIs(t, err, ErrNotAuthorized)

		_, err = svc.ClearStuckTasks(ctx, actor, 0)
		assert.ErrorIs(t, err, ErrNotAuthorized)

		_, err = svc.PauseUserJobs(ctx, actor, tenantID)
		assert.ErrorIs(t, err, ErrNotAuthorized)

		_, err = svc.GetQueueStatistics(ctx, actor)
		assert.ErrorIs(t, err, ErrNotAuthorized)

		_, err = svc.ListAllTasks(ctx, actor, nil, 0)
		assert.ErrorIs(t, err, ErrNotAuthorized)

		_, err = svc.AuditTrail(ctx, actor, task.ID, 0)
		assert.ErrorIs(t, err, ErrNotAuthorized)
	}

	// The task is untouched by all those refusals.
	got, err := qm.TaskForUser(ctx, task.ID, tenantID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, got.Status)
}

func TestAdminCancelAcrossTenants(t *testing.T) {
	svc, qm, st := newTestService(t)
	ctx := context.Background()
	task := enqueue(t, qm, tenantID)

	ok, err := svc.CancelTask(ctx, adminID, task.ID, "policy violation")
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)
	assert.True(t, got.CancelledByAdmin)
	require.NotNil(t, got.AdminUserID)
	assert.Equal(t, adminID, *got.AdminUserID)
	assert.Equal(t, "policy violation", got.CancellationReason)

	trail, err := svc.AuditTrail(ctx, adminID, task.ID, 0)
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, models.ActionTaskCancelled, trail[0].Action)
}

func TestPauseUserJobs(t *testing.T) {
	svc, qm, st := newTestService(t)
	ctx := context.Background()

	// tenant has a RUNNING task, outsider has a QUEUED one.
	running := enqueue(t, qm, tenantID)
	_, err := qm.ClaimNext(ctx)
	require.NoError(t, err)
	queued := enqueue(t, qm, outsider)

	affected, err := svc.PauseUserJobs(ctx, adminID, outsider)
	require.NoError(t, err)
	assert.Equal(t, 1, affected)

	// The paused user's QUEUED task is cancelled and enqueues are refused.
	got, err := st.GetTask(ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)
	assert.True(t, got.CancelledByAdmin)

	_, err = qm.Enqueue(ctx, queue.EnqueueRequest{UserID: outsider})
	assert.ErrorIs(t, err, store.ErrUserPaused)

	// Other tenants are untouched.
	other, err := st.GetTask(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, other.Status)

	// Resume lifts the gate.
	require.NoError(t, svc.ResumeUserJobs(ctx, adminID, outsider))
	_, err = qm.Enqueue(ctx, queue.EnqueueRequest{UserID: outsider})
	require.NoError(t, err)

	// Both transitions are audited.
	paused, err := st.ListAuditEvents(ctx, store.AuditQuery{Action: models.ActionUserJobsPaused})
	require.NoError(t, err)
	assert.Len(t, paused, 1)
	resumed, err := st.ListAuditEvents(ctx, store.AuditQuery{Action: models.ActionUserJobsResumed})
	require.NoError(t, err)
	assert.Len(t, resumed, 1)
}

func TestPauseFlagsRunningTask(t *testing.T) {
	svc, qm, st := newTestService(t)
	ctx := context.Background()

	running := enqueue(t, qm, tenantID)
	_, err := qm.ClaimNext(ctx)
	require.NoError(t, err)

	affected, err := svc.PauseUserJobs(ctx, adminID, tenantID)
	require.NoError(t, err)
	assert.Equal(t, 1, affected)

	// RUNNING tasks are not killed, only flagged.
	got, err := st.GetTask(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, got.Status)
	assert.True(t, got.AdminManaged)
	assert.NotEmpty(t, got.AdminNotes)

	flagged, err := st.ListAuditEvents(ctx, store.AuditQuery{TaskID: running.ID, Action: models.ActionRunningTaskFlagged})
	require.NoError(t, err)
	assert.Len(t, flagged, 1)
}

func TestPauseUnknownTarget(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.PauseUserJobs(context.Background(), adminID, unknownID)
	assert.ErrorIs(t, err, store.ErrUserNotFound)
}

func TestRequeueFailedTask(t *testing.T) {
	svc, qm, st := newTestService(t)
	ctx := context.Background()

	task := enqueue(t, qm, tenantID)
	_, err := qm.ClaimNext(ctx)
	require.NoError(t, err)
	ok, err := qm.Fail(ctx, task.ID, "model crashed")
	require.NoError(t, err)
	require.True(t, ok)

	newID, err := svc.RequeueFailedTask(ctx, adminID, task.ID)
	require.NoError(t, err)
	assert.NotEqual(t, task.ID, newID)

	source, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, source.Status, "source row is never resurrected")

	fresh, err := st.GetTask(ctx, newID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, fresh.Status)
	assert.Equal(t, task.ID, fresh.RequeuedFrom)
	assert.True(t, fresh.AdminManaged)
}

func TestListAllTasksAndStatistics(t *testing.T) {
	svc, qm, _ := newTestService(t)
	ctx := context.Background()

	enqueue(t, qm, tenantID)
	enqueue(t, qm, outsider)
	_, err := qm.ClaimNext(ctx)
	require.NoError(t, err)

	all, err := svc.ListAllTasks(ctx, adminID, nil, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	queuedStatus := models.StatusQueued
	queuedOnly, err := svc.ListAllTasks(ctx, adminID, &queuedStatus, 0)
	require.NoError(t, err)
	assert.Len(t, queuedOnly, 1)

	stats, err := svc.GetQueueStatistics(ctx, adminID)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.ByStatus[models.StatusRunning])
	assert.Equal(t, 1, stats.ByStatus[models.StatusQueued])
}

func TestAnnotateTask(t *testing.T) {
	svc, qm, st := newTestService(t)
	ctx := context.Background()
	task := enqueue(t, qm, tenantID)

	require.NoError(t, svc.AnnotateTask(ctx, adminID, task.ID, "investigating slow captions"))
	got, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, got.AdminManaged)
	assert.Equal(t, "investigating slow captions", got.AdminNotes)
}

// Exercises the full maintenance flow: pause, cancel with reason, sweep a
// stuck task, requeue, resume.
func TestMaintenanceScenario(t *testing.T) {
	svc, qm, st := newTestService(t)
	ctx := context.Background()

	victim := enqueue(t, qm, tenantID)
	_, err := qm.ClaimNext(ctx)
	require.NoError(t, err)

	// Operator pauses the tenant and cancels its work for maintenance.
	ok, err := svc.CancelTask(ctx, adminID, victim.ID, "maintenance")
	require.NoError(t, err)
	require.True(t, ok)

	// Another tenant's task gets stuck and is swept.
	stuck := enqueue(t, qm, outsider)
	_, err = qm.ClaimNext(ctx)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	cleared, err := svc.ClearStuckTasks(ctx, adminID, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, cleared)

	sweptTask, err := st.GetTask(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, sweptTask.Status)
	assert.True(t, sweptTask.CancelledByAdmin)

	// The swept task can be requeued once maintenance is over.
	newID, err := svc.RequeueFailedTask(ctx, adminID, stuck.ID)
	require.NoError(t, err)

	// Every intervention left an audit record.
	cancelTrail, err := svc.AuditTrail(ctx, adminID, victim.ID, 0)
	require.NoError(t, err)
	require.Len(t, cancelTrail, 1)
	assert.Equal(t, "maintenance", cancelTrail[0].Details)

	sweepTrail, err := svc.AuditTrail(ctx, adminID, stuck.ID, 0)
	require.NoError(t, err)
	require.Len(t, sweepTrail, 1)
	assert.Equal(t, models.ActionTaskStuckCleared, sweepTrail[0].Action)

	requeueTrail, err := svc.AuditTrail(ctx, adminID, newID, 0)
	require.NoError(t, err)
	require.Len(t, requeueTrail, 1)
	assert.Equal(t, models.ActionTaskRequeued, requeueTrail[0].Action)
}
