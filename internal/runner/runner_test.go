package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"vedfolnir-queue/internal/events"
	"vedfolnir-queue/internal/executor"
	"vedfolnir-queue/internal/models"
	"vedfolnir-queue/internal/queue"
	"vedfolnir-queue/internal/store"
)

func newTestRunner(t *testing.T, exec executor.CaptionExecutor) (*Runner, *queue.Manager, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	ctx := context.Background()
	for id := int64(1); id <= 3; id++ {
		user := &models.User{ID: id, Username: fmt.Sprintf("user-%d", id), Role: models.RoleUser}
		if err := st.UpsertUser(ctx, user); err != nil {
			t.Fatalf("UpsertUser: %v", err)
		}
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	manager := queue.NewManager(st, queue.Config{}, logger, events.NoopPublisher{})
	r := New(manager, exec, logger, 10*time.Millisecond, time.Second)
	return r, manager, st
}

func TestExecuteTaskCompletes(t *testing.T) {
	r, manager, st := newTestRunner(t, executor.NewMock(0))
	ctx := context.Background()

	task, err := manager.Enqueue(ctx, queue.EnqueueRequest{UserID: 1})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	claimed, err := manager.ClaimNext(ctx)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}

	r.executeTask(ctx, claimed)

	got, err := st.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != models.StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", got.Status)
	}
	if got.ProgressPercent != 100 || got.ResultsJSON == nil {
		t.Fatalf("completed task = %+v", got)
	}
}

func TestExecuteTaskAbandonsAfterCancel(t *testing.T) {
	r, manager, st := newTestRunner(t, executor.NewMock(0))
	ctx := context.Background()

	task, err := manager.Enqueue(ctx, queue.EnqueueRequest{UserID: 1})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	claimed, err := manager.ClaimNext(ctx)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if _, err := manager.CancelAsAdmin(ctx, task.ID, 42, "maintenance"); err != nil {
		t.Fatalf("CancelAsAdmin: %v", err)
	}

	// The first checkpoint observes the stop signal and abandons.
	r.executeTask(ctx, claimed)

	got, _ := st.GetTask(ctx, task.ID)
	if got.Status != models.StatusCancelled {
		t.Fatalf("status = %s, want CANCELLED to stay final", got.Status)
	}
	if got.ResultsJSON != nil {
		t.Fatal("abandoned execution must not store results")
	}
}

func TestExecuteTaskFailureSchedulesRetry(t *testing.T) {
	boom := errors.New("caption model unavailable")
	r, manager, st := newTestRunner(t, &executor.Mock{Err: boom})
	ctx := context.Background()

	task, err := manager.Enqueue(ctx, queue.EnqueueRequest{UserID: 1, MaxRetries: 3})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	claimed, err := manager.ClaimNext(ctx)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}

	r.executeTask(ctx, claimed)

	got, _ := st.GetTask(ctx, task.ID)
	if got.Status != models.StatusFailed {
		t.Fatalf("status = %s, want FAILED", got.Status)
	}
	if got.ErrorMessage == "" {
		t.Fatal("failure must record the error message")
	}

	// A fresh retry task exists, linked to the failed one.
	tasks, err := st.ListTasks(ctx, store.TaskFilter{})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	var retry *models.Task
	for i := range tasks {
		if tasks[i].RequeuedFrom == task.ID {
			retry = &tasks[i]
		}
	}
	if retry == nil {
		t.Fatal("no retry task scheduled")
	}
	if retry.Status != models.StatusQueued || retry.RetryCount != 1 {
		t.Fatalf("retry task = %+v", retry)
	}
}

func TestExecuteTaskRetryStopsAtBudget(t *testing.T) {
	boom := errors.New("caption model unavailable")
	r, manager, st := newTestRunner(t, &executor.Mock{Err: boom})
	ctx := context.Background()

	task, err := manager.Enqueue(ctx, queue.EnqueueRequest{UserID: 1, MaxRetries: 1})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// First run fails and schedules the single retry; the retry's failure
	// must not schedule another.
	id := task.ID
	for round := 0; round < 2; round++ {
		claimed, err := manager.ClaimNext(ctx)
		if err != nil {
			t.Fatalf("ClaimNext round %d: %v", round, err)
		}
		id = claimed.ID
		r.executeTask(ctx, claimed)
	}

	tasks, err := st.ListTasks(ctx, store.TaskFilter{})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("%d tasks, want 2 (original + one retry)", len(tasks))
	}
	got, _ := st.GetTask(ctx, id)
	if got.Status != models.StatusFailed || got.RetryCount != 1 {
		t.Fatalf("final retry = %+v", got)
	}
}

func TestMaintenanceSweepClearsStuckTasks(t *testing.T) {
	st := store.NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := st.UpsertUser(ctx, &models.User{ID: 1, Username: "user-1", Role: models.RoleUser}); err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	manager := queue.NewManager(st, queue.Config{StuckThreshold: time.Millisecond}, logger, events.NoopPublisher{})

	task, err := manager.Enqueue(ctx, queue.EnqueueRequest{UserID: 1})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := manager.ClaimNext(ctx); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}

	c, err := StartMaintenance(ctx, manager, "@every 100ms", logger)
	if err != nil {
		t.Fatalf("StartMaintenance: %v", err)
	}
	defer c.Stop()

	deadline := time.After(3 * time.Second)
	for {
		got, err := st.GetTask(ctx, task.ID)
		if err != nil {
			t.Fatalf("GetTask: %v", err)
		}
		if got.Status == models.StatusFailed {
			if !got.CancelledByAdmin {
				t.Fatalf("swept task = %+v", got)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatalf("sweep never cleared the stuck task, status = %s", got.Status)
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestProcessNextReportsNoTasks(t *testing.T) {
	r, _, _ := newTestRunner(t, executor.NewMock(0))
	processed, err := r.processNext(context.Background())
	if processed {
		t.Fatal("nothing to process on an empty queue")
	}
	if !errors.Is(err, store.ErrNoTasks) {
		t.Fatalf("got %v, want ErrNoTasks", err)
	}
}

func TestStartDrainsOnShutdown(t *testing.T) {
	r, manager, st := newTestRunner(t, executor.NewMock(time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())

	task, err := manager.Enqueue(ctx, queue.EnqueueRequest{UserID: 1})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- r.Start(ctx) }()

	// Wait for the task to be claimed, then shut down.
	deadline := time.After(2 * time.Second)
	for {
		got, err := st.GetTask(context.Background(), task.ID)
		if err != nil {
			t.Fatalf("GetTask: %v", err)
		}
		if got.Status != models.StatusQueued {
			break
		}
		select {
		case <-deadline:
			t.Fatal("task never claimed")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not drain on shutdown")
	}
	got, _ := st.GetTask(context.Background(), task.ID)
	if !got.Status.Terminal() {
		t.Fatalf("status = %s, want terminal after drain", got.Status)
	}
}
