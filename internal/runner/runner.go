package runner

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"vedfolnir-queue/internal/executor"
	"vedfolnir-queue/internal/models"
	"vedfolnir-queue/internal/queue"
	"vedfolnir-queue/internal/store"
)

// Runner polls the queue manager and drives caption executions. The manager
// owns all state transitions; the runner only calls the two worker mutation
// paths (progress and complete/fail) and observes the cooperative cancel
// flag at every checkpoint.
type Runner struct {
	manager  *queue.Manager
	executor executor.CaptionExecutor
	logger   *slog.Logger

	pollInterval time.Duration
	execTimeout  time.Duration
	drainTimeout time.Duration

	wg sync.WaitGroup
}

// SetDrainTimeout bounds how long Start waits for in-flight tasks after the
// context is cancelled. Zero means wait indefinitely.
func (r *Runner) SetDrainTimeout(d time.Duration) {
	r.drainTimeout = d
}

func New(manager *queue.Manager, exec executor.CaptionExecutor, logger *slog.Logger, pollInterval, execTimeout time.Duration) *Runner {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	if execTimeout <= 0 {
		execTimeout = time.Hour
	}
	return &Runner{
		manager:      manager,
		executor:     exec,
		logger:       logger,
		pollInterval: pollInterval,
		execTimeout:  execTimeout,
	}
}

func (r *Runner) Start(ctx context.Context) error {
	r.logger.Info("Starting caption worker runner", "poll_interval", r.pollInterval)

	// Jitter avoids a thundering herd when several workers restart together.
	jitter := time.Duration(rand.Intn(200)) * time.Millisecond
	ticker := time.NewTicker(r.pollInterval + jitter)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Worker received shutdown signal, waiting for tasks to finish...")
			if !r.drain() {
				r.logger.Warn("Drain timeout elapsed, abandoning in-flight tasks to the stuck sweep")
				return nil
			}
			r.logger.Info("All tasks finished")
			return nil
		case <-ticker.C:
			for {
				if ctx.Err() != nil {
					break
				}
				processed, err := r.processNext(ctx)
				if err != nil {
					if !errors.Is(err, store.ErrNoTasks) {
						r.logger.Error("Error claiming task", "error", err)
					}
					break
				}
				if !processed {
					break
				}
			}
		}
	}
}

func (r *Runner) drain() bool {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	if r.drainTimeout <= 0 {
		<-done
		return true
	}
	select {
	case <-done:
		return true
	case <-time.After(r.drainTimeout):
		return false
	}
}

func (r *Runner) processNext(ctx context.Context) (bool, error) {
	task, err := r.manager.ClaimNext(ctx)
	if err != nil {
		return false, err
	}
	tasksClaimed.Inc()
	queueWaitDuration.Observe(time.Since(task.CreatedAt).Seconds())

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.executeTask(ctx, task)
	}()
	return true, nil
}

func (r *Runner) executeTask(ctx context.Context, task *models.Task) {
	logger := r.logger.With("task_id", task.ID, "user_id", task.UserID)
	logger.Info("Processing task", "retry_count", task.RetryCount)

	tasksRunning.Inc()
	defer tasksRunning.Dec()

	execCtx, cancel := context.WithTimeout(ctx, r.execTimeout)
	defer cancel()

	progress := func(pctx context.Context, percent int, step string) (bool, error) {
		return r.manager.UpdateProgress(pctx, task.ID, percent, step)
	}

	startExec := time.Now()
	results, execErr := r.executor.Execute(execCtx, task, progress)
	execDuration.Observe(time.Since(startExec).Seconds())

	// Completion must not be lost to the shutdown of the claim context.
	finishCtx, finishCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer finishCancel()

	if execErr == nil {
		ok, err := r.manager.Complete(finishCtx, task.ID, results)
		if err != nil {
			logger.Error("Failed to record completion", "error", err)
			return
		}
		if !ok {
			logger.Warn("Task was no longer RUNNING at completion, result dropped")
			return
		}
		tasksCompleted.WithLabelValues("completed").Inc()
		return
	}

	if errors.Is(execErr, executor.ErrCancelled) {
		// The cancel transition already happened out-of-band.
		logger.Info("Task abandoned at checkpoint after cancellation")
		tasksCompleted.WithLabelValues("cancelled").Inc()
		return
	}

	ok, err := r.manager.Fail(finishCtx, task.ID, execErr.Error())
	if err != nil {
		logger.Error("Failed to record failure", "error", err)
		return
	}
	if !ok {
		logger.Warn("Task was no longer RUNNING at failure, error dropped")
		return
	}
	tasksCompleted.WithLabelValues("failed").Inc()
	logger.Error("Task failed", "error", execErr)

	// Self-requeue within the retry budget. The manager refuses once the
	// budget is spent; past that, recovery is an audited admin decision.
	newID, err := r.manager.RequeueFailed(finishCtx, task.ID, nil)
	if err != nil {
		if !queue.IsRoutineRefusal(err) {
			logger.Error("Failed to schedule retry", "error", err)
		}
		return
	}
	tasksCompleted.WithLabelValues("retried").Inc()
	logger.Info("Retry scheduled", "new_task_id", newID)
}
