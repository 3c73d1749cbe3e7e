package runner

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"

	"vedfolnir-queue/internal/queue"
)

// StartMaintenance schedules the stuck-task sweep on a cron expression
// (standard five-field syntax). The sweep is the system's only automatic
// recovery path and always resolves stuck tasks to FAILED.
func StartMaintenance(ctx context.Context, manager *queue.Manager, sweepSpec string, logger *slog.Logger) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(sweepSpec, func() {
		count, err := manager.ClearStuckTasks(ctx, nil, 0)
		if err != nil {
			logger.Error("Stuck-task sweep failed", "error", err)
			return
		}
		if count > 0 {
			stuckCleared.Add(float64(count))
			logger.Warn("Stuck-task sweep cleared tasks", "count", count)
		}
	})
	if err != nil {
		return nil, err
	}
	c.Start()
	go func() {
		<-ctx.Done()
		c.Stop()
	}()
	return c, nil
}
