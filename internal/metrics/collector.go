package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"vedfolnir-queue/internal/models"
	"vedfolnir-queue/internal/store"
)

const defaultInterval = 5 * time.Second

var (
	queueDepthGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vedfolnir_queue_depth",
		Help: "Number of QUEUED tasks.",
	})
	runningGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vedfolnir_queue_running",
		Help: "Number of RUNNING tasks.",
	})
	failedGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vedfolnir_queue_failed",
		Help: "Number of FAILED tasks.",
	})
	avgQueuedWaitGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vedfolnir_queue_avg_wait_seconds",
		Help: "Average wait of currently queued tasks.",
	})
)

// StartCollector samples queue statistics on an interval and exposes them as
// gauges. Point-in-time reads, recomputed every tick, so the gauges cannot
// drift from missed updates.
func StartCollector(ctx context.Context, st store.Store, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = defaultInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if err := collect(ctx, st); err != nil && logger != nil {
				logger.Warn("Queue metrics collection failed", "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func collect(ctx context.Context, st store.Store) error {
	queryCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	stats, err := st.Statistics(queryCtx)
	if err != nil {
		return err
	}
	queueDepthGauge.Set(float64(stats.ByStatus[models.StatusQueued]))
	runningGauge.Set(float64(stats.ByStatus[models.StatusRunning]))
	failedGauge.Set(float64(stats.ByStatus[models.StatusFailed]))
	avgQueuedWaitGauge.Set(stats.AvgQueuedWait.Seconds())
	return nil
}
