package runner

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tasksClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vedfolnir_tasks_claimed_total",
		Help: "Total number of tasks claimed by this worker",
	})

	tasksCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vedfolnir_tasks_completed_total",
		Help: "Total number of tasks finished, by outcome",
	}, []string{"outcome"})

	tasksRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vedfolnir_tasks_running",
		Help: "Tasks currently executing in this worker",
	})

	queueWaitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "vedfolnir_queue_wait_seconds",
		Help:    "Time tasks spent QUEUED before being claimed",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	execDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "vedfolnir_exec_duration_seconds",
		Help:    "Time taken to execute a caption task",
		Buckets: prometheus.DefBuckets,
	})

	stuckCleared = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vedfolnir_stuck_tasks_cleared_total",
		Help: "Tasks forced to FAILED by the stuck-task sweep",
	})
)
