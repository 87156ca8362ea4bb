package scheduler

import "github.com/prometheus/client_golang/prometheus"

var (
	tasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "floe_tasks_total",
			Help: "Total number of tasks by terminal state.",
		},
		[]string{"state"},
	)

	taskDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "floe_task_duration_seconds",
			Help:    "Task execution duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"state"},
	)

	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "floe_runs_total",
			Help: "Total number of workflow runs by terminal status.",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(tasksTotal)
	prometheus.MustRegister(taskDurationSeconds)
	prometheus.MustRegister(runsTotal)
}
