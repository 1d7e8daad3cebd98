package runner

import "github.com/prometheus/client_golang/prometheus"

var (
	taskRunsSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prefect_task_runs_submitted_total",
			Help: "Total task runs submitted, by task name.",
		},
		[]string{"task"},
	)

	taskRunsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prefect_task_runs_finished_total",
			Help: "Total task runs reaching a final state, by state type.",
		},
		[]string{"state"},
	)

	taskRunsInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "prefect_task_runs_inflight",
			Help: "Task runs submitted but not yet final.",
		},
	)

	taskRunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "prefect_task_run_duration_seconds",
			Help:    "Wall-clock task run duration from submission to final state.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
		},
		[]string{"task"},
	)
)

func init() {
	prometheus.MustRegister(
		taskRunsSubmitted,
		taskRunsFinished,
		taskRunsInflight,
		taskRunDuration,
	)
}
