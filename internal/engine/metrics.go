package engine

import "github.com/prometheus/client_golang/prometheus"

// Outcome label values beyond the task statuses.
const (
	outcomeStoreError = "store_error"
	outcomeSkipped    = "skipped"
)

var (
	tasksSubmittedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "offload_engine_tasks_submitted_total",
			Help: "Total number of tasks accepted by Submit.",
		},
	)

	tasksProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offload_engine_tasks_processed_total",
			Help: "Total number of dequeued tasks by outcome.",
		},
		[]string{"outcome"},
	)

	taskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "offload_engine_task_duration_seconds",
			Help:    "Handler execution time as seen by the dispatcher, in seconds.",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 30, 60, 300, 900},
		},
		[]string{"status"},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "offload_engine_queue_depth",
			Help: "Number of tasks waiting in the submission queue.",
		},
	)

	dispatcherState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "offload_engine_dispatcher_state",
			Help: "Dispatcher state: 0 idle, 1 running, 2 draining, 3 stopped.",
		},
	)
)

func init() {
	prometheus.MustRegister(tasksSubmittedTotal)
	prometheus.MustRegister(tasksProcessedTotal)
	prometheus.MustRegister(taskDuration)
	prometheus.MustRegister(queueDepth)
	prometheus.MustRegister(dispatcherState)

	for _, o := range []string{"ready", "failed", outcomeStoreError, outcomeSkipped} {
		tasksProcessedTotal.WithLabelValues(o)
	}
}
