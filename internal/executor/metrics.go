package executor

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for worker process outcomes.
const (
	outcomeOK         = "ok"
	outcomeFailed     = "failed"
	outcomeCrashed    = "crashed"
	outcomeKilled     = "killed"
	outcomeSpawnError = "spawn_error"
)

var (
	activeWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "offload_executor_active_workers",
			Help: "Number of currently running worker processes.",
		},
	)

	workerDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "offload_executor_worker_seconds",
			Help:    "Worker process lifetime from start to exit, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	workerRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offload_executor_worker_runs_total",
			Help: "Total number of worker processes by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(activeWorkers)
	prometheus.MustRegister(workerDuration)
	prometheus.MustRegister(workerRunsTotal)

	// Pre-initialize label combinations so they appear in /metrics before
	// the first worker runs.
	for _, o := range []string{outcomeOK, outcomeFailed, outcomeCrashed, outcomeKilled, outcomeSpawnError} {
		workerRunsTotal.WithLabelValues(o)
	}
}
