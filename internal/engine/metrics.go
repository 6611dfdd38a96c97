package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobflow_runs_total",
			Help: "Total number of script runs by executor and terminal status or error kind.",
		},
		[]string{"executor", "status"},
	)

	runDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jobflow_run_duration_seconds",
			Help:    "Duration of script runs including staging and uploads, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"executor"},
	)

	activeRuns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobflow_active_runs",
			Help: "Number of runs currently held by the engine.",
		},
	)
)

func init() {
	prometheus.MustRegister(runsTotal)
	prometheus.MustRegister(runDuration)
	prometheus.MustRegister(activeRuns)
}
