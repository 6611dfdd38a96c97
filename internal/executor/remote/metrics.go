package remote

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/jobflow/internal/model"
)

// Metric label values for runs without a script status.
const (
	statusLost  = "connection_lost"
	statusError = "worker_error"
)

var (
	dialDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "jobflow_remote_dial_seconds",
			Help:    "Duration from first dial attempt to an established worker connection, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	dialFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobflow_remote_dial_failures_total",
			Help: "Total number of worker connections that failed after all retries.",
		},
	)

	runDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "jobflow_remote_run_seconds",
			Help:    "Total remote run time from request send to final result, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobflow_remote_runs_total",
			Help: "Total number of runs sent to worker agents.",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(dialDuration)
	prometheus.MustRegister(dialFailuresTotal)
	prometheus.MustRegister(runDuration)
	prometheus.MustRegister(runsTotal)

	for _, s := range []string{
		string(model.StatusSuccess),
		string(model.StatusFailed),
		string(model.StatusTimeout),
		string(model.StatusCancelled),
		statusLost,
		statusError,
	} {
		runsTotal.WithLabelValues(s)
	}
}
