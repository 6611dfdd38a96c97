package subprocess

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/jobflow/internal/model"
)

// statusSpawnError labels runs whose interpreter could not be started.
const statusSpawnError = "spawn_error"

var (
	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobflow_subprocess_runs_total",
			Help: "Total number of subprocess runs by terminal status.",
		},
		[]string{"status"},
	)

	killsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobflow_subprocess_kills_total",
			Help: "Total number of process groups terminated on timeout or cancellation.",
		},
	)
)

func init() {
	prometheus.MustRegister(runsTotal)
	prometheus.MustRegister(killsTotal)

	for _, s := range []string{
		string(model.StatusSuccess),
		string(model.StatusFailed),
		string(model.StatusTimeout),
		string(model.StatusCancelled),
		statusSpawnError,
	} {
		runsTotal.WithLabelValues(s)
	}
}
