package inprocess

import "github.com/prometheus/client_golang/prometheus"

var abandonedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "jobflow_inprocess_abandoned_scripts_total",
		Help: "Total number of in-process scripts that ignored cancellation past the grace period.",
	},
)

func init() {
	prometheus.MustRegister(abandonedTotal)
}
