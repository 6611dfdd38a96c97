package logsink

import "github.com/prometheus/client_golang/prometheus"

// Failure reasons recorded by the composite sink.
const (
	reasonError = "error"
	reasonPanic = "panic"
)

var (
	sinkEmitFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobflow_log_sink_emit_failures_total",
			Help: "Total number of child sink Emit calls that failed inside a composite sink.",
		},
		[]string{"reason"},
	)

	brokerDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobflow_log_broker_dropped_events_total",
			Help: "Total number of events dropped for slow broker subscribers.",
		},
	)
)

func init() {
	prometheus.MustRegister(sinkEmitFailures)
	prometheus.MustRegister(brokerDropped)

	sinkEmitFailures.WithLabelValues(reasonError)
	sinkEmitFailures.WithLabelValues(reasonPanic)
}
