package staging

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for transfer outcomes.
const (
	outcomeOK      = "ok"
	outcomeSkipped = "skipped"
	outcomeFailed  = "failed"
)

var (
	stagedFilesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobflow_staged_files_total",
			Help: "Total number of declared input files processed during staging.",
		},
		[]string{"outcome"},
	)

	uploadedFilesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobflow_uploaded_files_total",
			Help: "Total number of declared output files processed after a run.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(stagedFilesTotal)
	prometheus.MustRegister(uploadedFilesTotal)

	for _, o := range []string{outcomeOK, outcomeSkipped, outcomeFailed} {
		stagedFilesTotal.WithLabelValues(o)
		uploadedFilesTotal.WithLabelValues(o)
	}
}
