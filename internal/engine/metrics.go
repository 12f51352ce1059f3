package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/rcassidy/verity/internal/model"
)

var (
	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "verity_queue_depth",
			Help: "Number of runs currently waiting for admission.",
		},
	)

	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "verity_runs_total",
			Help: "Total number of runs finalized, by terminal status.",
		},
		[]string{"status"},
	)

	runDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "verity_run_duration_seconds",
			Help:    "Wall-clock run execution time from admission to finalization, in seconds.",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
		},
	)

	caseAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "verity_case_attempts_total",
			Help: "Total number of executor attempts, by case type and step status.",
		},
		[]string{"type", "status"},
	)
)

func init() {
	prometheus.MustRegister(queueDepth)
	prometheus.MustRegister(runsTotal)
	prometheus.MustRegister(runDuration)
	prometheus.MustRegister(caseAttemptsTotal)

	// Pre-initialize label combinations so they appear in /metrics with
	// value 0 from startup, rather than only after first observation.
	for _, status := range []string{model.StatusPassed, model.StatusFailed, model.StatusError, model.StatusCancelled} {
		runsTotal.WithLabelValues(status)
	}
}
