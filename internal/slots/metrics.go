package slots

import "github.com/prometheus/client_golang/prometheus"

var (
	activeSlots = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "verity_active_slots",
			Help: "Number of execution slots currently held across all scopes.",
		},
	)

	acquiresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "verity_slot_acquires_total",
			Help: "Total number of successful slot acquisitions.",
		},
	)

	releasesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "verity_slot_releases_total",
			Help: "Total number of slot releases.",
		},
	)

	doubleReleaseTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "verity_slot_double_releases_total",
			Help: "Total number of rejected duplicate slot releases. Nonzero indicates a bug.",
		},
	)
)

func init() {
	prometheus.MustRegister(activeSlots)
	prometheus.MustRegister(acquiresTotal)
	prometheus.MustRegister(releasesTotal)
	prometheus.MustRegister(doubleReleaseTotal)
}
