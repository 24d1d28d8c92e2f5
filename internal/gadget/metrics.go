package gadget

import "github.com/prometheus/client_golang/prometheus"

// Encode outcomes.
const (
	outcomeLow        = "low"
	outcomeHigh       = "high"
	outcomeSuppressed = "suppressed"
	outcomeFailed     = "failed"
)

var (
	roundsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "contend_gadget_rounds_total",
			Help: "Total number of victim invocations.",
		},
	)

	mispredictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "contend_gadget_mispredictions_total",
			Help: "Total number of victim invocations where the modelled prediction disagreed with the bounds check.",
		},
	)

	encodesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contend_gadget_encodes_total",
			Help: "Total number of encode calls by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(roundsTotal)
	prometheus.MustRegister(mispredictionsTotal)
	prometheus.MustRegister(encodesTotal)

	for _, o := range []string{outcomeLow, outcomeHigh, outcomeSuppressed, outcomeFailed} {
		encodesTotal.WithLabelValues(o)
	}
}
