package launcher

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for launch failures.
const (
	stageStart  = "start"
	stageAssign = "assign"
)

var (
	workloadsLaunched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contend_workloads_launched_total",
			Help: "Total number of generator processes started and assigned to the domain.",
		},
		[]string{"role", "generator"},
	)

	workloadsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "contend_workloads_active",
			Help: "Number of generator processes not yet reaped.",
		},
	)

	launchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "contend_workload_launch_seconds",
			Help:    "Time from spawn to domain assignment, in seconds.",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
		},
	)

	launchFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contend_workload_launch_failures_total",
			Help: "Total number of launches that failed, by stage.",
		},
		[]string{"stage"},
	)
)

func init() {
	prometheus.MustRegister(workloadsLaunched)
	prometheus.MustRegister(workloadsActive)
	prometheus.MustRegister(launchDuration)
	prometheus.MustRegister(launchFailures)

	launchFailures.WithLabelValues(stageStart)
	launchFailures.WithLabelValues(stageAssign)
}
