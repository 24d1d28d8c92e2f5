package cgroup

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for pseudo-file writes.
const (
	resultOK    = "ok"
	resultError = "error"
)

var (
	writesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contend_cgroup_writes_total",
			Help: "Total number of writes to cgroup pseudo-files.",
		},
		[]string{"file", "result"},
	)

	memoryMaxBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "contend_cgroup_memory_max_bytes",
			Help: "Memory ceiling last written to the domain, in bytes. -1 means unlimited.",
		},
	)
)

func init() {
	prometheus.MustRegister(writesTotal)
	prometheus.MustRegister(memoryMaxBytes)

	for _, f := range []string{fileProcs, fileSubtreeControl, fileMemoryMax} {
		writesTotal.WithLabelValues(f, resultOK)
		writesTotal.WithLabelValues(f, resultError)
	}
}
