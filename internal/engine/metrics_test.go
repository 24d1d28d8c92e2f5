package engine

import (
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/seantiz/contend/internal/model"
)

func gatherFamily(t *testing.T, name string) *dto.MetricFamily {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, fam := range families {
		if fam.GetName() == name {
			return fam
		}
	}
	return nil
}

func TestMetricsRegistered(t *testing.T) {
	runsTotal.WithLabelValues(model.RunSuppressed).Add(0)
	runDuration.Observe(0)

	for _, name := range []string{
		"contend_runs_total",
		"contend_run_duration_seconds",
		"contend_log_lines_dropped_total",
	} {
		if gatherFamily(t, name) == nil {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestRunsTotalLabels(t *testing.T) {
	runsTotal.WithLabelValues(model.RunTransmitted).Inc()
	runsTotal.WithLabelValues(model.RunCancelled).Inc()

	fam := gatherFamily(t, "contend_runs_total")
	if fam == nil {
		t.Fatal("runs_total metric family not found")
	}

	seen := make(map[string]bool)
	for _, m := range fam.GetMetric() {
		for _, lp := range m.GetLabel() {
			if lp.GetName() == "status" {
				seen[lp.GetValue()] = true
			}
		}
	}
	for _, status := range []string{model.RunTransmitted, model.RunCancelled} {
		if !seen[status] {
			t.Errorf("missing status label %q", status)
		}
	}
}

func TestLinesDroppedCountsSlowSubscriber(t *testing.T) {
	before := counterValue(t, "contend_log_lines_dropped_total")

	b := NewLogBroker()
	_, unsub := b.Subscribe("w1")
	defer unsub()
	for i := range subscriberBufferSize + 10 {
		b.Publish("w1", fmt.Sprintf("line %d", i))
	}

	if got := counterValue(t, "contend_log_lines_dropped_total") - before; got < 10 {
		t.Errorf("dropped lines = %v, want at least 10", got)
	}
}

func counterValue(t *testing.T, name string) float64 {
	t.Helper()
	fam := gatherFamily(t, name)
	if fam == nil || len(fam.GetMetric()) == 0 {
		return 0
	}
	return fam.GetMetric()[0].GetCounter().GetValue()
}
