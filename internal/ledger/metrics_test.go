package ledger

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestObserve_IncrementsCounter(t *testing.T) {
	OpsTotal.Reset()

	observe("test_op", time.Now())

	m := &dto.Metric{}
	counter, err := OpsTotal.GetMetricWithLabelValues("test_op")
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues failed: %v", err)
	}
	_ = counter.Write(m)

	if m.Counter.GetValue() != 1.0 {
		t.Errorf("expected counter value 1, got %f", m.Counter.GetValue())
	}
}

func TestObserve_ObservesHistogram(t *testing.T) {
	OpDuration.Reset()

	observe("hist_test", time.Now())

	ch := make(chan prometheus.Metric, 10)
	OpDuration.Collect(ch)
	close(ch)

	found := false
	for metric := range ch {
		m := &dto.Metric{}
		_ = metric.Write(m)
		if m.Histogram != nil && m.Histogram.GetSampleCount() == 1 {
			found = true
		}
	}
	if !found {
		t.Error("expected histogram with 1 sample")
	}
}

func TestMetrics_Registered(t *testing.T) {
	observe("registered_check", time.Now())

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	want := map[string]bool{
		"arcinvoice_ledger_operations_total":           false,
		"arcinvoice_ledger_operation_duration_seconds": false,
	}
	for _, mf := range families {
		if _, ok := want[mf.GetName()]; ok {
			want[mf.GetName()] = true
		}
	}
	for name, ok := range want {
		if !ok {
			t.Errorf("metric %s not registered", name)
		}
	}
}
