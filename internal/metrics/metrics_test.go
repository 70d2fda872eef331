package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestObserveHealthSetsGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)

	r.ObserveHealth("primary", true)
	r.ObserveHealth("backup", false)

	metric := &dto.Metric{}
	if err := r.CircuitHealthy.WithLabelValues("primary").Write(metric); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if metric.GetGauge().GetValue() != 1 {
		t.Fatalf("primary gauge = %v, want 1", metric.GetGauge().GetValue())
	}

	metric = &dto.Metric{}
	if err := r.CircuitHealthy.WithLabelValues("backup").Write(metric); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if metric.GetGauge().GetValue() != 0 {
		t.Fatalf("backup gauge = %v, want 0", metric.GetGauge().GetValue())
	}
}
