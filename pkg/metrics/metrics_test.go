package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegisterIsRepeatable(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("first Register failed: %v", err)
	}
	if err := Register(reg); err != nil {
		t.Fatalf("second Register should tolerate already registered collectors: %v", err)
	}
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					continue next
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	labels := map[string]string{"worker": "metrics-test", "reason": ReasonBackpressure}
	before := counterValue(t, reg, "tinyapm_rejected_events_total", labels)
	DispatchRejected("metrics-test", ReasonBackpressure)
	after := counterValue(t, reg, "tinyapm_rejected_events_total", labels)
	if after-before != 1 {
		t.Errorf("Expected rejected counter to grow by 1, got %v", after-before)
	}

	EventProcessed("metrics-test", errors.New("boom"))
	got := counterValue(t, reg, "tinyapm_processed_events_total",
		map[string]string{"worker": "metrics-test", "outcome": OutcomeError})
	if got < 1 {
		t.Errorf("Expected error outcome to be counted, got %v", got)
	}

	ObserveFlush("metrics-test", -time.Second, 3)
	got = counterValue(t, reg, "tinyapm_flushed_records_total", map[string]string{"worker": "metrics-test"})
	if got < 3 {
		t.Errorf("Expected flushed records >= 3, got %v", got)
	}
}
