package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func gather(t *testing.T, name string) *dto.MetricFamily {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func TestWorkerSampleSeries(t *testing.T) {
	SetWorkerSample(4242, 0.37, 42.5)
	SetWorkerCounts(4242, 3, 11)

	mf := gather(t, "conclave_worker_score")
	if mf == nil {
		t.Fatal("conclave_worker_score not registered")
	}
	var found bool
	for _, m := range mf.GetMetric() {
		for _, lp := range m.GetLabel() {
			if lp.GetName() == "pid" && lp.GetValue() == "4242" {
				found = true
				if got := m.GetGauge().GetValue(); got != 42.5 {
					t.Errorf("score = %v, want 42.5", got)
				}
			}
		}
	}
	if !found {
		t.Fatal("no series for pid 4242")
	}

	DropWorker(4242)
	mf = gather(t, "conclave_worker_score")
	if mf != nil {
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "pid" && lp.GetValue() == "4242" {
					t.Error("series for pid 4242 survived DropWorker")
				}
			}
		}
	}
}

func TestLockAcquireOutcomeLabels(t *testing.T) {
	ObserveLockAcquire("acquired", 12*time.Millisecond)
	ObserveLockAcquire("busy", time.Millisecond)

	mf := gather(t, "conclave_lock_acquire_duration_seconds")
	if mf == nil {
		t.Fatal("lock histogram not registered")
	}
	outcomes := map[string]bool{}
	for _, m := range mf.GetMetric() {
		for _, lp := range m.GetLabel() {
			if lp.GetName() == "outcome" {
				outcomes[lp.GetValue()] = true
			}
		}
	}
	if !outcomes["acquired"] || !outcomes["busy"] {
		t.Errorf("missing outcome series: %v", outcomes)
	}
}
