package metrics

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
)

func TestInitPrometheusRegistersCollectors(t *testing.T) {
	InitPrometheus("sentinel_test", nil)
	if PrometheusRegistry() == nil {
		t.Fatalf("expected a non-nil registry after InitPrometheus")
	}
}

func TestSetVRAMStateIsOneHot(t *testing.T) {
	InitPrometheus("sentinel_test_vram", nil)
	SetVRAMState("LOADING_CODER", "coder")

	families, err := PrometheusRegistry().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	var found bool
	for _, mf := range families {
		if mf.GetName() != "sentinel_test_vram_vram_state" {
			continue
		}
		for _, m := range mf.Metric {
			state := labelValue(m, "state")
			if state == "LOADING_CODER" && m.GetGauge().GetValue() != 1.0 {
				t.Fatalf("expected LOADING_CODER=1, got %v", m.GetGauge().GetValue())
			}
			if state == "IDLE" && m.GetGauge().GetValue() != 0.0 {
				t.Fatalf("expected IDLE=0, got %v", m.GetGauge().GetValue())
			}
			found = true
		}
	}
	if !found {
		t.Fatalf("vram_state metric not found")
	}
}

func TestRecordFunctionsNoopBeforeInit(t *testing.T) {
	promMetrics = nil
	RecordVRAMAcquire("coder", "ok")
	RecordBreakerTrip()
	RecordFirewallDetection("system_override", "critical")
	RecordSkillStrike("skill-1")
	RecordDreamCycle(12.5, false)
}

func labelValue(m *dto.Metric, name string) string {
	for _, l := range m.Label {
		if l.GetName() == name {
			return l.GetValue()
		}
	}
	return ""
}
