package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetricsRegistersWithoutPanic(t *testing.T) {
	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("NewMetrics() panicked: %v", r)
		}
	}()
	m := NewMetrics()
	if m == nil {
		t.Fatalf("NewMetrics() returned nil")
	}
}

func TestMetricsLabeledVectorsAcceptExpectedLabels(t *testing.T) {
	m := NewMetrics()

	m.ActionsTotal.WithLabelValues("observe", "issued").Inc()
	m.PhaseTransitionsTotal.WithLabelValues("ObsInfo", "Focus").Inc()
	m.GuardViolationsTotal.WithLabelValues("invalid_transition").Inc()
	m.KeywordUpdatesTotal.WithLabelValues("wind_speed_mph").Inc()

	if got := testutil.ToFloat64(m.ActionsTotal.WithLabelValues("observe", "issued")); got != 1 {
		t.Fatalf("ActionsTotal{observe,issued} = %v, want 1", got)
	}
}

func TestUptimeGaugeStartsAtZero(t *testing.T) {
	m := NewMetrics()
	if got := testutil.ToFloat64(m.UptimeSeconds); got != 0 {
		t.Fatalf("UptimeSeconds before any tick = %v, want 0", got)
	}
}
