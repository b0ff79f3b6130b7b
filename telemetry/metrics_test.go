package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func value(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	out := &dto.Metric{}
	if err := m.Write(out); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	switch {
	case out.Counter != nil:
		return out.Counter.GetValue()
	case out.Gauge != nil:
		return out.Gauge.GetValue()
	}
	t.Fatalf("unsupported metric type")
	return 0
}

func TestMetricsInitialized(t *testing.T) {
	Init()
	Init() // second call must not re-register

	if GateDecisions == nil || ControlTransitions == nil || CredentialRefreshes == nil {
		t.Fatal("counter vectors not initialized")
	}
	if CanPostGauge == nil || CircuitOpenGauge == nil || AuditWriteDuration == nil {
		t.Fatal("gauges or histograms not initialized")
	}
}

func TestGateDecisionCounter(t *testing.T) {
	Init()
	before := value(t, GateDecisions.WithLabelValues("RATE_LIMIT"))
	ObserveGateDecision("RATE_LIMIT")
	ObserveGateDecision("RATE_LIMIT")
	if got := value(t, GateDecisions.WithLabelValues("RATE_LIMIT")) - before; got != 2 {
		t.Errorf("RATE_LIMIT delta = %v, want 2", got)
	}
}

func TestCanPostGauge(t *testing.T) {
	Init()
	SetCanPost(true)
	if got := value(t, CanPostGauge); got != 1 {
		t.Errorf("can_post = %v, want 1", got)
	}
	SetCanPost(false)
	if got := value(t, CanPostGauge); got != 0 {
		t.Errorf("can_post = %v, want 0", got)
	}
	UpdateCircuitGauge(true)
	if got := value(t, CircuitOpenGauge); got != 1 {
		t.Errorf("circuit gauge = %v, want 1", got)
	}
	UpdateCircuitGauge(false)
}

func TestHelpersDoNotPanic(t *testing.T) {
	Init()
	ObserveControlTransition("arm")
	ObserveRefresh("bot", "success")
	ObserveDevicePoll("pending")
	AddRevocationFailures(2)
	AddRevocationFailures(0)
	IncAuditWriteFailure("file")
	IncTransportFailure()
}

func TestTimeFuncRecordsObservation(t *testing.T) {
	testHistogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "test_duration_seconds",
		Help:    "Test duration",
		Buckets: prometheus.DefBuckets,
	})
	prometheus.MustRegister(testHistogram)
	defer prometheus.Unregister(testHistogram)

	executed := false
	duration := TimeFunc(testHistogram, func() {
		time.Sleep(10 * time.Millisecond)
		executed = true
	})
	if !executed {
		t.Error("TimeFunc did not execute provided function")
	}
	if duration < 10*time.Millisecond {
		t.Errorf("TimeFunc duration = %v, want >= 10ms", duration)
	}

	metric := &dto.Metric{}
	if err := testHistogram.Write(metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	if metric.Histogram == nil || metric.Histogram.GetSampleCount() == 0 {
		t.Error("TimeFunc did not record observation in histogram")
	}
}

func TestCorrelationHelpers(t *testing.T) {
	ctx := context.Background()
	if GetCorrelation(ctx) != "" {
		t.Error("empty context should have no correlation id")
	}
	ctx = WithCorrelation(ctx, "abc-123")
	if got := GetCorrelation(ctx); got != "abc-123" {
		t.Errorf("GetCorrelation() = %q", got)
	}
	if LoggerWithCorr(ctx) == nil {
		t.Error("LoggerWithCorr returned nil")
	}
}
