// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	GateDecisions       *prometheus.CounterVec
	TransportFailures   prometheus.Counter
	ControlTransitions  *prometheus.CounterVec
	CredentialRefreshes *prometheus.CounterVec
	DevicePolls         *prometheus.CounterVec
	RevocationFailures  prometheus.Counter
	AuditWriteFailures  *prometheus.CounterVec

	// Histograms (seconds)
	AuditWriteDuration prometheus.Observer

	// Gauges
	CanPostGauge     prometheus.Gauge
	CircuitOpenGauge prometheus.Gauge // 1=open,0=closed
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		GateDecisions = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chatgate_gate_decisions_total", Help: "Output gate decisions by reason"}, []string{"reason"})
		TransportFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "chatgate_transport_failures_total", Help: "Emitted outputs the transport failed to deliver"})
		ControlTransitions = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chatgate_control_transitions_total", Help: "Applied control state transitions by action"}, []string{"action"})
		CredentialRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chatgate_credential_refreshes_total", Help: "Token refresh attempts by account and result"}, []string{"account", "result"})
		DevicePolls = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chatgate_device_polls_total", Help: "Device code polls by result"}, []string{"result"})
		RevocationFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "chatgate_revocation_failures_total", Help: "Token revocations Twitch did not confirm"})
		AuditWriteFailures = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chatgate_audit_write_failures_total", Help: "Audit entries a sink failed to write"}, []string{"sink"})
		AuditWriteDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "chatgate_audit_write_duration_seconds", Help: "Audit append duration seconds", Buckets: prometheus.DefBuckets})
		CanPostGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "chatgate_can_post", Help: "1 when the bot may post, else 0"})
		CircuitOpenGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "chatgate_validate_circuit_open", Help: "Token validation circuit breaker open=1 closed=0"})
	})
}

// ObserveGateDecision counts one gate decision.
func ObserveGateDecision(reason string) {
	if GateDecisions != nil {
		GateDecisions.WithLabelValues(reason).Inc()
	}
}

// IncTransportFailure counts one failed delivery.
func IncTransportFailure() {
	if TransportFailures != nil {
		TransportFailures.Inc()
	}
}

// ObserveControlTransition counts one applied control change.
func ObserveControlTransition(action string) {
	if ControlTransitions != nil {
		ControlTransitions.WithLabelValues(action).Inc()
	}
}

// ObserveRefresh counts one refresh outcome.
func ObserveRefresh(account, result string) {
	if CredentialRefreshes != nil {
		CredentialRefreshes.WithLabelValues(account, result).Inc()
	}
}

// ObserveDevicePoll counts one device poll outcome.
func ObserveDevicePoll(result string) {
	if DevicePolls != nil {
		DevicePolls.WithLabelValues(result).Inc()
	}
}

// AddRevocationFailures counts failed revocations.
func AddRevocationFailures(n int) {
	if RevocationFailures != nil && n > 0 {
		RevocationFailures.Add(float64(n))
	}
}

// IncAuditWriteFailure counts one failed audit write.
func IncAuditWriteFailure(sink string) {
	if AuditWriteFailures != nil {
		AuditWriteFailures.WithLabelValues(sink).Inc()
	}
}

// SetCanPost records the current can_post verdict.
func SetCanPost(ok bool) {
	if CanPostGauge != nil {
		if ok {
			CanPostGauge.Set(1)
		} else {
			CanPostGauge.Set(0)
		}
	}
}

// UpdateCircuitGauge sets gauge to 1 if open else 0.
func UpdateCircuitGauge(open bool) {
	if CircuitOpenGauge != nil {
		if open {
			CircuitOpenGauge.Set(1)
		} else {
			CircuitOpenGauge.Set(0)
		}
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding correlation id (if absent) and the id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
