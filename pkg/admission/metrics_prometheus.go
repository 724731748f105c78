package admission

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetrics implements the Metrics interface using Prometheus.
//
// All metrics live in a custom registry for testability and isolation;
// pass Registry() to promhttp.HandlerFor to expose them.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// decisionsTotal counts gateway decisions.
	// Labels:
	//   - outcome: "allowed" or "denied"
	//   - reason: decision reason, "none" for plain allows
	//   - path: request path
	decisionsTotal *prometheus.CounterVec

	// checkDuration tracks how long one Evaluate call takes end to end.
	//
	// Buckets target sub-5ms checks; the upper buckets exist so a slow
	// store shows up before the circuit breaker does.
	checkDuration prometheus.Histogram

	// bansTotal counts ban writes by cause ("rapid_fire",
	// "rate_limit_violation", ...).
	bansTotal *prometheus.CounterVec

	// abuseSignalsTotal counts positive abuse-detector signals by check.
	abuseSignalsTotal *prometheus.CounterVec

	// storeFailuresTotal counts failed store round trips by logical
	// operation. Every increment implies a fail-open admission or a
	// skipped check.
	storeFailuresTotal *prometheus.CounterVec

	// circuitState tracks the store circuit breaker
	// (0=closed, 1=open, 2=half-open).
	circuitState prometheus.Gauge
}

// NewPrometheusMetrics creates a PrometheusMetrics instance with a custom
// registry.
func NewPrometheusMetrics() *PrometheusMetrics {
	registry := prometheus.NewRegistry()

	decisionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admission_decisions_total",
			Help: "Admission decisions by outcome, reason, and path",
		},
		[]string{"outcome", "reason", "path"},
	)

	checkDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "admission_check_duration_seconds",
			Help:    "Duration of admission evaluations",
			Buckets: []float64{0.0005, 0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
	)

	bansTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admission_bans_total",
			Help: "Ban records written, by cause",
		},
		[]string{"cause"},
	)

	abuseSignalsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admission_abuse_signals_total",
			Help: "Positive abuse-detector signals, by check",
		},
		[]string{"check"},
	)

	storeFailuresTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admission_store_failures_total",
			Help: "Failed counter-store round trips, by operation",
		},
		[]string{"op"},
	)

	circuitState := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "admission_store_circuit_state",
			Help: "Counter store circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
	)

	registry.MustRegister(
		decisionsTotal,
		checkDuration,
		bansTotal,
		abuseSignalsTotal,
		storeFailuresTotal,
		circuitState,
	)

	return &PrometheusMetrics{
		registry:           registry,
		decisionsTotal:     decisionsTotal,
		checkDuration:      checkDuration,
		bansTotal:          bansTotal,
		abuseSignalsTotal:  abuseSignalsTotal,
		storeFailuresTotal: storeFailuresTotal,
		circuitState:       circuitState,
	}
}

// Registry returns the registry holding all admission metrics.
func (m *PrometheusMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordDecision records one gateway decision. The path is normalized
// before use as a label to keep cardinality bounded.
func (m *PrometheusMetrics) RecordDecision(outcome, reason, path string) {
	if reason == "" {
		reason = "none"
	}
	m.decisionsTotal.WithLabelValues(outcome, reason, NormalizeMetricsPath(path)).Inc()
}

// RecordCheckDuration records the duration of one evaluation.
func (m *PrometheusMetrics) RecordCheckDuration(d time.Duration) {
	m.checkDuration.Observe(d.Seconds())
}

// RecordBan records that a ban was written.
func (m *PrometheusMetrics) RecordBan(cause string) {
	m.bansTotal.WithLabelValues(cause).Inc()
}

// RecordAbuseSignal records a positive abuse-detector signal.
func (m *PrometheusMetrics) RecordAbuseSignal(check string) {
	m.abuseSignalsTotal.WithLabelValues(check).Inc()
}

// RecordStoreFailure records a failed store round trip.
func (m *PrometheusMetrics) RecordStoreFailure(op string) {
	m.storeFailuresTotal.WithLabelValues(op).Inc()
}

// RecordCircuitState maps the breaker state name to the numeric gauge.
func (m *PrometheusMetrics) RecordCircuitState(state string) {
	var v float64
	switch state {
	case "closed":
		v = 0
	case "open":
		v = 1
	case "half-open":
		v = 2
	default:
		v = 0
	}
	m.circuitState.Set(v)
}
