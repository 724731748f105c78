package admission

import "time"

// NoOpMetrics implements Metrics with no-op methods. Used in tests and
// when metrics collection is disabled.
type NoOpMetrics struct{}

// NewNoOpMetrics creates a new NoOpMetrics instance.
func NewNoOpMetrics() *NoOpMetrics {
	return &NoOpMetrics{}
}

// RecordDecision is a no-op implementation.
func (m *NoOpMetrics) RecordDecision(outcome, reason, path string) {
	// No-op
}

// RecordCheckDuration is a no-op implementation.
func (m *NoOpMetrics) RecordCheckDuration(d time.Duration) {
	// No-op
}

// RecordBan is a no-op implementation.
func (m *NoOpMetrics) RecordBan(cause string) {
	// No-op
}

// RecordAbuseSignal is a no-op implementation.
func (m *NoOpMetrics) RecordAbuseSignal(check string) {
	// No-op
}

// RecordStoreFailure is a no-op implementation.
func (m *NoOpMetrics) RecordStoreFailure(op string) {
	// No-op
}

// RecordCircuitState is a no-op implementation.
func (m *NoOpMetrics) RecordCircuitState(state string) {
	// No-op
}
