// Package metrics defines the collector interface the cache subsystem
// reports into. Implementations can export to various backends; the
// prometheus subpackage provides the production one.
package metrics

import "time"

// Collector receives measurements from sessions, providers, and the
// revalidation worker.
type Collector interface {
	// RecordOutcome is called once per terminal orchestration outcome
	// (hit, stale-hit, miss, bypass, revalidate)
	RecordOutcome(status, mode string, duration time.Duration)

	// RecordProviderOp times a provider operation (get, set, delete,
	// delete_by_tag, clear_namespace)
	RecordProviderOp(op string, success bool, duration time.Duration)

	// RecordRevalidation reports a completed background revalidation
	RecordRevalidation(success bool, duration time.Duration)

	// RecordRevalQueueDepth reports the revalidation queue occupancy
	RecordRevalQueueDepth(depth int)

	// RecordRevalDropped reports a revalidation dropped under backpressure
	RecordRevalDropped()

	// RecordStoreSize reports reference-store occupancy
	RecordStoreSize(entries int, bytes int64)

	// RecordCircuitState reports circuit breaker transitions on a
	// resilient provider wrapper
	RecordCircuitState(name string, state CircuitState)
}

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed means requests are flowing through
	CircuitClosed CircuitState = iota
	// CircuitOpen means requests are being rejected
	CircuitOpen
	// CircuitHalfOpen means the breaker is probing for recovery
	CircuitHalfOpen
)

// String returns the string representation of the circuit state.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// NoOpCollector discards all measurements. It is the default when no
// collector is configured.
type NoOpCollector struct{}

// RecordOutcome does nothing.
func (NoOpCollector) RecordOutcome(status, mode string, duration time.Duration) {}

// RecordProviderOp does nothing.
func (NoOpCollector) RecordProviderOp(op string, success bool, duration time.Duration) {}

// RecordRevalidation does nothing.
func (NoOpCollector) RecordRevalidation(success bool, duration time.Duration) {}

// RecordRevalQueueDepth does nothing.
func (NoOpCollector) RecordRevalQueueDepth(depth int) {}

// RecordRevalDropped does nothing.
func (NoOpCollector) RecordRevalDropped() {}

// RecordStoreSize does nothing.
func (NoOpCollector) RecordStoreSize(entries int, bytes int64) {}

// RecordCircuitState does nothing.
func (NoOpCollector) RecordCircuitState(name string, state CircuitState) {}
