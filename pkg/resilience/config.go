package resilience

import (
	"time"
)

// Config controls the protections applied to a wrapped provider.
type Config struct {
	// Name labels the circuit breaker in logs and metrics
	Name string

	// Timeout bounds each provider operation (0 disables the deadline)
	Timeout time.Duration

	// CircuitBreaker configures trip and recovery behavior
	CircuitBreaker BreakerConfig
}

// BreakerConfig configures circuit breaker behavior.
type BreakerConfig struct {
	// MaxRequests is how many probe requests pass through while the
	// breaker is half-open. Default: 1
	MaxRequests uint32

	// Interval is the cyclic period of the closed state after which the
	// internal counts are cleared. 0 means never clear.
	Interval time.Duration

	// Timeout is how long the breaker stays open before probing.
	// Default: 60s
	Timeout time.Duration

	// ReadyToTrip is consulted with a copy of Counts after each failure.
	// If nil, the breaker trips after 5 consecutive failures.
	ReadyToTrip func(counts Counts) bool
}

// Counts mirrors the breaker's request accounting for trip decisions.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// DefaultConfig returns protections suitable for a networked provider:
// a 5s per-operation deadline and a breaker that trips on a 15% error
// rate once enough traffic has been seen.
func DefaultConfig() Config {
	return Config{
		Name:    "provider",
		Timeout: 5 * time.Second,
		CircuitBreaker: BreakerConfig{
			MaxRequests: 5,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts Counts) bool {
				if counts.Requests < 20 {
					return false
				}
				failureRate := float64(counts.TotalFailures) / float64(counts.Requests)
				return failureRate >= 0.15
			},
		},
	}
}

// WithTimeout returns a copy of the config with the operation deadline set.
func (c Config) WithTimeout(timeout time.Duration) Config {
	c.Timeout = timeout
	return c
}

// WithBreakerTimeout returns a copy of the config with the open-state
// duration set.
func (c Config) WithBreakerTimeout(timeout time.Duration) Config {
	c.CircuitBreaker.Timeout = timeout
	return c
}
