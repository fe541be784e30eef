package cache

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across provider implementations.
var (
	// ErrEntryNotFound is returned by helpers when an entry is absent
	ErrEntryNotFound = errors.New("cache: entry not found")

	// ErrProviderClosed is returned when operating on a closed provider
	ErrProviderClosed = errors.New("cache: provider closed")

	// ErrInvalidEntry is returned when an entry fails validation
	ErrInvalidEntry = errors.New("cache: invalid entry")

	// ErrCircuitOpen is returned when a resilience wrapper rejects an
	// operation because the backend's circuit breaker is open
	ErrCircuitOpen = errors.New("cache: circuit breaker open")

	// ErrTimeout is returned when a provider operation exceeds its
	// configured deadline
	ErrTimeout = errors.New("cache: operation timeout")
)

// ProviderError wraps a backend failure with the operation and key that
// triggered it. Orchestration treats a failed Get as a miss and a failed
// Set as log-only; the typed wrapper keeps that policy checkable.
type ProviderError struct {
	Op  string
	Key string
	Err error
}

func (e *ProviderError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("cache: provider %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("cache: provider %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// WrapProviderError attaches operation context to a backend error.
func WrapProviderError(op, key string, err error) error {
	if err == nil {
		return nil
	}
	return &ProviderError{Op: op, Key: key, Err: err}
}

// IsNotFound reports whether err indicates an absent entry.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrEntryNotFound)
}

// IsProviderError reports whether err originated in a provider backend.
func IsProviderError(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe)
}
