// Package cache defines the storage model for cached query results: the
// entry unit, layered option merging, deterministic key derivation, and
// the Provider contract that alternative backends implement.
package cache

import "time"

// Entry is the unit of storage for one cached query result.
type Entry struct {
	// Value is the serialized payload produced by the session's serializer
	Value string

	// CreatedAt is when the entry was written
	CreatedAt time.Time

	// TTL is the duration after CreatedAt during which the entry is fresh
	TTL time.Duration

	// StaleTTL is the additional duration after freshness expires during
	// which the entry is servable but triggers a refresh
	StaleTTL time.Duration

	// CacheTime is the absolute lifetime; an entry older than this must be
	// treated as absent. Defaults to TTL + StaleTTL when zero.
	CacheTime time.Duration

	// Namespace is stored explicitly rather than re-derived from the key,
	// so namespaces containing the key separator still clear correctly.
	Namespace string

	// Tags are free-form labels for bulk invalidation, typically the
	// tables the query read from
	Tags []string

	// RowCount and ByteSize are observability and eviction accounting
	RowCount int
	ByteSize int

	// Fingerprint echoes the cache key for diagnostics
	Fingerprint string
}

// Lifetime returns the absolute time-to-live, falling back to
// TTL + StaleTTL when CacheTime was not set explicitly.
func (e *Entry) Lifetime() time.Duration {
	if e.CacheTime > 0 {
		return e.CacheTime
	}
	return e.TTL + e.StaleTTL
}

// Fresh reports whether the entry is inside its freshness window at now.
func (e *Entry) Fresh(now time.Time) bool {
	return now.Before(e.CreatedAt.Add(e.TTL))
}

// StaleAcceptable reports whether the entry is still servable at now,
// fresh or not.
func (e *Entry) StaleAcceptable(now time.Time) bool {
	return now.Before(e.CreatedAt.Add(e.TTL + e.StaleTTL))
}

// Expired reports whether the entry's age exceeds its absolute lifetime.
// Expired entries must never be returned and are evicted lazily on access.
func (e *Entry) Expired(now time.Time) bool {
	return !now.Before(e.CreatedAt.Add(e.Lifetime()))
}

// Age returns how long ago the entry was created.
func (e *Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.CreatedAt)
}
