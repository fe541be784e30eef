package cache

import "context"

// Provider is the abstract entry store. Implementations must be safe for
// concurrent callers; operations on the same key must be linearizable (a
// Get never observes a partially written Set).
//
// Get reports absence with found=false and a nil error; errors are
// reserved for backend failures, which callers treat as a miss.
type Provider interface {
	// Get retrieves an entry, reporting whether it was present
	Get(ctx context.Context, key string) (*Entry, bool, error)

	// Set stores an entry under key, replacing any existing one
	Set(ctx context.Context, key string, entry *Entry) error

	// Delete removes an entry; deleting an absent key is not an error
	Delete(ctx context.Context, key string) error

	// DeleteByTag removes every entry indexed under the tag within the
	// namespace
	DeleteByTag(ctx context.Context, namespace, tag string) error

	// ClearNamespace removes every entry belonging to the namespace
	ClearNamespace(ctx context.Context, namespace string) error

	// Close releases any resources held by the provider
	Close() error
}
