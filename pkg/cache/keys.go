package cache

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"

	"query-cache/pkg/codec"
)

// KeyPrefix is the leading segment of every derived cache key.
const KeyPrefix = "cache"

// DefaultNamespace is where keys with unexpected shapes are attributed
// when a namespace has to be recovered from the key string.
const DefaultNamespace = "default"

// fieldSeparator joins the hashed inputs. JSON escapes control characters,
// so the raw byte can never appear inside a stably-serialized form.
const fieldSeparator = "\x1f"

// KeyInput carries everything that distinguishes one logical query from
// another for caching purposes.
type KeyInput struct {
	// Namespace partitions the key space, usually one per connection
	Namespace string

	// SQL is the rendered statement text
	SQL string

	// Params is the positional parameter list
	Params []any

	// Settings is the execution settings object, if any
	Settings map[string]any

	// Version is the schema/version discriminator; bumping it invalidates
	// every previously derived key
	Version string
}

// ComputeKey derives a deterministic, collision-resistant identifier of
// the form "cache:<version>:<namespace>:<hex-digest>". Identical logical
// queries always map to the same key; a difference in statement text,
// parameter values, or settings changes the digest.
func ComputeKey(in KeyInput) (string, error) {
	params, err := codec.StableStringify(in.Params)
	if err != nil {
		return "", err
	}
	settings, err := codec.StableStringify(in.Settings)
	if err != nil {
		return "", err
	}

	h := xxhash.New()
	h.WriteString(in.SQL)
	h.WriteString(fieldSeparator)
	h.WriteString(params)
	h.WriteString(fieldSeparator)
	h.WriteString(settings)

	ns := in.Namespace
	if ns == "" {
		ns = DefaultNamespace
	}
	version := in.Version
	if version == "" {
		version = "0"
	}

	return fmt.Sprintf("%s:%s:%s:%016x", KeyPrefix, version, ns, h.Sum64()), nil
}

// SplitNamespace recovers the namespace segment from a derived key. Keys
// that do not match the derived shape are conservatively attributed to
// DefaultNamespace. Providers that store the namespace alongside each
// entry only need this for foreign keys.
func SplitNamespace(key string) string {
	parts := strings.Split(key, ":")
	if len(parts) != 4 || parts[0] != KeyPrefix {
		return DefaultNamespace
	}
	if parts[2] == "" {
		return DefaultNamespace
	}
	return parts[2]
}
