package cache

import "time"

// Mode selects the freshness strategy for one call.
type Mode string

const (
	// ModeNoStore disables caching entirely
	ModeNoStore Mode = "no-store"

	// ModeCacheFirst serves a fresh entry, otherwise executes and stores
	ModeCacheFirst Mode = "cache-first"

	// ModeStaleWhileRevalidate serves stale entries immediately while
	// refreshing them in the background
	ModeStaleWhileRevalidate Mode = "stale-while-revalidate"

	// ModeNetworkFirst always executes, falling back to a stale entry
	// only when execution fails and StaleIfError is set
	ModeNetworkFirst Mode = "network-first"
)

// SerializeFunc encodes rows for storage and reports the encoded size.
type SerializeFunc func(v any) (payload string, byteSize int, err error)

// DeserializeFunc decodes a stored payload back into rows.
type DeserializeFunc func(payload string) (any, error)

// Options is a mergeable configuration overlay. The zero value of every
// field means "unset"; Merge only folds in fields that are set, except
// Tags which accumulate as a union across layers.
type Options struct {
	Mode Mode

	// TTL is the freshness window
	TTL time.Duration

	// StaleTTL extends servability past freshness, flagged as stale
	StaleTTL time.Duration

	// CacheTime is the absolute lifetime override; zero derives TTL+StaleTTL
	CacheTime time.Duration

	// StaleIfError permits serving a stale entry when execution fails
	// under network-first
	StaleIfError *bool

	// Dedupe collapses concurrent executions for the same key; defaults on
	Dedupe *bool

	// Namespace scopes the derived key and bulk-clear operations
	Namespace string

	// Key, when set, is used verbatim instead of the derived key
	Key string

	// Tags are invalidation labels unioned across merge layers
	Tags []string

	Serialize   SerializeFunc
	Deserialize DeserializeFunc
}

// Bool is a convenience for populating the optional boolean fields.
func Bool(v bool) *bool { return &v }

// Baseline returns the hard-coded defaults every merge starts from.
func Baseline() Options {
	return Options{
		Mode:         ModeNoStore,
		StaleIfError: Bool(false),
		Dedupe:       Bool(true),
	}
}

// Merge folds option layers left to right on top of the baseline. A later
// layer's set fields override earlier ones; Tags union and dedupe. This is
// what makes a per-call override beat a per-query default, which in turn
// beats the subsystem-wide defaults.
func Merge(layers ...Options) Options {
	out := Baseline()
	for _, layer := range layers {
		if layer.Mode != "" {
			out.Mode = layer.Mode
		}
		if layer.TTL != 0 {
			out.TTL = layer.TTL
		}
		if layer.StaleTTL != 0 {
			out.StaleTTL = layer.StaleTTL
		}
		if layer.CacheTime != 0 {
			out.CacheTime = layer.CacheTime
		}
		if layer.StaleIfError != nil {
			out.StaleIfError = layer.StaleIfError
		}
		if layer.Dedupe != nil {
			out.Dedupe = layer.Dedupe
		}
		if layer.Namespace != "" {
			out.Namespace = layer.Namespace
		}
		if layer.Key != "" {
			out.Key = layer.Key
		}
		if len(layer.Tags) > 0 {
			out.Tags = unionTags(out.Tags, layer.Tags)
		}
		if layer.Serialize != nil {
			out.Serialize = layer.Serialize
		}
		if layer.Deserialize != nil {
			out.Deserialize = layer.Deserialize
		}
	}
	return out
}

// WantsDedupe reports the effective dedupe setting.
func (o Options) WantsDedupe() bool {
	return o.Dedupe == nil || *o.Dedupe
}

// WantsStaleIfError reports the effective stale-if-error setting.
func (o Options) WantsStaleIfError() bool {
	return o.StaleIfError != nil && *o.StaleIfError
}

// Cacheable reports whether the options configure caching meaningfully:
// at least one of the windows must be positive.
func (o Options) Cacheable() bool {
	return o.TTL > 0 || o.StaleTTL > 0
}

func unionTags(existing, extra []string) []string {
	seen := make(map[string]struct{}, len(existing)+len(extra))
	out := make([]string, 0, len(existing)+len(extra))
	for _, t := range existing {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	for _, t := range extra {
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
