// Package session owns the per-connection runtime state of the query
// cache: the active provider, default options, the in-flight execution
// table, the decoded-rows memo, statistics, and the orchestration logic
// that decides between hit, stale-hit, miss, and bypass for every call.
package session

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"query-cache/pkg/cache"
	"query-cache/pkg/logging"
	"query-cache/pkg/metrics"
)

// Session is the runtime context for one logical database connection.
// It must not be shared across independent connections; the provider is
// the only state intended to be shared between sessions.
type Session struct {
	id        string
	provider  cache.Provider
	defaults  cache.Options
	namespace string
	version   string
	settings  map[string]any

	logger    *logging.Logger
	collector metrics.Collector
	observer  Observer

	// sf collapses concurrent real executions for the same key
	sf singleflight.Group

	// memo caches decoded rows per key for the current entry generation,
	// so bursts of reads inside one freshness window decode once
	memoMu sync.Mutex
	memo   map[string]memoEntry

	reval *revalidator

	stats stats

	closeOnce sync.Once
}

type memoEntry struct {
	createdAtNanos int64
	rows           []Row
}

// Config configures a Session.
type Config struct {
	// Provider is the entry store; nil forces no-store behavior
	Provider cache.Provider

	// Defaults are the session-wide cache options, merged under every call
	Defaults cache.Options

	// Namespace partitions this session's keys (default "default")
	Namespace string

	// Version is the schema/version discriminator folded into every key
	Version string

	// Settings are execution settings folded into key derivation
	Settings map[string]any

	// Logger defaults to the package-level logger
	Logger *logging.Logger

	// Collector defaults to a no-op collector
	Collector metrics.Collector

	// Observer receives one record per terminal outcome
	Observer Observer

	// RevalidationQueueSize bounds pending background refreshes (default 256)
	RevalidationQueueSize int

	// RevalidationWorkers sets the refresh concurrency (default 2)
	RevalidationWorkers int
}

// New creates a session. Close it when the connection ends.
func New(config Config) *Session {
	logger := config.Logger
	if logger == nil {
		logger = logging.Global()
	}
	collector := config.Collector
	if collector == nil {
		collector = metrics.NoOpCollector{}
	}
	namespace := config.Namespace
	if namespace == "" {
		namespace = cache.DefaultNamespace
	}

	s := &Session{
		id:        uuid.NewString(),
		provider:  config.Provider,
		defaults:  config.Defaults,
		namespace: namespace,
		version:   config.Version,
		settings:  config.Settings,
		logger:    logger.Named("session"),
		collector: collector,
		observer:  config.Observer,
		memo:      make(map[string]memoEntry),
	}
	s.reval = newRevalidator(s, config.RevalidationQueueSize, config.RevalidationWorkers)
	return s
}

// ID returns the session's unique identifier, used in log correlation.
func (s *Session) ID() string { return s.id }

// Namespace returns the session's key namespace.
func (s *Session) Namespace() string { return s.namespace }

// Stats returns a read-only snapshot of the session counters.
func (s *Session) Stats() Stats {
	return s.stats.snapshot()
}

// InvalidateTags removes every cached entry carrying any of the tags
// within this session's namespace. Callable by mutation-handling code
// after a write that should bust affected caches.
func (s *Session) InvalidateTags(ctx context.Context, tags ...string) error {
	if s.provider == nil {
		return nil
	}
	for _, tag := range tags {
		if err := s.provider.DeleteByTag(ctx, s.namespace, tag); err != nil {
			return cache.WrapProviderError("delete_by_tag", tag, err)
		}
	}
	return nil
}

// ClearNamespace removes every cached entry in the given namespace,
// defaulting to this session's own.
func (s *Session) ClearNamespace(ctx context.Context, namespace string) error {
	if s.provider == nil {
		return nil
	}
	if namespace == "" {
		namespace = s.namespace
	}
	if err := s.provider.ClearNamespace(ctx, namespace); err != nil {
		return cache.WrapProviderError("clear_namespace", namespace, err)
	}
	return nil
}

// Close tears down the session: the revalidation worker stops and the
// in-flight and memo tables are cleared. The provider is left running,
// since it may be shared with other sessions.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.reval.close()
		s.memoMu.Lock()
		s.memo = make(map[string]memoEntry)
		s.memoMu.Unlock()
	})
	return nil
}

func (s *Session) memoLookup(key string, createdAtNanos int64) ([]Row, bool) {
	s.memoMu.Lock()
	defer s.memoMu.Unlock()

	m, ok := s.memo[key]
	if !ok || m.createdAtNanos != createdAtNanos {
		return nil, false
	}
	return m.rows, true
}

func (s *Session) memoStore(key string, createdAtNanos int64, rows []Row) {
	s.memoMu.Lock()
	s.memo[key] = memoEntry{createdAtNanos: createdAtNanos, rows: rows}
	s.memoMu.Unlock()
}

func (s *Session) memoDrop(key string) {
	s.memoMu.Lock()
	delete(s.memo, key)
	s.memoMu.Unlock()
}

func (s *Session) logWarn(msg string, fields ...zap.Field) {
	s.logger.Warn(msg, append(fields, zap.String("session", s.id))...)
}

func (s *Session) logError(msg string, fields ...zap.Field) {
	s.logger.Error(msg, append(fields, zap.String("session", s.id))...)
}
