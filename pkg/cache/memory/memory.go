// Package memory provides the reference in-process Provider: a bounded
// store with approximate-LRU eviction, per-entry expiry, a tag index for
// bulk invalidation, and a periodic sweep that reclaims memory for cold
// keys.
package memory

import (
	"container/list"
	"context"
	"sync"
	"time"

	"query-cache/pkg/cache"
	"query-cache/pkg/metrics"
)

// Store is a bounded in-process implementation of cache.Provider.
// It is safe for concurrent use and may be shared by many sessions.
type Store struct {
	mu sync.Mutex

	// order holds *item values, least-recently-touched first
	order *list.List

	// items maps cache key to its element in order
	items map[string]*list.Element

	// tagIndex maps "namespace:tag" to the set of keys carrying that tag
	tagIndex map[string]map[string]struct{}

	totalBytes int64
	config     Config
	collector  metrics.Collector
	closed     bool

	sweepTicker *time.Ticker
	stopSweep   chan struct{}
	wg          sync.WaitGroup
}

type item struct {
	key   string
	entry *cache.Entry
}

// Config holds limits for the store.
type Config struct {
	// MaxEntries bounds the entry count (0 = unlimited)
	MaxEntries int

	// MaxBytes bounds the total payload size (0 = unlimited)
	MaxBytes int64

	// SweepInterval is how often expired entries are proactively evicted
	SweepInterval time.Duration

	// Collector, when set, receives occupancy gauges after writes and sweeps
	Collector metrics.Collector
}

// DefaultConfig returns the default store limits.
func DefaultConfig() Config {
	return Config{
		MaxEntries:    10000,
		MaxBytes:      64 << 20,
		SweepInterval: 30 * time.Second,
	}
}

// New creates a bounded store and starts its background sweep.
func New(config Config) *Store {
	if config.SweepInterval <= 0 {
		config.SweepInterval = 30 * time.Second
	}
	collector := config.Collector
	if collector == nil {
		collector = metrics.NoOpCollector{}
	}

	s := &Store{
		collector:   collector,
		order:       list.New(),
		items:       make(map[string]*list.Element),
		tagIndex:    make(map[string]map[string]struct{}),
		config:      config,
		sweepTicker: time.NewTicker(config.SweepInterval),
		stopSweep:   make(chan struct{}),
	}

	s.wg.Add(1)
	go s.sweepLoop()

	return s
}

// Get returns the entry for key, marking it most-recently-used. An entry
// whose age exceeds its absolute lifetime is deleted and reported absent.
func (s *Store) Get(ctx context.Context, key string) (*cache.Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, false, cache.ErrProviderClosed
	}

	elem, ok := s.items[key]
	if !ok {
		return nil, false, nil
	}

	it := elem.Value.(*item)
	if it.entry.Expired(time.Now()) {
		s.removeLocked(elem)
		return nil, false, nil
	}

	s.order.MoveToBack(elem)
	return it.entry, true, nil
}

// Set stores the entry, replacing any existing one, then enforces the
// entry-count and byte budgets by evicting least-recently-used entries.
func (s *Store) Set(ctx context.Context, key string, entry *cache.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if entry == nil {
		return cache.ErrInvalidEntry
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return cache.ErrProviderClosed
	}

	// Replacing a key: retire its old byte and tag contributions first.
	if elem, ok := s.items[key]; ok {
		s.removeLocked(elem)
	}

	it := &item{key: key, entry: entry}
	elem := s.order.PushBack(it)
	s.items[key] = elem
	s.totalBytes += int64(entry.ByteSize)
	s.indexTagsLocked(key, entry)

	s.enforceLimitsLocked()
	s.collector.RecordStoreSize(len(s.items), s.totalBytes)
	return nil
}

// Delete removes an entry; absent keys are a no-op.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return cache.ErrProviderClosed
	}

	if elem, ok := s.items[key]; ok {
		s.removeLocked(elem)
	}
	return nil
}

// DeleteByTag removes every entry indexed under the tag within the
// namespace and clears the index bucket.
func (s *Store) DeleteByTag(ctx context.Context, namespace, tag string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return cache.ErrProviderClosed
	}

	bucket := tagBucket(namespace, tag)
	for key := range s.tagIndex[bucket] {
		if elem, ok := s.items[key]; ok {
			s.removeLocked(elem)
		}
	}
	delete(s.tagIndex, bucket)
	return nil
}

// ClearNamespace removes every entry belonging to the namespace. Entries
// carry their namespace explicitly; keys written by other producers fall
// back to parsing the key shape.
func (s *Store) ClearNamespace(ctx context.Context, namespace string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return cache.ErrProviderClosed
	}

	var doomed []*list.Element
	for elem := s.order.Front(); elem != nil; elem = elem.Next() {
		it := elem.Value.(*item)
		if s.entryNamespace(it) == namespace {
			doomed = append(doomed, elem)
		}
	}
	for _, elem := range doomed {
		s.removeLocked(elem)
	}
	return nil
}

// Close stops the sweep goroutine and drops all entries.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.sweepTicker.Stop()
	close(s.stopSweep)
	s.wg.Wait()

	s.mu.Lock()
	s.order.Init()
	s.items = make(map[string]*list.Element)
	s.tagIndex = make(map[string]map[string]struct{})
	s.totalBytes = 0
	s.mu.Unlock()

	return nil
}

// Stats reports the store's current occupancy.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Stats{
		Entries:    len(s.items),
		TotalBytes: s.totalBytes,
		TagBuckets: len(s.tagIndex),
		MaxEntries: s.config.MaxEntries,
		MaxBytes:   s.config.MaxBytes,
	}
}

// Stats holds occupancy counters for observability.
type Stats struct {
	Entries    int
	TotalBytes int64
	TagBuckets int
	MaxEntries int
	MaxBytes   int64
}

// enforceLimitsLocked evicts least-recently-used entries until both
// budgets hold. Invariant after every Set: entries <= MaxEntries and
// totalBytes <= MaxBytes.
func (s *Store) enforceLimitsLocked() {
	for s.overBudgetLocked() {
		front := s.order.Front()
		if front == nil {
			return
		}
		s.removeLocked(front)
	}
}

func (s *Store) overBudgetLocked() bool {
	if s.config.MaxEntries > 0 && len(s.items) > s.config.MaxEntries {
		return true
	}
	if s.config.MaxBytes > 0 && s.totalBytes > s.config.MaxBytes {
		return true
	}
	return false
}

// removeLocked unlinks an element and retires its byte and tag
// contributions.
func (s *Store) removeLocked(elem *list.Element) {
	it := elem.Value.(*item)
	s.order.Remove(elem)
	delete(s.items, it.key)
	s.totalBytes -= int64(it.entry.ByteSize)

	ns := s.entryNamespace(it)
	for _, tag := range it.entry.Tags {
		bucket := tagBucket(ns, tag)
		if keys, ok := s.tagIndex[bucket]; ok {
			delete(keys, it.key)
			if len(keys) == 0 {
				delete(s.tagIndex, bucket)
			}
		}
	}
}

func (s *Store) indexTagsLocked(key string, entry *cache.Entry) {
	ns := entry.Namespace
	if ns == "" {
		ns = cache.SplitNamespace(key)
	}
	for _, tag := range entry.Tags {
		bucket := tagBucket(ns, tag)
		keys, ok := s.tagIndex[bucket]
		if !ok {
			keys = make(map[string]struct{})
			s.tagIndex[bucket] = keys
		}
		keys[key] = struct{}{}
	}
}

func (s *Store) entryNamespace(it *item) string {
	if it.entry.Namespace != "" {
		return it.entry.Namespace
	}
	return cache.SplitNamespace(it.key)
}

func tagBucket(namespace, tag string) string {
	return namespace + ":" + tag
}

// sweepLoop proactively evicts expired entries so memory is reclaimed
// even for keys that are never read again.
func (s *Store) sweepLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.sweepTicker.C:
			s.sweepExpired()
		case <-s.stopSweep:
			return
		}
	}
}

func (s *Store) sweepExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	now := time.Now()
	var doomed []*list.Element
	for elem := s.order.Front(); elem != nil; elem = elem.Next() {
		if elem.Value.(*item).entry.Expired(now) {
			doomed = append(doomed, elem)
		}
	}
	for _, elem := range doomed {
		s.removeLocked(elem)
	}
	s.collector.RecordStoreSize(len(s.items), s.totalBytes)
}
