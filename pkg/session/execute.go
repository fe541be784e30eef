package session

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"query-cache/pkg/cache"
	"query-cache/pkg/codec"
)

// Execute runs a query through the cache. Option layers merge on top of
// the session defaults, so a per-call override always wins over a
// per-query default, which wins over the session-wide defaults.
//
// With no provider, an effective no-store mode, or no positive freshness
// window, the query executes directly and the outcome is a bypass. The
// orchestrator never imposes a timeout of its own; cancellation belongs
// to the execution callback's driver layer.
func (s *Session) Execute(ctx context.Context, query Query, fetch Fetch, overrides ...cache.Options) ([]Row, error) {
	started := time.Now()

	layers := make([]cache.Options, 0, len(overrides)+1)
	layers = append(layers, s.defaults)
	layers = append(layers, overrides...)
	opts := cache.Merge(layers...)

	sql, params := query.RenderStatement()

	if s.provider == nil || opts.Mode == cache.ModeNoStore || !opts.Cacheable() {
		rows, err := fetch(ctx)
		if err != nil {
			return nil, &ExecutionError{SQL: sql, Err: err}
		}
		if s.provider != nil {
			s.stats.misses.Add(1)
		}
		s.observe(Record{SQL: sql, Params: params, Status: StatusBypass, Mode: opts.Mode, RowCount: len(rows)}, started)
		return rows, nil
	}

	key, err := s.deriveKey(sql, params, opts)
	if err != nil {
		return nil, err
	}
	tags := tagUnion(opts.Tags, query.TableNames())

	switch opts.Mode {
	case cache.ModeCacheFirst:
		return s.cacheFirst(ctx, key, sql, params, tags, opts, fetch, started)
	case cache.ModeStaleWhileRevalidate:
		return s.staleWhileRevalidate(ctx, key, sql, params, tags, opts, fetch, started)
	case cache.ModeNetworkFirst:
		return s.networkFirst(ctx, key, sql, params, tags, opts, fetch, started)
	}

	// Unrecognized modes execute directly.
	rows, err := fetch(ctx)
	if err != nil {
		return nil, &ExecutionError{SQL: sql, Err: err}
	}
	s.observe(Record{SQL: sql, Params: params, Status: StatusBypass, Key: key, Mode: opts.Mode, RowCount: len(rows)}, started)
	return rows, nil
}

func (s *Session) cacheFirst(ctx context.Context, key, sql string, params []any, tags []string, opts cache.Options, fetch Fetch, started time.Time) ([]Row, error) {
	now := time.Now()
	if entry, ok := s.providerGet(ctx, key); ok && entry.Fresh(now) {
		rows, err := s.decodeEntry(key, entry, opts)
		if err == nil {
			s.stats.hits.Add(1)
			s.observe(Record{SQL: sql, Params: params, Status: StatusHit, Key: key, Mode: opts.Mode, Age: entry.Age(now), RowCount: len(rows)}, started)
			return rows, nil
		}
		s.dropCorrupt(ctx, key, err)
	}

	rows, err := s.executeAndStore(ctx, key, sql, tags, opts, fetch)
	if err != nil {
		return nil, err
	}
	s.stats.misses.Add(1)
	s.observe(Record{SQL: sql, Params: params, Status: StatusMiss, Key: key, Mode: opts.Mode, RowCount: len(rows)}, started)
	return rows, nil
}

func (s *Session) staleWhileRevalidate(ctx context.Context, key, sql string, params []any, tags []string, opts cache.Options, fetch Fetch, started time.Time) ([]Row, error) {
	now := time.Now()
	if entry, ok := s.providerGet(ctx, key); ok && entry.StaleAcceptable(now) {
		rows, err := s.decodeEntry(key, entry, opts)
		if err == nil {
			if entry.Fresh(now) {
				s.stats.hits.Add(1)
				s.observe(Record{SQL: sql, Params: params, Status: StatusHit, Key: key, Mode: opts.Mode, Age: entry.Age(now), RowCount: len(rows)}, started)
				return rows, nil
			}
			// Serve the stale rows immediately; the refresh happens in
			// the background and the caller never waits on it.
			s.stats.staleHits.Add(1)
			s.observe(Record{SQL: sql, Params: params, Status: StatusStaleHit, Key: key, Mode: opts.Mode, Age: entry.Age(now), RowCount: len(rows)}, started)
			s.reval.schedule(revalJob{key: key, sql: sql, params: params, tags: tags, opts: opts, fetch: fetch})
			return rows, nil
		}
		s.dropCorrupt(ctx, key, err)
	}

	rows, err := s.executeAndStore(ctx, key, sql, tags, opts, fetch)
	if err != nil {
		return nil, err
	}
	s.stats.misses.Add(1)
	s.observe(Record{SQL: sql, Params: params, Status: StatusMiss, Key: key, Mode: opts.Mode, RowCount: len(rows)}, started)
	return rows, nil
}

func (s *Session) networkFirst(ctx context.Context, key, sql string, params []any, tags []string, opts cache.Options, fetch Fetch, started time.Time) ([]Row, error) {
	rows, execErr := s.executeAndStore(ctx, key, sql, tags, opts, fetch)
	if execErr == nil {
		s.stats.misses.Add(1)
		s.observe(Record{SQL: sql, Params: params, Status: StatusMiss, Key: key, Mode: opts.Mode, RowCount: len(rows)}, started)
		return rows, nil
	}

	if opts.WantsStaleIfError() {
		now := time.Now()
		if entry, ok := s.providerGet(ctx, key); ok && entry.StaleAcceptable(now) {
			rows, err := s.decodeEntry(key, entry, opts)
			if err == nil {
				s.stats.staleHits.Add(1)
				s.observe(Record{SQL: sql, Params: params, Status: StatusStaleHit, Key: key, Mode: opts.Mode, Age: entry.Age(now), RowCount: len(rows)}, started)
				return rows, nil
			}
			s.dropCorrupt(ctx, key, err)
		}
	}
	return nil, execErr
}

// executeAndStore runs the real execution, collapsing concurrent callers
// for the same key onto one invocation unless dedupe is disabled. The
// in-flight registration is removed when the execution finishes, success
// or failure; every attached caller observes the same result.
func (s *Session) executeAndStore(ctx context.Context, key, sql string, tags []string, opts cache.Options, fetch Fetch) ([]Row, error) {
	run := func() ([]Row, error) {
		rows, err := fetch(ctx)
		if err != nil {
			return nil, &ExecutionError{SQL: sql, Err: err}
		}
		s.storeResult(ctx, key, rows, tags, opts)
		return rows, nil
	}

	if !opts.WantsDedupe() {
		return run()
	}

	v, err, _ := s.sf.Do(key, func() (any, error) { return run() })
	if err != nil {
		return nil, err
	}
	return v.([]Row), nil
}

// storeResult serializes and writes the rows. Caching is an optimization:
// a failed serialization or write is logged but never fails the caller,
// whose rows were already computed.
func (s *Session) storeResult(ctx context.Context, key string, rows []Row, tags []string, opts cache.Options) {
	serialize := opts.Serialize
	if serialize == nil {
		serialize = defaultSerialize
	}

	payload, size, err := serialize(rows)
	if err != nil {
		s.logError("result serialization failed, skipping cache write",
			zap.String("key", key), zap.Error(err))
		return
	}

	namespace := opts.Namespace
	if namespace == "" {
		namespace = s.namespace
	}

	entry := &cache.Entry{
		Value:       payload,
		CreatedAt:   time.Now(),
		TTL:         opts.TTL,
		StaleTTL:    opts.StaleTTL,
		CacheTime:   opts.CacheTime,
		Namespace:   namespace,
		Tags:        tags,
		RowCount:    len(rows),
		ByteSize:    size,
		Fingerprint: key,
	}

	start := time.Now()
	err = s.provider.Set(ctx, key, entry)
	s.collector.RecordProviderOp("set", err == nil, time.Since(start))
	if err != nil {
		s.logError("cache write failed", zap.String("key", key), zap.Error(err))
		return
	}
	s.memoStore(key, entry.CreatedAt.UnixNano(), rows)
}

// providerGet degrades a broken provider to a miss rather than failing
// the call.
func (s *Session) providerGet(ctx context.Context, key string) (*cache.Entry, bool) {
	start := time.Now()
	entry, found, err := s.provider.Get(ctx, key)
	s.collector.RecordProviderOp("get", err == nil, time.Since(start))
	if err != nil {
		s.logWarn("cache lookup failed, treating as miss",
			zap.String("key", key), zap.Error(err))
		return nil, false
	}
	return entry, found
}

// decodeEntry deserializes a cached payload, reusing the memoized decode
// when one exists for the same key and entry generation.
func (s *Session) decodeEntry(key string, entry *cache.Entry, opts cache.Options) ([]Row, error) {
	created := entry.CreatedAt.UnixNano()
	if rows, ok := s.memoLookup(key, created); ok {
		return rows, nil
	}

	deserialize := opts.Deserialize
	if deserialize == nil {
		deserialize = codec.Deserialize
	}
	decoded, err := deserialize(entry.Value)
	if err != nil {
		return nil, err
	}
	rows, err := rowsFromDecoded(decoded)
	if err != nil {
		return nil, err
	}
	s.memoStore(key, created, rows)
	return rows, nil
}

func (s *Session) dropCorrupt(ctx context.Context, key string, cause error) {
	s.logError("cached payload undecodable, evicting",
		zap.String("key", key), zap.Error(cause))
	s.memoDrop(key)
	if err := s.provider.Delete(ctx, key); err != nil {
		s.logWarn("evicting corrupt entry failed", zap.String("key", key), zap.Error(err))
	}
}

func (s *Session) deriveKey(sql string, params []any, opts cache.Options) (string, error) {
	// An explicit key bypasses derivation entirely and is used verbatim.
	if opts.Key != "" {
		return opts.Key, nil
	}
	namespace := opts.Namespace
	if namespace == "" {
		namespace = s.namespace
	}
	return cache.ComputeKey(cache.KeyInput{
		Namespace: namespace,
		SQL:       sql,
		Params:    params,
		Settings:  s.settings,
		Version:   s.version,
	})
}

func defaultSerialize(v any) (string, int, error) {
	p, err := codec.Serialize(v)
	if err != nil {
		return "", 0, err
	}
	return p.Data, p.ByteSize, nil
}

func rowsFromDecoded(v any) ([]Row, error) {
	switch decoded := v.(type) {
	case nil:
		return nil, nil
	case []Row:
		return decoded, nil
	case []any:
		rows := make([]Row, len(decoded))
		for i, e := range decoded {
			m, ok := e.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("session: row %d decoded to %T, expected object", i, e)
			}
			rows[i] = Row(m)
		}
		return rows, nil
	}
	return nil, fmt.Errorf("session: payload decoded to %T, expected row list", v)
}

func tagUnion(requested, derived []string) []string {
	seen := make(map[string]struct{}, len(requested)+len(derived))
	out := make([]string, 0, len(requested)+len(derived))
	for _, group := range [][]string{requested, derived} {
		for _, tag := range group {
			if tag == "" {
				continue
			}
			if _, ok := seen[tag]; ok {
				continue
			}
			seen[tag] = struct{}{}
			out = append(out, tag)
		}
	}
	return out
}
