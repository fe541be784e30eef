package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"query-cache/pkg/cache"
	"query-cache/pkg/cache/memory"
	"query-cache/pkg/logging"
)

func newTestSession(t *testing.T, config Config) *Session {
	t.Helper()
	if config.Logger == nil {
		config.Logger = logging.NewNop()
	}
	s := New(config)
	t.Cleanup(func() { s.Close() })
	return s
}

func newMemorySession(t *testing.T, defaults cache.Options) *Session {
	t.Helper()
	store := memory.New(memory.Config{SweepInterval: time.Minute})
	t.Cleanup(func() { store.Close() })
	return newTestSession(t, Config{Provider: store, Defaults: defaults, Namespace: "test"})
}

func usersQuery() RawQuery {
	return RawQuery{
		SQL:    "SELECT id, name FROM users WHERE id = $1",
		Params: []any{int64(7)},
		Tables: []string{"users"},
	}
}

func fetchRows(counter *atomic.Int64, rows []Row) Fetch {
	return func(ctx context.Context) ([]Row, error) {
		counter.Add(1)
		return rows, nil
	}
}

func TestExecute_BypassWithoutProvider(t *testing.T) {
	s := newTestSession(t, Config{})
	ctx := context.Background()

	var calls atomic.Int64
	fetch := fetchRows(&calls, []Row{{"id": int64(1)}})
	opts := cache.Options{Mode: cache.ModeCacheFirst, TTL: time.Minute}

	for i := 0; i < 2; i++ {
		rows, err := s.Execute(ctx, usersQuery(), fetch, opts)
		if err != nil {
			t.Fatalf("Execute failed: %v", err)
		}
		if len(rows) != 1 {
			t.Fatalf("Expected 1 row, got %d", len(rows))
		}
	}

	if calls.Load() != 2 {
		t.Errorf("Expected direct execution each time, got %d calls", calls.Load())
	}
	if st := s.Stats(); st.Misses != 0 {
		t.Errorf("No provider: expected no misses counted, got %d", st.Misses)
	}
}

func TestExecute_BypassNoStore(t *testing.T) {
	s := newMemorySession(t, cache.Options{})
	ctx := context.Background()

	var calls atomic.Int64
	rows, err := s.Execute(ctx, usersQuery(), fetchRows(&calls, []Row{{"id": int64(1)}}),
		cache.Options{Mode: cache.ModeNoStore, TTL: time.Minute})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if len(rows) != 1 || calls.Load() != 1 {
		t.Fatal("Expected direct execution")
	}

	if st := s.Stats(); st.Misses != 1 {
		t.Errorf("Bypass with provider present should count a miss, got %d", st.Misses)
	}
}

func TestExecute_BypassWithoutWindows(t *testing.T) {
	s := newMemorySession(t, cache.Options{})
	ctx := context.Background()

	var calls atomic.Int64
	fetch := fetchRows(&calls, []Row{{"id": int64(1)}})

	// Mode alone is not enough; caching needs a positive window.
	for i := 0; i < 2; i++ {
		if _, err := s.Execute(ctx, usersQuery(), fetch, cache.Options{Mode: cache.ModeCacheFirst}); err != nil {
			t.Fatalf("Execute failed: %v", err)
		}
	}
	if calls.Load() != 2 {
		t.Errorf("Expected bypass on every call, got %d executions", calls.Load())
	}
}

func TestExecute_CacheFirstMissThenHit(t *testing.T) {
	s := newMemorySession(t, cache.Options{})
	ctx := context.Background()

	var calls atomic.Int64
	fetch := fetchRows(&calls, []Row{{"id": int64(7), "name": "ada"}})
	opts := cache.Options{Mode: cache.ModeCacheFirst, TTL: time.Minute}

	first, err := s.Execute(ctx, usersQuery(), fetch, opts)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	second, err := s.Execute(ctx, usersQuery(), fetch, opts)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if calls.Load() != 1 {
		t.Errorf("Expected one real execution, got %d", calls.Load())
	}
	if first[0]["name"] != "ada" || second[0]["name"] != "ada" {
		t.Errorf("Row mismatch: %v vs %v", first, second)
	}

	st := s.Stats()
	if st.Misses != 1 || st.Hits != 1 {
		t.Errorf("Expected 1 miss + 1 hit, got %+v", st)
	}
}

func TestExecute_CacheFirstExpiresAfterTTL(t *testing.T) {
	s := newMemorySession(t, cache.Options{})
	ctx := context.Background()

	var calls atomic.Int64
	fetch := fetchRows(&calls, []Row{{"id": int64(1)}})
	opts := cache.Options{Mode: cache.ModeCacheFirst, TTL: 30 * time.Millisecond}

	s.Execute(ctx, usersQuery(), fetch, opts)
	time.Sleep(50 * time.Millisecond)
	s.Execute(ctx, usersQuery(), fetch, opts)

	if calls.Load() != 2 {
		t.Errorf("Expected re-execution after TTL, got %d calls", calls.Load())
	}
	if st := s.Stats(); st.Misses != 2 {
		t.Errorf("Expected 2 misses, got %+v", st)
	}
}

func TestExecute_StaleWhileRevalidate(t *testing.T) {
	s := newMemorySession(t, cache.Options{})
	ctx := context.Background()

	var calls atomic.Int64
	fetch := func(ctx context.Context) ([]Row, error) {
		n := calls.Add(1)
		return []Row{{"generation": n}}, nil
	}
	opts := cache.Options{
		Mode:     cache.ModeStaleWhileRevalidate,
		TTL:      50 * time.Millisecond,
		StaleTTL: 5 * time.Second,
	}

	// Prime the cache.
	first, err := s.Execute(ctx, usersQuery(), fetch, opts)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if first[0]["generation"] != int64(1) {
		t.Fatalf("Expected generation 1, got %v", first[0])
	}

	time.Sleep(300 * time.Millisecond)

	// Stale read: original rows come back immediately, refresh runs behind.
	stale, err := s.Execute(ctx, usersQuery(), fetch, opts)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if stale[0]["generation"] != int64(1) {
		t.Errorf("Stale hit must return the original rows, got %v", stale[0])
	}
	if st := s.Stats(); st.StaleHits != 1 {
		t.Errorf("Expected 1 stale hit, got %+v", st)
	}

	// Exactly one background revalidation replaces the entry.
	waitFor(t, time.Second, func() bool { return s.Stats().Revalidations == 1 })
	if calls.Load() != 2 {
		t.Errorf("Expected exactly 2 executions (prime + revalidate), got %d", calls.Load())
	}

	refreshed, err := s.Execute(ctx, usersQuery(), fetch, opts)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if refreshed[0]["generation"] != int64(2) {
		t.Errorf("Expected refreshed rows after revalidation, got %v", refreshed[0])
	}
	if st := s.Stats(); st.Hits != 1 {
		t.Errorf("Expected the post-refresh read to be a hit, got %+v", st)
	}
}

func TestExecute_NetworkFirstAlwaysExecutes(t *testing.T) {
	s := newMemorySession(t, cache.Options{})
	ctx := context.Background()

	var calls atomic.Int64
	fetch := fetchRows(&calls, []Row{{"id": int64(1)}})
	opts := cache.Options{Mode: cache.ModeNetworkFirst, TTL: time.Minute}

	for i := 0; i < 3; i++ {
		if _, err := s.Execute(ctx, usersQuery(), fetch, opts); err != nil {
			t.Fatalf("Execute failed: %v", err)
		}
	}

	if calls.Load() != 3 {
		t.Errorf("network-first must execute every time, got %d calls", calls.Load())
	}
	if st := s.Stats(); st.Misses != 3 {
		t.Errorf("Expected 3 misses, got %+v", st)
	}
}

func TestExecute_NetworkFirstStaleIfError(t *testing.T) {
	s := newMemorySession(t, cache.Options{})
	ctx := context.Background()

	failing := errors.New("connection refused")
	var fail atomic.Bool
	var calls atomic.Int64
	fetch := func(ctx context.Context) ([]Row, error) {
		calls.Add(1)
		if fail.Load() {
			return nil, failing
		}
		return []Row{{"id": int64(1)}}, nil
	}
	opts := cache.Options{
		Mode:         cache.ModeNetworkFirst,
		TTL:          10 * time.Millisecond,
		StaleTTL:     time.Minute,
		StaleIfError: cache.Bool(true),
	}

	// Prime, let it go stale, then break the database.
	if _, err := s.Execute(ctx, usersQuery(), fetch, opts); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	fail.Store(true)

	rows, err := s.Execute(ctx, usersQuery(), fetch, opts)
	if err != nil {
		t.Fatalf("Expected stale fallback, got error: %v", err)
	}
	if rows[0]["id"] != int64(1) {
		t.Errorf("Expected original stale rows, got %v", rows)
	}
	if st := s.Stats(); st.StaleHits != 1 {
		t.Errorf("Expected stale hit recorded, got %+v", st)
	}
}

func TestExecute_NetworkFirstPropagatesWithoutStaleIfError(t *testing.T) {
	s := newMemorySession(t, cache.Options{})
	ctx := context.Background()

	boom := errors.New("boom")
	fetch := func(ctx context.Context) ([]Row, error) { return nil, boom }
	opts := cache.Options{Mode: cache.ModeNetworkFirst, TTL: time.Minute}

	_, err := s.Execute(ctx, usersQuery(), fetch, opts)
	if err == nil {
		t.Fatal("Expected execution error to propagate")
	}
	if !IsExecutionError(err) {
		t.Errorf("Expected ExecutionError, got %T", err)
	}
	if !errors.Is(err, boom) {
		t.Errorf("Expected cause preserved, got %v", err)
	}
}

func TestExecute_DedupeCollapsesConcurrentCallers(t *testing.T) {
	s := newMemorySession(t, cache.Options{})
	ctx := context.Background()

	var calls atomic.Int64
	release := make(chan struct{})
	fetch := func(ctx context.Context) ([]Row, error) {
		calls.Add(1)
		<-release
		return []Row{{"id": int64(42)}}, nil
	}
	opts := cache.Options{Mode: cache.ModeCacheFirst, TTL: time.Minute}

	const n = 20
	var wg sync.WaitGroup
	results := make([][]Row, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.Execute(ctx, usersQuery(), fetch, opts)
		}(i)
	}

	// Let every caller attach to the in-flight execution, then release.
	waitFor(t, time.Second, func() bool { return calls.Load() == 1 })
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls.Load() != 1 {
		t.Errorf("Expected exactly one execution for %d callers, got %d", n, calls.Load())
	}
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("Caller %d failed: %v", i, errs[i])
		}
		if results[i][0]["id"] != int64(42) {
			t.Errorf("Caller %d got wrong rows: %v", i, results[i])
		}
	}
}

func TestExecute_DedupeDisabled(t *testing.T) {
	s := newMemorySession(t, cache.Options{})
	ctx := context.Background()

	var calls atomic.Int64
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	fetch := func(ctx context.Context) ([]Row, error) {
		calls.Add(1)
		started <- struct{}{}
		<-release
		return []Row{{"id": int64(1)}}, nil
	}
	opts := cache.Options{Mode: cache.ModeCacheFirst, TTL: time.Minute, Dedupe: cache.Bool(false)}

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Execute(ctx, usersQuery(), fetch, opts)
		}()
	}

	<-started
	<-started
	close(release)
	wg.Wait()

	if calls.Load() != 2 {
		t.Errorf("Expected 2 executions with dedupe off, got %d", calls.Load())
	}
}

func TestExecute_ExplicitKeyOverride(t *testing.T) {
	s := newMemorySession(t, cache.Options{})
	ctx := context.Background()

	var calls atomic.Int64
	opts := cache.Options{Mode: cache.ModeCacheFirst, TTL: time.Minute, Key: "fixed-key"}

	first, err := s.Execute(ctx, usersQuery(), fetchRows(&calls, []Row{{"src": "users"}}), opts)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	// A structurally different query sharing the explicit key collides
	// intentionally and is served the first query's rows.
	other := RawQuery{SQL: "SELECT * FROM orders", Tables: []string{"orders"}}
	second, err := s.Execute(ctx, other, fetchRows(&calls, []Row{{"src": "orders"}}), opts)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if calls.Load() != 1 {
		t.Errorf("Expected a single execution via shared key, got %d", calls.Load())
	}
	if first[0]["src"] != "users" || second[0]["src"] != "users" {
		t.Errorf("Expected both callers served the first result, got %v / %v", first, second)
	}
}

func TestExecute_ProviderGetFailureDegradesToMiss(t *testing.T) {
	p := &fakeProvider{getErr: errors.New("backend down")}
	s := newTestSession(t, Config{Provider: p, Namespace: "test"})
	ctx := context.Background()

	var calls atomic.Int64
	rows, err := s.Execute(ctx, usersQuery(), fetchRows(&calls, []Row{{"id": int64(1)}}),
		cache.Options{Mode: cache.ModeCacheFirst, TTL: time.Minute})
	if err != nil {
		t.Fatalf("Expected degraded execution, got error: %v", err)
	}
	if len(rows) != 1 || calls.Load() != 1 {
		t.Error("Expected real execution despite broken provider")
	}
	if st := s.Stats(); st.Misses != 1 {
		t.Errorf("Expected a miss recorded, got %+v", st)
	}
}

func TestExecute_ProviderSetFailureDoesNotFailCaller(t *testing.T) {
	p := &fakeProvider{setErr: errors.New("write refused")}
	s := newTestSession(t, Config{Provider: p, Namespace: "test"})
	ctx := context.Background()

	var calls atomic.Int64
	rows, err := s.Execute(ctx, usersQuery(), fetchRows(&calls, []Row{{"id": int64(1)}}),
		cache.Options{Mode: cache.ModeCacheFirst, TTL: time.Minute})
	if err != nil {
		t.Fatalf("Set failure must not fail the caller: %v", err)
	}
	if len(rows) != 1 {
		t.Error("Expected computed rows returned")
	}
}

func TestExecute_MemoAvoidsRepeatedDecode(t *testing.T) {
	s := newMemorySession(t, cache.Options{})
	ctx := context.Background()

	var decodes atomic.Int64
	opts := cache.Options{
		Mode: cache.ModeCacheFirst,
		TTL:  time.Minute,
		Deserialize: func(payload string) (any, error) {
			decodes.Add(1)
			return []Row{{"id": int64(1)}}, nil
		},
	}

	var calls atomic.Int64
	fetch := fetchRows(&calls, []Row{{"id": int64(1)}})

	s.Execute(ctx, usersQuery(), fetch, opts)
	for i := 0; i < 5; i++ {
		s.Execute(ctx, usersQuery(), fetch, opts)
	}

	// The miss populates the memo from the freshly computed rows, so
	// subsequent hits in the same window never decode at all.
	if decodes.Load() != 0 {
		t.Errorf("Expected memoized rows to skip decoding, got %d decodes", decodes.Load())
	}
	if st := s.Stats(); st.Hits != 5 {
		t.Errorf("Expected 5 hits, got %+v", st)
	}
}

func TestExecute_TagInvalidation(t *testing.T) {
	s := newMemorySession(t, cache.Options{})
	ctx := context.Background()

	var calls atomic.Int64
	fetch := fetchRows(&calls, []Row{{"id": int64(1)}})
	opts := cache.Options{Mode: cache.ModeCacheFirst, TTL: time.Minute}

	s.Execute(ctx, usersQuery(), fetch, opts)
	if err := s.InvalidateTags(ctx, "users"); err != nil {
		t.Fatalf("InvalidateTags failed: %v", err)
	}
	s.Execute(ctx, usersQuery(), fetch, opts)

	if calls.Load() != 2 {
		t.Errorf("Expected re-execution after tag invalidation, got %d calls", calls.Load())
	}
}

func TestExecute_ClearNamespace(t *testing.T) {
	s := newMemorySession(t, cache.Options{})
	ctx := context.Background()

	var calls atomic.Int64
	fetch := fetchRows(&calls, []Row{{"id": int64(1)}})
	opts := cache.Options{Mode: cache.ModeCacheFirst, TTL: time.Minute}

	s.Execute(ctx, usersQuery(), fetch, opts)
	if err := s.ClearNamespace(ctx, ""); err != nil {
		t.Fatalf("ClearNamespace failed: %v", err)
	}
	s.Execute(ctx, usersQuery(), fetch, opts)

	if calls.Load() != 2 {
		t.Errorf("Expected re-execution after namespace clear, got %d calls", calls.Load())
	}
}

func TestExecute_OptionLayering(t *testing.T) {
	defaults := cache.Options{Mode: cache.ModeCacheFirst, TTL: time.Minute}
	s := newMemorySession(t, defaults)
	ctx := context.Background()

	var calls atomic.Int64
	fetch := fetchRows(&calls, []Row{{"id": int64(1)}})

	// The per-call no-store override wins over the session default.
	for i := 0; i < 2; i++ {
		s.Execute(ctx, usersQuery(), fetch, cache.Options{Mode: cache.ModeNoStore})
	}
	if calls.Load() != 2 {
		t.Errorf("Expected per-call override to disable caching, got %d calls", calls.Load())
	}

	// Without overrides the session defaults cache as usual.
	s.Execute(ctx, usersQuery(), fetch)
	s.Execute(ctx, usersQuery(), fetch)
	if calls.Load() != 3 {
		t.Errorf("Expected session defaults to serve a hit, got %d calls", calls.Load())
	}
}

func TestExecute_ObserverRecords(t *testing.T) {
	store := memory.New(memory.Config{SweepInterval: time.Minute})
	t.Cleanup(func() { store.Close() })

	var mu sync.Mutex
	var records []Record
	s := newTestSession(t, Config{
		Provider:  store,
		Namespace: "test",
		Observer: func(rec Record) {
			mu.Lock()
			records = append(records, rec)
			mu.Unlock()
		},
	})
	ctx := context.Background()

	var calls atomic.Int64
	fetch := fetchRows(&calls, []Row{{"id": int64(1)}})
	opts := cache.Options{Mode: cache.ModeCacheFirst, TTL: time.Minute}

	s.Execute(ctx, usersQuery(), fetch, opts)
	s.Execute(ctx, usersQuery(), fetch, opts)

	mu.Lock()
	defer mu.Unlock()
	if len(records) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(records))
	}
	if records[0].Status != StatusMiss || records[1].Status != StatusHit {
		t.Errorf("Expected miss then hit, got %s then %s", records[0].Status, records[1].Status)
	}
	if records[1].Age <= 0 {
		t.Errorf("Expected positive entry age on hit, got %v", records[1].Age)
	}
	if records[0].Key == "" || records[0].Key != records[1].Key {
		t.Errorf("Expected matching keys on both records: %q vs %q", records[0].Key, records[1].Key)
	}
	if records[0].RowCount != 1 {
		t.Errorf("Expected row count 1, got %d", records[0].RowCount)
	}
}

func TestExecute_RoundTripThroughRealCodec(t *testing.T) {
	s := newMemorySession(t, cache.Options{})
	ctx := context.Background()

	source := []Row{{"id": int64(7), "name": "ada", "score": 99.5, "blob": []byte{1, 2, 3}}}
	var calls atomic.Int64
	opts := cache.Options{Mode: cache.ModeCacheFirst, TTL: time.Minute}

	s.Execute(ctx, usersQuery(), fetchRows(&calls, source), opts)

	// Drop the memo so the second read decodes the stored payload.
	s.memoMu.Lock()
	s.memo = make(map[string]memoEntry)
	s.memoMu.Unlock()

	rows, err := s.Execute(ctx, usersQuery(), fetchRows(&calls, source), opts)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("Expected decode from cache, got %d executions", calls.Load())
	}
	if rows[0]["id"] != int64(7) || rows[0]["name"] != "ada" || rows[0]["score"] != 99.5 {
		t.Errorf("Decoded row mismatch: %v", rows[0])
	}
	if string(rows[0]["blob"].([]byte)) != string([]byte{1, 2, 3}) {
		t.Errorf("Blob did not round-trip: %v", rows[0]["blob"])
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("Condition not met before timeout")
}

// fakeProvider injects failures for degradation tests.
type fakeProvider struct {
	mu      sync.Mutex
	entries map[string]*cache.Entry
	getErr  error
	setErr  error
}

func (p *fakeProvider) Get(ctx context.Context, key string) (*cache.Entry, bool, error) {
	if p.getErr != nil {
		return nil, false, p.getErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[key]
	return e, ok, nil
}

func (p *fakeProvider) Set(ctx context.Context, key string, entry *cache.Entry) error {
	if p.setErr != nil {
		return p.setErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.entries == nil {
		p.entries = make(map[string]*cache.Entry)
	}
	p.entries[key] = entry
	return nil
}

func (p *fakeProvider) Delete(ctx context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, key)
	return nil
}

func (p *fakeProvider) DeleteByTag(ctx context.Context, namespace, tag string) error {
	return nil
}

func (p *fakeProvider) ClearNamespace(ctx context.Context, namespace string) error {
	return nil
}

func (p *fakeProvider) Close() error { return nil }
