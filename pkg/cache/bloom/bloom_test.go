package bloom

import (
	"context"
	"testing"
	"time"

	"query-cache/pkg/cache"
	"query-cache/pkg/cache/memory"
)

func newWrapped(t *testing.T) (*Provider, *memory.Store) {
	t.Helper()
	store := memory.New(memory.Config{SweepInterval: time.Minute})
	t.Cleanup(func() { store.Close() })
	return Wrap(store, 1000, 0.01), store
}

func entry(value string) *cache.Entry {
	return &cache.Entry{
		Value:     value,
		CreatedAt: time.Now(),
		TTL:       time.Minute,
		Namespace: "test",
		ByteSize:  len(value),
	}
}

func TestProvider_RejectsUnseenKeys(t *testing.T) {
	p, store := newWrapped(t)
	ctx := context.Background()

	// Write through the wrapper for one key and directly for another;
	// only the wrapped write registers in the filter.
	if err := p.Set(ctx, "seen", entry(`[1]`)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := store.Set(ctx, "unseen", entry(`[2]`)); err != nil {
		t.Fatalf("direct Set failed: %v", err)
	}

	if _, found, err := p.Get(ctx, "seen"); err != nil || !found {
		t.Fatalf("Expected wrapped key found, got found=%v err=%v", found, err)
	}
	if _, found, err := p.Get(ctx, "never-written"); err != nil || found {
		t.Fatalf("Expected filter rejection, got found=%v err=%v", found, err)
	}

	stats := p.Stats()
	if stats.FilterRejected == 0 {
		t.Error("Expected at least one filter rejection")
	}
	if stats.TotalQueries != 2 {
		t.Errorf("Expected 2 queries counted, got %d", stats.TotalQueries)
	}
}

func TestProvider_CountsFalsePositives(t *testing.T) {
	p, _ := newWrapped(t)
	ctx := context.Background()

	// The key is registered in the filter but deleted from the backend,
	// so the next lookup passes the filter and misses underneath.
	p.Set(ctx, "ghost", entry(`[1]`))
	p.Delete(ctx, "ghost")

	_, found, err := p.Get(ctx, "ghost")
	if err != nil || found {
		t.Fatalf("Expected miss, got found=%v err=%v", found, err)
	}
	if p.Stats().FalsePositives != 1 {
		t.Errorf("Expected 1 false positive, got %d", p.Stats().FalsePositives)
	}
}

func TestProvider_PassesThroughInvalidation(t *testing.T) {
	p, _ := newWrapped(t)
	ctx := context.Background()

	e := entry(`[1]`)
	e.Tags = []string{"orders"}
	p.Set(ctx, "k1", e)

	if err := p.DeleteByTag(ctx, "test", "orders"); err != nil {
		t.Fatalf("DeleteByTag failed: %v", err)
	}
	if _, found, _ := p.Get(ctx, "k1"); found {
		t.Error("Expected entry removed by tag invalidation")
	}

	p.Set(ctx, "k2", entry(`[2]`))
	if err := p.ClearNamespace(ctx, "test"); err != nil {
		t.Fatalf("ClearNamespace failed: %v", err)
	}
	if _, found, _ := p.Get(ctx, "k2"); found {
		t.Error("Expected entry removed by namespace clear")
	}
}

func TestProvider_Reset(t *testing.T) {
	p, _ := newWrapped(t)
	ctx := context.Background()

	p.Set(ctx, "k", entry(`[1]`))
	p.Get(ctx, "k")
	p.Reset()

	stats := p.Stats()
	if stats.TotalQueries != 0 || stats.FilterRejected != 0 {
		t.Errorf("Expected counters cleared, got %+v", stats)
	}

	// After reset the filter has forgotten the key.
	if _, found, _ := p.Get(ctx, "k"); found {
		t.Error("Expected reset filter to reject the old key")
	}
}

func TestProvider_CancelledContext(t *testing.T) {
	p, _ := newWrapped(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, _, err := p.Get(ctx, "k"); err == nil {
		t.Error("Expected context error from Get")
	}
	if err := p.Set(ctx, "k", entry(`[1]`)); err == nil {
		t.Error("Expected context error from Set")
	}
}
