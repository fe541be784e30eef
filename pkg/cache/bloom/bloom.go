// Package bloom wraps a cache.Provider with a probabilistic membership
// filter. Lookups for keys that were never written skip the backend
// entirely, which matters when the backend is a network hop away.
package bloom

import (
	"context"
	"sync"

	"query-cache/pkg/cache"

	"github.com/bits-and-blooms/bloom/v3"
)

type Provider struct {
	inner  cache.Provider
	filter *bloom.BloomFilter
	mu     sync.RWMutex

	totalQueries   uint64
	filterRejected uint64
	falsePositives uint64
}

var _ cache.Provider = (*Provider)(nil)

// Wrap creates a filtering provider around inner. expectedItems and
// falsePositiveRate size the filter; zero values pick sane defaults.
func Wrap(inner cache.Provider, expectedItems uint, falsePositiveRate float64) *Provider {
	if expectedItems == 0 {
		expectedItems = 10000
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = 0.01
	}
	return &Provider{
		inner:  inner,
		filter: bloom.NewWithEstimates(expectedItems, falsePositiveRate),
	}
}

func (p *Provider) Get(ctx context.Context, key string) (*cache.Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	p.mu.Lock()
	p.totalQueries++
	mayExist := p.filter.Test([]byte(key))
	if !mayExist {
		p.filterRejected++
		p.mu.Unlock()
		return nil, false, nil
	}
	p.mu.Unlock()

	entry, found, err := p.inner.Get(ctx, key)
	if err == nil && !found {
		p.mu.Lock()
		p.falsePositives++
		p.mu.Unlock()
	}
	return entry, found, err
}

func (p *Provider) Set(ctx context.Context, key string, entry *cache.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	p.filter.Add([]byte(key))
	p.mu.Unlock()

	return p.inner.Set(ctx, key, entry)
}

// Delete passes through without touching the filter; bloom filters do not
// support removal, so a deleted key stays a (harmless) false positive.
func (p *Provider) Delete(ctx context.Context, key string) error {
	return p.inner.Delete(ctx, key)
}

func (p *Provider) DeleteByTag(ctx context.Context, namespace, tag string) error {
	return p.inner.DeleteByTag(ctx, namespace, tag)
}

func (p *Provider) ClearNamespace(ctx context.Context, namespace string) error {
	return p.inner.ClearNamespace(ctx, namespace)
}

func (p *Provider) Close() error {
	return p.inner.Close()
}

// Reset clears the filter and its counters. Useful after a bulk
// invalidation left the filter saturated with dead keys.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	expectedItems := uint(p.filter.Cap())
	p.filter = bloom.NewWithEstimates(expectedItems, 0.01)
	p.totalQueries = 0
	p.filterRejected = 0
	p.falsePositives = 0
}

// Stats reports filter effectiveness.
func (p *Provider) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	rejectionRate := 0.0
	falsePositiveRate := 0.0
	if p.totalQueries > 0 {
		rejectionRate = float64(p.filterRejected) / float64(p.totalQueries)
		queried := p.totalQueries - p.filterRejected
		if queried > 0 {
			falsePositiveRate = float64(p.falsePositives) / float64(queried)
		}
	}

	return Stats{
		TotalQueries:      p.totalQueries,
		FilterRejected:    p.filterRejected,
		FalsePositives:    p.falsePositives,
		RejectionRate:     rejectionRate,
		FalsePositiveRate: falsePositiveRate,
		FilterCapacity:    uint(p.filter.Cap()),
	}
}

type Stats struct {
	TotalQueries      uint64
	FilterRejected    uint64
	FalsePositives    uint64
	RejectionRate     float64
	FalsePositiveRate float64
	FilterCapacity    uint
}
