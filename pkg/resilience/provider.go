// Package resilience wraps a cache.Provider with a circuit breaker and
// per-operation deadlines, so a slow or failing backend degrades to
// cache misses instead of stalling query execution.
package resilience

import (
	"context"
	"errors"
	"time"

	"query-cache/pkg/cache"
	"query-cache/pkg/logging"
	"query-cache/pkg/metrics"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

type Provider struct {
	inner     cache.Provider
	cb        *gobreaker.CircuitBreaker
	timeout   time.Duration
	collector metrics.Collector
	logger    *logging.Logger
}

var _ cache.Provider = (*Provider)(nil)

// Wrap protects inner with the configured breaker and deadline. Metrics
// go to the no-op collector; use WrapWithMetrics to export them.
func Wrap(inner cache.Provider, config Config) *Provider {
	return WrapWithMetrics(inner, config, metrics.NoOpCollector{})
}

// WrapWithMetrics protects inner and reports operation timings and
// breaker transitions to collector.
func WrapWithMetrics(inner cache.Provider, config Config, collector metrics.Collector) *Provider {
	if config.Name == "" {
		config.Name = "provider"
	}
	logger := logging.Global().Named("resilience").Named(config.Name)

	p := &Provider{
		inner:     inner,
		timeout:   config.Timeout,
		collector: collector,
		logger:    logger,
	}

	logger.Info("resilient provider initialized",
		zap.Duration("timeout", config.Timeout),
		zap.Uint32("max_requests", config.CircuitBreaker.MaxRequests),
		zap.Duration("circuit_interval", config.CircuitBreaker.Interval),
		zap.Duration("circuit_timeout", config.CircuitBreaker.Timeout),
	)

	settings := gobreaker.Settings{
		Name:        config.Name,
		MaxRequests: config.CircuitBreaker.MaxRequests,
		Interval:    config.CircuitBreaker.Interval,
		Timeout:     config.CircuitBreaker.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if config.CircuitBreaker.ReadyToTrip != nil {
				return config.CircuitBreaker.ReadyToTrip(Counts{
					Requests:             counts.Requests,
					TotalSuccesses:       counts.TotalSuccesses,
					TotalFailures:        counts.TotalFailures,
					ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
					ConsecutiveFailures:  counts.ConsecutiveFailures,
				})
			}
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)

			var state metrics.CircuitState
			switch to {
			case gobreaker.StateClosed:
				state = metrics.CircuitClosed
			case gobreaker.StateHalfOpen:
				state = metrics.CircuitHalfOpen
			case gobreaker.StateOpen:
				state = metrics.CircuitOpen
			}
			p.collector.RecordCircuitState(name, state)
		},
	}
	p.cb = gobreaker.NewCircuitBreaker(settings)

	return p
}

// Get retrieves an entry with deadline and breaker protection. A miss
// counts as success for the breaker; only backend errors trip it.
func (p *Provider) Get(ctx context.Context, key string) (*cache.Entry, bool, error) {
	start := time.Now()

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	type getResult struct {
		entry *cache.Entry
		found bool
	}
	result, err := p.cb.Execute(func() (interface{}, error) {
		entry, found, err := p.inner.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		return getResult{entry: entry, found: found}, nil
	})

	duration := time.Since(start)
	p.collector.RecordProviderOp("get", err == nil, duration)

	if err != nil {
		return nil, false, p.mapError(ctx, "get", key, err, duration)
	}
	res := result.(getResult)
	return res.entry, res.found, nil
}

func (p *Provider) Set(ctx context.Context, key string, entry *cache.Entry) error {
	return p.do(ctx, "set", key, func(ctx context.Context) error {
		return p.inner.Set(ctx, key, entry)
	})
}

func (p *Provider) Delete(ctx context.Context, key string) error {
	return p.do(ctx, "delete", key, func(ctx context.Context) error {
		return p.inner.Delete(ctx, key)
	})
}

func (p *Provider) DeleteByTag(ctx context.Context, namespace, tag string) error {
	return p.do(ctx, "delete_by_tag", namespace+":"+tag, func(ctx context.Context) error {
		return p.inner.DeleteByTag(ctx, namespace, tag)
	})
}

func (p *Provider) ClearNamespace(ctx context.Context, namespace string) error {
	return p.do(ctx, "clear_namespace", namespace, func(ctx context.Context) error {
		return p.inner.ClearNamespace(ctx, namespace)
	})
}

func (p *Provider) Close() error {
	return p.inner.Close()
}

// State exposes the breaker state for health endpoints.
func (p *Provider) State() gobreaker.State {
	return p.cb.State()
}

func (p *Provider) do(ctx context.Context, op, key string, fn func(ctx context.Context) error) error {
	start := time.Now()

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	_, err := p.cb.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})

	duration := time.Since(start)
	p.collector.RecordProviderOp(op, err == nil, duration)

	if err != nil {
		return p.mapError(ctx, op, key, err, duration)
	}
	return nil
}

func (p *Provider) mapError(ctx context.Context, op, key string, err error, duration time.Duration) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		p.logger.Warn("circuit breaker rejected request",
			zap.String("operation", op),
			zap.String("key", key),
		)
		return cache.ErrCircuitOpen
	}
	if ctx.Err() == context.DeadlineExceeded {
		p.logger.Warn("operation timeout",
			zap.String("operation", op),
			zap.String("key", key),
			zap.Duration("timeout", p.timeout),
			zap.Duration("elapsed", duration),
		)
		return cache.ErrTimeout
	}
	p.logger.Error("provider operation failed",
		zap.String("operation", op),
		zap.String("key", key),
		zap.Duration("duration", duration),
		zap.Error(err),
	)
	return err
}
