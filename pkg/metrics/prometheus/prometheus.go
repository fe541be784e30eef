// Package prometheus exports cache subsystem metrics to Prometheus.
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"query-cache/pkg/metrics"
)

// Collector implements metrics.Collector backed by Prometheus vectors.
type Collector struct {
	namespace string

	outcomes        *prometheus.CounterVec
	outcomeLatency  *prometheus.HistogramVec
	providerOps     *prometheus.CounterVec
	providerLatency *prometheus.HistogramVec
	revalidations   *prometheus.CounterVec
	revalLatency    prometheus.Histogram
	revalQueueDepth prometheus.Gauge
	revalDropped    prometheus.Counter
	storeEntries    prometheus.Gauge
	storeBytes      prometheus.Gauge
	circuitState    *prometheus.GaugeVec
}

// New creates a Prometheus collector with the given metric namespace.
func New(namespace string) *Collector {
	return &Collector{
		namespace: namespace,
		outcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "query_outcomes_total",
				Help:      "Terminal orchestration outcomes by status and mode",
			},
			[]string{"status", "mode"},
		),
		outcomeLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "query_outcome_duration_seconds",
				Help:      "Time from call start to terminal outcome",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"status"},
		),
		providerOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_ops_total",
				Help:      "Provider operations by op and result",
			},
			[]string{"op", "result"},
		),
		providerLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_op_duration_seconds",
				Help:      "Provider operation latency",
				Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
			},
			[]string{"op"},
		),
		revalidations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "revalidations_total",
				Help:      "Background revalidations by result",
			},
			[]string{"result"},
		),
		revalLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "revalidation_duration_seconds",
				Help:      "Background revalidation duration",
				Buckets:   prometheus.DefBuckets,
			},
		),
		revalQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "revalidation_queue_depth",
				Help:      "Pending background revalidations",
			},
		),
		revalDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "revalidations_dropped_total",
				Help:      "Revalidations dropped under backpressure",
			},
		),
		storeEntries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "store_entries",
				Help:      "Entries resident in the reference store",
			},
		),
		storeBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "store_bytes",
				Help:      "Payload bytes resident in the reference store",
			},
		),
		circuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_state",
				Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
			[]string{"name"},
		),
	}
}

// Register registers all vectors with the given registerer.
func (c *Collector) Register(reg prometheus.Registerer) error {
	for _, col := range c.collectors() {
		if err := reg.Register(col); err != nil {
			return err
		}
	}
	return nil
}

// MustRegister registers all vectors with the default registry.
func (c *Collector) MustRegister() {
	prometheus.MustRegister(c.collectors()...)
}

func (c *Collector) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.outcomes, c.outcomeLatency,
		c.providerOps, c.providerLatency,
		c.revalidations, c.revalLatency, c.revalQueueDepth, c.revalDropped,
		c.storeEntries, c.storeBytes,
		c.circuitState,
	}
}

// RecordOutcome counts a terminal outcome and observes its latency.
func (c *Collector) RecordOutcome(status, mode string, duration time.Duration) {
	c.outcomes.WithLabelValues(status, mode).Inc()
	c.outcomeLatency.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordProviderOp counts and times a provider operation.
func (c *Collector) RecordProviderOp(op string, success bool, duration time.Duration) {
	c.providerOps.WithLabelValues(op, result(success)).Inc()
	c.providerLatency.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordRevalidation counts a completed background revalidation.
func (c *Collector) RecordRevalidation(success bool, duration time.Duration) {
	c.revalidations.WithLabelValues(result(success)).Inc()
	c.revalLatency.Observe(duration.Seconds())
}

// RecordRevalQueueDepth reports queue occupancy.
func (c *Collector) RecordRevalQueueDepth(depth int) {
	c.revalQueueDepth.Set(float64(depth))
}

// RecordRevalDropped counts a dropped revalidation.
func (c *Collector) RecordRevalDropped() {
	c.revalDropped.Inc()
}

// RecordStoreSize reports store occupancy.
func (c *Collector) RecordStoreSize(entries int, bytes int64) {
	c.storeEntries.Set(float64(entries))
	c.storeBytes.Set(float64(bytes))
}

// RecordCircuitState reports a breaker transition.
func (c *Collector) RecordCircuitState(name string, state metrics.CircuitState) {
	c.circuitState.WithLabelValues(name).Set(float64(state))
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
