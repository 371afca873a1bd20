package visitor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the counter's operational metrics. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	storeOps           *prometheus.CounterVec
	storeDuration      *prometheus.HistogramVec
	durableWriteFailed prometheus.Counter
	cacheFallbacks     *prometheus.CounterVec
	seeds              prometheus.Counter
}

// NewMetrics creates the metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		storeOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mw_visitor_store_operations_total",
			Help: "Durable store operations by operation and result.",
		}, []string{"operation", "result"}),
		storeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mw_visitor_store_operation_duration_seconds",
			Help:    "Duration of durable store operations.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		durableWriteFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mw_visitor_durable_write_failures_total",
			Help: "Increments that were advanced in the cache only because the durable write failed.",
		}),
		cacheFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mw_visitor_cache_fallbacks_total",
			Help: "Reads served from the in-process cache, by reason.",
		}, []string{"reason"}),
		seeds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mw_visitor_seeds_total",
			Help: "Times this process wrote the seed record.",
		}),
	}
	reg.MustRegister(m.storeOps, m.storeDuration, m.durableWriteFailed, m.cacheFallbacks, m.seeds)
	return m
}

func (m *Metrics) observeStore(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.storeOps.WithLabelValues(op, result).Inc()
	m.storeDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *Metrics) writeFailed() {
	if m == nil {
		return
	}
	m.durableWriteFailed.Inc()
}

func (m *Metrics) cacheFallback(reason string) {
	if m == nil {
		return
	}
	m.cacheFallbacks.WithLabelValues(reason).Inc()
}

func (m *Metrics) seeded() {
	if m == nil {
		return
	}
	m.seeds.Inc()
}
