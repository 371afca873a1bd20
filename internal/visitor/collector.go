package visitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exposes the counter's cached state at scrape time. It never
// touches the durable store, so scrapes stay cheap during outages.
type Collector struct {
	counter *Counter

	count    *prometheus.Desc
	cacheAge *prometheus.Desc
	pending  *prometheus.Desc
}

// compile-time check
var _ prometheus.Collector = (*Collector)(nil)

// NewCollector creates a Collector for c.
func NewCollector(c *Counter) *Collector {
	backend := prometheus.Labels{"backend": c.store.Name()}
	return &Collector{
		counter: c,
		count: prometheus.NewDesc(
			"mw_visitor_count",
			"Most recent visitor count seen by this process.",
			nil, backend,
		),
		cacheAge: prometheus.NewDesc(
			"mw_visitor_cache_age_seconds",
			"Seconds since the cached visitor record was last refreshed.",
			nil, backend,
		),
		pending: prometheus.NewDesc(
			"mw_visitor_pending_increments",
			"Increments held in this process awaiting a durable write.",
			nil, backend,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.count
	ch <- c.cacheAge
	ch <- c.pending
}

// Collect implements prometheus.Collector. Count and cache age are only
// reported while a record is cached.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	rec, age, cached, pending := c.counter.snapshot()
	ch <- prometheus.MustNewConstMetric(c.pending, prometheus.GaugeValue, float64(pending))
	if !cached {
		return
	}
	ch <- prometheus.MustNewConstMetric(c.cacheAge, prometheus.GaugeValue, age.Seconds())
	if rec.Count > 0 || !rec.LastUpdated.IsZero() {
		ch <- prometheus.MustNewConstMetric(c.count, prometheus.GaugeValue, float64(rec.Count))
	}
}
