package cache

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus collectors for cache activity.
type Metrics struct {
	lookups *prometheus.CounterVec
	puts    *prometheus.CounterVec
}

// NewMetrics creates cache collectors and registers them with reg. A nil reg
// leaves the collectors unregistered, which is convenient in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		lookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flow_cache_lookups_total",
				Help: "Cache lookups partitioned by cache name and result",
			},
			[]string{"cache", "result"},
		),
		puts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flow_cache_puts_total",
				Help: "Values written to a cache",
			},
			[]string{"cache"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.lookups, m.puts)
	}
	return m
}

// Instrumented wraps a DataKeyedCache and counts hits, misses and puts.
type Instrumented[K comparable, V any] struct {
	inner   DataKeyedCache[K, V]
	name    string
	hits    prometheus.Counter
	misses  prometheus.Counter
	written prometheus.Counter
}

// Instrument wraps inner so its traffic is recorded under name.
func Instrument[K comparable, V any](inner DataKeyedCache[K, V], m *Metrics, name string) *Instrumented[K, V] {
	return &Instrumented[K, V]{
		inner:   inner,
		name:    name,
		hits:    m.lookups.WithLabelValues(name, "hit"),
		misses:  m.lookups.WithLabelValues(name, "miss"),
		written: m.puts.WithLabelValues(name),
	}
}

// Get forwards to the wrapped cache.
func (c *Instrumented[K, V]) Get(key K) (V, bool) {
	value, ok := c.inner.Get(key)
	if ok {
		c.hits.Inc()
	} else {
		c.misses.Inc()
	}
	return value, ok
}

// Put forwards to the wrapped cache.
func (c *Instrumented[K, V]) Put(key K, value V) {
	c.inner.Put(key, value)
	c.written.Inc()
}

// LookupCounter returns the lookup counter of the named cache for result
// ("hit" or "miss").
func (m *Metrics) LookupCounter(name, result string) prometheus.Counter {
	return m.lookups.WithLabelValues(name, result)
}
