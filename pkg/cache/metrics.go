package cache

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/viefmoon/chirpstack-agricos/metric"
)

type setMetrics struct {
	hits   prometheus.Counter
	misses prometheus.Counter
	adds   prometheus.Counter
	size   prometheus.Gauge
}

func newSetMetrics(registry *metric.MetricsRegistry, prefix string) (*setMetrics, error) {
	labels := prometheus.Labels{"set": prefix}
	m := &setMetrics{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "existence_cache",
			Name:        "hits_total",
			ConstLabels: labels,
			Help:        "Lookups answered from the existence cache",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "existence_cache",
			Name:        "misses_total",
			ConstLabels: labels,
			Help:        "Lookups that required a store round trip",
		}),
		adds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "existence_cache",
			Name:        "adds_total",
			ConstLabels: labels,
			Help:        "Identifiers added to the existence cache",
		}),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "existence_cache",
			Name:        "size",
			ConstLabels: labels,
			Help:        "Identifiers currently held",
		}),
	}

	if err := registry.RegisterCounter(prefix, "cache_hits", m.hits); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(prefix, "cache_misses", m.misses); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(prefix, "cache_adds", m.adds); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(prefix, "cache_size", m.size); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *setMetrics) recordHit() { m.hits.Inc() }
func (m *setMetrics) recordMiss() { m.misses.Inc() }
func (m *setMetrics) recordAdd() { m.adds.Inc() }
func (m *setMetrics) recordAddN(n int) { m.adds.Add(float64(n)) }
func (m *setMetrics) updateSize(size int) { m.size.Set(float64(size)) }
