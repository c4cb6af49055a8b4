package buffer

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/viefmoon/chirpstack-agricos/metric"
)

type queueMetrics struct {
	pushes   prometheus.Counter
	detaches prometheus.Counter
	detached prometheus.Counter
	size     prometheus.Gauge
}

func newQueueMetrics(registry *metric.MetricsRegistry, prefix string) (*queueMetrics, error) {
	labels := prometheus.Labels{"queue": prefix}
	m := &queueMetrics{
		pushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "queue",
			Name:        "pushes_total",
			ConstLabels: labels,
			Help:        "Items pushed onto the queue",
		}),
		detaches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "queue",
			Name:        "detaches_total",
			ConstLabels: labels,
			Help:        "Non-empty detach operations",
		}),
		detached: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "queue",
			Name:        "detached_items_total",
			ConstLabels: labels,
			Help:        "Items removed by detach operations",
		}),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "queue",
			Name:        "size",
			ConstLabels: labels,
			Help:        "Items currently queued",
		}),
	}

	if err := registry.RegisterCounter(prefix, "queue_pushes", m.pushes); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(prefix, "queue_detaches", m.detaches); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(prefix, "queue_detached_items", m.detached); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(prefix, "queue_size", m.size); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *queueMetrics) recordPush(size int) {
	m.pushes.Inc()
	m.size.Set(float64(size))
}

func (m *queueMetrics) recordDetach(n int) {
	m.detaches.Inc()
	m.detached.Add(float64(n))
	m.size.Set(0)
}
