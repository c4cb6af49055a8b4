package cache

import (
	"github.com/viefmoon/chirpstack-agricos/metric"
)

// Option configures a Set using the functional options pattern.
type Option func(*setOptions)

type setOptions struct {
	metricsReg      *metric.MetricsRegistry
	metricsPrefix   string
	initialCapacity int
}

// WithMetrics exports set statistics as Prometheus metrics labelled with
// prefix. A nil registry or empty prefix is ignored.
func WithMetrics(registry *metric.MetricsRegistry, prefix string) Option {
	return func(opts *setOptions) {
		if registry != nil && prefix != "" {
			opts.metricsReg = registry
			opts.metricsPrefix = prefix
		}
	}
}

// WithCapacity pre-sizes the underlying map.
func WithCapacity(n int) Option {
	return func(opts *setOptions) {
		if n > 0 {
			opts.initialCapacity = n
		}
	}
}

func applyOptions(options ...Option) *setOptions {
	opts := &setOptions{}
	for _, opt := range options {
		if opt != nil {
			opt(opts)
		}
	}
	return opts
}
