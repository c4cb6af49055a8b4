package buffer

import (
	"github.com/viefmoon/chirpstack-agricos/metric"
)

// Option configures a Queue using the functional options pattern.
type Option func(*queueOptions)

type queueOptions struct {
	capacityHint  int
	metricsReg    *metric.MetricsRegistry
	metricsPrefix string
}

// WithCapacityHint pre-allocates room for n items after every Detach.
// It is not a limit.
func WithCapacityHint(n int) Option {
	return func(opts *queueOptions) {
		if n > 0 {
			opts.capacityHint = n
		}
	}
}

// WithMetrics enables Prometheus metrics export for queue statistics.
// A nil registry or empty prefix is ignored.
func WithMetrics(registry *metric.MetricsRegistry, prefix string) Option {
	return func(opts *queueOptions) {
		if registry != nil && prefix != "" {
			opts.metricsReg = registry
			opts.metricsPrefix = prefix
		}
	}
}

func applyOptions(options ...Option) *queueOptions {
	opts := &queueOptions{}
	for _, opt := range options {
		if opt != nil {
			opt(opts)
		}
	}
	return opts
}
