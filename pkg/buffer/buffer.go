// Package buffer provides an unbounded, thread-safe FIFO queue whose whole
// contents can be detached in one atomic step.
//
// Producers Push items from any goroutine; a consumer calls Detach to take
// everything queued so far and leave an empty queue behind. Items pushed
// concurrently with a Detach land either in the detached slice or in the
// fresh queue, never in both and never lost. Statistics are always
// collected; Prometheus metrics are optional via WithMetrics.
package buffer

import (
	"sync"

	"github.com/viefmoon/chirpstack-agricos/errors"
)

// Queue is an unbounded FIFO of T.
type Queue[T any] struct {
	mu      sync.Mutex
	items   []T
	capHint int
	stats   *Statistics
	metrics *queueMetrics
}

// NewQueue creates an empty queue.
func NewQueue[T any](options ...Option) (*Queue[T], error) {
	opts := applyOptions(options...)

	q := &Queue[T]{
		capHint: opts.capacityHint,
		stats:   NewStatistics(),
	}
	q.items = make([]T, 0, q.capHint)

	if opts.metricsReg != nil {
		m, err := newQueueMetrics(opts.metricsReg, opts.metricsPrefix)
		if err != nil {
			return nil, errors.Wrap(err, "buffer", "NewQueue", "register metrics")
		}
		q.metrics = m
	}
	return q, nil
}

// Push appends item and returns the queue length after the append.
func (q *Queue[T]) Push(item T) int {
	q.mu.Lock()
	q.items = append(q.items, item)
	n := len(q.items)
	q.mu.Unlock()

	q.stats.Push(int64(n))
	if q.metrics != nil {
		q.metrics.recordPush(n)
	}
	return n
}

// Detach removes and returns every queued item in FIFO order. It returns
// nil when the queue is empty.
func (q *Queue[T]) Detach() []T {
	q.mu.Lock()
	if len(q.items) == 0 {
		q.mu.Unlock()
		return nil
	}
	batch := q.items
	q.items = make([]T, 0, q.capHint)
	q.mu.Unlock()

	q.stats.Detach(int64(len(batch)))
	if q.metrics != nil {
		q.metrics.recordDetach(len(batch))
	}
	return batch
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// IsEmpty reports whether the queue has no items.
func (q *Queue[T]) IsEmpty() bool {
	return q.Len() == 0
}

// Stats returns the queue statistics.
func (q *Queue[T]) Stats() *Statistics {
	return q.stats
}
