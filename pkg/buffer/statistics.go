package buffer

import (
	"sync/atomic"
	"time"
)

// Statistics tracks queue throughput. All methods are safe for concurrent use.
type Statistics struct {
	pushes    atomic.Int64
	detaches  atomic.Int64
	detached  atomic.Int64
	maxSize   atomic.Int64
	startTime time.Time
}

// NewStatistics creates a new statistics tracker.
func NewStatistics() *Statistics {
	return &Statistics{startTime: time.Now()}
}

// Push records one pushed item and the resulting queue length.
func (s *Statistics) Push(size int64) {
	s.pushes.Add(1)
	for {
		cur := s.maxSize.Load()
		if size <= cur || s.maxSize.CompareAndSwap(cur, size) {
			return
		}
	}
}

// Detach records a detach of n items.
func (s *Statistics) Detach(n int64) {
	s.detaches.Add(1)
	s.detached.Add(n)
}

// Pushes returns the total number of pushed items.
func (s *Statistics) Pushes() int64 { return s.pushes.Load() }

// Detaches returns the number of non-empty detaches.
func (s *Statistics) Detaches() int64 { return s.detaches.Load() }

// Detached returns the total number of detached items.
func (s *Statistics) Detached() int64 { return s.detached.Load() }

// MaxSize returns the largest queue length observed.
func (s *Statistics) MaxSize() int64 { return s.maxSize.Load() }

// StatsSummary is a point-in-time snapshot of Statistics.
type StatsSummary struct {
	Pushes   int64         `json:"pushes"`
	Detaches int64         `json:"detaches"`
	Detached int64         `json:"detached"`
	MaxSize  int64         `json:"max_size"`
	Uptime   time.Duration `json:"uptime"`
}

// Summary returns a snapshot of all statistics.
func (s *Statistics) Summary() StatsSummary {
	return StatsSummary{
		Pushes:   s.Pushes(),
		Detaches: s.Detaches(),
		Detached: s.Detached(),
		MaxSize:  s.MaxSize(),
		Uptime:   time.Since(s.startTime),
	}
}
