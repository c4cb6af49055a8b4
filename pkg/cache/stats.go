package cache

import (
	"sync/atomic"
	"time"
)

// Statistics tracks set lookups and growth. All methods are safe for
// concurrent use.
type Statistics struct {
	hits      atomic.Int64
	misses    atomic.Int64
	adds      atomic.Int64
	size      atomic.Int64
	startTime time.Time
}

// NewStatistics creates a new statistics tracker.
func NewStatistics() *Statistics {
	return &Statistics{startTime: time.Now()}
}

// Hit records a lookup that found the key.
func (s *Statistics) Hit() { s.hits.Add(1) }

// Miss records a lookup that did not find the key.
func (s *Statistics) Miss() { s.misses.Add(1) }

// Add records one new key.
func (s *Statistics) Add() { s.adds.Add(1) }

// AddN records n new keys.
func (s *Statistics) AddN(n int64) { s.adds.Add(n) }

// UpdateSize stores the current number of keys.
func (s *Statistics) UpdateSize(size int64) { s.size.Store(size) }

// Hits returns the total number of hits.
func (s *Statistics) Hits() int64 { return s.hits.Load() }

// Misses returns the total number of misses.
func (s *Statistics) Misses() int64 { return s.misses.Load() }

// Adds returns the total number of keys ever added.
func (s *Statistics) Adds() int64 { return s.adds.Load() }

// CurrentSize returns the last recorded size.
func (s *Statistics) CurrentSize() int64 { return s.size.Load() }

// HitRatio returns hits / (hits + misses), or 0 with no lookups.
func (s *Statistics) HitRatio() float64 {
	hits := s.Hits()
	total := hits + s.Misses()
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// StatsSummary is a point-in-time snapshot of Statistics.
type StatsSummary struct {
	Hits     int64         `json:"hits"`
	Misses   int64         `json:"misses"`
	Adds     int64         `json:"adds"`
	Size     int64         `json:"size"`
	HitRatio float64       `json:"hit_ratio"`
	Uptime   time.Duration `json:"uptime"`
}

// Summary returns a snapshot of all statistics.
func (s *Statistics) Summary() StatsSummary {
	return StatsSummary{
		Hits:     s.Hits(),
		Misses:   s.Misses(),
		Adds:     s.Adds(),
		Size:     s.CurrentSize(),
		HitRatio: s.HitRatio(),
		Uptime:   time.Since(s.startTime),
	}
}
