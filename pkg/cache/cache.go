// Package cache provides a thread-safe, grow-only set of string keys with
// built-in statistics and optional Prometheus metrics.
//
// A Set records identifiers already confirmed to exist elsewhere (for
// example rows present in the backing store). Entries are never evicted
// or removed; the only way to shrink a Set is to discard it.
package cache

import (
	"sort"
	"sync"

	"github.com/viefmoon/chirpstack-agricos/errors"
)

// Set is a monotonic set of non-empty string keys.
type Set struct {
	mu      sync.RWMutex
	items   map[string]struct{}
	stats   *Statistics
	metrics *setMetrics
}

// NewSet creates an empty Set. Metrics registration failures are returned.
func NewSet(opts ...Option) (*Set, error) {
	o := applyOptions(opts...)

	s := &Set{
		items: make(map[string]struct{}, o.initialCapacity),
		stats: NewStatistics(),
	}

	if o.metricsReg != nil {
		m, err := newSetMetrics(o.metricsReg, o.metricsPrefix)
		if err != nil {
			return nil, errors.Wrap(err, "cache", "NewSet", "register metrics")
		}
		s.metrics = m
	}
	return s, nil
}

// Contains reports whether key is in the set and records a hit or miss.
func (s *Set) Contains(key string) bool {
	s.mu.RLock()
	_, ok := s.items[key]
	s.mu.RUnlock()

	if ok {
		s.stats.Hit()
		if s.metrics != nil {
			s.metrics.recordHit()
		}
	} else {
		s.stats.Miss()
		if s.metrics != nil {
			s.metrics.recordMiss()
		}
	}
	return ok
}

// Add inserts key. It returns true when the key was not present before.
func (s *Set) Add(key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	s.mu.Lock()
	_, exists := s.items[key]
	if !exists {
		s.items[key] = struct{}{}
	}
	size := len(s.items)
	s.mu.Unlock()

	if exists {
		return false, nil
	}
	s.stats.Add()
	s.stats.UpdateSize(int64(size))
	if s.metrics != nil {
		s.metrics.recordAdd()
		s.metrics.updateSize(size)
	}
	return true, nil
}

// AddAll inserts every non-empty key and returns how many were new.
// Empty keys are ignored.
func (s *Set) AddAll(keys []string) int {
	s.mu.Lock()
	added := 0
	for _, k := range keys {
		if k == "" {
			continue
		}
		if _, ok := s.items[k]; !ok {
			s.items[k] = struct{}{}
			added++
		}
	}
	size := len(s.items)
	s.mu.Unlock()

	s.stats.AddN(int64(added))
	s.stats.UpdateSize(int64(size))
	if s.metrics != nil {
		s.metrics.recordAddN(added)
		s.metrics.updateSize(size)
	}
	return added
}

// Size returns the current number of keys.
func (s *Set) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Keys returns the keys in sorted order.
func (s *Set) Keys() []string {
	s.mu.RLock()
	keys := make([]string, 0, len(s.items))
	for k := range s.items {
		keys = append(keys, k)
	}
	s.mu.RUnlock()

	sort.Strings(keys)
	return keys
}

// Stats returns the set statistics.
func (s *Set) Stats() *Statistics {
	return s.stats
}

func validateKey(key string) error {
	if key == "" {
		return errors.WrapInvalid(errors.ErrEmptyID, "cache", "validateKey", "key cannot be empty")
	}
	return nil
}
