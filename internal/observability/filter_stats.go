// Package observability tracks filter usage and exports Prometheus metrics.
package observability

import (
	"sort"
	"sync"
	"time"
)

// FilterStats tracks how often each filter dimension is used.
type FilterStats struct {
	mu      sync.RWMutex
	dimFreq map[string]*DimensionStats
	window  time.Duration
	now     func() time.Time
}

// DimensionStats holds statistics for one filter dimension.
type DimensionStats struct {
	Dimension  string         `json:"dimension"`
	Frequency  int64          `json:"frequency"`
	LastSeen   time.Time      `json:"last_seen"`
	Operations map[string]int `json:"operations"` // operation → count (e.g., "search" → 5)
}

// NewFilterStats creates a new filter statistics tracker.
// window: time duration for pruning old entries (e.g., 1 hour)
func NewFilterStats(window time.Duration) *FilterStats {
	return &FilterStats{
		dimFreq: make(map[string]*DimensionStats),
		window:  window,
		now:     time.Now,
	}
}

// Record records one use of each dimension by an operation.
func (s *FilterStats) Record(operation string, dimensions []string) {
	if len(dimensions) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, dim := range dimensions {
		stats, exists := s.dimFreq[dim]
		if !exists {
			stats = &DimensionStats{
				Dimension:  dim,
				Operations: make(map[string]int),
			}
			s.dimFreq[dim] = stats
		}
		stats.Frequency++
		stats.LastSeen = now
		stats.Operations[operation]++
	}
}

// Top returns copies of the n most used dimensions, most frequent first.
func (s *FilterStats) Top(n int) []DimensionStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n <= 0 || len(s.dimFreq) == 0 {
		return []DimensionStats{}
	}

	stats := make([]DimensionStats, 0, len(s.dimFreq))
	for _, d := range s.dimFreq {
		c := DimensionStats{
			Dimension:  d.Dimension,
			Frequency:  d.Frequency,
			LastSeen:   d.LastSeen,
			Operations: make(map[string]int, len(d.Operations)),
		}
		for op, count := range d.Operations {
			c.Operations[op] = count
		}
		stats = append(stats, c)
	}

	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Frequency != stats[j].Frequency {
			return stats[i].Frequency > stats[j].Frequency
		}
		return stats[i].Dimension < stats[j].Dimension
	})

	if n > len(stats) {
		n = len(stats)
	}
	return stats[:n]
}

// Prune removes dimensions not seen within the window.
func (s *FilterStats) Prune() {
	s.mu.Lock()
	defer s.mu.Unlock()

	threshold := s.now().Add(-s.window)
	for dim, stats := range s.dimFreq {
		if stats.LastSeen.Before(threshold) {
			delete(s.dimFreq, dim)
		}
	}
}
