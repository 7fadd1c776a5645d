// Package observability tracks runtime cache behavior for monitoring and
// capacity planning.
package observability

import (
	"sync"
	"time"
)

// CacheStats counts cache outcomes and build timings for one cache.
type CacheStats struct {
	mu             sync.RWMutex
	hits           int64
	misses         int64
	rebuilds       int64
	refreshes      int64
	invalidations  int64
	buildTotal     time.Duration
	buildCount     int64
	buildMax       time.Duration
	lastBuildAt    time.Time
	lastBuildTook  time.Duration
	lastBuildError string
}

// Snapshot is a point-in-time copy of cache statistics.
type Snapshot struct {
	Hits          int64
	Misses        int64
	Rebuilds      int64
	Refreshes     int64
	Invalidations int64
	BuildCount    int64
	BuildAvg      time.Duration
	BuildMax      time.Duration
	LastBuildAt   time.Time
	LastBuildTook time.Duration
	LastBuildErr  string
}

// NewCacheStats creates an empty stats tracker.
func NewCacheStats() *CacheStats {
	return &CacheStats{}
}

// RecordHit counts a cache hit.
func (c *CacheStats) RecordHit() {
	c.mu.Lock()
	c.hits++
	c.mu.Unlock()
}

// RecordMiss counts a cache miss.
func (c *CacheStats) RecordMiss() {
	c.mu.Lock()
	c.misses++
	c.mu.Unlock()
}

// RecordInvalidation counts a received invalidation event.
func (c *CacheStats) RecordInvalidation() {
	c.mu.Lock()
	c.invalidations++
	c.mu.Unlock()
}

// RecordBuild records a full build, its duration, and its outcome.
func (c *CacheStats) RecordBuild(took time.Duration, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rebuilds++
	c.recordTimingLocked(took, err)
}

// RecordRefresh records an incremental refresh.
func (c *CacheStats) RecordRefresh(took time.Duration, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.refreshes++
	c.recordTimingLocked(took, err)
}

func (c *CacheStats) recordTimingLocked(took time.Duration, err error) {
	c.buildCount++
	c.buildTotal += took
	if took > c.buildMax {
		c.buildMax = took
	}
	c.lastBuildAt = time.Now()
	c.lastBuildTook = took
	if err != nil {
		c.lastBuildError = err.Error()
	} else {
		c.lastBuildError = ""
	}
}

// Get returns a snapshot of the current statistics.
func (c *CacheStats) Get() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := Snapshot{
		Hits:          c.hits,
		Misses:        c.misses,
		Rebuilds:      c.rebuilds,
		Refreshes:     c.refreshes,
		Invalidations: c.invalidations,
		BuildCount:    c.buildCount,
		BuildMax:      c.buildMax,
		LastBuildAt:   c.lastBuildAt,
		LastBuildTook: c.lastBuildTook,
		LastBuildErr:  c.lastBuildError,
	}
	if c.buildCount > 0 {
		snap.BuildAvg = c.buildTotal / time.Duration(c.buildCount)
	}
	return snap
}

// HitRate returns hits / (hits + misses), or 0 when nothing was recorded.
func (c *CacheStats) HitRate() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	total := c.hits + c.misses
	if total == 0 {
		return 0
	}
	return float64(c.hits) / float64(total)
}
