package observability

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHitRate(t *testing.T) {
	c := NewCacheStats()
	assert.Zero(t, c.HitRate())

	c.RecordHit()
	c.RecordHit()
	c.RecordHit()
	c.RecordMiss()

	assert.InDelta(t, 0.75, c.HitRate(), 1e-9)
}

func TestBuildTimings(t *testing.T) {
	c := NewCacheStats()
	c.RecordBuild(100*time.Millisecond, nil)
	c.RecordBuild(300*time.Millisecond, nil)
	c.RecordRefresh(20*time.Millisecond, nil)

	snap := c.Get()
	assert.Equal(t, int64(2), snap.Rebuilds)
	assert.Equal(t, int64(1), snap.Refreshes)
	assert.Equal(t, int64(3), snap.BuildCount)
	assert.Equal(t, 140*time.Millisecond, snap.BuildAvg)
	assert.Equal(t, 300*time.Millisecond, snap.BuildMax)
	assert.Equal(t, 20*time.Millisecond, snap.LastBuildTook)
	assert.False(t, snap.LastBuildAt.IsZero())
}

func TestBuildErrorClearsOnSuccess(t *testing.T) {
	c := NewCacheStats()
	c.RecordBuild(time.Millisecond, errors.New("catalog unreachable"))
	assert.Equal(t, "catalog unreachable", c.Get().LastBuildErr)

	c.RecordBuild(time.Millisecond, nil)
	assert.Empty(t, c.Get().LastBuildErr)
}

func TestConcurrentRecording(t *testing.T) {
	c := NewCacheStats()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.RecordHit()
				c.RecordMiss()
				c.RecordInvalidation()
			}
		}()
	}
	wg.Wait()

	snap := c.Get()
	assert.Equal(t, int64(800), snap.Hits)
	assert.Equal(t, int64(800), snap.Misses)
	assert.Equal(t, int64(800), snap.Invalidations)
}
