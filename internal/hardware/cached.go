package hardware

import (
	"context"
	"sync"
	"time"

	"modelrm/pkg/types"
)

// DefaultCacheTTL bounds how long a memoized snapshot is reused.
const DefaultCacheTTL = time.Second

// CachedProfiler memoizes another profiler's snapshot for a short window so
// many callers in one decision cycle do not each query the driver.
// Invalidate drops the cached value immediately.
type CachedProfiler struct {
	inner Profiler
	ttl   time.Duration
	now   func() time.Time

	mu     sync.Mutex
	cached types.HardwareProfile
	at     time.Time
	valid  bool
	gen    uint64
}

// NewCached wraps inner; ttl <= 0 selects DefaultCacheTTL.
func NewCached(inner Profiler, ttl time.Duration) *CachedProfiler {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachedProfiler{inner: inner, ttl: ttl, now: time.Now}
}

func (c *CachedProfiler) Snapshot(ctx context.Context) types.HardwareProfile {
	c.mu.Lock()
	if c.valid && c.now().Sub(c.at) < c.ttl {
		out := c.cached.Clone()
		c.mu.Unlock()
		return out
	}
	gen := c.gen
	c.mu.Unlock()

	// Query outside the lock; an Invalidate that lands meanwhile bumps gen
	// and the result is returned but not cached.
	snap := c.inner.Snapshot(ctx)

	c.mu.Lock()
	if gen == c.gen {
		c.cached = snap.Clone()
		c.at = c.now()
		c.valid = true
	}
	c.mu.Unlock()
	return snap
}

// Invalidate forces the next Snapshot to query the wrapped profiler.
func (c *CachedProfiler) Invalidate() {
	c.mu.Lock()
	c.valid = false
	c.gen++
	c.mu.Unlock()
}

func (c *CachedProfiler) Live() bool { return IsLive(c.inner) }
