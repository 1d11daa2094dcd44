package ratelimit

import (
	"sync"
	"time"
)

// cacheEntry mirrors the durable record for one identifier, owned exclusively
// by this process. It is never synchronized to other processes except by
// re-reading the durable store after it expires.
type cacheEntry struct {
	count     int64
	resetTime time.Time
}

// localCache is a per-process mirror of counter state. A background sweep
// starts lazily on the first write and stops itself once the cache drains,
// so an idle limiter holds no live timer.
type localCache struct {
	mu       sync.Mutex
	entries  map[string]*cacheEntry
	sweeping bool
	closed   bool
	stop     chan struct{}

	clock         func() time.Time
	sweepInterval time.Duration
	maxEvictions  int
}

func newLocalCache(clock func() time.Time, sweepInterval time.Duration, maxEvictions int) *localCache {
	return &localCache{
		entries:       make(map[string]*cacheEntry),
		stop:          make(chan struct{}),
		clock:         clock,
		sweepInterval: sweepInterval,
		maxEvictions:  maxEvictions,
	}
}

// consume applies the admission decision against the local entry, if a valid
// one exists. It reports ok=false when there is no entry for the identifier
// or the entry's window has elapsed; the caller then owns the durable path.
func (c *localCache) consume(identifier string, max int64, now time.Time) (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[identifier]
	if !ok {
		return Result{}, false
	}

	if !now.Before(entry.resetTime) {
		delete(c.entries, identifier)

		return Result{}, false
	}

	if entry.count >= max {
		return Result{Allowed: false, Remaining: 0, ResetTime: entry.resetTime}, true
	}

	entry.count++

	remaining := max - entry.count
	if remaining < 0 {
		remaining = 0
	}

	return Result{Allowed: true, Remaining: remaining, ResetTime: entry.resetTime}, true
}

// put stores the authoritative counter state for an identifier and makes sure
// the sweeper is running.
func (c *localCache) put(identifier string, count int64, resetTime time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	c.entries[identifier] = &cacheEntry{count: count, resetTime: resetTime}

	if !c.sweeping {
		c.sweeping = true

		go c.sweepLoop()
	}
}

func (c *localCache) sweepLoop() {
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			if c.sweep() {
				return
			}
		}
	}
}

// sweep evicts expired entries, bounded per pass so a large cache cannot
// stall the process. It reports true when the cache has drained, in which
// case the sweeper exits and is restarted lazily on the next write.
func (c *localCache) sweep() (stopped bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock()
	evicted := 0

	for identifier, entry := range c.entries {
		if evicted >= c.maxEvictions {
			break
		}

		if !now.Before(entry.resetTime) {
			delete(c.entries, identifier)

			evicted++
		}
	}

	if len(c.entries) == 0 {
		c.sweeping = false

		return true
	}

	return false
}

func (c *localCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.entries)
}

func (c *localCache) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	c.closed = true
	close(c.stop)
}
