// Package cache holds the TTL cache used by the rate aggregator. Entries
// past their validity window are reported stale rather than evicted
// immediately, so P&L snapshots can carry a prior value forward instead of
// silently zeroing it.
package cache

import (
	"sync"
	"time"

	"github.com/mExOms/fxcore/pkg/types"
)

type rateEntry struct {
	rate     types.Rate
	storedAt time.Time
}

// RateCache caches the latest observation per pair key with a validity
// window.
type RateCache struct {
	entries  sync.Map
	validity time.Duration
	maxAge   time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewRateCache creates a cache whose entries are fresh for validity and are
// evicted entirely after 10x validity.
func NewRateCache(validity time.Duration) *RateCache {
	c := &RateCache{
		validity: validity,
		maxAge:   10 * validity,
		stopCh:   make(chan struct{}),
	}
	go c.cleanupLoop()
	return c
}

// Put stores the observation under from/to.
func (c *RateCache) Put(rate types.Rate) {
	key := rate.From + "/" + rate.To
	c.entries.Store(key, rateEntry{rate: rate, storedAt: time.Now()})
}

// Get returns the cached rate and whether it is still fresh. A stale entry is
// returned with fresh=false until eviction; missing pairs return found=false.
func (c *RateCache) Get(from, to string) (rate types.Rate, found, fresh bool) {
	v, ok := c.entries.Load(from + "/" + to)
	if !ok {
		return types.Rate{}, false, false
	}
	entry := v.(rateEntry)
	return entry.rate, true, time.Since(entry.storedAt) <= c.validity
}

// Invalidate drops the entry for a pair.
func (c *RateCache) Invalidate(from, to string) {
	c.entries.Delete(from + "/" + to)
}

// Len returns the number of cached pairs.
func (c *RateCache) Len() int {
	n := 0
	c.entries.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

// Stop terminates the cleanup goroutine.
func (c *RateCache) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

func (c *RateCache) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.evictAged()
		case <-c.stopCh:
			return
		}
	}
}

func (c *RateCache) evictAged() {
	cutoff := time.Now().Add(-c.maxAge)
	c.entries.Range(func(key, v interface{}) bool {
		if v.(rateEntry).storedAt.Before(cutoff) {
			c.entries.Delete(key)
		}
		return true
	})
}
