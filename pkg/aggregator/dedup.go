// Package aggregator implements the aggregation core: deduplication of
// at-least-once-delivered events, per-day per-region metric accumulation,
// date-boundary window flushing and dead-letter routing.
package aggregator

import "time"

// DedupCache is a bounded map from event identity to last-seen time. It is a
// heuristic filter, not a ledger: age and capacity eviction can both produce
// false negatives, trading a vanishingly rare duplicate re-admission for
// bounded memory. Owned by the ingestion goroutine; no internal locking.
type DedupCache struct {
	ttl time.Duration // 0 disables age eviction
	max int

	seen  map[string]time.Time
	order []dedupEntry // insertion order == age order; entries never mutate
}

type dedupEntry struct {
	id string
	at time.Time
}

// NewDedupCache creates a cache with the given retention TTL and entry cap.
func NewDedupCache(ttl time.Duration, maxEntries int) *DedupCache {
	return &DedupCache{
		ttl:  ttl,
		max:  maxEntries,
		seen: make(map[string]time.Time, maxEntries/4+1),
	}
}

// Admit answers "have I processed this identity recently?". It returns true
// and registers the identity when it is new; false means an unexpired entry
// exists and the caller must drop the event without reprocessing. Eviction
// runs inline on every call and is O(1) amortized.
func (c *DedupCache) Admit(id string, now time.Time) bool {
	c.evictExpired(now)
	if _, ok := c.seen[id]; ok {
		return false
	}
	c.seen[id] = now
	c.order = append(c.order, dedupEntry{id: id, at: now})
	c.evictOverCap()
	return true
}

// evictExpired removes entries older than the TTL. It runs before the
// duplicate check so an expired identity is re-admitted rather than matched.
func (c *DedupCache) evictExpired(now time.Time) {
	if c.ttl <= 0 {
		return
	}
	cutoff := now.Add(-c.ttl)
	for len(c.order) > 0 && c.order[0].at.Before(cutoff) {
		c.dropOldest()
	}
}

// evictOverCap removes the globally oldest entries until the cache is back
// under its cap. Capacity eviction is a fallback safety valve; age-based
// eviction is the primary mechanism.
func (c *DedupCache) evictOverCap() {
	for len(c.seen) > c.max {
		c.dropOldest()
	}
}

func (c *DedupCache) dropOldest() {
	e := c.order[0]
	c.order = c.order[1:]
	delete(c.seen, e.id)
}

// Len returns the number of live identities.
func (c *DedupCache) Len() int {
	return len(c.seen)
}
