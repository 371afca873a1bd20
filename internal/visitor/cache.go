package visitor

import (
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const cacheKey = "record"

type cacheEntry struct {
	record      Record
	confirmedAt time.Time
}

// recordCache mirrors the highest record seen by this process. Freshness is
// measured from the last time the durable store confirmed the record, on the
// injected clock; go-cache evicts entries that outlive the window in
// wall-clock time.
type recordCache struct {
	mu     sync.Mutex
	items  *gocache.Cache
	window time.Duration
	now    func() time.Time
}

func newRecordCache(window time.Duration, now func() time.Time) *recordCache {
	return &recordCache{
		items:  gocache.New(window, 2*window),
		window: window,
		now:    now,
	}
}

// Confirm records rec as just read from or written to the durable store and
// restarts the freshness window. A lower rec does not replace a higher
// cached count. Returns the record now held.
func (c *recordCache) Confirm(rec Record) Record {
	c.mu.Lock()
	defer c.mu.Unlock()

	held := rec
	if cur, ok := c.freshLocked(); ok && cur.record.Count > rec.Count {
		held = cur.record
	}
	c.items.Set(cacheKey, cacheEntry{record: held, confirmedAt: c.now()}, gocache.DefaultExpiration)
	return held
}

// Advance raises the cached count for an increment the store did not
// persist. The entry keeps its confirmation time, so cache-only increments
// never extend how long the record is served. Returns the record now held,
// or rec itself when nothing fresh is cached.
func (c *recordCache) Advance(rec Record) Record {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur, ok := c.freshLocked()
	if !ok {
		return rec
	}
	if cur.record.Count >= rec.Count {
		return cur.record
	}
	remaining := cur.confirmedAt.Add(c.window).Sub(c.now())
	c.items.Set(cacheKey, cacheEntry{record: rec, confirmedAt: cur.confirmedAt}, remaining)
	return rec
}

// Fresh returns the cached record if it was confirmed within the window.
func (c *recordCache) Fresh() (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.freshLocked()
	return e.record, ok
}

// Age returns how long ago the entry was last confirmed, or false when empty.
func (c *recordCache) Age() (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.items.Get(cacheKey)
	if !ok {
		return 0, false
	}
	return c.now().Sub(v.(cacheEntry).confirmedAt), true
}

func (c *recordCache) freshLocked() (cacheEntry, bool) {
	v, ok := c.items.Get(cacheKey)
	if !ok {
		return cacheEntry{}, false
	}
	e := v.(cacheEntry)
	if c.now().Sub(e.confirmedAt) > c.window {
		c.items.Delete(cacheKey)
		return cacheEntry{}, false
	}
	return e, true
}
