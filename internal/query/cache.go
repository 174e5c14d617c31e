package query

import (
	"sync"
	"time"
)

type cacheEntry[T any] struct {
	value    T
	storedAt time.Time
}

// snapshotCache keeps the last computed snapshot per session. Entries are
// replaced whole and never mutated. Entries younger than ttl are fresh;
// older ones are still served as a fallback until they pass maxAge.
//
// Every write carries the generation observed when its read started. A
// wipe bumps the generation, so a computation that raced with the wipe
// can not repopulate the cache.
type snapshotCache[T any] struct {
	ttl    time.Duration
	maxAge time.Duration
	gens   *generations

	mu        sync.RWMutex
	entries   map[string]cacheEntry[T]
	lastSweep time.Time
}

func newSnapshotCache[T any](ttl, maxAge time.Duration, gens *generations) *snapshotCache[T] {
	return &snapshotCache[T]{
		ttl:     ttl,
		maxAge:  maxAge,
		gens:    gens,
		entries: make(map[string]cacheEntry[T]),
	}
}

// fresh returns the entry for session if it is younger than ttl.
func (c *snapshotCache[T]) fresh(session string, now time.Time) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[session]
	if !ok || c.ttl <= 0 || now.Sub(e.storedAt) >= c.ttl {
		var zero T
		return zero, false
	}
	return e.value, true
}

// last returns the entry for session regardless of ttl, as long as it is
// younger than maxAge.
func (c *snapshotCache[T]) last(session string, now time.Time) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[session]
	if !ok || (c.maxAge > 0 && now.Sub(e.storedAt) >= c.maxAge) {
		var zero T
		return zero, false
	}
	return e.value, true
}

// put stores v unless session was invalidated after gen was read.
func (c *snapshotCache[T]) put(session string, gen uint64, v T, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens.current(session) != gen {
		return false
	}
	c.entries[session] = cacheEntry[T]{value: v, storedAt: now}
	if c.maxAge > 0 && now.Sub(c.lastSweep) >= c.ttl {
		c.lastSweep = now
		for id, e := range c.entries {
			if now.Sub(e.storedAt) >= c.maxAge {
				delete(c.entries, id)
			}
		}
	}
	return true
}

func (c *snapshotCache[T]) drop(session string) {
	c.mu.Lock()
	delete(c.entries, session)
	c.mu.Unlock()
}

func (c *snapshotCache[T]) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// generations counts invalidations per session.
type generations struct {
	mu   sync.Mutex
	gens map[string]uint64
}

func newGenerations() *generations {
	return &generations{gens: make(map[string]uint64)}
}

func (g *generations) current(session string) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.gens[session]
}

func (g *generations) bump(session string) {
	g.mu.Lock()
	g.gens[session]++
	g.mu.Unlock()
}
