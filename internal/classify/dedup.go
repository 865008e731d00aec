package classify

import (
	"sync"
	"time"
)

// Dedup is a bounded-window event-id cache. The platform gives no
// duplicate-processing guarantees across reconnects, so a second
// occurrence of an id inside the window must be a no-op.
type Dedup struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[string]time.Time
	now    func() time.Time
}

// NewDedup creates a cache with the given retention window.
func NewDedup(window time.Duration) *Dedup {
	return &Dedup{
		window: window,
		seen:   make(map[string]time.Time),
		now:    time.Now,
	}
}

// FirstSeen records the id and reports whether this is its first
// occurrence inside the window. Expired entries are pruned lazily on
// each call, keeping the cache bounded without a janitor goroutine.
func (d *Dedup) FirstSeen(id string) bool {
	if id == "" {
		return true
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	cutoff := now.Add(-d.window)
	for k, t := range d.seen {
		if t.Before(cutoff) {
			delete(d.seen, k)
		}
	}

	if _, ok := d.seen[id]; ok {
		return false
	}
	d.seen[id] = now
	return true
}

// Len reports the current cache size.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
