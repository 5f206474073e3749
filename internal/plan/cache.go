package plan

import (
	"sync"
	"sync/atomic"
)

// Cache holds the active Plan under a single-writer, multi-reader
// discipline: rebuilds write a new immutable Plan and swap the active
// pointer atomically (spec.md §5, "Plan Cache: read-copy-update").
// Readers never see a partially-built Plan.
type Cache struct {
	active   atomic.Pointer[Plan]
	rebuildMu sync.Mutex
	inFlight  bool
}

// NewCache creates an empty Cache. Active returns nil until the first
// Swap.
func NewCache() *Cache {
	return &Cache{}
}

// Active returns the currently active Plan, or nil if none has been
// built yet.
func (c *Cache) Active() *Plan {
	return c.active.Load()
}

// Swap installs p as the active plan. Readers either observe the old
// Plan in its entirety or the new one (atomic pointer swap).
func (c *Cache) Swap(p *Plan) {
	c.active.Store(p)
}

// TryBeginRebuild attempts to claim the single in-flight rebuild slot.
// It returns false if a rebuild is already running; callers that get
// true must call EndRebuild when done, even on error, via defer.
func (c *Cache) TryBeginRebuild() bool {
	c.rebuildMu.Lock()
	defer c.rebuildMu.Unlock()
	if c.inFlight {
		return false
	}
	c.inFlight = true
	return true
}

// EndRebuild releases the in-flight rebuild slot.
func (c *Cache) EndRebuild() {
	c.rebuildMu.Lock()
	c.inFlight = false
	c.rebuildMu.Unlock()
}
