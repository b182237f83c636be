// Package bufpool tracks document-payload byte budgets inside one open
// database: a ceiling for the whole database (each Database builds its own
// Caps), plus an optional limit per registered key — the collection layer
// registers each collection by name — so one busy collection cannot starve
// the others.
package bufpool

import "sync/atomic"

type Caps struct {
	globalCapacity uint64
	globalUsage    uint64 // atomic

	perDBLimit map[string]uint64
	perDBUsage map[string]*uint64
}

func NewCaps(globalCapacityBytes uint64) *Caps {
	return &Caps{
		globalCapacity: globalCapacityBytes,
		perDBLimit:     make(map[string]uint64),
		perDBUsage:     make(map[string]*uint64),
	}
}

// RegisterDB gives stem its own usage counter and limit. A zero limit means
// "up to a tenth of the global capacity," matching the default ratio used
// when no explicit per-database limit is configured.
func (c *Caps) RegisterDB(stem string, limitBytes uint64) {
	if _, exists := c.perDBLimit[stem]; exists {
		return
	}
	if limitBytes == 0 {
		limitBytes = c.globalCapacity / 10
	}
	c.perDBLimit[stem] = limitBytes
	usage := uint64(0)
	c.perDBUsage[stem] = &usage
}

func (c *Caps) UnregisterDB(stem string) {
	delete(c.perDBLimit, stem)
	delete(c.perDBUsage, stem)
}

// TryAllocate reserves size bytes against both the global and per-database
// budgets, failing atomically (no partial reservation) if either is
// exceeded.
func (c *Caps) TryAllocate(stem string, size uint64) bool {
	if atomic.LoadUint64(&c.globalUsage)+size > c.globalCapacity {
		return false
	}
	if usagePtr, ok := c.perDBUsage[stem]; ok {
		if atomic.LoadUint64(usagePtr)+size > c.perDBLimit[stem] {
			return false
		}
		atomic.AddUint64(usagePtr, size)
	}
	atomic.AddUint64(&c.globalUsage, size)
	return true
}

func (c *Caps) Free(stem string, size uint64) {
	if size > atomic.LoadUint64(&c.globalUsage) {
		size = atomic.LoadUint64(&c.globalUsage)
	}
	if size > 0 {
		atomic.AddUint64(&c.globalUsage, ^uint64(size-1))
	}
	if usagePtr, ok := c.perDBUsage[stem]; ok {
		dbUsage := atomic.LoadUint64(usagePtr)
		if size > dbUsage {
			size = dbUsage
		}
		if size > 0 {
			atomic.AddUint64(usagePtr, ^uint64(size-1))
		}
	}
}

func (c *Caps) GlobalUsage() uint64    { return atomic.LoadUint64(&c.globalUsage) }
func (c *Caps) GlobalCapacity() uint64 { return c.globalCapacity }

func (c *Caps) DBUsage(stem string) uint64 {
	if usagePtr, ok := c.perDBUsage[stem]; ok {
		return atomic.LoadUint64(usagePtr)
	}
	return 0
}

func (c *Caps) DBLimit(stem string) uint64 { return c.perDBLimit[stem] }
