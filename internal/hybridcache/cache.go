// Package hybridcache implements the per-collection in-memory cache: a
// TTL-first, LRU-sampling eviction policy with a background sweeper and
// atomic hit/miss/eviction counters, backed by hashicorp/golang-lru's
// recency-ordered store.
package hybridcache

import (
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kartikbazzad/nexusdb/internal/config"
	"github.com/kartikbazzad/nexusdb/internal/logger"
)

type entry struct {
	value      []byte
	expiresAt  time.Time // zero value means no TTL
	lastAccess time.Time
}

// Metrics are atomic counters, safe to read without locking the cache.
type Metrics struct {
	Hits          uint64
	Misses        uint64
	TTLEvictions  uint64
	LRUEvictions  uint64
	MemoryBytes   uint64
}

// Cache is a single collection's hybrid cache instance.
type Cache struct {
	mu    sync.RWMutex
	store *lru.Cache[string, *entry]

	mode       config.EvictionMode
	maxSamples int
	batchSize  int
	capacityB  uint64
	capacityN  int

	evictGuard int32 // atomic: single-holder guard, prevents thundering-herd eviction
	inAdd      bool  // guarded by mu: true only while Put is inside store.Add

	hits, misses, ttlEvictions, lruEvictions, memBytes uint64 // all atomic

	onExpire func(key string, value []byte) // set by the owning collection, nil in tests

	stopCh chan struct{}
	wg     sync.WaitGroup
	logger *logger.Logger
}

func New(cfg config.CacheConfig, log *logger.Logger) (*Cache, error) {
	capacityEntries := cfg.CapacityEntries
	if capacityEntries <= 0 {
		capacityEntries = 1024
	}
	c := &Cache{
		mode:       cfg.Mode,
		maxSamples: cfg.MaxSamples,
		batchSize:  cfg.BatchSize,
		capacityB:  cfg.CapacityBytes,
		capacityN:  capacityEntries,
		stopCh:     make(chan struct{}),
		logger:     log,
	}
	// The underlying store's own capacity is sized as a generous backstop
	// above the logical entry budget: day-to-day eviction is meant to run
	// through maybeEvict's TTL-sweep-then-sampled-LRU pass (the documented
	// algorithm), not golang-lru's own unconditional oldest-evicted-first
	// policy. onStoreEvict keeps the counters honest on the rare call where
	// the backstop fires anyway (maybeEvict falling behind a write burst).
	store, err := lru.NewWithEvict[string, *entry](capacityEntries*4, c.onStoreEvict)
	if err != nil {
		return nil, err
	}
	c.store = store
	c.startSweeper(time.Duration(cfg.SweeperIntervalMS) * time.Millisecond)
	return c, nil
}

// OnExpire registers a callback invoked whenever Get or the sweeper finds a
// TTL'd entry past its deadline, with the key and its last-known value. Used
// by the collection layer to append the corresponding WASP delete once an
// ephemeral document expires, instead of only dropping it from cache.
func (c *Cache) OnExpire(fn func(key string, value []byte)) {
	c.onExpire = fn
}

// onStoreEvict is golang-lru's eviction callback, firing synchronously
// inside store.Add when the backstop capacity is exceeded. It only
// reconciles the byte/entry counters; it is not a substitute for the
// sampled eviction maybeEvict performs, so lruEvictions here simply counts
// alongside evictOneLRU's. golang-lru also calls it from store.Remove; those
// calls are ignored, since every Remove caller adjusts the counters itself.
func (c *Cache) onStoreEvict(_ string, e *entry) {
	if !c.inAdd {
		return
	}
	atomic.AddUint64(&c.memBytes, ^uint64(len(e.value))+1)
	atomic.AddUint64(&c.lruEvictions, 1)
}

// Get returns the cached value for key if present and not expired. An
// expired-but-still-resident entry is treated as a miss and evicted inline
// rather than waiting for the sweeper, so callers never observe stale data.
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	e, ok := c.store.Get(key)
	if !ok {
		c.mu.Unlock()
		atomic.AddUint64(&c.misses, 1)
		return nil, false
	}
	if c.expired(e) {
		value := e.value
		c.store.Remove(key)
		atomic.AddUint64(&c.memBytes, ^uint64(len(value))+1)
		c.mu.Unlock()
		atomic.AddUint64(&c.misses, 1)
		atomic.AddUint64(&c.ttlEvictions, 1)
		if c.onExpire != nil {
			c.onExpire(key, value)
		}
		return nil, false
	}
	e.lastAccess = time.Now()
	c.mu.Unlock()
	atomic.AddUint64(&c.hits, 1)
	return e.value, true
}

func (c *Cache) expired(e *entry) bool {
	return !e.expiresAt.IsZero() && time.Now().After(e.expiresAt)
}

// Put inserts or replaces key's cached value. ttl of zero means no
// expiration (persistent documents never carry a TTL at the cache layer,
// mirroring the collection-level invariant).
func (c *Cache) Put(key string, value []byte, ttl time.Duration) {
	var expires time.Time
	if ttl > 0 {
		expires = time.Now().Add(ttl)
	}
	c.mu.Lock()
	c.inAdd = true
	c.store.Add(key, &entry{value: value, expiresAt: expires, lastAccess: time.Now()})
	c.inAdd = false
	atomic.AddUint64(&c.memBytes, uint64(len(value)))
	c.mu.Unlock()
	c.maybeEvict()
}

func (c *Cache) Delete(key string) {
	c.mu.Lock()
	if e, ok := c.store.Peek(key); ok {
		atomic.AddUint64(&c.memBytes, ^uint64(len(e.value))+1)
	}
	c.store.Remove(key)
	c.mu.Unlock()
}

func (c *Cache) Metrics() Metrics {
	return Metrics{
		Hits:         atomic.LoadUint64(&c.hits),
		Misses:       atomic.LoadUint64(&c.misses),
		TTLEvictions: atomic.LoadUint64(&c.ttlEvictions),
		LRUEvictions: atomic.LoadUint64(&c.lruEvictions),
		MemoryBytes:  atomic.LoadUint64(&c.memBytes),
	}
}

// overCapacity reports whether the cache is over either configured budget:
// the byte budget (capacityB, 0 = unbounded) or the entry-count budget
// (capacityN, always set — see New). Both budgets are enforced by the same
// sampled-LRU pass in maybeEvict; a capacity_entries-only config (the
// default: CapacityEntries=4096, CapacityBytes=0) must still drive real
// eviction rather than silently relying on the underlying store's own
// backstop.
func (c *Cache) overCapacity() bool {
	if c.capacityB != 0 && atomic.LoadUint64(&c.memBytes) > c.capacityB {
		return true
	}
	return c.capacityN > 0 && c.store.Len() > c.capacityN
}

// maybeEvict runs a TTL sweep (if the mode calls for it) and, only if still
// over a configured budget, an LRU-sampling pass. The evictGuard ensures
// only one goroutine performs the sampling pass at a time — callers that
// lose the race simply skip eviction this round, since the sweeper or the
// next Put will retry it, avoiding a thundering herd of goroutines all
// scanning the same store simultaneously.
func (c *Cache) maybeEvict() {
	if c.mode == config.TTLOnly || c.mode == config.TTLFirst || c.mode == config.Hybrid {
		c.sweepTTL()
	}
	if c.mode == config.TTLOnly || !c.overCapacity() {
		return
	}
	if !atomic.CompareAndSwapInt32(&c.evictGuard, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.evictGuard, 0)

	// Cap the number of LRU evictions performed per call to batchSize, so
	// a large overage is worked off over several Put/sweep calls instead
	// of one caller paying to evict everything at once.
	limit := c.batchSize
	if limit <= 0 {
		limit = 1
	}
	for i := 0; i < limit && c.overCapacity(); i++ {
		if !c.evictOneLRU() {
			break
		}
	}
}

// sweepTTL removes every expired entry currently resident, firing onExpire
// for each so the collection layer can append the matching WASP delete.
// Safe to call concurrently with Get/Put; lru.Cache's own locking plus
// c.mu ordering keeps this race-free.
func (c *Cache) sweepTTL() {
	c.mu.Lock()
	keys := c.store.Keys()
	type expiredEntry struct {
		key   string
		value []byte
	}
	var expired []expiredEntry
	for _, k := range keys {
		if e, ok := c.store.Peek(k); ok && c.expired(e) {
			expired = append(expired, expiredEntry{key: k, value: e.value})
		}
	}
	for _, ex := range expired {
		atomic.AddUint64(&c.memBytes, ^uint64(len(ex.value))+1)
		c.store.Remove(ex.key)
	}
	c.mu.Unlock()
	if len(expired) == 0 {
		return
	}
	atomic.AddUint64(&c.ttlEvictions, uint64(len(expired)))
	if c.onExpire != nil {
		for _, ex := range expired {
			c.onExpire(ex.key, ex.value)
		}
	}
}

// evictOneLRU samples up to maxSamples keys and evicts the one with the
// oldest lastAccess — true LRU recency sampling (not frequency), matching
// the literal spec scenario rather than a frequency-weighted variant.
func (c *Cache) evictOneLRU() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := c.store.Keys()
	if len(keys) == 0 {
		return false
	}
	sample := c.maxSamples
	if sample <= 0 || sample > len(keys) {
		sample = len(keys)
	}

	var oldestKey string
	var oldestTime time.Time
	found := false
	for i := 0; i < sample; i++ {
		k := keys[i]
		e, ok := c.store.Peek(k)
		if !ok {
			continue
		}
		if !found || e.lastAccess.Before(oldestTime) {
			oldestKey, oldestTime, found = k, e.lastAccess, true
		}
	}
	if !found {
		return false
	}
	if e, ok := c.store.Peek(oldestKey); ok {
		atomic.AddUint64(&c.memBytes, ^uint64(len(e.value))+1)
	}
	c.store.Remove(oldestKey)
	atomic.AddUint64(&c.lruEvictions, 1)
	return true
}

func (c *Cache) startSweeper(interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stopCh:
				return
			case <-ticker.C:
				func() {
					defer func() {
						if r := recover(); r != nil && c.logger != nil {
							c.logger.Error("hybridcache: sweeper panic recovered: %v", r)
						}
					}()
					c.maybeEvict()
				}()
			}
		}
	}()
}

func (c *Cache) Close() {
	close(c.stopCh)
	c.wg.Wait()
}
