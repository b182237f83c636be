package hybridcache

import (
	"testing"
	"time"

	"github.com/kartikbazzad/nexusdb/internal/config"
	"github.com/kartikbazzad/nexusdb/internal/logger"
)

func newTestCache(t *testing.T, cfg config.CacheConfig) *Cache {
	t.Helper()
	c, err := New(cfg, logger.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestCacheGetMiss(t *testing.T) {
	c := newTestCache(t, config.DefaultConfig().Cache)
	if _, ok := c.Get("missing"); ok {
		t.Error("Get(missing) = ok, want miss")
	}
	if m := c.Metrics(); m.Misses != 1 {
		t.Errorf("Misses = %d, want 1", m.Misses)
	}
}

func TestCachePutGetHit(t *testing.T) {
	c := newTestCache(t, config.DefaultConfig().Cache)
	c.Put("key", []byte("value"), 0)
	v, ok := c.Get("key")
	if !ok || string(v) != "value" {
		t.Fatalf("Get(key) = %q, %v", v, ok)
	}
	if m := c.Metrics(); m.Hits != 1 {
		t.Errorf("Hits = %d, want 1", m.Hits)
	}
}

func TestCacheTTLExpiry(t *testing.T) {
	cfg := config.DefaultConfig().Cache
	cfg.SweeperIntervalMS = 1000 // rely on the inline expired-on-read path, not the sweeper
	c := newTestCache(t, cfg)

	c.Put("ephemeral", []byte("v"), 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	if _, ok := c.Get("ephemeral"); ok {
		t.Error("Get(ephemeral) returned an expired entry")
	}
	if m := c.Metrics(); m.TTLEvictions == 0 {
		t.Error("expected at least one TTL eviction to be recorded")
	}
}

func TestCacheLRUEvictionUnderByteCapacity(t *testing.T) {
	cfg := config.DefaultConfig().Cache
	cfg.CapacityBytes = 10
	cfg.MaxSamples = 5
	c := newTestCache(t, cfg)

	c.Put("a", []byte("12345"), 0)
	c.Put("b", []byte("12345"), 0)
	// Touch "b" so "a" is the older access and should be evicted first.
	c.Get("b")
	c.Put("c", []byte("12345"), 0)

	if _, ok := c.Get("a"); ok {
		t.Error("expected the least-recently-used entry to have been evicted")
	}
	if m := c.Metrics(); m.LRUEvictions == 0 {
		t.Error("expected at least one LRU eviction to be recorded")
	}
}

// TestCacheLRUEvictionUnderEntryCapacity mirrors the spec scenario
// (capacity_entries=4, mode=Hybrid, insert A..E) for the entry-count
// budget, the path that is exercised in practice since the default config
// sets CapacityBytes=0 and relies entirely on CapacityEntries.
func TestCacheLRUEvictionUnderEntryCapacity(t *testing.T) {
	cfg := config.DefaultConfig().Cache
	cfg.CapacityEntries = 4
	cfg.Mode = config.Hybrid
	c := newTestCache(t, cfg)

	c.Put("a", []byte("1"), 0)
	c.Put("b", []byte("1"), 0)
	c.Put("c", []byte("1"), 0)
	c.Put("d", []byte("1"), 0)
	c.Put("e", []byte("1"), 0)

	m := c.Metrics()
	if m.LRUEvictions != 1 {
		t.Errorf("LRUEvictions = %d, want 1", m.LRUEvictions)
	}
	if got := c.store.Len(); got != 4 {
		t.Errorf("store has %d entries after inserting past capacity 4, want 4", got)
	}
}
