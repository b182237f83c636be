package wasp

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/panjf2000/ants/v2"

	"github.com/kartikbazzad/nexusdb/internal/config"
	"github.com/kartikbazzad/nexusdb/internal/logger"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	return newTestEngineWithConfig(t, config.DefaultConfig().Wasp)
}

func newTestEngineWithConfig(t *testing.T, cfg config.WaspConfig) *Engine {
	t.Helper()
	pool, err := ants.NewPool(4)
	if err != nil {
		t.Fatalf("ants.NewPool: %v", err)
	}
	t.Cleanup(pool.Release)

	e, err := Open(filepath.Join(t.TempDir(), "engine.wasp"), cfg, pool, logger.Default())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestEngineScanRangeOrdersAndBounds(t *testing.T) {
	e := newTestEngine(t)
	batch := []OpRecord{
		{Key: []byte("items/3"), Value: []byte("c")},
		{Key: []byte("items/1"), Value: []byte("a")},
		{Key: []byte("items/2"), Value: []byte("b")},
		{Key: []byte("other/1"), Value: []byte("z")},
	}
	if _, err := e.Commit(batch); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	it, err := e.ScanRange([]byte("items/"), Range{})
	if err != nil {
		t.Fatalf("ScanRange: %v", err)
	}
	var keys []string
	for {
		kv, ok := it.Next()
		if !ok {
			break
		}
		keys = append(keys, string(kv.Key))
	}
	want := []string{"items/1", "items/2", "items/3"}
	if len(keys) != len(want) {
		t.Fatalf("ScanRange returned %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("ScanRange[%d] = %q, want %q", i, keys[i], want[i])
		}
	}
}

func TestEngineScanRangeRespectsBounds(t *testing.T) {
	e := newTestEngine(t)
	batch := []OpRecord{
		{Key: []byte("items/1"), Value: []byte("a")},
		{Key: []byte("items/2"), Value: []byte("b")},
		{Key: []byte("items/3"), Value: []byte("c")},
	}
	if _, err := e.Commit(batch); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	it, err := e.ScanRange([]byte("items/"), Range{Start: "2"})
	if err != nil {
		t.Fatalf("ScanRange: %v", err)
	}
	var keys []string
	for {
		kv, ok := it.Next()
		if !ok {
			break
		}
		keys = append(keys, string(kv.Key))
	}
	if len(keys) != 2 || keys[0] != "items/2" || keys[1] != "items/3" {
		t.Errorf("ScanRange with Start=2 returned %v, want [items/2 items/3]", keys)
	}
}

func TestEngineBytesSinceCheckpointResetsOnCheckpoint(t *testing.T) {
	e := newTestEngine(t)
	if _, err := e.Commit([]OpRecord{{Key: []byte("k"), Value: []byte("payload")}}); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if got := e.BytesSinceCheckpoint(); got == 0 {
		t.Error("BytesSinceCheckpoint() = 0 after a non-empty commit, want > 0")
	}
	if err := e.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if got := e.BytesSinceCheckpoint(); got != 0 {
		t.Errorf("BytesSinceCheckpoint() after Checkpoint = %d, want 0", got)
	}
}

func TestCheckpointSealsColdTreeIntoSegmentPastTargetBytes(t *testing.T) {
	cfg := config.DefaultConfig().Wasp
	cfg.SegmentTargetBytes = 4 // trivially small, so one commit already crosses it
	e := newTestEngineWithConfig(t, cfg)

	if _, err := e.Commit([]OpRecord{{Key: []byte("items/1"), Value: []byte("payload-bytes")}}); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if got := e.tree.Root(); got == 0 {
		t.Fatal("tree root is empty before Checkpoint, test setup is wrong")
	}

	if err := e.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}

	if got := e.tree.Root(); got != 0 {
		t.Errorf("tree root = %d after sealing checkpoint, want 0 (empty)", got)
	}
	if segs := e.compactor.Segments(); len(segs) != 1 {
		t.Fatalf("compactor has %d segments after sealing checkpoint, want 1", len(segs))
	}

	v, ok, err := e.Get([]byte("items/1"))
	if err != nil {
		t.Fatalf("Get after seal: %v", err)
	}
	if !ok || string(v) != "payload-bytes" {
		t.Errorf("Get after seal = (%q, %v), want (\"payload-bytes\", true)", v, ok)
	}
}

func TestCloseReclaimsSegmentsRetiredByCompaction(t *testing.T) {
	cfg := config.DefaultConfig().Wasp
	cfg.SegmentTargetBytes = 1  // every commit is big enough to seal
	cfg.CompactionLevelFanout = 1 // a 2nd segment already exceeds fanout

	dir := t.TempDir()
	pool, err := ants.NewPool(4)
	if err != nil {
		t.Fatalf("ants.NewPool: %v", err)
	}
	defer pool.Release()

	e, err := Open(filepath.Join(dir, "engine.wasp"), cfg, pool, logger.Default())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	for i := 0; i < 3; i++ {
		key := []byte("items/" + string(rune('a'+i)))
		if _, err := e.Commit([]OpRecord{{Key: key, Value: []byte("payload")}}); err != nil {
			t.Fatalf("Commit %d: %v", i, err)
		}
		if err := e.Checkpoint(); err != nil {
			t.Fatalf("Checkpoint %d: %v", i, err)
		}
	}

	if retired := len(e.compactor.retired); retired == 0 {
		t.Fatal("expected compaction to have retired at least one segment before Close")
	}
	activePaths := make(map[string]bool)
	for _, s := range e.compactor.Segments() {
		activePaths[s.Path()] = true
	}

	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, ent := range entries {
		path := filepath.Join(dir, ent.Name())
		if filepath.Ext(path) == ".dat" && !activePaths[path] {
			t.Errorf("retired segment file %s still present after Close", path)
		}
	}
}
