package database

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kartikbazzad/nexusdb/internal/config"
	"github.com/kartikbazzad/nexusdb/internal/snapshot"
	"github.com/kartikbazzad/nexusdb/internal/wasp"
)

func TestInsertFindUpdateDeleteRoundTrip(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, "roundtrip", config.DefaultConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	if err := db.CreateCollection("widgets"); err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}

	id, err := db.Insert("widgets", []byte("payload-v1"), 0)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	doc, err := db.Find("widgets", id)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if string(doc.Payload) != "payload-v1" {
		t.Errorf("Find returned %q, want %q", doc.Payload, "payload-v1")
	}

	if err := db.Update("widgets", id, []byte("payload-v2")); err != nil {
		t.Fatalf("Update: %v", err)
	}
	doc, err = db.Find("widgets", id)
	if err != nil {
		t.Fatalf("Find after update: %v", err)
	}
	if string(doc.Payload) != "payload-v2" {
		t.Errorf("Find after update returned %q, want %q", doc.Payload, "payload-v2")
	}

	if err := db.Delete("widgets", id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := db.Find("widgets", id); err == nil {
		t.Error("Find after delete succeeded, want error")
	}
}

func TestCheckpointAndReopenRestoresCatalog(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, "reopen", config.DefaultConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := db.CreateCollection("orders"); err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}
	id, err := db.Insert("orders", []byte("order-1"), 0)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(dir, "reopen", config.DefaultConfig())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	doc, err := reopened.Find("orders", id)
	if err != nil {
		t.Fatalf("Find after reopen: %v", err)
	}
	if string(doc.Payload) != "order-1" {
		t.Errorf("Find after reopen returned %q, want %q", doc.Payload, "order-1")
	}
}

func TestEphemeralDocumentSurvivesRestartUntilExpiry(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, "ephemeral", config.DefaultConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := db.CreateCollection("sessions"); err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}
	id, err := db.Insert("sessions", []byte("session-data"), time.Hour)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(dir, "ephemeral", config.DefaultConfig())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	if _, err := reopened.Find("sessions", id); err != nil {
		t.Errorf("expected still-alive ephemeral document to survive restart: %v", err)
	}
}

// TestEphemeralDocumentExpiresAndIsGoneAfterRestart exercises the actual
// expiry path (unlike the hour-long TTL above, which never fires): Find on
// an expired document must report not-found and append a Delete to WASP,
// so the document stays absent even after a restart.
func TestEphemeralDocumentExpiresAndIsGoneAfterRestart(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, "ephemeral-expiry", config.DefaultConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := db.CreateCollection("sessions"); err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}
	id, err := db.Insert("sessions", []byte("session-data"), 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	if _, err := db.Find("sessions", id); err == nil {
		t.Error("Find on an expired ephemeral document returned no error, want not-found")
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(dir, "ephemeral-expiry", config.DefaultConfig())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	if _, err := reopened.Find("sessions", id); err == nil {
		t.Error("expired ephemeral document is still findable after restart, want absent")
	}
}

func TestCheckpointRecordsOriginatingCollectionForEphemeralDoc(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, "ephemeral-meta", config.DefaultConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	if err := db.CreateCollection("sessions"); err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}
	id, err := db.Insert("sessions", []byte("session-data"), time.Hour)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if err := db.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}

	snap, err := snapshot.Read(filepath.Join(dir, "ephemeral-meta.db"))
	if err != nil {
		t.Fatalf("snapshot.Read: %v", err)
	}
	if len(snap.Ephemeral) != 1 {
		t.Fatalf("snapshot has %d ephemeral entries, want 1", len(snap.Ephemeral))
	}
	meta := snap.Ephemeral[0]
	if meta.Collection != "sessions" {
		t.Errorf("ephemeral meta collection = %q, want %q", meta.Collection, "sessions")
	}
	if meta.ID != id {
		t.Errorf("ephemeral meta id = %v, want %v (the real document's own id)", meta.ID, id)
	}
}

func TestAutoCheckpointDisabledWhenBothThresholdsZero(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Wasp.CheckpointIntervalMB = 0 // byte threshold off
	cfg.Wasp.CheckpointInterval = 0   // time threshold off
	cfg.Healing.Enabled = false

	// CheckpointIntervalMB of 0 combined with CheckpointInterval of 0
	// disables the loop entirely: startAutoCheckpoint must be a no-op.
	db, err := Open(dir, "no-auto-ckpt", cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()
	if db.ckptStop != nil {
		t.Error("startAutoCheckpoint started a loop with both thresholds disabled")
	}
}

func TestAutoCheckpointLoopStopsCleanlyOnClose(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Wasp.CheckpointInterval = time.Millisecond
	cfg.Healing.Enabled = false

	db, err := Open(dir, "auto-ckpt", cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := db.CreateCollection("items"); err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}
	if _, err := db.Insert("items", []byte("x"), 0); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	time.Sleep(20 * time.Millisecond) // give the poll loop a few ticks to fire
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "auto-ckpt.db")); err != nil {
		t.Errorf("expected automatic checkpoint to have written a snapshot: %v", err)
	}
}

func TestDatabaseScanOrdersDocuments(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, "scan", config.DefaultConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	if err := db.CreateCollection("events"); err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := db.Insert("events", []byte("e"), 0); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	it, err := db.Scan("events", wasp.Range{})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	count := 0
	prev := ""
	for {
		doc, ok := it.Next()
		if !ok {
			break
		}
		if doc.ID.String() < prev {
			t.Errorf("Scan returned out-of-order ids")
		}
		prev = doc.ID.String()
		count++
	}
	if count != 3 {
		t.Fatalf("Scan returned %d docs, want 3", count)
	}
}

func TestDropCollectionRemovesCatalogEntry(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, "drop", config.DefaultConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	if err := db.CreateCollection("scratch"); err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}
	id, err := db.Insert("scratch", []byte("x"), 0)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if err := db.DropCollection("scratch"); err != nil {
		t.Fatalf("DropCollection: %v", err)
	}

	if _, err := db.Find("scratch", id); err == nil {
		t.Error("Find against a dropped collection succeeded, want error")
	}
	if _, err := db.ListIDs("scratch"); err == nil {
		t.Error("ListIDs against a dropped collection succeeded, want error")
	}
	if err := db.DropCollection("scratch"); err == nil {
		t.Error("dropping an already-dropped collection succeeded, want error")
	}
}

func TestRenameCollectionMovesCatalogEntry(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, "rename", config.DefaultConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	if err := db.CreateCollection("a"); err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}
	id, err := db.Insert("a", []byte("payload"), 0)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if err := db.RenameCollection("a", "b"); err != nil {
		t.Fatalf("RenameCollection: %v", err)
	}

	doc, err := db.Find("b", id)
	if err != nil {
		t.Fatalf("Find under new name: %v", err)
	}
	if string(doc.Payload) != "payload" {
		t.Errorf("Find under new name returned %q, want %q", doc.Payload, "payload")
	}
	if _, err := db.Find("a", id); err == nil {
		t.Error("Find under old name succeeded after rename, want error")
	}

	if err := db.CreateCollection("c"); err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}
	if err := db.RenameCollection("b", "c"); err == nil {
		t.Error("rename onto an existing collection name succeeded, want error")
	}
	if err := db.RenameCollection("no-such-collection", "d"); err == nil {
		t.Error("rename of a nonexistent collection succeeded, want error")
	}
}

func TestDoubleOpenOfSameStemFails(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, "locked", config.DefaultConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	if _, err := Open(dir, "locked", config.DefaultConfig()); err == nil {
		t.Error("second Open of the same stem succeeded, want error")
	}
}

func TestVerifyReportsManifestAndCacheMetrics(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, "verify", config.DefaultConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	if err := db.CreateCollection("items"); err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}
	if _, err := db.Insert("items", []byte("x"), 0); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	report, err := db.Verify()
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !report.Wasp.ManifestOK {
		t.Error("expected manifest to be reported healthy")
	}
	if _, ok := report.Collections["items"]; !ok {
		t.Error("expected cache metrics for the items collection")
	}
}
