package wasp

import (
	"os"
	"testing"
)

func openTempManifest(t *testing.T) (*ManifestStore, func()) {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "manifest-*.wasp")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	store := NewManifestStore(f, 256)
	return store, func() { f.Close() }
}

func TestManifestCommitAndLoadRoundTrip(t *testing.T) {
	store, cleanup := openTempManifest(t)
	defer cleanup()

	m := Manifest{RootPage: 42, ActiveSegments: []uint64{1, 2, 3}, WalLSN: 5, Epoch: 1}
	if err := store.Commit(m); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	got, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.RootPage != 42 || got.WalLSN != 5 || len(got.ActiveSegments) != 3 {
		t.Errorf("unexpected manifest after commit: %+v", got)
	}
}

func TestManifestFlipsBetweenSlots(t *testing.T) {
	store, cleanup := openTempManifest(t)
	defer cleanup()

	first := Manifest{RootPage: 1, Epoch: 1}
	if err := store.Commit(first); err != nil {
		t.Fatalf("Commit first: %v", err)
	}
	second := Manifest{RootPage: 2, Epoch: 2}
	if err := store.Commit(second); err != nil {
		t.Fatalf("Commit second: %v", err)
	}

	got, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.RootPage != 2 {
		t.Errorf("expected the higher SlotSeq commit to be live, got root %d", got.RootPage)
	}
}

func TestManifestLoadFailsWhenBothSlotsEmpty(t *testing.T) {
	store, cleanup := openTempManifest(t)
	defer cleanup()

	if _, err := store.Load(); err == nil {
		t.Fatal("expected error loading manifest from an empty file")
	}
}
