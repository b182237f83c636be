package snapshot

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kartikbazzad/nexusdb/internal/dberrors"
	"github.com/kartikbazzad/nexusdb/internal/types"
)

func TestWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	snap := DbSnapshot{
		Collections:   []CollectionEntry{{Name: "users"}},
		Ephemeral:     []types.DocumentMeta{{Collection: "_tempDocuments", ID: types.NewDocID(), ExpiresAt: time.Now().Add(time.Hour)}},
		SnapshotEpoch: 42,
	}
	if err := Write(path, snap); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(got.Collections) != 1 || got.Collections[0].Name != "users" {
		t.Errorf("Collections = %+v", got.Collections)
	}
	if got.SnapshotEpoch != 42 {
		t.Errorf("SnapshotEpoch = %d, want 42", got.SnapshotEpoch)
	}
}

func TestReadRejectsBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.db")
	if err := writeRaw(path, []byte("XXXX\x01\x00\x00\x00")); err != nil {
		t.Fatalf("writeRaw: %v", err)
	}
	if _, err := Read(path); err != dberrors.ErrInvalidSnapshotMagic {
		t.Errorf("Read returned %v, want ErrInvalidSnapshotMagic", err)
	}
}

func TestReadRejectsFutureVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "future.db")
	if err := writeRaw(path, []byte("NXL1\xff\x00\x00\x00")); err != nil {
		t.Fatalf("writeRaw: %v", err)
	}
	if _, err := Read(path); err != dberrors.ErrUnsupportedSnapshotVersion {
		t.Errorf("Read returned %v, want ErrUnsupportedSnapshotVersion", err)
	}
}

func writeRaw(path string, data []byte) error {
	return os.WriteFile(path, data, 0o644)
}
