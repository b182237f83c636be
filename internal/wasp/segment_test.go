package wasp

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestSegmentWriteOpenLookup(t *testing.T) {
	dir := t.TempDir()
	entries := []segmentEntry{
		{key: []byte("a"), value: []byte("1")},
		{key: []byte("b"), value: []byte("2")},
		{key: []byte("c"), value: []byte("3")},
	}
	path := filepath.Join(dir, "seg-1.dat")
	seg, err := WriteSegment(path, 1, entries)
	if err != nil {
		t.Fatalf("WriteSegment: %v", err)
	}

	reopened, err := OpenSegment(path, 1)
	if err != nil {
		t.Fatalf("OpenSegment: %v", err)
	}
	if reopened.Count != seg.Count {
		t.Errorf("reopened count = %d, want %d", reopened.Count, seg.Count)
	}

	v, ok, err := reopened.Lookup([]byte("b"))
	if err != nil || !ok {
		t.Fatalf("Lookup(b) = %v, %v, %v", v, ok, err)
	}
	if !bytes.Equal(v, []byte("2")) {
		t.Errorf("Lookup(b) = %q, want %q", v, "2")
	}

	if _, ok, _ := reopened.Lookup([]byte("nope")); ok {
		t.Error("Lookup(nope) found a value, want none")
	}
}

func TestSegmentRejectsUnsortedEntries(t *testing.T) {
	dir := t.TempDir()
	entries := []segmentEntry{
		{key: []byte("b"), value: []byte("2")},
		{key: []byte("a"), value: []byte("1")},
	}
	if _, err := WriteSegment(filepath.Join(dir, "bad.dat"), 1, entries); err == nil {
		t.Fatal("expected error writing unsorted segment entries")
	}
}
