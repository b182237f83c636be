// Package snapshot reads and writes the {stem}.db file: a tiny magic-
// prefixed header followed by a gob-encoded DbSnapshot payload describing a
// database's collection catalog and ephemeral document index at the moment
// it was last closed or checkpointed.
package snapshot

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"

	"github.com/kartikbazzad/nexusdb/internal/dberrors"
	"github.com/kartikbazzad/nexusdb/internal/types"
)

const (
	magic          = "NXL1"
	currentVersion = uint32(1)
)

// CollectionEntry is one collection's catalog record inside a snapshot.
type CollectionEntry struct {
	Name    string
	Indexes []types.IndexDescriptor
}

// DbSnapshot is the full payload of a .db file.
type DbSnapshot struct {
	Collections    []CollectionEntry
	Ephemeral      []types.DocumentMeta
	SnapshotEpoch  uint64
}

// Write encodes snapshot and writes it to path as: "NXL1" | version(u32 LE)
// | gob(DbSnapshot). The file is written to a temp path and renamed into
// place so a crash mid-write never leaves a torn .db file behind.
func Write(path string, snap DbSnapshot) error {
	var payload bytes.Buffer
	if err := gob.NewEncoder(&payload).Encode(snap); err != nil {
		return fmt.Errorf("snapshot: encode: %w", err)
	}

	var out bytes.Buffer
	out.WriteString(magic)
	var verBuf [4]byte
	putUint32LE(verBuf[:], currentVersion)
	out.Write(verBuf[:])
	out.Write(payload.Bytes())

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, out.Bytes(), 0o644); err != nil {
		return fmt.Errorf("snapshot: write temp file: %w", err)
	}
	return os.Rename(tmp, path)
}

// Read parses a .db file. Per the version policy: version == current reads
// and applies the payload; version < current is read as-is and will be
// upgraded to current on the next Write; version > current returns
// dberrors.ErrUnsupportedSnapshotVersion, a non-fatal condition the caller
// should handle by falling back to WAL-only recovery instead of refusing
// to open the database.
func Read(path string) (DbSnapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return DbSnapshot{}, err
	}
	if len(data) < 8 || string(data[:4]) != magic {
		return DbSnapshot{}, dberrors.ErrInvalidSnapshotMagic
	}
	version := getUint32LE(data[4:8])
	if version > currentVersion {
		return DbSnapshot{}, dberrors.ErrUnsupportedSnapshotVersion
	}

	var snap DbSnapshot
	if err := gob.NewDecoder(bytes.NewReader(data[8:])).Decode(&snap); err != nil {
		return DbSnapshot{}, fmt.Errorf("snapshot: decode: %w", err)
	}
	return snap, nil
}

func putUint32LE(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func getUint32LE(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
