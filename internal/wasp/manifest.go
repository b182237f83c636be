package wasp

import (
	"hash/crc32"
	"os"

	"github.com/kartikbazzad/nexusdb/internal/dberrors"
)

// Manifest is the double-buffered root pointer: two fixed slots at the
// front of the .wasp file, each holding the tree root, active segment list,
// WAL replay position and epoch. Commit writes the inactive slot, fsyncs,
// then the slot with the higher SlotSeq and a valid checksum becomes live.
// Never mutate the live slot in place — that is exactly the torn-write
// hazard this design exists to avoid.
type Manifest struct {
	SlotSeq         uint64
	RootPage        uint64
	ActiveSegments  []uint64
	WalLSN          uint64
	Epoch           uint64
}

const manifestPayloadFixed = 8 + 8 + 8 + 8 // SlotSeq, RootPage, WalLSN, Epoch

// encode serializes the manifest into a pageSize buffer: fixed fields, then
// a u32 count of segment ids, then the ids, then a trailing CRC32 over
// everything before it. Zero-padded to pageSize.
func (m Manifest) encode(pageSize uint32) ([]byte, error) {
	need := manifestPayloadFixed + 4 + 8*len(m.ActiveSegments) + 4
	if need > int(pageSize) {
		return nil, dberrors.ErrCorruptManifest
	}
	buf := make([]byte, pageSize)
	off := 0
	byteOrder.PutUint64(buf[off:], m.SlotSeq)
	off += 8
	byteOrder.PutUint64(buf[off:], m.RootPage)
	off += 8
	byteOrder.PutUint64(buf[off:], m.WalLSN)
	off += 8
	byteOrder.PutUint64(buf[off:], m.Epoch)
	off += 8
	byteOrder.PutUint32(buf[off:], uint32(len(m.ActiveSegments)))
	off += 4
	for _, seg := range m.ActiveSegments {
		byteOrder.PutUint64(buf[off:], seg)
		off += 8
	}
	crc := crc32.ChecksumIEEE(buf[:off])
	byteOrder.PutUint32(buf[off:], crc)
	return buf, nil
}

func decodeManifest(buf []byte) (Manifest, error) {
	if len(buf) < manifestPayloadFixed+4 {
		return Manifest{}, dberrors.ErrCorruptManifest
	}
	off := 0
	slotSeq := byteOrder.Uint64(buf[off:])
	off += 8
	root := byteOrder.Uint64(buf[off:])
	off += 8
	walLSN := byteOrder.Uint64(buf[off:])
	off += 8
	epoch := byteOrder.Uint64(buf[off:])
	off += 8
	count := byteOrder.Uint32(buf[off:])
	off += 4
	if off+8*int(count)+4 > len(buf) {
		return Manifest{}, dberrors.ErrCorruptManifest
	}
	segs := make([]uint64, count)
	for i := range segs {
		segs[i] = byteOrder.Uint64(buf[off:])
		off += 8
	}
	storedCRC := byteOrder.Uint32(buf[off:])
	crc := crc32.ChecksumIEEE(buf[:off])
	if crc != storedCRC {
		return Manifest{}, dberrors.ErrCorruptManifest
	}
	return Manifest{SlotSeq: slotSeq, RootPage: root, ActiveSegments: segs, WalLSN: walLSN, Epoch: epoch}, nil
}

// ManifestStore reads and atomically commits the two manifest slots of an
// open .wasp file.
type ManifestStore struct {
	f        *os.File
	pageSize uint32
}

func NewManifestStore(f *os.File, pageSize uint32) *ManifestStore {
	return &ManifestStore{f: f, pageSize: pageSize}
}

func (s *ManifestStore) slotOffset(slot int) int64 {
	return int64(slot) * int64(s.pageSize)
}

// Load reads both slots and returns the live one: the valid slot with the
// higher SlotSeq. If both are invalid, returns dberrors.ErrCorruptManifest
// and the caller must fall back to read-only mode or WAL-only recovery.
func (s *ManifestStore) Load() (Manifest, error) {
	var candidates []Manifest
	for slot := 0; slot < manifestSlots; slot++ {
		buf := make([]byte, s.pageSize)
		if _, err := s.f.ReadAt(buf, s.slotOffset(slot)); err != nil {
			continue
		}
		m, err := decodeManifest(buf)
		if err != nil {
			continue
		}
		candidates = append(candidates, m)
	}
	if len(candidates) == 0 {
		return Manifest{}, dberrors.ErrCorruptManifest
	}
	live := candidates[0]
	for _, c := range candidates[1:] {
		if c.SlotSeq > live.SlotSeq {
			live = c
		}
	}
	return live, nil
}

// Commit writes next into whichever slot is NOT currently live, fsyncs, and
// returns. The flip from the reader's perspective is atomic: Load always
// picks the higher SlotSeq, so a crash between writing the inactive slot
// and fsync leaves the previously-live slot intact and valid.
func (s *ManifestStore) Commit(next Manifest) error {
	cur, err := s.Load()
	writeSlot := 0
	if err == nil {
		writeSlot = (slotOf(cur, s) + 1) % manifestSlots
	}
	next.SlotSeq = cur.SlotSeq + 1

	buf, err := next.encode(s.pageSize)
	if err != nil {
		return err
	}
	if _, err := s.f.WriteAt(buf, s.slotOffset(writeSlot)); err != nil {
		return err
	}
	return s.f.Sync()
}

// slotOf identifies which physical slot currently holds m by re-reading and
// comparing SlotSeq; used only by Commit to pick the inactive slot.
func slotOf(m Manifest, s *ManifestStore) int {
	for slot := 0; slot < manifestSlots; slot++ {
		buf := make([]byte, s.pageSize)
		if _, err := s.f.ReadAt(buf, s.slotOffset(slot)); err != nil {
			continue
		}
		got, err := decodeManifest(buf)
		if err == nil && got.SlotSeq == m.SlotSeq {
			return slot
		}
	}
	return 0
}
