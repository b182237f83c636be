package wasp

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"sort"

	"github.com/kartikbazzad/nexusdb/internal/dberrors"
)

// Segment is an immutable sorted run of (key, value) pairs produced by
// compaction, with a bloom filter and fence keys (first/last key) so a
// point lookup can skip segments that cannot possibly hold the key without
// reading their body.
type Segment struct {
	ID       uint64
	LowKey   []byte
	HighKey  []byte
	Bloom    *Bloom
	Count    int

	path string
}

type segmentEntry struct {
	key   []byte
	value []byte
}

// WriteSegment flushes sorted entries (caller guarantees sort order) to
// path as: magic(4) | count(u32) | [klen|key|vlen|val]* | bloom section |
// footer{lowLen|low|highLen|high|count(u32)|footerStart(u32)} | crc(u32).
// footerStart sits at a fixed offset from EOF (just before the crc), so the
// footer can be found without scanning the body.
func WriteSegment(path string, id uint64, entries []segmentEntry) (*Segment, error) {
	if !sort.SliceIsSorted(entries, func(i, j int) bool { return bytes.Compare(entries[i].key, entries[j].key) < 0 }) {
		return nil, fmt.Errorf("wasp: segment entries not sorted")
	}

	bloom := NewBloom(len(entries), 7)
	var body bytes.Buffer
	body.WriteString("SEG1")
	var countBuf [4]byte
	binary.LittleEndian.PutUint32(countBuf[:], uint32(len(entries)))
	body.Write(countBuf[:])
	for _, e := range entries {
		writeBytes(&body, e.key)
		writeBytes(&body, e.value)
		bloom.Add(e.key)
	}

	var low, high []byte
	if len(entries) > 0 {
		low = entries[0].key
		high = entries[len(entries)-1].key
	}

	// Bloom section: seed count, seeds, bit count, bits.
	var bloomSec bytes.Buffer
	binary.Write(&bloomSec, byteOrder, uint32(len(bloom.seeds)))
	for _, s := range bloom.seeds {
		binary.Write(&bloomSec, byteOrder, s)
	}
	binary.Write(&bloomSec, byteOrder, uint32(len(bloom.bits)))
	bloomSec.Write(bloom.bits)

	footerStart := body.Len() + bloomSec.Len()
	var footer bytes.Buffer
	writeBytes(&footer, low)
	writeBytes(&footer, high)
	binary.Write(&footer, byteOrder, uint32(len(entries)))
	binary.Write(&footer, byteOrder, uint32(footerStart))

	full := append(append(body.Bytes(), bloomSec.Bytes()...), footer.Bytes()...)
	crc := crc32.ChecksumIEEE(full)
	var crcBuf [4]byte
	byteOrder.PutUint32(crcBuf[:], crc)
	full = append(full, crcBuf[:]...)

	if err := os.WriteFile(path, full, 0o644); err != nil {
		return nil, err
	}

	return &Segment{ID: id, LowKey: low, HighKey: high, Bloom: bloom, Count: len(entries), path: path}, nil
}

// OpenSegment reads the footer and bloom filter of an existing segment file,
// verifying the trailing checksum. The bloom section starts right after the
// last entry, so the entries are walked (not kept) to find it.
func OpenSegment(path string, id uint64) (*Segment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) < 8 {
		return nil, dberrors.ErrCorruptSegment
	}
	storedCRC := byteOrder.Uint32(data[len(data)-4:])
	body := data[:len(data)-4]
	if crc32.ChecksumIEEE(body) != storedCRC {
		return nil, dberrors.ErrCorruptSegment
	}

	footerStart, count, low, high, err := parseSegmentFooter(body)
	if err != nil {
		return nil, err
	}

	r := bytes.NewReader(body[8:footerStart])
	for i := uint32(0); i < count; i++ {
		if _, err := readBytes(r); err != nil {
			return nil, dberrors.ErrCorruptSegment
		}
		if _, err := readBytes(r); err != nil {
			return nil, dberrors.ErrCorruptSegment
		}
	}
	bloomOff := footerStart - r.Len()
	seedCount := byteOrder.Uint32(body[bloomOff:])
	bloomOff += 4
	seeds := make([]uint64, seedCount)
	for i := range seeds {
		seeds[i] = byteOrder.Uint64(body[bloomOff:])
		bloomOff += 8
	}
	bitCount := byteOrder.Uint32(body[bloomOff:])
	bloomOff += 4
	bits := body[bloomOff : bloomOff+int(bitCount)]

	return &Segment{
		ID: id, LowKey: low, HighKey: high, Count: int(count),
		Bloom: BloomFromBytes(bits, seeds), path: path,
	}, nil
}

// parseSegmentFooter reads the trailer appended after the bloom section:
// [lowLen|low|highLen|high|count(4)|footerStart(4)]. footerStart is always
// the last 4 bytes of body, since WriteSegment appends the footer last.
func parseSegmentFooter(body []byte) (footerStart int, count uint32, low, high []byte, err error) {
	if len(body) < 8 {
		return 0, 0, nil, nil, dberrors.ErrCorruptSegment
	}
	fsOff := len(body) - 4
	fStart := int(byteOrder.Uint32(body[fsOff:]))
	if fStart < 0 || fStart > len(body) {
		return 0, 0, nil, nil, dberrors.ErrCorruptSegment
	}
	footerBuf := bytes.NewReader(body[fStart:])
	lowLen, err := binary.ReadUvarint(footerBuf)
	if err != nil {
		return 0, 0, nil, nil, dberrors.ErrCorruptSegment
	}
	lowB := make([]byte, lowLen)
	if lowLen > 0 {
		if _, err := footerBuf.Read(lowB); err != nil {
			return 0, 0, nil, nil, dberrors.ErrCorruptSegment
		}
	}
	highLen, err := binary.ReadUvarint(footerBuf)
	if err != nil {
		return 0, 0, nil, nil, dberrors.ErrCorruptSegment
	}
	highB := make([]byte, highLen)
	if highLen > 0 {
		if _, err := footerBuf.Read(highB); err != nil {
			return 0, 0, nil, nil, dberrors.ErrCorruptSegment
		}
	}
	var cnt, fStartEcho uint32
	if err := binary.Read(footerBuf, byteOrder, &cnt); err != nil {
		return 0, 0, nil, nil, dberrors.ErrCorruptSegment
	}
	if err := binary.Read(footerBuf, byteOrder, &fStartEcho); err != nil {
		return 0, 0, nil, nil, dberrors.ErrCorruptSegment
	}
	return fStart, cnt, lowB, highB, nil
}

// Lookup scans the segment body for key after a bloom pre-check, returning
// (value, true) on a hit. Segments are small enough post-compaction that a
// linear scan of the sorted body (after the bloom short-circuit) is simpler
// than maintaining a separate sparse index, matching the source's approach.
func (s *Segment) Lookup(key []byte) ([]byte, bool, error) {
	if s.Bloom != nil && !s.Bloom.MayContain(key) {
		return nil, false, nil
	}
	if bytes.Compare(key, s.LowKey) < 0 || bytes.Compare(key, s.HighKey) > 0 {
		return nil, false, nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, false, err
	}
	r := bytes.NewReader(data[8:]) // skip magic + count
	for i := 0; i < s.Count; i++ {
		k, err := readBytes(r)
		if err != nil {
			return nil, false, dberrors.ErrCorruptSegment
		}
		v, err := readBytes(r)
		if err != nil {
			return nil, false, dberrors.ErrCorruptSegment
		}
		if bytes.Equal(k, key) {
			return v, true, nil
		}
	}
	return nil, false, nil
}

func (s *Segment) Path() string { return s.path }

// readAllSegmentPairs loads every (key, value) pair from a segment's body,
// used only by compaction's merge pass.
func readAllSegmentPairs(s *Segment) ([]segmentEntry, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	r := bytes.NewReader(data[8:])
	out := make([]segmentEntry, 0, s.Count)
	for i := 0; i < s.Count; i++ {
		k, err := readBytes(r)
		if err != nil {
			return nil, dberrors.ErrCorruptSegment
		}
		v, err := readBytes(r)
		if err != nil {
			return nil, dberrors.ErrCorruptSegment
		}
		out = append(out, segmentEntry{key: k, value: v})
	}
	return out, nil
}

func sortEntries(entries []segmentEntry) {
	sort.Slice(entries, func(i, j int) bool { return bytes.Compare(entries[i].key, entries[j].key) < 0 })
}

func removeFile(path string) error { return os.Remove(path) }
