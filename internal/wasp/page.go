// Package wasp implements the Write-Ahead Shadow Paging storage engine: a
// copy-on-write page tree, a double-buffered manifest with atomic flip, a
// tiny WAL for group-committed transactions, and immutable sorted segments
// with bloom filters produced by background compaction.
package wasp

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/kartikbazzad/nexusdb/internal/dberrors"
)

// The first two page slots are reserved for the double-buffered manifest
// (slot A at offset 0, slot B at offset PageSize). All tree/data pages start
// at page id 1, mapped to file offset 2*PageSize + (id-1)*PageSize.
const manifestSlots = 2

var byteOrder = binary.LittleEndian

// PageHeader prefixes every on-disk page.
type PageHeader struct {
	PageID   uint64
	Kind     PageKind
	Epoch    uint64 // epoch this page version was written under
	Length   uint32 // bytes of payload following the header
	Checksum uint32 // CRC32 over PageID+Kind+Epoch+Length+payload
}

type PageKind uint8

const (
	PageKindLeaf PageKind = iota
	PageKindInternal
	PageKindFree
)

const pageHeaderSize = 8 + 1 + 8 + 4 + 4

// Page is a decoded page: header plus raw payload bytes (a leaf/internal
// node is encoded into Payload by the tree layer, keeping this type
// agnostic of node structure).
type Page struct {
	Header  PageHeader
	Payload []byte
}

// Offset returns the absolute file offset of page id, honoring the two
// reserved manifest slots at the front of the file.
func Offset(pageID uint64, pageSize uint32) int64 {
	return int64(manifestSlots)*int64(pageSize) + int64(pageID-1)*int64(pageSize)
}

// Encode serializes a page into a pageSize-aligned buffer, zero-padding the
// remainder and computing the checksum over header fields (minus the
// checksum itself) and payload.
func Encode(p Page, pageSize uint32) ([]byte, error) {
	if pageHeaderSize+len(p.Payload) > int(pageSize) {
		return nil, dberrors.NewCorruptPage(p.Header.PageID)
	}
	buf := make([]byte, pageSize)
	byteOrder.PutUint64(buf[0:8], p.Header.PageID)
	buf[8] = byte(p.Header.Kind)
	byteOrder.PutUint64(buf[9:17], p.Header.Epoch)
	byteOrder.PutUint32(buf[17:21], uint32(len(p.Payload)))
	copy(buf[pageHeaderSize:], p.Payload)

	crc := crc32.ChecksumIEEE(buf[:8+1+8+4])
	crc = crc32.Update(crc, crc32.IEEETable, p.Payload)
	byteOrder.PutUint32(buf[21:25], crc)
	return buf, nil
}

// Decode parses a pageSize-aligned buffer back into a Page, verifying the
// checksum. A mismatch returns dberrors.ErrCorruptPage wrapped with the
// page id recorded in the header (or 0 if the header itself is unreadable).
func Decode(buf []byte) (Page, error) {
	if len(buf) < pageHeaderSize {
		return Page{}, dberrors.NewCorruptPage(0)
	}
	pageID := byteOrder.Uint64(buf[0:8])
	kind := PageKind(buf[8])
	epoch := byteOrder.Uint64(buf[9:17])
	length := byteOrder.Uint32(buf[17:21])
	storedCRC := byteOrder.Uint32(buf[21:25])

	if pageHeaderSize+int(length) > len(buf) {
		return Page{}, dberrors.NewCorruptPage(pageID)
	}
	payload := buf[pageHeaderSize : pageHeaderSize+int(length)]

	crc := crc32.ChecksumIEEE(buf[:8+1+8+4])
	crc = crc32.Update(crc, crc32.IEEETable, payload)
	if crc != storedCRC {
		return Page{}, dberrors.NewCorruptPage(pageID)
	}

	out := make([]byte, length)
	copy(out, payload)
	return Page{
		Header: PageHeader{
			PageID: pageID, Kind: kind, Epoch: epoch,
			Length: length, Checksum: storedCRC,
		},
		Payload: out,
	}, nil
}
