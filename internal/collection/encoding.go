package collection

import (
	"encoding/binary"
	"fmt"
	"time"
)

func appendUvarint(buf []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(buf, tmp[:n]...)
}

func readUvarint(buf []byte) (uint64, []byte, error) {
	v, n := binary.Uvarint(buf)
	if n <= 0 {
		return 0, nil, fmt.Errorf("invalid varint")
	}
	return v, buf[n:], nil
}

// appendTime encodes a time.Time as its UnixNano varint; a zero time
// encodes as 0, matching time.Time{}.IsZero() round-tripping correctly
// since real timestamps in this engine are never exactly the Unix epoch.
func appendTime(buf []byte, t time.Time) []byte {
	if t.IsZero() {
		return appendUvarint(buf, 0)
	}
	return appendUvarint(buf, uint64(t.UnixNano()))
}

func readTime(buf []byte) (time.Time, []byte, error) {
	v, rest, err := readUvarint(buf)
	if err != nil {
		return time.Time{}, nil, err
	}
	if v == 0 {
		return time.Time{}, rest, nil
	}
	return time.Unix(0, int64(v)), rest, nil
}
