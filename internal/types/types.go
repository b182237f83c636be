// Package types holds the document model shared across the collection,
// snapshot and database layers: the public Document shape, its lifecycle
// metadata, and the stable DocID type.
package types

import (
	"time"

	"github.com/google/uuid"
)

// DocID is a document's stable identity, a UUIDv4 minted on Insert.
type DocID = uuid.UUID

func NewDocID() DocID { return uuid.New() }

func ParseDocID(s string) (DocID, error) { return uuid.Parse(s) }

// Document is the unit of storage: an opaque payload plus lifecycle
// metadata. Payload is left as raw bytes since the query/update DSL that
// would otherwise interpret its structure is out of scope here.
type Document struct {
	ID        DocID
	Payload   []byte
	CreatedAt time.Time
	UpdatedAt time.Time
	ExpiresAt time.Time // zero value: persistent, never expires
}

func (d Document) Ephemeral() bool { return !d.ExpiresAt.IsZero() }

// DocumentMeta is the lightweight record persisted in a .db snapshot's
// ephemeral list — enough to find a still-alive TTL document again at
// startup; its payload is read back from WASP to rebuild the cache entry.
type DocumentMeta struct {
	Collection string
	ID         DocID
	ExpiresAt  time.Time
}

// IndexDescriptor names a collection's declared index (the secondary-index
// manager itself is out of scope; this is just the catalog record a
// snapshot preserves across restarts).
type IndexDescriptor struct {
	Name   string
	Fields []string
}

// Iterator yields successive values of T until Next returns false.
type Iterator[T any] interface {
	Next() (T, bool)
	Close() error
}

type sliceIterator[T any] struct {
	items []T
	pos   int
}

func NewSliceIterator[T any](items []T) Iterator[T] {
	return &sliceIterator[T]{items: items}
}

func (it *sliceIterator[T]) Next() (T, bool) {
	var zero T
	if it.pos >= len(it.items) {
		return zero, false
	}
	v := it.items[it.pos]
	it.pos++
	return v, true
}

func (it *sliceIterator[T]) Close() error { return nil }
