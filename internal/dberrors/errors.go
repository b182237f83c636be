// Package dberrors defines the stable error taxonomy shared by every layer
// of the engine: corruption, format, io, semantic, concurrency and integrity
// kinds, plus a classifier and retry controller for the transient-IO cases.
package dberrors

import (
	"errors"
	"fmt"
)

// Corruption errors. All carry enough context (page id, offset, collection)
// to diagnose without leaking document payloads.
var (
	ErrCorruptPage      = errors.New("corrupt page: checksum mismatch")
	ErrCorruptWalRecord = errors.New("corrupt WAL record: invalid length or checksum")
	ErrCorruptManifest  = errors.New("corrupt manifest: both slots invalid")
	ErrCorruptSegment   = errors.New("corrupt segment: footer or checksum invalid")
	ErrChecksumMismatch = errors.New("checksum mismatch")
)

// Format errors, surfaced while reading the .db snapshot header.
var (
	ErrInvalidSnapshotMagic       = errors.New("invalid snapshot magic")
	ErrUnsupportedSnapshotVersion = errors.New("unsupported snapshot version")
)

// Semantic errors, one per collection/document rule violation.
var (
	ErrNoSuchCollection  = errors.New("no such collection")
	ErrNoSuchDocument    = errors.New("no such document")
	ErrCollectionExists  = errors.New("collection already exists")
	ErrTtlOnPersistent   = errors.New("ttl may only be set on ephemeral documents")
	ErrCapacityExceeded  = errors.New("capacity exceeded")
	ErrCollectionNotEmpty = errors.New("collection is not empty")
)

// Concurrency errors.
var (
	ErrCancelled     = errors.New("operation cancelled")
	ErrTimeout       = errors.New("operation timed out")
	ErrWriteBlocked  = errors.New("write blocked: index build in progress")
)

// Fatal engine state.
var ErrReadOnly = errors.New("engine is in read-only mode: both manifest slots invalid")

// PageError wraps ErrCorruptPage with the offending page id.
type PageError struct {
	PageID uint64
	Err    error
}

func (e *PageError) Error() string { return fmt.Sprintf("page %d: %v", e.PageID, e.Err) }
func (e *PageError) Unwrap() error { return e.Err }

// NewCorruptPage returns a PageError wrapping ErrCorruptPage for the given page id.
func NewCorruptPage(pageID uint64) error {
	return &PageError{PageID: pageID, Err: ErrCorruptPage}
}

// DocError wraps a semantic error with collection/doc-id context.
type DocError struct {
	Collection string
	DocID      string
	Err        error
}

func (e *DocError) Error() string {
	if e.DocID == "" {
		return fmt.Sprintf("collection %q: %v", e.Collection, e.Err)
	}
	return fmt.Sprintf("collection %q doc %q: %v", e.Collection, e.DocID, e.Err)
}
func (e *DocError) Unwrap() error { return e.Err }
