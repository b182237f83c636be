package wasp

import (
	"fmt"
	"hash/crc32"
	"sync"
	"time"

	"github.com/kartikbazzad/nexusdb/internal/config"
	"github.com/kartikbazzad/nexusdb/internal/dberrors"
	"github.com/kartikbazzad/nexusdb/internal/logger"
)

// WalRecord is the tiny WAL's only record shape: one committed transaction's
// new root and the pages it touched. Replaying a record means "the tree
// root became NewRoot at Epoch, and TouchedPages are the pages that version
// introduced or modified" — enough to detect a torn tail without needing
// full redo logging, since the pages themselves are already durable copies
// written before the WAL record (shadow paging writes data before it writes
// the pointer to it).
type WalRecord struct {
	TxnID         uint64
	NewRoot       uint64
	Epoch         uint64
	TouchedPages  []uint64
}

// encode frames a record as: len(u32) | txn_id(u64) | new_root(u64) |
// epoch(u64) | n(u32) | page_ids[n](u64) | crc32(u32). len covers everything
// from txn_id through the page ids (not itself, not the trailing crc).
func (r WalRecord) encode() []byte {
	body := 8 + 8 + 8 + 4 + 8*len(r.TouchedPages)
	buf := make([]byte, 4+body+4)
	byteOrder.PutUint32(buf[0:4], uint32(body))
	off := 4
	byteOrder.PutUint64(buf[off:], r.TxnID)
	off += 8
	byteOrder.PutUint64(buf[off:], r.NewRoot)
	off += 8
	byteOrder.PutUint64(buf[off:], r.Epoch)
	off += 8
	byteOrder.PutUint32(buf[off:], uint32(len(r.TouchedPages)))
	off += 4
	for _, p := range r.TouchedPages {
		byteOrder.PutUint64(buf[off:], p)
		off += 8
	}
	crc := crc32.ChecksumIEEE(buf[4 : 4+body])
	byteOrder.PutUint32(buf[4+body:], crc)
	return buf
}

// decodeWalRecord reads one framed record starting at buf[0], returning the
// record and the number of bytes consumed. A truncated or checksum-invalid
// tail (the expected shape of a crash mid-write) returns
// dberrors.ErrCorruptWalRecord so the replay loop can stop cleanly instead
// of misinterpreting garbage as a valid transaction.
func decodeWalRecord(buf []byte) (WalRecord, int, error) {
	if len(buf) < 4 {
		return WalRecord{}, 0, dberrors.ErrCorruptWalRecord
	}
	body := int(byteOrder.Uint32(buf[0:4]))
	total := 4 + body + 4
	if body < 28 || total > len(buf) {
		return WalRecord{}, 0, dberrors.ErrCorruptWalRecord
	}
	off := 4
	txnID := byteOrder.Uint64(buf[off:])
	off += 8
	newRoot := byteOrder.Uint64(buf[off:])
	off += 8
	epoch := byteOrder.Uint64(buf[off:])
	off += 8
	n := byteOrder.Uint32(buf[off:])
	off += 4
	if off+8*int(n) != 4+body {
		return WalRecord{}, 0, dberrors.ErrCorruptWalRecord
	}
	pages := make([]uint64, n)
	for i := range pages {
		pages[i] = byteOrder.Uint64(buf[off:])
		off += 8
	}
	storedCRC := byteOrder.Uint32(buf[4+body:])
	crc := crc32.ChecksumIEEE(buf[4 : 4+body])
	if crc != storedCRC {
		return WalRecord{}, 0, dberrors.ErrCorruptWalRecord
	}
	return WalRecord{TxnID: txnID, NewRoot: newRoot, Epoch: epoch, TouchedPages: pages}, total, nil
}

// DecodeWalStream replays every well-formed record in buf in order,
// stopping silently at the first corrupt or truncated record — that tail is
// exactly what a crash mid-append looks like, and the records before it are
// still a valid, durable prefix.
func DecodeWalStream(buf []byte) []WalRecord {
	var out []WalRecord
	off := 0
	for off < len(buf) {
		rec, n, err := decodeWalRecord(buf[off:])
		if err != nil {
			break
		}
		out = append(out, rec)
		off += n
	}
	return out
}

// FileHandle abstracts the file operations GroupCommit needs, so tests can
// substitute an in-memory stand-in.
type FileHandle interface {
	Write(p []byte) (int, error)
	Sync() error
}

// pendingWrite pairs a framed record with the channel its caller is
// blocked on, so GroupCommit can report exactly when that record's fsync
// completed rather than some later unrelated one.
type pendingWrite struct {
	frame []byte
	done  chan error
}

// GroupCommit batches WAL record writes and performs a single fsync per
// batch, flushing on a fixed time window or once the batch fills, whichever
// comes first.
type GroupCommit struct {
	mu     sync.Mutex
	file   FileHandle
	cfg    *config.FsyncConfig
	logger *logger.Logger

	buffer []pendingWrite

	flushTimer *time.Timer
	stopCh     chan struct{}
	wg         sync.WaitGroup
}

func NewGroupCommit(file FileHandle, cfg *config.FsyncConfig, log *logger.Logger) *GroupCommit {
	return &GroupCommit{
		file:       file,
		cfg:        cfg,
		logger:     log,
		buffer:     make([]pendingWrite, 0, cfg.MaxBatchSize),
		flushTimer: time.NewTimer(time.Duration(cfg.IntervalMS) * time.Millisecond),
		stopCh:     make(chan struct{}),
	}
}

func (gc *GroupCommit) Start() {
	gc.wg.Add(1)
	go gc.flushLoop()
}

func (gc *GroupCommit) Stop() {
	close(gc.stopCh)
	gc.flushTimer.Stop()
	gc.wg.Wait()

	gc.mu.Lock()
	gc.flushUnsafe()
	gc.mu.Unlock()
}

// Append queues rec for the next flush and blocks until it has been
// written and fsynced (or the batch's flush failed).
func (gc *GroupCommit) Append(rec WalRecord) error {
	frame := rec.encode()

	switch gc.cfg.Mode {
	case config.FsyncAlways:
		gc.mu.Lock()
		defer gc.mu.Unlock()
		if _, err := gc.file.Write(frame); err != nil {
			return err
		}
		return gc.file.Sync()

	case config.FsyncNone:
		gc.mu.Lock()
		defer gc.mu.Unlock()
		_, err := gc.file.Write(frame)
		return err

	case config.FsyncGroup, config.FsyncInterval:
		done := make(chan error, 1)
		gc.mu.Lock()
		gc.buffer = append(gc.buffer, pendingWrite{frame: frame, done: done})
		shouldFlush := gc.cfg.Mode == config.FsyncGroup && len(gc.buffer) >= gc.cfg.MaxBatchSize
		gc.mu.Unlock()
		if shouldFlush {
			gc.flushTimer.Reset(0)
		}
		return <-done

	default:
		return fmt.Errorf("wasp: unknown fsync mode %d", gc.cfg.Mode)
	}
}

func (gc *GroupCommit) flushLoop() {
	defer gc.wg.Done()
	for {
		select {
		case <-gc.stopCh:
			return
		case <-gc.flushTimer.C:
			gc.mu.Lock()
			gc.flushUnsafe()
			gc.mu.Unlock()
			gc.flushTimer.Reset(time.Duration(gc.cfg.IntervalMS) * time.Millisecond)
		}
	}
}

// flushUnsafe must be called with gc.mu held.
func (gc *GroupCommit) flushUnsafe() {
	if len(gc.buffer) == 0 {
		return
	}
	var writeErr error
	for _, pw := range gc.buffer {
		if _, err := gc.file.Write(pw.frame); err != nil {
			writeErr = err
			break
		}
	}
	if writeErr == nil {
		writeErr = gc.file.Sync()
	}
	for _, pw := range gc.buffer {
		pw.done <- writeErr
	}
	gc.buffer = gc.buffer[:0]
	if gc.logger != nil && writeErr != nil {
		gc.logger.Error("wasp: group commit flush failed: %v", writeErr)
	}
}
