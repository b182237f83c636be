package wasp

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/panjf2000/ants/v2"

	"github.com/kartikbazzad/nexusdb/internal/config"
	"github.com/kartikbazzad/nexusdb/internal/dberrors"
	"github.com/kartikbazzad/nexusdb/internal/logger"
	"github.com/kartikbazzad/nexusdb/internal/types"
)

// OpRecord is one write operation in a commit batch: Put or Delete a key.
// A Commit batch is applied atomically to the tree and covered by exactly
// one WAL record, satisfying "single-batch atomic commit" without any
// multi-document transaction machinery.
type OpRecord struct {
	Delete bool
	Key    []byte
	Value  []byte
}

type CommitID uint64

// Engine ties together the page file, tiny WAL, double-buffered manifest,
// CoW tree and segment compactor into the WASP storage contract described
// by the external collection layer: Commit, Get, Scan, Checkpoint, Verify.
type Engine struct {
	path     string
	pageSize uint32

	file *os.File
	wal  *GroupCommit
	walFile *os.File
	manifest *ManifestStore
	tree     *CowTree
	compactor *Compactor
	pool      *ants.Pool

	classifier *dberrors.Classifier
	retry      *dberrors.RetryController
	logger     *logger.Logger

	mu        sync.Mutex // serializes Commit; single-writer model
	nextTxnID uint64      // atomic
	epoch     uint64      // atomic, bumped per commit

	readOnly int32 // atomic bool: set when both manifest slots are unrecoverable

	bytesSinceCheckpoint uint64 // atomic, reset by Checkpoint; drives the byte-threshold half of checkpoint_interval

	segmentTargetBytes uint64 // size target for sealing the tree into a new segment; 0 disables sealing
	treeBytes          uint64 // atomic, bytes committed to the tree since the last seal
}

// BytesSinceCheckpoint reports payload bytes committed since the last
// Checkpoint call, the byte-threshold half of the checkpoint_interval knob.
func (e *Engine) BytesSinceCheckpoint() uint64 {
	return atomic.LoadUint64(&e.bytesSinceCheckpoint)
}

// Open opens (or creates) the .wasp file at path and its sibling WAL file,
// recovering the manifest and replaying any WAL tail not yet reflected in
// it.
func Open(path string, cfg config.WaspConfig, pool *ants.Pool, log *logger.Logger) (*Engine, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open wasp file: %w", err)
	}
	walPath := path + ".wal"
	wf, err := os.OpenFile(walPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open wal file: %w", err)
	}

	ms := NewManifestStore(f, cfg.PageSize)
	manifest, loadErr := ms.Load()
	if st, statErr := f.Stat(); statErr == nil && st.Size() == 0 {
		// A brand-new, empty .wasp file has no manifest yet: that is a
		// fresh database, not the loss of both manifest slots.
		manifest, loadErr = Manifest{}, nil
	}

	e := &Engine{
		path: path, pageSize: cfg.PageSize,
		file: f, walFile: wf, manifest: ms, pool: pool,
		classifier: dberrors.NewClassifier(),
		retry:      dberrors.NewRetryController(),
		logger:     log,
		segmentTargetBytes: cfg.SegmentTargetBytes,
	}

	if loadErr != nil {
		// Both manifest slots invalid: fall back to WAL-only recovery
		// rather than refusing to open. If the WAL is also empty, start
		// from an empty tree in read-only state: every Commit then returns
		// ErrReadOnly for the life of this Engine.
		log.Warn("wasp: manifest unreadable for %s, attempting WAL-only recovery: %v", path, loadErr)
		manifest = Manifest{}
	}

	alloc := NewBlockAllocator(manifest.RootPage)
	e.tree = NewCowTree(f, cfg.PageSize, manifest.RootPage, alloc)
	e.tree.SetCopyVerify(cfg.CopyVerify)
	e.epoch = manifest.Epoch
	e.nextTxnID = manifest.WalLSN

	walBuf, err := os.ReadFile(walPath)
	if err == nil && len(walBuf) > 0 {
		records := DecodeWalStream(walBuf)
		var tail []WalRecord
		for _, r := range records {
			if r.TxnID > manifest.WalLSN {
				tail = append(tail, r)
			}
		}
		if len(tail) > 0 {
			log.Info("wasp: replaying %d WAL record(s) ahead of manifest for %s", len(tail), path)
			e.tree.RecoverFromWAL(tail)
			e.nextTxnID = tail[len(tail)-1].TxnID
			e.epoch = tail[len(tail)-1].Epoch
		}
	}

	e.wal = NewGroupCommit(wf, &cfg.Fsync, log)
	e.wal.Start()

	e.compactor = NewCompactor(filepath.Dir(path), cfg.CompactionLevelFanout, pool, log, 1)

	if loadErr != nil && len(walBuf) == 0 {
		atomic.StoreInt32(&e.readOnly, 1)
	}

	return e, nil
}

func (e *Engine) ReadOnly() bool { return atomic.LoadInt32(&e.readOnly) == 1 }

// Commit applies a batch of Put/Delete ops to the tree, writes one WAL
// record covering every touched page, then flips the manifest to the new
// root. WAL append happens before the manifest flip: if the process dies
// between the two, recovery replays the WAL tail and reaches the same
// state Commit was about to publish.
func (e *Engine) Commit(batch []OpRecord) (CommitID, error) {
	if e.ReadOnly() {
		return 0, dberrors.ErrReadOnly
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	txnID := atomic.AddUint64(&e.nextTxnID, 1)
	newEpoch := atomic.AddUint64(&e.epoch, 1)

	var touched []uint64
	var newRoot uint64
	var committedBytes uint64
	for _, op := range batch {
		committedBytes += uint64(len(op.Value))
		if op.Delete {
			// Tombstone: encode as an empty-value Put. Get and Scan read a
			// zero-length value back as "not found", so it serves as the
			// delete marker without a separate kind; compaction keeps only
			// the newest write of each key.
			root, ids, err := e.tree.Insert(op.Key, nil, newEpoch)
			if err != nil {
				return 0, err
			}
			newRoot, touched = root, append(touched, ids...)
			continue
		}
		root, ids, err := e.tree.Insert(op.Key, op.Value, newEpoch)
		if err != nil {
			return 0, err
		}
		newRoot, touched = root, append(touched, ids...)
	}

	// The new pages reach disk before the WAL record that points at them.
	if err := e.file.Sync(); err != nil {
		return 0, err
	}
	rec := WalRecord{TxnID: txnID, NewRoot: newRoot, Epoch: newEpoch, TouchedPages: touched}
	if err := e.retry.Retry(func() error { return e.wal.Append(rec) }, e.classifier); err != nil {
		return 0, err
	}

	next := Manifest{RootPage: newRoot, WalLSN: txnID, Epoch: newEpoch, ActiveSegments: segmentIDs(e.compactor.Segments())}
	if err := e.retry.Retry(func() error { return e.manifest.Commit(next) }, e.classifier); err != nil {
		return 0, err
	}

	atomic.AddUint64(&e.bytesSinceCheckpoint, committedBytes)
	atomic.AddUint64(&e.treeBytes, committedBytes)
	return CommitID(txnID), nil
}

func segmentIDs(segs []*Segment) []uint64 {
	ids := make([]uint64, len(segs))
	for i, s := range segs {
		ids[i] = s.ID
	}
	return ids
}

// Get looks up key in the live tree, falling back to segments (newest
// first) if the tree has no entry — entries migrate from tree to segment
// during compaction/checkpoint, so both must be consulted.
func (e *Engine) Get(key []byte) ([]byte, bool, error) {
	v, ok, err := e.tree.Get(key)
	if err != nil {
		return nil, false, err
	}
	if ok {
		if len(v) == 0 {
			return nil, false, nil // tombstone
		}
		return v, true, nil
	}
	segs := e.compactor.Segments()
	for i := len(segs) - 1; i >= 0; i-- {
		v, ok, err := segs[i].Lookup(key)
		if err != nil {
			return nil, false, err
		}
		if ok {
			if len(v) == 0 {
				return nil, false, nil // tombstone
			}
			return v, true, nil
		}
	}
	return nil, false, nil
}

// Scan returns every live (non-tombstone) key/value pair whose key starts
// with prefix, merging the in-memory tree with on-disk segments and
// preferring the tree's value when a key appears in both (the tree always
// holds the newest writes for keys not yet migrated out by compaction).
func (e *Engine) Scan(prefix []byte) (map[string][]byte, error) {
	result := make(map[string][]byte)

	segs := e.compactor.Segments()
	for _, s := range segs {
		if segmentMayOverlapPrefix(s, prefix) {
			pairs, err := readAllSegmentPairs(s)
			if err != nil {
				return nil, err
			}
			for _, p := range pairs {
				if len(p.key) >= len(prefix) && string(p.key[:len(prefix)]) == string(prefix) {
					if len(p.value) == 0 {
						delete(result, string(p.key)) // tombstone
						continue
					}
					result[string(p.key)] = p.value
				}
			}
		}
	}

	pairs, err := e.tree.ScanPrefix(prefix)
	if err != nil {
		return nil, err
	}
	for _, p := range pairs {
		if len(p[1]) == 0 {
			delete(result, string(p[0])) // tombstone
			continue
		}
		result[string(p[0])] = p[1]
	}
	return result, nil
}

// KV is one key/value pair yielded by ScanRange.
type KV struct {
	Key   []byte
	Value []byte
}

// Range bounds a ScanRange pass within a prefix's keyspace. Start/End are
// suffixes applied after the prefix (so a collection's Scan can pass
// "" as both and get the whole collection); End empty means unbounded.
// Both bounds are inclusive-start, exclusive-end, in key order.
type Range struct {
	Start string
	End   string
}

// ScanRange is the ordered counterpart to Scan: it returns keys under
// prefix whose suffix falls within r, sorted ascending, as a restartable
// Iterator snapshot of the keys live at call time. Unlike Get/Scan it
// never re-touches storage once built, so a long-lived caller holding
// the iterator sees a consistent view even if writes land concurrently.
func (e *Engine) ScanRange(prefix []byte, r Range) (types.Iterator[KV], error) {
	all, err := e.Scan(prefix)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(all))
	for k := range all {
		suffix := k[len(prefix):]
		if suffix < r.Start {
			continue
		}
		if r.End != "" && suffix >= r.End {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	kvs := make([]KV, len(keys))
	for i, k := range keys {
		kvs[i] = KV{Key: []byte(k), Value: all[k]}
	}
	return types.NewSliceIterator(kvs), nil
}

func segmentMayOverlapPrefix(s *Segment, prefix []byte) bool {
	if s.LowKey == nil && s.HighKey == nil {
		return false
	}
	return string(s.LowKey) <= string(prefix)+"\xff" && string(s.HighKey) >= string(prefix)
}

// Checkpoint seals the tree into a new segment if it has grown past
// segment_target_bytes, runs compaction of any over-fanout segment set and
// waits for it, then resets the bytes-since-checkpoint counter. The
// manifest is written only when a seal happens, and the WAL file is not
// truncated.
func (e *Engine) Checkpoint() error {
	if err := e.sealColdRegion(); err != nil {
		return err
	}
	done := make(chan error, 1)
	e.compactor.MaybeCompact(func(err error) { done <- err })
	err := <-done
	atomic.StoreUint64(&e.bytesSinceCheckpoint, 0)
	return err
}

// sealColdRegion flushes the entire CoW tree into one new immutable
// segment once committed bytes since the last seal cross
// segment_target_bytes, then points the tree at an empty root. The new
// segment and root are made durable the same way Commit publishes a new
// root: a WAL record first, then the manifest flip, so a crash mid-seal
// replays back to either the pre-seal or post-seal state, never a mix.
func (e *Engine) sealColdRegion() error {
	if e.segmentTargetBytes == 0 || atomic.LoadUint64(&e.treeBytes) < e.segmentTargetBytes {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	entries, newRoot, err := e.tree.Seal()
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		atomic.StoreUint64(&e.treeBytes, 0)
		return nil
	}

	if _, err := e.compactor.Seal(entries); err != nil {
		return err
	}

	newEpoch := atomic.AddUint64(&e.epoch, 1)
	txnID := atomic.AddUint64(&e.nextTxnID, 1)
	rec := WalRecord{TxnID: txnID, NewRoot: newRoot, Epoch: newEpoch}
	if err := e.retry.Retry(func() error { return e.wal.Append(rec) }, e.classifier); err != nil {
		return err
	}
	next := Manifest{RootPage: newRoot, WalLSN: txnID, Epoch: newEpoch, ActiveSegments: segmentIDs(e.compactor.Segments())}
	if err := e.retry.Retry(func() error { return e.manifest.Commit(next) }, e.classifier); err != nil {
		return err
	}

	atomic.StoreUint64(&e.treeBytes, 0)
	return nil
}

// VerifyReport summarizes a consistency check pass (spec's verify()).
type VerifyReport struct {
	ManifestOK     bool
	SegmentsOK     int
	SegmentsBroken int
	ReadOnly       bool
}

// Verify re-reads the manifest and probes every segment's footer checksum,
// without touching page or WAL contents (a full scan is Scan's job).
func (e *Engine) Verify() (VerifyReport, error) {
	report := VerifyReport{ReadOnly: e.ReadOnly()}
	if _, err := e.manifest.Load(); err == nil {
		report.ManifestOK = true
	}
	for _, s := range e.compactor.Segments() {
		if _, err := OpenSegment(s.path, s.ID); err != nil {
			report.SegmentsBroken++
		} else {
			report.SegmentsOK++
		}
	}
	return report, nil
}

func (e *Engine) Close() error {
	e.wal.Stop()
	e.compactor.ReclaimRetired()
	werr := e.walFile.Close()
	ferr := e.file.Close()
	if ferr != nil {
		return ferr
	}
	return werr
}
