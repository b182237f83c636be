package wasp

import (
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/panjf2000/ants/v2"

	"github.com/kartikbazzad/nexusdb/internal/logger"
)

// Compactor merges immutable segments in the background: select candidate
// segments, merge their sorted runs into one new segment, and swap it into
// the in-memory segment list in place of the old ones (the manifest picks
// up the new list at the next commit or seal). The old segment files are
// deleted only at Close; nothing tracks reader epochs. Passes are
// dispatched through an ants goroutine pool instead of spawning unbounded
// goroutines.
type Compactor struct {
	mu       sync.Mutex
	dir      string
	fanout   int
	pool     *ants.Pool
	logger   *logger.Logger
	nextSegID uint64 // atomic

	segments []*Segment
	epoch    uint64 // atomic, bumped on every successful compaction

	retired []*Segment // superseded by a merge, held until Close (see Reclaim)

	compacting int32 // atomic: 1 while a Compact pass is running
}

func NewCompactor(dir string, fanout int, pool *ants.Pool, log *logger.Logger, startSegID uint64) *Compactor {
	return &Compactor{dir: dir, fanout: fanout, pool: pool, logger: log, nextSegID: startSegID}
}

func (c *Compactor) Segments() []*Segment {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Segment, len(c.segments))
	copy(out, c.segments)
	return out
}

func (c *Compactor) AddSegment(s *Segment) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.segments = append(c.segments, s)
}

func (c *Compactor) Epoch() uint64 { return atomic.LoadUint64(&c.epoch) }

// Seal writes already-sorted entries out as a brand-new segment and adds it
// to the active set. Used to flush a cold tree region into a segment during
// checkpoint, as opposed to Compact's merging of segments that already
// exist.
func (c *Compactor) Seal(entries []segmentEntry) (*Segment, error) {
	id := atomic.AddUint64(&c.nextSegID, 1)
	seg, err := WriteSegment(filepath.Join(c.dir, fmt.Sprintf("seg-%d.dat", id)), id, entries)
	if err != nil {
		return nil, err
	}
	c.AddSegment(seg)
	return seg, nil
}

// MaybeCompact submits a compaction pass to the pool if the segment count
// exceeds the configured fanout. It is idempotent: concurrent calls collapse
// onto whichever single pass is already running, since Compact returns at
// once while another pass holds its running flag.
func (c *Compactor) MaybeCompact(done func(error)) {
	c.mu.Lock()
	shouldRun := len(c.segments) > c.fanout
	c.mu.Unlock()
	if !shouldRun {
		if done != nil {
			done(nil)
		}
		return
	}
	err := c.pool.Submit(func() {
		err := c.Compact()
		if done != nil {
			done(err)
		}
	})
	if err != nil && done != nil {
		done(err)
	}
}

// Compact merges the oldest c.fanout segments into one new segment and
// atomically replaces them in the in-memory segment list. The superseded
// segment files stay on disk, queued in c.retired, until Reclaim runs them
// at Close — a concurrent Get/Scan may still be mid-read against one of
// their file handles, and nothing here tracks a reader-epoch floor to
// prove otherwise, so deleting immediately would be a race.
func (c *Compactor) Compact() error {
	if !atomic.CompareAndSwapInt32(&c.compacting, 0, 1) {
		return nil // another pass is already running
	}
	defer atomic.StoreInt32(&c.compacting, 0)
	c.mu.Lock()
	if len(c.segments) <= c.fanout {
		c.mu.Unlock()
		return nil
	}
	victims := append([]*Segment{}, c.segments[:c.fanout]...)
	remaining := append([]*Segment{}, c.segments[c.fanout:]...)
	c.mu.Unlock()

	id := atomic.AddUint64(&c.nextSegID, 1)
	merged, err := mergeSegments(victims, filepath.Join(c.dir, fmt.Sprintf("seg-%d.dat", id)), id)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.segments = append([]*Segment{merged}, remaining...)
	c.retired = append(c.retired, victims...)
	c.mu.Unlock()
	atomic.AddUint64(&c.epoch, 1)
	if c.logger != nil {
		c.logger.Info("wasp: compacted %d segments into %s (%d entries)", len(victims), merged.path, merged.Count)
	}
	return nil
}

// mergeSegments performs a k-way merge of already-sorted segments, keeping
// only the newest value when the same key appears in more than one
// (victims are passed oldest-first, so later segments shadow earlier ones).
func mergeSegments(victims []*Segment, outPath string, id uint64) (*Segment, error) {
	latest := map[string][]byte{}
	order := map[string]int{}
	for idx, seg := range victims {
		data, err := readSegmentEntries(seg)
		if err != nil {
			return nil, err
		}
		for _, e := range data {
			k := string(e.key)
			if prevIdx, ok := order[k]; !ok || idx >= prevIdx {
				latest[k] = e.value
				order[k] = idx
			}
		}
	}
	entries := make([]segmentEntry, 0, len(latest))
	for k, v := range latest {
		entries = append(entries, segmentEntry{key: []byte(k), value: v})
	}
	sortEntries(entries)
	return WriteSegment(outPath, id, entries)
}

func readSegmentEntries(s *Segment) ([]segmentEntry, error) {
	out := make([]segmentEntry, 0, s.Count)
	// Re-derive entries via point scan is wasteful for large segments but
	// matches the simplicity of the reference implementation's merge
	// pass; a streaming reader would replace this under real load.
	data, err := readAllSegmentPairs(s)
	if err != nil {
		return nil, err
	}
	out = append(out, data...)
	return out, nil
}

// Reclaim deletes segment files queued by Compact as superseded. Safe to
// call once no reader can still be scanning them, which in this
// single-process embedded model means at engine Close, after every
// caller-held Get/Scan has already returned.
func (c *Compactor) Reclaim(retired []*Segment) {
	for _, s := range retired {
		_ = removeFile(s.path)
	}
}

// ReclaimRetired deletes every segment file queued by past Compact calls
// and clears the queue. Called from Engine.Close.
func (c *Compactor) ReclaimRetired() {
	c.mu.Lock()
	retired := c.retired
	c.retired = nil
	c.mu.Unlock()
	c.Reclaim(retired)
}
