package wasp

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/kartikbazzad/nexusdb/internal/dberrors"
)

// Node is the decoded form of a tree page payload: a leaf holds sorted
// (key, value) pairs; an internal node holds sorted keys and child page
// ids, one more child than key (the classic B+tree fan-out).
type Node struct {
	Leaf     bool
	Keys     [][]byte
	Values   [][]byte // leaf only
	Children []uint64 // internal only, len(Children) == len(Keys)+1
}

func encodeNode(n Node) []byte {
	var buf bytes.Buffer
	if n.Leaf {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	writeUvarint(&buf, uint64(len(n.Keys)))
	for i, k := range n.Keys {
		writeBytes(&buf, k)
		if n.Leaf {
			writeBytes(&buf, n.Values[i])
		}
	}
	if !n.Leaf {
		for _, c := range n.Children {
			writeUvarint(&buf, c)
		}
	}
	return buf.Bytes()
}

func decodeNode(b []byte) (Node, error) {
	if len(b) < 1 {
		return Node{}, dberrors.ErrCorruptPage
	}
	r := bytes.NewReader(b[1:])
	leaf := b[0] == 1
	count, err := binary.ReadUvarint(r)
	if err != nil {
		return Node{}, dberrors.ErrCorruptPage
	}
	n := Node{Leaf: leaf}
	for i := uint64(0); i < count; i++ {
		k, err := readBytes(r)
		if err != nil {
			return Node{}, dberrors.ErrCorruptPage
		}
		n.Keys = append(n.Keys, k)
		if leaf {
			v, err := readBytes(r)
			if err != nil {
				return Node{}, dberrors.ErrCorruptPage
			}
			n.Values = append(n.Values, v)
		}
	}
	if !leaf {
		for i := uint64(0); i < count+1; i++ {
			c, err := binary.ReadUvarint(r)
			if err != nil {
				return Node{}, dberrors.ErrCorruptPage
			}
			n.Children = append(n.Children, c)
		}
	}
	return n, nil
}

func writeUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	writeUvarint(buf, uint64(len(b)))
	buf.Write(b)
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	if _, err := r.Read(out); err != nil && n > 0 {
		return nil, err
	}
	return out, nil
}

// BlockAllocator hands out monotonically increasing page ids. Page ids are
// never reused: pages superseded by a copy-on-write update stay in the file
// and nothing reclaims them.
type BlockAllocator struct {
	next uint64 // atomic
}

func NewBlockAllocator(highestUsed uint64) *BlockAllocator {
	return &BlockAllocator{next: highestUsed}
}

func (a *BlockAllocator) Alloc() uint64 {
	return atomic.AddUint64(&a.next, 1)
}

// CowTree is the copy-on-write page tree: every mutation allocates new pages
// up the path to a new root, leaving the old version's pages intact in the
// file. Single-writer: callers serialize Insert externally (Engine's commit
// mutex).
type CowTree struct {
	mu    sync.RWMutex
	file  *os.File
	pageSize uint32
	alloc *BlockAllocator

	copyVerify bool // re-read every written page and compare, for power-unsafe devices

	root uint64 // 0 means empty tree
}

func NewCowTree(file *os.File, pageSize uint32, root uint64, alloc *BlockAllocator) *CowTree {
	return &CowTree{file: file, pageSize: pageSize, root: root, alloc: alloc}
}

// SetCopyVerify toggles the post-write page readback check.
func (t *CowTree) SetCopyVerify(on bool) { t.copyVerify = on }

func (t *CowTree) Root() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.root
}

func (t *CowTree) readPage(id uint64) (Node, error) {
	buf := make([]byte, t.pageSize)
	if _, err := t.file.ReadAt(buf, Offset(id, t.pageSize)); err != nil {
		return Node{}, err
	}
	p, err := Decode(buf)
	if err != nil {
		return Node{}, err
	}
	return decodeNode(p.Payload)
}

func (t *CowTree) writePage(id uint64, n Node, epoch uint64, kind PageKind) error {
	payload := encodeNode(n)
	buf, err := Encode(Page{Header: PageHeader{PageID: id, Kind: kind, Epoch: epoch}, Payload: payload}, t.pageSize)
	if err != nil {
		return err
	}
	if _, err := t.file.WriteAt(buf, Offset(id, t.pageSize)); err != nil {
		return err
	}
	if !t.copyVerify {
		return nil
	}
	readback := make([]byte, t.pageSize)
	if _, err := t.file.ReadAt(readback, Offset(id, t.pageSize)); err != nil {
		return fmt.Errorf("wasp: copy-verify readback page %d: %w", id, err)
	}
	if !bytes.Equal(readback, buf) {
		return fmt.Errorf("wasp: copy-verify mismatch on page %d: %w", id, dberrors.ErrCorruptPage)
	}
	return nil
}

// Get looks up key, walking from the tree's current root. Safe to call
// concurrently with Insert thanks to copy-on-write: Get only ever follows
// page ids it read under RLock, and old pages are never mutated in place.
func (t *CowTree) Get(key []byte) ([]byte, bool, error) {
	t.mu.RLock()
	root := t.root
	t.mu.RUnlock()
	if root == 0 {
		return nil, false, nil
	}
	id := root
	for {
		n, err := t.readPage(id)
		if err != nil {
			return nil, false, err
		}
		if n.Leaf {
			i := sort.Search(len(n.Keys), func(i int) bool { return bytes.Compare(n.Keys[i], key) >= 0 })
			if i < len(n.Keys) && bytes.Equal(n.Keys[i], key) {
				return n.Values[i], true, nil
			}
			return nil, false, nil
		}
		i := sort.Search(len(n.Keys), func(i int) bool { return bytes.Compare(n.Keys[i], key) > 0 })
		id = n.Children[i]
	}
}

// Insert writes key/value via copy-on-write, returning the new root page id
// and the full set of newly allocated pages (for the WAL record's
// TouchedPages). The caller is responsible for committing the new root to
// the manifest only after the WAL record covering these pages is durable.
func (t *CowTree) Insert(key, value []byte, epoch uint64) (newRoot uint64, touched []uint64, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.root == 0 {
		leaf := Node{Leaf: true, Keys: [][]byte{key}, Values: [][]byte{value}}
		id := t.alloc.Alloc()
		if err := t.writePage(id, leaf, epoch, PageKindLeaf); err != nil {
			return 0, nil, err
		}
		t.root = id
		return id, []uint64{id}, nil
	}

	newRootID, touchedIDs, splitKey, splitSibling, err := t.insertRec(t.root, key, value, epoch)
	if err != nil {
		return 0, nil, err
	}

	if splitKey != nil {
		// The old root split in two; grow the tree by one level with a
		// fresh internal root pointing at both halves.
		rootID := t.alloc.Alloc()
		root := Node{Leaf: false, Keys: [][]byte{splitKey}, Children: []uint64{newRootID, splitSibling}}
		if err := t.writePage(rootID, root, epoch, PageKindInternal); err != nil {
			return 0, nil, err
		}
		touchedIDs = append(touchedIDs, rootID)
		newRootID = rootID
	}

	t.root = newRootID
	return newRootID, touchedIDs, nil
}

// maxPayload is the largest node encoding that still fits in one page
// alongside its header.
func (t *CowTree) maxPayload() int {
	return int(t.pageSize) - pageHeaderSize
}

// insertRec copies the path from id down to the leaf holding key, returning
// the new page id for this subtree, all newly allocated page ids on the
// path, and — if the node at this level outgrew one page — the key
// promoted to the parent and the new right-sibling page id. A nil
// splitKey means no split happened here.
func (t *CowTree) insertRec(id uint64, key, value []byte, epoch uint64) (newID uint64, touched []uint64, splitKey []byte, splitSibling uint64, err error) {
	n, err := t.readPage(id)
	if err != nil {
		return 0, nil, nil, 0, err
	}

	if n.Leaf {
		i := sort.Search(len(n.Keys), func(i int) bool { return bytes.Compare(n.Keys[i], key) >= 0 })
		var keys, vals [][]byte
		if i < len(n.Keys) && bytes.Equal(n.Keys[i], key) {
			// Update in place: same key set, new value at i.
			keys = append([][]byte{}, n.Keys...)
			vals = append([][]byte{}, n.Values...)
			vals[i] = value
		} else {
			keys = append(append([][]byte{}, n.Keys[:i]...), append([][]byte{key}, n.Keys[i:]...)...)
			vals = append(append([][]byte{}, n.Values[:i]...), append([][]byte{value}, n.Values[i:]...)...)
		}

		leaf := Node{Leaf: true, Keys: keys, Values: vals}
		if len(keys) > 1 && len(encodeNode(leaf)) > t.maxPayload() {
			mid := len(keys) / 2
			left := Node{Leaf: true, Keys: keys[:mid], Values: vals[:mid]}
			right := Node{Leaf: true, Keys: keys[mid:], Values: vals[mid:]}

			leftID := t.alloc.Alloc()
			if err := t.writePage(leftID, left, epoch, PageKindLeaf); err != nil {
				return 0, nil, nil, 0, err
			}
			rightID := t.alloc.Alloc()
			if err := t.writePage(rightID, right, epoch, PageKindLeaf); err != nil {
				return 0, nil, nil, 0, err
			}
			return leftID, []uint64{leftID, rightID}, right.Keys[0], rightID, nil
		}

		newID := t.alloc.Alloc()
		if err := t.writePage(newID, leaf, epoch, PageKindLeaf); err != nil {
			return 0, nil, nil, 0, err
		}
		return newID, []uint64{newID}, nil, 0, nil
	}

	i := sort.Search(len(n.Keys), func(i int) bool { return bytes.Compare(n.Keys[i], key) > 0 })
	childID := n.Children[i]
	newChildID, childTouched, sKey, sSibling, err := t.insertRec(childID, key, value, epoch)
	if err != nil {
		return 0, nil, nil, 0, err
	}

	children := append([]uint64{}, n.Children...)
	children[i] = newChildID
	keys := append([][]byte{}, n.Keys...)
	if sKey != nil {
		keys = append(keys[:i], append([][]byte{sKey}, keys[i:]...)...)
		children = append(children[:i+1], append([]uint64{sSibling}, children[i+1:]...)...)
	}

	internal := Node{Leaf: false, Keys: keys, Children: children}
	if len(keys) > 1 && len(encodeNode(internal)) > t.maxPayload() {
		mid := len(keys) / 2
		promoted := keys[mid]
		left := Node{Leaf: false, Keys: keys[:mid], Children: children[:mid+1]}
		right := Node{Leaf: false, Keys: keys[mid+1:], Children: children[mid+1:]}

		leftID := t.alloc.Alloc()
		if err := t.writePage(leftID, left, epoch, PageKindInternal); err != nil {
			return 0, nil, nil, 0, err
		}
		rightID := t.alloc.Alloc()
		if err := t.writePage(rightID, right, epoch, PageKindInternal); err != nil {
			return 0, nil, nil, 0, err
		}
		touched = append(childTouched, leftID, rightID)
		return leftID, touched, promoted, rightID, nil
	}

	newID = t.alloc.Alloc()
	if err := t.writePage(newID, internal, epoch, PageKindInternal); err != nil {
		return 0, nil, nil, 0, err
	}
	touched = append(childTouched, newID)
	return newID, touched, nil, 0, nil
}

// ScanPrefix walks every leaf reachable from root and returns the keys
// (and their values) whose bytes start with prefix, in sorted order. This
// always walks the whole tree rather than descending directly to the first
// matching leaf; fine for the point/prefix workloads this engine serves,
// but a range-heavy workload would want leaf-sibling links instead.
func (t *CowTree) ScanPrefix(prefix []byte) ([][2][]byte, error) {
	t.mu.RLock()
	root := t.root
	t.mu.RUnlock()
	if root == 0 {
		return nil, nil
	}
	var out [][2][]byte
	var walk func(id uint64) error
	walk = func(id uint64) error {
		n, err := t.readPage(id)
		if err != nil {
			return err
		}
		if n.Leaf {
			for i, k := range n.Keys {
				if bytes.HasPrefix(k, prefix) {
					out = append(out, [2][]byte{k, n.Values[i]})
				}
			}
			return nil
		}
		for _, c := range n.Children {
			if err := walk(c); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(root); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][0], out[j][0]) < 0 })
	return out, nil
}

// Seal walks every live entry out of the tree in sorted order and resets
// the tree to empty, for flushing a cold region into a segment once it
// grows past segment_target_bytes. There is no notion of a "subtree" worth
// coldly sealing independently of the rest (unlike segment-level
// compaction, the tree has no per-region heat tracking), so sealing always
// empties the whole tree at once.
func (t *CowTree) Seal() (entries []segmentEntry, newRoot uint64, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.root == 0 {
		return nil, 0, nil
	}
	var out []segmentEntry
	var walk func(id uint64) error
	walk = func(id uint64) error {
		n, err := t.readPage(id)
		if err != nil {
			return err
		}
		if n.Leaf {
			for i, k := range n.Keys {
				out = append(out, segmentEntry{key: k, value: n.Values[i]})
			}
			return nil
		}
		for _, c := range n.Children {
			if err := walk(c); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(t.root); err != nil {
		return nil, 0, err
	}
	sortEntries(out)
	t.root = 0
	return out, 0, nil
}

// ReloadRoot points the tree at a different root page (used after manifest
// recovery replaces the in-memory root with the durable one).
func (t *CowTree) ReloadRoot(root uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.root = root
}

// RecoverFromWAL replays WAL records in order, advancing root and allocator
// state to match, used when the manifest's WalLSN trails the WAL's tail.
func (t *CowTree) RecoverFromWAL(records []WalRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, rec := range records {
		t.root = rec.NewRoot
		for _, p := range rec.TouchedPages {
			if p >= t.alloc.next {
				atomic.StoreUint64(&t.alloc.next, p)
			}
		}
	}
}
