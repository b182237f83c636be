// Package collection implements the single-collection operation surface
// that composes the hybrid cache and the WASP engine into one atomic view:
// Insert/Find/Update/Delete/ListIDs, plus the ephemeral-document bookkeeping
// that lets TTL'd documents survive a restart.
//
// Commit ordering invariant:
//  1. Append the operation to WASP (durable: WAL record + manifest flip).
//  2. Update the cache.
//
// A crash between the two leaves the cache cold but WASP durable; the next
// read simply misses the cache and goes to WASP, which already has the
// correct value. The reverse order would let a reader observe a value that
// a crash then made vanish.
package collection

import (
	"fmt"
	"sync"
	"time"

	"github.com/kartikbazzad/nexusdb/internal/bufpool"
	"github.com/kartikbazzad/nexusdb/internal/dberrors"
	"github.com/kartikbazzad/nexusdb/internal/hybridcache"
	"github.com/kartikbazzad/nexusdb/internal/logger"
	"github.com/kartikbazzad/nexusdb/internal/types"
	"github.com/kartikbazzad/nexusdb/internal/wasp"
)

// Collection is one named document collection backed by a shared WASP
// engine (keys are namespaced by collection name) and its own cache
// instance.
type Collection struct {
	name   string
	engine *wasp.Engine
	cache  *hybridcache.Cache
	logger *logger.Logger
	caps   *bufpool.Caps // per-database byte budget this collection draws against

	writeMu sync.Mutex // serializes writes to this collection; single-writer model
}

func New(name string, engine *wasp.Engine, cache *hybridcache.Cache, log *logger.Logger, caps *bufpool.Caps) *Collection {
	caps.RegisterDB(name, 0)
	c := &Collection{name: name, engine: engine, cache: cache, logger: log, caps: caps}
	cache.OnExpire(c.handleCacheExpiry)
	return c
}

// handleCacheExpiry is invoked by the hybrid cache (inline from Get, or from
// the background sweeper) the moment a TTL'd entry is found past its
// deadline. An expired ephemeral document is not just a cache concern: the
// record is still durably committed in WASP, so it must get an explicit
// Delete op appended or it stays "live" (findable via a cache-miss fallback
// read, and still present after a restart). value is the entry's last
// cached payload, used only to free its bytes back to the collection's
// byte budget; decode failures are ignored since the delete itself is the
// important side effect.
//
// Deliberately does not take writeMu: it can be reached from Get, which
// Update/Delete call while already holding writeMu (via findLocked's
// cache fallback), and writeMu is not reentrant.
func (c *Collection) handleCacheExpiry(key string, value []byte) {
	if _, err := c.engine.Commit([]wasp.OpRecord{{Delete: true, Key: []byte(key)}}); err != nil {
		if c.logger != nil {
			c.logger.Error("collection: failed to append delete for expired document %s/%s: %v", c.name, key, err)
		}
		return
	}
	if doc, err := decodeDocument(value); err == nil {
		c.caps.Free(c.name, uint64(len(doc.Payload)))
	}
}

func (c *Collection) Name() string { return c.name }

// Quiesce blocks until any write currently in flight on this collection has
// completed, then returns. Used by the database orchestrator during rename
// to ensure no write is mid-flight against the old catalog entry when
// readers start resolving the name through the new one.
func (c *Collection) Quiesce() {
	c.writeMu.Lock()
	c.writeMu.Unlock()
}

func (c *Collection) storageKey(id types.DocID) string {
	return c.name + "/" + id.String()
}

// Insert assigns a new DocID, commits the document to WASP, then populates
// the cache. ttl of 0 means persistent (no expiration); a non-zero ttl
// marks the document ephemeral, which is also recorded in the database
// orchestrator's ephemeral index for startup recovery.
func (c *Collection) Insert(payload []byte, ttl time.Duration) (types.DocID, error) {
	id := types.NewDocID()
	if err := c.InsertWithID(id, payload, ttl); err != nil {
		return id, err
	}
	return id, nil
}

// InsertWithID is Insert with a caller-chosen id instead of a freshly minted
// one. The database orchestrator uses this to mirror an ephemeral document's
// bookkeeping entry into _tempDocuments under the *same* id as the real
// document, so startup recovery can map a recovered entry straight back to
// its originating collection without guessing.
func (c *Collection) InsertWithID(id types.DocID, payload []byte, ttl time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if !c.caps.TryAllocate(c.name, uint64(len(payload))) {
		return &dberrors.DocError{Collection: c.name, Err: dberrors.ErrCapacityExceeded}
	}

	now := time.Now()
	doc := types.Document{ID: id, Payload: payload, CreatedAt: now, UpdatedAt: now}
	if ttl > 0 {
		doc.ExpiresAt = now.Add(ttl)
	}

	encoded, err := encodeDocument(doc)
	if err != nil {
		c.caps.Free(c.name, uint64(len(payload)))
		return err
	}

	key := c.storageKey(id)
	if _, err := c.engine.Commit([]wasp.OpRecord{{Key: []byte(key), Value: encoded}}); err != nil {
		c.caps.Free(c.name, uint64(len(payload)))
		return err
	}
	c.cache.Put(key, encoded, ttl)
	return nil
}

// Find returns the document with id, preferring the cache; a miss falls
// through to WASP and repopulates the cache on success.
func (c *Collection) Find(id types.DocID) (*types.Document, error) {
	key := c.storageKey(id)
	if raw, ok := c.cache.Get(key); ok {
		doc, err := decodeDocument(raw)
		if err != nil {
			return nil, err
		}
		doc.ID = id
		return &doc, nil
	}

	raw, ok, err := c.engine.Get([]byte(key))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &dberrors.DocError{Collection: c.name, DocID: id.String(), Err: dberrors.ErrNoSuchDocument}
	}
	doc, err := decodeDocument(raw)
	if err != nil {
		return nil, err
	}
	doc.ID = id
	notFound := &dberrors.DocError{Collection: c.name, DocID: id.String(), Err: dberrors.ErrNoSuchDocument}
	if doc.Ephemeral() && !doc.ExpiresAt.After(time.Now()) {
		// Cache miss on an expired ephemeral record: the sweeper hasn't
		// gotten to it yet, but it must still read as gone, and gone for
		// good — append the delete now rather than waiting for the sweeper.
		c.handleCacheExpiry(key, raw)
		return nil, notFound
	}
	ttl := remainingTTL(doc)
	c.cache.Put(key, raw, ttl)
	return &doc, nil
}

// Update replaces an existing document's payload, preserving its creation
// time and TTL semantics (a persistent document stays persistent; an
// ephemeral one keeps its original expiry rather than resetting it, so
// Update cannot be used to silently extend a TTL).
func (c *Collection) Update(id types.DocID, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	key := c.storageKey(id)
	existing, err := c.findLocked(id)
	if err != nil {
		return err
	}

	oldSize := uint64(len(existing.Payload))
	newSize := uint64(len(payload))
	if newSize > oldSize {
		if !c.caps.TryAllocate(c.name, newSize-oldSize) {
			return &dberrors.DocError{Collection: c.name, DocID: id.String(), Err: dberrors.ErrCapacityExceeded}
		}
	} else if newSize < oldSize {
		c.caps.Free(c.name, oldSize-newSize)
	}

	existing.Payload = payload
	// I2 requires updated_at > created_at strictly; time.Now() can tie with
	// a prior timestamp within one clock tick (existing.UpdatedAt starts
	// out equal to CreatedAt, from Insert), so force forward progress.
	next := time.Now()
	if !next.After(existing.UpdatedAt) {
		next = existing.UpdatedAt.Add(time.Nanosecond)
	}
	existing.UpdatedAt = next
	encoded, err := encodeDocument(*existing)
	if err != nil {
		return err
	}

	if _, err := c.engine.Commit([]wasp.OpRecord{{Key: []byte(key), Value: encoded}}); err != nil {
		return err
	}
	c.cache.Put(key, encoded, remainingTTL(*existing))
	return nil
}

// findLocked is Find without taking writeMu, for use by callers that
// already hold it.
func (c *Collection) findLocked(id types.DocID) (*types.Document, error) {
	key := c.storageKey(id)
	raw, ok, err := c.engine.Get([]byte(key))
	if err != nil {
		return nil, err
	}
	if !ok {
		if cached, cok := c.cache.Get(key); cok {
			doc, derr := decodeDocument(cached)
			if derr == nil {
				doc.ID = id
				return &doc, nil
			}
		}
		return nil, &dberrors.DocError{Collection: c.name, DocID: id.String(), Err: dberrors.ErrNoSuchDocument}
	}
	doc, err := decodeDocument(raw)
	if err != nil {
		return nil, err
	}
	doc.ID = id
	return &doc, nil
}

// Delete removes a document from both WASP (tombstone write) and the cache,
// freeing its payload size back to the collection's byte budget.
func (c *Collection) Delete(id types.DocID) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	existing, findErr := c.findLocked(id)

	key := c.storageKey(id)
	if _, err := c.engine.Commit([]wasp.OpRecord{{Delete: true, Key: []byte(key)}}); err != nil {
		return err
	}
	c.cache.Delete(key)
	if findErr == nil {
		c.caps.Free(c.name, uint64(len(existing.Payload)))
	}
	return nil
}

// ListIDs returns an iterator over every live document id in the
// collection, decoding only the id portion of each stored key (the
// storage key is "{collection}/{uuid}").
func (c *Collection) ListIDs() (types.Iterator[types.DocID], error) {
	pairs, err := c.engine.Scan([]byte(c.name + "/"))
	if err != nil {
		return nil, err
	}
	ids := make([]types.DocID, 0, len(pairs))
	prefixLen := len(c.name) + 1
	for key := range pairs {
		id, err := types.ParseDocID(key[prefixLen:])
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return types.NewSliceIterator(ids), nil
}

// Scan returns documents whose id falls within r, ordered by id, restarted
// fresh against the current WASP snapshot on every call rather than
// following a live cursor.
func (c *Collection) Scan(r wasp.Range) (types.Iterator[types.Document], error) {
	kvs, err := c.engine.ScanRange([]byte(c.name+"/"), r)
	if err != nil {
		return nil, err
	}
	var docs []types.Document
	for {
		kv, ok := kvs.Next()
		if !ok {
			break
		}
		doc, err := decodeDocument(kv.Value)
		if err != nil {
			continue
		}
		id, err := types.ParseDocID(string(kv.Key[len(c.name)+1:]))
		if err != nil {
			continue
		}
		doc.ID = id
		docs = append(docs, doc)
	}
	return types.NewSliceIterator(docs), nil
}

// CacheMetrics exposes the underlying hybrid cache's counters for this
// collection, used by the database orchestrator's Verify()/status reporting.
func (c *Collection) CacheMetrics() hybridcache.Metrics { return c.cache.Metrics() }

func remainingTTL(doc types.Document) time.Duration {
	if !doc.Ephemeral() {
		return 0
	}
	d := time.Until(doc.ExpiresAt)
	if d < 0 {
		return 0
	}
	return d
}

func encodeDocument(doc types.Document) ([]byte, error) {
	var buf []byte
	buf = appendUvarint(buf, uint64(len(doc.Payload)))
	buf = append(buf, doc.Payload...)
	buf = appendTime(buf, doc.CreatedAt)
	buf = appendTime(buf, doc.UpdatedAt)
	buf = appendTime(buf, doc.ExpiresAt)
	return buf, nil
}

func decodeDocument(buf []byte) (types.Document, error) {
	n, rest, err := readUvarint(buf)
	if err != nil {
		return types.Document{}, fmt.Errorf("collection: decode document: %w", err)
	}
	if uint64(len(rest)) < n {
		return types.Document{}, fmt.Errorf("collection: decode document: truncated payload")
	}
	payload := rest[:n]
	rest = rest[n:]

	created, rest, err := readTime(rest)
	if err != nil {
		return types.Document{}, err
	}
	updated, rest, err := readTime(rest)
	if err != nil {
		return types.Document{}, err
	}
	expires, _, err := readTime(rest)
	if err != nil {
		return types.Document{}, err
	}
	return types.Document{Payload: payload, CreatedAt: created, UpdatedAt: updated, ExpiresAt: expires}, nil
}
