// Package database implements the top-level orchestrator: Open/Close a
// {stem}.db/{stem}.wasp pair, recover ephemeral documents and replay the
// WAL on startup, own the collection registry and each collection's
// logger, and expose the collection-level operations the external
// interface promises.
package database

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kartikbazzad/nexusdb/internal/bufpool"
	"github.com/kartikbazzad/nexusdb/internal/collection"
	"github.com/kartikbazzad/nexusdb/internal/config"
	"github.com/kartikbazzad/nexusdb/internal/dberrors"
	"github.com/kartikbazzad/nexusdb/internal/hybridcache"
	"github.com/kartikbazzad/nexusdb/internal/logger"
	"github.com/kartikbazzad/nexusdb/internal/registry"
	"github.com/kartikbazzad/nexusdb/internal/scheduler"
	"github.com/kartikbazzad/nexusdb/internal/snapshot"
	"github.com/kartikbazzad/nexusdb/internal/types"
	"github.com/kartikbazzad/nexusdb/internal/wasp"
)

const ephemeralCollection = "_tempDocuments"

// Database is one opened {stem}.db/{stem}.wasp pair.
type Database struct {
	mu          sync.RWMutex
	stem        string
	dir         string
	cfg         *config.Config
	logger      *logger.Logger
	sched       *scheduler.Scheduler
	caps        *bufpool.Caps
	engine      *wasp.Engine
	collections map[string]*collection.Collection
	closed      bool

	healStop chan struct{}
	healWg   sync.WaitGroup

	ckptStop chan struct{}
	ckptWg   sync.WaitGroup
}

// Open opens stem under dir, creating new .db/.wasp files if absent. It
// registers the database in the process-wide registry (refusing a second
// concurrent Open of the same stem), replays the WASP WAL tail and the
// .db snapshot's collection catalog, and reconstructs cache entries for
// any ephemeral documents that were still alive at last checkpoint.
func Open(dir, stem string, cfg *config.Config) (*Database, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("database: create data dir: %w", err)
	}

	logDir := filepath.Join(dir, stem+"_logs")
	log, err := logger.OpenFile(logDir, stem, logger.LevelInfo)
	if err != nil {
		return nil, fmt.Errorf("database: open log: %w", err)
	}

	sched, err := scheduler.New(cfg.Sched)
	if err != nil {
		log.Close()
		return nil, err
	}

	db := &Database{
		stem:        stem,
		dir:         dir,
		cfg:         cfg,
		logger:      log,
		sched:       sched,
		caps:        bufpool.NewCaps(cfg.Wasp.SegmentTargetBytes * 4),
		collections: make(map[string]*collection.Collection),
	}

	if err := registry.Global().Open(stem, db); err != nil {
		log.Close()
		sched.Close()
		return nil, err
	}

	waspPath := filepath.Join(dir, stem+".wasp")
	engine, err := wasp.Open(waspPath, cfg.Wasp, sched.Pool(), log)
	if err != nil {
		registry.Global().Close(stem)
		log.Close()
		sched.Close()
		return nil, err
	}
	db.engine = engine

	dbPath := filepath.Join(dir, stem+".db")
	var snap snapshot.DbSnapshot
	if _, statErr := os.Stat(dbPath); statErr == nil {
		snap, err = snapshot.Read(dbPath)
		if err != nil && err != dberrors.ErrUnsupportedSnapshotVersion {
			registry.Global().Close(stem)
			engine.Close()
			log.Close()
			sched.Close()
			return nil, err
		}
		if err == dberrors.ErrUnsupportedSnapshotVersion {
			log.Warn("database: snapshot version newer than supported, falling back to WAL-only recovery for %s", stem)
			snap = snapshot.DbSnapshot{}
		}
	}

	if err := db.recover(snap); err != nil {
		registry.Global().Close(stem)
		engine.Close()
		log.Close()
		sched.Close()
		return nil, err
	}

	db.startHealing()
	db.startAutoCheckpoint()

	log.Info("database: opened %s", stem)
	return db, nil
}

// startAutoCheckpoint polls on a short tick and triggers a checkpoint once
// either half of the configured checkpoint_interval is crossed: wall-clock
// time since the last checkpoint, or bytes committed since the last one.
// The poll tick itself is not a config knob — it just needs to be short
// enough that the two configured thresholds are honored promptly.
func (db *Database) startAutoCheckpoint() {
	interval := db.cfg.Wasp.CheckpointInterval
	byteThreshold := db.cfg.Wasp.CheckpointIntervalMB * (1 << 20)
	if interval <= 0 && byteThreshold == 0 {
		return
	}
	pollEvery := time.Second
	if interval > 0 && interval < pollEvery {
		pollEvery = interval
	}

	db.ckptStop = make(chan struct{})
	db.ckptWg.Add(1)
	go func() {
		defer db.ckptWg.Done()
		defer func() {
			if r := recover(); r != nil {
				db.logger.Error("database: auto-checkpoint loop panic recovered: %v", r)
			}
		}()
		ticker := time.NewTicker(pollEvery)
		defer ticker.Stop()
		lastCheckpoint := time.Now()
		for {
			select {
			case <-db.ckptStop:
				return
			case <-ticker.C:
				dueByTime := interval > 0 && time.Since(lastCheckpoint) >= interval
				dueByBytes := byteThreshold > 0 && db.engine.BytesSinceCheckpoint() >= byteThreshold
				if !dueByTime && !dueByBytes {
					continue
				}
				if err := db.Checkpoint(); err != nil {
					db.logger.Error("database: automatic checkpoint failed: %v", err)
				}
				lastCheckpoint = time.Now()
			}
		}
	}()
}

// startHealing launches the periodic consistency-check pass (manifest slot
// validity, segment footer checksums) when enabled in config. It never
// repairs anything itself — the manifest's own double-buffering and the
// compactor's next write are what actually heal a torn slot or a broken
// segment — this loop's job is purely to surface that state to the log
// well before a reader would otherwise notice.
func (db *Database) startHealing() {
	if !db.cfg.Healing.Enabled {
		return
	}
	interval := db.cfg.Healing.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	db.healStop = make(chan struct{})
	db.healWg.Add(1)
	go func() {
		defer db.healWg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-db.healStop:
				return
			case <-ticker.C:
				db.runHealthCheck()
			}
		}
	}()
}

func (db *Database) runHealthCheck() {
	defer func() {
		if r := recover(); r != nil {
			db.logger.Error("database: healing pass panic recovered: %v", r)
		}
	}()
	report, err := db.engine.Verify()
	if err != nil {
		db.logger.Error("database: healing pass failed: %v", err)
		return
	}
	if !report.ManifestOK || report.SegmentsBroken > 0 {
		db.logger.Warn("database: healing pass found manifest_ok=%v segments_broken=%d (read_only=%v)",
			report.ManifestOK, report.SegmentsBroken, report.ReadOnly)
	}
}

// recover rebuilds the collection catalog, then preloads ephemeral
// documents' cache entries. The two stages run in that order because the
// second needs every collection named in snap.Ephemeral to already exist;
// within each stage, independent per-entry work fans out via errgroup.
func (db *Database) recover(snap snapshot.DbSnapshot) error {
	var rebuild errgroup.Group
	for _, ce := range snap.Collections {
		ce := ce
		rebuild.Go(func() error {
			db.mu.Lock()
			if _, exists := db.collections[ce.Name]; !exists {
				db.collections[ce.Name] = db.newCollectionLocked(ce.Name)
			}
			db.mu.Unlock()
			return nil
		})
	}
	if err := rebuild.Wait(); err != nil {
		return err
	}

	db.mu.Lock()
	if _, exists := db.collections[ephemeralCollection]; !exists {
		db.collections[ephemeralCollection] = db.newCollectionLocked(ephemeralCollection)
	}
	db.mu.Unlock()

	// Every ephemeral meta goes through Find, whether or not it expired
	// while the process was down: Find's own expiry check appends the
	// overdue Delete op for anything expired (so it is actually gone, not
	// just unpreloaded) and warms the cache for anything still alive.
	var preload errgroup.Group
	for _, meta := range snap.Ephemeral {
		meta := meta
		preload.Go(func() error {
			db.mu.RLock()
			col, ok := db.collections[meta.Collection]
			db.mu.RUnlock()
			if !ok {
				db.logger.Warn("database: ephemeral doc %s/%s references unknown collection on recovery", meta.Collection, meta.ID)
				return nil
			}
			if _, err := col.Find(meta.ID); err != nil && !errors.Is(err, dberrors.ErrNoSuchDocument) {
				db.logger.Warn("database: ephemeral doc %s/%s missing from WASP on recovery: %v", meta.Collection, meta.ID, err)
			}
			return nil
		})
	}
	return preload.Wait()
}

func (db *Database) newCollectionLocked(name string) *collection.Collection {
	cache, err := hybridcache.New(db.cfg.Cache, db.logger)
	if err != nil {
		// CacheConfig is validated by DefaultConfig; a construction error
		// here means a caller supplied an invalid capacity, so the error is
		// logged and the collection falls back to the default cache config.
		db.logger.Error("database: cache init failed for %s: %v", name, err)
		cache, _ = hybridcache.New(config.DefaultConfig().Cache, db.logger)
	}
	return collection.New(name, db.engine, cache, db.logger, db.caps)
}

// CreateCollection registers a new, empty collection. Creating a name that
// already exists is a no-op.
func (db *Database) CreateCollection(name string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, exists := db.collections[name]; exists {
		return nil
	}
	db.collections[name] = db.newCollectionLocked(name)
	return nil
}

// DropCollection removes a collection's catalog entry. Existing WASP keys
// under that collection's namespace are left for compaction to reclaim
// rather than synchronously tombstoning every document.
func (db *Database) DropCollection(name string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, exists := db.collections[name]; !exists {
		return dberrors.ErrNoSuchCollection
	}
	delete(db.collections, name)
	db.caps.UnregisterDB(name)
	return nil
}

// RenameCollection atomically moves a collection's catalog entry to a new
// name. Underlying WASP keys and the collection's byte budget both stay
// keyed by the old name (the Collection value itself is unchanged, only
// the catalog entry pointing to it moves) — a rename is a catalog-only
// operation here, since re-keying every document would require a full
// rewrite the spec's single-batch atomic commit model doesn't cover.
//
// A write already past the old-name lookup and in flight on the collection
// is let finish before the pointer moves, so no write straddles the rename.
func (db *Database) RenameCollection(oldName, newName string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	col, exists := db.collections[oldName]
	if !exists {
		return dberrors.ErrNoSuchCollection
	}
	if _, exists := db.collections[newName]; exists {
		return dberrors.ErrCollectionExists
	}
	col.Quiesce()
	db.collections[newName] = col
	delete(db.collections, oldName)
	return nil
}

func (db *Database) getCollection(name string) (*collection.Collection, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	col, exists := db.collections[name]
	if !exists {
		return nil, dberrors.ErrNoSuchCollection
	}
	return col, nil
}

func (db *Database) Insert(collectionName string, payload []byte, ttl time.Duration) (types.DocID, error) {
	col, err := db.getCollection(collectionName)
	if err != nil {
		return types.DocID{}, err
	}
	id, err := col.Insert(payload, ttl)
	if err != nil {
		return id, err
	}
	if ttl > 0 && collectionName != ephemeralCollection {
		// Persistent collections may still host TTL'd documents: mirror a
		// bookkeeping entry into _tempDocuments under the same id, with the
		// originating collection's name as its payload, so a restart can
		// recover which collection's cache to prewarm without scanning
		// every collection.
		mirror := db.getOrCreateEphemeral()
		if err := mirror.InsertWithID(id, []byte(collectionName), ttl); err != nil {
			db.logger.Warn("database: failed to mirror ephemeral doc into %s: %v", ephemeralCollection, err)
		}
	}
	return id, nil
}

func (db *Database) getOrCreateEphemeral() *collection.Collection {
	db.mu.Lock()
	defer db.mu.Unlock()
	col, exists := db.collections[ephemeralCollection]
	if !exists {
		col = db.newCollectionLocked(ephemeralCollection)
		db.collections[ephemeralCollection] = col
	}
	return col
}

func (db *Database) Find(collectionName string, id types.DocID) (*types.Document, error) {
	col, err := db.getCollection(collectionName)
	if err != nil {
		return nil, err
	}
	doc, err := col.Find(id)
	if err != nil && db.cfg.Healing.OnReadCorruption && dberrors.NewClassifier().Classify(err) == dberrors.ErrorValidation {
		go db.runHealthCheck()
	}
	return doc, err
}

func (db *Database) Update(collectionName string, id types.DocID, payload []byte) error {
	col, err := db.getCollection(collectionName)
	if err != nil {
		return err
	}
	return col.Update(id, payload)
}

func (db *Database) Delete(collectionName string, id types.DocID) error {
	col, err := db.getCollection(collectionName)
	if err != nil {
		return err
	}
	return col.Delete(id)
}

func (db *Database) ListIDs(collectionName string) (types.Iterator[types.DocID], error) {
	col, err := db.getCollection(collectionName)
	if err != nil {
		return nil, err
	}
	return col.ListIDs()
}

// Scan returns documents from collectionName within r, ordered by id.
func (db *Database) Scan(collectionName string, r wasp.Range) (types.Iterator[types.Document], error) {
	col, err := db.getCollection(collectionName)
	if err != nil {
		return nil, err
	}
	return col.Scan(r)
}

// Checkpoint triggers WASP compaction and writes a fresh .db snapshot
// capturing the current collection catalog and any still-alive ephemeral
// documents. The WAL file is not truncated: a later Open reads it whole and
// replays only the records newer than the manifest.
func (db *Database) Checkpoint() error {
	if err := db.engine.Checkpoint(); err != nil {
		return err
	}

	db.mu.RLock()
	snap := snapshot.DbSnapshot{SnapshotEpoch: uint64(time.Now().Unix())}
	for name := range db.collections {
		if name == ephemeralCollection {
			continue
		}
		snap.Collections = append(snap.Collections, snapshot.CollectionEntry{Name: name})
	}
	ephemeral, hasEphemeral := db.collections[ephemeralCollection]
	db.mu.RUnlock()

	if hasEphemeral {
		it, err := ephemeral.ListIDs()
		if err != nil {
			db.logger.Warn("database: failed to enumerate ephemeral documents for checkpoint: %v", err)
			it = types.NewSliceIterator[types.DocID](nil)
		}
		for {
			id, ok := it.Next()
			if !ok {
				break
			}
			doc, err := ephemeral.Find(id)
			if err != nil || !doc.Ephemeral() {
				continue
			}
			// The mirror's payload is the originating collection's name
			// (see Insert), not document content.
			snap.Ephemeral = append(snap.Ephemeral, types.DocumentMeta{
				Collection: string(doc.Payload),
				ID:         id,
				ExpiresAt:  doc.ExpiresAt,
			})
		}
	}

	dbPath := filepath.Join(db.dir, db.stem+".db")
	return snapshot.Write(dbPath, snap)
}

// VerifyReport aggregates the WASP engine's consistency check with per-
// collection cache metrics, for the external Verify() operation.
type VerifyReport struct {
	Wasp        wasp.VerifyReport
	Collections map[string]hybridcache.Metrics
}

func (db *Database) Verify() (VerifyReport, error) {
	waspReport, err := db.engine.Verify()
	if err != nil {
		return VerifyReport{}, err
	}
	db.mu.RLock()
	defer db.mu.RUnlock()
	report := VerifyReport{Wasp: waspReport, Collections: make(map[string]hybridcache.Metrics, len(db.collections))}
	for name, col := range db.collections {
		report.Collections[name] = col.CacheMetrics()
	}
	return report, nil
}

// Close checkpoints, closes the WASP engine, stops background workers, and
// unregisters the database from the process-wide registry.
func (db *Database) Close() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	db.mu.Unlock()

	if db.healStop != nil {
		close(db.healStop)
		db.healWg.Wait()
	}
	if db.ckptStop != nil {
		close(db.ckptStop)
		db.ckptWg.Wait()
	}

	var firstErr error
	if err := db.Checkpoint(); err != nil {
		firstErr = err
	}
	if err := db.engine.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	db.sched.Close()
	registry.Global().Close(db.stem)
	db.logger.Info("database: closed %s", db.stem)
	db.logger.Close()
	return firstErr
}
