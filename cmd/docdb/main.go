// Command docdb opens a database and runs one operation against it: insert,
// get, delete, list, scan, drop, rename, or verify. It exists to exercise
// the public API from a real process, not as a general-purpose client — the
// query/update DSL and a REPL surface are both out of scope for this engine.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/dustin/go-humanize"

	"github.com/kartikbazzad/nexusdb/internal/config"
	"github.com/kartikbazzad/nexusdb/internal/database"
	"github.com/kartikbazzad/nexusdb/internal/types"
	"github.com/kartikbazzad/nexusdb/internal/wasp"
)

func main() {
	dataDir := flag.String("data-dir", "./data", "directory holding the database files")
	stem := flag.String("db", "main", "database file stem")
	op := flag.String("op", "verify", "operation: insert|get|delete|list|scan|drop|rename|verify")
	collection := flag.String("collection", "default", "collection name")
	payload := flag.String("payload", "", "document payload for insert (raw bytes, hex-encoded)")
	idHex := flag.String("id", "", "document id (uuid) for get/delete")
	ttl := flag.Duration("ttl", 0, "document TTL for insert (0 = persistent)")
	scanStart := flag.String("scan-start", "", "inclusive id-suffix lower bound for scan")
	scanEnd := flag.String("scan-end", "", "exclusive id-suffix upper bound for scan (empty = unbounded)")
	renameTo := flag.String("rename-to", "", "new collection name for rename")
	flag.Parse()

	cfg := config.DefaultConfig()
	cfg.DataDir = *dataDir

	db, err := database.Open(*dataDir, *stem, cfg)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	// Already existing is fine on repeated invocations against the same
	// data directory. drop/rename operate on whatever the collection
	// already holds, so skip the implicit create for those.
	if *op != "drop" && *op != "rename" {
		_ = db.CreateCollection(*collection)
	}

	switch *op {
	case "insert":
		raw, err := hex.DecodeString(*payload)
		if err != nil {
			log.Fatalf("decode payload: %v", err)
		}
		id, err := db.Insert(*collection, raw, *ttl)
		if err != nil {
			log.Fatalf("insert: %v", err)
		}
		fmt.Println(id.String())

	case "get":
		id, err := types.ParseDocID(*idHex)
		if err != nil {
			log.Fatalf("parse id: %v", err)
		}
		doc, err := db.Find(*collection, id)
		if err != nil {
			log.Fatalf("get: %v", err)
		}
		fmt.Println(hex.EncodeToString(doc.Payload))

	case "delete":
		id, err := types.ParseDocID(*idHex)
		if err != nil {
			log.Fatalf("parse id: %v", err)
		}
		if err := db.Delete(*collection, id); err != nil {
			log.Fatalf("delete: %v", err)
		}

	case "list":
		it, err := db.ListIDs(*collection)
		if err != nil {
			log.Fatalf("list: %v", err)
		}
		for {
			id, ok := it.Next()
			if !ok {
				break
			}
			fmt.Println(id.String())
		}

	case "scan":
		it, err := db.Scan(*collection, wasp.Range{Start: *scanStart, End: *scanEnd})
		if err != nil {
			log.Fatalf("scan: %v", err)
		}
		for {
			doc, ok := it.Next()
			if !ok {
				break
			}
			fmt.Printf("%s %s\n", doc.ID, hex.EncodeToString(doc.Payload))
		}

	case "drop":
		if err := db.DropCollection(*collection); err != nil {
			log.Fatalf("drop: %v", err)
		}

	case "rename":
		if *renameTo == "" {
			log.Fatalf("rename: -rename-to is required")
		}
		if err := db.RenameCollection(*collection, *renameTo); err != nil {
			log.Fatalf("rename: %v", err)
		}

	case "verify":
		report, err := db.Verify()
		if err != nil {
			log.Fatalf("verify: %v", err)
		}
		fmt.Printf("wasp: manifest_ok=%v segments_ok=%d segments_broken=%d read_only=%v\n",
			report.Wasp.ManifestOK, report.Wasp.SegmentsOK, report.Wasp.SegmentsBroken, report.Wasp.ReadOnly)
		for name, m := range report.Collections {
			fmt.Printf("collection %s: hits=%d misses=%d ttl_evictions=%d lru_evictions=%d memory=%s\n",
				name, m.Hits, m.Misses, m.TTLEvictions, m.LRUEvictions, humanize.Bytes(m.MemoryBytes))
		}

	default:
		fmt.Fprintf(os.Stderr, "unknown op %q\n", *op)
		os.Exit(1)
	}
}
