// Package config holds the nested configuration tree for an opened database:
// WASP's page/WAL/manifest/compaction knobs, the hybrid cache's eviction
// knobs, and background-task scheduling. Every numeric constant named in the
// external interfaces lives here, not hardcoded in the engine.
package config

import "time"

type Config struct {
	DataDir string

	Wasp      WaspConfig
	Cache     CacheConfig
	Sched     SchedulerConfig
	Healing   HealingConfig
}

// WaspConfig configures the WASP storage engine (page store, tiny WAL,
// manifest, compaction).
type WaspConfig struct {
	PageSize              uint32 // bytes, 8-16 KiB, power of two
	WALGroupCommitMS      int    // not read by the engine; the WAL's group-commit window is Fsync.IntervalMS
	CheckpointIntervalMB  uint64 // megabytes (MiB) written between automatic checkpoints
	CheckpointInterval    time.Duration
	SegmentTargetBytes    uint64
	CompactionLevelFanout int  // 8-10
	CopyVerify            bool // re-read after fsync for power-unsafe devices
	Fsync                 FsyncConfig
}

type FsyncMode int

const (
	FsyncAlways   FsyncMode = iota // fsync on every WAL write (safest, slowest)
	FsyncGroup                     // batch fsyncs with group commit (default)
	FsyncInterval                  // fsync at fixed wall-clock intervals
	FsyncNone                      // never fsync (benchmarks only, unsafe)
)

type FsyncConfig struct {
	Mode         FsyncMode
	IntervalMS   int // window for FsyncGroup/FsyncInterval
	MaxBatchSize int // max WAL records per group-commit batch
}

// EvictionMode selects the hybrid cache's eviction strategy.
type EvictionMode int

const (
	TTLFirst EvictionMode = iota // TTL sweep first, then recency sampling (default)
	LRUOnly                      // recency sampling, no TTL sweep; Get still drops expired entries
	TTLOnly                      // TTL sweep only, never evicts by recency
	Hybrid                       // alias of TTLFirst kept for config compatibility
)

// CacheConfig configures the per-collection hybrid cache (spec §4.8).
type CacheConfig struct {
	CapacityEntries    int
	CapacityBytes      uint64 // 0 = unbounded by size
	Mode               EvictionMode
	MaxSamples         int
	BatchSize          int
	SweeperIntervalMS  int
}

// SchedulerConfig tunes the ants-backed goroutine pool that runs WASP
// compaction passes.
type SchedulerConfig struct {
	MaxWorkers   int
	WorkerExpiry time.Duration
	PreAlloc     bool
}

// HealingConfig drives the periodic consistency-check pass (spec §4.7's
// verify() and the torn-manifest-slot repair scenario, §8.4).
type HealingConfig struct {
	Enabled          bool
	Interval         time.Duration
	OnReadCorruption bool
}

func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data",
		Wasp: WaspConfig{
			PageSize:              16 * 1024,
			WALGroupCommitMS:      5,
			CheckpointIntervalMB:  64,
			CheckpointInterval:    5 * time.Minute,
			SegmentTargetBytes:    128 * 1024 * 1024,
			CompactionLevelFanout: 8,
			CopyVerify:            false,
			Fsync: FsyncConfig{
				Mode:         FsyncGroup,
				IntervalMS:   5,
				MaxBatchSize: 100,
			},
		},
		Cache: CacheConfig{
			CapacityEntries:   4096,
			CapacityBytes:     0,
			Mode:              TTLFirst,
			MaxSamples:        5,
			BatchSize:         5,
			SweeperIntervalMS: 1000,
		},
		Sched: SchedulerConfig{
			MaxWorkers:   256,
			WorkerExpiry: time.Second,
			PreAlloc:     false,
		},
		Healing: HealingConfig{
			Enabled:          true,
			Interval:         time.Hour,
			OnReadCorruption: true,
		},
	}
}
