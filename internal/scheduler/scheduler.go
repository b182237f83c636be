// Package scheduler wraps an ants goroutine pool. Each open database builds
// its own and hands it to the WASP engine, whose compaction passes run on it
// with a bounded worker budget instead of unbounded per-task goroutines.
package scheduler

import (
	"fmt"

	"github.com/panjf2000/ants/v2"

	"github.com/kartikbazzad/nexusdb/internal/config"
)

type Scheduler struct {
	pool *ants.Pool
}

func New(cfg config.SchedulerConfig) (*Scheduler, error) {
	opts := []ants.Option{ants.WithExpiryDuration(cfg.WorkerExpiry)}
	if cfg.PreAlloc {
		opts = append(opts, ants.WithPreAlloc(true))
	}
	pool, err := ants.NewPool(cfg.MaxWorkers, opts...)
	if err != nil {
		return nil, fmt.Errorf("scheduler: create pool: %w", err)
	}
	return &Scheduler{pool: pool}, nil
}

// Pool exposes the underlying ants pool for components (like wasp.Compactor)
// that need to submit their own tasks directly.
func (s *Scheduler) Pool() *ants.Pool { return s.pool }

func (s *Scheduler) Submit(task func()) error { return s.pool.Submit(task) }

func (s *Scheduler) Running() int { return s.pool.Running() }

func (s *Scheduler) Close() { s.pool.Release() }
