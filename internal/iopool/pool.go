// Copyright (C) 2025-2026 Rowbine, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

// Package iopool runs asynchronous spill jobs on per-root worker pools so
// that IO against one spill disk cannot starve another.
package iopool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

var (
	// ErrSaturated is returned by Submit when a pool's queue is full.
	ErrSaturated = errors.New("iopool: queue is full")

	// ErrClosed is returned by Submit after Shutdown has begun.
	ErrClosed = errors.New("iopool: pool is shut down")
)

// pool executes jobs for a single spill root. The RWMutex serializes
// submissions against shutdown: a send may only happen while the jobs channel
// is provably open.
type pool struct {
	root string

	mu     sync.RWMutex
	closed bool
	jobs   chan func() error
	wg     sync.WaitGroup
}

func newPool(root string, workers, queueDepth int) *pool {
	p := &pool{
		root: root,
		jobs: make(chan func() error, queueDepth),
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.run()
	}
	return p
}

func (p *pool) run() {
	defer p.wg.Done()
	for job := range p.jobs {
		if err := job(); err != nil {
			slog.Warn("Spill job failed",
				slog.String("root", p.root),
				slog.Any("error", err))
		}
	}
}

// submit enqueues without blocking. The read lock keeps a concurrent shutdown
// from closing the channel between the closed check and the send.
func (p *pool) submit(job func() error) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.jobs <- job:
		return nil
	default:
		return fmt.Errorf("%w: root %s", ErrSaturated, p.root)
	}
}

// shutdown closes the jobs channel and waits for the workers to drain it.
func (p *pool) shutdown() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// Pools manages one bounded worker pool per spill root. Pools are created
// lazily on first submission for a root.
type Pools struct {
	workers    int
	queueDepth int

	mu       sync.Mutex
	pools    map[string]*pool
	closed   bool
	inFlight atomic.Int64
}

// NewPools creates a pool manager. Each root gets its own pool of `workers`
// goroutines with a queue of `queueDepth` pending jobs.
func NewPools(workers, queueDepth int) *Pools {
	if workers <= 0 {
		workers = 2
	}
	if queueDepth <= 0 {
		queueDepth = workers * 2
	}
	ps := &Pools{
		workers:    workers,
		queueDepth: queueDepth,
		pools:      make(map[string]*pool),
	}
	registerInFlightGauge(ps)
	return ps
}

// Submit queues a job on the pool for the given root. It never blocks: if the
// pool's queue is full or the pools are shut down, the error is returned
// synchronously and the job is not run.
func (ps *Pools) Submit(root string, job func() error) error {
	ps.mu.Lock()
	if ps.closed {
		ps.mu.Unlock()
		return ErrClosed
	}
	p, ok := ps.pools[root]
	if !ok {
		p = newPool(root, ps.workers, ps.queueDepth)
		ps.pools[root] = p
	}
	ps.mu.Unlock()

	wrapped := func() error {
		defer ps.inFlight.Add(-1)
		return job()
	}

	ps.inFlight.Add(1)
	if err := p.submit(wrapped); err != nil {
		ps.inFlight.Add(-1)
		return err
	}
	return nil
}

// InFlight returns the number of jobs queued or running across all pools.
func (ps *Pools) InFlight() int64 {
	return ps.inFlight.Load()
}

// Shutdown stops accepting jobs and waits for queued ones to finish, or for
// ctx to expire.
func (ps *Pools) Shutdown(ctx context.Context) error {
	ps.mu.Lock()
	if ps.closed {
		ps.mu.Unlock()
		return nil
	}
	ps.closed = true
	pools := make([]*pool, 0, len(ps.pools))
	for _, p := range ps.pools {
		pools = append(pools, p)
	}
	ps.mu.Unlock()

	done := make(chan struct{})
	go func() {
		for _, p := range pools {
			p.shutdown()
		}
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("iopool shutdown timed out with %d jobs in flight", ps.InFlight())
	}
}
