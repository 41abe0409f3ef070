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

// Package sortsink implements the spill-aware sort sink of a pipelined query
// engine. The sink accumulates unsorted input batches in memory and, when the
// working set exceeds its budget or the stream ends, drains the sorted rows
// to external storage on an asynchronous worker pool while the cooperative
// scheduler keeps the producing task suspended through a gate.
package sortsink

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rowbine/rowbine/internal/spillio"
	"github.com/rowbine/rowbine/pipeline"
)

// SpillStream is the write half of the storage collaborator's run contract.
// *spillio.Stream implements it.
type SpillStream interface {
	SpillRun
	Prepare() error
	WriteBatch(b *pipeline.Batch, last bool) error
	End(err error)
	Root() string
	Bytes() int64
}

// Registry allocates spill streams. Use ManagerRegistry to adapt a
// *spillio.Manager; tests substitute fakes.
type Registry func(ctx context.Context, opts spillio.RegisterOptions) (SpillStream, error)

// ManagerRegistry adapts a spillio.Manager into a Registry.
func ManagerRegistry(m *spillio.Manager) Registry {
	return func(ctx context.Context, opts spillio.RegisterOptions) (SpillStream, error) {
		return m.Register(ctx, opts)
	}
}

// JobPool submits asynchronous spill jobs, keyed by the storage root the run
// was placed on. *iopool.Pools implements it.
type JobPool interface {
	Submit(root string, job func() error) error
}

// Config carries the per-instance knobs for a sort sink.
type Config struct {
	// QueryID identifies the owning query in spill file names and logs.
	QueryID string

	// Tag names the operator kind for spill registration. Defaults to "sort".
	Tag string

	// OperatorID distinguishes sink instances within a query.
	OperatorID int

	// SpillByteBudget caps the encoded size of a single spill run.
	SpillByteBudget int64

	// MemoryLimitBytes is the high watermark above which the sink revokes its
	// own memory mid-stream. Zero disables the mid-stream trigger; memory is
	// then revoked only by the scheduler or at end-of-stream.
	MemoryLimitBytes int64
}

// Sink is one local instance of the spill-aware sort sink operator.
//
// The scheduler contract: Sink/RevokeMemory/RevocableMemSize run on the
// cooperative scheduler and never block; while InputGate is blocked the
// scheduler must not call Sink again. OutputGate becomes ready when sorted
// output can be consumed, FinishGate when the pipeline may complete. Close is
// the only genuinely blocking call.
type Sink struct {
	shared   *SharedState
	acc      Accumulator
	registry Registry
	pool     JobPool
	cfg      Config

	inputGate  *Gate
	outputGate *Gate
	finishGate *Gate

	mu        sync.Mutex
	cond      *sync.Cond
	spilling  bool
	eos       bool
	activeRun SpillStream

	memUsage atomic.Int64
}

// NewSink creates a local sink instance over the given shared state. The
// storage registry and job pool are injected; both may be nil when
// shared.EnableSpill is false.
func NewSink(shared *SharedState, acc Accumulator, registry Registry, pool JobPool, cfg Config) (*Sink, error) {
	if shared == nil {
		return nil, fmt.Errorf("sortsink: shared state is required")
	}
	if acc == nil {
		return nil, fmt.Errorf("sortsink: accumulator is required")
	}
	if shared.EnableSpill && (registry == nil || pool == nil) {
		return nil, fmt.Errorf("sortsink: spill registry and job pool are required when spill is enabled")
	}
	if cfg.Tag == "" {
		cfg.Tag = "sort"
	}

	s := &Sink{
		shared:   shared,
		acc:      acc,
		registry: registry,
		pool:     pool,
		cfg:      cfg,

		inputGate:  NewGate(true),
		outputGate: NewGate(false),
		// The finish gate guards pipeline completion against an in-flight
		// asynchronous drain, so it only starts blocked when spill can happen.
		finishGate: NewGate(!shared.EnableSpill),
	}
	s.cond = sync.NewCond(&s.mu)
	registerMemoryGauge(s)
	return s, nil
}

// InputGate gates scheduling of the producing task: blocked while an
// asynchronous spill drains the accumulator.
func (s *Sink) InputGate() *Gate { return s.inputGate }

// OutputGate becomes ready once sorted output is available downstream.
func (s *Sink) OutputGate() *Gate { return s.outputGate }

// FinishGate becomes ready once the pipeline may complete.
func (s *Sink) FinishGate() *Gate { return s.finishGate }

// MemoryUsed returns the last recorded accumulator footprint.
func (s *Sink) MemoryUsed() int64 { return s.memUsage.Load() }

// IsSpilling reports whether an asynchronous spill is in flight.
func (s *Sink) IsSpilling() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spilling
}

// Sink receives one batch from upstream. eos marks end-of-stream; the batch
// may be nil or empty in that case. Data always lands in the in-memory
// accumulator first, spill or not.
func (s *Sink) Sink(ctx context.Context, batch *pipeline.Batch, eos bool) error {
	if err := s.shared.Status(); err != nil {
		return err
	}

	if batch != nil && batch.Len() > 0 {
		rowsInCounter.Add(ctx, int64(batch.Len()))
		s.shared.ObserveBatch(batch)
	}

	s.mu.Lock()
	if eos {
		s.eos = true
	}
	s.mu.Unlock()

	if batch != nil && batch.Len() > 0 {
		start := time.Now()
		if err := s.acc.Append(batch); err != nil {
			err = fmt.Errorf("append to sort accumulator: %w", err)
			s.shared.SetStatus(err)
			return err
		}
		sortAppendTimer.Record(ctx, time.Since(start).Seconds())
	}

	s.memUsage.Store(s.acc.MemoryFootprint())

	if eos {
		return s.finishInput(ctx)
	}

	if s.shared.EnableSpill && s.cfg.MemoryLimitBytes > 0 &&
		s.acc.MemoryFootprint() >= s.cfg.MemoryLimitBytes {
		return s.RevokeMemory(ctx)
	}
	return nil
}

// finishInput handles the end-of-stream transition: spill the remaining
// working set, or finalize for direct in-memory reading.
func (s *Sink) finishInput(ctx context.Context) error {
	if s.shared.EnableSpill && s.RevocableMemSize() > 0 {
		return s.RevokeMemory(ctx)
	}
	if err := s.acc.PrepareForRead(); err != nil {
		err = fmt.Errorf("prepare accumulator for read: %w", err)
		s.shared.SetStatus(err)
		return err
	}
	s.outputGate.SetReady()
	s.finishGate.SetReady()
	return nil
}

// RevocableMemSize returns the bytes the sink could release by spilling. A
// poisoned sink reports the maximum value so the scheduler attends to it
// immediately and surfaces the failure instead of starving the operator.
func (s *Sink) RevocableMemSize() int64 {
	if !s.shared.EnableSpill {
		return 0
	}
	if s.shared.Status() != nil {
		return math.MaxInt64
	}
	return s.acc.MemoryFootprint()
}

// RevokeMemory starts one spill cycle: it registers a run, suspends the
// producing task via the input gate when more input is expected, and submits
// the asynchronous drain job. Calling it while a spill is already in flight
// violates the scheduler contract and panics.
func (s *Sink) RevokeMemory(ctx context.Context) error {
	s.mu.Lock()
	if s.spilling {
		s.mu.Unlock()
		panic("sortsink: RevokeMemory called while a spill is in flight")
	}
	s.spilling = true
	eos := s.eos
	s.mu.Unlock()

	slog.Info("Sort sink revoking memory",
		slog.String("query_id", s.cfg.QueryID),
		slog.Int("operator_id", s.cfg.OperatorID),
		slog.Bool("eos", eos))

	if err := s.shared.Status(); err != nil {
		s.unwindSpill(nil, err, eos)
		return err
	}

	run, err := s.registry(ctx, spillio.RegisterOptions{
		QueryID:      s.cfg.QueryID,
		Tag:          s.cfg.Tag,
		OperatorID:   s.cfg.OperatorID,
		BatchRowHint: s.shared.SpillBatchRows(),
		ByteBudget:   s.cfg.SpillByteBudget,
	})
	if err != nil {
		err = fmt.Errorf("register spill stream: %w", err)
		s.shared.SetStatus(err)
		s.unwindSpill(nil, err, eos)
		return err
	}

	if err := run.Prepare(); err != nil {
		err = fmt.Errorf("prepare spill stream: %w", err)
		s.shared.SetStatus(err)
		s.unwindSpill(run, err, eos)
		return err
	}

	s.shared.AddRun(run)
	s.mu.Lock()
	s.activeRun = run
	s.mu.Unlock()

	// The accumulator being drained cannot accept concurrent writes, so the
	// producing side stays suspended until the completion handshake.
	if !eos {
		s.inputGate.Block()
	}

	if err := s.pool.Submit(run.Root(), func() error { return s.runSpill(ctx) }); err != nil {
		// Unwind as if the spill never started. Not a poisoning failure: the
		// scheduler may retry or report upstream.
		s.shared.DropRun(run)
		s.unwindSpill(run, err, eos)
		return fmt.Errorf("submit spill job: %w", err)
	}
	return nil
}

// unwindSpill reverses a spill that failed before its job started running.
func (s *Sink) unwindSpill(run SpillStream, cause error, eos bool) {
	if run != nil {
		run.End(cause)
	}
	s.mu.Lock()
	s.spilling = false
	s.activeRun = nil
	s.cond.Broadcast()
	s.mu.Unlock()
	if !eos {
		s.inputGate.SetReady()
	}
}

// runSpill is the asynchronous drain job. It runs on the IO worker pool, off
// the cooperative scheduler, and always executes the completion handshake
// exactly once on its way out.
func (s *Sink) runSpill(ctx context.Context) error {
	defer s.completeSpill()

	if err := s.acc.PrepareForSpill(); err != nil {
		err = fmt.Errorf("prepare accumulator for spill: %w", err)
		s.shared.SetStatus(err)
		return err
	}

	s.mu.Lock()
	run := s.activeRun
	s.mu.Unlock()

	for {
		// Cancellation short-circuits the drain without synthesizing an error
		// of its own; the query's failure reason, if any, is recorded by the
		// context's owner. The aborted run leaves the shared list so only
		// completed runs are ever exposed.
		if ctx.Err() != nil {
			s.shared.DropRun(run)
			return nil
		}

		mergeStart := time.Now()
		batch, exhausted, err := s.acc.MergeSortRead(s.shared.SpillBatchRows())
		mergeReadTimer.Record(context.Background(), time.Since(mergeStart).Seconds())
		if err != nil {
			err = fmt.Errorf("merge sort read for spill: %w", err)
			s.shared.SetStatus(err)
			return err
		}

		rows := batch.Len()
		writeStart := time.Now()
		err = run.WriteBatch(batch, exhausted)
		spillWriteTimer.Record(context.Background(), time.Since(writeStart).Seconds())
		pipeline.ReturnBatch(batch)
		if err != nil {
			err = fmt.Errorf("write spill batch: %w", err)
			s.shared.SetStatus(err)
			return err
		}
		spilledRowsCounter.Add(context.Background(), int64(rows))

		if exhausted {
			spilledBytesCounter.Add(context.Background(), run.Bytes())
			break
		}
	}

	s.mu.Lock()
	eos := s.eos
	s.mu.Unlock()
	if !eos {
		s.acc.Reset()
		s.memUsage.Store(s.acc.MemoryFootprint())
	}
	return nil
}

// completeSpill finalizes the run and performs the completion handshake. It
// is the only writer of gate state on the asynchronous side, and its gate
// transitions are atomic with respect to a concurrent Close wait.
func (s *Sink) completeSpill() {
	status := s.shared.Status()

	s.mu.Lock()
	run := s.activeRun
	s.mu.Unlock()
	if run != nil {
		run.End(status)
	}

	if status != nil {
		slog.Warn("Sort sink revoke memory failed",
			slog.String("query_id", s.cfg.QueryID),
			slog.Int("operator_id", s.cfg.OperatorID),
			slog.Any("error", status))
		if err := s.shared.Clear(); err != nil {
			slog.Warn("Failed to discard spill runs",
				slog.String("query_id", s.cfg.QueryID),
				slog.Any("error", err))
		}
	} else {
		slog.Info("Sort sink revoke memory finished",
			slog.String("query_id", s.cfg.QueryID),
			slog.Int("operator_id", s.cfg.OperatorID))
	}

	s.mu.Lock()
	s.activeRun = nil
	s.spilling = false
	eos := s.eos
	if eos {
		s.outputGate.SetReady()
		s.finishGate.SetReady()
	} else {
		s.inputGate.SetReady()
	}
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Close blocks until any in-flight asynchronous spill for this instance has
// fully drained, so no dangling write outlives the execution context.
func (s *Sink) Close() error {
	s.mu.Lock()
	for s.spilling {
		s.cond.Wait()
	}
	s.mu.Unlock()
	return nil
}
