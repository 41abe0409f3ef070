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

package sortsink

import (
	"context"
	"errors"
	"io"
	"math"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rowbine/rowbine/internal/iopool"
	"github.com/rowbine/rowbine/internal/spillio"
	"github.com/rowbine/rowbine/pipeline"
)

// fakeStream records the write half of the spill run contract.
type fakeStream struct {
	mu         sync.Mutex
	prepared   bool
	rows       int
	batches    int
	sawLast    bool
	ended      bool
	endCause   error
	discarded  bool
	prepareErr error
	writeErr   error
	writeDelay time.Duration
}

func (f *fakeStream) Prepare() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.prepareErr != nil {
		return f.prepareErr
	}
	f.prepared = true
	return nil
}

func (f *fakeStream) WriteBatch(b *pipeline.Batch, last bool) error {
	if f.writeDelay > 0 {
		time.Sleep(f.writeDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.rows += b.Len()
	f.batches++
	if last {
		f.sawLast = true
	}
	return nil
}

func (f *fakeStream) End(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = true
	f.endCause = err
}

func (f *fakeStream) Discard() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discarded = true
	return nil
}

func (f *fakeStream) Root() string { return "/fake" }
func (f *fakeStream) Bytes() int64 { return int64(f.rows) * 16 }

type streamState struct {
	prepared  bool
	rows      int
	batches   int
	sawLast   bool
	ended     bool
	endCause  error
	discarded bool
}

func (f *fakeStream) snapshot() streamState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return streamState{
		prepared: f.prepared, rows: f.rows, batches: f.batches,
		sawLast: f.sawLast, ended: f.ended, endCause: f.endCause,
		discarded: f.discarded,
	}
}

// fakeRegistry hands out one prebuilt stream per Register call.
type fakeRegistry struct {
	mu      sync.Mutex
	streams []*fakeStream
	next    int
	err     error
}

func (r *fakeRegistry) register(_ context.Context, _ spillio.RegisterOptions) (SpillStream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	if r.next >= len(r.streams) {
		s := &fakeStream{}
		r.streams = append(r.streams, s)
	}
	s := r.streams[r.next]
	r.next++
	return s, nil
}

// goPool runs each submitted job on its own goroutine.
type goPool struct{}

func (goPool) Submit(_ string, job func() error) error {
	go func() { _ = job() }()
	return nil
}

// failPool rejects every submission.
type failPool struct{ err error }

func (p failPool) Submit(string, func() error) error { return p.err }

// holdPool accepts jobs but never runs them, keeping a spill in flight.
type holdPool struct{}

func (holdPool) Submit(string, func() error) error { return nil }

func waitReady(t *testing.T, g *Gate) {
	t.Helper()
	select {
	case <-g.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("gate never became ready")
	}
}

func sinkKeys(t *testing.T, s *Sink, ctx context.Context, eos bool, keys ...int64) {
	t.Helper()
	b := batchOfKeys(t, keys...)
	require.NoError(t, s.Sink(ctx, b, eos))
	pipeline.ReturnBatch(b)
}

func TestSinkDirectReadWithoutSpill(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	shared := NewSharedState(false)
	acc := NewRowAccumulator(byKey)
	s, err := NewSink(shared, acc, nil, nil, Config{QueryID: "q1"})
	require.NoError(t, err)

	// With spill disabled the finish gate starts ready and revocable memory
	// is always zero.
	require.True(t, s.FinishGate().IsReady())
	require.Zero(t, s.RevocableMemSize())
	require.False(t, s.OutputGate().IsReady())

	sinkKeys(t, s, ctx, false, 3, 1)
	sinkKeys(t, s, ctx, true, 2)

	require.True(t, s.OutputGate().IsReady())
	require.Zero(t, shared.RunCount())
	require.NoError(t, s.Close())

	require.Equal(t, []int64{1, 2, 3}, drainSorted(t, acc, 10))
}

func TestSinkSpillsWholeSortAtEndOfStream(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	shared := NewSharedState(true)
	acc := NewRowAccumulator(byKey)
	reg := &fakeRegistry{}
	s, err := NewSink(shared, acc, reg.register, goPool{}, Config{QueryID: "q1"})
	require.NoError(t, err)
	require.False(t, s.FinishGate().IsReady())

	// Three producer batches, no mid-stream trigger: everything spills in a
	// single run at end-of-stream.
	for i := 0; i < 3; i++ {
		b := pipeline.GetBatch()
		for j := 0; j < 1000; j++ {
			b.AddRow()["k"] = int64((i*1000 + j) % 7)
		}
		require.NoError(t, s.Sink(ctx, b, i == 2))
		pipeline.ReturnBatch(b)
	}

	waitReady(t, s.FinishGate())
	require.NoError(t, s.Close())

	require.NoError(t, shared.Status())
	require.Equal(t, 1, shared.RunCount())
	got := reg.streams[0].snapshot()
	require.True(t, got.prepared)
	require.Equal(t, 3000, got.rows)
	require.True(t, got.sawLast)
	require.True(t, got.ended)
	require.NoError(t, got.endCause)
	require.True(t, s.OutputGate().IsReady())
	require.False(t, s.IsSpilling())
}

func TestSinkMidStreamSpillResumesInput(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	shared := NewSharedState(true)
	acc := NewRowAccumulator(byKey)
	reg := &fakeRegistry{}
	s, err := NewSink(shared, acc, reg.register, goPool{}, Config{
		QueryID:          "q1",
		MemoryLimitBytes: 1, // any non-empty batch triggers a spill
	})
	require.NoError(t, err)

	sinkKeys(t, s, ctx, false, 5, 4, 6)

	// The producing task must stay suspended until the drain hands control
	// back through the input gate.
	waitReady(t, s.InputGate())
	require.Zero(t, s.MemoryUsed())
	require.False(t, s.FinishGate().IsReady())

	sinkKeys(t, s, ctx, true, 2, 1)
	waitReady(t, s.FinishGate())
	require.NoError(t, s.Close())

	require.NoError(t, shared.Status())
	require.Equal(t, 2, shared.RunCount())
	require.Equal(t, 3, reg.streams[0].snapshot().rows)
	require.Equal(t, 2, reg.streams[1].snapshot().rows)
}

func TestSinkCloseWaitsForInFlightSpill(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	shared := NewSharedState(true)
	acc := NewRowAccumulator(byKey)
	reg := &fakeRegistry{streams: []*fakeStream{{writeDelay: 100 * time.Millisecond}}}
	s, err := NewSink(shared, acc, reg.register, goPool{}, Config{QueryID: "q1"})
	require.NoError(t, err)

	sinkKeys(t, s, ctx, true, 1, 2, 3)
	require.NoError(t, s.Close())

	// Close may not return before the drain finalized the run.
	got := reg.streams[0].snapshot()
	require.True(t, got.ended)
	require.True(t, got.sawLast)
	require.False(t, s.IsSpilling())
}

func TestSinkPoisonedStateRejectsInput(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	shared := NewSharedState(true)
	acc := NewRowAccumulator(byKey)
	reg := &fakeRegistry{}
	s, err := NewSink(shared, acc, reg.register, goPool{}, Config{QueryID: "q1"})
	require.NoError(t, err)

	cause := errors.New("peer instance failed")
	shared.SetStatus(cause)

	b := batchOfKeys(t, 1)
	require.ErrorIs(t, s.Sink(ctx, b, false), cause)
	pipeline.ReturnBatch(b)

	// A poisoned sink reports maximum revocable memory so the scheduler
	// schedules it immediately and observes the failure.
	require.Equal(t, int64(math.MaxInt64), s.RevocableMemSize())
}

func TestSinkRevokeOnPoisonedStateUnwinds(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	shared := NewSharedState(true)
	acc := NewRowAccumulator(byKey)
	reg := &fakeRegistry{}
	s, err := NewSink(shared, acc, reg.register, goPool{}, Config{QueryID: "q1"})
	require.NoError(t, err)

	sinkKeys(t, s, ctx, false, 1)
	cause := errors.New("peer instance failed")
	shared.SetStatus(cause)

	// No new run may be opened on top of a failed state: the revoke unwinds
	// immediately and returns the recorded error.
	err = s.RevokeMemory(ctx)
	require.ErrorIs(t, err, cause)
	require.False(t, s.IsSpilling())
	require.True(t, s.InputGate().IsReady())
	require.Zero(t, shared.RunCount())
	require.Empty(t, reg.streams)
	require.NoError(t, s.Close())
}

func TestSinkRegisterFailurePoisons(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	shared := NewSharedState(true)
	acc := NewRowAccumulator(byKey)
	cause := errors.New("no spill capacity")
	reg := &fakeRegistry{err: cause}
	s, err := NewSink(shared, acc, reg.register, goPool{}, Config{QueryID: "q1"})
	require.NoError(t, err)

	sinkKeys(t, s, ctx, false, 1)
	err = s.RevokeMemory(ctx)
	require.ErrorIs(t, err, cause)
	require.ErrorIs(t, shared.Status(), cause)
	require.False(t, s.IsSpilling())
	require.True(t, s.InputGate().IsReady())
	require.NoError(t, s.Close())
}

func TestSinkSubmitFailureUnwindsWithoutPoisoning(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	shared := NewSharedState(true)
	acc := NewRowAccumulator(byKey)
	reg := &fakeRegistry{}
	cause := errors.New("io pool saturated")
	s, err := NewSink(shared, acc, reg.register, failPool{err: cause}, Config{QueryID: "q1"})
	require.NoError(t, err)

	sinkKeys(t, s, ctx, false, 1)
	err = s.RevokeMemory(ctx)
	require.ErrorIs(t, err, cause)

	// Saturation is a transient condition: the sink unwinds the run and the
	// shared status stays clean so the scheduler can retry.
	require.NoError(t, shared.Status())
	require.Zero(t, shared.RunCount())
	require.False(t, s.IsSpilling())
	require.True(t, s.InputGate().IsReady())
	got := reg.streams[0].snapshot()
	require.True(t, got.ended)
	require.ErrorIs(t, got.endCause, cause)
	require.NoError(t, s.Close())
}

func TestSinkWriteFailurePoisonsAndDiscardsRuns(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	shared := NewSharedState(true)
	acc := NewRowAccumulator(byKey)
	cause := errors.New("disk write failed")
	reg := &fakeRegistry{streams: []*fakeStream{{writeErr: cause}}}
	s, err := NewSink(shared, acc, reg.register, goPool{}, Config{QueryID: "q1"})
	require.NoError(t, err)

	sinkKeys(t, s, ctx, true, 1, 2, 3)
	waitReady(t, s.FinishGate())
	require.NoError(t, s.Close())

	require.ErrorIs(t, shared.Status(), cause)
	require.Zero(t, shared.RunCount())
	got := reg.streams[0].snapshot()
	require.True(t, got.ended)
	require.ErrorIs(t, got.endCause, cause)
	require.True(t, got.discarded)
}

func TestSinkRevokeWhileSpillingPanics(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	shared := NewSharedState(true)
	acc := NewRowAccumulator(byKey)
	reg := &fakeRegistry{}
	s, err := NewSink(shared, acc, reg.register, holdPool{}, Config{QueryID: "q1"})
	require.NoError(t, err)

	sinkKeys(t, s, ctx, false, 1)
	require.NoError(t, s.RevokeMemory(ctx))
	require.True(t, s.IsSpilling())
	require.Panics(t, func() { _ = s.RevokeMemory(ctx) })
}

func TestSinkCancelledDrainStopsCleanly(t *testing.T) {
	t.Parallel()

	shared := NewSharedState(true)
	acc := NewRowAccumulator(byKey)
	reg := &fakeRegistry{}
	s, err := NewSink(shared, acc, reg.register, goPool{}, Config{QueryID: "q1"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sinkKeys(t, s, ctx, true, 1, 2, 3)
	waitReady(t, s.FinishGate())
	require.NoError(t, s.Close())

	// Cancellation aborts the drain without synthesizing an error of its
	// own; the run is finalized unwritten and dropped from the shared list.
	require.NoError(t, shared.Status())
	require.Zero(t, shared.RunCount())
	got := reg.streams[0].snapshot()
	require.True(t, got.ended)
	require.NoError(t, got.endCause)
	require.False(t, got.sawLast)
	require.Zero(t, got.rows)
}

func TestSinkSpillRoundTripOnDisk(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	mgr, err := spillio.NewManager([]string{t.TempDir()}, nil)
	require.NoError(t, err)
	pools := iopool.NewPools(1, 2)
	t.Cleanup(func() {
		_ = pools.Shutdown(context.Background())
		_ = mgr.Close()
	})

	shared := NewSharedState(true)
	acc := NewRowAccumulator(byKey)
	s, err := NewSink(shared, acc, ManagerRegistry(mgr), pools, Config{QueryID: "q1"})
	require.NoError(t, err)

	var want []int64
	for i := 0; i < 3; i++ {
		b := pipeline.GetBatch()
		for j := 0; j < 500; j++ {
			k := int64((j*7 + i) % 911)
			b.AddRow()["k"] = k
			want = append(want, k)
		}
		require.NoError(t, s.Sink(ctx, b, i == 2))
		pipeline.ReturnBatch(b)
	}
	waitReady(t, s.FinishGate())
	require.NoError(t, s.Close())
	require.NoError(t, shared.Status())

	runs := shared.Runs()
	require.Len(t, runs, 1)
	stream, ok := runs[0].(*spillio.Stream)
	require.True(t, ok)
	require.True(t, stream.Finalized())

	r, err := stream.OpenReader()
	require.NoError(t, err)
	defer r.Close()

	var got []int64
	for {
		batch, err := r.Next(512)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		for i := 0; i < batch.Len(); i++ {
			got = append(got, batch.Get(i)["k"].(int64))
		}
		pipeline.ReturnBatch(batch)
	}

	// Same multiset of rows, in sorted order.
	require.True(t, slices.IsSorted(got))
	slices.Sort(want)
	require.Equal(t, want, got)
}

func TestNewSinkValidation(t *testing.T) {
	t.Parallel()

	acc := NewRowAccumulator(byKey)
	_, err := NewSink(nil, acc, nil, nil, Config{})
	require.Error(t, err)

	_, err = NewSink(NewSharedState(false), nil, nil, nil, Config{})
	require.Error(t, err)

	_, err = NewSink(NewSharedState(true), acc, nil, nil, Config{})
	require.Error(t, err)
}
