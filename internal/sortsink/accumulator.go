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
	"errors"
	"slices"
	"sync/atomic"

	"github.com/rowbine/rowbine/pipeline"
)

// SortKeyFunc compares two rows and returns a negative value if a sorts
// before b, zero if equal, positive otherwise.
type SortKeyFunc func(a, b pipeline.Row) int

// Accumulator is the narrow capability set the sink needs from an in-memory
// sorter. The producer and the spill drain never run against it concurrently;
// only MemoryFootprint may be polled from another goroutine.
type Accumulator interface {
	// Append accumulates one batch of unsorted rows.
	Append(b *pipeline.Batch) error

	// MemoryFootprint returns the current resident bytes. Cheap; polled on
	// every batch to decide spill eligibility.
	MemoryFootprint() int64

	// PrepareForRead finalizes in-memory order for direct output when no
	// spill ever occurs.
	PrepareForRead() error

	// PrepareForSpill switches from accepting input to producing a sorted
	// output sequence. Idempotent within one spill cycle.
	PrepareForSpill() error

	// MergeSortRead produces the next sorted batch of at most maxRows rows.
	// The second result is true once the sorted sequence is exhausted; the
	// sequence is not replayable.
	MergeSortRead(maxRows int) (*pipeline.Batch, bool, error)

	// Reset returns the accumulator to append-ready state after a spill cycle
	// drains it.
	Reset()
}

// ErrAccumulatorReading is returned by Append while the accumulator is
// producing its sorted output.
var ErrAccumulatorReading = errors.New("sortsink: accumulator is in read mode")

// RowAccumulator is the in-memory sorter behind the sink: it buffers copied
// rows, tracks an estimated resident size, and sorts once per cycle when
// switched to read mode.
type RowAccumulator struct {
	cmp     SortKeyFunc
	rows    []pipeline.Row
	bytes   atomic.Int64
	reading bool
	cursor  int
}

// NewRowAccumulator creates an accumulator ordering rows by cmp.
func NewRowAccumulator(cmp SortKeyFunc) *RowAccumulator {
	return &RowAccumulator{
		cmp:  cmp,
		rows: make([]pipeline.Row, 0, 1024),
	}
}

// Append copies the batch's rows into the buffer. The batch stays owned by
// the caller.
func (a *RowAccumulator) Append(b *pipeline.Batch) error {
	if a.reading {
		return ErrAccumulatorReading
	}
	for i := 0; i < b.Len(); i++ {
		row := pipeline.CopyRow(b.Get(i))
		a.rows = append(a.rows, row)
		a.bytes.Add(pipeline.EstimateRowBytes(row))
	}
	return nil
}

// MemoryFootprint returns the estimated resident bytes of buffered rows.
func (a *RowAccumulator) MemoryFootprint() int64 {
	return a.bytes.Load()
}

// PrepareForRead sorts the buffer for direct in-memory output.
func (a *RowAccumulator) PrepareForRead() error {
	return a.PrepareForSpill()
}

// PrepareForSpill sorts the buffer and switches to read mode. Calling it
// again within the same cycle is a no-op.
func (a *RowAccumulator) PrepareForSpill() error {
	if a.reading {
		return nil
	}
	slices.SortStableFunc(a.rows, a.cmp)
	a.reading = true
	a.cursor = 0
	return nil
}

// MergeSortRead returns the next sorted batch of at most maxRows rows. The
// returned batch comes from the global batch pool; the caller owns it.
func (a *RowAccumulator) MergeSortRead(maxRows int) (*pipeline.Batch, bool, error) {
	if !a.reading {
		return nil, false, errors.New("sortsink: accumulator is not prepared for read")
	}
	if maxRows <= 0 {
		maxRows = 1000
	}

	batch := pipeline.GetBatch()
	end := a.cursor + maxRows
	if end > len(a.rows) {
		end = len(a.rows)
	}
	for ; a.cursor < end; a.cursor++ {
		out := batch.AddRow()
		for k, v := range a.rows[a.cursor] {
			out[k] = v
		}
	}
	return batch, a.cursor >= len(a.rows), nil
}

// Reset drops the buffered rows and reopens the accumulator for input.
func (a *RowAccumulator) Reset() {
	a.rows = a.rows[:0]
	a.bytes.Store(0)
	a.reading = false
	a.cursor = 0
}
