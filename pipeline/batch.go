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

package pipeline

import (
	"context"
	"maps"
	"sync"
	"sync/atomic"
)

// Batch is owned by the producer that returns it.
// Consumers must not hold references after returning it to the pool.
// If you must retain, copy rows you need (see CopyRow / CopyBatch).
//
// The Batch reuses underlying Row maps for memory efficiency. Access rows only
// through the provided methods - never retain references to Row objects
// returned by Get() as they may be reused. Use CopyRow() if you need to retain
// data.
type Batch struct {
	rows     []Row // Pre-allocated Row maps, some may be cleared/reused (private)
	validLen int   // Number of valid rows (≤ len(rows)) (private)
}

// batchPool provides memory-efficient batch reuse.
type batchPool struct {
	pool  sync.Pool
	sz    int
	alloc atomic.Uint64
	gets  atomic.Uint64
	puts  atomic.Uint64
}

// newBatchPool creates a new batch pool with the given batch size.
func newBatchPool(batchSize int) *batchPool {
	p := &batchPool{sz: batchSize}
	p.pool = sync.Pool{
		New: func() any {
			p.alloc.Add(1)
			rows := make([]Row, batchSize)
			for i := range rows {
				rows[i] = getPooledRow()
			}
			return &Batch{
				rows:     rows,
				validLen: 0,
			}
		},
	}
	return p
}

// Get returns a clean batch from the pool.
func (p *batchPool) Get() *Batch {
	p.gets.Add(1)
	bufferpoolGetsCounter.Add(context.Background(), 1)
	b := p.pool.Get().(*Batch)
	// Clear all Row maps but keep them allocated for reuse
	for i := range b.rows {
		for k := range b.rows[i] {
			delete(b.rows[i], k)
		}
	}
	b.validLen = 0
	return b
}

// Put returns a batch to the pool for reuse.
func (p *batchPool) Put(b *Batch) {
	p.puts.Add(1)
	bufferpoolPutsCounter.Add(context.Background(), 1)
	// Drop oversized batches to avoid unbounded growth
	if cap(b.rows) > p.sz*4 {
		for i := range b.rows {
			if b.rows[i] != nil {
				returnRowToPool(b.rows[i])
			}
		}
		return
	}
	// Keep the Row maps but reset validLen - they'll be cleared on next Get()
	b.validLen = 0
	p.pool.Put(b)
}

// BatchPoolStats contains counters for batch pool usage.
type BatchPoolStats struct {
	Allocations uint64
	Gets        uint64
	Puts        uint64
}

// LeakedBatches returns the number of batches that were gotten but never returned.
func (s BatchPoolStats) LeakedBatches() uint64 {
	return s.Gets - s.Puts
}

func (p *batchPool) stats() BatchPoolStats {
	return BatchPoolStats{
		Allocations: p.alloc.Load(),
		Gets:        p.gets.Load(),
		Puts:        p.puts.Load(),
	}
}

// Global batch pool for memory efficiency across all operators and spill jobs
var globalBatchPool = newBatchPool(1000) // Default batch size

// rowPool provides memory-efficient Row map reuse
var rowPool = sync.Pool{
	New: func() any {
		return make(Row)
	},
}

// GetBatch returns a reusable batch from the global pool.
// The batch is clean and ready to use.
func GetBatch() *Batch {
	return globalBatchPool.Get()
}

// ReturnBatch returns a batch to the global pool for reuse.
// The batch should not be used after calling this function.
func ReturnBatch(batch *Batch) {
	if batch != nil {
		globalBatchPool.Put(batch)
	}
}

// GlobalBatchPoolStats returns usage counters for the global batch pool.
func GlobalBatchPoolStats() BatchPoolStats {
	return globalBatchPool.stats()
}

// CopyBatch creates a deep copy of a batch.
func CopyBatch(in *Batch) *Batch {
	out := globalBatchPool.Get()
	for i := 0; i < in.Len(); i++ {
		sourceRow := in.Get(i)
		newRow := out.AddRow()
		maps.Copy(newRow, sourceRow)
	}
	return out
}

// Len returns the number of valid rows in the batch.
func (b *Batch) Len() int {
	return b.validLen
}

// Get returns the row at the given index. The returned Row must not be
// retained beyond the lifetime of this batch, as it may be reused. Use
// CopyRow() if you need to retain the data.
func (b *Batch) Get(index int) Row {
	if index < 0 || index >= b.validLen {
		return nil // Invalid index
	}
	return b.rows[index]
}

// AddRow adds a new row to the batch, reusing an existing Row map if
// available. Returns the Row map that should be populated. The returned Row
// must not be retained beyond the lifetime of this batch.
func (b *Batch) AddRow() Row {
	if b.validLen < len(b.rows) {
		row := b.rows[b.validLen]
		for k := range row {
			delete(row, k)
		}
		b.validLen++
		return row
	}

	row := getPooledRow()
	b.rows = append(b.rows, row)
	b.validLen++
	return row
}

// getPooledRow gets a clean row from the pool
func getPooledRow() Row {
	row := rowPool.Get().(Row)
	// Clear any leftover data
	for k := range row {
		delete(row, k)
	}
	return row
}

// returnRowToPool returns a row to the pool after clearing it
func returnRowToPool(row Row) {
	if row == nil {
		return
	}
	// Clear the row before returning to pool
	for k := range row {
		delete(row, k)
	}
	rowPool.Put(row)
}
