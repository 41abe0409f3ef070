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
	"log/slog"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/rowbine/rowbine/pipeline"
)

const (
	// SpillBatchBytes is the target encoded size of one spilled batch.
	SpillBatchBytes = 8 * 1024 * 1024

	minSpillBatchRows     = 128
	maxSpillBatchRows     = 65536
	defaultSpillBatchRows = 4096

	// Weight for the rows-per-byte moving estimate; adapt slowly to avoid
	// overreacting to outlier batches.
	batchRowDecay = 0.1
)

// SharedState is shared by all local instances of one sort sink cooperating
// on the same fragment. All fields behind the mutex; the run list is
// append-only from spill completion handshakes.
type SharedState struct {
	// EnableSpill is decided by the planner at setup and never changes.
	EnableSpill bool

	mu             sync.Mutex
	status         error
	runs           []SpillRun
	avgRowBytes    float64
	spillBatchRows int
}

// SpillRun is the shared-state view of one completed (or in-flight) run.
// The merge-read side narrows it back to the concrete stream type.
type SpillRun interface {
	Discard() error
}

// NewSharedState creates the state shared across a sink's local instances.
func NewSharedState(enableSpill bool) *SharedState {
	return &SharedState{
		EnableSpill:    enableSpill,
		spillBatchRows: defaultSpillBatchRows,
	}
}

// Status returns the recorded sink status: nil, or the first error observed.
func (s *SharedState) Status() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// SetStatus records a sink failure. First error wins: once poisoned the
// status is never overwritten, and later errors are only logged.
func (s *SharedState) SetStatus(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != nil {
		slog.Warn("Sink already poisoned, dropping subsequent error",
			slog.Any("status", s.status), slog.Any("error", err))
		return
	}
	s.status = err
}

// ObserveBatch updates the rows-per-byte estimate used to size future spill
// batches. Called only for non-empty batches.
func (s *SharedState) ObserveBatch(b *pipeline.Batch) {
	if b == nil || b.Len() == 0 {
		return
	}
	var bytes int64
	for i := 0; i < b.Len(); i++ {
		bytes += pipeline.EstimateRowBytes(b.Get(i))
	}
	avg := float64(bytes) / float64(b.Len())
	if avg <= 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.avgRowBytes == 0 {
		s.avgRowBytes = avg
	} else {
		s.avgRowBytes = s.avgRowBytes*(1-batchRowDecay) + avg*batchRowDecay
	}
	rows := int(SpillBatchBytes / s.avgRowBytes)
	if rows < minSpillBatchRows {
		rows = minSpillBatchRows
	}
	if rows > maxSpillBatchRows {
		rows = maxSpillBatchRows
	}
	s.spillBatchRows = rows
}

// SpillBatchRows returns the current row-count hint for spilled batches.
func (s *SharedState) SpillBatchRows() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spillBatchRows
}

// AddRun appends a run to the ordered list of this sink's spill runs.
func (s *SharedState) AddRun(run SpillRun) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, run)
}

// DropRun removes a run that never started draining, after a failed job
// submission unwound the spill.
func (s *SharedState) DropRun(run SpillRun) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.runs {
		if r == run {
			s.runs = append(s.runs[:i], s.runs[i+1:]...)
			return
		}
	}
}

// Runs returns the ordered list of recorded runs.
func (s *SharedState) Runs() []SpillRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SpillRun, len(s.runs))
	copy(out, s.runs)
	return out
}

// RunCount returns the number of runs recorded so far.
func (s *SharedState) RunCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runs)
}

// Clear discards every recorded run. A poisoned sort must not be partially
// consumed downstream.
func (s *SharedState) Clear() error {
	s.mu.Lock()
	runs := s.runs
	s.runs = nil
	s.mu.Unlock()

	var errs *multierror.Error
	for _, run := range runs {
		if err := run.Discard(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}
