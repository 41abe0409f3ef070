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

package spillio

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/fxamacker/cbor/v2"

	"github.com/rowbine/rowbine/pipeline"
)

var (
	// ErrBudgetExceeded is returned by WriteBatch when a run would grow past
	// its byte budget.
	ErrBudgetExceeded = errors.New("spill run byte budget exceeded")

	// ErrNotPrepared is returned by WriteBatch before Prepare has been called.
	ErrNotPrepared = errors.New("spill stream is not prepared")

	// ErrStreamClosed is returned when writing to a finalized or aborted stream.
	ErrStreamClosed = errors.New("spill stream is closed")
)

// Stream is the write handle for one spill run. It is open for writing by
// exactly one in-flight job until a WriteBatch call with last=true finalizes
// it, after which the run is immutable and readable. A stream that is never
// finalized must be released with End.
type Stream struct {
	root       string
	path       string
	queryID    string
	tag        string
	operatorID int
	byteBudget int64

	mu        sync.Mutex
	file      *os.File
	buf       *bufio.Writer
	enc       *cbor.Encoder
	digest    *xxhash.Digest
	counter   countingWriter
	written   int64
	rows      int64
	batches   int64
	checksum  uint64
	finalized bool
	aborted   bool
}

// Root returns the spill root this stream writes under. Spill jobs are
// submitted to the worker pool keyed by this root.
func (s *Stream) Root() string { return s.root }

// Path returns the run's file path.
func (s *Stream) Path() string { return s.path }

// Rows returns the number of rows written so far.
func (s *Stream) Rows() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows
}

// Bytes returns the number of encoded bytes written so far.
func (s *Stream) Bytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

// Checksum returns the xxhash of the run's payload. Valid after finalize.
func (s *Stream) Checksum() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checksum
}

// Finalized reports whether the run has been successfully finalized.
func (s *Stream) Finalized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalized
}

// Prepare opens the underlying file for writing.
func (s *Stream) Prepare() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil || s.finalized || s.aborted {
		return fmt.Errorf("prepare spill stream %s: %w", s.path, ErrStreamClosed)
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("open spill file: %w", err)
	}
	s.file = f
	s.buf = bufio.NewWriter(f)
	s.digest = xxhash.New()
	s.enc = encMode.NewEncoder(io.MultiWriter(s.buf, s.digest, &s.counter))
	return nil
}

// countingWriter tracks encoded payload bytes for budget enforcement.
type countingWriter struct {
	n int64
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.n += int64(len(p))
	return len(p), nil
}

// WriteBatch appends one sorted batch to the run. last=true finalizes the run:
// the file is synced, closed, and becomes immutable. An empty batch with
// last=true is valid and just finalizes.
func (s *Stream) WriteBatch(b *pipeline.Batch, last bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalized || s.aborted {
		return ErrStreamClosed
	}
	if s.file == nil {
		return ErrNotPrepared
	}

	if b != nil {
		for i := 0; i < b.Len(); i++ {
			if err := s.enc.Encode(b.Get(i)); err != nil {
				return fmt.Errorf("encode spill row: %w", err)
			}
		}
		s.rows += int64(b.Len())
	}
	s.batches++

	s.written = s.counter.n
	if s.byteBudget > 0 && s.written > s.byteBudget {
		return fmt.Errorf("%w: wrote %d of %d budgeted bytes to %s",
			ErrBudgetExceeded, s.written, s.byteBudget, s.path)
	}

	if !last {
		return nil
	}

	if err := s.buf.Flush(); err != nil {
		return fmt.Errorf("flush spill file: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("sync spill file: %w", err)
	}
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("close spill file: %w", err)
	}
	s.file = nil
	s.buf = nil
	s.enc = nil
	s.checksum = s.digest.Sum64()
	s.finalized = true
	return nil
}

// End releases the stream at the end of a spill cycle. A finalized stream
// with err == nil is left intact; anything else - a failed job, a cancelled
// drain, a run that never reached Prepare - is aborted and its file removed.
// End is safe to call multiple times and before Prepare.
func (s *Stream) End(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalized && err == nil {
		return
	}
	s.abortLocked(err)
}

// Discard removes the run's file. Used when a poisoned sort invalidates its
// completed runs.
func (s *Stream) Discard() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.abortLocked(nil)
	return nil
}

func (s *Stream) abortLocked(cause error) {
	if s.aborted {
		return
	}
	s.aborted = true
	s.finalized = false
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
		s.buf = nil
		s.enc = nil
	}
	if rmErr := os.Remove(s.path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
		slog.Warn("Failed to remove aborted spill file",
			slog.String("path", s.path), slog.Any("error", rmErr))
	}
	if cause != nil {
		slog.Warn("Spill stream aborted",
			slog.String("query_id", s.queryID),
			slog.String("tag", s.tag),
			slog.Int("operator_id", s.operatorID),
			slog.String("path", s.path),
			slog.Any("error", cause))
	}
}

// OpenReader opens a finalized run for reading. Rows come back in the order
// they were written; the payload checksum is verified when the reader reaches
// the end of the run.
func (s *Stream) OpenReader() (*RunReader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.finalized {
		return nil, fmt.Errorf("open spill run %s: %w", s.path, ErrStreamClosed)
	}
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open spill file: %w", err)
	}
	digest := xxhash.New()
	return &RunReader{
		path:         s.path,
		file:         f,
		dec:          decMode.NewDecoder(io.TeeReader(bufio.NewReader(f), digest)),
		digest:       digest,
		wantRows:     s.rows,
		wantChecksum: s.checksum,
	}, nil
}

// RunReader reads a finalized spill run back as batches.
type RunReader struct {
	path         string
	file         *os.File
	dec          *cbor.Decoder
	digest       *xxhash.Digest
	wantRows     int64
	wantChecksum uint64
	rows         int64
	closed       bool
}

// Next returns the next batch of up to maxRows rows, or io.EOF once the run
// is exhausted and verified. The returned batch comes from the global batch
// pool; the caller owns it.
func (r *RunReader) Next(maxRows int) (*pipeline.Batch, error) {
	if r.closed {
		return nil, fmt.Errorf("run reader %s is closed", r.path)
	}
	if maxRows <= 0 {
		maxRows = 1000
	}

	batch := pipeline.GetBatch()
	for batch.Len() < maxRows {
		var row map[string]any
		if err := r.dec.Decode(&row); err != nil {
			if err == io.EOF {
				break
			}
			pipeline.ReturnBatch(batch)
			return nil, fmt.Errorf("decode spill row in %s: %w", r.path, err)
		}
		out := batch.AddRow()
		for k, v := range row {
			out[k] = v
		}
		r.rows++
	}

	if batch.Len() == 0 {
		pipeline.ReturnBatch(batch)
		if err := r.verify(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	return batch, nil
}

func (r *RunReader) verify() error {
	if r.rows != r.wantRows {
		return fmt.Errorf("spill run %s: read %d rows, wrote %d", r.path, r.rows, r.wantRows)
	}
	if got := r.digest.Sum64(); got != r.wantChecksum {
		return fmt.Errorf("spill run %s: checksum mismatch: got %x, want %x",
			r.path, got, r.wantChecksum)
	}
	return nil
}

// Close closes the reader. The run file itself is left in place.
func (r *RunReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	return r.file.Close()
}
