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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/oklog/ulid/v2"

	"github.com/rowbine/rowbine/internal/helpers"
)

const spillSubdir = "rowbine-spill"

var (
	// ErrNoCapacity is returned by Register when no spill root can hold the
	// requested byte budget.
	ErrNoCapacity = errors.New("no spill root has capacity")

	// ErrManagerClosed is returned by Register after Close.
	ErrManagerClosed = errors.New("spill manager is closed")
)

// DiskUsageFunc returns free and total bytes for the filesystem containing path.
type DiskUsageFunc func(path string) (freeBytes, totalBytes uint64, err error)

func statfsUsage(path string) (uint64, uint64, error) {
	u, err := helpers.DiskUsage(path)
	if err != nil {
		return 0, 0, err
	}
	return u.FreeBytes, u.TotalBytes, nil
}

// RegisterOptions identifies the operator a spill run belongs to and carries
// its sizing hints.
type RegisterOptions struct {
	// QueryID identifies the owning query, used in file names and logs.
	QueryID string

	// Tag names the spilling operator kind, e.g. "sort".
	Tag string

	// OperatorID distinguishes operator instances within a query.
	OperatorID int

	// BatchRowHint is the expected rows per written batch. Advisory only.
	BatchRowHint int

	// ByteBudget caps how many bytes this run may write. Zero means unlimited;
	// a non-zero budget is also used for capacity-based root selection.
	ByteBudget int64
}

// Manager owns the configured spill roots and hands out write streams,
// choosing a root by available capacity. It is injected into operators at
// setup rather than looked up through a process-global accessor.
type Manager struct {
	roots []string
	usage DiskUsageFunc

	mu     sync.Mutex
	closed bool
}

// NewManager creates a spill manager over the given root directories. Each
// root gets a private subdirectory for spill files. usage may be nil, in
// which case filesystem stats are read via statfs.
func NewManager(roots []string, usage DiskUsageFunc) (*Manager, error) {
	if len(roots) == 0 {
		return nil, errors.New("at least one spill root is required")
	}
	if usage == nil {
		usage = statfsUsage
	}
	for _, root := range roots {
		if err := os.MkdirAll(filepath.Join(root, spillSubdir), 0o755); err != nil {
			return nil, fmt.Errorf("create spill dir under %s: %w", root, err)
		}
	}
	return &Manager{roots: roots, usage: usage}, nil
}

// Roots returns the configured spill roots. Worker pools are keyed by these.
func (m *Manager) Roots() []string {
	return m.roots
}

// Register allocates a write stream for one spill run on the root with the
// most free capacity that can hold opts.ByteBudget. The stream is not opened
// until Prepare is called.
func (m *Manager) Register(ctx context.Context, opts RegisterOptions) (*Stream, error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, ErrManagerClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	root, err := m.pickRoot(opts.ByteBudget)
	if err != nil {
		return nil, err
	}

	id := ulid.Make()
	name := fmt.Sprintf("%s-%s-%d-%s.run", opts.QueryID, opts.Tag, opts.OperatorID, id)
	stream := &Stream{
		root:       root,
		path:       filepath.Join(root, spillSubdir, name),
		queryID:    opts.QueryID,
		tag:        opts.Tag,
		operatorID: opts.OperatorID,
		byteBudget: opts.ByteBudget,
	}

	slog.Debug("Registered spill stream",
		slog.String("query_id", opts.QueryID),
		slog.String("tag", opts.Tag),
		slog.Int("operator_id", opts.OperatorID),
		slog.String("root", root))
	return stream, nil
}

// pickRoot returns the root with the most free bytes, skipping roots that
// cannot hold the byte budget or whose stats cannot be read.
func (m *Manager) pickRoot(byteBudget int64) (string, error) {
	var best string
	var bestFree uint64
	var statErr error
	for _, root := range m.roots {
		free, _, err := m.usage(root)
		if err != nil {
			slog.Warn("Failed to stat spill root, skipping",
				slog.String("root", root), slog.Any("error", err))
			statErr = err
			continue
		}
		if byteBudget > 0 && free < uint64(byteBudget) {
			continue
		}
		if best == "" || free > bestFree {
			best = root
			bestFree = free
		}
	}
	if best == "" {
		if statErr != nil {
			return "", fmt.Errorf("%w: %d roots configured, last stat error: %s",
				ErrNoCapacity, len(m.roots), statErr)
		}
		return "", fmt.Errorf("%w: need %d bytes across %d roots",
			ErrNoCapacity, byteBudget, len(m.roots))
	}
	return best, nil
}

// Close removes the manager's spill subdirectories. Callers must have drained
// all in-flight streams first.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	var errs *multierror.Error
	for _, root := range m.roots {
		if err := os.RemoveAll(filepath.Join(root, spillSubdir)); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("remove spill dir under %s: %w", root, err))
		}
	}
	return errs.ErrorOrNil()
}
