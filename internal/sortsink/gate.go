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

import "sync"

// Gate is a binary suspend/resume signal consumed by the cooperative
// scheduler: while a gate is blocked, the owning task must not be scheduled.
// A gate flips between blocked and ready any number of times; each ready
// period has its own channel so waiters never observe a stale close.
type Gate struct {
	mu    sync.Mutex
	ready bool
	ch    chan struct{}
}

// NewGate creates a gate in the given initial state.
func NewGate(ready bool) *Gate {
	g := &Gate{ready: ready, ch: make(chan struct{})}
	if ready {
		close(g.ch)
	}
	return g
}

// Block marks the gate not ready. No-op if already blocked.
func (g *Gate) Block() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ready {
		g.ready = false
		g.ch = make(chan struct{})
	}
}

// SetReady marks the gate ready and wakes all waiters. No-op if already ready.
func (g *Gate) SetReady() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.ready {
		g.ready = true
		close(g.ch)
	}
}

// IsReady reports the gate's current state.
func (g *Gate) IsReady() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ready
}

// Ready returns a channel that is closed while the gate is ready. Callers
// must re-fetch the channel after every wakeup since a later Block replaces
// it.
func (g *Gate) Ready() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ch
}
