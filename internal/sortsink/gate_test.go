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
	"testing"
	"time"
)

func TestGateInitialState(t *testing.T) {
	t.Parallel()

	ready := NewGate(true)
	if !ready.IsReady() {
		t.Error("NewGate(true) should be ready")
	}
	select {
	case <-ready.Ready():
	default:
		t.Error("ready gate's channel should be closed")
	}

	blocked := NewGate(false)
	if blocked.IsReady() {
		t.Error("NewGate(false) should be blocked")
	}
	select {
	case <-blocked.Ready():
		t.Error("blocked gate's channel should not be closed")
	default:
	}
}

func TestGateSetReadyWakesWaiter(t *testing.T) {
	t.Parallel()

	g := NewGate(false)
	woke := make(chan struct{})
	go func() {
		<-g.Ready()
		close(woke)
	}()

	g.SetReady()
	select {
	case <-woke:
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by SetReady")
	}
}

func TestGateReblockReplacesChannel(t *testing.T) {
	t.Parallel()

	g := NewGate(true)
	first := g.Ready()
	g.Block()
	second := g.Ready()
	if first == second {
		t.Fatal("Block should install a fresh channel")
	}
	select {
	case <-second:
		t.Error("re-blocked gate should not report ready")
	default:
	}

	// Redundant transitions are no-ops.
	g.Block()
	if g.Ready() != second {
		t.Error("redundant Block replaced the channel")
	}
	g.SetReady()
	g.SetReady()
	if !g.IsReady() {
		t.Error("gate should be ready")
	}
}
