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

package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	require.True(t, cfg.Spill.Enabled)
	require.Equal(t, []string{os.TempDir()}, cfg.Spill.Roots)
	require.Equal(t, int64(2*1024*1024*1024), cfg.Spill.ByteBudget)
	require.Equal(t, int64(256*1024*1024), cfg.Spill.MemoryLimitBytes)
	require.Equal(t, 2, cfg.Spill.IOWorkers)
	require.Equal(t, 8, cfg.Spill.IOQueueDepth)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("ROWBINE_SPILL_ENABLED", "false")
	t.Setenv("ROWBINE_SPILL_BYTE_BUDGET", "1048576")
	t.Setenv("ROWBINE_SPILL_MEMORY_LIMIT_BYTES", "65536")
	t.Setenv("ROWBINE_SPILL_IO_WORKERS", "4")
	t.Setenv("ROWBINE_SPILL_IO_QUEUE_DEPTH", "16")

	cfg, err := Load()
	require.NoError(t, err)

	require.False(t, cfg.Spill.Enabled)
	require.Equal(t, int64(1048576), cfg.Spill.ByteBudget)
	require.Equal(t, int64(65536), cfg.Spill.MemoryLimitBytes)
	require.Equal(t, 4, cfg.Spill.IOWorkers)
	require.Equal(t, 16, cfg.Spill.IOQueueDepth)
}

func TestLoadRootsFromEnv(t *testing.T) {
	t.Setenv("ROWBINE_SPILL_ROOTS", "/mnt/a,/mnt/b")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, []string{"/mnt/a", "/mnt/b"}, cfg.Spill.Roots)
}
