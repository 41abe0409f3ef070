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

package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rowbine/rowbine/config"
	"github.com/rowbine/rowbine/internal/iopool"
	"github.com/rowbine/rowbine/internal/sortsink"
	"github.com/rowbine/rowbine/internal/spillio"
	"github.com/rowbine/rowbine/pipeline"
)

var (
	sortbenchRows      int
	sortbenchBatchRows int
	sortbenchProducers int
)

var sortbenchCmd = &cobra.Command{
	Use:   "sortbench",
	Short: "Drive the spill-aware sort sink end to end",
	Long:  `Feed generated rows through the spill-aware sort sink against real spill roots and report spill activity.`,
	RunE:  runSortbench,
}

func init() {
	rootCmd.AddCommand(sortbenchCmd)
	sortbenchCmd.Flags().IntVar(&sortbenchRows, "rows", 1_000_000, "total rows to generate")
	sortbenchCmd.Flags().IntVar(&sortbenchBatchRows, "batch-rows", 1000, "rows per input batch")
	sortbenchCmd.Flags().IntVar(&sortbenchProducers, "producers", 4, "concurrent row generators")
}

func runSortbench(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	mgr, err := spillio.NewManager(cfg.Spill.Roots, nil)
	if err != nil {
		return fmt.Errorf("create spill manager: %w", err)
	}
	defer func() {
		if err := mgr.Close(); err != nil {
			slog.Warn("Failed to close spill manager", slog.Any("error", err))
		}
	}()

	pools := iopool.NewPools(cfg.Spill.IOWorkers, cfg.Spill.IOQueueDepth)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := pools.Shutdown(shutdownCtx); err != nil {
			slog.Warn("IO pool shutdown incomplete", slog.Any("error", err))
		}
	}()

	shared := sortsink.NewSharedState(cfg.Spill.Enabled)
	sink, err := sortsink.NewSink(
		shared,
		sortsink.NewRowAccumulator(compareBenchRows),
		sortsink.ManagerRegistry(mgr),
		pools,
		sortsink.Config{
			QueryID:          fmt.Sprintf("sortbench-%d", time.Now().Unix()),
			OperatorID:       0,
			SpillByteBudget:  cfg.Spill.ByteBudget,
			MemoryLimitBytes: cfg.Spill.MemoryLimitBytes,
		},
	)
	if err != nil {
		return fmt.Errorf("create sort sink: %w", err)
	}

	slog.Info("Starting sortbench",
		slog.Int("rows", sortbenchRows),
		slog.Int("batch_rows", sortbenchBatchRows),
		slog.Int("producers", sortbenchProducers),
		slog.Bool("spill_enabled", cfg.Spill.Enabled),
		slog.String("roots", strings.Join(cfg.Spill.Roots, ",")))

	start := time.Now()

	batches := make(chan *pipeline.Batch, sortbenchProducers)
	g, gctx := errgroup.WithContext(ctx)
	rowsPerProducer := sortbenchRows / sortbenchProducers
	for p := 0; p < sortbenchProducers; p++ {
		g.Go(func() error {
			return produceBenchBatches(gctx, batches, rowsPerProducer, sortbenchBatchRows)
		})
	}
	go func() {
		_ = g.Wait()
		close(batches)
	}()

	// Single consumer: the sink is single-writer, and the input gate decides
	// when the next batch may be delivered.
	var sunk int
	for batch := range batches {
		select {
		case <-sink.InputGate().Ready():
		case <-ctx.Done():
			pipeline.ReturnBatch(batch)
			return ctx.Err()
		}
		n := batch.Len()
		err := sink.Sink(ctx, batch, false)
		pipeline.ReturnBatch(batch)
		if err != nil {
			return fmt.Errorf("sink batch: %w", err)
		}
		sunk += n
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("generate rows: %w", err)
	}

	select {
	case <-sink.InputGate().Ready():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := sink.Sink(ctx, nil, true); err != nil {
		return fmt.Errorf("sink end-of-stream: %w", err)
	}

	select {
	case <-sink.FinishGate().Ready():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := sink.Close(); err != nil {
		return fmt.Errorf("close sink: %w", err)
	}
	if err := shared.Status(); err != nil {
		return fmt.Errorf("sink poisoned: %w", err)
	}

	slog.Info("Sortbench finished",
		slog.Int("rows", sunk),
		slog.Int("spill_runs", shared.RunCount()),
		slog.Int64("resident_bytes", sink.MemoryUsed()),
		slog.Duration("elapsed", time.Since(start)))
	return nil
}

func produceBenchBatches(ctx context.Context, out chan<- *pipeline.Batch, rows, batchRows int) error {
	for rows > 0 {
		n := batchRows
		if n > rows {
			n = rows
		}
		batch := pipeline.GetBatch()
		for i := 0; i < n; i++ {
			row := batch.AddRow()
			row["k"] = rand.Int64()
			row["payload"] = fmt.Sprintf("row-%016x", rand.Uint64())
			row["ts"] = time.Now().UnixMicro()
		}
		select {
		case out <- batch:
		case <-ctx.Done():
			pipeline.ReturnBatch(batch)
			return ctx.Err()
		}
		rows -= n
	}
	return nil
}

func compareBenchRows(a, b pipeline.Row) int {
	ka, _ := a["k"].(int64)
	kb, _ := b["k"].(int64)
	switch {
	case ka < kb:
		return -1
	case ka > kb:
		return 1
	default:
		return 0
	}
}
