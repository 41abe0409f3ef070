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
	"fmt"

	"go.opentelemetry.io/otel"
	otelmetric "go.opentelemetry.io/otel/metric"
)

var (
	rowsInCounter       otelmetric.Int64Counter
	spilledRowsCounter  otelmetric.Int64Counter
	spilledBytesCounter otelmetric.Int64Counter
	sortAppendTimer     otelmetric.Float64Histogram
	mergeReadTimer      otelmetric.Float64Histogram
	spillWriteTimer     otelmetric.Float64Histogram
)

func init() {
	meter := otel.Meter("github.com/rowbine/rowbine/internal/sortsink")

	var err error
	rowsInCounter, err = meter.Int64Counter(
		"rowbine.sortsink.rows.in",
		otelmetric.WithDescription("Number of rows received by sort sinks"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create rows.in counter: %w", err))
	}

	spilledRowsCounter, err = meter.Int64Counter(
		"rowbine.sortsink.spill.rows",
		otelmetric.WithDescription("Number of rows written to spill runs"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create spill.rows counter: %w", err))
	}

	spilledBytesCounter, err = meter.Int64Counter(
		"rowbine.sortsink.spill.bytes",
		otelmetric.WithDescription("Encoded bytes written to spill runs"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create spill.bytes counter: %w", err))
	}

	sortAppendTimer, err = meter.Float64Histogram(
		"rowbine.sortsink.sort.duration",
		otelmetric.WithDescription("Time spent appending batches to the in-memory sorter"),
		otelmetric.WithUnit("s"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create sort.duration histogram: %w", err))
	}

	mergeReadTimer, err = meter.Float64Histogram(
		"rowbine.sortsink.merge.duration",
		otelmetric.WithDescription("Time spent merge-sorting batches before spilling"),
		otelmetric.WithUnit("s"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create merge.duration histogram: %w", err))
	}

	spillWriteTimer, err = meter.Float64Histogram(
		"rowbine.sortsink.spill.duration",
		otelmetric.WithDescription("Time spent writing batches to spill runs"),
		otelmetric.WithUnit("s"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create spill.duration histogram: %w", err))
	}
}

func registerMemoryGauge(s *Sink) {
	meter := otel.Meter("github.com/rowbine/rowbine/internal/sortsink")
	_, err := meter.Int64ObservableGauge(
		"rowbine.sortsink.memory.bytes",
		otelmetric.WithDescription("Resident bytes held by the sink's in-memory sorter"),
		otelmetric.WithInt64Callback(func(_ context.Context, o otelmetric.Int64Observer) error {
			o.Observe(s.MemoryUsed())
			return nil
		}),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create memory.bytes gauge: %w", err))
	}
}
