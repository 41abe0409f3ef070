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

package iopool

import (
	"context"
	"log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

func registerInFlightGauge(ps *Pools) {
	meter := otel.Meter("github.com/rowbine/rowbine/internal/iopool")
	_, err := meter.Int64ObservableGauge(
		"rowbine.iopool.jobs_in_flight",
		metric.WithDescription("Number of spill jobs queued or running"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(ps.InFlight())
			return nil
		}),
	)
	if err != nil {
		log.Fatalf("failed to create iopool.jobs_in_flight gauge: %v", err)
	}
}
