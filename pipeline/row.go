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

import "maps"

// Row represents a single data row as a map of column name to value.
type Row map[string]any

// CopyRow creates a deep copy of a row.
func CopyRow(in Row) Row {
	return copyRow(in)
}

// copyRow creates a deep copy of a row using the lower-level maps.Copy primitive.
func copyRow(in Row) Row {
	out := make(Row, len(in))
	maps.Copy(out, in)
	return out
}

// Per-entry map bookkeeping charged on top of the value payload; rough but
// stable, which matters more than precision for spill decisions.
const rowEntryOverheadBytes = 48

// EstimateRowBytes returns an approximate resident size for a row. It is
// intentionally cheap since callers charge it once per appended row to track
// revocable memory, so only the dominant payloads (strings, byte slices) are
// measured exactly and scalars get flat costs.
func EstimateRowBytes(row Row) int64 {
	size := int64(0)
	for k, v := range row {
		size += int64(len(k)) + rowEntryOverheadBytes
		switch val := v.(type) {
		case string:
			size += int64(len(val))
		case []byte:
			size += int64(len(val))
		case []string:
			for _, s := range val {
				size += int64(len(s)) + 16
			}
		case []int64:
			size += int64(len(val)) * 8
		case []float64:
			size += int64(len(val)) * 8
		case []any:
			size += int64(len(val)) * 16
		case nil:
			// tag only
		default:
			size += 8
		}
	}
	return size
}
