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
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Spill runs are encoded as a plain CBOR stream of row maps. The format is
// process-local: a run is always read back by the process that wrote it, so
// no versioning or cross-process stability is needed.
//
// CBOR type behavior for rows:
//   - All integers (int32, uint32, int) decode back as int64
//   - float32 decodes back as float64
//   - Maps decode directly as map[string]any (via DefaultMapType)
//   - string, bool, []byte, nil are preserved exactly
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.EncOptions{
		Sort:          cbor.SortNone,          // Don't sort map keys - preserve order
		ShortestFloat: cbor.ShortestFloatNone, // Don't convert float types
		BigIntConvert: cbor.BigIntConvertNone, // Don't convert large integers
		Time:          cbor.TimeUnixMicro,     // Encode times as Unix timestamps
		TimeTag:       cbor.EncTagNone,        // Don't add CBOR time tags
	}.EncMode()
	if err != nil {
		panic(fmt.Errorf("failed to create CBOR encoder: %w", err))
	}

	decMode, err = cbor.DecOptions{
		BigIntDec:      cbor.BigIntDecodeValue,   // Preserve large integers
		IntDec:         cbor.IntDecConvertSigned, // Convert all integers to int64 (signed)
		DefaultMapType: reflect.TypeOf(map[string]any{}),
		UTF8:           cbor.UTF8DecodeInvalid, // Allow invalid UTF-8 in string columns
	}.DecMode()
	if err != nil {
		panic(fmt.Errorf("failed to create CBOR decoder: %w", err))
	}
}
