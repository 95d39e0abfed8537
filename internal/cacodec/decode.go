// Copyright (C) 2014 Jakob Borg and Contributors (see the CONTRIBUTORS file).
//
// This program is free software: you can redistribute it and/or modify it
// under the terms of the GNU General Public License as published by the Free
// Software Foundation, either version 3 of the License, or (at your option)
// any later version.
//
// This program is distributed in the hope that it will be useful, but WITHOUT
// ANY WARRANTY; without even the implied warranty of MERCHANTABILITY or
// FITNESS FOR A PARTICULAR PURPOSE. See the GNU General Public License for
// more details.
//
// You should have received a copy of the GNU General Public License along
// with this program. If not, see <http://www.gnu.org/licenses/>.

package cacodec

import (
	"encoding/binary"
	"math"
	"strings"
	"time"

	"github.com/vstadnytskyi/EPICS-CA/internal/catypes"
)

// DecodeValue strips the scope metadata header (if any) and decodes
// data_count repetitions of the base type. It never errors: an unknown type
// code decodes to opaque bytes, and a declared count that overruns the
// available payload is clamped down to what is actually present, per
// spec.md §4.1's decoder tolerance.
func DecodeValue(dt catypes.DataType, count int, payload []byte) (catypes.Value, time.Time, error) {
	scope, base, ok := dt.Decompose()
	if !ok {
		return catypes.Of(append([]byte(nil), payload...)), time.Time{}, nil
	}
	if count < 1 {
		count = 1
	}

	hdrSize := dt.HeaderSize()
	var ts time.Time
	if scope == catypes.ScopeTIME && len(payload) >= 12 {
		seconds := binary.BigEndian.Uint32(payload[4:8])
		nanos := binary.BigEndian.Uint32(payload[8:12])
		ts = time.Unix(int64(seconds)+epicsEpochOffset, int64(nanos))
	}

	body := payload
	if hdrSize <= len(body) {
		body = body[hdrSize:]
	} else {
		body = nil
	}

	native := decodeElements(base, count, body)
	return catypes.Of(native), ts, nil
}

func decodeElements(base catypes.Base, count int, body []byte) interface{} {
	switch base {
	case catypes.BaseString:
		parts := strings.Split(string(body), "\x00")
		if len(parts) > count {
			parts = parts[:count]
		}
		if count <= 1 {
			if len(parts) == 0 {
				return ""
			}
			return parts[0]
		}
		out := make([]string, count)
		copy(out, parts)
		return out

	case catypes.BaseShort, catypes.BaseEnum:
		n := clampCount(count, len(body), 2)
		out := make([]int16, count)
		for i := 0; i < n; i++ {
			out[i] = int16(binary.BigEndian.Uint16(body[i*2:]))
		}
		if count == 1 {
			return out[0]
		}
		return out

	case catypes.BaseFloat:
		n := clampCount(count, len(body), 4)
		out := make([]float32, count)
		for i := 0; i < n; i++ {
			out[i] = math.Float32frombits(binary.BigEndian.Uint32(body[i*4:]))
		}
		if count == 1 {
			return out[0]
		}
		return out

	case catypes.BaseChar:
		n := clampCount(count, len(body), 1)
		out := make([]int8, count)
		for i := 0; i < n; i++ {
			out[i] = int8(body[i])
		}
		if count == 1 {
			return out[0]
		}
		return out

	case catypes.BaseLong:
		n := clampCount(count, len(body), 4)
		out := make([]int32, count)
		for i := 0; i < n; i++ {
			out[i] = int32(binary.BigEndian.Uint32(body[i*4:]))
		}
		if count == 1 {
			return out[0]
		}
		return out

	case catypes.BaseDouble:
		n := clampCount(count, len(body), 8)
		out := make([]float64, count)
		for i := 0; i < n; i++ {
			out[i] = math.Float64frombits(binary.BigEndian.Uint64(body[i*8:]))
		}
		if count == 1 {
			return out[0]
		}
		return out

	default:
		return body
	}
}

// clampCount returns how many whole elements of elemSize actually fit in
// bodyLen bytes, never more than declared count; it is 0 when bodyLen holds
// no whole element (spec.md §4.1: "clamp to what is present, never fail").
func clampCount(count, bodyLen, elemSize int) int {
	avail := bodyLen / elemSize
	if avail > count {
		avail = count
	}
	if avail < 0 {
		avail = 0
	}
	return avail
}
