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
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/vstadnytskyi/EPICS-CA/internal/catypes"
)

// epicsEpochOffset is the number of seconds between the Unix epoch
// (1970-01-01) and the CA TIME_ epoch (1990-01-01), spec.md §4.1.
const epicsEpochOffset = 631152000

// EncodeOptions carries the status/severity/timestamp fields that go into
// the STS_/TIME_/GR_/CTRL_ metadata headers. Zero values mean "normal,
// success, now" — the same defaults the original Python implementation
// hard-codes.
type EncodeOptions struct {
	Status    uint16
	Severity  uint16
	Timestamp time.Time
}

func (o EncodeOptions) severity() uint16 {
	if o.Severity == 0 {
		return 1
	}
	return o.Severity
}

func (o EncodeOptions) timestamp() time.Time {
	if o.Timestamp.IsZero() {
		return time.Now()
	}
	return o.Timestamp
}

// EncodeValue renders v as the scope header (if any) plus the data_count
// repetitions of the base type, per spec.md §4.1's "Value encoding". On
// out-of-range or wrong-shaped input it substitutes the base's zero value
// rather than failing (spec.md's "Encoder guarantees").
func EncodeValue(dt catypes.DataType, count int, v catypes.Value, opts EncodeOptions) []byte {
	scope, base, ok := dt.Decompose()
	if !ok {
		// Unknown type code: best effort, encode as opaque bytes.
		if s, isStr := v.Native.(string); isStr {
			return []byte(s)
		}
		return nil
	}
	if count < 1 {
		count = 1
	}

	var buf bytes.Buffer
	encodeHeader(&buf, scope, base, opts)
	encodeElements(&buf, base, count, v.Native)
	return buf.Bytes()
}

func encodeHeader(buf *bytes.Buffer, scope catypes.Scope, base catypes.Base, opts EncodeOptions) {
	switch scope {
	case catypes.ScopePlain:
		return
	case catypes.ScopeSTS:
		writeU16(buf, opts.Status)
		writeU16(buf, opts.severity())
		switch base {
		case catypes.BaseChar:
			buf.Write(make([]byte, 1))
		case catypes.BaseDouble:
			buf.Write(make([]byte, 4))
		}
	case catypes.ScopeTIME:
		writeU16(buf, opts.Status)
		writeU16(buf, opts.severity())
		ts := opts.timestamp()
		seconds := uint32(ts.Unix() - epicsEpochOffset)
		nanos := uint32(ts.Nanosecond())
		writeU32(buf, seconds)
		writeU32(buf, nanos)
		switch base {
		case catypes.BaseShort, catypes.BaseEnum:
			buf.Write(make([]byte, 2))
		case catypes.BaseChar:
			buf.Write(make([]byte, 3))
		case catypes.BaseDouble:
			buf.Write(make([]byte, 4))
		}
	case catypes.ScopeGR, catypes.ScopeCTRL:
		writeU16(buf, opts.Status)
		writeU16(buf, opts.severity())
		n := 6
		if scope == catypes.ScopeCTRL {
			n = 8
		}
		const precision = 8
		switch base {
		case catypes.BaseString:
			// no extra fields
		case catypes.BaseShort:
			buf.Write(make([]byte, 8+n*2))
		case catypes.BaseFloat:
			writeU16(buf, precision)
			buf.Write(make([]byte, 2+8+n*4))
		case catypes.BaseEnum:
			buf.Write(make([]byte, 2+16*26))
		case catypes.BaseChar:
			buf.Write(make([]byte, 8+n*1+1))
		case catypes.BaseLong:
			buf.Write(make([]byte, 8+n*4))
		case catypes.BaseDouble:
			writeU16(buf, precision)
			buf.Write(make([]byte, 2+8+n*8))
		}
	}
}

func writeU16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func encodeElements(buf *bytes.Buffer, base catypes.Base, count int, native interface{}) {
	switch base {
	case catypes.BaseString:
		strs := toStrings(native, count)
		buf.WriteString(strings.Join(strs, "\x00"))
		buf.WriteByte(0)
	case catypes.BaseShort, catypes.BaseEnum:
		for _, f := range toFloats(native, count) {
			writeInt16(buf, int16(clampInt(f, math.MinInt16, math.MaxInt16)))
		}
	case catypes.BaseFloat:
		for _, f := range toFloats(native, count) {
			var b [4]byte
			binary.BigEndian.PutUint32(b[:], math.Float32bits(float32(f)))
			buf.Write(b[:])
		}
	case catypes.BaseChar:
		for _, f := range toFloats(native, count) {
			buf.WriteByte(byte(int8(clampInt(f, math.MinInt8, math.MaxInt8))))
		}
	case catypes.BaseLong:
		for _, f := range toFloats(native, count) {
			var b [4]byte
			binary.BigEndian.PutUint32(b[:], uint32(int32(clampInt(f, math.MinInt32, math.MaxInt32))))
			buf.Write(b[:])
		}
	case catypes.BaseDouble:
		for _, f := range toFloats(native, count) {
			var b [8]byte
			binary.BigEndian.PutUint64(b[:], math.Float64bits(f))
			buf.Write(b[:])
		}
	}
}

func writeInt16(buf *bytes.Buffer, v int16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], uint16(v))
	buf.Write(b[:])
}

func clampInt(f float64, lo, hi int) int {
	if math.IsNaN(f) {
		return 0
	}
	n := int(f)
	if n < lo || n > hi {
		return 0
	}
	return n
}

// elementsOf normalizes a native value (scalar or slice, of any of the
// kinds listed in spec.md §4.5) into a slice of interface{} elements.
func elementsOf(native interface{}) []interface{} {
	switch v := native.(type) {
	case nil:
		return nil
	case []interface{}:
		return v
	case []string:
		out := make([]interface{}, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out
	case []int8:
		out := make([]interface{}, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out
	case []int16:
		out := make([]interface{}, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out
	case []int32:
		out := make([]interface{}, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out
	case []int64:
		out := make([]interface{}, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out
	case []int:
		out := make([]interface{}, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out
	case []bool:
		out := make([]interface{}, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out
	case []float32:
		out := make([]interface{}, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out
	case []float64:
		out := make([]interface{}, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out
	default:
		return []interface{}{v}
	}
}

func toFloats(native interface{}, count int) []float64 {
	elems := elementsOf(native)
	out := make([]float64, count)
	for i := 0; i < count; i++ {
		if i < len(elems) {
			out[i] = asFloat(elems[i])
		}
	}
	return out
}

func asFloat(v interface{}) float64 {
	switch t := v.(type) {
	case int8:
		return float64(t)
	case int16:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case int:
		return float64(t)
	case uint8:
		return float64(t)
	case uint16:
		return float64(t)
	case uint32:
		return float64(t)
	case float32:
		return float64(t)
	case float64:
		return t
	case bool:
		if t {
			return 1
		}
		return 0
	default:
		return 0
	}
}

func toStrings(native interface{}, count int) []string {
	elems := elementsOf(native)
	out := make([]string, count)
	for i := 0; i < count; i++ {
		if i < len(elems) {
			switch s := elems[i].(type) {
			case string:
				out[i] = s
			default:
				out[i] = fmt.Sprintf("%v", s)
			}
		}
	}
	return out
}
