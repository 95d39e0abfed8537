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
	"fmt"
	"testing"
	"time"

	"github.com/vstadnytskyi/EPICS-CA/internal/catypes"
)

var allScopes = []catypes.Scope{
	catypes.ScopePlain, catypes.ScopeSTS, catypes.ScopeTIME, catypes.ScopeGR, catypes.ScopeCTRL,
}

var allBases = []catypes.Base{
	catypes.BaseString, catypes.BaseShort, catypes.BaseFloat, catypes.BaseEnum,
	catypes.BaseChar, catypes.BaseLong, catypes.BaseDouble,
}

// sampleNative builds a native value with count elements, small enough to
// survive BaseChar's int8 clamp.
func sampleNative(base catypes.Base, count int) interface{} {
	if base == catypes.BaseString {
		if count == 1 {
			return "hello"
		}
		out := make([]string, count)
		for i := range out {
			out[i] = fmt.Sprintf("s%d", i)
		}
		return out
	}
	if count == 1 {
		return float64(3)
	}
	out := make([]float64, count)
	for i := range out {
		out[i] = float64(i + 1)
	}
	return out
}

func nativeAsFloats(v interface{}, count int) []float64 {
	out := make([]float64, count)
	switch t := v.(type) {
	case int8:
		out[0] = float64(t)
	case []int8:
		for i, x := range t {
			out[i] = float64(x)
		}
	case int16:
		out[0] = float64(t)
	case []int16:
		for i, x := range t {
			out[i] = float64(x)
		}
	case int32:
		out[0] = float64(t)
	case []int32:
		for i, x := range t {
			out[i] = float64(x)
		}
	case float32:
		out[0] = float64(t)
	case []float32:
		for i, x := range t {
			out[i] = float64(x)
		}
	case float64:
		out[0] = t
	case []float64:
		copy(out, t)
	}
	return out
}

// TestEncodeDecodeRoundTrip exercises every (scope, base) DBR type code at a
// handful of element counts: this is the codec's primary TestableProperties
// target, and the header-sizing arithmetic for STS_/TIME_/GR_/CTRL_ is the
// most alignment-sensitive code in the package.
func TestEncodeDecodeRoundTrip(t *testing.T) {
	for _, scope := range allScopes {
		for _, base := range allBases {
			dt := catypes.NewDataType(scope, base)
			for _, count := range []int{1, 3, 8} {
				name := fmt.Sprintf("%s/count=%d", dt, count)
				t.Run(name, func(t *testing.T) {
					native := sampleNative(base, count)
					opts := EncodeOptions{Status: 2, Severity: 1, Timestamp: time.Unix(1700000000, 12345)}
					wire := EncodeValue(dt, count, catypes.Of(native), opts)

					wantHeader := dt.HeaderSize()
					if len(wire) < wantHeader {
						t.Fatalf("encoded frame shorter than header: got %d bytes, want at least %d", len(wire), wantHeader)
					}

					decoded, ts, err := DecodeValue(dt, count, wire)
					if err != nil {
						t.Fatalf("DecodeValue: %v", err)
					}

					if scope == catypes.ScopeTIME {
						wantSeconds := opts.Timestamp.Unix()
						if ts.Unix() != wantSeconds {
							t.Errorf("decoded timestamp = %v, want seconds=%d", ts, wantSeconds)
						}
					}

					if base == catypes.BaseString {
						switch want := native.(type) {
						case string:
							if got, ok := decoded.Native.(string); !ok || got != want {
								t.Errorf("decoded = %v, want %v", decoded.Native, want)
							}
						case []string:
							got, ok := decoded.Native.([]string)
							if !ok || len(got) != len(want) {
								t.Fatalf("decoded = %v, want %v", decoded.Native, want)
							}
							for i := range want {
								if got[i] != want[i] {
									t.Errorf("element %d: got %q, want %q", i, got[i], want[i])
								}
							}
						}
						return
					}

					wantFloats := nativeAsFloats(native, count)
					gotFloats := nativeAsFloats(decoded.Native, count)
					for i := range wantFloats {
						if gotFloats[i] != wantFloats[i] {
							t.Errorf("element %d: got %v, want %v (decoded=%#v)", i, gotFloats[i], wantFloats[i], decoded.Native)
						}
					}
				})
			}
		}
	}
}

// TestEncodeValueUnknownTypeIsOpaque matches EncodeValue's documented
// fallback for a type code that doesn't decompose to any (scope, base).
func TestEncodeValueUnknownTypeIsOpaque(t *testing.T) {
	bogus := catypes.DataType(9999)
	got := EncodeValue(bogus, 1, catypes.Of("opaque"), EncodeOptions{})
	if string(got) != "opaque" {
		t.Errorf("EncodeValue(unknown type) = %q, want %q", got, "opaque")
	}
	if got := EncodeValue(bogus, 1, catypes.Of(42), EncodeOptions{}); got != nil {
		t.Errorf("EncodeValue(unknown type, non-string) = %v, want nil", got)
	}
}

// TestDecodeValueClampsTruncatedPayload exercises the decoder's "clamp to
// what's present, never fail" guarantee (spec.md §4.1) when a declared
// element count overruns the actual payload, e.g. a malformed or truncated
// frame.
func TestDecodeValueClampsTruncatedPayload(t *testing.T) {
	dt := catypes.NewDataType(catypes.ScopePlain, catypes.BaseLong)
	full := EncodeValue(dt, 4, catypes.Of([]float64{1, 2, 3, 4}), EncodeOptions{})
	truncated := full[:len(full)-6] // chop off the last element and change

	decoded, _, err := DecodeValue(dt, 4, truncated)
	if err != nil {
		t.Fatalf("DecodeValue on truncated payload returned an error: %v", err)
	}
	out, ok := decoded.Native.([]int32)
	if !ok || len(out) != 4 {
		t.Fatalf("decoded = %#v, want a 4-element []int32 with trailing zeros", decoded.Native)
	}
	if out[0] != 1 || out[1] != 2 {
		t.Errorf("decoded leading elements = %v, want [1 2 ...]", out[:2])
	}
	if out[3] != 0 {
		t.Errorf("decoded[3] = %d, want 0 for the unavailable trailing element", out[3])
	}
}

// elementBytes is the number of payload bytes EncodeValue writes for count
// elements of base, independent of any scope header — used below to isolate
// exactly how many of a frame's leading bytes belong to the metadata header.
func elementBytes(base catypes.Base, count int) int {
	if base == catypes.BaseString {
		// count strings joined by NUL, plus one trailing NUL.
		return -1 // checked separately: string length is data-dependent
	}
	return base.ElementSize() * count
}

// TestHeaderSizeMatchesEncodedOffset cross-checks DataType.HeaderSize
// against the actual number of metadata bytes EncodeValue writes before the
// element data, for every (scope, base) pair and a couple of counts — the
// exact arithmetic the review flagged as untested and alignment-sensitive.
func TestHeaderSizeMatchesEncodedOffset(t *testing.T) {
	for _, scope := range allScopes {
		for _, base := range allBases {
			dt := catypes.NewDataType(scope, base)
			for _, count := range []int{1, 5} {
				name := fmt.Sprintf("%s/count=%d", dt, count)
				t.Run(name, func(t *testing.T) {
					wire := EncodeValue(dt, count, catypes.Of(sampleNative(base, count)), EncodeOptions{Timestamp: time.Unix(0, 0)})
					headerSize := dt.HeaderSize()
					if len(wire) < headerSize {
						t.Fatalf("encoded frame (%d bytes) shorter than HeaderSize() (%d)", len(wire), headerSize)
					}

					wantElemBytes := elementBytes(base, count)
					if wantElemBytes < 0 {
						// BaseString: just confirm the element region is
						// non-empty and ends with the trailing NUL.
						if len(wire) == headerSize {
							t.Fatal("expected string payload after the header, found none")
						}
						if wire[len(wire)-1] != 0 {
							t.Error("string payload must end with a NUL terminator")
						}
						return
					}
					if got := len(wire) - headerSize; got != wantElemBytes {
						t.Errorf("element region = %d bytes, want %d (HeaderSize=%d, total=%d)", got, wantElemBytes, headerSize, len(wire))
					}
				})
			}
		}
	}
}
