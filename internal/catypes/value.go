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

package catypes

import "fmt"

// Kind distinguishes an ordinary scalar/array PV value from the synthetic
// "record container" marker a provider may return for a name prefix
// (spec.md §6, SPEC_FULL.md §4.6).
type Kind int

const (
	KindScalar Kind = iota
	KindRecord
)

// Value is the tagged native value that flows between providers, the client
// API, and the codec. Native holds one of: string, []string, int8, []int8,
// int16, []int16, int32, []int32, int64, []int64, bool, []bool, float32,
// []float32, float64, []float64 — the "native kind" column of spec.md §4.5.
type Value struct {
	Kind   Kind
	Native interface{}
	Fields []string // set only when Kind == KindRecord
}

// Of wraps a native Go value as a scalar Value.
func Of(v interface{}) Value { return Value{Kind: KindScalar, Native: v} }

// Record builds the synthetic record-container marker for a provider whose
// name names a group of fields rather than a single value.
func Record(fields []string) Value { return Value{Kind: KindRecord, Fields: fields} }

// RecordString renders a KindRecord Value as the synthetic
// "<record: attr1, attr2, …>" string; String uses it for record markers.
func (v Value) RecordString() string {
	s := "<record:"
	for i, f := range v.Fields {
		if i > 0 {
			s += ","
		}
		s += " " + f
	}
	return s + ">"
}

// NativeBase returns the CA base type that best represents v and the
// element count, per the native->CA mapping table in spec.md §4.5. Arrays
// take the scalar rule of element 0; an empty array is treated as a single
// zero-valued element of its declared element type.
func NativeBase(v interface{}) (Base, int) {
	base, n := nativeBase(v)
	if n < 1 {
		n = 1
	}
	return base, n
}

func nativeBase(v interface{}) (Base, int) {
	switch t := v.(type) {
	case string:
		return BaseString, 1
	case []string:
		return BaseString, len(t)
	case int8:
		return BaseChar, 1
	case []int8:
		return BaseChar, len(t)
	case int16:
		return BaseShort, 1
	case []int16:
		return BaseShort, len(t)
	case int32:
		return BaseLong, 1
	case []int32:
		return BaseLong, len(t)
	case int64:
		return BaseLong, 1
	case []int64:
		return BaseLong, len(t)
	case int:
		return BaseLong, 1
	case []int:
		return BaseLong, len(t)
	case bool:
		return BaseLong, 1
	case []bool:
		return BaseLong, len(t)
	case float32:
		return BaseFloat, 1
	case []float32:
		return BaseFloat, len(t)
	case float64:
		return BaseDouble, 1
	case []float64:
		return BaseDouble, len(t)
	default:
		return BaseLong, 1
	}
}

func (v Value) String() string {
	if v.Kind == KindRecord {
		return v.RecordString()
	}
	return fmt.Sprintf("%v", v.Native)
}
