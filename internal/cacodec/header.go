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
	"errors"
)

// HeaderSize is the fixed size of a CA message header, spec.md §4.1.
const HeaderSize = 16

// ErrShortHeader is returned when fewer than HeaderSize bytes are available.
var ErrShortHeader = errors.New("cacodec: short header")

// Header is the 16-byte fixed CA message header. The extended (>64KiB
// payload) form is out of scope (spec.md §4.1, §1 Non-goals).
type Header struct {
	Command     uint16
	PayloadSize uint16
	DataType    uint16
	DataCount   uint16
	Parameter1  uint32
	Parameter2  uint32
}

// Encode writes the header in big-endian wire order.
func (h Header) Encode() [HeaderSize]byte {
	var b [HeaderSize]byte
	binary.BigEndian.PutUint16(b[0:2], h.Command)
	binary.BigEndian.PutUint16(b[2:4], h.PayloadSize)
	binary.BigEndian.PutUint16(b[4:6], h.DataType)
	binary.BigEndian.PutUint16(b[6:8], h.DataCount)
	binary.BigEndian.PutUint32(b[8:12], h.Parameter1)
	binary.BigEndian.PutUint32(b[12:16], h.Parameter2)
	return b
}

// DecodeHeader parses the first HeaderSize bytes of b.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrShortHeader
	}
	return Header{
		Command:     binary.BigEndian.Uint16(b[0:2]),
		PayloadSize: binary.BigEndian.Uint16(b[2:4]),
		DataType:    binary.BigEndian.Uint16(b[4:6]),
		DataCount:   binary.BigEndian.Uint16(b[6:8]),
		Parameter1:  binary.BigEndian.Uint32(b[8:12]),
		Parameter2:  binary.BigEndian.Uint32(b[12:16]),
	}, nil
}

// paddedSize rounds n up to the next multiple of 8, per the framing rule of
// spec.md §4.1.
func paddedSize(n int) int {
	return (n + 7) &^ 7
}
