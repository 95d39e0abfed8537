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

// Message is one decoded CA frame: a header and its (unpadded) payload.
type Message struct {
	Header  Header
	Payload []byte
}

// Encode builds the wire bytes for a single CA message: the 16-byte header
// followed by payload, zero-padded to a multiple of 8 bytes (spec.md §4.1).
// h.PayloadSize is overwritten with len(payload).
func Encode(h Header, payload []byte) []byte {
	h.PayloadSize = uint16(len(payload))
	total := HeaderSize + paddedSize(len(payload))
	buf := make([]byte, total)
	hdr := h.Encode()
	copy(buf, hdr[:])
	copy(buf[HeaderSize:], payload)
	return buf
}

// Decoder reassembles CA frames out of a byte stream that may deliver
// partial frames, multiple concatenated frames, or both in a single Feed
// call — the framing property required by spec.md §4.1 and §8 ("Framing
// properties").
type Decoder struct {
	buf []byte
}

// Feed appends newly received bytes (one TCP read or one UDP datagram) to
// the internal buffer.
func (d *Decoder) Feed(b []byte) {
	d.buf = append(d.buf, b...)
}

// Next pops the next complete message off the buffer, if one is fully
// present. ok is false (with a nil error) when more bytes are needed. A
// non-nil error indicates a malformed header; per spec.md §7 the caller
// should close the connection rather than try to resynchronize.
func (d *Decoder) Next() (msg *Message, ok bool, err error) {
	if len(d.buf) < HeaderSize {
		return nil, false, nil
	}
	h, err := DecodeHeader(d.buf)
	if err != nil {
		return nil, false, err
	}
	total := HeaderSize + paddedSize(int(h.PayloadSize))
	if len(d.buf) < total {
		return nil, false, nil
	}
	payload := make([]byte, h.PayloadSize)
	copy(payload, d.buf[HeaderSize:HeaderSize+int(h.PayloadSize)])
	d.buf = d.buf[total:]
	return &Message{Header: h, Payload: payload}, true, nil
}

// Pending reports how many bytes are buffered and not yet consumed, useful
// for detecting a connection stuck mid-frame.
func (d *Decoder) Pending() int {
	return len(d.buf)
}

// DecodeAll drains every complete message currently buffered, leaving any
// trailing partial frame in place for the next Feed. It is the convenient
// entry point for a single UDP datagram, which per spec.md §4.2/§4.4 always
// contains whole messages.
func (d *Decoder) DecodeAll() ([]*Message, error) {
	var out []*Message
	for {
		msg, ok, err := d.Next()
		if err != nil {
			return out, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, msg)
	}
}
