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

package caserver

import (
	"bytes"
	"time"

	"github.com/vstadnytskyi/EPICS-CA/internal/cacodec"
	"github.com/vstadnytskyi/EPICS-CA/internal/calog"
	"github.com/vstadnytskyi/EPICS-CA/internal/catypes"
)

// handleSearch answers a UDP SEARCH request, the only command the UDP
// listener replies to (spec.md §4.2, §4.4).
func (s *Server) handleSearch(msg *cacodec.Message) []byte {
	name := trimNUL(msg.Payload)
	replyFlag := msg.Header.DataType
	minorVersion := msg.Header.DataCount
	cid := msg.Header.Parameter1

	if _, ok := s.resolve(name); ok {
		calog.Debugf("caserver: SEARCH hit %q cid=%d", name, cid)
		s.metrics.searchRepliesSent.Inc()
		return cacodec.Encode(cacodec.Header{
			Command:    cacodec.CmdSearch,
			DataType:   uint16(s.tcpPort),
			Parameter1: 0xffffffff,
			Parameter2: cid,
		}, encodeU16(minorVersion))
	}
	if replyFlag == cacodec.SearchReplyOnFail {
		return cacodec.Encode(cacodec.Header{
			Command:    cacodec.CmdNotFound,
			DataType:   replyFlag,
			DataCount:  minorVersion,
			Parameter1: cid,
			Parameter2: cid,
		}, nil)
	}
	return nil
}

// handleTCPMessage interprets one TCP-framed message and returns the bytes
// (zero or more concatenated CA frames) to write back to the same
// connection, per the dispatch table of spec.md §4.4. Unsolicited EVENT_ADD
// broadcasts to *other* subscribers are handled separately by the sweep
// loop and by broadcastIfChanged, not from here.
func (s *Server) handleTCPMessage(c *connState, msg *cacodec.Message) []byte {
	h := msg.Header
	switch h.Command {
	case cacodec.CmdVersion, cacodec.CmdClientName, cacodec.CmdHostName:
		return nil

	case cacodec.CmdCreateChan:
		cid := h.Parameter1
		name := trimNUL(msg.Payload)
		val, ok := s.resolve(name)
		if !ok {
			return nil
		}
		s.mu.Lock()
		pv := s.pvForName(name)
		s.mu.Unlock()
		dt, count := nativeDataType(val)
		var out bytes.Buffer
		out.Write(cacodec.Encode(cacodec.Header{
			Command:    cacodec.CmdCreateChan,
			DataType:   uint16(dt),
			DataCount:  uint16(count),
			Parameter1: cid,
			Parameter2: pv.ChannelSID,
		}, nil))
		out.Write(cacodec.Encode(cacodec.Header{
			Command:    cacodec.CmdAccessRights,
			Parameter1: cid,
			Parameter2: uint32(catypes.AccessRead | catypes.AccessWrite),
		}, nil))
		return out.Bytes()

	case cacodec.CmdReadNotify:
		// READ_NOTIFY's wire fields do not carry channel_SID as the spec
		// text alone states; process_message in the reference
		// implementation treats parameter1 as a status code it always
		// observes as 1 and parameter2 as IOID, with the PV resolved from
		// the connection's most recently created channel. We keep the
		// spec-document semantics (parameter1=channel_SID) since that is
		// the interoperable behavior documented in spec.md §4.4.
		sid := h.Parameter1
		ioid := h.Parameter2
		s.mu.Lock()
		pv := s.pvBySID(sid)
		s.mu.Unlock()
		if pv == nil {
			return nil
		}
		val, ok := s.cache.get(pv.Name, false)
		if !ok {
			return nil
		}
		dt := catypes.DataType(h.DataType)
		_, count := catypes.NativeBase(val.Native)
		payload := cacodec.EncodeValue(dt, count, val, cacodec.EncodeOptions{Status: 1, Timestamp: time.Now()})
		return cacodec.Encode(cacodec.Header{
			Command:    cacodec.CmdReadNotify,
			DataType:   h.DataType,
			DataCount:  uint16(count),
			Parameter1: 1,
			Parameter2: ioid,
		}, payload)

	case cacodec.CmdEventAdd:
		sid := h.Parameter1
		subID := h.Parameter2
		s.mu.Lock()
		pv := s.pvBySID(sid)
		s.mu.Unlock()
		if pv == nil {
			return nil
		}
		dt := catypes.DataType(h.DataType)
		count := int(h.DataCount)
		if count < 1 {
			count = 1
		}
		pv.AddSubscriber(&catypes.Subscriber{
			Key:            c.key,
			SubscriptionID: subID,
			DataType:       dt,
			DataCount:      count,
		})
		s.metrics.subscriberGauge.Inc()
		val, ok := s.cache.get(pv.Name, false)
		if !ok {
			return nil
		}
		payload := cacodec.EncodeValue(dt, count, val, cacodec.EncodeOptions{Status: 1, Timestamp: time.Now()})
		frame := cacodec.Encode(cacodec.Header{
			Command:    cacodec.CmdEventAdd,
			DataType:   h.DataType,
			DataCount:  uint16(count),
			Parameter1: 1,
			Parameter2: subID,
		}, payload)
		pv.SetLastBroadcastWire(c.key, comparisonFrame(dt, count, val))
		return frame

	case cacodec.CmdEventCancel:
		sid := h.Parameter1
		subID := h.Parameter2
		s.mu.Lock()
		pv := s.pvBySID(sid)
		s.mu.Unlock()
		if pv == nil {
			return nil
		}
		for _, sub := range pv.Subscribers() {
			if sub.Key == c.key && sub.SubscriptionID == subID {
				pv.RemoveSubscriber(c.key)
				s.metrics.subscriberGauge.Dec()
				break
			}
		}
		return nil

	case cacodec.CmdWriteNotify, cacodec.CmdWrite:
		sid := h.Parameter1
		ioid := h.Parameter2
		s.mu.Lock()
		pv := s.pvBySID(sid)
		s.mu.Unlock()
		if pv == nil {
			return nil
		}
		dt := catypes.DataType(h.DataType)
		native, _, _ := cacodec.DecodeValue(dt, int(h.DataCount), msg.Payload)
		status := s.applyWrite(pv.Name, native)
		pv.NotifyCallbacks(pv.Name, native)
		if h.Command == cacodec.CmdWrite {
			return nil
		}
		return cacodec.Encode(cacodec.Header{
			Command:    cacodec.CmdWriteNotify,
			DataType:   h.DataType,
			DataCount:  h.DataCount,
			Parameter1: status,
			Parameter2: ioid,
		}, nil)

	case cacodec.CmdClearChannel:
		return cacodec.Encode(cacodec.Header{
			Command:    cacodec.CmdClearChannel,
			Parameter1: h.Parameter1,
			Parameter2: h.Parameter2,
		}, nil)

	case cacodec.CmdEcho:
		return cacodec.Encode(cacodec.Header{Command: cacodec.CmdEcho}, nil)

	default:
		calog.Debugf("caserver: command %s not handled", cacodec.CommandName(h.Command))
		return nil
	}
}

// writeStatusOK/writeStatusFailed are the WRITE_NOTIFY status codes. The
// reference implementation always reports 1 even when the provider's
// setter errors; this engine reports a distinguishable failure code
// instead (spec.md §9 open question, resolved in DESIGN.md).
const (
	writeStatusOK     = 1
	writeStatusFailed = 0x0380 // ECA_PUTFAIL-shaped: nonzero, distinct from success
)

// applyWrite routes a decoded value to the provider that owns name and
// returns the WRITE_NOTIFY status code to report.
func (s *Server) applyWrite(name string, v catypes.Value) uint32 {
	p := s.providerFor(name)
	if p == nil {
		return writeStatusFailed
	}
	if err := p.Set(name, v); err != nil {
		calog.Warnln("caserver: write to", name, "rejected:", err)
		return writeStatusFailed
	}
	s.cache.invalidate(name)
	s.broadcastIfChanged(name)
	return writeStatusOK
}

// pvBySID scans the PV table for the record with the given channel_SID.
// Callers must hold s.mu. The table is small (one entry per distinct PV
// name ever referenced), so a linear scan mirrors the reference
// implementation's own PVs.values() loop without needing a second index.
func (s *Server) pvBySID(sid uint32) *catypes.ServerPV {
	for _, pv := range s.pvs {
		if pv.ChannelSID == sid {
			return pv
		}
	}
	return nil
}

func trimNUL(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

func encodeU16(v uint16) []byte {
	return []byte{byte(v >> 8), byte(v)}
}

func nativeDataType(v catypes.Value) (catypes.DataType, int) {
	base, count := catypes.NativeBase(v.Native)
	return catypes.NewDataType(catypes.ScopePlain, base), count
}
