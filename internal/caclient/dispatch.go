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

package caclient

import (
	"time"

	"github.com/vstadnytskyi/EPICS-CA/internal/cacodec"
	"github.com/vstadnytskyi/EPICS-CA/internal/calog"
	"github.com/vstadnytskyi/EPICS-CA/internal/catypes"
)

// runTCPReader decodes frames off sc until the connection closes, then
// resets every PV that was using it back to NEW.
func (c *Client) runTCPReader(sc *serverConn) {
	var dec cacodec.Decoder
	buf := make([]byte, 4096)
	for {
		n, err := sc.conn.Read(buf)
		if err != nil {
			calog.Debugln("caclient: connection to", sc.addr, "lost:", err)
			sc.conn.Close()
			c.resetPVsFor(sc.addr)
			return
		}
		dec.Feed(buf[:n])
		for {
			msg, ok, err := dec.Next()
			if err != nil {
				calog.Debugln("caclient: malformed frame from", sc.addr, ":", err)
				sc.conn.Close()
				c.resetPVsFor(sc.addr)
				return
			}
			if !ok {
				break
			}
			c.handleTCPReply(sc, msg)
		}
	}
}

// handleTCPReply dispatches one decoded TCP message by command, per
// spec.md §4.3's reply handling.
func (c *Client) handleTCPReply(sc *serverConn, msg *cacodec.Message) {
	h := msg.Header
	switch h.Command {
	case cacodec.CmdCreateChan:
		cid := h.Parameter1
		sid := h.Parameter2
		c.mu.Lock()
		pv := c.findPVByCID(cid)
		if pv == nil || pv.ChannelSID != 0 {
			// Invariant 5: duplicate CREATE_CHAN replies never overwrite.
			c.mu.Unlock()
			return
		}
		pv.ChannelSID = sid
		pv.DataType = catypes.DataType(h.DataType)
		pv.DataCount = int(h.DataCount)
		pv.State = catypes.StateChannelOpen
		name := pv.Name
		c.mu.Unlock()
		c.poke(name)

	case cacodec.CmdAccessRights:
		cid := h.Parameter1
		bits := uint8(h.Parameter2)
		c.mu.Lock()
		if pv := c.findPVByCID(cid); pv != nil {
			pv.AccessBits = bits
		}
		c.mu.Unlock()

	case cacodec.CmdReadNotify:
		ioid := h.Parameter2
		c.deliverValue(findByIOID(c, ioid), h, msg.Payload)

	case cacodec.CmdEventAdd:
		subID := h.Parameter2
		c.mu.Lock()
		var pv *catypes.ClientPV
		for _, p := range c.pvs {
			if p.SubscriptionID == subID {
				pv = p
				break
			}
		}
		c.mu.Unlock()
		if pv == nil {
			return
		}
		c.deliverValue(pv, h, msg.Payload)

	case cacodec.CmdWriteNotify:
		ioid := h.Parameter2
		c.mu.Lock()
		for _, pv := range c.pvs {
			if pv.IOID == ioid && !pv.WriteSent.IsZero() {
				pv.WriteConfirmed = time.Now()
				break
			}
		}
		c.mu.Unlock()

	case cacodec.CmdEventCancel:
		sid := h.Parameter1
		c.mu.Lock()
		if pv := c.findPVBySID(sid); pv != nil {
			pv.ResetOnDisconnect()
		}
		c.mu.Unlock()

	default:
		calog.Debugf("caclient: command %s not handled", cacodec.CommandName(h.Command))
	}
}

func findByIOID(c *Client, ioid uint32) *catypes.ClientPV {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, pv := range c.pvs {
		if pv.IOID == ioid {
			return pv
		}
	}
	return nil
}

// deliverValue decodes payload, records it on pv, and fires every
// registered callback, per spec.md §4.3's callback dispatch rule.
func (c *Client) deliverValue(pv *catypes.ClientPV, h cacodec.Header, payload []byte) {
	if pv == nil {
		return
	}
	dt := catypes.DataType(h.DataType)
	val, ts, err := cacodec.DecodeValue(dt, int(h.DataCount), payload)
	if err != nil {
		calog.Debugln("caclient: decode value for", pv.Name, "failed:", err)
		return
	}
	if ts.IsZero() {
		ts = time.Now()
	}

	c.mu.Lock()
	pv.LastValue = &val
	pv.LastUpdated = ts
	name := pv.Name
	callbacks := append([]subscribedCallback(nil), c.monitors[name]...)
	c.mu.Unlock()

	c.notifyWaiters(name)

	text := val.String()
	for _, sc := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					calog.Warnln("caclient: monitor callback for", name, "panicked:", r)
				}
			}()
			sc.cb(name, val, text, ts)
		}()
	}
}

// subscribe sends EVENT_ADD for a CHANNEL_OPEN PV once it has at least one
// registered monitor or a pending Get/WaitForUpdate, always requesting
// TIME_<base> regardless of the CREATE_CHAN-declared scope (spec.md §4.3's
// subscription promotion rule).
func (c *Client) subscribe(pv *catypes.ClientPV) {
	c.mu.Lock()
	if pv.State != catypes.StateChannelOpen {
		c.mu.Unlock()
		return
	}
	hasMonitor := len(c.monitors[pv.Name]) > 0
	hasWaiter := len(c.waiters[pv.Name]) > 0
	if !hasMonitor && !hasWaiter {
		c.mu.Unlock()
		return
	}
	subID := c.subIDs.Next()
	pv.SubscriptionID = subID
	dt := pv.DataType.WithScope(catypes.ScopeTIME)
	count := pv.DataCount
	if count < 1 {
		count = 1
	}
	sid := pv.ChannelSID
	addr := pv.ServerAddr
	pv.State = catypes.StateSubscribed
	c.mu.Unlock()

	sc := c.pool.lookup(addr)
	if sc == nil {
		return
	}
	payload := make([]byte, 16) // 3x f32 deadband (zero) + u16 mask + 2 pad
	payload[14], payload[15] = byte(cacodec.MonitorMask>>8), byte(cacodec.MonitorMask)
	frame := cacodec.Encode(cacodec.Header{
		Command:    cacodec.CmdEventAdd,
		DataType:   uint16(dt),
		DataCount:  uint16(count),
		Parameter1: sid,
		Parameter2: subID,
	}, payload)
	if err := sc.send(frame); err != nil {
		calog.Debugln("caclient: subscribe to", pv.Name, "failed:", err)
	}
}

// flushPendingWrite sends a queued write as WRITE_NOTIFY, per spec.md
// §4.3's write path.
func (c *Client) flushPendingWrite(pv *catypes.ClientPV) {
	c.mu.Lock()
	if pv.PendingWrite == nil {
		c.mu.Unlock()
		return
	}
	v := *pv.PendingWrite
	pv.PendingWrite = nil
	ioid := c.ioids.Next()
	pv.IOID = ioid
	base, count := catypes.NativeBase(v.Native)
	dt := catypes.NewDataType(catypes.ScopePlain, base)
	sid := pv.ChannelSID
	addr := pv.ServerAddr
	pv.WriteSent = time.Now()
	c.mu.Unlock()

	sc := c.pool.lookup(addr)
	if sc == nil {
		return
	}
	payload := cacodec.EncodeValue(dt, count, v, cacodec.EncodeOptions{})
	frame := cacodec.Encode(cacodec.Header{
		Command:    cacodec.CmdWriteNotify,
		DataType:   uint16(dt),
		DataCount:  uint16(count),
		Parameter1: sid,
		Parameter2: ioid,
	}, payload)
	if err := sc.send(frame); err != nil {
		calog.Debugln("caclient: write to", pv.Name, "failed:", err)
	}
}

func (p *connPool) lookup(addr interface{ String() string }) *serverConn {
	if addr == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conns[addr.String()]
}
