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
	"net"
	"testing"
	"time"

	"github.com/vstadnytskyi/EPICS-CA/internal/cacodec"
	"github.com/vstadnytskyi/EPICS-CA/internal/catypes"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c := New(DefaultOptions())
	t.Cleanup(func() { c.Close() })
	return c
}

func addPV(c *Client, name string) *catypes.ClientPV {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pvFor(name)
}

func TestHandleTCPReplyCreateChanOpensChannel(t *testing.T) {
	c := newTestClient(t)
	pv := addPV(c, "TEST:A.VAL")

	msg := &cacodec.Message{Header: cacodec.Header{
		Command: cacodec.CmdCreateChan, DataType: uint16(catypes.BaseLong), DataCount: 1,
		Parameter1: pv.ChannelCID, Parameter2: 42,
	}}
	c.handleTCPReply(nil, msg)

	c.mu.Lock()
	defer c.mu.Unlock()
	if pv.ChannelSID != 42 {
		t.Errorf("ChannelSID = %d, want 42", pv.ChannelSID)
	}
	if pv.State != catypes.StateChannelOpen {
		t.Errorf("State = %s, want CHANNEL_OPEN", pv.State)
	}
}

func TestHandleTCPReplyCreateChanIgnoresDuplicate(t *testing.T) {
	c := newTestClient(t)
	pv := addPV(c, "TEST:A.VAL")
	msg := &cacodec.Message{Header: cacodec.Header{
		Command: cacodec.CmdCreateChan, Parameter1: pv.ChannelCID, Parameter2: 42,
	}}
	c.handleTCPReply(nil, msg)
	c.handleTCPReply(nil, &cacodec.Message{Header: cacodec.Header{
		Command: cacodec.CmdCreateChan, Parameter1: pv.ChannelCID, Parameter2: 99,
	}})

	c.mu.Lock()
	defer c.mu.Unlock()
	if pv.ChannelSID != 42 {
		t.Errorf("ChannelSID changed on duplicate reply: got %d, want 42", pv.ChannelSID)
	}
}

func TestHandleTCPReplyAccessRights(t *testing.T) {
	c := newTestClient(t)
	pv := addPV(c, "TEST:A.VAL")
	c.handleTCPReply(nil, &cacodec.Message{Header: cacodec.Header{
		Command: cacodec.CmdAccessRights, Parameter1: pv.ChannelCID, Parameter2: uint32(catypes.AccessRead),
	}})

	c.mu.Lock()
	defer c.mu.Unlock()
	if pv.AccessBits != catypes.AccessRead {
		t.Errorf("AccessBits = %d, want %d", pv.AccessBits, catypes.AccessRead)
	}
}

func TestDeliverValueUpdatesPVAndFiresCallback(t *testing.T) {
	c := newTestClient(t)
	pv := addPV(c, "TEST:A.VAL")

	received := make(chan catypes.Value, 1)
	c.Monitor("TEST:A.VAL", func(name string, v catypes.Value, text string, ts time.Time) {
		received <- v
	})

	dt := catypes.NewDataType(catypes.ScopePlain, catypes.BaseLong)
	payload := cacodec.EncodeValue(dt, 1, catypes.Of(int32(7)), cacodec.EncodeOptions{})
	c.deliverValue(pv, cacodec.Header{DataType: uint16(dt), DataCount: 1}, payload)

	select {
	case v := <-received:
		if v.Native.(int32) != 7 {
			t.Errorf("callback got %v, want 7", v.Native)
		}
	case <-time.After(time.Second):
		t.Fatal("callback was not invoked")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if pv.LastValue == nil || pv.LastValue.Native.(int32) != 7 {
		t.Errorf("LastValue = %v, want 7", pv.LastValue)
	}
}

func TestHandleTCPReplyEventCancelResetsPV(t *testing.T) {
	c := newTestClient(t)
	pv := addPV(c, "TEST:A.VAL")
	pv.ChannelSID = 5
	pv.State = catypes.StateSubscribed
	pv.SubscriptionID = 3

	c.handleTCPReply(nil, &cacodec.Message{Header: cacodec.Header{
		Command: cacodec.CmdEventCancel, Parameter1: 5,
	}})

	c.mu.Lock()
	defer c.mu.Unlock()
	if pv.State != catypes.StateNew {
		t.Errorf("State = %s, want NEW after EVENT_CANCEL", pv.State)
	}
	if pv.Name != "TEST:A.VAL" || pv.ChannelCID == 0 {
		t.Error("ResetOnDisconnect must preserve Name and ChannelCID")
	}
}

func TestSubscribeSendsEventAddOnlyWhenObserved(t *testing.T) {
	c := newTestClient(t)
	pv := addPV(c, "TEST:A.VAL")
	pv.State = catypes.StateChannelOpen
	pv.ChannelSID = 9
	pv.DataType = catypes.NewDataType(catypes.ScopePlain, catypes.BaseLong)
	pv.DataCount = 1

	// No monitor or waiter registered yet: subscribe must be a no-op.
	c.subscribe(pv)
	if pv.State != catypes.StateChannelOpen {
		t.Fatalf("subscribe fired with no observer, state = %s", pv.State)
	}

	clientSide, serverSide := net.Pipe()
	t.Cleanup(func() { clientSide.Close(); serverSide.Close() })
	addr := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 5064}
	pv.ServerAddr = addr
	c.pool.conns[addr.String()] = &serverConn{conn: serverSide, addr: addr.String()}

	c.mu.Lock()
	c.monitors["TEST:A.VAL"] = append(c.monitors["TEST:A.VAL"], subscribedCallback{id: 1, cb: func(string, catypes.Value, string, time.Time) {}})
	c.mu.Unlock()

	done := make(chan struct{})
	var dec cacodec.Decoder
	var msgs []*cacodec.Message
	go func() {
		defer close(done)
		buf := make([]byte, 64)
		n, err := clientSide.Read(buf)
		if err != nil {
			return
		}
		dec.Feed(buf[:n])
		msgs, _ = dec.DecodeAll()
	}()

	c.subscribe(pv)
	<-done

	if len(msgs) != 1 || msgs[0].Header.Command != cacodec.CmdEventAdd {
		t.Fatalf("expected one EVENT_ADD frame, got %+v", msgs)
	}
	if msgs[0].Header.Parameter1 != 9 {
		t.Errorf("EVENT_ADD Parameter1 (SID) = %d, want 9", msgs[0].Header.Parameter1)
	}
	if pv.State != catypes.StateSubscribed {
		t.Errorf("State = %s, want SUBSCRIBED", pv.State)
	}
}

func TestFlushPendingWriteSendsWriteNotify(t *testing.T) {
	c := newTestClient(t)
	pv := addPV(c, "TEST:A.VAL")
	pv.State = catypes.StateChannelOpen
	pv.ChannelSID = 3
	v := catypes.Of(int32(12))
	pv.PendingWrite = &v

	clientSide, serverSide := net.Pipe()
	t.Cleanup(func() { clientSide.Close(); serverSide.Close() })
	addr := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 5064}
	pv.ServerAddr = addr
	c.pool.conns[addr.String()] = &serverConn{conn: serverSide, addr: addr.String()}

	done := make(chan struct{})
	var msgs []*cacodec.Message
	go func() {
		defer close(done)
		buf := make([]byte, 64)
		n, err := clientSide.Read(buf)
		if err != nil {
			return
		}
		var dec cacodec.Decoder
		dec.Feed(buf[:n])
		msgs, _ = dec.DecodeAll()
	}()

	c.flushPendingWrite(pv)
	<-done

	if len(msgs) != 1 || msgs[0].Header.Command != cacodec.CmdWriteNotify {
		t.Fatalf("expected one WRITE_NOTIFY frame, got %+v", msgs)
	}
	if msgs[0].Header.Parameter1 != 3 {
		t.Errorf("WRITE_NOTIFY Parameter1 (SID) = %d, want 3", msgs[0].Header.Parameter1)
	}
	if pv.PendingWrite != nil {
		t.Error("PendingWrite should be cleared after flush")
	}
	if pv.WriteSent.IsZero() {
		t.Error("WriteSent should be set after flush")
	}
}

func TestMonitorClearRemovesOnlyMatchingCallback(t *testing.T) {
	c := newTestClient(t)
	sub1 := c.Monitor("TEST:A.VAL", func(string, catypes.Value, string, time.Time) {})
	_ = c.Monitor("TEST:A.VAL", func(string, catypes.Value, string, time.Time) {})

	c.MonitorClear(sub1)

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.monitors["TEST:A.VAL"]) != 1 {
		t.Fatalf("expected 1 remaining callback, got %d", len(c.monitors["TEST:A.VAL"]))
	}
	if c.monitors["TEST:A.VAL"][0].id == sub1.id {
		t.Error("MonitorClear removed the wrong callback")
	}
}

func TestPaddedNameIsNULTerminatedAndEightByteAligned(t *testing.T) {
	for _, name := range []string{"", "A", "ABCDEFG", "ABCDEFGH", "A:VERY:LONG:PV:NAME.VAL"} {
		b := paddedName(name)
		if len(b)%8 != 0 {
			t.Errorf("paddedName(%q) length %d not a multiple of 8", name, len(b))
		}
		if len(b) == 0 || b[len(name)] != 0 {
			t.Errorf("paddedName(%q) missing NUL terminator", name)
		}
	}
}
