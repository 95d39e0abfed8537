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
	"net"
	"testing"
	"time"

	"github.com/vstadnytskyi/EPICS-CA/internal/cacodec"
	"github.com/vstadnytskyi/EPICS-CA/internal/catypes"
)

func newTestConn(t *testing.T) (*connState, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })
	return &connState{conn: server, key: catypes.NewSubscriberKey("127.0.0.1", 12345)}, client
}

func TestCreateChanAssignsSIDAndAccessRights(t *testing.T) {
	s := New(DefaultOptions())
	s.Put("TEST:A.VAL", catypes.Of(int32(1)), true)

	c, _ := newTestConn(t)
	msg := &cacodec.Message{
		Header:  cacodec.Header{Command: cacodec.CmdCreateChan, Parameter1: 7, Parameter2: 11},
		Payload: []byte("TEST:A.VAL\x00"),
	}
	reply := s.handleTCPMessage(c, msg)
	if len(reply) == 0 {
		t.Fatal("expected a non-empty reply")
	}

	var dec cacodec.Decoder
	dec.Feed(reply)
	msgs, err := dec.DecodeAll()
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected CREATE_CHAN + ACCESS_RIGHTS, got %d messages", len(msgs))
	}
	if msgs[0].Header.Command != cacodec.CmdCreateChan || msgs[0].Header.Parameter1 != 7 {
		t.Errorf("unexpected CREATE_CHAN reply: %+v", msgs[0].Header)
	}
	if msgs[0].Header.Parameter2 == 0 {
		t.Error("expected a nonzero SID")
	}
	if msgs[1].Header.Command != cacodec.CmdAccessRights || msgs[1].Header.Parameter2 != uint32(catypes.AccessRead|catypes.AccessWrite) {
		t.Errorf("unexpected ACCESS_RIGHTS reply: %+v", msgs[1].Header)
	}
}

func TestCreateChanUnknownPVNoReply(t *testing.T) {
	s := New(DefaultOptions())
	c, _ := newTestConn(t)
	msg := &cacodec.Message{
		Header:  cacodec.Header{Command: cacodec.CmdCreateChan, Parameter1: 1},
		Payload: []byte("NO:SUCH:PV\x00"),
	}
	if reply := s.handleTCPMessage(c, msg); reply != nil {
		t.Errorf("expected no reply for unknown PV, got %d bytes", len(reply))
	}
}

func TestEventAddSubscribesAndRepliesWithCurrentValue(t *testing.T) {
	s := New(DefaultOptions())
	s.Put("TEST:A.VAL", catypes.Of(int32(42)), true)

	c, _ := newTestConn(t)
	create := s.handleTCPMessage(c, &cacodec.Message{
		Header:  cacodec.Header{Command: cacodec.CmdCreateChan, Parameter1: 1},
		Payload: []byte("TEST:A.VAL\x00"),
	})
	var dec cacodec.Decoder
	dec.Feed(create)
	msgs, _ := dec.DecodeAll()
	sid := msgs[0].Header.Parameter2

	dt := catypes.NewDataType(catypes.ScopeTIME, catypes.BaseLong)
	sub := &cacodec.Message{
		Header: cacodec.Header{
			Command: cacodec.CmdEventAdd, DataType: uint16(dt), DataCount: 1,
			Parameter1: sid, Parameter2: 99,
		},
		Payload: make([]byte, 16),
	}
	reply := s.handleTCPMessage(c, sub)
	if reply == nil {
		t.Fatal("expected initial EVENT_ADD reply")
	}
	dec = cacodec.Decoder{}
	dec.Feed(reply)
	msgs, err := dec.DecodeAll()
	if err != nil || len(msgs) != 1 {
		t.Fatalf("decode event_add reply: %v, %d messages", err, len(msgs))
	}
	val, _, err := cacodec.DecodeValue(dt, 1, msgs[0].Payload)
	if err != nil {
		t.Fatalf("decode value: %v", err)
	}
	if val.Native.(int32) != 42 {
		t.Errorf("got %v, want 42", val.Native)
	}

	s.mu.Lock()
	pv := s.pvs["TEST:A.VAL"]
	s.mu.Unlock()
	if pv.SubscriberCount() != 1 {
		t.Errorf("expected 1 subscriber, got %d", pv.SubscriberCount())
	}
}

func TestWriteNotifyAppliesValueAndReportsStatus(t *testing.T) {
	s := New(DefaultOptions())
	s.Put("TEST:A.VAL", catypes.Of(int32(1)), true)

	c, _ := newTestConn(t)
	create := s.handleTCPMessage(c, &cacodec.Message{
		Header:  cacodec.Header{Command: cacodec.CmdCreateChan, Parameter1: 1},
		Payload: []byte("TEST:A.VAL\x00"),
	})
	var dec cacodec.Decoder
	dec.Feed(create)
	msgs, _ := dec.DecodeAll()
	sid := msgs[0].Header.Parameter2

	payload := cacodec.EncodeValue(catypes.NewDataType(catypes.ScopePlain, catypes.BaseLong), 1, catypes.Of(int32(7)), cacodec.EncodeOptions{})
	write := &cacodec.Message{
		Header: cacodec.Header{
			Command: cacodec.CmdWriteNotify, DataType: uint16(catypes.NewDataType(catypes.ScopePlain, catypes.BaseLong)),
			DataCount: 1, Parameter1: sid, Parameter2: 55,
		},
		Payload: payload,
	}
	reply := s.handleTCPMessage(c, write)
	if reply == nil {
		t.Fatal("expected WRITE_NOTIFY reply")
	}
	dec = cacodec.Decoder{}
	dec.Feed(reply)
	msgs, _ = dec.DecodeAll()
	if msgs[0].Header.Parameter1 != writeStatusOK || msgs[0].Header.Parameter2 != 55 {
		t.Errorf("unexpected WRITE_NOTIFY reply header: %+v", msgs[0].Header)
	}

	v, ok := s.Get("TEST:A.VAL")
	if !ok || v.Native.(int32) != 7 {
		t.Errorf("Get after write = %v, %v; want 7, true", v.Native, ok)
	}
}

func TestWriteNotifyToUnknownChannelFails(t *testing.T) {
	s := New(DefaultOptions())
	c, _ := newTestConn(t)
	write := &cacodec.Message{
		Header:  cacodec.Header{Command: cacodec.CmdWriteNotify, Parameter1: 999, Parameter2: 1},
		Payload: make([]byte, 8),
	}
	if reply := s.handleTCPMessage(c, write); reply != nil {
		t.Errorf("expected no reply for unknown SID, got %d bytes", len(reply))
	}
}

func TestSearchRepliesOnlyWhenPVExists(t *testing.T) {
	s := New(DefaultOptions())
	s.Put("TEST:A.VAL", catypes.Of(int32(1)), true)
	s.tcpPort = 5064

	hit := s.handleSearch(&cacodec.Message{
		Header:  cacodec.Header{Command: cacodec.CmdSearch, DataType: cacodec.SearchReplyOnFail, Parameter1: 3, Parameter2: 3},
		Payload: []byte("TEST:A.VAL\x00"),
	})
	if hit == nil {
		t.Fatal("expected a SEARCH reply for an existing PV")
	}

	miss := s.handleSearch(&cacodec.Message{
		Header:  cacodec.Header{Command: cacodec.CmdSearch, DataType: cacodec.SearchReplyOnFail, Parameter1: 4, Parameter2: 4},
		Payload: []byte("NO:SUCH:PV\x00"),
	})
	if miss == nil {
		t.Fatal("expected a NOT_FOUND reply when reply-on-fail is requested")
	}
	var dec cacodec.Decoder
	dec.Feed(miss)
	msgs, _ := dec.DecodeAll()
	if msgs[0].Header.Command != cacodec.CmdNotFound {
		t.Errorf("expected NOT_FOUND, got command %d", msgs[0].Header.Command)
	}

	silent := s.handleSearch(&cacodec.Message{
		Header:  cacodec.Header{Command: cacodec.CmdSearch, DataType: cacodec.SearchNoReplyOnFail, Parameter1: 5, Parameter2: 5},
		Payload: []byte("NO:SUCH:PV\x00"),
	})
	if silent != nil {
		t.Error("expected no reply when reply-on-fail is not requested")
	}
}

func TestEventCancelRemovesSubscriber(t *testing.T) {
	s := New(DefaultOptions())
	s.Put("TEST:A.VAL", catypes.Of(int32(1)), true)
	c, _ := newTestConn(t)

	create := s.handleTCPMessage(c, &cacodec.Message{
		Header:  cacodec.Header{Command: cacodec.CmdCreateChan, Parameter1: 1},
		Payload: []byte("TEST:A.VAL\x00"),
	})
	var dec cacodec.Decoder
	dec.Feed(create)
	msgs, _ := dec.DecodeAll()
	sid := msgs[0].Header.Parameter2

	s.handleTCPMessage(c, &cacodec.Message{
		Header:  cacodec.Header{Command: cacodec.CmdEventAdd, Parameter1: sid, Parameter2: 1},
		Payload: make([]byte, 16),
	})
	s.mu.Lock()
	pv := s.pvs["TEST:A.VAL"]
	s.mu.Unlock()
	if pv.SubscriberCount() != 1 {
		t.Fatalf("expected subscriber after EVENT_ADD, got %d", pv.SubscriberCount())
	}

	s.handleTCPMessage(c, &cacodec.Message{
		Header: cacodec.Header{Command: cacodec.CmdEventCancel, Parameter1: sid, Parameter2: 1},
	})
	if pv.SubscriberCount() != 0 {
		t.Errorf("expected no subscribers after EVENT_CANCEL, got %d", pv.SubscriberCount())
	}
}

// TestSweepBroadcastsOnlyOnActualValueChange guards the change-detection
// fix: a subscriber must see exactly one EVENT_ADD per actual value change,
// and none on a sweep tick where nothing changed, even though every
// broadcast embeds a fresh TIME_ timestamp.
func TestSweepBroadcastsOnlyOnActualValueChange(t *testing.T) {
	s := New(DefaultOptions())
	s.Put("TEST:A.VAL", catypes.Of(int32(1)), true)

	c, clientSide := newTestConn(t)
	create := s.handleTCPMessage(c, &cacodec.Message{
		Header:  cacodec.Header{Command: cacodec.CmdCreateChan, Parameter1: 1},
		Payload: []byte("TEST:A.VAL\x00"),
	})
	var dec cacodec.Decoder
	dec.Feed(create)
	msgs, _ := dec.DecodeAll()
	sid := msgs[0].Header.Parameter2

	dt := catypes.NewDataType(catypes.ScopeTIME, catypes.BaseLong)
	s.handleTCPMessage(c, &cacodec.Message{
		Header: cacodec.Header{
			Command: cacodec.CmdEventAdd, DataType: uint16(dt), DataCount: 1,
			Parameter1: sid, Parameter2: 7,
		},
		Payload: make([]byte, 16),
	})

	s.connMu.Lock()
	s.conns[c.key] = c
	s.connMu.Unlock()

	received := make(chan *cacodec.Message, 16)
	go func() {
		var rdec cacodec.Decoder
		buf := make([]byte, 256)
		for {
			n, err := clientSide.Read(buf)
			if err != nil {
				return
			}
			rdec.Feed(buf[:n])
			msgs, _ := rdec.DecodeAll()
			for _, m := range msgs {
				received <- m
			}
		}
	}()

	// Repeated sweeps over an unchanged value must not broadcast, even
	// though each sweep re-encodes with a fresh TIME_ timestamp.
	for i := 0; i < 3; i++ {
		s.sweepOnce()
	}
	select {
	case m := <-received:
		t.Fatalf("unexpected broadcast on unchanged value: %+v", m.Header)
	case <-time.After(50 * time.Millisecond):
	}

	// Four actual value changes must produce exactly four EVENT_ADD frames.
	for i := int32(2); i <= 5; i++ {
		s.Put("TEST:A.VAL", catypes.Of(i), false)
		select {
		case m := <-received:
			if m.Header.Command != cacodec.CmdEventAdd {
				t.Fatalf("expected EVENT_ADD, got %s", cacodec.CommandName(m.Header.Command))
			}
		case <-time.After(time.Second):
			t.Fatalf("expected a broadcast for value %d", i)
		}
	}

	select {
	case m := <-received:
		t.Fatalf("unexpected extra broadcast: %+v", m.Header)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRegisterObjectTakesPriorityOverTable(t *testing.T) {
	s := New(DefaultOptions())
	temp := 21.5
	obj := s.RegisterObject("TEST:TEMP")
	obj.Bind("VAL", func() catypes.Value { return catypes.Of(temp) }, func(v catypes.Value) error {
		temp = v.Native.(float64)
		return nil
	})

	v, ok := s.Get("TEST:TEMP.VAL")
	if !ok || v.Native.(float64) != 21.5 {
		t.Fatalf("Get = %v, %v; want 21.5, true", v.Native, ok)
	}

	record, ok := s.Get("TEST:TEMP")
	if !ok || record.Kind != catypes.KindRecord {
		t.Fatalf("expected a record marker for the object prefix, got %+v", record)
	}
}
