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

import (
	"net"
	"time"
)

// State is a ClientPV's position in the state machine of spec.md §4.3.
type State int

const (
	StateNew State = iota
	StateDiscovering
	StateConnecting
	StateChannelOpen
	StateSubscribed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateDiscovering:
		return "DISCOVERING"
	case StateConnecting:
		return "CONNECTING"
	case StateChannelOpen:
		return "CHANNEL_OPEN"
	case StateSubscribed:
		return "SUBSCRIBED"
	default:
		return "UNKNOWN"
	}
}

// MonitorCallback is invoked on every EVENT_ADD that carries a value. Text
// is the textual rendering of Value, mirroring the reference Python
// implementation's (name, value, char_value, timestamp) callback signature.
type MonitorCallback func(name string, value Value, text string, timestamp time.Time)

// AccessRead/AccessWrite are the two bits of the ACCESS_RIGHTS mask
// (spec.md §3).
const (
	AccessRead  = 1 << 0
	AccessWrite = 1 << 1
)

// ClientPV is the client-side per-PV state described in spec.md §3. Only
// the dispatcher goroutine (or a caller holding its lock) may mutate one.
type ClientPV struct {
	Name string

	ChannelCID uint32

	ServerAddr *net.TCPAddr // nil until SEARCH resolves it
	ChannelSID uint32       // 0 = none
	DataType   DataType
	DataCount  int
	AccessBits uint8

	SubscriptionID uint32 // 0 = none

	LastValue   *Value
	LastUpdated time.Time

	PendingWrite *Value
	IOID         uint32

	Callbacks []MonitorCallback
	Writers   []MonitorCallback

	State State

	FirstConnectionRequested time.Time
	LastConnectionRequested  time.Time
	ConnectionInitiated      time.Time
	ResponseTime             time.Time
	WriteRequested           time.Time
	WriteSent                time.Time
	WriteConfirmed           time.Time
}

// NewClientPV creates a fresh, NEW-state PV with a freshly allocated CID.
func NewClientPV(name string, cids *IDAllocator) *ClientPV {
	now := time.Now()
	return &ClientPV{
		Name:                     name,
		ChannelCID:               cids.Next(),
		State:                    StateNew,
		FirstConnectionRequested: now,
		LastConnectionRequested:  now,
	}
}

// Connected implements invariant 3 of spec.md §3.
func (pv *ClientPV) Connected() bool {
	return pv.ChannelSID != 0 && pv.ServerAddr != nil
}

// LiveSubscribed implements invariant 4 of spec.md §3.
func (pv *ClientPV) LiveSubscribed() bool {
	return pv.Connected() && pv.SubscriptionID != 0
}

// ResetOnDisconnect clears transient, connection-scoped state while
// preserving Name, ChannelCID and the observer lists, per the Lifecycle
// paragraph of spec.md §3 (mirrors PV_info.reset() in the Python original).
func (pv *ClientPV) ResetOnDisconnect() {
	pv.ServerAddr = nil
	pv.ChannelSID = 0
	pv.DataType = 0
	pv.DataCount = 0
	pv.AccessBits = 0
	pv.SubscriptionID = 0
	pv.LastValue = nil
	pv.LastUpdated = time.Time{}
	pv.PendingWrite = nil
	pv.IOID = 0
	pv.ConnectionInitiated = time.Time{}
	pv.ResponseTime = time.Time{}
	pv.WriteRequested = time.Time{}
	pv.WriteSent = time.Time{}
	pv.WriteConfirmed = time.Time{}
	pv.State = StateNew
}

// ServerConnection is the client-side per-IOC TCP session state of
// spec.md §3, keyed by (addr, port) in the connection pool.
type ServerConnection struct {
	Conn        net.Conn
	InputBuffer []byte
	AccessBits  uint8
}
