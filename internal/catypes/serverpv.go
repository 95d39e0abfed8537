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
	"sync"
	"time"
)

// SubscriberKey identifies a subscriber by the client's observed UDP/TCP
// peer address; it is the map key spec.md §3 calls "(client_addr, port)".
type SubscriberKey string

// NewSubscriberKey builds a SubscriberKey from a dotted address and port.
func NewSubscriberKey(addr string, port uint16) SubscriberKey {
	return SubscriberKey(addr + ":" + itoa(int(port)))
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [12]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Subscriber is one client's EVENT_ADD registration on a ServerPV, carrying
// the DataType/DataCount *that subscriber* asked for — the server re-encodes
// each broadcast per subscriber, not from one canonical encoding (spec.md
// §4.4, "Change detection & fanout").
type Subscriber struct {
	Key            SubscriberKey
	SubscriptionID uint32
	DataType       DataType
	DataCount      int
	Send           func(frame []byte) error
}

// ServerPV is the server-side per-PV state of spec.md §3. Subscribers is
// kept in insertion order (invariant 7) via subscriberOrder rather than Go
// map iteration order.
//
// A ServerPV is shared by the TCP handler goroutine that owns its
// connection, the periodic sweep goroutine, and the connection-close
// cleanup goroutine (spec.md §5, "shared state ... is guarded by a
// mutex"), so every accessor below takes mu internally rather than relying
// on callers to hold some other lock.
type ServerPV struct {
	Name        string
	Value       Value
	LastUpdated time.Time

	ChannelSID uint32

	mu              sync.Mutex
	subscribers     map[SubscriberKey]*Subscriber
	subscriberOrder []SubscriberKey

	// lastBroadcast caches the last wire-encoded form compared against on
	// the next sweep tick, keyed per subscriber, so change detection
	// happens in wire form rather than native form (spec.md §4.4).
	lastBroadcast map[SubscriberKey][]byte

	callbacks []func(name string, v Value)
}

// NewServerPV creates an empty ServerPV with the given process-unique SID.
func NewServerPV(name string, sid uint32) *ServerPV {
	return &ServerPV{
		Name:          name,
		ChannelSID:    sid,
		subscribers:   make(map[SubscriberKey]*Subscriber),
		lastBroadcast: make(map[SubscriberKey][]byte),
	}
}

// AddSubscriber records sub, appending to the insertion-ordered list unless
// the key is already present. A repeated EVENT_ADD from the same key
// replaces that key's recorded subscription in place, keeping its position
// in the order.
func (pv *ServerPV) AddSubscriber(sub *Subscriber) {
	pv.mu.Lock()
	defer pv.mu.Unlock()
	if _, exists := pv.subscribers[sub.Key]; !exists {
		pv.subscriberOrder = append(pv.subscriberOrder, sub.Key)
	}
	pv.subscribers[sub.Key] = sub
}

// RemoveSubscriber drops the subscriber registered under key, if any.
func (pv *ServerPV) RemoveSubscriber(key SubscriberKey) {
	pv.mu.Lock()
	defer pv.mu.Unlock()
	if _, exists := pv.subscribers[key]; !exists {
		return
	}
	delete(pv.subscribers, key)
	delete(pv.lastBroadcast, key)
	for i, k := range pv.subscriberOrder {
		if k == key {
			pv.subscriberOrder = append(pv.subscriberOrder[:i], pv.subscriberOrder[i+1:]...)
			break
		}
	}
}

// Subscribers returns a snapshot of the live subscribers in insertion
// order.
func (pv *ServerPV) Subscribers() []*Subscriber {
	pv.mu.Lock()
	defer pv.mu.Unlock()
	out := make([]*Subscriber, 0, len(pv.subscriberOrder))
	for _, k := range pv.subscriberOrder {
		out = append(out, pv.subscribers[k])
	}
	return out
}

// SubscriberCount reports how many clients currently subscribe.
func (pv *ServerPV) SubscriberCount() int {
	pv.mu.Lock()
	defer pv.mu.Unlock()
	return len(pv.subscribers)
}

// LastBroadcastWire returns the last wire-encoded frame compared against
// for key, and whether one has ever been recorded.
func (pv *ServerPV) LastBroadcastWire(key SubscriberKey) ([]byte, bool) {
	pv.mu.Lock()
	defer pv.mu.Unlock()
	b, ok := pv.lastBroadcast[key]
	return b, ok
}

// SetLastBroadcastWire records the wire-encoded frame to compare against on
// the next sweep's equality check for key.
func (pv *ServerPV) SetLastBroadcastWire(key SubscriberKey, frame []byte) {
	pv.mu.Lock()
	defer pv.mu.Unlock()
	pv.lastBroadcast[key] = frame
}

// AddCallback registers cb to be invoked, via NotifyCallbacks, whenever a
// client's WRITE/WRITE_NOTIFY changes this PV (spec.md §3's server-side
// "writers" list).
func (pv *ServerPV) AddCallback(cb func(name string, v Value)) {
	pv.mu.Lock()
	defer pv.mu.Unlock()
	pv.callbacks = append(pv.callbacks, cb)
}

// NotifyCallbacks invokes every registered callback with v. Callbacks run
// outside the lock, on a snapshot taken under it, so a callback is free to
// call AddCallback or any other ServerPV method without deadlocking.
func (pv *ServerPV) NotifyCallbacks(name string, v Value) {
	pv.mu.Lock()
	cbs := append(([]func(string, Value))(nil), pv.callbacks...)
	pv.mu.Unlock()
	for _, cb := range cbs {
		cb(name, v)
	}
}
