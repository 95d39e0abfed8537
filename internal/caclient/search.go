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
	"time"

	"github.com/vstadnytskyi/EPICS-CA/internal/caaddr"
	"github.com/vstadnytskyi/EPICS-CA/internal/cacodec"
	"github.com/vstadnytskyi/EPICS-CA/internal/calog"
	"github.com/vstadnytskyi/EPICS-CA/internal/catypes"
)

// beginSearch transitions a NEW PV to DISCOVERING and sends its first
// SEARCH broadcast, per spec.md §4.3.
func (c *Client) beginSearch(pv *catypes.ClientPV) {
	c.mu.Lock()
	if pv.State != catypes.StateNew {
		c.mu.Unlock()
		return
	}
	pv.State = catypes.StateDiscovering
	pv.LastConnectionRequested = time.Now()
	c.pendingSearch[pv.ChannelCID] = pv.Name
	c.mu.Unlock()
	c.sendSearch(pv)
}

// maybeRetrySearch re-broadcasts if SearchTimeout has elapsed since the
// last attempt, enforcing "only one outstanding attempt per PV at a time"
// (spec.md §4.2) via the last-sent timestamp rather than a retry counter.
func (c *Client) maybeRetrySearch(pv *catypes.ClientPV) {
	c.mu.Lock()
	elapsed := time.Since(pv.LastConnectionRequested)
	due := elapsed >= c.opts.SearchTimeout
	if due {
		pv.LastConnectionRequested = time.Now()
	}
	c.mu.Unlock()
	if due {
		c.sendSearch(pv)
	}
}

// sendSearch broadcasts a SEARCH request for pv to every derived broadcast
// address, rate-limited so a large PV table doesn't flood the network.
func (c *Client) sendSearch(pv *catypes.ClientPV) {
	if err := c.searchLimiter.Wait(c.ctx); err != nil {
		return
	}
	payload := paddedName(pv.Name)
	frame := cacodec.Encode(cacodec.Header{
		Command:    cacodec.CmdSearch,
		DataType:   cacodec.SearchReplyOnFail,
		DataCount:  0,
		Parameter1: pv.ChannelCID,
		Parameter2: pv.ChannelCID,
	}, payload)

	for _, ip := range caaddr.BroadcastAddresses() {
		addr := &net.UDPAddr{IP: ip, Port: cacodec.DefaultPort}
		if _, err := c.udpConn.WriteToUDP(frame, addr); err != nil {
			calog.Debugln("caclient: search to", addr, "failed:", err)
		}
	}
}

func paddedName(name string) []byte {
	b := append([]byte(name), 0)
	for len(b)%8 != 0 {
		b = append(b, 0)
	}
	return b
}

// handleUDPDatagram processes SEARCH replies (and NOT_FOUND) arriving over
// UDP, advancing the matching PV to CONNECTING.
func (c *Client) handleUDPDatagram(addr *net.UDPAddr, data []byte) {
	var dec cacodec.Decoder
	dec.Feed(data)
	msgs, err := dec.DecodeAll()
	if err != nil {
		calog.Debugln("caclient: malformed search reply from", addr, ":", err)
		return
	}
	for _, msg := range msgs {
		switch msg.Header.Command {
		case cacodec.CmdSearch:
			c.handleSearchReply(addr, msg)
		case cacodec.CmdNotFound:
			// Nothing to do: the PV simply stays DISCOVERING and retries.
		}
	}
}

func (c *Client) handleSearchReply(addr *net.UDPAddr, msg *cacodec.Message) {
	cid := msg.Header.Parameter2
	tcpPort := int(msg.Header.DataType)

	c.mu.Lock()
	name, ok := c.pendingSearch[cid]
	if !ok {
		c.mu.Unlock()
		return
	}
	pv, ok := c.pvs[name]
	if !ok || pv.State != catypes.StateDiscovering {
		// Invariant 5: duplicate SEARCH replies for an already-resolved PV
		// are ignored.
		c.mu.Unlock()
		return
	}
	delete(c.pendingSearch, cid)
	pv.ServerAddr = &net.TCPAddr{IP: addr.IP, Port: tcpPort}
	pv.State = catypes.StateConnecting
	pv.ResponseTime = time.Now()
	c.mu.Unlock()

	c.pool.openAndCreateChannel(pv)
}
