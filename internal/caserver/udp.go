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
	"context"
	"errors"
	"net"

	"github.com/vstadnytskyi/EPICS-CA/internal/cacodec"
	"github.com/vstadnytskyi/EPICS-CA/internal/calog"
)

// udpService answers SEARCH requests on the shared UDP port. It is one of
// the three suture-supervised loops (SPEC_FULL.md §5 Supervision).
type udpService struct {
	server *Server
	conn   *net.UDPConn
}

func (u *udpService) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		u.conn.Close()
	}()

	buf := make([]byte, 65536)
	for {
		n, addr, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			calog.Warnln("caserver: udp read:", err)
			continue
		}
		u.handleDatagram(addr, buf[:n])
	}
}

// handleDatagram splits a single UDP datagram into its concatenated CA
// frames (spec.md §4.4's "for each received datagram, iterate messages")
// and replies to each SEARCH in turn.
func (u *udpService) handleDatagram(addr *net.UDPAddr, data []byte) {
	var dec cacodec.Decoder
	dec.Feed(data)
	msgs, err := dec.DecodeAll()
	if err != nil {
		u.server.metrics.decodeErrors.Inc()
		calog.Debugln("caserver: malformed udp datagram from", addr, ":", err)
		return
	}
	for _, msg := range msgs {
		if msg.Header.Command != cacodec.CmdSearch {
			continue
		}
		reply := u.server.handleSearch(msg)
		if reply == nil {
			continue
		}
		if _, err := u.conn.WriteToUDP(reply, addr); err != nil {
			calog.Debugln("caserver: udp reply to", addr, "failed:", err)
		}
	}
}
