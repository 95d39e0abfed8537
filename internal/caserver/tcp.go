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

	"golang.org/x/sync/errgroup"

	"github.com/vstadnytskyi/EPICS-CA/internal/cacodec"
	"github.com/vstadnytskyi/EPICS-CA/internal/calog"
	"github.com/vstadnytskyi/EPICS-CA/internal/catypes"
)

// tcpService accepts connections and spawns one handler goroutine per
// connection, per spec.md §4.4/§5 ("one task per accepted connection").
type tcpService struct {
	server   *Server
	listener *net.TCPListener
}

// Serve accepts connections until ctx is cancelled, then waits for every
// in-flight handleConnection goroutine it spawned to return before
// reporting back to the supervisor.
func (t *tcpService) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		t.listener.Close()
	}()

	eg, egCtx := errgroup.WithContext(ctx)
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				eg.Wait()
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return eg.Wait()
			}
			calog.Warnln("caserver: tcp accept:", err)
			continue
		}
		t.server.metrics.connectionsAccepted.Inc()
		eg.Go(func() error {
			t.server.handleConnection(egCtx, conn)
			return nil
		})
	}
}

// handleConnection reads CA frames off conn until it closes, dispatching
// each to handleTCPMessage and writing back any reply. On exit it removes
// the connection's subscriptions from every PV, per spec.md §5's "TCP loss
// ... keeps observer lists" (server-side: the dropped client's entries are
// simply removed, since the server holds no per-client reconnection state).
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	key := subscriberKeyOf(conn.RemoteAddr())
	c := &connState{conn: conn, key: key}

	s.connMu.Lock()
	s.conns[key] = c
	s.connMu.Unlock()

	calog.Debugln("caserver: accepted connection from", key)

	defer func() {
		conn.Close()
		s.connMu.Lock()
		delete(s.conns, key)
		s.connMu.Unlock()
		s.removeSubscriber(key)
		s.metrics.connectionsClosed.Inc()
		calog.Debugln("caserver: closed connection from", key)
	}()

	var dec cacodec.Decoder
	buf := make([]byte, 4096)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		dec.Feed(buf[:n])
		for {
			msg, ok, err := dec.Next()
			if err != nil {
				s.metrics.decodeErrors.Inc()
				calog.Debugln("caserver: malformed frame from", key, ":", err)
				return
			}
			if !ok {
				break
			}
			reply := s.handleTCPMessage(c, msg)
			if reply != nil {
				if err := c.send(reply); err != nil {
					calog.Debugln("caserver: write to", key, "failed:", err)
					return
				}
			}
		}
	}
}

// removeSubscriber drops key from every PV's subscriber set, on connection
// loss (mirrors CAServer.py's TCPHandler.handle cleanup on disconnect).
func (s *Server) removeSubscriber(key catypes.SubscriberKey) {
	s.mu.Lock()
	pvs := make([]*catypes.ServerPV, 0, len(s.pvs))
	for _, pv := range s.pvs {
		pvs = append(pvs, pv)
	}
	s.mu.Unlock()
	for _, pv := range pvs {
		pv.RemoveSubscriber(key)
	}
}
