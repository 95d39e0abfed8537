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
	"bytes"
	"net"
	"sync"
	"time"

	"github.com/vstadnytskyi/EPICS-CA/internal/cacodec"
	"github.com/vstadnytskyi/EPICS-CA/internal/calog"
	"github.com/vstadnytskyi/EPICS-CA/internal/catypes"
)

// serverConn is one shared TCP session to an IOC, keyed by (ip, port) in
// connPool — spec.md §4.3's "one TCP socket per (server_ip, port); shared
// by all PVs on that server".
type serverConn struct {
	conn    net.Conn
	addr    string
	writeMu sync.Mutex
}

func (sc *serverConn) send(frame []byte) error {
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()
	_, err := sc.conn.Write(frame)
	return err
}

// connPool owns every serverConn a Client has opened.
type connPool struct {
	client *Client
	mu     sync.Mutex
	conns  map[string]*serverConn
}

func newConnPool(c *Client) *connPool {
	return &connPool{client: c, conns: make(map[string]*serverConn)}
}

func (p *connPool) closeAll() {
	p.mu.Lock()
	conns := make([]*serverConn, 0, len(p.conns))
	for _, sc := range p.conns {
		conns = append(conns, sc)
	}
	p.conns = make(map[string]*serverConn)
	p.mu.Unlock()
	for _, sc := range conns {
		sc.conn.Close()
	}
}

// openAndCreateChannel obtains (dialing if necessary) the shared connection
// to pv.ServerAddr, greets a freshly dialed server, and sends CREATE_CHAN.
func (p *connPool) openAndCreateChannel(pv *catypes.ClientPV) {
	sc, fresh, err := p.getOrDial(pv.ServerAddr)
	if err != nil {
		calog.Debugln("caclient: dial", pv.ServerAddr, "failed:", err)
		p.client.resetPV(pv.Name)
		return
	}

	p.client.mu.Lock()
	pv.ConnectionInitiated = time.Now()
	p.client.mu.Unlock()

	var buf bytes.Buffer
	if fresh {
		writeGreeting(&buf, p.client.opts)
	}
	buf.Write(cacodec.Encode(cacodec.Header{
		Command:    cacodec.CmdCreateChan,
		Parameter1: pv.ChannelCID,
		Parameter2: 11, // minor_version: CA protocol revision this engine speaks
	}, paddedName(pv.Name)))

	if err := sc.send(buf.Bytes()); err != nil {
		calog.Debugln("caclient: send to", sc.addr, "failed:", err)
		p.client.resetPV(pv.Name)
	}
}

func (p *connPool) getOrDial(addr *net.TCPAddr) (*serverConn, bool, error) {
	key := addr.String()
	p.mu.Lock()
	sc, ok := p.conns[key]
	p.mu.Unlock()
	if ok {
		return sc, false, nil
	}
	conn, err := net.DialTCP("tcp4", nil, addr)
	if err != nil {
		return nil, false, err
	}
	sc = &serverConn{conn: conn, addr: key}
	p.mu.Lock()
	p.conns[key] = sc
	p.mu.Unlock()

	p.client.eg.Go(func() error { p.client.runTCPReader(sc); return nil })
	return sc, true, nil
}

// writeGreeting appends the VERSION/CLIENT_NAME/HOST_NAME triple to buf so
// it goes out in one Write call, guaranteeing the atomic-before-CREATE_CHAN
// ordering spec.md §5 requires.
func writeGreeting(buf *bytes.Buffer, opts Options) {
	const priority = 10
	const minorVersion = 11
	buf.Write(cacodec.Encode(cacodec.Header{
		Command:   cacodec.CmdVersion,
		DataType:  priority,
		DataCount: minorVersion,
	}, nil))
	buf.Write(cacodec.Encode(cacodec.Header{Command: cacodec.CmdClientName}, paddedName(opts.ClientName)))
	buf.Write(cacodec.Encode(cacodec.Header{Command: cacodec.CmdHostName}, paddedName(opts.HostName)))
}

// findPVByCID scans the PV table for the record with the given channel_CID.
// Callers must hold c.mu. Mirrors caserver.pvBySID's linear scan, which is
// fine at the scale (tens to low hundreds of live PVs) this engine targets.
func (c *Client) findPVByCID(cid uint32) *catypes.ClientPV {
	for _, pv := range c.pvs {
		if pv.ChannelCID == cid {
			return pv
		}
	}
	return nil
}

func (c *Client) findPVBySID(sid uint32) *catypes.ClientPV {
	for _, pv := range c.pvs {
		if pv.ChannelSID == sid {
			return pv
		}
	}
	return nil
}

// resetPV transitions name back to NEW, preserving CID and observers, per
// the any→NEW rule of spec.md §4.3.
func (c *Client) resetPV(name string) {
	c.mu.Lock()
	pv, ok := c.pvs[name]
	c.mu.Unlock()
	if !ok {
		return
	}
	c.mu.Lock()
	pv.ResetOnDisconnect()
	c.mu.Unlock()
}

// resetPVsFor transitions every PV connected through addr back to NEW, on
// TCP loss — the Go counterpart of the original's reset_PVs(addr)
// (SPEC_FULL.md §3.1).
func (c *Client) resetPVsFor(addr string) {
	c.mu.Lock()
	var affected []*catypes.ClientPV
	for _, pv := range c.pvs {
		if pv.ServerAddr != nil && pv.ServerAddr.String() == addr {
			affected = append(affected, pv)
		}
	}
	for _, pv := range affected {
		pv.ResetOnDisconnect()
	}
	c.mu.Unlock()
	p := c.pool
	p.mu.Lock()
	delete(p.conns, addr)
	p.mu.Unlock()
}
