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
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/thejerf/suture/v4"

	"github.com/vstadnytskyi/EPICS-CA/internal/cacodec"
	"github.com/vstadnytskyi/EPICS-CA/internal/calog"
	"github.com/vstadnytskyi/EPICS-CA/internal/catypes"
)

// Options configures a Server. The zero value is not usable; start from
// DefaultOptions.
type Options struct {
	// Port is the UDP/TCP port to bind. TCP falls back to Port+1, Port+2, …
	// if busy, so multiple servers may share one host (spec.md §4.4).
	Port int
	// SweepInterval is the period of the change-detection broadcast loop.
	SweepInterval time.Duration
	// CacheTTL is how long a resolved value is served from cache before the
	// next sweep or read re-resolves it from the provider chain.
	CacheTTL time.Duration
	// Registerer receives the server's prometheus metrics. A nil
	// Registerer disables registration but metrics are still counted.
	Registerer prometheus.Registerer
}

// DefaultOptions returns the spec's defaults: port 5064, 1s sweep, 1s cache.
func DefaultOptions() Options {
	return Options{
		Port:          cacodec.DefaultPort,
		SweepInterval: time.Second,
		CacheTTL:      time.Second,
	}
}

// Server is the Channel Access server engine: it owns a PV table, a
// provider chain, the set of live TCP connections and subscribers, and the
// UDP/TCP/sweep loops that drive them (spec.md §4.4, §5).
type Server struct {
	opts Options

	mu        sync.Mutex
	pvs       map[string]*catypes.ServerPV
	providers []PVProvider
	table     *pvTable
	sids      *catypes.IDAllocator
	cache     *valueCache

	connMu sync.Mutex
	conns  map[catypes.SubscriberKey]*connState

	metrics *metrics

	tcpPort int
}

// New creates a Server with the given options and an empty in-memory PV
// table as its last-resort provider.
func New(opts Options) *Server {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Second
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = time.Second
	}
	if opts.Port <= 0 {
		opts.Port = cacodec.DefaultPort
	}
	s := &Server{
		opts:    opts,
		pvs:     make(map[string]*catypes.ServerPV),
		table:   newPVTable(),
		sids:    catypes.NewIDAllocator(),
		conns:   make(map[catypes.SubscriberKey]*connState),
		metrics: newMetrics(opts.Registerer),
	}
	s.providers = []PVProvider{s.table}
	s.cache = newValueCache(opts.CacheTTL, s.resolve)
	return s
}

// RegisterObject binds a set of named attributes under a common prefix,
// consulted before the in-memory table (§6 provider priority order). Use
// Bind on the returned handle to attach attributes.
func (s *Server) RegisterObject(prefix string) *ObjectHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := newObjectProvider(prefix)
	// Registered objects take priority over registered properties and the
	// in-memory table; among objects, earlier registrations win (§6).
	i := 0
	for i < len(s.providers) {
		if _, isObj := s.providers[i].(*objectProvider); !isObj {
			break
		}
		i++
	}
	s.providers = append(s.providers[:i], append([]PVProvider{p}, s.providers[i:]...)...)
	return &ObjectHandle{provider: p}
}

// ObjectHandle lets a caller attach attributes to a RegisterObject call
// after the fact, without needing a struct literal per PV.
type ObjectHandle struct{ provider *objectProvider }

// Bind attaches one attribute, addressable as "<prefix>.<attr>".
func (h *ObjectHandle) Bind(attr string, get ObjectGetter, set ObjectSetter) {
	h.provider.bind(attr, get, set)
}

// RegisterProperty binds a single PV name to a get/set pair, taking
// priority over the in-memory table.
func (s *Server) RegisterProperty(name string, get ObjectGetter, set ObjectSetter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := &propertyProvider{name: name, attr: objectAttr{get: get, set: set}}
	s.providers = append(s.providers[:len(s.providers)-1], p, s.table)
}

// Put sets name's value in the in-memory table, creating it if absent, and
// broadcasts to subscribers when the value changed (or always, if
// updateAlways is set) — the server-side counterpart of spec.md §6's put.
func (s *Server) Put(name string, v catypes.Value, updateAlways bool) {
	s.table.put(name, v)
	s.cache.invalidate(name)
	s.broadcastChanged(name, updateAlways)
}

// Get returns name's current value by walking the provider chain.
func (s *Server) Get(name string) (catypes.Value, bool) {
	return s.cache.get(name, true)
}

// Monitor registers a local observer invoked whenever a client's
// WRITE/WRITE_NOTIFY changes name (the server-side "writers" list of
// spec.md §3).
func (s *Server) Monitor(name string, cb func(name string, v catypes.Value)) {
	s.mu.Lock()
	pv := s.pvForName(name)
	s.mu.Unlock()
	pv.AddCallback(cb)
}

// Delete removes name from the in-memory table and notifies any
// subscribers that the channel is gone, via EVENT_CANCEL.
func (s *Server) Delete(name string) {
	s.table.delete(name)
	s.cache.invalidate(name)
	s.mu.Lock()
	pv, ok := s.pvs[name]
	if ok {
		delete(s.pvs, name)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	for _, sub := range pv.Subscribers() {
		s.sendTo(sub.Key, cacodec.Encode(cacodec.Header{
			Command:    cacodec.CmdEventCancel,
			DataType:   uint16(sub.DataType),
			DataCount:  uint16(sub.DataCount),
			Parameter1: pv.ChannelSID,
			Parameter2: sub.SubscriptionID,
		}, nil))
	}
}

// resolve walks the provider chain in priority order, returning the first
// hit.
func (s *Server) resolve(name string) (catypes.Value, bool) {
	s.mu.Lock()
	providers := append([]PVProvider(nil), s.providers...)
	s.mu.Unlock()
	for _, p := range providers {
		if v, ok := p.Lookup(name); ok {
			return v, true
		}
	}
	return catypes.Value{}, false
}

// providerFor returns the provider that owns name, for routing writes.
func (s *Server) providerFor(name string) PVProvider {
	s.mu.Lock()
	providers := append([]PVProvider(nil), s.providers...)
	s.mu.Unlock()
	for _, p := range providers {
		if _, ok := p.Lookup(name); ok {
			return p
		}
	}
	return nil
}

// pvForName returns the ServerPV record for name, creating one with a
// freshly allocated channel_SID on first reference. Callers must hold s.mu.
func (s *Server) pvForName(name string) *catypes.ServerPV {
	pv, ok := s.pvs[name]
	if !ok {
		pv = catypes.NewServerPV(name, s.sids.Next())
		s.pvs[name] = pv
	}
	return pv
}

func (s *Server) sendTo(key catypes.SubscriberKey, frame []byte) {
	s.connMu.Lock()
	c := s.conns[key]
	s.connMu.Unlock()
	if c == nil {
		return
	}
	if err := c.send(frame); err != nil {
		calog.Debugln("caserver: send to", key, "failed:", err)
	}
}

// ListenAndServe binds the UDP and TCP sockets and runs the UDP responder,
// TCP acceptor, and change-detection sweep under a suture supervisor until
// ctx is cancelled (spec.md §4.4, SPEC_FULL.md §5 Supervision).
func (s *Server) ListenAndServe(ctx context.Context) error {
	udpConn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: s.opts.Port})
	if err != nil {
		return fmt.Errorf("caserver: udp listen: %w", err)
	}
	tcpListener, port, err := bindTCP(s.opts.Port)
	if err != nil {
		udpConn.Close()
		return fmt.Errorf("caserver: tcp listen: %w", err)
	}
	s.tcpPort = port
	calog.Infof("caserver: listening on UDP %d, TCP %d", s.opts.Port, port)

	sup := suture.New("caserver", suture.Spec{})
	sup.Add(&udpService{server: s, conn: udpConn})
	sup.Add(&tcpService{server: s, listener: tcpListener})
	sup.Add(&sweepService{server: s, interval: s.opts.SweepInterval})

	err = sup.Serve(ctx)
	udpConn.Close()
	tcpListener.Close()
	return err
}

// bindTCP binds the first free TCP port starting at base, per spec.md
// §4.4's "increment until a free port is found".
func bindTCP(base int) (*net.TCPListener, int, error) {
	port := base
	for {
		l, err := net.ListenTCP("tcp4", &net.TCPAddr{Port: port})
		if err == nil {
			return l, port, nil
		}
		port++
		if port > base+1000 {
			return nil, 0, fmt.Errorf("no free TCP port near %d", base)
		}
	}
}

// TCPPort reports the TCP port actually bound, which may differ from
// Options.Port if it was busy.
func (s *Server) TCPPort() int { return s.tcpPort }

// connState is one accepted TCP connection, with its writes serialized
// (spec.md §5: "send operations on a given socket must be serialised").
type connState struct {
	conn    net.Conn
	writeMu sync.Mutex
	key     catypes.SubscriberKey
}

func (c *connState) send(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.conn.Write(frame)
	return err
}

func subscriberKeyOf(addr net.Addr) catypes.SubscriberKey {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return catypes.SubscriberKey(addr.String())
	}
	return catypes.NewSubscriberKey(tcpAddr.IP.String(), uint16(tcpAddr.Port))
}
