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

// Package caclient implements the Channel Access client engine: per-PV
// discovery and connection state machine, a shared TCP connection pool, UDP
// SEARCH broadcast/retry, and the subscription and write paths.
//
// The reference's dispatcher-lock-plus-self-pipe design (spec.md §5) is
// replaced with the idiomatic Go shape its own design notes recommend
// (spec.md §9): a mutex guards PV and connection state, a background
// goroutine drives periodic scheduler work (SEARCH retries, timeout
// sweeps), and per-connection reader goroutines feed incoming frames
// straight into that shared state rather than through a wakeup pipe.
package caclient

import (
	"context"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/vstadnytskyi/EPICS-CA/internal/caaddr"
	"github.com/vstadnytskyi/EPICS-CA/internal/cacodec"
	"github.com/vstadnytskyi/EPICS-CA/internal/calog"
	"github.com/vstadnytskyi/EPICS-CA/internal/catypes"
)

// Options configures a Client. The zero value is not usable; start from
// DefaultOptions.
type Options struct {
	// SearchTimeout is how long to wait for a SEARCH reply before
	// re-broadcasting (spec.md §4.2's default 1s).
	SearchTimeout time.Duration
	// SchedulerInterval is how often the dispatcher goroutine wakes to run
	// pending-connect, pending-write, and timeout sweeps.
	SchedulerInterval time.Duration
	// DefaultTimeout is used by Get/Put/WaitForUpdate when the caller
	// passes zero.
	DefaultTimeout time.Duration
	ClientName     string
	HostName       string
}

// DefaultOptions returns the spec's defaults.
func DefaultOptions() Options {
	host, _ := os.Hostname()
	return Options{
		SearchTimeout:     time.Second,
		SchedulerInterval: 50 * time.Millisecond,
		DefaultTimeout:    time.Second,
		ClientName:        os.Getenv("USER"),
		HostName:          host,
	}
}

// PVInfo is the introspection snapshot of one client-side PV, the retained
// counterpart of the original's cainfo()/PV_status() (SPEC_FULL.md §3.1).
type PVInfo struct {
	Name       string
	ChannelCID uint32
	ChannelSID uint32
	DataType   catypes.DataType
	DataCount  int
	AccessBits uint8
	ServerAddr string
	State      catypes.State

	FirstConnectionRequested time.Time
	LastConnectionRequested  time.Time
	ConnectionInitiated      time.Time
	ResponseTime             time.Time
	WriteRequested           time.Time
	WriteSent                time.Time
	WriteConfirmed           time.Time
}

// Subscription is the handle returned by Monitor, used to cancel one
// specific callback registration with MonitorClear — Go funcs are not
// comparable, so (unlike the language-neutral surface of spec.md §6) this
// engine hands back an explicit token rather than matching on the callback
// value itself.
type Subscription struct {
	name string
	id   uint64
}

type subscribedCallback struct {
	id uint64
	cb catypes.MonitorCallback
}

// Client is the Channel Access client engine.
type Client struct {
	opts Options

	mu       sync.Mutex
	pvs      map[string]*catypes.ClientPV
	monitors map[string][]subscribedCallback
	nextSub  uint64
	waiters  map[string][]chan struct{}

	cids   *catypes.IDAllocator
	subIDs *catypes.IDAllocator
	ioids  *catypes.IDAllocator

	pool *connPool

	udpConn       *net.UDPConn
	searchLimiter *rate.Limiter
	pendingSearch map[uint32]string // CID -> name, awaiting a reply

	ctx     context.Context
	cancel  context.CancelFunc
	eg      *errgroup.Group
	started bool
}

// New creates a Client. Call Close when done to release its sockets and
// background goroutines.
func New(opts Options) *Client {
	if opts.SearchTimeout <= 0 {
		opts.SearchTimeout = time.Second
	}
	if opts.SchedulerInterval <= 0 {
		opts.SchedulerInterval = 50 * time.Millisecond
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = time.Second
	}
	rootCtx, cancel := context.WithCancel(context.Background())
	eg, egCtx := errgroup.WithContext(rootCtx)
	c := &Client{
		opts:          opts,
		pvs:           make(map[string]*catypes.ClientPV),
		monitors:      make(map[string][]subscribedCallback),
		waiters:       make(map[string][]chan struct{}),
		cids:          catypes.NewIDAllocator(),
		subIDs:        catypes.NewIDAllocator(),
		ioids:         catypes.NewIDAllocator(),
		pendingSearch: make(map[uint32]string),
		searchLimiter: rate.NewLimiter(rate.Every(200*time.Millisecond), 4),
		ctx:           egCtx,
		cancel:        cancel,
		eg:            eg,
	}
	c.pool = newConnPool(c)
	return c
}

// ensureStarted lazily brings up the UDP socket and the dispatcher
// goroutine on first PV reference, per spec.md §5's "a background thread
// runs the dispatcher loop whenever any PV is registered or any monitor is
// live".
func (c *Client) ensureStarted() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: 0})
	if err != nil {
		return err
	}
	c.udpConn = conn
	c.started = true

	c.eg.Go(func() error { c.runUDPReader(); return nil })
	c.eg.Go(func() error { c.runScheduler(); return nil })
	return nil
}

// Close stops the dispatcher and closes every owned socket.
func (c *Client) Close() error {
	c.cancel()
	c.mu.Lock()
	if c.udpConn != nil {
		c.udpConn.Close()
	}
	c.mu.Unlock()
	c.pool.closeAll()
	c.eg.Wait()
	return nil
}

// pvFor returns the ClientPV for name, creating a fresh NEW-state one on
// first reference; discovery starts on the caller's next poke or scheduler
// turn. Callers must hold c.mu.
func (c *Client) pvFor(name string) *catypes.ClientPV {
	pv, ok := c.pvs[name]
	if !ok {
		pv = catypes.NewClientPV(name, c.cids)
		c.pvs[name] = pv
	}
	return pv
}

// Info returns the introspection snapshot for name, mirroring the
// original's cainfo() (SPEC_FULL.md §3.1).
func (c *Client) Info(name string) (PVInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pv, ok := c.pvs[name]
	if !ok {
		return PVInfo{}, false
	}
	return infoOf(pv), true
}

// Snapshot returns the introspection state of every known PV, mirroring
// the original's PV_status() (SPEC_FULL.md §3.1).
func (c *Client) Snapshot() []PVInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PVInfo, 0, len(c.pvs))
	for _, pv := range c.pvs {
		out = append(out, infoOf(pv))
	}
	return out
}

func infoOf(pv *catypes.ClientPV) PVInfo {
	addr := ""
	if pv.ServerAddr != nil {
		addr = pv.ServerAddr.String()
	}
	return PVInfo{
		Name: pv.Name, ChannelCID: pv.ChannelCID, ChannelSID: pv.ChannelSID,
		DataType: pv.DataType, DataCount: pv.DataCount, AccessBits: pv.AccessBits,
		ServerAddr: addr, State: pv.State,
		FirstConnectionRequested: pv.FirstConnectionRequested, LastConnectionRequested: pv.LastConnectionRequested,
		ConnectionInitiated: pv.ConnectionInitiated, ResponseTime: pv.ResponseTime,
		WriteRequested: pv.WriteRequested, WriteSent: pv.WriteSent, WriteConfirmed: pv.WriteConfirmed,
	}
}

// Monitor registers cb to be invoked on every value-carrying EVENT_ADD for
// name, subscribing to the server if not already subscribed.
func (c *Client) Monitor(name string, cb catypes.MonitorCallback) *Subscription {
	c.ensureStarted()
	c.mu.Lock()
	c.nextSub++
	id := c.nextSub
	c.monitors[name] = append(c.monitors[name], subscribedCallback{id: id, cb: cb})
	pv := c.pvFor(name)
	c.mu.Unlock()
	c.poke(pv.Name)
	return &Subscription{name: name, id: id}
}

// MonitorClear removes one callback registration. A nil sub is a no-op.
func (c *Client) MonitorClear(sub *Subscription) {
	if sub == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.monitors[sub.name]
	for i, sc := range list {
		if sc.id == sub.id {
			c.monitors[sub.name] = append(list[:i], list[i+1:]...)
			break
		}
	}
}

// WaitForUpdate blocks until the next EVENT_ADD for name arrives, or
// timeout elapses, returning whether one did.
func (c *Client) WaitForUpdate(name string, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = c.opts.DefaultTimeout
	}
	c.ensureStarted()
	ch := make(chan struct{}, 1)
	c.mu.Lock()
	c.waiters[name] = append(c.waiters[name], ch)
	pv := c.pvFor(name)
	c.mu.Unlock()
	c.poke(pv.Name)

	select {
	case <-ch:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (c *Client) notifyWaiters(name string) {
	c.mu.Lock()
	chans := c.waiters[name]
	delete(c.waiters, name)
	c.mu.Unlock()
	for _, ch := range chans {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// poke runs one scheduler iteration immediately rather than waiting for
// the next tick, the idiomatic-Go analog of the reference's wakeup pipe
// byte write.
func (c *Client) poke(name string) {
	c.runSchedulerTurnFor(name)
}

// runUDPReader decodes incoming UDP datagrams (SEARCH replies) for the
// life of the client.
func (c *Client) runUDPReader() {
	buf := make([]byte, 65536)
	for {
		n, addr, err := c.udpConn.ReadFromUDP(buf)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			calog.Debugln("caclient: udp read:", err)
			continue
		}
		c.handleUDPDatagram(addr, buf[:n])
	}
}

// runScheduler periodically drives SEARCH retries, pending writes, and
// connection housekeeping for every known PV (spec.md §5's scheduler turn).
func (c *Client) runScheduler() {
	ticker := time.NewTicker(c.opts.SchedulerInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.runSchedulerTurn()
		}
	}
}

func (c *Client) runSchedulerTurn() {
	c.mu.Lock()
	names := make([]string, 0, len(c.pvs))
	for name := range c.pvs {
		names = append(names, name)
	}
	c.mu.Unlock()
	for _, name := range names {
		c.runSchedulerTurnFor(name)
	}
}

// runSchedulerTurnFor advances name's state machine by one step: kicks off
// or retries SEARCH, opens the TCP connection once resolved, and flushes a
// pending write.
func (c *Client) runSchedulerTurnFor(name string) {
	c.mu.Lock()
	pv, ok := c.pvs[name]
	if !ok {
		c.mu.Unlock()
		return
	}
	state := pv.State
	c.mu.Unlock()

	switch state {
	case catypes.StateNew:
		c.beginSearch(pv)
	case catypes.StateDiscovering:
		c.maybeRetrySearch(pv)
	case catypes.StateChannelOpen:
		c.flushPendingWrite(pv)
		c.subscribe(pv)
	case catypes.StateSubscribed:
		c.flushPendingWrite(pv)
	}
}
