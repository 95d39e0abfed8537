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
	"time"

	"github.com/vstadnytskyi/EPICS-CA/internal/catypes"
)

// Get blocks until a value for name is available (connecting and briefly
// subscribing if necessary) or timeout elapses, mirroring the original's
// caget() (spec.md §6).
func (c *Client) Get(name string, timeout time.Duration) (catypes.Value, bool) {
	if timeout <= 0 {
		timeout = c.opts.DefaultTimeout
	}
	c.ensureStarted()

	c.mu.Lock()
	pv := c.pvFor(name)
	if pv.LastValue != nil {
		v := *pv.LastValue
		c.mu.Unlock()
		return v, true
	}
	c.mu.Unlock()

	// Registering a transient waiter also forces subscribe() to fire on
	// the next scheduler turn, since hasWaiter becomes true.
	ch := make(chan struct{}, 1)
	c.mu.Lock()
	c.waiters[name] = append(c.waiters[name], ch)
	c.mu.Unlock()
	c.poke(name)

	deadline := time.After(timeout)
	select {
	case <-ch:
	case <-deadline:
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if pv.LastValue == nil {
		return catypes.Value{}, false
	}
	return *pv.LastValue, true
}

// Put writes v to name. If wait is true, Put blocks (up to timeout) for a
// WRITE_NOTIFY confirmation, mirroring the original's caput(wait=True)
// (spec.md §6).
func (c *Client) Put(name string, v catypes.Value, wait bool, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = c.opts.DefaultTimeout
	}
	c.ensureStarted()

	c.mu.Lock()
	pv := c.pvFor(name)
	pv.PendingWrite = &v
	pv.WriteRequested = time.Now()
	c.mu.Unlock()
	c.poke(name)

	if !wait {
		return true
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		confirmed := !pv.WriteConfirmed.IsZero() && pv.WriteConfirmed.After(pv.WriteRequested)
		c.mu.Unlock()
		if confirmed {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}
