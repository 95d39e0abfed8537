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
	"sync"
	"time"

	"github.com/vstadnytskyi/EPICS-CA/internal/catypes"
)

// valueCache collapses bursts of reads against the registered providers,
// per spec.md §4.4's "short TTL cache in front of user-supplied value
// providers". A miss or expiry falls through to lookup, which walks the
// provider chain in priority order.
type valueCache struct {
	ttl    time.Duration
	lookup func(name string) (catypes.Value, bool)

	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	value   catypes.Value
	expires time.Time
}

func newValueCache(ttl time.Duration, lookup func(name string) (catypes.Value, bool)) *valueCache {
	return &valueCache{ttl: ttl, lookup: lookup, entries: make(map[string]cacheEntry)}
}

// get returns the cached value if still fresh, otherwise re-resolves via
// lookup and, on a hit, refreshes the cache entry.
func (c *valueCache) get(name string, fresh bool) (catypes.Value, bool) {
	if !fresh {
		c.mu.Lock()
		e, ok := c.entries[name]
		c.mu.Unlock()
		if ok && time.Now().Before(e.expires) {
			return e.value, true
		}
	}
	v, ok := c.lookup(name)
	if !ok {
		return catypes.Value{}, false
	}
	c.mu.Lock()
	c.entries[name] = cacheEntry{value: v, expires: time.Now().Add(c.ttl)}
	c.mu.Unlock()
	return v, true
}

func (c *valueCache) invalidate(name string) {
	c.mu.Lock()
	delete(c.entries, name)
	c.mu.Unlock()
}
