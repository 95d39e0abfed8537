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

import "sync/atomic"

// IDAllocator hands out monotonically increasing, never-reused 32-bit
// identifiers. It backs channel CIDs/SIDs, subscription IDs and IOIDs
// (spec.md §3, §9 "Monotonic SID allocation"): a reuse-free counter is
// simpler than a search-for-free-slot allocator and makes loss-of-state
// easier to reason about, the same tradeoff the reference codebase makes
// for its Lamport clock counter.
type IDAllocator struct {
	next uint32
}

// NewIDAllocator returns an allocator whose first Next() is 1; 0 is
// reserved to mean "unassigned" throughout the engine.
func NewIDAllocator() *IDAllocator {
	return &IDAllocator{next: 0}
}

// Next returns the next identifier in the sequence. It never returns 0.
func (a *IDAllocator) Next() uint32 {
	return atomic.AddUint32(&a.next, 1)
}
