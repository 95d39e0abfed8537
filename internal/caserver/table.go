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

	"github.com/vstadnytskyi/EPICS-CA/internal/catypes"
)

// pvTable is the last-resort PVProvider of §6's priority order: a plain
// in-memory map, the one every PV ends up in when put() creates it rather
// than a registered object/property supplying it.
type pvTable struct {
	mu      sync.Mutex
	entries map[string]catypes.Value
}

func newPVTable() *pvTable {
	return &pvTable{entries: make(map[string]catypes.Value)}
}

func (t *pvTable) put(name string, v catypes.Value) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[name] = v
}

func (t *pvTable) delete(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, name)
}

func (t *pvTable) Lookup(name string) (catypes.Value, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.entries[name]
	return v, ok
}

func (t *pvTable) Set(name string, v catypes.Value) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[name]; !ok {
		return errNotFound(name)
	}
	t.entries[name] = v
	return nil
}
