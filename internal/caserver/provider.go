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

// Package caserver implements the Channel Access server engine: UDP SEARCH
// responder, TCP command dispatch, periodic change-detection sweep, and the
// PVProvider registration surface that lets a host program supply values.
package caserver

import "github.com/vstadnytskyi/EPICS-CA/internal/catypes"

// PVProvider resolves a PV name to a value, or accepts a write to one.
// Providers are consulted in priority order (§6: registered objects, then
// registered properties, then the in-memory table; within each group, in
// registration order) and the first provider reporting ok=true wins.
type PVProvider interface {
	Lookup(name string) (catypes.Value, bool)
	Set(name string, v catypes.Value) error
}

// ObjectGetter/ObjectSetter are the closures a host program supplies per
// attribute name when it registers an object, avoiding the reflective
// attribute interception the original implementation used (spec.md §9).
type ObjectGetter func() catypes.Value
type ObjectSetter func(catypes.Value) error

// objectProvider adapts a set of named getter/setter closures, registered
// under a common name prefix, to the PVProvider interface. RegisterObject
// builds one of these per call.
type objectProvider struct {
	prefix     string
	attributes map[string]objectAttr
}

type objectAttr struct {
	get ObjectGetter
	set ObjectSetter
}

func newObjectProvider(prefix string) *objectProvider {
	return &objectProvider{prefix: prefix, attributes: make(map[string]objectAttr)}
}

func (p *objectProvider) bind(attr string, get ObjectGetter, set ObjectSetter) {
	p.attributes[attr] = objectAttr{get: get, set: set}
}

// Lookup resolves "<prefix>" itself as a record container naming every
// bound attribute, and "<prefix>.<attr>" as that attribute's value, mirroring
// the original's attribute-interception behavior without reflection.
func (p *objectProvider) Lookup(name string) (catypes.Value, bool) {
	if name == p.prefix {
		fields := make([]string, 0, len(p.attributes))
		for attr := range p.attributes {
			fields = append(fields, attr)
		}
		return catypes.Record(fields), true
	}
	attr, ok := p.splitAttr(name)
	if !ok {
		return catypes.Value{}, false
	}
	a, ok := p.attributes[attr]
	if !ok {
		return catypes.Value{}, false
	}
	return a.get(), true
}

func (p *objectProvider) Set(name string, v catypes.Value) error {
	attr, ok := p.splitAttr(name)
	if !ok {
		return errNotFound(name)
	}
	a, ok := p.attributes[attr]
	if !ok || a.set == nil {
		return errNotFound(name)
	}
	return a.set(v)
}

func (p *objectProvider) splitAttr(name string) (string, bool) {
	prefixLen := len(p.prefix)
	if len(name) <= prefixLen+1 || name[:prefixLen] != p.prefix || name[prefixLen] != '.' {
		return "", false
	}
	return name[prefixLen+1:], true
}

// propertyProvider adapts a single get/set pair registered under one exact
// PV name — the single-attribute counterpart of objectProvider.
type propertyProvider struct {
	name string
	attr objectAttr
}

func (p *propertyProvider) Lookup(name string) (catypes.Value, bool) {
	if name != p.name {
		return catypes.Value{}, false
	}
	return p.attr.get(), true
}

func (p *propertyProvider) Set(name string, v catypes.Value) error {
	if name != p.name || p.attr.set == nil {
		return errNotFound(name)
	}
	return p.attr.set(v)
}

type notFoundError string

func (e notFoundError) Error() string { return "caserver: PV not found: " + string(e) }

func errNotFound(name string) error { return notFoundError(name) }
