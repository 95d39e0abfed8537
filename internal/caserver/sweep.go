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
	"bytes"
	"context"
	"time"

	"github.com/vstadnytskyi/EPICS-CA/internal/cacodec"
	"github.com/vstadnytskyi/EPICS-CA/internal/catypes"
)

// sweepService is the periodic change-detection loop of spec.md §4.4: it
// re-reads every connected PV's value uncached and fans out EVENT_ADD to
// any subscriber whose last broadcast differs in wire form.
type sweepService struct {
	server   *Server
	interval time.Duration
}

func (sw *sweepService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			sw.server.sweepOnce()
		}
	}
}

// sweepOnce re-resolves every subscribed PV and broadcasts to subscribers
// whose per-subscriber wire encoding changed.
func (s *Server) sweepOnce() {
	s.mu.Lock()
	pvs := make([]*catypes.ServerPV, 0, len(s.pvs))
	for _, pv := range s.pvs {
		if pv.SubscriberCount() > 0 {
			pvs = append(pvs, pv)
		}
	}
	s.mu.Unlock()

	for _, pv := range pvs {
		val, ok := s.cache.get(pv.Name, true)
		if !ok {
			continue
		}
		s.broadcast(pv, val, false)
	}
}

// broadcastIfChanged re-resolves name and broadcasts to subscribers whose
// wire form differs; called from applyWrite so a client-initiated write
// doesn't wait for the next sweep tick.
func (s *Server) broadcastIfChanged(name string) {
	s.broadcastChanged(name, false)
}

// broadcastChanged re-resolves name and broadcasts to subscribers whose
// wire form differs, or to every subscriber regardless of equality when
// forced is set (the "update_always" flag of spec.md §6's put).
func (s *Server) broadcastChanged(name string, forced bool) {
	s.mu.Lock()
	pv, ok := s.pvs[name]
	s.mu.Unlock()
	if !ok {
		return
	}
	val, ok := s.cache.get(name, true)
	if !ok {
		return
	}
	s.broadcast(pv, val, forced)
}

// broadcast re-encodes val per subscriber and sends EVENT_ADD to each whose
// last broadcast wire form differs, per spec.md §4.4's equality rule
// "(CA_type, CA_count, binary_encoding) match — comparison in wire form".
// forced bypasses the equality check.
func (s *Server) broadcast(pv *catypes.ServerPV, val catypes.Value, forced bool) {
	for _, sub := range pv.Subscribers() {
		// sub.DataType is whatever scope the client asked for in its
		// EVENT_ADD request; the client engine always asks for TIME_<base>
		// (spec.md §4.3), so no server-side promotion is needed here.
		dt := sub.DataType
		count := sub.DataCount
		if count < 1 {
			count = 1
		}

		// Compare on a pinned-timestamp encoding rather than the frame
		// actually sent: the TIME_ header's seconds/nanoseconds fields are
		// fresh on every encode, which would make the real frame differ
		// from the last one even when nothing about the value changed.
		cmp := comparisonFrame(dt, count, val)
		last, hadLast := pv.LastBroadcastWire(sub.Key)
		if !forced && hadLast && bytes.Equal(last, cmp) {
			continue
		}
		pv.SetLastBroadcastWire(sub.Key, cmp)

		payload := cacodec.EncodeValue(dt, count, val, cacodec.EncodeOptions{
			Status:    1,
			Timestamp: time.Now(),
		})
		frame := cacodec.Encode(cacodec.Header{
			Command:    cacodec.CmdEventAdd,
			DataType:   uint16(dt),
			DataCount:  uint16(count),
			Parameter1: 1,
			Parameter2: sub.SubscriptionID,
		}, payload)
		s.sendTo(sub.Key, frame)
		s.metrics.eventAddsSent.Inc()
	}
}

// comparisonTimestamp stands in for the real TIME_ timestamp when building a
// frame purely to detect whether a value changed (spec.md §4.4: equality is
// on (CA_type, CA_count, binary_encoding), not on send time).
var comparisonTimestamp = time.Unix(0, 0)

// comparisonFrame encodes val the way a subscriber would receive it, but
// with the timestamp pinned to comparisonTimestamp, so two calls produce
// identical bytes unless the status, severity, or value itself changed.
func comparisonFrame(dt catypes.DataType, count int, val catypes.Value) []byte {
	if count < 1 {
		count = 1
	}
	return cacodec.EncodeValue(dt, count, val, cacodec.EncodeOptions{
		Status:    1,
		Timestamp: comparisonTimestamp,
	})
}
