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

import "github.com/prometheus/client_golang/prometheus"

// metrics are the network-daemon counters a CA server exposes for scraping,
// mirroring the shape of the reference's own discovery/relay server metrics.
type metrics struct {
	connectionsAccepted prometheus.Counter
	connectionsClosed   prometheus.Counter
	searchRepliesSent   prometheus.Counter
	eventAddsSent       prometheus.Counter
	decodeErrors        prometheus.Counter
	subscriberGauge     prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		connectionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ca_server", Name: "connections_accepted_total",
			Help: "Total number of TCP connections accepted.",
		}),
		connectionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ca_server", Name: "connections_closed_total",
			Help: "Total number of TCP connections closed.",
		}),
		searchRepliesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ca_server", Name: "search_replies_sent_total",
			Help: "Total number of SEARCH replies sent over UDP.",
		}),
		eventAddsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ca_server", Name: "event_adds_sent_total",
			Help: "Total number of EVENT_ADD messages broadcast to subscribers.",
		}),
		decodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ca_server", Name: "decode_errors_total",
			Help: "Total number of malformed frames encountered.",
		}),
		subscriberGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ca_server", Name: "subscribers",
			Help: "Current number of (PV, client) subscriptions.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.connectionsAccepted, m.connectionsClosed, m.searchRepliesSent,
			m.eventAddsSent, m.decodeErrors, m.subscriberGauge)
	}
	return m
}
