/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package metrics holds the Prometheus collectors shared across the
// dispatch loop, SMTP client pool and event forwarder.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var DispatchOutcomes = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "outbound",
		Subsystem: "sender",
		Name:      "dispatch_total",
		Help:      "Dispatch attempts by terminal outcome",
	},
	[]string{"outcome"},
)

var PoolConnsOpen = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "outbound",
		Subsystem: "smtppool",
		Name:      "conns_open",
		Help:      "Pooled SMTP connections currently leased to callers, by key",
	},
	[]string{"key"},
)

var PoolLeaseOutcomes = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "outbound",
		Subsystem: "smtppool",
		Name:      "lease_total",
		Help:      "Pool.Lease results by outcome",
	},
	[]string{"outcome"},
)

var ForwarderPosts = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "outbound",
		Subsystem: "forwarder",
		Name:      "posts_total",
		Help:      "Event forward POSTs by result",
	},
	[]string{"result"},
)

func init() {
	prometheus.MustRegister(DispatchOutcomes)
	prometheus.MustRegister(PoolConnsOpen)
	prometheus.MustRegister(PoolLeaseOutcomes)
	prometheus.MustRegister(ForwarderPosts)
}
