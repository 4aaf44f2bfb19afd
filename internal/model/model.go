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

// Package model defines the data shapes shared by every component of the
// outbound delivery core: the queued message, MX records, virtual-MTA
// routing policy, pooled client handles and the durable event kinds.
package model

import (
	"time"

	"github.com/google/uuid"
)

// QueuedMessage is a unit of work exclusively owned by whoever last dequeued
// it from the broker.
type QueuedMessage struct {
	ID uuid.UUID

	From string
	To   string

	// Raw is the opaque RFC-822 byte blob. It is never parsed by the
	// dispatch core beyond extracting From/To, which are tracked
	// separately above.
	Raw []byte

	// VirtualMTAGroupID is the routing hint used to pick a VirtualMTAGroup.
	VirtualMTAGroupID string

	QueuedAt        time.Time
	AttemptSendAfter time.Time

	Attempts int
}

// NewMessageID generates a fresh message identity.
func NewMessageID() uuid.UUID {
	return uuid.New()
}

// TimedOut reports whether msg has exceeded maxTimeInQueue, per the
// (attempt-send-after − queued-at) invariant.
func (m QueuedMessage) TimedOut(maxTimeInQueue time.Duration) bool {
	return m.AttemptSendAfter.Sub(m.QueuedAt) > maxTimeInQueue
}

// Deferred reports whether msg is not yet eligible for dispatch.
func (m QueuedMessage) Deferred(now time.Time) bool {
	return m.AttemptSendAfter.After(now)
}

// MXRecord is one entry of the ordered mail-exchanger sequence for a
// recipient domain, sorted by ascending Preference. An empty sequence means
// permanent failure.
type MXRecord struct {
	Host       string
	Preference uint16
}

// VirtualMTA is a source IP with operator-tagged routing policy.
type VirtualMTA struct {
	// IP is the source address to bind outbound connections to.
	IP string

	// Hostname is sent in HELO/EHLO.
	Hostname string

	// MaxConnsPerDestination caps concurrent connections this VirtualMTA
	// may hold open to any one destination host.
	MaxConnsPerDestination int

	// Username/Password are optional SASL PLAIN credentials used when the
	// selected MX requires authenticated relay; LOGIN is not offered.
	// Empty Username means no AUTH step is attempted.
	Username string
	Password string
}

// VirtualMTAGroup is a non-empty ordered set of VirtualMTAs plus a
// round-robin-over-destination selection policy. Rotation state lives in
// vmta.Selector, not here, so a VirtualMTAGroup value stays a plain,
// comparable description of configuration.
type VirtualMTAGroup struct {
	ID   string
	MTAs []VirtualMTA
}

// EventKind enumerates the durable event shapes the outcome recorder emits.
type EventKind string

const (
	EventAbuse           EventKind = "Abuse"
	EventBounce          EventKind = "Bounce"
	EventTimedOutInQueue EventKind = "TimedOutInQueue"
	EventOther           EventKind = "Other"
)

// Event is a durable record destined for the external HTTP endpoint.
// Forwarded is strictly monotone (false→true once) and must never be
// serialized over the wire — the forwarder's wire types (wire.go) never
// declare it.
type Event struct {
	ID        uuid.UUID
	Kind      EventKind
	MessageID uuid.UUID

	SourceIP string
	MXHost   string
	Reason   string

	CreatedAt time.Time
	Forwarded bool
}
