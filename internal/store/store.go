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

// Package store defines the persistence interfaces the outcome recorder and
// event forwarder depend on. Both the message state store and the event
// store are external collaborators; the core only contributes the state
// transitions and the Forwarded bit.
package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/mtacore/outbound/internal/model"
)

// Outcome enumerates the durable state transitions the recorder applies to
// a message, all idempotent per (message ID, outcome kind).
type Outcome string

const (
	OutcomeSuccess           Outcome = "success"
	OutcomeFailure           Outcome = "failure"
	OutcomeDeferral          Outcome = "deferral"
	OutcomeThrottle          Outcome = "throttle"
	OutcomeServiceUnavailable Outcome = "service_unavailable"
)

// MessageStore records delivery state transitions against a message. Every
// method must return only once the durable write completes, and must be
// idempotent when called twice with the same (msg.ID, outcome) pair.
type MessageStore interface {
	RecordSuccess(ctx context.Context, msg model.QueuedMessage, sourceIP string, mx model.MXRecord) error
	RecordFailure(ctx context.Context, msg model.QueuedMessage, reason string, sourceIP, mxHost string) error
	RecordDeferral(ctx context.Context, msg model.QueuedMessage, reason string, sourceIP, mxHost string, informServiceUnavailable bool) error
	RecordThrottle(ctx context.Context, msg model.QueuedMessage, sourceIP string, mx model.MXRecord) error
	RecordServiceUnavailable(ctx context.Context, msg model.QueuedMessage, sourceIP string) error
}

// EventStore persists Events and serves the forwarder's unforwarded batch.
type EventStore interface {
	// GetEventsForForwarding returns up to limit events with
	// Forwarded == false. An empty result (including a not-found
	// sentinel the implementation may choose to return as a nil slice
	// and nil error) is not an error condition.
	GetEventsForForwarding(ctx context.Context, limit int) ([]model.Event, error)

	Save(ctx context.Context, event model.Event) error
}

// NewEventID generates a fresh event identity. Exposed here so that
// MessageStore/EventStore implementations share one source of identity
// generation with the rest of the core.
func NewEventID() uuid.UUID {
	return uuid.New()
}
