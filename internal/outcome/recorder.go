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

// Package outcome implements the Delivery Outcome Recorder: it converts a
// peer response or local error into a durable state transition on the
// message and, where applicable, a durable Event.
package outcome

import (
	"context"
	"time"

	"github.com/mtacore/outbound/internal/log"
	"github.com/mtacore/outbound/internal/model"
	"github.com/mtacore/outbound/internal/store"
)

// TimedOutReason is the exact reason text recorded for queue-timeout
// terminations; sender.go and tests both key off this string.
const TimedOutReason = "Timed out in queue."

// Recorder applies message state transitions and emits events. Every method
// returns only once the underlying durable write(s) complete.
type Recorder struct {
	Messages store.MessageStore
	Events   store.EventStore
	Log      log.Logger
}

func New(messages store.MessageStore, events store.EventStore, logger log.Logger) *Recorder {
	return &Recorder{Messages: messages, Events: events, Log: logger}
}

func (r *Recorder) RecordSuccess(ctx context.Context, msg model.QueuedMessage, sourceIP string, mx model.MXRecord) error {
	return r.Messages.RecordSuccess(ctx, msg, sourceIP, mx)
}

// RecordFailure records a permanent failure and emits the corresponding
// event: TimedOutInQueue for the queue-timeout reason, Bounce otherwise.
func (r *Recorder) RecordFailure(ctx context.Context, msg model.QueuedMessage, reason, sourceIP, mxHost string) error {
	if err := r.Messages.RecordFailure(ctx, msg, reason, sourceIP, mxHost); err != nil {
		return err
	}

	kind := model.EventBounce
	if reason == TimedOutReason {
		kind = model.EventTimedOutInQueue
	}
	return r.emit(ctx, kind, msg, sourceIP, mxHost, reason)
}

// RecordDeferral records a transient non-delivery. When
// informServiceUnavailable is true the deferral originated from a 421
// response; the registry entry itself is the sender's responsibility (it
// already holds the chosen source IP and MX host when the 421 arrives), so
// this method only persists the deferral.
func (r *Recorder) RecordDeferral(ctx context.Context, msg model.QueuedMessage, reason, sourceIP, mxHost string, informServiceUnavailable bool) error {
	return r.Messages.RecordDeferral(ctx, msg, reason, sourceIP, mxHost, informServiceUnavailable)
}

func (r *Recorder) RecordThrottle(ctx context.Context, msg model.QueuedMessage, sourceIP string, mx model.MXRecord) error {
	return r.Messages.RecordThrottle(ctx, msg, sourceIP, mx)
}

func (r *Recorder) RecordServiceUnavailable(ctx context.Context, msg model.QueuedMessage, sourceIP string) error {
	return r.Messages.RecordServiceUnavailable(ctx, msg, sourceIP)
}

func (r *Recorder) emit(ctx context.Context, kind model.EventKind, msg model.QueuedMessage, sourceIP, mxHost, reason string) error {
	event := model.Event{
		ID:        store.NewEventID(),
		Kind:      kind,
		MessageID: msg.ID,
		SourceIP:  sourceIP,
		MXHost:    mxHost,
		Reason:    reason,
		CreatedAt: time.Now().UTC(),
	}
	if err := r.Events.Save(ctx, event); err != nil {
		r.Log.Error("failed to persist event", err, "message_id", msg.ID, "kind", kind)
		return err
	}
	return nil
}
