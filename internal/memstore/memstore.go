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

// Package memstore provides in-memory test-double implementations of the
// broker.Broker, store.MessageStore and store.EventStore interfaces. The
// spec treats the durable broker and persistent stores as external
// collaborators; memstore exists so the core can run and be exercised
// end-to-end (cmd/outbound-sender, package tests) without wiring real
// infrastructure. It is not a production backend.
package memstore

import (
	"context"
	"sync"

	"github.com/mtacore/outbound/internal/model"
)

// Broker is a process-local, non-durable stand-in for the outbound queue.
type Broker struct {
	mu       sync.Mutex
	pending  []model.QueuedMessage
}

func NewBroker(seed ...model.QueuedMessage) *Broker {
	return &Broker{pending: append([]model.QueuedMessage(nil), seed...)}
}

func (b *Broker) Dequeue(ctx context.Context) (model.QueuedMessage, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.pending) == 0 {
		return model.QueuedMessage{}, false, nil
	}
	msg := b.pending[0]
	b.pending = b.pending[1:]
	return msg, true, nil
}

func (b *Broker) Enqueue(ctx context.Context, msg model.QueuedMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, msg)
	return nil
}

func (b *Broker) Ack(ctx context.Context, msg model.QueuedMessage) error {
	// Ownership already left b.pending at Dequeue time; nothing to do.
	return nil
}

// Pending returns a snapshot of messages not yet dequeued, for test
// inspection.
func (b *Broker) Pending() []model.QueuedMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]model.QueuedMessage(nil), b.pending...)
}

// MessageRecord is the durable view memstore keeps of a QueuedMessage's
// terminal state, for inspection by tests and the CLI.
type MessageRecord struct {
	Message model.QueuedMessage
	Outcome string
	Reason  string
}

// MessageStore is a process-local stand-in for the persistent message
// state store the Delivery Outcome Recorder writes to.
type MessageStore struct {
	mu      sync.Mutex
	Records []MessageRecord
}

func NewMessageStore() *MessageStore {
	return &MessageStore{}
}

func (s *MessageStore) RecordSuccess(ctx context.Context, msg model.QueuedMessage, sourceIP string, mx model.MXRecord) error {
	s.append(msg, "success", "")
	return nil
}

func (s *MessageStore) RecordFailure(ctx context.Context, msg model.QueuedMessage, reason, sourceIP, mxHost string) error {
	s.append(msg, "failure", reason)
	return nil
}

func (s *MessageStore) RecordDeferral(ctx context.Context, msg model.QueuedMessage, reason, sourceIP, mxHost string, informServiceUnavailable bool) error {
	s.append(msg, "deferral", reason)
	return nil
}

func (s *MessageStore) RecordThrottle(ctx context.Context, msg model.QueuedMessage, sourceIP string, mx model.MXRecord) error {
	s.append(msg, "throttle", "")
	return nil
}

func (s *MessageStore) RecordServiceUnavailable(ctx context.Context, msg model.QueuedMessage, sourceIP string) error {
	s.append(msg, "service_unavailable", "")
	return nil
}

func (s *MessageStore) append(msg model.QueuedMessage, outcome, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Records = append(s.Records, MessageRecord{Message: msg, Outcome: outcome, Reason: reason})
}

// EventStore is a process-local stand-in for the durable event store.
type EventStore struct {
	mu     sync.Mutex
	events map[string]model.Event
	order  []string
}

func NewEventStore() *EventStore {
	return &EventStore{events: make(map[string]model.Event)}
}

func (s *EventStore) GetEventsForForwarding(ctx context.Context, limit int) ([]model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.Event, 0, limit)
	for _, id := range s.order {
		if len(out) >= limit {
			break
		}
		e := s.events[id]
		if !e.Forwarded {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *EventStore) Save(ctx context.Context, event model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := event.ID.String()
	if _, exists := s.events[id]; !exists {
		s.order = append(s.order, id)
	}
	s.events[id] = event
	return nil
}
