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

// Package broker defines the durable-queue interface the dispatch loop
// depends on. The broker itself (its storage, its redelivery schedule) is
// an external collaborator — this package only states the contract.
package broker

import (
	"context"

	"github.com/mtacore/outbound/internal/model"
)

// Broker is the source of truth for pending outbound work. The dispatch
// loop acquires exclusive ownership of a message from Dequeue until Ack.
type Broker interface {
	// Dequeue returns one pending message, or ok=false if none is
	// available within the broker's own short poll window.
	Dequeue(ctx context.Context) (msg model.QueuedMessage, ok bool, err error)

	// Enqueue re-adds msg to the broker without acknowledging it. The
	// broker, not the caller, decides the redelivery delay.
	Enqueue(ctx context.Context, msg model.QueuedMessage) error

	// Ack acknowledges msg as fully handled by this attempt (whether the
	// outcome was success, a recorded failure, or a recorded deferral).
	Ack(ctx context.Context, msg model.QueuedMessage) error
}
