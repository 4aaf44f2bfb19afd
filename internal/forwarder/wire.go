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

package forwarder

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/mtacore/outbound/internal/model"
)

// Each event kind marshals through its own wire struct that simply never
// declares a Forwarded field, rather than serializing the full Event and
// stripping the bit back out with a regex — the brittle approach Design
// Notes §9 calls out.

type abuseWire struct {
	ID        uuid.UUID `json:"id"`
	MessageID uuid.UUID `json:"message_id"`
	SourceIP  string    `json:"source_ip"`
	MXHost    string    `json:"mx_host,omitempty"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

type bounceWire struct {
	ID        uuid.UUID `json:"id"`
	MessageID uuid.UUID `json:"message_id"`
	SourceIP  string    `json:"source_ip,omitempty"`
	MXHost    string    `json:"mx_host,omitempty"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

type timedOutWire struct {
	ID        uuid.UUID `json:"id"`
	MessageID uuid.UUID `json:"message_id"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

type otherWire struct {
	ID        uuid.UUID `json:"id"`
	Kind      string    `json:"kind"`
	MessageID uuid.UUID `json:"message_id"`
	SourceIP  string    `json:"source_ip,omitempty"`
	MXHost    string    `json:"mx_host,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// marshalEvent dispatches to the typed wire shape for e.Kind. The returned
// JSON never contains a "forwarded" field by construction.
func marshalEvent(e model.Event) ([]byte, error) {
	switch e.Kind {
	case model.EventAbuse:
		return json.Marshal(abuseWire{
			ID: e.ID, MessageID: e.MessageID, SourceIP: e.SourceIP,
			MXHost: e.MXHost, Reason: e.Reason, CreatedAt: e.CreatedAt,
		})
	case model.EventBounce:
		return json.Marshal(bounceWire{
			ID: e.ID, MessageID: e.MessageID, SourceIP: e.SourceIP,
			MXHost: e.MXHost, Reason: e.Reason, CreatedAt: e.CreatedAt,
		})
	case model.EventTimedOutInQueue:
		return json.Marshal(timedOutWire{
			ID: e.ID, MessageID: e.MessageID, Reason: e.Reason, CreatedAt: e.CreatedAt,
		})
	default:
		return json.Marshal(otherWire{
			ID: e.ID, Kind: string(e.Kind), MessageID: e.MessageID, SourceIP: e.SourceIP,
			MXHost: e.MXHost, Reason: e.Reason, CreatedAt: e.CreatedAt,
		})
	}
}
