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

package model

import (
	"testing"
	"time"
)

func TestQueuedMessageTimedOut(t *testing.T) {
	queuedAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	maxTimeInQueue := time.Hour

	cases := []struct {
		name             string
		attemptSendAfter time.Time
		want             bool
	}{
		{"exactly at the boundary is not timed out", queuedAt.Add(maxTimeInQueue), false},
		{"one second past the boundary is timed out", queuedAt.Add(maxTimeInQueue).Add(time.Second), true},
		{"well within the window is not timed out", queuedAt.Add(time.Minute), false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			m := QueuedMessage{QueuedAt: queuedAt, AttemptSendAfter: c.attemptSendAfter}
			if got := m.TimedOut(maxTimeInQueue); got != c.want {
				t.Fatalf("TimedOut() = %v, want %v", got, c.want)
			}
		})
	}
}

func TestQueuedMessageDeferred(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	future := QueuedMessage{AttemptSendAfter: now.Add(time.Minute)}
	if !future.Deferred(now) {
		t.Fatal("expected a future AttemptSendAfter to be deferred")
	}

	past := QueuedMessage{AttemptSendAfter: now.Add(-time.Minute)}
	if past.Deferred(now) {
		t.Fatal("expected a past AttemptSendAfter to not be deferred")
	}

	exact := QueuedMessage{AttemptSendAfter: now}
	if exact.Deferred(now) {
		t.Fatal("expected an AttemptSendAfter equal to now to be eligible, not deferred")
	}
}

func TestNewMessageIDIsUnique(t *testing.T) {
	a := NewMessageID()
	b := NewMessageID()
	if a == b {
		t.Fatal("expected two generated message IDs to differ")
	}
}
