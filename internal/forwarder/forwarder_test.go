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
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mtacore/outbound/internal/log"
	"github.com/mtacore/outbound/internal/memstore"
	"github.com/mtacore/outbound/internal/model"
	"github.com/mtacore/outbound/internal/store"
)

func testEvent(kind model.EventKind) model.Event {
	return model.Event{
		ID:        store.NewEventID(),
		Kind:      kind,
		MessageID: model.NewMessageID(),
		SourceIP:  "10.0.0.1",
		MXHost:    "mx.example.com",
		Reason:    "because",
		CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// marshalEvent's wire structs never declare a "forwarded" field, so the
// bit can never leak onto the wire regardless of e.Forwarded's value.
func TestMarshalEventNeverEmitsForwardedField(t *testing.T) {
	for _, kind := range []model.EventKind{model.EventAbuse, model.EventBounce, model.EventTimedOutInQueue, model.EventOther} {
		e := testEvent(kind)
		e.Forwarded = true

		body, err := marshalEvent(e)
		if err != nil {
			t.Fatalf("kind %s: unexpected error: %v", kind, err)
		}

		var generic map[string]interface{}
		if err := json.Unmarshal(body, &generic); err != nil {
			t.Fatalf("kind %s: invalid JSON: %v", kind, err)
		}
		if _, ok := generic["forwarded"]; ok {
			t.Fatalf("kind %s: wire body leaked a forwarded field: %s", kind, body)
		}
	}
}

func TestMarshalEventTimedOutOmitsSourceAndMX(t *testing.T) {
	e := testEvent(model.EventTimedOutInQueue)
	body, err := marshalEvent(e)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var generic map[string]interface{}
	if err := json.Unmarshal(body, &generic); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if _, ok := generic["source_ip"]; ok {
		t.Fatalf("timed-out wire body should not carry source_ip: %s", body)
	}
	if _, ok := generic["mx_host"]; ok {
		t.Fatalf("timed-out wire body should not carry mx_host: %s", body)
	}
}

// Scenario 6: a batch of three events, all acknowledged with a "." response,
// all become Forwarded and are absent from the next unforwarded fetch.
func TestForwardBatchAcknowledgedAllForwarded(t *testing.T) {
	var posts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&posts, 1)
		w.Write([]byte(". ok\n"))
	}))
	defer srv.Close()

	events := memstore.NewEventStore()
	for i := 0; i < 3; i++ {
		events.Save(context.Background(), testEvent(model.EventBounce))
	}

	f := &Forwarder{Events: events, PostURL: srv.URL, Log: log.Logger{}}
	f.Start(context.Background())
	defer f.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		pending, _ := events.GetEventsForForwarding(context.Background(), 10)
		if len(pending) == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	pending, _ := events.GetEventsForForwarding(context.Background(), 10)
	if len(pending) != 0 {
		t.Fatalf("expected all three events forwarded, %d still pending", len(pending))
	}
	if atomic.LoadInt32(&posts) < 3 {
		t.Fatalf("expected at least 3 POSTs, got %d", posts)
	}
}

// A response that doesn't start with "." leaves the event unforwarded, so
// a later retry picks it up again (at-least-once, not exactly-once).
func TestForwardOneNotAcknowledgedStaysUnforwarded(t *testing.T) {
	var mu sync.Mutex
	var gotBody string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotBody = "seen"
		w.Write([]byte("nope"))
	}))
	defer srv.Close()

	events := memstore.NewEventStore()
	e := testEvent(model.EventBounce)
	events.Save(context.Background(), e)

	f := &Forwarder{Events: events, PostURL: srv.URL, Log: log.Logger{}, Client: srv.Client()}
	f.forwardOne(context.Background(), e)

	mu.Lock()
	seen := gotBody
	mu.Unlock()
	if seen == "" {
		t.Fatal("expected the forwarder to have POSTed the event")
	}

	pending, _ := events.GetEventsForForwarding(context.Background(), 10)
	if len(pending) != 1 {
		t.Fatalf("expected the unacknowledged event to remain pending, got %d", len(pending))
	}
}

func TestForwarderDisabledWithoutPostURL(t *testing.T) {
	f := &Forwarder{Events: memstore.NewEventStore(), Log: log.Logger{}}
	f.Start(context.Background())
	f.Stop()
	if f.stop != nil {
		t.Fatal("expected Start to be a no-op without a configured PostURL")
	}
}

func TestMarshalEventContentIsValidJSONObject(t *testing.T) {
	e := testEvent(model.EventAbuse)
	body, err := marshalEvent(e)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(string(body), "{") {
		t.Fatalf("expected a JSON object, got %s", body)
	}
}
