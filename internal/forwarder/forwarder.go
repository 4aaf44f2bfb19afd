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

// Package forwarder implements the Event HTTP Forwarder: it periodically
// batches unforwarded events and posts each to an operator-configured URL,
// marking forwarded on success, with at-least-once delivery semantics.
package forwarder

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mtacore/outbound/internal/log"
	"github.com/mtacore/outbound/internal/metrics"
	"github.com/mtacore/outbound/internal/model"
	"github.com/mtacore/outbound/internal/store"
)

const (
	batchSize    = 10
	fanOutLimit  = 10
	emptySleep   = time.Second
	contentType  = "text/json"
)

// Forwarder is the production Event HTTP Forwarder. A zero PostURL
// disables it entirely, matching the spec's "absent ⇒ forwarder disabled".
type Forwarder struct {
	Events  store.EventStore
	Client  *http.Client
	PostURL string
	Log     log.Logger

	// OnFatal is invoked if the main loop itself fails (as distinct from
	// a per-event forwarding failure), signalling process-wide shutdown.
	// This is the only component in the core that escalates this way.
	OnFatal func(error)

	stop chan struct{}
	wg   sync.WaitGroup
}

// Start spawns the forwarder worker iff PostURL is configured.
func (f *Forwarder) Start(ctx context.Context) {
	if f.PostURL == "" {
		return
	}
	if f.Client == nil {
		f.Client = http.DefaultClient
	}
	f.stop = make(chan struct{})
	f.wg.Add(1)
	go f.run(ctx)
}

// Stop sets the stop flag and blocks until the in-flight iteration
// completes. No-op if Start was never effective (PostURL unset).
func (f *Forwarder) Stop() {
	if f.stop == nil {
		return
	}
	close(f.stop)
	f.wg.Wait()
}

func (f *Forwarder) run(ctx context.Context) {
	defer f.wg.Done()

	for {
		select {
		case <-f.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		events, err := f.Events.GetEventsForForwarding(ctx, batchSize)
		if err != nil {
			// A store error distinct from "no rows" is the main-loop
			// failure the spec escalates to process exit over.
			f.Log.Error("event store fetch failed", err)
			if f.OnFatal != nil {
				f.OnFatal(err)
			}
			return
		}
		if len(events) == 0 {
			time.Sleep(emptySleep)
			continue
		}

		f.forwardBatch(ctx, events)
	}
}

func (f *Forwarder) forwardBatch(ctx context.Context, events []model.Event) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fanOutLimit)

	for _, e := range events {
		e := e
		g.Go(func() error {
			f.forwardOne(gctx, e)
			return nil
		})
	}
	// Errors are handled per-event inside forwardOne; Wait only bounds
	// fan-out completion.
	_ = g.Wait()
}

func (f *Forwarder) forwardOne(ctx context.Context, e model.Event) {
	select {
	case <-f.stop:
		return
	default:
	}

	body, err := marshalEvent(e)
	if err != nil {
		f.Log.Error("failed to marshal event", err, "event_id", e.ID)
		metrics.ForwarderPosts.WithLabelValues("marshal_error").Inc()
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.PostURL, bytes.NewReader(body))
	if err != nil {
		f.Log.Error("failed to build forward request", err, "event_id", e.ID)
		metrics.ForwarderPosts.WithLabelValues("request_error").Inc()
		return
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := f.Client.Do(req)
	if err != nil {
		f.Log.Error("event forward POST failed", err, "event_id", e.ID)
		metrics.ForwarderPosts.WithLabelValues("post_error").Inc()
		return
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		f.Log.Error("failed to read forward response", err, "event_id", e.ID)
		metrics.ForwarderPosts.WithLabelValues("read_error").Inc()
		return
	}

	if !strings.HasPrefix(strings.TrimSpace(string(respBody)), ".") {
		f.Log.Msg("event forward not acknowledged", "event_id", e.ID, "response", string(respBody))
		metrics.ForwarderPosts.WithLabelValues("not_acknowledged").Inc()
		return
	}

	e.Forwarded = true
	if err := f.Events.Save(ctx, e); err != nil {
		f.Log.Error("failed to persist forwarded flag", err, "event_id", e.ID)
		metrics.ForwarderPosts.WithLabelValues("persist_error").Inc()
		return
	}
	metrics.ForwarderPosts.WithLabelValues("success").Inc()
}
