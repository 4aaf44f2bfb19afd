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

// Package sender implements the Message Sender: the dispatch loop that
// drains the outbound broker, applies the timing/policy gates, resolves
// routing and drives the SMTP transaction to a terminal outcome.
package sender

import (
	"context"
	"runtime/trace"
	"strings"
	"sync"
	"time"

	"github.com/mtacore/outbound/internal/broker"
	"github.com/mtacore/outbound/internal/dnsresolve"
	"github.com/mtacore/outbound/internal/metrics"
	"github.com/mtacore/outbound/internal/model"
	"github.com/mtacore/outbound/internal/outcome"
	"github.com/mtacore/outbound/internal/smtppool"
	"github.com/mtacore/outbound/internal/unavail"
	"github.com/mtacore/outbound/internal/vmta"

	"github.com/mtacore/outbound/internal/log"
)

const (
	domainNotFoundReason = "550 Domain Not Found."
	connectFailedReason  = "Failed to connect"
	abruptEndReason      = "Connection was established but ended abruptly."

	pollInterval        = 100 * time.Millisecond
	maxConnsBackoff     = 2 * time.Second
)

// Sender is the dispatch loop. Zero value is not usable; set the
// collaborator fields before calling Start.
type Sender struct {
	Broker         broker.Broker
	Resolver       dnsresolve.Resolver
	Selector       *vmta.Selector
	Pool           *smtppool.Pool
	Registry       *unavail.Registry
	Recorder       *outcome.Recorder
	Log            log.Logger
	MaxTimeInQueue time.Duration

	stop chan struct{}
	wg   sync.WaitGroup
}

// Start launches the dispatch loop on a dedicated goroutine.
func (s *Sender) Start(ctx context.Context) {
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.run(ctx)
}

// Stop signals cooperative shutdown and blocks until the dispatch
// goroutine exits. An in-flight dispatch attempt runs to completion before
// the loop observes the stop signal, so Stop returns only after it.
func (s *Sender) Stop() {
	close(s.stop)
	s.wg.Wait()
}

func (s *Sender) run(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		pulled := s.attempt(ctx)
		if !pulled {
			time.Sleep(pollInterval)
		}
	}
}

// attempt performs one dispatch attempt. It returns false when the broker
// had nothing to offer, so the caller can apply the poll-window sleep.
func (s *Sender) attempt(ctx context.Context) bool {
	region := trace.StartRegion(ctx, "sender/attempt")
	defer region.End()

	msg, ok, err := s.Broker.Dequeue(ctx)
	if err != nil {
		s.Log.Error("broker dequeue failed", err)
		return false
	}
	if !ok {
		return false
	}

	now := time.Now().UTC()

	// Deferred-attempt gate.
	if msg.Deferred(now) {
		if err := s.Broker.Enqueue(ctx, msg); err != nil {
			s.Log.Error("failed to re-enqueue deferred message", err, "message_id", msg.ID)
		}
		metrics.DispatchOutcomes.WithLabelValues("deferred_gate").Inc()
		return true
	}

	// Queue-timeout gate.
	if msg.TimedOut(s.MaxTimeInQueue) {
		s.finish(ctx, msg, func() error {
			return s.Recorder.RecordFailure(ctx, msg, outcome.TimedOutReason, "", "")
		})
		return true
	}

	host, ok := recipientHost(msg.To)
	if !ok {
		s.finish(ctx, msg, func() error {
			return s.Recorder.RecordFailure(ctx, msg, domainNotFoundReason, "", "")
		})
		return true
	}

	mxRecords, err := dnsresolve.GetMX(ctx, s.Resolver, host)
	if err != nil {
		s.Log.Error("MX lookup failed", err, "host", host)
		// A resolver error (as opposed to NXDOMAIN, which GetMX already
		// maps to an empty slice) is not one of the routing-permanent
		// cases in §7 — leave the message for the broker to redeliver.
		return true
	}
	if len(mxRecords) == 0 {
		s.finish(ctx, msg, func() error {
			return s.Recorder.RecordFailure(ctx, msg, domainNotFoundReason, "", "")
		})
		return true
	}

	group, err := s.Selector.GetGroup(msg.VirtualMTAGroupID)
	if err != nil {
		s.Log.Error("unknown virtual-MTA group", err, "group", msg.VirtualMTAGroupID)
		return true
	}
	chosenMTA := s.Selector.GetVirtualMtaForSending(group, mxRecords[0])

	leaseOutcome, client := s.Pool.Lease(ctx, chosenMTA, mxRecords)
	switch leaseOutcome {
	case smtppool.OutcomeSuccess:
		s.runTransaction(ctx, msg, chosenMTA, mxRecords[0], client)
		return true
	case smtppool.OutcomeNoMxRecords, smtppool.OutcomeFailedToAddToQueue, smtppool.OutcomeUnknown:
		return true
	case smtppool.OutcomeFailedToConnect:
		s.finish(ctx, msg, func() error {
			return s.Recorder.RecordDeferral(ctx, msg, connectFailedReason, chosenMTA.IP, mxRecords[0].Host, false)
		})
		return true
	case smtppool.OutcomeServiceUnavailable:
		s.finish(ctx, msg, func() error {
			return s.Recorder.RecordServiceUnavailable(ctx, msg, chosenMTA.IP)
		})
		return true
	case smtppool.OutcomeThrottled:
		s.finish(ctx, msg, func() error {
			return s.Recorder.RecordThrottle(ctx, msg, chosenMTA.IP, mxRecords[0])
		})
		return true
	case smtppool.OutcomeFailedMaxConnections:
		// §9 Open Question: the spec makes this a pure in-memory bump
		// with no durable write or re-enqueue. Followed literally here;
		// see DESIGN.md for the alternative considered.
		msg.AttemptSendAfter = msg.AttemptSendAfter.Add(maxConnsBackoff)
		return true
	default:
		return true
	}
}

// runTransaction drives HELO/RSET → MAIL FROM → RCPT TO → DATA in strict
// order. Each step's failed callback records a tagged stepResult rather
// than throwing, and no later step runs once one is recorded.
func (s *Sender) runTransaction(ctx context.Context, msg model.QueuedMessage, vm model.VirtualMTA, mx model.MXRecord, client *smtppool.Client) {
	var aborted *stepResult

	fail := func(response string) {
		if aborted != nil {
			return
		}
		aborted = &stepResult{response: response}
	}

	var midTxErr error
	if midTxErr = client.ExecHeloOrRset(ctx, fail); midTxErr == nil && aborted == nil {
		midTxErr = client.ExecMailFrom(ctx, msg.From, fail)
	}
	if midTxErr == nil && aborted == nil {
		midTxErr = client.ExecRcptTo(ctx, msg.To, fail)
	}
	if midTxErr == nil && aborted == nil {
		midTxErr = client.ExecData(ctx, msg.Raw, fail)
	}

	if midTxErr != nil {
		s.Pool.Discard(client)
		s.finish(ctx, msg, func() error {
			return s.Recorder.RecordDeferral(ctx, msg, abruptEndReason, vm.IP, mx.Host, false)
		})
		return
	}

	if aborted != nil {
		s.handleStepFailure(ctx, msg, vm, mx, client, *aborted)
		return
	}

	s.finish(ctx, msg, func() error {
		return s.Recorder.RecordSuccess(ctx, msg, vm.IP, mx)
	})
	s.Pool.Return(client)
}

// stepResult is the terminal signal an SMTP step's failed callback
// produces, replacing the source's throw-from-callback idiom.
type stepResult struct {
	response string
}

func (s *Sender) handleStepFailure(ctx context.Context, msg model.QueuedMessage, vm model.VirtualMTA, mx model.MXRecord, client *smtppool.Client, res stepResult) {
	s.Pool.Discard(client)

	switch {
	case strings.HasPrefix(res.response, "5"):
		s.finish(ctx, msg, func() error {
			return s.Recorder.RecordFailure(ctx, msg, res.response, vm.IP, mx.Host)
		})
	case strings.HasPrefix(res.response, "421"):
		s.Registry.Add(vm.IP, mx.Host, time.Now())
		s.finish(ctx, msg, func() error {
			return s.Recorder.RecordDeferral(ctx, msg, res.response, vm.IP, mx.Host, true)
		})
	default:
		s.finish(ctx, msg, func() error {
			return s.Recorder.RecordDeferral(ctx, msg, res.response, vm.IP, mx.Host, false)
		})
	}
}

// finish records the outcome via record, then unconditionally acknowledges
// the message to the broker — acknowledgement follows any terminal outcome,
// including deferrals the broker will redeliver on its own schedule.
func (s *Sender) finish(ctx context.Context, msg model.QueuedMessage, record func() error) {
	if err := record(); err != nil {
		s.Log.Error("failed to record delivery outcome", err, "message_id", msg.ID)
	}
	if err := s.Broker.Ack(ctx, msg); err != nil {
		s.Log.Error("failed to ack message", err, "message_id", msg.ID)
	}
}

// recipientHost extracts the domain part of a single local-part@host
// recipient address.
func recipientHost(to string) (string, bool) {
	idx := strings.LastIndexByte(to, '@')
	if idx < 0 || idx == len(to)-1 {
		return "", false
	}
	return to[idx+1:], true
}
