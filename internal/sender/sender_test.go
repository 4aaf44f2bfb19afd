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

package sender

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/mtacore/outbound/internal/memstore"
	"github.com/mtacore/outbound/internal/model"
	"github.com/mtacore/outbound/internal/outcome"
	"github.com/mtacore/outbound/internal/smtppool"
	"github.com/mtacore/outbound/internal/unavail"
	"github.com/mtacore/outbound/internal/vmta"

	"github.com/mtacore/outbound/internal/log"
)

// fakeResolver serves canned MX answers without touching the network,
// mirroring the teacher's preference for hand-rolled fakes over a mocking
// library for the small DNS surface this core depends on.
type fakeResolver struct {
	mx map[string][]*net.MX
}

func (r *fakeResolver) LookupAddr(ctx context.Context, addr string) ([]string, error) { return nil, nil }
func (r *fakeResolver) LookupHost(ctx context.Context, host string) ([]string, error) { return nil, nil }
func (r *fakeResolver) LookupTXT(ctx context.Context, name string) ([]string, error)   { return nil, nil }
func (r *fakeResolver) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	return nil, nil
}

func (r *fakeResolver) LookupMX(ctx context.Context, name string) ([]*net.MX, error) {
	mxs, ok := r.mx[name]
	if !ok {
		return nil, &net.DNSError{Err: "no such host", Name: name, IsNotFound: true}
	}
	return mxs, nil
}

// testBackend is a minimal go-smtp backend for driving real SMTP
// transactions against a loopback listener, grounded on
// internal/testutils/smtp_server.go's SMTPBackend/session pair.
type testBackend struct {
	mu       sync.Mutex
	sessions int

	mailErr error
	rcptErr map[string]error
	dataErr error
}

func (be *testBackend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	be.mu.Lock()
	be.sessions++
	be.mu.Unlock()
	return &testSession{be: be}, nil
}

func (be *testBackend) sessionCount() int {
	be.mu.Lock()
	defer be.mu.Unlock()
	return be.sessions
}

type testSession struct {
	be *testBackend
}

func (s *testSession) Reset()        {}
func (s *testSession) Logout() error { return nil }

func (s *testSession) Mail(from string, opts *smtp.MailOptions) error {
	return s.be.mailErr
}

func (s *testSession) Rcpt(to string) error {
	if s.be.rcptErr != nil {
		if err, ok := s.be.rcptErr[to]; ok {
			return err
		}
	}
	return nil
}

func (s *testSession) Data(r io.Reader) error {
	if _, err := io.ReadAll(r); err != nil {
		return err
	}
	return s.be.dataErr
}

// startServer starts a loopback SMTP server and returns its backend and
// listening port, plus a cleanup function.
func startServer(t *testing.T, be *testBackend) (port string, cleanup func()) {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	srv := smtp.NewServer(be)
	srv.Domain = "localhost"
	srv.AllowInsecureAuth = true

	go srv.Serve(l)

	_, p, err := net.SplitHostPort(l.Addr().String())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	return p, func() { srv.Close() }
}

func newTestSender(t *testing.T, resolver *fakeResolver, port string) (*Sender, *memstore.Broker, *memstore.MessageStore, *memstore.EventStore) {
	t.Helper()

	brk := memstore.NewBroker()
	messages := memstore.NewMessageStore()
	events := memstore.NewEventStore()
	logger := log.Logger{}

	registry := unavail.NewRegistry()
	selector := vmta.NewSelector([]model.VirtualMTAGroup{
		{ID: "default", MTAs: []model.VirtualMTA{{IP: "", Hostname: "test.invalid"}}},
	})
	pool := smtppool.New(smtppool.Config{
		ConnectTimeout: 2 * time.Second,
		MaxConnsPerKey: 2,
		MaxKeys:        16,
		// A zero lifetime expires a cached bucket as soon as the wall-clock
		// second changes; keep it long enough for the reuse test.
		MaxConnLifetimeSec: 60,
		Port:               port,
		Log:                logger,
	}, registry)
	t.Cleanup(pool.Close)

	return &Sender{
		Broker:         brk,
		Resolver:       resolver,
		Selector:       selector,
		Pool:           pool,
		Registry:       registry,
		Recorder:       outcome.New(messages, events, logger),
		Log:            logger,
		MaxTimeInQueue: time.Hour,
	}, brk, messages, events
}

func queuedMessage(to string) model.QueuedMessage {
	now := time.Now().UTC()
	return model.QueuedMessage{
		ID:                model.NewMessageID(),
		From:              "sender@test.invalid",
		To:                to,
		Raw:               []byte("Subject: hi\r\n\r\nbody\r\n"),
		VirtualMTAGroupID: "default",
		QueuedAt:          now,
		AttemptSendAfter:  now,
	}
}

// Gate monotonicity: a not-yet-eligible message is re-enqueued and nothing
// is recorded.
func TestAttemptDeferredGate(t *testing.T) {
	s, brk, messages, events := newTestSender(t, &fakeResolver{}, "0")

	msg := queuedMessage("user@test.invalid")
	msg.AttemptSendAfter = time.Now().UTC().Add(time.Hour)
	brk.Enqueue(context.Background(), msg)

	ok := s.attempt(context.Background())
	if !ok {
		t.Fatal("expected attempt to report work pulled")
	}
	if len(messages.Records) != 0 {
		t.Fatalf("expected no recorded outcomes, got %d", len(messages.Records))
	}
	pendingEvents, _ := events.GetEventsForForwarding(context.Background(), 10)
	if len(pendingEvents) != 0 {
		t.Fatalf("expected no events, got %d", len(pendingEvents))
	}
	pending := brk.Pending()
	if len(pending) != 1 {
		t.Fatalf("expected message re-enqueued, got %d pending", len(pending))
	}
}

// Timeout terminality: exceeding MaxTimeInQueue records exactly one
// permanent failure with the fixed reason, without ever resolving MX.
func TestAttemptTimeoutGate(t *testing.T) {
	s, brk, messages, _ := newTestSender(t, &fakeResolver{}, "0")
	s.MaxTimeInQueue = 30 * time.Minute

	msg := queuedMessage("user@test.invalid")
	msg.QueuedAt = time.Now().UTC().Add(-2 * time.Hour)
	msg.AttemptSendAfter = time.Now().UTC().Add(-1 * time.Hour)
	brk.Enqueue(context.Background(), msg)

	s.attempt(context.Background())

	if len(messages.Records) != 1 {
		t.Fatalf("expected exactly one recorded outcome, got %d", len(messages.Records))
	}
	rec := messages.Records[0]
	if rec.Outcome != "failure" || rec.Reason != outcome.TimedOutReason {
		t.Fatalf("expected timed-out permanent failure, got %+v", rec)
	}
}

// MX-empty permanence: a domain with no MX records is exactly one
// permanent failure, with no SMTP connection ever attempted.
func TestAttemptNoMXRecords(t *testing.T) {
	s, brk, messages, _ := newTestSender(t, &fakeResolver{}, "0")

	msg := queuedMessage("user@no-mx.invalid")
	brk.Enqueue(context.Background(), msg)

	s.attempt(context.Background())

	if len(messages.Records) != 1 {
		t.Fatalf("expected exactly one recorded outcome, got %d", len(messages.Records))
	}
	rec := messages.Records[0]
	if rec.Outcome != "failure" || rec.Reason != domainNotFoundReason {
		t.Fatalf("expected domain-not-found permanent failure, got %+v", rec)
	}
}

// Scenario 1 + client hygiene: a clean transaction records exactly one
// success and returns the client to the pool (observable as the next
// attempt reusing the same backend session instead of opening a new one).
func TestAttemptSuccessReturnsClient(t *testing.T) {
	be := &testBackend{}
	port, cleanup := startServer(t, be)
	defer cleanup()

	resolver := &fakeResolver{mx: map[string][]*net.MX{
		"test.invalid.": {{Host: "127.0.0.1", Pref: 10}},
	}}
	s, brk, messages, _ := newTestSender(t, resolver, port)

	brk.Enqueue(context.Background(), queuedMessage("user@test.invalid"))
	s.attempt(context.Background())

	brk.Enqueue(context.Background(), queuedMessage("user@test.invalid"))
	s.attempt(context.Background())

	if len(messages.Records) != 2 {
		t.Fatalf("expected two recorded outcomes, got %d", len(messages.Records))
	}
	for _, rec := range messages.Records {
		if rec.Outcome != "success" {
			t.Fatalf("expected success outcome, got %+v", rec)
		}
	}
	if got := be.sessionCount(); got != 1 {
		t.Fatalf("expected the pooled connection to be reused (1 session), got %d", got)
	}
}

// Scenario 4: a 5xx RCPT TO reply is a permanent failure carrying the
// verbatim peer response, and the client is discarded rather than reused.
func TestAttemptRcptPermanentFailureDiscardsClient(t *testing.T) {
	be := &testBackend{rcptErr: map[string]error{
		"user@test.invalid": &smtp.SMTPError{Code: 550, Message: "no such user"},
	}}
	port, cleanup := startServer(t, be)
	defer cleanup()

	resolver := &fakeResolver{mx: map[string][]*net.MX{
		"test.invalid.": {{Host: "127.0.0.1", Pref: 10}},
	}}
	s, brk, messages, _ := newTestSender(t, resolver, port)

	brk.Enqueue(context.Background(), queuedMessage("user@test.invalid"))
	s.attempt(context.Background())

	if len(messages.Records) != 1 {
		t.Fatalf("expected exactly one recorded outcome, got %d", len(messages.Records))
	}
	rec := messages.Records[0]
	if rec.Outcome != "failure" {
		t.Fatalf("expected a permanent failure, got %+v", rec)
	}

	brk.Enqueue(context.Background(), queuedMessage("user@test.invalid"))
	s.attempt(context.Background())
	if got := be.sessionCount(); got != 2 {
		t.Fatalf("expected the discarded client to force a fresh session (2 sessions), got %d", got)
	}
}

// Scenario 3: a 421 MAIL FROM reply populates the service-unavailability
// registry and records a deferral, aborting before RCPT TO.
func TestAttemptMailFrom421ServiceUnavailable(t *testing.T) {
	be := &testBackend{mailErr: &smtp.SMTPError{Code: 421, Message: "too many connections"}}
	port, cleanup := startServer(t, be)
	defer cleanup()

	resolver := &fakeResolver{mx: map[string][]*net.MX{
		"test.invalid.": {{Host: "127.0.0.1", Pref: 10}},
	}}
	s, brk, messages, _ := newTestSender(t, resolver, port)

	brk.Enqueue(context.Background(), queuedMessage("user@test.invalid"))
	s.attempt(context.Background())

	if len(messages.Records) != 1 || messages.Records[0].Outcome != "deferral" {
		t.Fatalf("expected exactly one deferral, got %+v", messages.Records)
	}
	if !s.Registry.Unavailable("", "127.0.0.1", time.Now()) {
		t.Fatal("expected the registry to hold the (source IP, MX host) key after a 421")
	}
}
