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

// Package smtppool caches open, authenticated SMTP connections keyed by
// (source IP, destination host), enforces per-key concurrency caps and
// consults the service-unavailability registry before lending a client to
// a caller. It is the production implementation of the spec's SMTP Client
// Pool contract.
package smtppool

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"runtime/trace"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/mtacore/outbound/internal/exterrors"
	"github.com/mtacore/outbound/internal/log"
	"github.com/mtacore/outbound/internal/model"
)

// conn wraps a go-smtp.Client with the dial/HELO/STARTTLS sequencing the
// pool needs. Unlike the transaction-step methods on Client (below), conn
// is not exported: callers only ever see it through a leased Client.
type conn struct {
	cl         *smtp.Client
	sourceIP   string
	mxHost     string
	lastActive time.Time
}

// Usable reports whether the cached connection is still worth trying
// before handing it to a caller. go-smtp has no liveness probe beyond
// issuing a command, so the pool relies on Noop succeeding quickly.
func (c *conn) Usable() bool {
	if c.cl == nil {
		return false
	}
	if err := c.cl.Noop(); err != nil {
		return false
	}
	return true
}

func (c *conn) Close() error {
	if c.cl == nil {
		return nil
	}
	err := c.cl.Quit()
	c.cl = nil
	return err
}

func dial(ctx context.Context, vmta model.VirtualMTA, mx model.MXRecord, connectTimeout time.Duration, tlsConfig *tls.Config, port string) (*conn, error) {
	defer trace.StartRegion(ctx, "smtppool/dial").End()

	localAddr := &net.TCPAddr{IP: net.ParseIP(vmta.IP)}
	dialer := &net.Dialer{
		Timeout:   connectTimeout,
		LocalAddr: localAddrOrNil(localAddr),
	}

	if port == "" {
		port = "25"
	}
	addr := net.JoinHostPort(mx.Host, port)
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, exterrors.WithTemporary(err, true)
	}

	cl, err := smtp.NewClient(netConn, mx.Host)
	if err != nil {
		netConn.Close()
		return nil, exterrors.WithTemporary(err, true)
	}

	if err := cl.Hello(vmta.Hostname); err != nil {
		cl.Close()
		return nil, exterrors.WithTemporary(err, true)
	}

	if ok, _ := cl.Extension("STARTTLS"); ok {
		cfg := &tls.Config{}
		if tlsConfig != nil {
			cfg = tlsConfig.Clone()
		}
		cfg.ServerName = mx.Host
		if err := cl.StartTLS(cfg); err != nil {
			// Opportunistic TLS: a STARTTLS failure is not fatal to the
			// connection attempt, fall back to the plaintext session the
			// EHLO already established.
			cl.Hello(vmta.Hostname)
		}
	}

	if vmta.Username != "" {
		auth := sasl.NewPlainClient("", vmta.Username, vmta.Password)
		if err := cl.Auth(auth); err != nil {
			cl.Close()
			return nil, exterrors.WithTemporary(err, false)
		}
	}

	return &conn{cl: cl, sourceIP: vmta.IP, mxHost: mx.Host, lastActive: time.Now()}, nil
}

func localAddrOrNil(addr *net.TCPAddr) *net.TCPAddr {
	if addr.IP == nil {
		return nil
	}
	return addr
}

// Client is the transaction-step surface a leased connection exposes to
// the dispatch loop, matching the spec's ExecHeloOrRset/ExecMailFrom/
// ExecRcptTo/ExecData contract. Each step invokes failed synchronously
// with the verbatim peer response string whenever the reply is not a
// success code; the dispatch loop's failed callback records a terminal
// signal rather than throwing, per Design Notes' "exception-as-control-flow"
// resolution.
type Client struct {
	conn   *conn
	Log    log.Logger
	semKey string
}

func (c *Client) SourceIP() string { return c.conn.sourceIP }
func (c *Client) MXHost() string   { return c.conn.mxHost }

// ExecHeloOrRset sends RSET to reset transaction state, on cached and
// freshly dialed connections alike; HELO/EHLO is only sent by dial, never
// here. It returns a non-nil
// error only for a connection-level fault (never a peer response); peer
// responses are reported through failed instead.
func (c *Client) ExecHeloOrRset(ctx context.Context, failed func(response string)) error {
	defer trace.StartRegion(ctx, "smtppool/HELO-RSET").End()
	return dispatchErr(c.conn.cl.Reset(), failed)
}

func (c *Client) ExecMailFrom(ctx context.Context, from string, failed func(response string)) error {
	defer trace.StartRegion(ctx, "smtppool/MAIL FROM").End()
	return dispatchErr(c.conn.cl.Mail(from, nil), failed)
}

func (c *Client) ExecRcptTo(ctx context.Context, to string, failed func(response string)) error {
	defer trace.StartRegion(ctx, "smtppool/RCPT TO").End()
	return dispatchErr(c.conn.cl.Rcpt(to), failed)
}

func (c *Client) ExecData(ctx context.Context, raw []byte, failed func(response string)) error {
	defer trace.StartRegion(ctx, "smtppool/DATA").End()

	wc, err := c.conn.cl.Data()
	if err != nil {
		return dispatchErr(err, failed)
	}
	if _, err := wc.Write(raw); err != nil {
		return dispatchErr(err, failed)
	}
	return dispatchErr(wc.Close(), failed)
}

// dispatchErr routes a peer response (a *smtp.SMTPError) through failed,
// per the spec's "failed callback MUST be invoked synchronously with the
// verbatim peer response" contract, and returns every other error
// (connection faults, I/O errors) to the caller instead — those are the
// "mid-transaction exceptions" §7 maps to a generic deferral, not a peer
// response.
func dispatchErr(err error, failed func(response string)) error {
	if err == nil {
		return nil
	}
	if smtpErr, ok := err.(*smtp.SMTPError); ok {
		failed(fmt.Sprintf("%d %s", smtpErr.Code, smtpErr.Message))
		return nil
	}
	return err
}
