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

package smtppool

import (
	"context"
	"crypto/tls"
	"sync"
	"time"

	"github.com/mtacore/outbound/internal/log"
	"github.com/mtacore/outbound/limiters"
	"github.com/mtacore/outbound/internal/metrics"
	"github.com/mtacore/outbound/internal/model"
	"github.com/mtacore/outbound/internal/smtppool/pool"
	"github.com/mtacore/outbound/internal/unavail"
)

// Outcome is the disjoint, tagged result of a Lease call. It replaces the
// source's throw-from-callback idiom: every step of the dispatch loop
// switches on Outcome rather than catching an exception.
type Outcome int

const (
	// OutcomeSuccess: client is non-nil and ready for the transaction.
	OutcomeSuccess Outcome = iota
	// OutcomeNoMxRecords: caller passed an empty MX set; no-op, no recording.
	OutcomeNoMxRecords
	// OutcomeFailedToAddToQueue: an expected race with the internal pool
	// bookkeeping; no-op, no recording.
	OutcomeFailedToAddToQueue
	// OutcomeUnknown: an unclassified local failure; no-op, no recording.
	OutcomeUnknown
	// OutcomeFailedToConnect: dial or HELO failed.
	OutcomeFailedToConnect
	// OutcomeServiceUnavailable: the registry already holds this key.
	OutcomeServiceUnavailable
	// OutcomeThrottled: destination-level throttling rejected the lease.
	OutcomeThrottled
	// OutcomeFailedMaxConnections: the per-key concurrency cap is full.
	OutcomeFailedMaxConnections
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeNoMxRecords:
		return "no_mx_records"
	case OutcomeFailedToAddToQueue:
		return "failed_to_add_to_queue"
	case OutcomeFailedToConnect:
		return "failed_to_connect"
	case OutcomeServiceUnavailable:
		return "service_unavailable"
	case OutcomeThrottled:
		return "throttled"
	case OutcomeFailedMaxConnections:
		return "failed_max_connections"
	default:
		return "unknown"
	}
}

// Config controls dial timeouts and per-key concurrency caps.
type Config struct {
	ConnectTimeout      time.Duration
	TLSConfig           *tls.Config
	MaxConnsPerKey      int
	MaxKeys             int
	MaxConnLifetimeSec  int64
	StaleKeyLifetimeSec int64
	Log                 log.Logger

	// Port overrides the destination port dialed for every MX; empty
	// means 25, the real outbound SMTP port. Exists so tests can point
	// the pool at a local listener.
	Port string

	// DestinationRateBurst/DestinationRateInterval configure the
	// destination-level throttle §4.3 makes a Pool responsibility: at
	// most DestinationRateBurst leases per DestinationRateInterval for a
	// given MX host, across all source IPs. Zero burst disables the
	// gate entirely (every Lease call skips it).
	DestinationRateBurst    int
	DestinationRateInterval time.Duration
}

// destBucketReap and destBucketMaxKeys bound the per-destination rate
// bucket set. Hardcoded rather than exposed in Config, mirroring maddy's
// own internal/limits.Group.Init (BucketSet reap interval and the
// "slightly higher than the default max recipients count" bucket cap are
// both literal constants there, not configuration knobs).
const (
	destBucketReap    = time.Minute
	destBucketMaxKeys = 20000
)

// Pool is the production SMTP Client Pool: it caches open connections
// keyed by (source IP, destination host), enforces per-key concurrency
// caps, consults the Service-Unavailability Registry, and performs the
// initial TCP/TLS connect and HELO.
type Pool struct {
	cfg       Config
	registry  *unavail.Registry
	cache     *pool.P
	destLimit *limiters.DestinationRateSet

	semLock sync.Mutex
	sems    map[string]limiters.Semaphore
}

func New(cfg Config, registry *unavail.Registry) *Pool {
	p := &Pool{
		cfg:      cfg,
		registry: registry,
		sems:     make(map[string]limiters.Semaphore),
	}
	p.cache = pool.New(pool.Config{
		MaxKeys:             cfg.MaxKeys,
		MaxConnsPerKey:      cfg.MaxConnsPerKey,
		MaxConnLifetimeSec:  cfg.MaxConnLifetimeSec,
		StaleKeyLifetimeSec: cfg.StaleKeyLifetimeSec,
	})
	if cfg.DestinationRateBurst > 0 {
		p.destLimit = limiters.NewDestinationRateSet(func() *limiters.Rate {
			return limiters.NewRate(cfg.DestinationRateBurst, cfg.DestinationRateInterval)
		}, destBucketReap, destBucketMaxKeys)
	}
	return p
}

func key(sourceIP, host string) string {
	return sourceIP + "|" + host
}

// semaphore returns the per-key concurrency gate, sizing it from max the
// first time key k is seen. max should be the selected VirtualMTA's
// MaxConnsPerDestination when the operator configured one, falling back
// to the Pool-wide default otherwise — see maxConnsFor.
func (p *Pool) semaphore(k string, max int) limiters.Semaphore {
	p.semLock.Lock()
	defer p.semLock.Unlock()

	sem, ok := p.sems[k]
	if !ok {
		sem = limiters.NewSemaphore(max)
		p.sems[k] = sem
	}
	return sem
}

// maxConnsFor resolves the effective per-key concurrency cap: the
// VirtualMTA's own MaxConnsPerDestination when the operator set one,
// otherwise the Pool's configured default.
func (p *Pool) maxConnsFor(vmta model.VirtualMTA) int {
	if vmta.MaxConnsPerDestination > 0 {
		return vmta.MaxConnsPerDestination
	}
	return p.cfg.MaxConnsPerKey
}

// Lease implements the spec's Lease(sourceIp, mxRecords) → {outcome,
// client?} contract. mxRecords must be the recipient's ordered MX
// sequence; the best-preference (first) record is used to dial.
func (p *Pool) Lease(ctx context.Context, vmta model.VirtualMTA, mxRecords []model.MXRecord) (Outcome, *Client) {
	if len(mxRecords) == 0 {
		metrics.PoolLeaseOutcomes.WithLabelValues(OutcomeNoMxRecords.String()).Inc()
		return OutcomeNoMxRecords, nil
	}
	mx := mxRecords[0]

	if p.registry.Unavailable(vmta.IP, mx.Host, time.Now()) {
		metrics.PoolLeaseOutcomes.WithLabelValues(OutcomeServiceUnavailable.String()).Inc()
		return OutcomeServiceUnavailable, nil
	}

	if p.destLimit != nil && !p.destLimit.TryTake(mx.Host) {
		metrics.PoolLeaseOutcomes.WithLabelValues(OutcomeThrottled.String()).Inc()
		return OutcomeThrottled, nil
	}

	k := key(vmta.IP, mx.Host)
	sem := p.semaphore(k, p.maxConnsFor(vmta))
	if !sem.TryTake() {
		metrics.PoolLeaseOutcomes.WithLabelValues(OutcomeFailedMaxConnections.String()).Inc()
		return OutcomeFailedMaxConnections, nil
	}

	rawConn, err := p.cache.Get(ctx, k)
	if err != nil {
		sem.Release()
		p.cfg.Log.Error("failed to connect", err, "source_ip", vmta.IP, "mx", mx.Host)
		metrics.PoolLeaseOutcomes.WithLabelValues(OutcomeFailedToConnect.String()).Inc()
		return OutcomeFailedToConnect, nil
	}
	if rawConn == nil {
		c, err := dial(ctx, vmta, mx, p.cfg.ConnectTimeout, p.cfg.TLSConfig, p.cfg.Port)
		if err != nil {
			sem.Release()
			p.cfg.Log.Error("failed to connect", err, "source_ip", vmta.IP, "mx", mx.Host)
			metrics.PoolLeaseOutcomes.WithLabelValues(OutcomeFailedToConnect.String()).Inc()
			return OutcomeFailedToConnect, nil
		}
		rawConn = c
	}

	metrics.PoolLeaseOutcomes.WithLabelValues(OutcomeSuccess.String()).Inc()
	metrics.PoolConnsOpen.WithLabelValues(k).Inc()
	return OutcomeSuccess, &Client{conn: rawConn.(*conn), Log: p.cfg.Log, semKey: k}
}

// Return gives a clean connection back to the pool, setting active=false
// and updating last-active. Clients never returned are discarded.
func (p *Pool) Return(c *Client) {
	c.conn.lastActive = time.Now()
	p.cache.Return(c.semKey, c.conn)
	// The semaphore for semKey was already created during Lease; the max
	// argument here only matters the first time a key is seen.
	p.semaphore(c.semKey, p.cfg.MaxConnsPerKey).Release()
	metrics.PoolConnsOpen.WithLabelValues(c.semKey).Dec()
}

// Discard closes and drops a connection that hit a protocol fault instead
// of returning it to the cache.
func (p *Pool) Discard(c *Client) {
	c.conn.Close()
	p.semaphore(c.semKey, p.cfg.MaxConnsPerKey).Release()
	metrics.PoolConnsOpen.WithLabelValues(c.semKey).Dec()
}

func (p *Pool) Close() {
	p.cache.Close()
	if p.destLimit != nil {
		p.destLimit.Close()
	}
}
