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

// Package pool implements a generic key-bucketed cache of reusable
// connection-like objects, used by smtppool to hold idle SMTP connections
// keyed by (source IP, destination host).
package pool

import (
	"context"
	"sync"
	"time"
)

// Conn is anything the cache can hold: checked for liveness before reuse
// and closed when evicted or discarded.
type Conn interface {
	Usable() bool
	Close() error
}

type Config struct {
	New                 func(ctx context.Context, key string) (Conn, error)
	MaxKeys             int
	MaxConnsPerKey      int
	MaxConnLifetimeSec  int64
	StaleKeyLifetimeSec int64
}

type slot struct {
	c chan Conn
	// Kept as a unix timestamp rather than time.Time to keep the slot
	// value small; bucket eviction only ever needs coarse age.
	lastUse int64
}

// P is the cache itself: one buffered channel of Conn per key, evicted
// lazily on Get/Return rather than via a background sweep.
type P struct {
	cfg      Config
	keys     map[string]slot
	keysLock sync.Mutex
}

func New(cfg Config) *P {
	if cfg.New == nil {
		cfg.New = func(context.Context, string) (Conn, error) {
			return nil, nil
		}
	}

	return &P{
		cfg:  cfg,
		keys: make(map[string]slot, cfg.MaxKeys),
	}
}

// Get returns a cached connection for key if one is idle and still usable,
// otherwise it dials a fresh one via cfg.New.
func (p *P) Get(ctx context.Context, key string) (Conn, error) {
	p.keysLock.Lock()
	defer p.keysLock.Unlock()

	bucket, ok := p.keys[key]
	if !ok {
		return p.cfg.New(ctx, key)
	}

	if time.Now().Unix()-bucket.lastUse > p.cfg.MaxConnLifetimeSec {
		close(bucket.c)
		for conn := range bucket.c {
			conn.Close()
		}
		delete(p.keys, key)

		return p.cfg.New(ctx, key)
	}

	for {
		var conn Conn
		select {
		case conn, ok = <-bucket.c:
			if !ok {
				return p.cfg.New(ctx, key)
			}
		default:
			return p.cfg.New(ctx, key)
		}

		if !conn.Usable() {
			continue
		}

		return conn, nil
	}
}

// Return gives a connection back to the cache for key. If the bucket is
// full, the connection is closed instead of cached.
func (p *P) Return(key string, c Conn) {
	p.keysLock.Lock()
	defer p.keysLock.Unlock()

	if p.keys == nil {
		return
	}

	bucket, ok := p.keys[key]
	if !ok {
		// Garbage-collect stale buckets before growing the map further.
		if len(p.keys) == p.cfg.MaxKeys {
			for k, v := range p.keys {
				if v.lastUse+p.cfg.StaleKeyLifetimeSec > time.Now().Unix() {
					continue
				}

				close(v.c)
				for conn := range v.c {
					conn.Close()
				}
				delete(p.keys, k)
			}
		}

		bucket = slot{
			c:       make(chan Conn, p.cfg.MaxConnsPerKey),
			lastUse: time.Now().Unix(),
		}
		p.keys[key] = bucket
	}

	select {
	case bucket.c <- c:
		bucket.lastUse = time.Now().Unix()
	default:
		c.Close()
	}
}

// Close discards every cached connection and renders P unusable.
func (p *P) Close() {
	p.keysLock.Lock()
	defer p.keysLock.Unlock()

	for k, v := range p.keys {
		close(v.c)
		for conn := range v.c {
			conn.Close()
		}
		delete(p.keys, k)
	}
	p.keys = nil
}
