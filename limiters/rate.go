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

package limiters

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrRateClosed is returned by TakeContext once the Rate has been closed.
var ErrRateClosed = errors.New("limiters: rate bucket is closed")

// Rate is a token-bucket limiter backed by golang.org/x/time/rate.
//
// Take blocks until a token is available. TryTake reports availability
// immediately without blocking, for callers like the SMTP client pool's
// Lease that must resolve to a synchronous outcome rather than wait.
//
// A burstSize of zero makes the limiter unlimited (every call succeeds
// immediately), matching rate.Inf.
type Rate struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	closed  bool
}

func NewRate(burstSize int, interval time.Duration) *Rate {
	limit := rate.Every(interval)
	if burstSize == 0 {
		limit = rate.Inf
	}
	return &Rate{limiter: rate.NewLimiter(limit, burstSize)}
}

func (r *Rate) Take() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	return r.limiter.Wait(context.Background()) == nil
}

// TryTake reports whether a token is available right now, without
// blocking.
func (r *Rate) TryTake() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	return r.limiter.Allow()
}

func (r *Rate) TakeContext(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRateClosed
	}
	return r.limiter.WaitN(ctx, 1)
}

func (r *Rate) Release() {}

func (r *Rate) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}
