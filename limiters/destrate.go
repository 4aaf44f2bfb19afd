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
	"sync"
	"time"
)

// DestinationRateSet buckets one Rate limiter per destination host, so the
// SMTP client pool can honor destination-level throttling without every
// destination draining a single shared rate. Adapted from maddy's
// limiters.BucketSet, narrowed to the one limiter kind (Rate) a destination
// gate needs instead of BucketSet's generic L interface.
//
// A DestinationRateSet with New == nil is no-op: TryTake always succeeds.
type DestinationRateSet struct {
	New          func() *Rate
	ReapInterval time.Duration
	MaxBuckets   int

	mu sync.Mutex
	m  map[string]*destBucket
}

type destBucket struct {
	r       *Rate
	lastUse time.Time
}

func NewDestinationRateSet(newRate func() *Rate, reapInterval time.Duration, maxBuckets int) *DestinationRateSet {
	return &DestinationRateSet{
		New:          newRate,
		ReapInterval: reapInterval,
		MaxBuckets:   maxBuckets,
		m:            make(map[string]*destBucket),
	}
}

// TryTake reports whether key (a destination host) currently has an
// available token, without blocking.
func (s *DestinationRateSet) TryTake(key string) bool {
	if s.New == nil {
		return true
	}

	bucket := s.take(key)
	if bucket == nil {
		// Bucket set is full and nothing was stale enough to reap: fail
		// closed rather than let one destination's churn starve the map.
		return false
	}
	return bucket.TryTake()
}

func (s *DestinationRateSet) take(key string) *Rate {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.m) > s.MaxBuckets {
		now := time.Now()
		for k, v := range s.m {
			if now.Sub(v.lastUse) > s.ReapInterval {
				delete(s.m, k)
			}
		}
		if len(s.m) > s.MaxBuckets {
			return nil
		}
	}

	b, ok := s.m[key]
	if !ok {
		b = &destBucket{r: s.New()}
		s.m[key] = b
	}
	b.lastUse = time.Now()
	return b.r
}

// Close releases every bucketed limiter.
func (s *DestinationRateSet) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range s.m {
		v.r.Close()
		delete(s.m, k)
	}
}
