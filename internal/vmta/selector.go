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

// Package vmta implements the Virtual-MTA selector: given a configured
// group ID and the best-preference MX for a recipient domain, it picks a
// source IP honoring the group's round-robin-over-destination policy.
package vmta

import (
	"fmt"
	"sync"

	"github.com/mtacore/outbound/internal/model"
)

// Selector holds the configured VirtualMTAGroups, keyed by ID, along with
// one round-robin cursor per (group, destination MX host) pair.
type Selector struct {
	mu     sync.Mutex
	groups map[string]*model.VirtualMTAGroup
	cursor map[string]int
}

func NewSelector(groups []model.VirtualMTAGroup) *Selector {
	s := &Selector{
		groups: make(map[string]*model.VirtualMTAGroup, len(groups)),
		cursor: make(map[string]int, len(groups)),
	}
	for i := range groups {
		g := groups[i]
		s.groups[g.ID] = &g
	}
	return s
}

// ErrUnknownGroup is returned by GetGroup when id names no configured group.
type ErrUnknownGroup struct {
	ID string
}

func (e ErrUnknownGroup) Error() string {
	return fmt.Sprintf("vmta: no such group %q", e.ID)
}

// GetGroup returns the VirtualMTAGroup registered under id.
func (s *Selector) GetGroup(id string) (*model.VirtualMTAGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[id]
	if !ok {
		return nil, ErrUnknownGroup{ID: id}
	}
	return g, nil
}

// GetVirtualMtaForSending picks the next VirtualMTA in g's round-robin
// rotation for the destination host mx.Host. Each destination host has its
// own cursor within the group, so traffic to one destination rotates
// through the group independently of traffic to any other.
func (s *Selector) GetVirtualMtaForSending(g *model.VirtualMTAGroup, mx model.MXRecord) model.VirtualMTA {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := g.ID + "|" + mx.Host
	i := s.cursor[k] % len(g.MTAs)
	s.cursor[k] = i + 1
	return g.MTAs[i]
}
