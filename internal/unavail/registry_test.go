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

package unavail

import (
	"testing"
	"time"
)

func TestRegistryUnavailableWithinCoolOff(t *testing.T) {
	r := NewRegistry()
	now := time.Now()
	r.Add("10.0.0.1", "mx.example.com", now)

	if !r.Unavailable("10.0.0.1", "mx.example.com", now.Add(30*time.Second)) {
		t.Fatal("expected key to be unavailable within the cool-off window")
	}
}

func TestRegistryExpiresAfterCoolOff(t *testing.T) {
	r := NewRegistry()
	now := time.Now()
	r.Add("10.0.0.1", "mx.example.com", now)

	if r.Unavailable("10.0.0.1", "mx.example.com", now.Add(CoolOff+time.Second)) {
		t.Fatal("expected key to expire after the cool-off window")
	}
	// Lookup after expiry must purge the entry, not merely ignore it.
	if r.Unavailable("10.0.0.1", "mx.example.com", now.Add(CoolOff+2*time.Second)) {
		t.Fatal("expected expired entry to stay purged")
	}
}

func TestRegistryUnknownKeyIsAvailable(t *testing.T) {
	r := NewRegistry()
	if r.Unavailable("10.0.0.1", "mx.example.com", time.Now()) {
		t.Fatal("expected unknown key to be available")
	}
}

func TestRegistryKeysAreIndependent(t *testing.T) {
	r := NewRegistry()
	now := time.Now()
	r.Add("10.0.0.1", "mx.example.com", now)

	if r.Unavailable("10.0.0.2", "mx.example.com", now) {
		t.Fatal("expected a different source IP to be unaffected")
	}
	if r.Unavailable("10.0.0.1", "mx2.example.com", now) {
		t.Fatal("expected a different host to be unaffected")
	}
}
