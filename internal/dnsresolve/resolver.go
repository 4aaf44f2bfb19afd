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

// Package dnsresolve defines the DNS lookup interface used by the outbound
// core to resolve recipient mail exchangers.
package dnsresolve

import (
	"context"
	"net"
	"sort"
	"strings"

	"github.com/mtacore/outbound/internal/model"
)

// Resolver is an interface that describes the DNS-related methods the
// outbound core depends on. It is implemented by DefaultResolver().
type Resolver interface {
	LookupAddr(ctx context.Context, addr string) (names []string, err error)
	LookupHost(ctx context.Context, host string) (addrs []string, err error)
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
	LookupTXT(ctx context.Context, name string) ([]string, error)
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// LookupAddr is a convenience wrapper for Resolver.LookupAddr.
//
// It returns the first name with trailing dot stripped.
func LookupAddr(ctx context.Context, r Resolver, ip net.IP) (string, error) {
	names, err := r.LookupAddr(ctx, ip.String())
	if err != nil || len(names) == 0 {
		return "", err
	}
	return strings.TrimRight(names[0], "."), nil
}

func DefaultResolver() Resolver {
	if overrideServ != "" && overrideServ != "system-default" {
		override(overrideServ)
	}

	return net.DefaultResolver
}

// GetMX resolves the ordered sequence of mail exchangers for host, sorted by
// ascending preference as required by model.MXRecord. A host with no MX
// records (NXDOMAIN, or an explicit "null MX") resolves to an empty, non-nil
// slice — callers must treat that as a permanent routing failure, never as
// an error to retry.
func GetMX(ctx context.Context, r Resolver, host string) ([]model.MXRecord, error) {
	fqdn := FQDN(host)

	mxs, err := r.LookupMX(ctx, fqdn)
	if err != nil {
		if isNotFound(err) {
			return []model.MXRecord{}, nil
		}
		return nil, err
	}

	records := make([]model.MXRecord, 0, len(mxs))
	for _, mx := range mxs {
		mxHost := strings.TrimSuffix(mx.Host, ".")
		if mxHost == "" {
			// Null MX ("."): the domain accepts no mail.
			continue
		}
		records = append(records, model.MXRecord{
			Host:       mxHost,
			Preference: mx.Pref,
		})
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Preference < records[j].Preference
	})
	return records, nil
}

func isNotFound(err error) bool {
	var dnsErr *net.DNSError
	if ok := asDNSError(err, &dnsErr); ok {
		return dnsErr.IsNotFound
	}
	return false
}

func asDNSError(err error, target **net.DNSError) bool {
	for err != nil {
		if dnsErr, ok := err.(*net.DNSError); ok {
			*target = dnsErr
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
