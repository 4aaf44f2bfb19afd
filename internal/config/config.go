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

// Package config loads the outbound-sender YAML configuration file:
// queue timing, the event forwarder's endpoint, and the virtual-MTA
// groups available for routing.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mtacore/outbound/internal/model"
)

// Config is the top-level outbound-sender configuration.
type Config struct {
	// MaxTimeInQueueMinutes is the queue-timeout budget in minutes.
	MaxTimeInQueueMinutes int `yaml:"max_time_in_queue_minutes"`

	// EventForwardingHTTPPostURL is the operator-configured forward
	// endpoint. Empty disables the forwarder entirely.
	EventForwardingHTTPPostURL string `yaml:"event_forwarding_http_post_url"`

	PoolConfig PoolConfig `yaml:"pool"`

	Groups []Group `yaml:"virtual_mta_groups"`
}

type PoolConfig struct {
	ConnectTimeoutSeconds int   `yaml:"connect_timeout_seconds"`
	MaxConnsPerKey        int   `yaml:"max_conns_per_key"`
	MaxKeys               int   `yaml:"max_keys"`
	MaxConnLifetimeSec    int64 `yaml:"max_conn_lifetime_seconds"`
	StaleKeyLifetimeSec   int64 `yaml:"stale_key_lifetime_seconds"`

	// DestinationRateBurst/DestinationRateIntervalSeconds configure the
	// per-destination-host token bucket honoring destination-level
	// throttling. A zero burst disables the gate entirely.
	DestinationRateBurst           int     `yaml:"destination_rate_burst"`
	DestinationRateIntervalSeconds float64 `yaml:"destination_rate_interval_seconds"`
}

// DestinationRateInterval returns the configured throttle interval as a
// time.Duration.
func (c PoolConfig) DestinationRateInterval() time.Duration {
	return time.Duration(c.DestinationRateIntervalSeconds * float64(time.Second))
}

type Group struct {
	ID   string `yaml:"id"`
	MTAs []MTA  `yaml:"virtual_mtas"`
}

type MTA struct {
	IP                     string `yaml:"ip"`
	Hostname               string `yaml:"hostname"`
	MaxConnsPerDestination int    `yaml:"max_conns_per_destination"`
	Username               string `yaml:"username"`
	Password               string `yaml:"password"`
}

// MaxTimeInQueue returns the configured queue-timeout budget as a
// time.Duration.
func (c Config) MaxTimeInQueue() time.Duration {
	return time.Duration(c.MaxTimeInQueueMinutes) * time.Minute
}

// VirtualMTAGroups converts the configured groups into the model shape the
// vmta.Selector consumes.
func (c Config) VirtualMTAGroups() []model.VirtualMTAGroup {
	groups := make([]model.VirtualMTAGroup, 0, len(c.Groups))
	for _, g := range c.Groups {
		mtas := make([]model.VirtualMTA, 0, len(g.MTAs))
		for _, m := range g.MTAs {
			mtas = append(mtas, model.VirtualMTA{
				IP:                     m.IP,
				Hostname:               m.Hostname,
				MaxConnsPerDestination: m.MaxConnsPerDestination,
				Username:               m.Username,
				Password:               m.Password,
			})
		}
		groups = append(groups, model.VirtualMTAGroup{ID: g.ID, MTAs: mtas})
	}
	return groups
}

// Load reads and parses the YAML configuration at path.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: failed to parse %s: %w", path, err)
	}
	if len(cfg.Groups) == 0 {
		return Config{}, fmt.Errorf("config: at least one virtual_mta_groups entry is required")
	}
	return cfg, nil
}
