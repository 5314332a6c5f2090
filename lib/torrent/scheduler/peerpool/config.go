// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package peerpool

import "time"

// Config defines peer pool configuration.
type Config struct {
	// MaxPeerListSize caps the number of known peers. Overflow evicts the
	// lowest-ranked non-connected peer.
	MaxPeerListSize int `yaml:"max_peerlist_size"`

	// MaxActiveConnections caps concurrently established connections.
	MaxActiveConnections int `yaml:"max_active_connections"`

	// MaxFailCount is the number of connect failures after which a peer is
	// banned and never retried.
	MaxFailCount int `yaml:"max_failcount"`

	// RetryBackoffInitial and RetryBackoffMax shape the exponential backoff
	// between reconnect attempts to a failed peer.
	RetryBackoffInitial time.Duration `yaml:"retry_backoff_initial"`
	RetryBackoffMax     time.Duration `yaml:"retry_backoff_max"`
}

func (c Config) applyDefaults() Config {
	if c.MaxPeerListSize == 0 {
		c.MaxPeerListSize = 1000
	}
	if c.MaxActiveConnections == 0 {
		c.MaxActiveConnections = 25
	}
	if c.MaxFailCount == 0 {
		c.MaxFailCount = 3
	}
	if c.RetryBackoffInitial == 0 {
		c.RetryBackoffInitial = 5 * time.Second
	}
	if c.RetryBackoffMax == 0 {
		c.RetryBackoffMax = 5 * time.Minute
	}
	return c
}
