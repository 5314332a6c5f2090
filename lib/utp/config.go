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
package utp

import "time"

// Congestion constants.
const (
	// mss is the maximum segment size: the payload budget of one ST_DATA.
	mss = 1400

	minCwnd = 1 * mss
	maxCwnd = 1 << 20 // 1 MiB
)

// Config defines Socket configuration.
type Config struct {
	// RetransmitTimeout is the base retransmission timeout. Each
	// retransmission doubles it.
	RetransmitTimeout time.Duration `yaml:"retransmit_timeout"`

	// MaxRetransmits is the number of retransmissions of a single packet
	// tolerated before the connection errors out.
	MaxRetransmits int `yaml:"max_retransmits"`

	// TickInterval is the period of the retransmit / timeout sweep.
	TickInterval time.Duration `yaml:"tick_interval"`

	// RecvBufferSize bounds the bytes buffered for delivery per connection;
	// it is also the receive window advertised to the remote.
	RecvBufferSize int `yaml:"recv_buffer_size"`

	// AcceptBacklog bounds half-open incoming connections awaiting Accept.
	AcceptBacklog int `yaml:"accept_backlog"`
}

func (c Config) applyDefaults() Config {
	if c.RetransmitTimeout == 0 {
		c.RetransmitTimeout = time.Second
	}
	if c.MaxRetransmits == 0 {
		c.MaxRetransmits = 5
	}
	if c.TickInterval == 0 {
		c.TickInterval = 100 * time.Millisecond
	}
	if c.RecvBufferSize == 0 {
		c.RecvBufferSize = 1 << 20
	}
	if c.AcceptBacklog == 0 {
		c.AcceptBacklog = 64
	}
	return c
}
