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
package conn

import (
	"time"

	"github.com/tristanperalta/riptide/utils/bandwidth"
)

// Config is the configuration for individual live connections.
type Config struct {
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	SenderBufferSize   int `yaml:"sender_buffer_size"`
	ReceiverBufferSize int `yaml:"receiver_buffer_size"`

	// KeepAliveInterval is the outbound-idle span after which a zero-length
	// frame is sent.
	KeepAliveInterval time.Duration `yaml:"keep_alive_interval"`

	// ReadIdleTimeout is the inbound-idle span after which the connection is
	// closed.
	ReadIdleTimeout time.Duration `yaml:"read_idle_timeout"`

	// NumAllowedFast is the number of pieces granted to choked peers via the
	// fast extension. The dispatcher does not read it: its unchoke grants up
	// to 8 pieces.
	NumAllowedFast int `yaml:"num_allowed_fast"`

	// ClientVersion is advertised in the extended handshake.
	ClientVersion string `yaml:"client_version"`

	// RequestQueueSize is the reqq advertised in the extended handshake.
	RequestQueueSize int `yaml:"request_queue_size"`

	DisableFastExtension bool `yaml:"disable_fast_extension"`

	Bandwidth bandwidth.Config `yaml:"bandwidth"`
}

func (c Config) applyDefaults() Config {
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.SenderBufferSize == 0 {
		c.SenderBufferSize = 64
	}
	if c.ReceiverBufferSize == 0 {
		c.ReceiverBufferSize = 64
	}
	if c.KeepAliveInterval == 0 {
		c.KeepAliveInterval = 90 * time.Second
	}
	if c.ReadIdleTimeout == 0 {
		c.ReadIdleTimeout = 120 * time.Second
	}
	if c.NumAllowedFast == 0 {
		c.NumAllowedFast = 8
	}
	if c.ClientVersion == "" {
		c.ClientVersion = "riptide/1.0"
	}
	if c.RequestQueueSize == 0 {
		c.RequestQueueSize = 250
	}
	return c
}
