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
package dispatch

import (
	"time"

	"github.com/tristanperalta/riptide/lib/torrent/scheduler/dispatch/piecerequest"
)

// Config defines the configuration for piece dispatch.
type Config struct {
	PieceRequestPolicy string `yaml:"piece_request_policy"`

	// PieceRequestMinTimeout floors the per-block deadline; the effective
	// deadline is max(2 * rtt, this).
	PieceRequestMinTimeout time.Duration `yaml:"piece_request_min_timeout"`

	// PipelineMin / PipelineMax clamp the per-peer pipeline depth derived
	// from bandwidth-delay product.
	PipelineMin int `yaml:"pipeline_min"`
	PipelineMax int `yaml:"pipeline_max"`

	// ConsecutiveTimeoutsToThrottle is the number of back-to-back request
	// timeouts after which a peer's pipeline collapses to one.
	ConsecutiveTimeoutsToThrottle int `yaml:"consecutive_timeouts_to_throttle"`

	// EndgameMinThreshold floors the remaining-block count under which
	// endgame engages; the effective threshold is max(sum of pipelines,
	// this).
	EndgameMinThreshold int `yaml:"endgame_min_threshold"`

	DisableEndgame bool `yaml:"disable_endgame"`
}

func (c Config) applyDefaults() Config {
	if c.PieceRequestPolicy == "" {
		c.PieceRequestPolicy = piecerequest.RarestFirstPolicy
	}
	if c.PieceRequestMinTimeout == 0 {
		c.PieceRequestMinTimeout = 10 * time.Second
	}
	if c.PipelineMin == 0 {
		c.PipelineMin = 4
	}
	if c.PipelineMax == 0 {
		c.PipelineMax = 64
	}
	if c.ConsecutiveTimeoutsToThrottle == 0 {
		c.ConsecutiveTimeoutsToThrottle = 3
	}
	if c.EndgameMinThreshold == 0 {
		c.EndgameMinThreshold = 20
	}
	return c
}
