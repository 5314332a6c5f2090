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
package scheduler

import (
	"time"

	"github.com/tristanperalta/riptide/lib/torrent/scheduler/conn"
	"github.com/tristanperalta/riptide/lib/torrent/scheduler/dispatch"
	"github.com/tristanperalta/riptide/lib/torrent/scheduler/peerpool"
	"github.com/tristanperalta/riptide/lib/torrent/storage/filestorage"
	"github.com/tristanperalta/riptide/utils/log"
)

// Config is the session configuration.
type Config struct {
	// EmitStatsInterval is the period of stats.update events.
	EmitStatsInterval time.Duration `yaml:"emit_stats_interval"`

	// StopTimeout bounds the shutdown drain: how long the session waits for
	// connection close callbacks before sweeping.
	StopTimeout time.Duration `yaml:"stop_timeout"`

	Conn     conn.Config        `yaml:"conn"`
	Dispatch dispatch.Config    `yaml:"dispatch"`
	PeerPool peerpool.Config    `yaml:"peerpool"`
	Storage  filestorage.Config `yaml:"storage"`
	Log      log.Config         `yaml:"log"`
}

func (c Config) applyDefaults() Config {
	if c.EmitStatsInterval == 0 {
		c.EmitStatsInterval = time.Second
	}
	if c.StopTimeout == 0 {
		c.StopTimeout = 10 * time.Second
	}
	return c
}
