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
package filestorage

import (
	"runtime"

	"github.com/tristanperalta/riptide/lib/torrent/merkle"
)

// Config defines filestorage configuration.
type Config struct {
	// VerifyWorkers bounds the number of piece verifications hashing
	// concurrently.
	VerifyWorkers int `yaml:"verify_workers"`

	// VerifyBothHybridHashes controls whether hybrid torrents check the v1
	// sum and the v2 proof on every piece, or just the v2 proof.
	VerifyBothHybridHashes *bool `yaml:"verify_both_hybrid_hashes"`

	PieceLayerCache merkle.CacheConfig `yaml:"piece_layer_cache"`
}

func (c Config) applyDefaults() Config {
	if c.VerifyWorkers == 0 {
		c.VerifyWorkers = runtime.NumCPU()
	}
	if c.VerifyBothHybridHashes == nil {
		b := true
		c.VerifyBothHybridHashes = &b
	}
	return c
}
