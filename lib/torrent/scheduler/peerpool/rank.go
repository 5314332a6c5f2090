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

import (
	"fmt"

	"github.com/spaolacci/murmur3"

	"github.com/tristanperalta/riptide/core"
)

// rank scores a peer for connection candidacy. Higher is better. The
// endpoint-derived jitter is deterministic so both sides of a symmetric
// priority decision agree without ties.
func rank(e *entry) int {
	var r int
	if e.prevDown > 0 {
		r += 100
	}
	if e.seed {
		r += 50
	}
	r -= 20 * e.failCount
	r -= 30 * e.hashFails
	r += jitter(e.info.Endpoint)
	return r
}

// jitter maps an endpoint to a stable value in [0, 19]. Endpoint identity is
// IP plus port, so peers on the same host but different ports jitter apart.
func jitter(endpoint core.Endpoint) int {
	key := fmt.Sprintf("%s:%d", endpoint.IP, endpoint.Port)
	return int(murmur3.Sum32([]byte(key)) % 20)
}
