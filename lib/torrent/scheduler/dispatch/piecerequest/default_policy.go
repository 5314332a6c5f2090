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
package piecerequest

import (
	"github.com/tristanperalta/riptide/utils/syncutil"

	"github.com/willf/bitset"
)

// defaultPolicy selects pieces in ascending index order.
type defaultPolicy struct{}

func newDefaultPolicy() *defaultPolicy {
	return &defaultPolicy{}
}

func (p *defaultPolicy) selectPieces(
	limit int,
	valid func(int) bool,
	candidates *bitset.BitSet,
	numPeersByPiece syncutil.Counters,
	partial func(int) bool) ([]int, error) {

	var pieces []int
	for i, ok := candidates.NextSet(0); ok && len(pieces) < limit; i, ok = candidates.NextSet(i + 1) {
		if valid(int(i)) {
			pieces = append(pieces, int(i))
		}
	}
	return pieces, nil
}
