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
	"sort"

	"github.com/tristanperalta/riptide/utils/syncutil"

	"github.com/willf/bitset"
)

// rarestFirstPolicy selects pieces held by the fewest peers. Ties prefer
// pieces which already have blocks downloaded, then lower indices, so
// in-progress pieces finish before new ones start.
type rarestFirstPolicy struct{}

func newRarestFirstPolicy() *rarestFirstPolicy {
	return &rarestFirstPolicy{}
}

func (p *rarestFirstPolicy) selectPieces(
	limit int,
	valid func(int) bool,
	candidates *bitset.BitSet,
	numPeersByPiece syncutil.Counters,
	partial func(int) bool) ([]int, error) {

	var pieces []int
	for i, ok := candidates.NextSet(0); ok; i, ok = candidates.NextSet(i + 1) {
		if valid(int(i)) {
			pieces = append(pieces, int(i))
		}
	}

	sort.SliceStable(pieces, func(a, b int) bool {
		pa, pb := pieces[a], pieces[b]
		ra, rb := numPeersByPiece.Get(pa), numPeersByPiece.Get(pb)
		if ra != rb {
			return ra < rb
		}
		partialA, partialB := partial(pa), partial(pb)
		if partialA != partialB {
			return partialA
		}
		return pa < pb
	})

	if len(pieces) > limit {
		pieces = pieces[:limit]
	}
	return pieces, nil
}
