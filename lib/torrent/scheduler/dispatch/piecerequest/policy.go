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

// Piece selection policy names.
const (
	// DefaultPolicy selects pieces in index order.
	DefaultPolicy = "default"

	// RarestFirstPolicy selects pieces held by the fewest peers first,
	// preferring partially downloaded pieces and lower indices on ties.
	RarestFirstPolicy = "rarest_first"
)

// pieceSelectionPolicy defines a policy for ordering candidate pieces when
// deciding what to request next.
type pieceSelectionPolicy interface {
	// selectPieces returns up to limit pieces from candidates, in request
	// order. valid filters out pieces with nothing left to request.
	selectPieces(
		limit int,
		valid func(int) bool,
		candidates *bitset.BitSet,
		numPeersByPiece syncutil.Counters,
		partial func(int) bool) ([]int, error)
}
