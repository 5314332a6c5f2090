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
	"testing"
	"time"

	"github.com/tristanperalta/riptide/core"
	"github.com/tristanperalta/riptide/utils/syncutil"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
	"github.com/willf/bitset"
)

const testTimeout = 10 * time.Second

// fakeView is a TorrentView over fixed-size pieces with mutable progress.
type fakeView struct {
	blocksPerPiece int
	received       map[Block]bool
}

func newFakeView(blocksPerPiece int) *fakeView {
	return &fakeView{blocksPerPiece, make(map[Block]bool)}
}

func (v *fakeView) NumBlocks(piece int) int { return v.blocksPerPiece }

func (v *fakeView) BlockReceived(b Block) bool { return v.received[b] }

func (v *fakeView) PiecePartial(piece int) bool {
	var n int
	for bi := 0; bi < v.blocksPerPiece; bi++ {
		if v.received[Block{piece, bi * BlockSize}] {
			n++
		}
	}
	return n > 0 && n < v.blocksPerPiece
}

func managerFixture(clk clock.Clock, view TorrentView) *Manager {
	m, err := NewManager(clk, view, RarestFirstPolicy)
	if err != nil {
		panic(err)
	}
	return m
}

func candidates(pieces ...int) *bitset.BitSet {
	b := bitset.New(64)
	for _, i := range pieces {
		b.Set(uint(i))
	}
	return b
}

func countersFor(rarity map[int]int, n int) syncutil.Counters {
	c := syncutil.NewCounters(n)
	for i, v := range rarity {
		c.Set(i, v)
	}
	return c
}

func TestReserveBlocksPipelinesWithinOnePiece(t *testing.T) {
	require := require.New(t)

	m := managerFixture(clock.NewMock(), newFakeView(4))
	peer := core.PeerIDFixture()

	blocks := m.ReserveBlocks(
		peer, 3, candidates(0), syncutil.NewCounters(8), testTimeout, false)
	require.Equal([]Block{{0, 0}, {0, BlockSize}, {0, 2 * BlockSize}}, blocks)
	require.Equal(3, m.NumPendingByPeer(peer))
}

func TestReserveBlocksNeverDuplicatesOutsideEndgame(t *testing.T) {
	require := require.New(t)

	m := managerFixture(clock.NewMock(), newFakeView(1))
	a := core.PeerIDFixture()
	b := core.PeerIDFixture()

	got := m.ReserveBlocks(a, 1, candidates(0), syncutil.NewCounters(8), testTimeout, false)
	require.Len(got, 1)

	// The same block may not go to b, and a may not double-reserve it.
	require.Empty(m.ReserveBlocks(b, 1, candidates(0), syncutil.NewCounters(8), testTimeout, false))
	require.Empty(m.ReserveBlocks(a, 1, candidates(0), syncutil.NewCounters(8), testTimeout, false))
}

func TestReserveBlocksEndgameDuplicates(t *testing.T) {
	require := require.New(t)

	m := managerFixture(clock.NewMock(), newFakeView(1))
	counters := syncutil.NewCounters(8)

	var assigned int
	for i := 0; i < 5; i++ {
		peer := core.PeerIDFixture()
		if len(m.ReserveBlocks(peer, 1, candidates(0), counters, testTimeout, true)) > 0 {
			assigned++
		}
	}
	require.Equal(EndgameDuplicates, assigned)
}

func TestReserveBlocksRarestFirst(t *testing.T) {
	require := require.New(t)

	m := managerFixture(clock.NewMock(), newFakeView(1))
	peer := core.PeerIDFixture()

	rarity := countersFor(map[int]int{0: 5, 1: 1, 2: 3}, 8)
	blocks := m.ReserveBlocks(peer, 3, candidates(0, 1, 2), rarity, testTimeout, false)
	require.Equal([]Block{{1, 0}, {2, 0}, {0, 0}}, blocks)
}

func TestReserveBlocksPrefersPartialPiecesOnTies(t *testing.T) {
	require := require.New(t)

	view := newFakeView(2)
	view.received[Block{2, 0}] = true // Piece 2 is partially downloaded.
	m := managerFixture(clock.NewMock(), view)
	peer := core.PeerIDFixture()

	blocks := m.ReserveBlocks(peer, 1, candidates(0, 1, 2), syncutil.NewCounters(8), testTimeout, false)
	require.Equal([]Block{{2, BlockSize}}, blocks) // Partial piece first.
}

func TestExpiredRequestsSurfaceAsFailed(t *testing.T) {
	require := require.New(t)

	clk := clock.NewMock()
	m := managerFixture(clk, newFakeView(1))
	peer := core.PeerIDFixture()

	require.Len(m.ReserveBlocks(peer, 1, candidates(0), syncutil.NewCounters(8), testTimeout, false), 1)
	require.Empty(m.GetFailedRequests())

	clk.Add(testTimeout + time.Second)
	failed := m.GetFailedRequests()
	require.Len(failed, 1)
	require.Equal(StatusExpired, failed[0].Status)
	require.Equal(Block{0, 0}, failed[0].Block)

	// The expired block is reservable again by another peer.
	other := core.PeerIDFixture()
	require.Len(m.ReserveBlocks(other, 1, candidates(0), syncutil.NewCounters(8), testTimeout, false), 1)
}

func TestClearBlockReturnsAssignees(t *testing.T) {
	require := require.New(t)

	m := managerFixture(clock.NewMock(), newFakeView(1))
	counters := syncutil.NewCounters(8)

	a := core.PeerIDFixture()
	b := core.PeerIDFixture()
	require.Len(m.ReserveBlocks(a, 1, candidates(0), counters, testTimeout, true), 1)
	require.Len(m.ReserveBlocks(b, 1, candidates(0), counters, testTimeout, true), 1)

	assignees := m.ClearBlock(Block{0, 0})
	require.ElementsMatch([]core.PeerID{a, b}, assignees)
	require.Zero(m.NumPendingByPeer(a))
	require.Zero(m.NumPendingByPeer(b))
}

func TestMarkPeerRequestsUnsentFreesBlocks(t *testing.T) {
	require := require.New(t)

	m := managerFixture(clock.NewMock(), newFakeView(2))
	a := core.PeerIDFixture()
	b := core.PeerIDFixture()

	require.Len(m.ReserveBlocks(a, 2, candidates(0), syncutil.NewCounters(8), testTimeout, false), 2)
	m.MarkPeerRequestsUnsent(a)
	require.Zero(m.NumPendingByPeer(a))

	require.Len(m.ReserveBlocks(b, 2, candidates(0), syncutil.NewCounters(8), testTimeout, false), 2)
}

func TestClearPeer(t *testing.T) {
	require := require.New(t)

	m := managerFixture(clock.NewMock(), newFakeView(2))
	peer := core.PeerIDFixture()

	require.Len(m.ReserveBlocks(peer, 2, candidates(0), syncutil.NewCounters(8), testTimeout, false), 2)
	m.ClearPeer(peer)
	require.Zero(m.NumPendingByPeer(peer))
	require.Empty(m.PendingBlocks(peer))
}

func TestReceivedBlocksAreNotReservable(t *testing.T) {
	require := require.New(t)

	view := newFakeView(2)
	view.received[Block{0, 0}] = true
	m := managerFixture(clock.NewMock(), view)
	peer := core.PeerIDFixture()

	blocks := m.ReserveBlocks(peer, 4, candidates(0), syncutil.NewCounters(8), testTimeout, false)
	require.Equal([]Block{{0, BlockSize}}, blocks)
}
