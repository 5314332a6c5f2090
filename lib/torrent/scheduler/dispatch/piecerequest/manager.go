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

// Package piecerequest encapsulates thread-safe block request bookkeeping: at
// most one in-flight request per block outside endgame, bounded duplicates in
// endgame, and deadline tracking. It does not send or receive anything.
package piecerequest

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tristanperalta/riptide/core"
	"github.com/tristanperalta/riptide/utils/syncutil"

	"github.com/andres-erbsen/clock"
	"github.com/willf/bitset"
)

// BlockSize is the fixed transfer unit of the peer-wire protocol.
const BlockSize = 16384

// EndgameDuplicates is the number of peers a block may be outstanding on at
// once during endgame.
const EndgameDuplicates = 3

// Block identifies a block by piece index and byte offset within the piece.
type Block struct {
	Piece int
	Begin int
}

func (b Block) String() string {
	return fmt.Sprintf("block(%d, %d)", b.Piece, b.Begin)
}

// Status enumerates possible statuses of a Request.
type Status int

const (
	// StatusPending denotes a valid request which is still in-flight.
	StatusPending Status = iota

	// StatusExpired denotes an in-flight request which has timed out on our
	// end.
	StatusExpired

	// StatusUnsent denotes an unsent request that is safe to retry to the
	// same peer.
	StatusUnsent

	// StatusInvalid denotes a completed request that resulted in an invalid
	// payload.
	StatusInvalid
)

// Request represents a block request to a peer.
type Request struct {
	Block  Block
	PeerID core.PeerID
	Status Status

	sentAt  time.Time
	timeout time.Duration
}

// TorrentView supplies the manager with per-piece block layout and progress.
type TorrentView interface {
	// NumBlocks returns the number of blocks in piece i.
	NumBlocks(piece int) int

	// BlockReceived returns true if the block's bytes have already arrived.
	BlockReceived(b Block) bool

	// PiecePartial returns true if some but not all blocks of piece i have
	// arrived.
	PiecePartial(piece int) bool
}

// Manager encapsulates block request bookkeeping. It is not responsible for
// sending or receiving pieces in any way.
type Manager struct {
	sync.RWMutex

	// requests and requestsByPeer hold the same data, just indexed
	// differently.
	requests       map[Block][]*Request
	requestsByPeer map[core.PeerID]map[Block]*Request

	view   TorrentView
	clock  clock.Clock
	policy pieceSelectionPolicy
}

// NewManager creates a new Manager.
func NewManager(clk clock.Clock, view TorrentView, policy string) (*Manager, error) {
	m := &Manager{
		requests:       make(map[Block][]*Request),
		requestsByPeer: make(map[core.PeerID]map[Block]*Request),
		view:           view,
		clock:          clk,
	}
	switch policy {
	case DefaultPolicy:
		m.policy = newDefaultPolicy()
	case RarestFirstPolicy:
		m.policy = newRarestFirstPolicy()
	default:
		return nil, fmt.Errorf("invalid piece selection policy: %s", policy)
	}
	return m, nil
}

// ReserveBlocks selects up to quota blocks to request from the given peer,
// ordered by the piece selection policy. Each reserved block is marked
// pending with the given timeout. If endgame is set, blocks may be reserved
// under multiple peers, up to EndgameDuplicates.
func (m *Manager) ReserveBlocks(
	peerID core.PeerID,
	quota int,
	candidates *bitset.BitSet,
	numPeersByPiece syncutil.Counters,
	timeout time.Duration,
	endgame bool) []Block {

	m.Lock()
	defer m.Unlock()

	if quota <= 0 {
		return nil
	}

	pieceValid := func(i int) bool {
		for bi := 0; bi < m.view.NumBlocks(i); bi++ {
			b := Block{Piece: i, Begin: bi * BlockSize}
			if m.validRequest(peerID, b, endgame) {
				return true
			}
		}
		return false
	}
	pieces, err := m.policy.selectPieces(
		quota, pieceValid, candidates, numPeersByPiece, m.view.PiecePartial)
	if err != nil {
		return nil
	}

	var blocks []Block
	for _, i := range pieces {
		for bi := 0; bi < m.view.NumBlocks(i) && len(blocks) < quota; bi++ {
			b := Block{Piece: i, Begin: bi * BlockSize}
			if !m.validRequest(peerID, b, endgame) {
				continue
			}
			r := &Request{
				Block:   b,
				PeerID:  peerID,
				Status:  StatusPending,
				sentAt:  m.clock.Now(),
				timeout: timeout,
			}
			m.requests[b] = append(m.requests[b], r)
			if _, ok := m.requestsByPeer[peerID]; !ok {
				m.requestsByPeer[peerID] = make(map[Block]*Request)
			}
			m.requestsByPeer[peerID][b] = r
			blocks = append(blocks, b)
		}
		if len(blocks) >= quota {
			break
		}
	}
	return blocks
}

// MarkUnsent marks the block request for b under peerID as unsent.
func (m *Manager) MarkUnsent(peerID core.PeerID, b Block) {
	m.markStatus(peerID, b, StatusUnsent)
}

// MarkInvalid marks the block request for b under peerID as invalid.
func (m *Manager) MarkInvalid(peerID core.PeerID, b Block) {
	m.markStatus(peerID, b, StatusInvalid)
}

// MarkPeerRequestsUnsent marks all pending requests under peerID as unsent.
// Used when the peer chokes us: its pipeline is void, but the blocks are fair
// game for anyone, including the same peer after an unchoke.
func (m *Manager) MarkPeerRequestsUnsent(peerID core.PeerID) {
	m.Lock()
	defer m.Unlock()

	for _, r := range m.requestsByPeer[peerID] {
		if r.Status == StatusPending {
			r.Status = StatusUnsent
		}
	}
}

// Clear deletes all requests for any block of piece i. Should be used for
// freeing up unneeded request bookkeeping once a piece completes.
func (m *Manager) Clear(piece int) {
	m.Lock()
	defer m.Unlock()

	for b := range m.requests {
		if b.Piece == piece {
			delete(m.requests, b)
		}
	}
	for peerID, pm := range m.requestsByPeer {
		for b := range pm {
			if b.Piece == piece {
				delete(pm, b)
			}
		}
		if len(pm) == 0 {
			delete(m.requestsByPeer, peerID)
		}
	}
}

// ClearBlock deletes all requests for b, returning the peers the block was
// pending on. Used on block arrival to cancel endgame duplicates.
func (m *Manager) ClearBlock(b Block) []core.PeerID {
	m.Lock()
	defer m.Unlock()

	var assignees []core.PeerID
	for _, r := range m.requests[b] {
		if r.Status == StatusPending {
			assignees = append(assignees, r.PeerID)
		}
	}
	delete(m.requests, b)
	for peerID, pm := range m.requestsByPeer {
		delete(pm, b)
		if len(pm) == 0 {
			delete(m.requestsByPeer, peerID)
		}
	}
	return assignees
}

// PendingSince returns when the pending request for b under peerID was sent.
func (m *Manager) PendingSince(peerID core.PeerID, b Block) (time.Time, bool) {
	m.RLock()
	defer m.RUnlock()

	r, ok := m.requestsByPeer[peerID][b]
	if !ok || r.Status != StatusPending {
		return time.Time{}, false
	}
	return r.sentAt, true
}

// Discard removes the request record for b under peerID, making the block
// immediately reservable again. Used after a failed request has been handled,
// so failure sweeps do not reprocess it.
func (m *Manager) Discard(peerID core.PeerID, b Block) {
	m.Lock()
	defer m.Unlock()

	if pm, ok := m.requestsByPeer[peerID]; ok {
		delete(pm, b)
		if len(pm) == 0 {
			delete(m.requestsByPeer, peerID)
		}
	}
	rs := m.requests[b]
	for j, r := range rs {
		if r.PeerID == peerID {
			rs[j] = rs[len(rs)-1]
			m.requests[b] = rs[:len(rs)-1]
			break
		}
	}
	if len(m.requests[b]) == 0 {
		delete(m.requests, b)
	}
}

// ClearPeer deletes all block requests for peerID.
func (m *Manager) ClearPeer(peerID core.PeerID) {
	m.Lock()
	defer m.Unlock()

	delete(m.requestsByPeer, peerID)

	for b, rs := range m.requests {
		for j, r := range rs {
			if r.PeerID == peerID {
				rs[j] = rs[len(rs)-1]
				m.requests[b] = rs[:len(rs)-1]
				break
			}
		}
		if len(m.requests[b]) == 0 {
			delete(m.requests, b)
		}
	}
}

// NumPendingByPeer returns the number of in-flight requests under peerID.
func (m *Manager) NumPendingByPeer(peerID core.PeerID) int {
	m.RLock()
	defer m.RUnlock()

	var n int
	for _, r := range m.requestsByPeer[peerID] {
		if r.Status == StatusPending && !m.expired(r) {
			n++
		}
	}
	return n
}

// PendingBlocks returns the blocks of all pending requests to peerID in
// sorted order. Intended primarily for testing purposes.
func (m *Manager) PendingBlocks(peerID core.PeerID) []Block {
	m.RLock()
	defer m.RUnlock()

	var blocks []Block
	for b, r := range m.requestsByPeer[peerID] {
		if r.Status == StatusPending {
			blocks = append(blocks, b)
		}
	}
	sort.Slice(blocks, func(i, j int) bool {
		if blocks[i].Piece != blocks[j].Piece {
			return blocks[i].Piece < blocks[j].Piece
		}
		return blocks[i].Begin < blocks[j].Begin
	})
	return blocks
}

// GetFailedRequests returns a copy of all failed block requests. Pending
// requests past their deadline are reported as expired in the copy; the
// stored requests are left unchanged.
func (m *Manager) GetFailedRequests() []Request {
	m.RLock()
	defer m.RUnlock()

	var failed []Request
	for _, rs := range m.requests {
		for _, r := range rs {
			status := r.Status
			if status == StatusPending && m.expired(r) {
				status = StatusExpired
			}
			if status != StatusPending {
				failed = append(failed, Request{
					Block:  r.Block,
					PeerID: r.PeerID,
					Status: status,
				})
			}
		}
	}
	return failed
}

func (m *Manager) validRequest(peerID core.PeerID, b Block, endgame bool) bool {
	if m.view.BlockReceived(b) {
		return false
	}
	var pending int
	for _, r := range m.requests[b] {
		if r.Status == StatusPending && !m.expired(r) {
			if r.PeerID == peerID {
				return false
			}
			pending++
		}
	}
	if pending == 0 {
		return true
	}
	return endgame && pending < EndgameDuplicates
}

func (m *Manager) expired(r *Request) bool {
	expiresAt := r.sentAt.Add(r.timeout)
	return m.clock.Now().After(expiresAt)
}

func (m *Manager) markStatus(peerID core.PeerID, b Block, s Status) {
	m.Lock()
	defer m.Unlock()

	for _, r := range m.requests[b] {
		if r.PeerID == peerID {
			r.Status = s
		}
	}
}
