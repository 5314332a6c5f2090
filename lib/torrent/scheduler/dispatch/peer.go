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
	"fmt"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/willf/bitset"
	"go.uber.org/atomic"

	"github.com/tristanperalta/riptide/core"
	"github.com/tristanperalta/riptide/lib/torrent/scheduler/dispatch/piecerequest"
)

// peerStats tallies the lifetime exchange with a peer. Persists on peer
// removal so reconnects accumulate.
type peerStats struct {
	blockRequestsSent     atomic.Int64
	blockRequestsReceived atomic.Int64
	blocksReceived        atomic.Int64
	duplicateBlocks       atomic.Int64
	blocksSent            atomic.Int64
}

// peer tracks dispatcher-side state for a single connected peer.
type peer struct {
	id       core.PeerID
	messages Messages
	clk      clock.Clock
	pstats   *peerStats

	createdAt time.Time

	mu                  sync.Mutex
	bitfield            *bitset.BitSet
	peerChoking         bool
	peerInterested      bool
	amInterested        bool
	allowedFast         map[int]bool
	rtt                 time.Duration
	rateBytesPerSec     float64
	lastBlockAt         time.Time
	consecutiveTimeouts int
}

func newPeer(
	id core.PeerID,
	b *bitset.BitSet,
	messages Messages,
	clk clock.Clock,
	pstats *peerStats) *peer {

	return &peer{
		id:          id,
		messages:    messages,
		clk:         clk,
		pstats:      pstats,
		createdAt:   clk.Now(),
		bitfield:    b.Clone(),
		peerChoking: true,
		allowedFast: make(map[int]bool),
	}
}

func (p *peer) String() string {
	return fmt.Sprintf("peer(%s)", p.id)
}

func (p *peer) hasPiece(i int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bitfield.Test(uint(i))
}

func (p *peer) setPiece(i int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bitfield.Set(uint(i))
}

func (p *peer) setAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := uint(0); i < p.bitfield.Len(); i++ {
		p.bitfield.Set(i)
	}
}

func (p *peer) bitfieldCopy() *bitset.BitSet {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bitfield.Clone()
}

func (p *peer) setChoking(choking bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.peerChoking = choking
}

func (p *peer) choking() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peerChoking
}

func (p *peer) setInterested(interested bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.peerInterested = interested
}

func (p *peer) grantAllowedFast(i int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.allowedFast[i] = true
}

func (p *peer) allowedFastSet() *bitset.BitSet {
	p.mu.Lock()
	defer p.mu.Unlock()
	b := bitset.New(p.bitfield.Len())
	for i := range p.allowedFast {
		b.Set(uint(i))
	}
	return b
}

// markInterested records that we declared interest; returns false if already
// declared.
func (p *peer) markInterested() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.amInterested {
		return false
	}
	p.amInterested = true
	return true
}

// recordBlock folds a received block into the peer's rate and rtt estimates
// and clears the timeout streak.
func (p *peer) recordBlock(n int, rtt time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clk.Now()
	if !p.lastBlockAt.IsZero() {
		if dt := now.Sub(p.lastBlockAt).Seconds(); dt > 0 {
			instant := float64(n) / dt
			p.rateBytesPerSec = 0.8*p.rateBytesPerSec + 0.2*instant
		}
	} else {
		p.rateBytesPerSec = float64(n)
	}
	p.lastBlockAt = now

	if rtt > 0 {
		if p.rtt == 0 {
			p.rtt = rtt
		} else {
			p.rtt = (7*p.rtt + rtt) / 8
		}
	}
	p.consecutiveTimeouts = 0
	p.pstats.blocksReceived.Inc()
}

// recordTimeout bumps the peer's timeout streak.
func (p *peer) recordTimeout() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consecutiveTimeouts++
}

// pipelineDepth sizes the request pipeline to the peer's bandwidth-delay
// product, collapsing to one after repeated timeouts.
func (p *peer) pipelineDepth(min, max, timeoutLimit int) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.consecutiveTimeouts >= timeoutLimit {
		return 1
	}
	depth := int(p.rateBytesPerSec * p.rtt.Seconds() / float64(piecerequest.BlockSize))
	if depth < min {
		depth = min
	}
	if depth > max {
		depth = max
	}
	return depth
}

// blockTimeout returns the per-block deadline for this peer.
func (p *peer) blockTimeout(floor time.Duration) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	if t := 2 * p.rtt; t > floor {
		return t
	}
	return floor
}
