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

// Package peerpool manages the set of known peers for a torrent: discovery
// dedup, rank-ordered connection candidacy, the active connection budget,
// retry backoff and bans, and the shutdown sweep.
package peerpool

import (
	"errors"
	"time"

	"sync"

	"github.com/andres-erbsen/clock"
	"github.com/cenkalti/backoff"
	"github.com/uber-go/tally"
	"github.com/willf/bitset"
	"go.uber.org/zap"

	"github.com/tristanperalta/riptide/core"
	"github.com/tristanperalta/riptide/lib/torrent/scheduler/conn"
	"github.com/tristanperalta/riptide/utils/heap"
)

// ErrPoolClosed is returned by mutating operations after shutdown began.
var ErrPoolClosed = errors.New("peer pool is shutting down")

// State tracks a known peer through its lifecycle.
type State int

// Peer states.
const (
	StateDiscovered State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateBanned
)

func (s State) String() string {
	switch s {
	case StateDiscovered:
		return "DISCOVERED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateDisconnected:
		return "DISCONNECTED"
	case StateBanned:
		return "BANNED"
	default:
		return "UNKNOWN"
	}
}

// Connector establishes a connection to a peer endpoint. Implemented by the
// scheduler on top of the handshaker.
type Connector func(core.Endpoint) (*conn.HandshakeResult, error)

// Events defines Pool events. All callbacks fire off the pool's lock.
type Events interface {
	// PeerConnected fires when an outgoing or incoming connection becomes
	// established.
	PeerConnected(*conn.Conn, *bitset.BitSet)

	// PeerDisconnected fires when an established connection closes outside
	// shutdown.
	PeerDisconnected(core.Endpoint, core.PeerID)
}

// entry is the pool's record of one known peer. Identity is the endpoint.
type entry struct {
	info  *core.PeerInfo
	state State

	failCount int
	hashFails int
	prevDown  int64
	prevUp    int64
	seed      bool

	lastConnected time.Time
	nextRetry     time.Time
	retryBackoff  *backoff.ExponentialBackOff

	// conn is non-nil while connected. During shutdown, close callbacks leave
	// it in place so Free can sweep every connection exactly once.
	conn *conn.Conn
}

// Pool manages the peer set for one torrent.
type Pool struct {
	config  Config
	stats   tally.Scope
	clk     clock.Clock
	connect Connector
	events  Events
	logger  *zap.SugaredLogger

	mu           sync.Mutex
	peers        map[core.Endpoint]*entry
	byPeerID     map[core.PeerID]core.Endpoint
	numActive    int // Connecting + connected.
	shuttingDown bool
	connsFreed   int

	wg sync.WaitGroup // Outstanding connect attempts.
}

// New creates a new Pool.
func New(
	config Config,
	stats tally.Scope,
	clk clock.Clock,
	connect Connector,
	events Events,
	logger *zap.SugaredLogger) *Pool {

	config = config.applyDefaults()

	stats = stats.Tagged(map[string]string{
		"module": "peerpool",
	})

	return &Pool{
		config:   config,
		stats:    stats,
		clk:      clk,
		connect:  connect,
		events:   events,
		logger:   logger,
		peers:    make(map[core.Endpoint]*entry),
		byPeerID: make(map[core.PeerID]core.Endpoint),
	}
}

// AddPeer registers a discovered peer. Duplicate endpoints fold into the
// existing record. When the list is full, the lowest-ranked peer without a
// connection is evicted to make room. Returns false for a duplicate, after
// shutdown began, or when every listed peer is connecting or connected — a
// benign condition, the peer is simply skipped.
func (p *Pool) AddPeer(info *core.PeerInfo) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addPeerLocked(info)
}

// AddPeers registers a batch of discovered peers, deduping by endpoint.
// Returns the number actually added.
func (p *Pool) AddPeers(infos []*core.PeerInfo) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	var added int
	for _, info := range infos {
		if p.addPeerLocked(info) {
			added++
		}
	}
	return added
}

func (p *Pool) addPeerLocked(info *core.PeerInfo) bool {
	if p.shuttingDown {
		return false
	}
	if e, ok := p.peers[info.Endpoint]; ok {
		e.info.Source |= info.Source
		if info.Complete {
			e.seed = true
		}
		return false
	}
	if len(p.peers) >= p.config.MaxPeerListSize {
		if !p.evictLowestRankLocked() {
			p.stats.Counter("peerlist_overflow").Inc(1)
			return false
		}
	}
	e := &entry{info: info, state: StateDiscovered, seed: info.Complete}
	p.peers[info.Endpoint] = e
	return true
}

// evictLowestRankLocked removes the lowest-ranked peer which holds no
// connection. Returns false if every peer is connecting or connected.
func (p *Pool) evictLowestRankLocked() bool {
	var victim *entry
	var victimRank int
	for _, e := range p.peers {
		if e.state == StateConnecting || e.state == StateConnected {
			continue
		}
		r := rank(e)
		if victim == nil || r < victimRank {
			victim, victimRank = e, r
		}
	}
	if victim == nil {
		return false
	}
	delete(p.peers, victim.info.Endpoint)
	return true
}

// ConnectToPeers fills the active connection budget from the highest-ranked
// eligible candidates.
func (p *Pool) ConnectToPeers() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connectToPeersLocked()
}

func (p *Pool) connectToPeersLocked() {
	if p.shuttingDown {
		return
	}

	now := p.clk.Now()
	pq := heap.NewPriorityQueue()
	for _, e := range p.peers {
		if e.state != StateDiscovered && e.state != StateDisconnected {
			continue
		}
		if now.Before(e.nextRetry) {
			continue
		}
		// The queue pops lowest priority first.
		pq.Push(&heap.Item{Value: e, Priority: -rank(e)})
	}

	for p.numActive < p.config.MaxActiveConnections {
		item, err := pq.Pop()
		if err != nil {
			return
		}
		e := item.Value.(*entry)
		e.state = StateConnecting
		p.numActive++
		p.wg.Add(1)
		go p.dial(e.info.Endpoint)
	}
}

// dial runs one outgoing connection attempt.
func (p *Pool) dial(endpoint core.Endpoint) {
	defer p.wg.Done()

	r, err := p.connect(endpoint)

	p.mu.Lock()
	e, ok := p.peers[endpoint]
	if !ok {
		p.mu.Unlock()
		if err == nil {
			r.Conn.Close()
		}
		return
	}
	if err != nil {
		p.numActive--
		e.failCount++
		if e.failCount >= p.config.MaxFailCount {
			e.state = StateBanned
			p.stats.Counter("peers_banned").Inc(1)
		} else {
			e.state = StateDisconnected
			e.nextRetry = p.clk.Now().Add(p.nextBackoff(e))
		}
		p.connectToPeersLocked()
		p.mu.Unlock()
		p.log("peer", endpoint).Infof("Error connecting to peer: %s", err)
		return
	}

	if p.shuttingDown {
		p.numActive--
		p.mu.Unlock()
		r.Conn.Close()
		return
	}
	e.state = StateConnected
	e.conn = r.Conn
	e.failCount = 0
	e.retryBackoff = nil
	e.lastConnected = p.clk.Now()
	e.info.PeerID = r.Conn.PeerID()
	p.byPeerID[r.Conn.PeerID()] = endpoint
	p.mu.Unlock()

	p.stats.Counter("peers_connected").Inc(1)
	p.events.PeerConnected(r.Conn, r.Bitfield)
}

func (p *Pool) nextBackoff(e *entry) time.Duration {
	if e.retryBackoff == nil {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = p.config.RetryBackoffInitial
		b.MaxInterval = p.config.RetryBackoffMax
		b.MaxElapsedTime = 0
		b.Reset()
		e.retryBackoff = b
	}
	return e.retryBackoff.NextBackOff()
}

// AddIncomingConn registers an established connection opened by a remote
// peer. Fails when the active budget is exhausted.
func (p *Pool) AddIncomingConn(c *conn.Conn, b *bitset.BitSet) error {
	p.mu.Lock()
	if p.shuttingDown {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	if p.numActive >= p.config.MaxActiveConnections {
		p.mu.Unlock()
		return errors.New("active connection budget exhausted")
	}
	endpoint := c.Endpoint()
	e, ok := p.peers[endpoint]
	if !ok {
		e = &entry{
			info:  core.NewPeerInfo(endpoint, core.SourceIncoming, false),
			state: StateDiscovered,
		}
		if len(p.peers) >= p.config.MaxPeerListSize && !p.evictLowestRankLocked() {
			p.mu.Unlock()
			return errors.New("peer list full")
		}
		p.peers[endpoint] = e
	}
	if e.state == StateConnected {
		p.mu.Unlock()
		return errors.New("endpoint already connected")
	}
	e.state = StateConnected
	e.conn = c
	e.lastConnected = p.clk.Now()
	e.info.PeerID = c.PeerID()
	e.info.Source |= core.SourceIncoming
	p.byPeerID[c.PeerID()] = endpoint
	p.numActive++
	p.mu.Unlock()

	p.events.PeerConnected(c, b)
	return nil
}

// HandleConnClosed is the close callback for pool-owned connections. At
// runtime it releases the slot and refills from the candidate heap. During shutdown it must NOT clear the entry's connection:
// the terminal Free sweep accounts for every connection in one pass, and
// clearing here would make that sweep miss it.
func (p *Pool) HandleConnClosed(c *conn.Conn) {
	p.mu.Lock()
	e, ok := p.peers[c.Endpoint()]
	if !ok || e.conn != c {
		p.mu.Unlock()
		return
	}

	if p.shuttingDown {
		e.state = StateDisconnected
		p.mu.Unlock()
		return
	}

	e.conn = nil
	e.state = StateDisconnected
	e.lastConnected = p.clk.Now()
	p.numActive--
	p.connsFreed++
	p.connectToPeersLocked()
	p.mu.Unlock()

	p.stats.Counter("peers_disconnected").Inc(1)
	p.events.PeerDisconnected(c.Endpoint(), c.PeerID())
}

// MarkHashFailure debits the peer which sent a corrupt piece.
func (p *Pool) MarkHashFailure(peerID core.PeerID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	endpoint, ok := p.byPeerID[peerID]
	if !ok {
		return
	}
	if e, ok := p.peers[endpoint]; ok {
		e.hashFails++
	}
}

// RecordTransfer folds transfer totals into the peer's ranking inputs.
func (p *Pool) RecordTransfer(peerID core.PeerID, down, up int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	endpoint, ok := p.byPeerID[peerID]
	if !ok {
		return
	}
	if e, ok := p.peers[endpoint]; ok {
		e.prevDown += down
		e.prevUp += up
	}
}

// DisconnectPeer closes the connection to the given endpoint, if any.
func (p *Pool) DisconnectPeer(endpoint core.Endpoint) {
	p.mu.Lock()
	e, ok := p.peers[endpoint]
	var c *conn.Conn
	if ok {
		c = e.conn
	}
	p.mu.Unlock()

	if c != nil {
		c.Close()
	}
}

// DisconnectAllGracefully begins shutdown: no new peers, no new dials, and a
// graceful close on every established connection. Connection pointers remain
// set; Free performs the single terminal sweep.
func (p *Pool) DisconnectAllGracefully() {
	p.mu.Lock()
	p.shuttingDown = true
	var conns []*conn.Conn
	for _, e := range p.peers {
		if e.conn != nil {
			conns = append(conns, e.conn)
		}
	}
	p.mu.Unlock()

	for _, c := range conns {
		c.GracefulClose()
	}
}

// Drain blocks until outstanding connect attempts settle. Called between
// DisconnectAllGracefully and Free.
func (p *Pool) Drain() {
	p.wg.Wait()
}

// Free sweeps every still-held connection pointer. Must only be called after
// DisconnectAllGracefully and after the close callbacks have run. Returns the
// number of connections freed by the sweep.
func (p *Pool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	var swept int
	for _, e := range p.peers {
		if e.conn != nil {
			e.conn = nil
			p.connsFreed++
			swept++
		}
	}
	p.numActive = 0
	p.peers = make(map[core.Endpoint]*entry)
	p.byPeerID = make(map[core.PeerID]core.Endpoint)
	return swept
}

// ConnsFreed returns the number of connection records released, inline at
// runtime plus swept at shutdown. Debug accounting for leak tests.
func (p *Pool) ConnsFreed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connsFreed
}

// NumPeers returns the number of known peers.
func (p *Pool) NumPeers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.peers)
}

// NumActive returns the number of connecting plus connected peers.
func (p *Pool) NumActive() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.numActive
}

// PeerState returns the state of the given endpoint.
func (p *Pool) PeerState(endpoint core.Endpoint) (State, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.peers[endpoint]
	if !ok {
		return 0, false
	}
	return e.state, true
}

func (p *Pool) log(args ...interface{}) *zap.SugaredLogger {
	return p.logger.With(args...)
}
