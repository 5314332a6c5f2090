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

// Package dispatch coordinates torrent state with sending / receiving
// messages between multiple peers: block scheduling, piece assembly, endgame,
// and upload serving. Dispatcher and torrent have a one-to-one relationship,
// while Dispatcher and connection have a one-to-many relationship.
package dispatch

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"github.com/willf/bitset"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/syncmap"

	"github.com/tristanperalta/riptide/core"
	"github.com/tristanperalta/riptide/lib/torrent/scheduler/dispatch/piecerequest"
	"github.com/tristanperalta/riptide/lib/torrent/storage"
	"github.com/tristanperalta/riptide/lib/torrent/storage/piecereader"
	"github.com/tristanperalta/riptide/lib/torrent/wire"
	"github.com/tristanperalta/riptide/utils/syncutil"
)

var errPeerAlreadyDispatched = errors.New("peer is already dispatched for the torrent")

// Events defines Dispatcher events.
type Events interface {
	DispatcherComplete(*Dispatcher)
	PeerRemoved(core.PeerID, core.InfoHash)
	PieceCompleted(core.InfoHash, int, int64)
	PieceHashFailed(core.InfoHash, int, []core.PeerID)
	FatalError(core.InfoHash, error)

	// PeerTransfer reports bytes downloaded from / uploaded to a peer, so the
	// peer pool can fold transfer totals into its ranking.
	PeerTransfer(peerID core.PeerID, down, up int64)
}

// Messages defines the subset of connection methods which Dispatcher requires
// to communicate with remote peers.
type Messages interface {
	Send(*wire.Message) error
	SendChoke() error
	SendUnchoke() error
	SendInterested() error
	SendNotInterested() error
	SendHave(piece int) error
	SendRequest(piece int, begin, length uint32) error
	SendCancel(piece int, begin, length uint32) error
	SendPiece(piece int, begin uint32, block []byte) error
	SendAllowedFast(piece int) error
	Receiver() <-chan *wire.Message
	Close()
}

// assembly accumulates the blocks of one in-progress piece.
type assembly struct {
	buf          []byte
	received     *bitset.BitSet
	numReceived  int
	numBlocks    int
	contributors map[core.PeerID]bool
}

func newAssembly(pieceLength int64) *assembly {
	numBlocks := int((pieceLength + piecerequest.BlockSize - 1) / piecerequest.BlockSize)
	return &assembly{
		buf:          make([]byte, pieceLength),
		received:     bitset.New(uint(numBlocks)),
		numBlocks:    numBlocks,
		contributors: make(map[core.PeerID]bool),
	}
}

func (a *assembly) complete() bool {
	return a.numReceived == a.numBlocks
}

// Dispatcher coordinates block scheduling and piece assembly for one torrent
// across its peer connections.
type Dispatcher struct {
	config      Config
	stats       tally.Scope
	clk         clock.Clock
	createdAt   time.Time
	localPeerID core.PeerID
	torrent     storage.Torrent

	peers     syncmap.Map // core.PeerID -> *peer
	peerStats syncmap.Map // core.PeerID -> *peerStats, persists on peer removal.

	numPeersByPiece syncutil.Counters
	requestManager  *piecerequest.Manager

	mu         sync.Mutex // Protects assemblies.
	assemblies map[int]*assembly

	pendingPiecesDoneOnce sync.Once
	pendingPiecesDone     chan struct{}
	completeOnce          sync.Once
	paused                atomic.Bool

	events Events
	logger *zap.SugaredLogger
}

// New creates a new Dispatcher.
func New(
	config Config,
	stats tally.Scope,
	clk clock.Clock,
	events Events,
	peerID core.PeerID,
	t storage.Torrent,
	logger *zap.SugaredLogger) (*Dispatcher, error) {

	d, err := newDispatcher(config, stats, clk, events, peerID, t, logger)
	if err != nil {
		return nil, err
	}

	// Exits when d.pendingPiecesDone is closed.
	go d.watchPendingBlockRequests()

	if t.Complete() {
		d.complete()
	}
	return d, nil
}

// newDispatcher creates a new Dispatcher with no side-effects for testing
// purposes.
func newDispatcher(
	config Config,
	stats tally.Scope,
	clk clock.Clock,
	events Events,
	peerID core.PeerID,
	t storage.Torrent,
	logger *zap.SugaredLogger) (*Dispatcher, error) {

	config = config.applyDefaults()

	stats = stats.Tagged(map[string]string{
		"module": "dispatch",
	})

	d := &Dispatcher{
		config:            config,
		stats:             stats,
		clk:               clk,
		createdAt:         clk.Now(),
		localPeerID:       peerID,
		torrent:           t,
		numPeersByPiece:   syncutil.NewCounters(t.NumPieces()),
		assemblies:        make(map[int]*assembly),
		pendingPiecesDone: make(chan struct{}),
		events:            events,
		logger:            logger,
	}

	rm, err := piecerequest.NewManager(clk, (*torrentView)(d), config.PieceRequestPolicy)
	if err != nil {
		return nil, fmt.Errorf("piece request manager: %s", err)
	}
	d.requestManager = rm
	return d, nil
}

// torrentView adapts Dispatcher state to the request manager's TorrentView.
type torrentView Dispatcher

func (v *torrentView) NumBlocks(piece int) int {
	d := (*Dispatcher)(v)
	return int((d.torrent.PieceLength(piece) + piecerequest.BlockSize - 1) / piecerequest.BlockSize)
}

func (v *torrentView) BlockReceived(b piecerequest.Block) bool {
	d := (*Dispatcher)(v)
	if d.torrent.HasPiece(b.Piece) {
		return true
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.assemblies[b.Piece]
	return ok && a.received.Test(uint(b.Begin/piecerequest.BlockSize))
}

func (v *torrentView) PiecePartial(piece int) bool {
	d := (*Dispatcher)(v)
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.assemblies[piece]
	return ok && a.numReceived > 0 && !a.complete()
}

// InfoHash returns d's torrent hash.
func (d *Dispatcher) InfoHash() core.InfoHash {
	return d.torrent.InfoHash()
}

// Name returns d's torrent name.
func (d *Dispatcher) Name() string {
	return d.torrent.Name()
}

// Length returns d's torrent length.
func (d *Dispatcher) Length() int64 {
	return d.torrent.Length()
}

// Stat returns d's TorrentInfo.
func (d *Dispatcher) Stat() *storage.TorrentInfo {
	return d.torrent.Stat()
}

// Complete returns true if d's torrent is complete.
func (d *Dispatcher) Complete() bool {
	return d.torrent.Complete()
}

// CreatedAt returns when d was created.
func (d *Dispatcher) CreatedAt() time.Time {
	return d.createdAt
}

// BytesDownloaded returns the bytes downloaded so far.
func (d *Dispatcher) BytesDownloaded() int64 {
	return d.torrent.BytesDownloaded()
}

// BytesUploaded returns an estimate of bytes served to peers.
func (d *Dispatcher) BytesUploaded() int64 {
	var blocks int64
	d.peerStats.Range(func(k, v interface{}) bool {
		blocks += v.(*peerStats).blocksSent.Load()
		return true
	})
	return blocks * piecerequest.BlockSize
}

// Empty returns true if the Dispatcher has no peers.
func (d *Dispatcher) Empty() bool {
	empty := true
	d.peers.Range(func(k, v interface{}) bool {
		empty = false
		return false
	})
	return empty
}

// NumPeers returns the number of connected peers.
func (d *Dispatcher) NumPeers() int {
	var n int
	d.peers.Range(func(k, v interface{}) bool {
		n++
		return true
	})
	return n
}

// AddPeer registers a new peer with the Dispatcher and starts feeding from
// its connection.
func (d *Dispatcher) AddPeer(
	peerID core.PeerID, b *bitset.BitSet, messages Messages) error {

	p, err := d.addPeer(peerID, b, messages)
	if err != nil {
		return err
	}
	go d.maybeRequestMoreBlocks(p)
	go d.feed(p)
	return nil
}

// addPeer creates and inserts a new peer into the Dispatcher. Split from
// AddPeer with no goroutine side-effects for testing purposes.
func (d *Dispatcher) addPeer(
	peerID core.PeerID, b *bitset.BitSet, messages Messages) (*peer, error) {

	pstats := &peerStats{}
	if s, ok := d.peerStats.LoadOrStore(peerID, pstats); ok {
		pstats = s.(*peerStats)
	}

	p := newPeer(peerID, b, messages, d.clk, pstats)
	if _, ok := d.peers.LoadOrStore(peerID, p); ok {
		return nil, errPeerAlreadyDispatched
	}
	for i, ok := b.NextSet(0); ok; i, ok = b.NextSet(i + 1) {
		d.numPeersByPiece.Increment(int(i))
	}
	return p, nil
}

func (d *Dispatcher) removePeer(p *peer) {
	d.peers.Delete(p.id)
	d.requestManager.ClearPeer(p.id)

	b := p.bitfieldCopy()
	for i, ok := b.NextSet(0); ok; i, ok = b.NextSet(i + 1) {
		d.numPeersByPiece.Decrement(int(i))
	}
}

// TearDown closes all Dispatcher connections.
func (d *Dispatcher) TearDown() {
	d.pendingPiecesDoneOnce.Do(func() {
		close(d.pendingPiecesDone)
	})
	d.peers.Range(func(k, v interface{}) bool {
		p := v.(*peer)
		d.log("peer", p).Info("Dispatcher teardown closing connection")
		p.messages.Close()
		return true
	})
}

func (d *Dispatcher) String() string {
	return fmt.Sprintf("Dispatcher(%s)", d.torrent)
}

func (d *Dispatcher) complete() {
	d.completeOnce.Do(func() { go d.events.DispatcherComplete(d) })
	d.pendingPiecesDoneOnce.Do(func() { close(d.pendingPiecesDone) })

	d.peers.Range(func(k, v interface{}) bool {
		p := v.(*peer)
		if int(p.bitfieldCopy().Count()) == d.torrent.NumPieces() {
			// Neither side needs anything: the connection is useless now.
			d.log("peer", p).Info("Closing connection to completed peer")
			p.messages.Close()
		} else {
			p.messages.SendNotInterested()
		}
		return true
	})
}

// pipelineSum is the total in-flight budget across peers, used for the
// endgame threshold.
func (d *Dispatcher) pipelineSum() int {
	var sum int
	d.peers.Range(func(k, v interface{}) bool {
		p := v.(*peer)
		sum += p.pipelineDepth(
			d.config.PipelineMin, d.config.PipelineMax, d.config.ConsecutiveTimeoutsToThrottle)
		return true
	})
	return sum
}

func (d *Dispatcher) remainingBlocks() int {
	var remaining int
	for _, i := range d.torrent.MissingPieces() {
		n := (*torrentView)(d).NumBlocks(i)
		d.mu.Lock()
		if a, ok := d.assemblies[i]; ok {
			n -= a.numReceived
		}
		d.mu.Unlock()
		remaining += n
	}
	return remaining
}

func (d *Dispatcher) endgame() bool {
	if d.config.DisableEndgame {
		return false
	}
	threshold := d.pipelineSum()
	if threshold < d.config.EndgameMinThreshold {
		threshold = d.config.EndgameMinThreshold
	}
	return d.remainingBlocks() <= threshold
}

// SetPaused inhibits new block requests while leaving connections open.
// Resuming refills every peer's pipeline.
func (d *Dispatcher) SetPaused(paused bool) {
	d.paused.Store(paused)
	if !paused {
		d.peers.Range(func(k, v interface{}) bool {
			d.maybeRequestMoreBlocks(v.(*peer))
			return true
		})
	}
}

// maybeRequestMoreBlocks fills p's pipeline from the pickable pool.
func (d *Dispatcher) maybeRequestMoreBlocks(p *peer) {
	if d.paused.Load() {
		return
	}
	var candidates *bitset.BitSet
	missing := d.torrent.Bitfield().Complement()
	if p.choking() {
		// Only allowed-fast pieces may be requested while choked.
		candidates = p.allowedFastSet().Intersection(p.bitfieldCopy()).Intersection(missing)
	} else {
		candidates = p.bitfieldCopy().Intersection(missing)
	}

	if p.bitfieldCopy().Intersection(missing).Count() > 0 && p.markInterested() {
		p.messages.SendInterested()
	}
	if p.choking() && candidates.Count() == 0 {
		return
	}

	quota := p.pipelineDepth(
		d.config.PipelineMin, d.config.PipelineMax, d.config.ConsecutiveTimeoutsToThrottle) -
		d.requestManager.NumPendingByPeer(p.id)
	blocks := d.requestManager.ReserveBlocks(
		p.id, quota, candidates, d.numPeersByPiece,
		p.blockTimeout(d.config.PieceRequestMinTimeout), d.endgame())

	for _, b := range blocks {
		if err := p.messages.SendRequest(b.Piece, uint32(b.Begin), d.blockLength(b)); err != nil {
			// Connection closed.
			d.requestManager.MarkUnsent(p.id, b)
			return
		}
		p.pstats.blockRequestsSent.Inc()
	}
}

func (d *Dispatcher) blockLength(b piecerequest.Block) uint32 {
	n := d.torrent.PieceLength(b.Piece) - int64(b.Begin)
	if n > piecerequest.BlockSize {
		n = piecerequest.BlockSize
	}
	return uint32(n)
}

// resendFailedBlockRequests handles expired, rejected, and invalid requests:
// cancels expired in-flight blocks, throttles timing-out peers, and reissues
// the blocks elsewhere.
func (d *Dispatcher) resendFailedBlockRequests() {
	failed := d.requestManager.GetFailedRequests()
	if len(failed) > 0 {
		d.stats.Counter("block_request_failures").Inc(int64(len(failed)))
	}

	for _, r := range failed {
		if r.Status == piecerequest.StatusExpired {
			if v, ok := d.peers.Load(r.PeerID); ok {
				p := v.(*peer)
				p.recordTimeout()
				p.messages.SendCancel(r.Block.Piece, uint32(r.Block.Begin), d.blockLength(r.Block))
			}
		}
		d.requestManager.Discard(r.PeerID, r.Block)
	}

	if len(failed) > 0 {
		d.peers.Range(func(k, v interface{}) bool {
			d.maybeRequestMoreBlocks(v.(*peer))
			return true
		})
	}
}

func (d *Dispatcher) watchPendingBlockRequests() {
	for {
		select {
		case <-d.clk.After(d.config.PieceRequestMinTimeout / 2):
			d.resendFailedBlockRequests()
		case <-d.pendingPiecesDone:
			return
		}
	}
}

// feed reads off of peer and handles incoming messages. When the peer's
// messages close, the feed goroutine removes the peer from the Dispatcher and
// exits.
func (d *Dispatcher) feed(p *peer) {
	for msg := range p.messages.Receiver() {
		if err := d.dispatch(p, msg); err != nil {
			d.log("peer", p).Errorf("Error dispatching message: %s", err)
		}
	}
	d.removePeer(p)
	d.events.PeerRemoved(p.id, d.torrent.InfoHash())
}

func (d *Dispatcher) dispatch(p *peer, msg *wire.Message) error {
	switch msg.ID {
	case wire.MsgChoke:
		p.setChoking(true)
		d.requestManager.MarkPeerRequestsUnsent(p.id)
	case wire.MsgUnchoke:
		p.setChoking(false)
		d.maybeRequestMoreBlocks(p)
	case wire.MsgInterested:
		p.setInterested(true)
		d.unchoke(p)
	case wire.MsgNotInterested:
		p.setInterested(false)
	case wire.MsgHave:
		d.handleHave(p, int(msg.Index))
	case wire.MsgRequest:
		d.handleBlockRequest(p, msg)
	case wire.MsgPiece:
		d.handleBlockPayload(p, msg)
	case wire.MsgCancel:
		// All received messages are processed synchronously, so by the time a
		// cancel arrives the piece has already been read and sent.
	case wire.MsgRejectRequest:
		d.handleRejectRequest(p, msg)
	case wire.MsgAllowedFast:
		p.grantAllowedFast(int(msg.Index))
		d.maybeRequestMoreBlocks(p)
	case wire.MsgSuggestPiece:
		// Treated as advisory; rarest-first already orders the pick.
	case wire.MsgPort:
		// DHT is an external collaborator; the session surfaces it.
	case wire.MsgExtended:
		// Extension messages beyond the handshake (PEX etc) are handled by
		// discovery collaborators.
	case wire.MsgHashRequest:
		d.handleHashRequest(p, msg)
	case wire.MsgHashes, wire.MsgHashReject:
		// We verify against metainfo piece layers and never request hashes.
	default:
		return fmt.Errorf("unknown message type: %s", msg.ID)
	}
	return nil
}

// unchoke reciprocates interest. Allowed-fast grants precede the unchoke so
// the peer can pipeline immediately.
func (d *Dispatcher) unchoke(p *peer) {
	bf := d.torrent.Bitfield()
	var granted int
	for i, ok := bf.NextSet(0); ok && granted < 8; i, ok = bf.NextSet(i + 1) {
		if err := p.messages.SendAllowedFast(int(i)); err != nil {
			break
		}
		granted++
	}
	p.messages.SendUnchoke()
}

func (d *Dispatcher) handleHave(p *peer, i int) {
	if i >= d.torrent.NumPieces() {
		d.log("peer", p).Errorf("Have piece %d out of bounds", i)
		return
	}
	if !p.hasPiece(i) {
		p.setPiece(i)
		d.numPeersByPiece.Increment(i)
	}
	d.maybeRequestMoreBlocks(p)
}

func (d *Dispatcher) handleBlockRequest(p *peer, msg *wire.Message) {
	i := int(msg.Index)
	p.pstats.blockRequestsReceived.Inc()

	reject := func() {
		p.messages.Send(wire.NewRejectRequestMessage(i, msg.Begin, msg.Length))
	}
	if i >= d.torrent.NumPieces() || !d.torrent.HasPiece(i) {
		reject()
		return
	}
	pieceLen := d.torrent.PieceLength(i)
	if int64(msg.Begin)+int64(msg.Length) > pieceLen || msg.Length > piecerequest.BlockSize {
		reject()
		return
	}

	r, err := d.torrent.GetPieceReader(i)
	if err != nil {
		d.log("peer", p, "piece", i).Errorf("Error getting reader for requested piece: %s", err)
		reject()
		return
	}
	defer r.Close()
	piece, err := io.ReadAll(r)
	if err != nil {
		d.log("peer", p, "piece", i).Errorf("Error reading requested piece: %s", err)
		reject()
		return
	}

	block := piece[msg.Begin : msg.Begin+msg.Length]
	if err := p.messages.SendPiece(i, msg.Begin, block); err != nil {
		return
	}
	p.pstats.blocksSent.Inc()
	d.events.PeerTransfer(p.id, 0, int64(len(block)))
}

func (d *Dispatcher) handleRejectRequest(p *peer, msg *wire.Message) {
	b := piecerequest.Block{Piece: int(msg.Index), Begin: int(msg.Begin)}
	d.requestManager.MarkUnsent(p.id, b)
	d.requestManager.Discard(p.id, b)
}

func (d *Dispatcher) handleBlockPayload(p *peer, msg *wire.Message) {
	i := int(msg.Index)
	if i >= d.torrent.NumPieces() {
		d.log("peer", p).Errorf("Piece %d out of bounds", i)
		return
	}
	if int(msg.Begin)%piecerequest.BlockSize != 0 {
		d.log("peer", p, "piece", i).Errorf("Block offset %d misaligned", msg.Begin)
		return
	}
	b := piecerequest.Block{Piece: i, Begin: int(msg.Begin)}
	if int64(len(msg.Block)) != int64(d.blockLength(b)) {
		d.log("peer", p, "piece", i).Errorf("Block length %d unexpected", len(msg.Block))
		d.requestManager.MarkInvalid(p.id, b)
		return
	}

	var rtt time.Duration
	if sentAt, ok := d.requestManager.PendingSince(p.id, b); ok {
		rtt = d.clk.Now().Sub(sentAt)
	}

	full, dup := d.storeBlock(p, b, msg.Block)
	if dup {
		p.pstats.duplicateBlocks.Inc()
		return
	}
	p.recordBlock(len(msg.Block), rtt)
	d.events.PeerTransfer(p.id, int64(len(msg.Block)), 0)

	// First payload wins: cancel the endgame duplicates everywhere else.
	for _, assignee := range d.requestManager.ClearBlock(b) {
		if assignee == p.id {
			continue
		}
		if v, ok := d.peers.Load(assignee); ok {
			v.(*peer).messages.SendCancel(b.Piece, uint32(b.Begin), d.blockLength(b))
		}
	}

	if full != nil {
		d.writeAssembledPiece(p, i, full)
	}

	d.maybeRequestMoreBlocks(p)
}

// storeBlock copies the block payload out of the wire message into the
// piece's assembly buffer. Returns the full assembly when the piece just
// completed, and whether the block was a duplicate.
func (d *Dispatcher) storeBlock(p *peer, b piecerequest.Block, payload []byte) (*assembly, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.torrent.HasPiece(b.Piece) {
		return nil, true
	}
	a, ok := d.assemblies[b.Piece]
	if !ok {
		a = newAssembly(d.torrent.PieceLength(b.Piece))
		d.assemblies[b.Piece] = a
	}
	bi := uint(b.Begin / piecerequest.BlockSize)
	if a.received.Test(bi) {
		return nil, true
	}
	copy(a.buf[b.Begin:], payload)
	a.received.Set(bi)
	a.numReceived++
	a.contributors[p.id] = true

	if a.complete() {
		delete(d.assemblies, b.Piece)
		return a, false
	}
	return nil, false
}

func (d *Dispatcher) writeAssembledPiece(p *peer, i int, a *assembly) {
	err := d.torrent.WritePiece(piecereader.NewBuffer(a.buf), i)
	switch {
	case err == nil:
		d.requestManager.Clear(i)
		d.events.PieceCompleted(d.torrent.InfoHash(), i, int64(len(a.buf)))
		d.announcePiece(i)
		if d.torrent.Complete() {
			d.complete()
		}
	case err == storage.ErrPieceComplete, err == storage.ErrWritePieceConflict:
		p.pstats.duplicateBlocks.Inc()
	case storage.IsVerifyError(err):
		d.log("peer", p, "piece", i).Errorf("Piece failed verification: %s", err)
		d.stats.Counter("piece_hash_failures").Inc(1)
		d.requestManager.Clear(i)
		contributors := make([]core.PeerID, 0, len(a.contributors))
		for id := range a.contributors {
			contributors = append(contributors, id)
		}
		d.events.PieceHashFailed(d.torrent.InfoHash(), i, contributors)
	default:
		// Hybrid mismatch and disk errors are unrecoverable for the session.
		d.log("piece", i).Errorf("Fatal storage error: %s", err)
		d.events.FatalError(d.torrent.InfoHash(), err)
	}
}

// announcePiece broadcasts HAVE to every connected peer.
func (d *Dispatcher) announcePiece(i int) {
	d.peers.Range(func(k, v interface{}) bool {
		v.(*peer).messages.SendHave(i)
		return true
	})
}

// handleHashRequest serves v2 hash trees for peers verifying pieces.
func (d *Dispatcher) handleHashRequest(p *peer, msg *wire.Message) {
	provider, ok := d.torrent.(storage.HashProvider)
	if !ok {
		p.messages.Send(wire.NewHashRejectMessage(*msg.HashRequest))
		return
	}
	hr := msg.HashRequest
	hashes, err := provider.Hashes(
		hr.PiecesRoot, int(hr.BaseLayer), int(hr.Index), int(hr.Length), int(hr.ProofLayers))
	if err != nil {
		p.messages.Send(wire.NewHashRejectMessage(*hr))
		return
	}
	p.messages.Send(wire.NewHashesMessage(*hr, hashes))
}

func (d *Dispatcher) log(args ...interface{}) *zap.SugaredLogger {
	args = append(args, "torrent", d.torrent.Name())
	return d.logger.With(args...)
}
