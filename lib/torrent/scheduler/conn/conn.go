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

// Package conn manages established peer-wire connections: message pumping,
// BEP 3 choke/interest state, fast-extension bookkeeping and idle management.
package conn

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"github.com/willf/bitset"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/tristanperalta/riptide/core"
	"github.com/tristanperalta/riptide/lib/torrent/wire"
	"github.com/tristanperalta/riptide/utils/bandwidth"
)

// Events defines Conn events.
type Events interface {
	ConnClosed(*Conn)
}

// Conn manages a single established peer-wire connection for one torrent.
type Conn struct {
	peerID      core.PeerID
	endpoint    core.Endpoint
	infoHash    core.InfoHash
	createdAt   time.Time
	localPeerID core.PeerID
	numPieces   int
	bandwidth   *bandwidth.Limiter

	events Events

	nc            net.Conn
	config        Config
	clk           clock.Clock
	stats         tally.Scope

	// Marks whether the connection was opened by the remote peer, or the
	// local peer.
	openedByRemote bool

	// Capabilities negotiated by both handshakes.
	caps Capabilities

	mu sync.Mutex // Protects the following fields:
	amChoking             bool
	amInterested          bool
	peerChoking           bool
	peerInterested        bool
	peerBitfield          *bitset.BitSet
	peerAllowedFast       []int // Pieces the peer granted us.
	ourAllowedFast        map[int]bool
	suggested             []int
	peerExtensions        map[string]int64
	sawFirstMessage       bool
	lastGoodPieceReceived time.Time
	lastPieceSent         time.Time

	startOnce sync.Once

	sender   chan *wire.Message
	receiver chan *wire.Message

	// The following fields orchestrate the closing of the connection:
	closed *atomic.Bool
	done   chan struct{}  // Signals to readLoop / writeLoop to exit.
	wg     sync.WaitGroup // Waits for readLoop / writeLoop to exit.

	logger *zap.SugaredLogger
}

// Capabilities are the protocol features both sides of a handshake support.
type Capabilities struct {
	Fast      bool
	Extension bool
	DHT       bool
	V2        bool
}

func newConn(
	config Config,
	stats tally.Scope,
	clk clock.Clock,
	bandwidth *bandwidth.Limiter,
	events Events,
	nc net.Conn,
	localPeerID core.PeerID,
	remotePeerID core.PeerID,
	endpoint core.Endpoint,
	infoHash core.InfoHash,
	numPieces int,
	caps Capabilities,
	peerBitfield *bitset.BitSet,
	openedByRemote bool,
	logger *zap.SugaredLogger) (*Conn, error) {

	// Clear all deadlines set during handshake. Idle handling from here on is
	// the keep-alive machinery's job.
	if err := nc.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("set deadline: %s", err)
	}

	c := &Conn{
		peerID:         remotePeerID,
		endpoint:       endpoint,
		infoHash:       infoHash,
		createdAt:      clk.Now(),
		localPeerID:    localPeerID,
		numPieces:      numPieces,
		bandwidth:      bandwidth,
		events:         events,
		nc:             nc,
		config:         config,
		clk:            clk,
		stats:          stats,
		openedByRemote: openedByRemote,
		caps:           caps,
		amChoking:      true,
		peerChoking:    true,
		peerBitfield:   peerBitfield,
		ourAllowedFast: make(map[int]bool),
		peerExtensions: make(map[string]int64),
		sender:         make(chan *wire.Message, config.SenderBufferSize),
		receiver:       make(chan *wire.Message, config.ReceiverBufferSize),
		closed:         atomic.NewBool(false),
		done:           make(chan struct{}),
		logger:         logger,
	}
	return c, nil
}

// Start starts message processing on c. Note, once c has been started, it may
// close itself if it encounters an error reading/writing to the underlying
// socket.
func (c *Conn) Start() {
	c.startOnce.Do(func() {
		c.wg.Add(2)
		go c.readLoop()
		go c.writeLoop()
	})
}

// PeerID returns the remote peer id.
func (c *Conn) PeerID() core.PeerID {
	return c.peerID
}

// Endpoint returns the remote peer address.
func (c *Conn) Endpoint() core.Endpoint {
	return c.endpoint
}

// InfoHash returns the info hash for the torrent being transmitted over this
// connection.
func (c *Conn) InfoHash() core.InfoHash {
	return c.infoHash
}

// CreatedAt returns the time at which the Conn was created.
func (c *Conn) CreatedAt() time.Time {
	return c.createdAt
}

// OpenedByRemote returns true if the remote peer initiated the connection.
func (c *Conn) OpenedByRemote() bool {
	return c.openedByRemote
}

// Capabilities returns the negotiated protocol features.
func (c *Conn) Capabilities() Capabilities {
	return c.caps
}

func (c *Conn) String() string {
	return fmt.Sprintf("Conn(peer=%s, addr=%s, hash=%s, opened_by_remote=%t)",
		c.peerID, c.endpoint, c.infoHash, c.openedByRemote)
}

// PeerChoking returns true if the remote peer is choking us.
func (c *Conn) PeerChoking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerChoking
}

// PeerInterested returns true if the remote peer is interested in us.
func (c *Conn) PeerInterested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerInterested
}

// AmChoking returns true if we are choking the remote peer.
func (c *Conn) AmChoking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.amChoking
}

// AmInterested returns true if we are interested in the remote peer.
func (c *Conn) AmInterested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.amInterested
}

// PeerBitfield returns a copy of the peer's piece bitfield.
func (c *Conn) PeerBitfield() *bitset.BitSet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerBitfield.Clone()
}

// PeerAllowedFast returns the pieces the peer granted us via ALLOWED_FAST, in
// receipt order.
func (c *Conn) PeerAllowedFast() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int, len(c.peerAllowedFast))
	copy(out, c.peerAllowedFast)
	return out
}

// Suggested returns the pieces the peer suggested, in receipt order.
func (c *Conn) Suggested() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int, len(c.suggested))
	copy(out, c.suggested)
	return out
}

// PeerExtensions returns the peer's extension id table from its extended
// handshake.
func (c *Conn) PeerExtensions() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int64, len(c.peerExtensions))
	for k, v := range c.peerExtensions {
		out[k] = v
	}
	return out
}

// LastGoodPieceReceived returns when the last verified piece arrived on c.
func (c *Conn) LastGoodPieceReceived() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastGoodPieceReceived
}

// TouchLastGoodPieceReceived records a verified piece arrival.
func (c *Conn) TouchLastGoodPieceReceived() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastGoodPieceReceived = c.clk.Now()
}

// LastPieceSent returns when the last piece was sent on c.
func (c *Conn) LastPieceSent() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPieceSent
}

// Send writes the given message to the underlying connection. Returns an
// error if the connection is closed or the send buffer is full.
func (c *Conn) Send(msg *wire.Message) error {
	select {
	case <-c.done:
		return errors.New("conn closed")
	case c.sender <- msg:
		return nil
	default:
		c.stats.Tagged(map[string]string{
			"dropped_message_type": msg.String(),
		}).Counter("dropped_messages").Inc(1)
		return errors.New("send buffer full")
	}
}

// SendChoke chokes the remote peer.
func (c *Conn) SendChoke() error {
	c.mu.Lock()
	c.amChoking = true
	c.mu.Unlock()
	return c.Send(wire.NewChokeMessage())
}

// SendUnchoke unchokes the remote peer. It sends UNCHOKE only; ALLOWED_FAST
// grants go out separately through SendAllowedFast.
func (c *Conn) SendUnchoke() error {
	c.mu.Lock()
	c.amChoking = false
	c.mu.Unlock()
	return c.Send(wire.NewUnchokeMessage())
}

// SendInterested declares interest in the remote peer.
func (c *Conn) SendInterested() error {
	c.mu.Lock()
	c.amInterested = true
	c.mu.Unlock()
	return c.Send(wire.NewInterestedMessage())
}

// SendNotInterested withdraws interest in the remote peer.
func (c *Conn) SendNotInterested() error {
	c.mu.Lock()
	c.amInterested = false
	c.mu.Unlock()
	return c.Send(wire.NewNotInterestedMessage())
}

// SendHave announces a completed piece.
func (c *Conn) SendHave(piece int) error {
	return c.Send(wire.NewHaveMessage(piece))
}

// SendRequest requests a block.
func (c *Conn) SendRequest(piece int, begin, length uint32) error {
	return c.Send(wire.NewRequestMessage(piece, begin, length))
}

// SendCancel cancels a previously requested block.
func (c *Conn) SendCancel(piece int, begin, length uint32) error {
	return c.Send(wire.NewCancelMessage(piece, begin, length))
}

// SendPiece sends a block payload.
func (c *Conn) SendPiece(piece int, begin uint32, block []byte) error {
	if err := c.bandwidth.ReserveEgress(int64(len(block))); err != nil {
		c.log().Errorf("Error reserving egress bandwidth for piece payload: %s", err)
		return fmt.Errorf("egress bandwidth: %s", err)
	}
	if err := c.Send(wire.NewPieceMessage(piece, begin, block)); err != nil {
		return err
	}
	c.mu.Lock()
	c.lastPieceSent = c.clk.Now()
	c.mu.Unlock()
	c.countBandwidth("egress", int64(8*len(block)))
	return nil
}

// SendAllowedFast grants the peer a piece it may request while choked.
func (c *Conn) SendAllowedFast(piece int) error {
	if !c.caps.Fast {
		return errors.New("fast extension not negotiated")
	}
	c.mu.Lock()
	c.ourAllowedFast[piece] = true
	c.mu.Unlock()
	return c.Send(wire.NewAllowedFastMessage(piece))
}

// SendRejectRequest rejects a block request per the fast extension.
func (c *Conn) SendRejectRequest(piece int, begin, length uint32) error {
	if !c.caps.Fast {
		return errors.New("fast extension not negotiated")
	}
	return c.Send(wire.NewRejectRequestMessage(piece, begin, length))
}

// Receiver returns a read-only channel for reading incoming messages off the
// connection. The channel closes when the connection dies.
func (c *Conn) Receiver() <-chan *wire.Message {
	return c.receiver
}

// GracefulClose stops accepting new messages and closes the connection once
// the pending outbound queue drains.
func (c *Conn) GracefulClose() {
	go func() {
		timeout := c.clk.After(c.config.HandshakeTimeout)
		for {
			select {
			case <-c.done:
				return
			case <-timeout:
				c.Close()
				return
			default:
				if len(c.sender) == 0 {
					c.Close()
					return
				}
				c.clk.Sleep(10 * time.Millisecond)
			}
		}
	}()
}

// Close starts the shutdown sequence for the Conn. Safe to call concurrently;
// only the first call wins.
func (c *Conn) Close() {
	if !c.closed.CAS(false, true) {
		return
	}
	go func() {
		close(c.done)
		c.nc.Close()
		c.wg.Wait()
		c.events.ConnClosed(c)
	}()
}

// IsClosed returns true if c is closed.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// readLoop reads messages off of the underlying connection, enforces protocol
// legality, and forwards them to the receiver channel.
func (c *Conn) readLoop() {
	defer func() {
		close(c.receiver)
		c.wg.Done()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		default:
			// NOTE: The net package evaluates deadlines against the system
			// clock, so the mock clock cannot govern inbound idle.
			if err := c.nc.SetReadDeadline(time.Now().Add(c.config.ReadIdleTimeout)); err != nil {
				c.log().Infof("Error setting read deadline, exiting read loop: %s", err)
				return
			}
			msg, err := wire.Decode(c.nc)
			if err != nil {
				c.log().Infof("Error reading message from socket, exiting read loop: %s", err)
				return
			}
			if msg.ID == wire.MsgPiece && !msg.KeepAlive {
				if err := c.bandwidth.ReserveIngress(int64(len(msg.Block))); err != nil {
					c.log().Errorf("Error reserving ingress bandwidth for piece payload: %s", err)
					return
				}
			}
			forward, err := c.handleInbound(msg)
			if err != nil {
				c.log().Errorf("Protocol violation from peer, closing: %s", err)
				c.stats.Counter("protocol_errors").Inc(1)
				return
			}
			if !forward {
				continue
			}
			select {
			case c.receiver <- msg:
			case <-c.done:
				return
			}
		}
	}
}

// handleInbound applies connection-level state transitions and returns
// whether the message should be forwarded to the dispatcher.
func (c *Conn) handleInbound(msg *wire.Message) (bool, error) {
	if msg.KeepAlive {
		return false, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	first := !c.sawFirstMessage
	c.sawFirstMessage = true

	switch msg.ID {
	case wire.MsgChoke:
		c.peerChoking = true
	case wire.MsgUnchoke:
		c.peerChoking = false
	case wire.MsgInterested:
		c.peerInterested = true
	case wire.MsgNotInterested:
		c.peerInterested = false
	case wire.MsgHave:
		if int(msg.Index) >= c.numPieces {
			return false, fmt.Errorf("have index %d out of bounds", msg.Index)
		}
		c.peerBitfield.Set(uint(msg.Index))
	case wire.MsgBitfield:
		// Legal only as the very first post-handshake message, and the
		// handshaker already consumed that one.
		return false, errors.New("bitfield after first message")
	case wire.MsgHaveAll, wire.MsgHaveNone:
		if !c.caps.Fast {
			return false, fmt.Errorf("%s without fast extension", msg.ID)
		}
		if !first {
			return false, fmt.Errorf("%s after first message", msg.ID)
		}
		return false, errors.New("duplicate bitfield state")
	case wire.MsgRequest:
		if c.amChoking && !c.ourAllowedFast[int(msg.Index)] {
			// Choked peers may only request allowed-fast pieces; everything
			// else is silently dropped, with no REJECT_REQUEST sent.
			c.stats.Counter("dropped_choked_requests").Inc(1)
			return false, nil
		}
	case wire.MsgSuggestPiece:
		if !c.caps.Fast {
			return false, errors.New("SUGGEST_PIECE without fast extension")
		}
		c.suggested = append(c.suggested, int(msg.Index))
	case wire.MsgAllowedFast:
		if !c.caps.Fast {
			return false, errors.New("ALLOWED_FAST without fast extension")
		}
		if int(msg.Index) >= c.numPieces {
			return false, fmt.Errorf("allowed fast index %d out of bounds", msg.Index)
		}
		c.peerAllowedFast = append(c.peerAllowedFast, int(msg.Index))
	case wire.MsgRejectRequest:
		if !c.caps.Fast {
			return false, errors.New("REJECT_REQUEST without fast extension")
		}
	case wire.MsgExtended:
		if !c.caps.Extension {
			return false, errors.New("EXTENDED without extension protocol")
		}
		if msg.ExtendedID == wire.ExtendedHandshakeID {
			hs, err := wire.DecodeExtendedHandshake(msg.ExtendedPayload)
			if err != nil {
				return false, err
			}
			for name, id := range hs.M {
				c.peerExtensions[name] = id
			}
			return false, nil
		}
	case wire.MsgPiece:
		c.countBandwidth("ingress", int64(8*len(msg.Block)))
	case wire.MsgHashRequest, wire.MsgHashes, wire.MsgHashReject:
		if !c.caps.V2 {
			return false, fmt.Errorf("%s without v2 support", msg.ID)
		}
	}
	return true, nil
}

// writeLoop writes messages to the underlying connection by pulling messages
// off of the sender channel, inserting keep-alives when outbound traffic goes
// idle.
func (c *Conn) writeLoop() {
	defer func() {
		c.wg.Done()
		c.Close()
	}()

	for {
		keepAlive := c.clk.After(c.config.KeepAliveInterval)
		select {
		case <-c.done:
			return
		case <-keepAlive:
			if err := wire.Encode(c.nc, wire.NewKeepAliveMessage()); err != nil {
				c.log().Infof("Error writing keep-alive to socket, exiting write loop: %s", err)
				return
			}
		case msg := <-c.sender:
			if err := wire.Encode(c.nc, msg); err != nil {
				c.log().Infof("Error writing message to socket, exiting write loop: %s", err)
				return
			}
		}
	}
}

func (c *Conn) countBandwidth(direction string, n int64) {
	c.stats.Tagged(map[string]string{
		"piece_bandwidth_direction": direction,
	}).Counter("piece_bandwidth").Inc(n)
}

func (c *Conn) log(keysAndValues ...interface{}) *zap.SugaredLogger {
	keysAndValues = append(keysAndValues, "remote_peer", c.peerID, "hash", c.infoHash)
	return c.logger.With(keysAndValues...)
}
