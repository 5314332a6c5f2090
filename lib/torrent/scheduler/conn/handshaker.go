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
package conn

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"github.com/willf/bitset"
	"go.uber.org/zap"

	"github.com/tristanperalta/riptide/core"
	"github.com/tristanperalta/riptide/lib/torrent/storage"
	"github.com/tristanperalta/riptide/lib/torrent/wire"
	"github.com/tristanperalta/riptide/utils/bandwidth"
)

// Transport dials raw byte streams to peers. Implemented by TCP here and by
// the utp package's socket.
type Transport interface {
	Dial(addr string, timeout time.Duration) (net.Conn, error)
}

// TCPTransport dials plain TCP connections.
type TCPTransport struct{}

// Dial dials addr over TCP.
func (TCPTransport) Dial(addr string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("tcp", addr, timeout)
}

// PendingConn represents a half-opened connection initialized by a remote
// peer: its protocol handshake has been read, but ours is unsent until the
// caller decides to establish.
type PendingConn struct {
	handshake *wire.Handshake
	nc        net.Conn
}

// PeerID returns the remote peer id.
func (pc *PendingConn) PeerID() core.PeerID {
	return pc.handshake.PeerID
}

// InfoHash returns the info hash of the torrent the remote peer wants to
// open.
func (pc *PendingConn) InfoHash() core.InfoHash {
	return pc.handshake.InfoHash
}

// Close closes the connection.
func (pc *PendingConn) Close() {
	pc.nc.Close()
}

// HandshakeResult wraps data returned from a successful handshake.
type HandshakeResult struct {
	Conn     *Conn
	Bitfield *bitset.BitSet
}

// Handshaker establishes connections to other peers: the fixed protocol
// handshake, extended handshake, and initial bitfield exchange.
type Handshaker struct {
	config    Config
	stats     tally.Scope
	clk       clock.Clock
	transport Transport
	bandwidth *bandwidth.Limiter
	peerID    core.PeerID
	events    Events
	logger    *zap.SugaredLogger
}

// NewHandshaker creates a new Handshaker.
func NewHandshaker(
	config Config,
	stats tally.Scope,
	clk clock.Clock,
	transport Transport,
	peerID core.PeerID,
	events Events,
	logger *zap.SugaredLogger) (*Handshaker, error) {

	config = config.applyDefaults()

	stats = stats.Tagged(map[string]string{
		"module": "conn",
	})

	bl, err := bandwidth.NewLimiter(config.Bandwidth, bandwidth.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("bandwidth: %s", err)
	}

	if transport == nil {
		transport = TCPTransport{}
	}

	return &Handshaker{
		config:    config,
		stats:     stats,
		clk:       clk,
		transport: transport,
		bandwidth: bl,
		peerID:    peerID,
		events:    events,
		logger:    logger,
	}, nil
}

func (h *Handshaker) localReserved(info *storage.TorrentInfo) wire.ReservedBits {
	var r wire.ReservedBits
	r.SetExtension()
	if !h.config.DisableFastExtension {
		r.SetFast()
	}
	if info.HasV2() {
		r.SetV2()
	}
	return r
}

// Accept upgrades a raw network connection opened by a remote peer into a
// PendingConn.
func (h *Handshaker) Accept(nc net.Conn) (*PendingConn, error) {
	if err := nc.SetReadDeadline(time.Now().Add(h.config.HandshakeTimeout)); err != nil {
		return nil, fmt.Errorf("set read deadline: %s", err)
	}
	hs, err := wire.DecodeHandshake(nc)
	if err != nil {
		return nil, fmt.Errorf("read handshake: %s", err)
	}
	return &PendingConn{hs, nc}, nil
}

// Establish upgrades a PendingConn returned via Accept into a fully
// established Conn by replying with our handshake and exchanging bitfields.
func (h *Handshaker) Establish(
	pc *PendingConn,
	endpoint core.Endpoint,
	info *storage.TorrentInfo) (*HandshakeResult, error) {

	if pc.handshake.InfoHash != info.InfoHash() {
		return nil, errors.New("info hash mismatch")
	}
	caps := h.negotiated(pc.handshake.Reserved, info)
	if err := h.sendPreamble(pc.nc, info, caps); err != nil {
		return nil, err
	}
	peerBitfield, err := h.readRemoteBitfield(pc.nc, info, caps)
	if err != nil {
		return nil, err
	}
	c, err := h.newConn(pc.nc, pc.handshake.PeerID, endpoint, info, caps, peerBitfield, true)
	if err != nil {
		return nil, fmt.Errorf("new conn: %s", err)
	}
	return &HandshakeResult{c, peerBitfield}, nil
}

// Initialize returns a fully established Conn for the given torrent to the
// given peer address, along with the remote peer's bitfield.
func (h *Handshaker) Initialize(
	endpoint core.Endpoint, info *storage.TorrentInfo) (*HandshakeResult, error) {

	nc, err := h.transport.Dial(endpoint.Addr(), h.config.HandshakeTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial: %s", err)
	}
	r, err := h.fullHandshake(nc, endpoint, info)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return r, nil
}

func (h *Handshaker) fullHandshake(
	nc net.Conn, endpoint core.Endpoint, info *storage.TorrentInfo) (*HandshakeResult, error) {

	deadline := time.Now().Add(h.config.HandshakeTimeout)
	if err := nc.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set deadline: %s", err)
	}

	local := &wire.Handshake{
		Reserved: h.localReserved(info),
		InfoHash: info.InfoHash(),
		PeerID:   h.peerID,
	}
	if err := wire.EncodeHandshake(nc, local); err != nil {
		return nil, fmt.Errorf("send handshake: %s", err)
	}
	remote, err := wire.DecodeHandshake(nc)
	if err != nil {
		return nil, fmt.Errorf("read handshake: %s", err)
	}
	if remote.InfoHash != info.InfoHash() {
		return nil, errors.New("info hash mismatch")
	}

	caps := h.negotiated(remote.Reserved, info)
	if err := h.sendPostHandshake(nc, info, caps); err != nil {
		return nil, err
	}
	peerBitfield, err := h.readRemoteBitfield(nc, info, caps)
	if err != nil {
		return nil, err
	}
	c, err := h.newConn(nc, remote.PeerID, endpoint, info, caps, peerBitfield, false)
	if err != nil {
		return nil, fmt.Errorf("new conn: %s", err)
	}
	return &HandshakeResult{c, peerBitfield}, nil
}

func (h *Handshaker) negotiated(remote wire.ReservedBits, info *storage.TorrentInfo) Capabilities {
	return Capabilities{
		Fast:      !h.config.DisableFastExtension && remote.SupportsFast(),
		Extension: remote.SupportsExtension(),
		DHT:       remote.SupportsDHT(),
		V2:        info.HasV2() && remote.SupportsV2(),
	}
}

// sendPreamble sends our protocol handshake followed by the post-handshake
// messages. Used on the accept side, where the remote handshake was already
// consumed.
func (h *Handshaker) sendPreamble(
	nc net.Conn, info *storage.TorrentInfo, caps Capabilities) error {

	if err := nc.SetDeadline(time.Now().Add(h.config.HandshakeTimeout)); err != nil {
		return fmt.Errorf("set deadline: %s", err)
	}
	local := &wire.Handshake{
		Reserved: h.localReserved(info),
		InfoHash: info.InfoHash(),
		PeerID:   h.peerID,
	}
	if err := wire.EncodeHandshake(nc, local); err != nil {
		return fmt.Errorf("send handshake: %s", err)
	}
	return h.sendPostHandshake(nc, info, caps)
}

// sendPostHandshake sends the extended handshake and our bitfield.
func (h *Handshaker) sendPostHandshake(
	nc net.Conn, info *storage.TorrentInfo, caps Capabilities) error {

	if caps.Extension {
		payload := wire.EncodeExtendedHandshake(&wire.ExtendedHandshake{
			M:    map[string]int64{},
			V:    h.config.ClientVersion,
			Reqq: h.config.RequestQueueSize,
		})
		msg := wire.NewExtendedMessage(wire.ExtendedHandshakeID, payload)
		if err := wire.Encode(nc, msg); err != nil {
			return fmt.Errorf("send extended handshake: %s", err)
		}
	}

	bf := info.Bitfield()
	numPieces := info.NumPieces()
	var msg *wire.Message
	switch {
	case caps.Fast && bf.Count() == 0:
		msg = wire.NewHaveNoneMessage()
	case caps.Fast && int(bf.Count()) == numPieces:
		msg = wire.NewHaveAllMessage()
	default:
		msg = wire.NewBitfieldMessage(wire.BitfieldBytes(bf, numPieces))
	}
	if err := wire.Encode(nc, msg); err != nil {
		return fmt.Errorf("send bitfield: %s", err)
	}
	return nil
}

// readRemoteBitfield consumes messages until the peer's initial bitfield
// state arrives. Extended handshakes and keep-alives may legally precede it.
func (h *Handshaker) readRemoteBitfield(
	nc net.Conn, info *storage.TorrentInfo, caps Capabilities) (*bitset.BitSet, error) {

	numPieces := info.NumPieces()
	for i := 0; i < 4; i++ {
		msg, err := wire.Decode(nc)
		if err != nil {
			return nil, fmt.Errorf("read bitfield: %s", err)
		}
		if msg.KeepAlive {
			continue
		}
		switch msg.ID {
		case wire.MsgBitfield:
			return wire.ParseBitfield(msg.Bitfield, numPieces)
		case wire.MsgHaveAll:
			if !caps.Fast {
				return nil, errors.New("HAVE_ALL without fast extension")
			}
			b := bitset.New(uint(numPieces))
			for p := 0; p < numPieces; p++ {
				b.Set(uint(p))
			}
			return b, nil
		case wire.MsgHaveNone:
			if !caps.Fast {
				return nil, errors.New("HAVE_NONE without fast extension")
			}
			return bitset.New(uint(numPieces)), nil
		case wire.MsgExtended:
			// Stored by the conn once running; during handshake we only need
			// it to be well-formed.
			if _, err := wire.DecodeExtendedHandshake(msg.ExtendedPayload); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("expected bitfield, got %s", msg.ID)
		}
	}
	return nil, errors.New("no bitfield within message budget")
}

func (h *Handshaker) newConn(
	nc net.Conn,
	peerID core.PeerID,
	endpoint core.Endpoint,
	info *storage.TorrentInfo,
	caps Capabilities,
	peerBitfield *bitset.BitSet,
	openedByRemote bool) (*Conn, error) {

	return newConn(
		h.config,
		h.stats,
		h.clk,
		h.bandwidth,
		h.events,
		nc,
		h.peerID,
		peerID,
		endpoint,
		info.InfoHash(),
		info.NumPieces(),
		caps,
		peerBitfield,
		openedByRemote,
		h.logger)
}
