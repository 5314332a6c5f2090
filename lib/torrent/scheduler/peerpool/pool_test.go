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
package peerpool

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"github.com/willf/bitset"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tristanperalta/riptide/core"
	"github.com/tristanperalta/riptide/lib/torrent/scheduler/conn"
)

const testWait = 5 * time.Second

type recorder struct {
	mu           sync.Mutex
	connected    []*conn.Conn
	disconnected []core.Endpoint
}

func (r *recorder) PeerConnected(c *conn.Conn, b *bitset.BitSet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected = append(r.connected, c)
}

func (r *recorder) PeerDisconnected(e core.Endpoint, id core.PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnected = append(r.disconnected, e)
}

func (r *recorder) numConnected() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.connected)
}

func poolFixture(
	config Config, clk clock.Clock, connect Connector, events Events) *Pool {

	return New(config, tally.NoopScope, clk, connect, events, zap.NewNop().Sugar())
}

// connConnector produces a live conn fixture per dial.
func connConnector(t *testing.T) Connector {
	t.Helper()
	hash := core.InfoHashFixture()
	return func(endpoint core.Endpoint) (*conn.HandshakeResult, error) {
		local, remote, err := conn.ConnFixture(
			conn.Config{},
			conn.TorrentInfoFixture(hash, 4),
			conn.TorrentInfoFixture(hash, 4, 0, 1),
			conn.NoopEvents(), conn.NoopEvents())
		if err != nil {
			return nil, err
		}
		t.Cleanup(func() {
			local.Close()
			remote.Close()
		})
		return &conn.HandshakeResult{Conn: local, Bitfield: local.PeerBitfield()}, nil
	}
}

func failingConnector(err error) Connector {
	return func(core.Endpoint) (*conn.HandshakeResult, error) {
		return nil, err
	}
}

func TestAddPeersDedupesAndEnforcesCap(t *testing.T) {
	require := require.New(t)

	p := poolFixture(Config{}, clock.NewMock(), failingConnector(nil), &recorder{})

	// 2000 adds over 1000 unique endpoints.
	var infos []*core.PeerInfo
	for i := 0; i < 2; i++ {
		for j := 0; j < 1000; j++ {
			infos = append(infos, core.NewPeerInfo(
				core.NewEndpoint(fmt.Sprintf("10.1.%d.%d", j/256, j%256), 7000),
				core.SourceTracker, false))
		}
	}
	added := p.AddPeers(infos)
	require.Equal(1000, added)
	require.Equal(1000, p.NumPeers())

	// Capacity is full of unique peers; one more evicts the lowest rank but
	// keeps the count at cap.
	require.True(p.AddPeer(core.NewPeerInfo(
		core.NewEndpoint("10.9.9.9", 7000), core.SourceDHT, false)))
	require.Equal(1000, p.NumPeers())
}

func TestConnectToPeersRespectsBudget(t *testing.T) {
	require := require.New(t)

	rec := &recorder{}
	p := poolFixture(
		Config{MaxActiveConnections: 3}, clock.New(), connConnector(t), rec)

	for _, info := range core.PeerInfoBatchFixture(10) {
		require.True(p.AddPeer(info))
	}
	p.ConnectToPeers()

	require.Eventually(func() bool { return rec.numConnected() == 3 }, testWait, 10*time.Millisecond)
	require.Equal(3, p.NumActive())

	// Budget saturated: no further dials.
	p.ConnectToPeers()
	time.Sleep(50 * time.Millisecond)
	require.Equal(3, rec.numConnected())
}

func TestSlotRefillsOnDisconnect(t *testing.T) {
	require := require.New(t)

	rec := &recorder{}
	p := poolFixture(
		Config{MaxActiveConnections: 1}, clock.New(), connConnector(t), rec)

	for _, info := range core.PeerInfoBatchFixture(2) {
		require.True(p.AddPeer(info))
	}
	p.ConnectToPeers()
	require.Eventually(func() bool { return rec.numConnected() == 1 }, testWait, 10*time.Millisecond)

	// Closing the live connection frees the slot and dials the next
	// candidate.
	p.HandleConnClosed(rec.connected[0])
	require.Eventually(func() bool { return rec.numConnected() == 2 }, testWait, 10*time.Millisecond)
	require.Equal(1, p.ConnsFreed())
}

func TestFailedPeerIsBannedAfterMaxFailures(t *testing.T) {
	require := require.New(t)

	clk := clock.NewMock()
	p := poolFixture(
		Config{MaxActiveConnections: 1, MaxFailCount: 3},
		clk,
		failingConnector(errors.New("connection refused")),
		&recorder{})

	endpoint := core.NewEndpoint("10.0.0.1", 7000)
	require.True(p.AddPeer(core.NewPeerInfo(endpoint, core.SourceTracker, false)))

	for i := 0; i < 3; i++ {
		p.ConnectToPeers()
		require.Eventually(func() bool {
			return p.NumActive() == 0
		}, testWait, 10*time.Millisecond)
		clk.Add(10 * time.Minute) // Clear retry backoff.
	}

	state, ok := p.PeerState(endpoint)
	require.True(ok)
	require.Equal(StateBanned, state)

	// Banned peers are never dialed again.
	p.ConnectToPeers()
	time.Sleep(50 * time.Millisecond)
	require.Equal(0, p.NumActive())
}

func TestRetryWaitsForBackoff(t *testing.T) {
	require := require.New(t)

	clk := clock.NewMock()
	var mu sync.Mutex
	var dials int
	connector := func(core.Endpoint) (*conn.HandshakeResult, error) {
		mu.Lock()
		dials++
		mu.Unlock()
		return nil, errors.New("connection refused")
	}
	p := poolFixture(Config{MaxActiveConnections: 1}, clk, connector, &recorder{})

	require.True(p.AddPeer(core.PeerInfoFixture()))
	p.ConnectToPeers()
	require.Eventually(func() bool { return p.NumActive() == 0 }, testWait, 10*time.Millisecond)

	// Within the backoff window nothing is retried.
	p.ConnectToPeers()
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	require.Equal(1, dials)
	mu.Unlock()

	clk.Add(10 * time.Minute)
	p.ConnectToPeers()
	require.Eventually(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return dials == 2
	}, testWait, 10*time.Millisecond)
}

func TestShutdownSweepFreesEveryConn(t *testing.T) {
	require := require.New(t)

	const numPeers = 5

	rec := &recorder{}
	p := poolFixture(
		Config{MaxActiveConnections: numPeers}, clock.New(), connConnector(t), rec)

	for _, info := range core.PeerInfoBatchFixture(numPeers) {
		require.True(p.AddPeer(info))
	}
	p.ConnectToPeers()
	require.Eventually(func() bool {
		return rec.numConnected() == numPeers
	}, testWait, 10*time.Millisecond)

	p.DisconnectAllGracefully()
	p.Drain()

	// The close callbacks fire during shutdown: they must NOT clear the
	// entries' connection pointers, else the sweep would miss them.
	for _, c := range rec.connected {
		p.HandleConnClosed(c)
	}
	require.Equal(0, p.ConnsFreed())

	swept := p.Free()
	require.Equal(numPeers, swept)
	require.Equal(numPeers, p.ConnsFreed())

	// The pool rejects new work after shutdown.
	require.False(p.AddPeer(core.PeerInfoFixture()))
}

func TestRecordTransferRaisesRank(t *testing.T) {
	require := require.New(t)

	rec := &recorder{}
	p := poolFixture(Config{MaxActiveConnections: 1}, clock.New(), connConnector(t), rec)

	info := core.PeerInfoFixture()
	require.True(p.AddPeer(info))
	p.ConnectToPeers()
	require.Eventually(func() bool { return rec.numConnected() == 1 }, testWait, 10*time.Millisecond)

	c := rec.connected[0]
	before := func() int {
		p.mu.Lock()
		defer p.mu.Unlock()
		return rank(p.peers[info.Endpoint])
	}()
	p.RecordTransfer(c.PeerID(), 16384, 0)
	after := func() int {
		p.mu.Lock()
		defer p.mu.Unlock()
		return rank(p.peers[info.Endpoint])
	}()
	require.Equal(before+100, after)
}

func TestJitterDistinguishesPortsOnOneHost(t *testing.T) {
	require := require.New(t)

	// Sibling ports on one host must not be forced into a rank tie.
	var distinct bool
	for port := 7000; port < 7032; port++ {
		a := jitter(core.NewEndpoint("10.0.0.1", port))
		b := jitter(core.NewEndpoint("10.0.0.1", port+1))
		require.GreaterOrEqual(a, 0)
		require.Less(a, 20)
		if a != b {
			distinct = true
		}
	}
	require.True(distinct)
}

func TestMarkHashFailureLowersRank(t *testing.T) {
	require := require.New(t)

	rec := &recorder{}
	p := poolFixture(Config{MaxActiveConnections: 1}, clock.New(), connConnector(t), rec)

	info := core.PeerInfoFixture()
	require.True(p.AddPeer(info))
	p.ConnectToPeers()
	require.Eventually(func() bool { return rec.numConnected() == 1 }, testWait, 10*time.Millisecond)

	c := rec.connected[0]
	before := func() int {
		p.mu.Lock()
		defer p.mu.Unlock()
		return rank(p.peers[info.Endpoint])
	}()
	p.MarkHashFailure(c.PeerID())
	after := func() int {
		p.mu.Lock()
		defer p.mu.Unlock()
		return rank(p.peers[info.Endpoint])
	}()
	require.Equal(before-30, after)
}
