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
	"sync"
	"testing"
	"time"

	"github.com/tristanperalta/riptide/core"
	"github.com/tristanperalta/riptide/lib/torrent/wire"

	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

func recvMsg(t *testing.T, c *Conn) *wire.Message {
	t.Helper()
	select {
	case msg, ok := <-c.Receiver():
		require.True(t, ok)
		return msg
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func fixturePair(t *testing.T) (*Conn, *Conn) {
	t.Helper()
	hash := core.InfoHashFixture()
	local, remote, err := ConnFixture(
		Config{},
		TorrentInfoFixture(hash, 8),
		TorrentInfoFixture(hash, 8, 0, 1, 2),
		NoopEvents(), NoopEvents())
	require.NoError(t, err)
	t.Cleanup(func() {
		local.Close()
		remote.Close()
	})
	return local, remote
}

func TestHandshakeEstablishesConns(t *testing.T) {
	require := require.New(t)

	local, remote := fixturePair(t)

	require.Equal(local.InfoHash(), remote.InfoHash())
	require.False(local.OpenedByRemote())
	require.True(remote.OpenedByRemote())
	require.True(local.Capabilities().Fast)
	require.True(local.Capabilities().Extension)

	// The dialer learned the acceptor's three complete pieces.
	require.Equal(uint(3), local.PeerBitfield().Count())
	require.Equal(uint(0), remote.PeerBitfield().Count())

	// Both sides start out mutually choked and uninterested.
	require.True(local.AmChoking())
	require.True(local.PeerChoking())
	require.False(local.AmInterested())
	require.False(local.PeerInterested())
}

func TestConnMessagePump(t *testing.T) {
	require := require.New(t)

	local, remote := fixturePair(t)
	local.Start()
	remote.Start()

	require.NoError(local.SendHave(5))
	msg := recvMsg(t, remote)
	require.Equal(wire.MsgHave, msg.ID)
	require.Equal(uint32(5), msg.Index)
	require.True(remote.PeerBitfield().Test(5))

	require.NoError(remote.SendPiece(1, 0, []byte("block")))
	msg = recvMsg(t, local)
	require.Equal(wire.MsgPiece, msg.ID)
	require.Equal([]byte("block"), msg.Block)
}

func TestConnChokeStateTracksMessages(t *testing.T) {
	require := require.New(t)

	local, remote := fixturePair(t)
	local.Start()
	remote.Start()

	require.NoError(local.SendInterested())
	msg := recvMsg(t, remote)
	require.Equal(wire.MsgInterested, msg.ID)
	require.True(remote.PeerInterested())
	require.True(local.AmInterested())

	require.NoError(remote.SendUnchoke())
	msg = recvMsg(t, local)
	require.Equal(wire.MsgUnchoke, msg.ID)
	require.False(local.PeerChoking())
	require.False(remote.AmChoking())
}

func TestConnDropsChokedRequests(t *testing.T) {
	require := require.New(t)

	local, remote := fixturePair(t)
	local.Start()
	remote.Start()

	// remote is choking local, so local's request must be dropped, not
	// forwarded. The subsequent HAVE proves the request was skipped rather
	// than queued.
	require.NoError(local.SendRequest(1, 0, 16384))
	require.NoError(local.SendHave(2))

	msg := recvMsg(t, remote)
	require.Equal(wire.MsgHave, msg.ID)
}

func TestConnAllowsFastRequestsWhileChoked(t *testing.T) {
	require := require.New(t)

	local, remote := fixturePair(t)
	local.Start()
	remote.Start()

	require.NoError(remote.SendAllowedFast(1))
	msg := recvMsg(t, local)
	require.Equal(wire.MsgAllowedFast, msg.ID)
	require.Equal([]int{1}, local.PeerAllowedFast())

	// Still choked, but piece 1 was granted.
	require.NoError(local.SendRequest(1, 0, 16384))
	msg = recvMsg(t, remote)
	require.Equal(wire.MsgRequest, msg.ID)
	require.Equal(uint32(1), msg.Index)
}

func TestConnClosesOnRepeatedBitfield(t *testing.T) {
	require := require.New(t)

	local, remote := fixturePair(t)
	local.Start()
	remote.Start()

	require.NoError(local.Send(wire.NewBitfieldMessage([]byte{0xff})))

	select {
	case _, ok := <-remote.Receiver():
		require.False(ok)
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for remote close")
	}
	require.Eventually(remote.IsClosed, testTimeout, 10*time.Millisecond)
}

func TestConnCloseIsOneShot(t *testing.T) {
	require := require.New(t)

	var mu sync.Mutex
	var closes int
	events := eventsFunc(func(*Conn) {
		mu.Lock()
		closes++
		mu.Unlock()
	})

	hash := core.InfoHashFixture()
	local, remote, err := ConnFixture(
		Config{},
		TorrentInfoFixture(hash, 8),
		TorrentInfoFixture(hash, 8),
		events, NoopEvents())
	require.NoError(err)
	defer remote.Close()

	local.Start()
	local.Close()
	local.Close()
	local.Close()

	require.Eventually(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return closes == 1
	}, testTimeout, 10*time.Millisecond)
	require.True(local.IsClosed())
}

type eventsFunc func(*Conn)

func (f eventsFunc) ConnClosed(c *Conn) { f(c) }
