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
	"net"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"github.com/willf/bitset"
	"go.uber.org/zap"

	"github.com/tristanperalta/riptide/core"
	"github.com/tristanperalta/riptide/lib/torrent/storage"
)

type noopEvents struct{}

func (noopEvents) ConnClosed(*Conn) {}

// NoopEvents returns an Events sink which ignores everything.
func NoopEvents() Events { return noopEvents{} }

// HandshakerFixture creates a Handshaker with the given transport.
func HandshakerFixture(config Config, transport Transport, events Events) *Handshaker {
	h, err := NewHandshaker(
		config,
		tally.NoopScope,
		clock.New(),
		transport,
		core.PeerIDFixture(),
		events,
		zap.NewNop().Sugar())
	if err != nil {
		panic(err)
	}
	return h
}

// TorrentInfoFixture returns a TorrentInfo snapshot for the given hash with
// the given complete pieces.
func TorrentInfoFixture(hash core.InfoHash, numPieces int, complete ...int) *storage.TorrentInfo {
	bf := bitset.New(uint(numPieces))
	for _, i := range complete {
		bf.Set(uint(i))
	}
	return storage.NewTorrentInfo("fixture", hash, int64(numPieces)*16384, bf, false)
}

// ConnFixture establishes a connected pair of Conns over TCP loopback: the
// first as the dialer over localInfo, the second as the acceptor over
// remoteInfo. The infos must share an info hash. Conns are not started.
func ConnFixture(
	config Config,
	localInfo, remoteInfo *storage.TorrentInfo,
	localEvents, remoteEvents Events) (local, remote *Conn, err error) {

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, nil, err
	}
	defer lis.Close()

	dialer := HandshakerFixture(config, nil, localEvents)
	acceptor := HandshakerFixture(config, nil, remoteEvents)

	type acceptResult struct {
		r   *HandshakeResult
		err error
	}
	done := make(chan acceptResult, 1)
	go func() {
		nc, err := lis.Accept()
		if err != nil {
			done <- acceptResult{nil, err}
			return
		}
		pc, err := acceptor.Accept(nc)
		if err != nil {
			done <- acceptResult{nil, err}
			return
		}
		r, err := acceptor.Establish(pc, core.EndpointFixture(), remoteInfo)
		done <- acceptResult{r, err}
	}()

	ep, err := core.ParseEndpoint(lis.Addr().String())
	if err != nil {
		return nil, nil, err
	}
	localResult, err := dialer.Initialize(ep, localInfo)
	if err != nil {
		return nil, nil, err
	}
	remoteResult := <-done
	if remoteResult.err != nil {
		return nil, nil, remoteResult.err
	}
	return localResult.Conn, remoteResult.r.Conn, nil
}
