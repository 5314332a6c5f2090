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
package utp

import (
	"io"
	"math/rand"
	"net"
	"testing"
	"time"

	"github.com/uber-go/tally"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func socketFixture(t *testing.T, config Config) *Socket {
	t.Helper()
	s, err := NewSocket(config, "127.0.0.1:0", tally.NoopScope, zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func socketPair(t *testing.T, config Config) (*Socket, *Socket) {
	return socketFixture(t, config), socketFixture(t, config)
}

func dialPair(t *testing.T, a, b *Socket) (net.Conn, net.Conn) {
	t.Helper()
	type result struct {
		nc  net.Conn
		err error
	}
	accepted := make(chan result, 1)
	go func() {
		nc, err := b.Accept()
		accepted <- result{nc, err}
	}()
	dialed, err := a.Dial(b.Addr().String(), 5*time.Second)
	require.NoError(t, err)
	r := <-accepted
	require.NoError(t, r.err)
	return dialed, r.nc
}

func TestHandshake(t *testing.T) {
	require := require.New(t)

	a, b := socketPair(t, Config{})
	dialed, accepted := dialPair(t, a, b)

	dc := dialed.(*Conn)
	ac := accepted.(*Conn)
	require.Equal("CONNECTED", dc.State())
	require.Equal("CONNECTED", ac.State())

	// Initiator picked odd send / even recv; acceptor reversed.
	require.Equal(uint16(0), dc.connIDRecv&1)
	require.Equal(uint16(1), dc.connIDSend&1)
	require.Equal(uint16(1), ac.connIDRecv&1)
	require.Equal(uint16(0), ac.connIDSend&1)

	// Zero-loss handshake leaves cwnd at its initial value or better.
	require.GreaterOrEqual(dc.Cwnd(), int64(2*mss))
}

func TestTransfer(t *testing.T) {
	require := require.New(t)

	a, b := socketPair(t, Config{})
	dialed, accepted := dialPair(t, a, b)

	payload := make([]byte, 100000)
	rand.Read(payload)

	go func() {
		dialed.Write(payload)
	}()

	received := make([]byte, len(payload))
	_, err := io.ReadFull(accepted, received)
	require.NoError(err)
	require.Equal(payload, received)
}

func TestBidirectionalTransfer(t *testing.T) {
	require := require.New(t)

	a, b := socketPair(t, Config{})
	dialed, accepted := dialPair(t, a, b)

	up := make([]byte, 50000)
	down := make([]byte, 50000)
	rand.Read(up)
	rand.Read(down)

	go func() { dialed.Write(up) }()
	go func() { accepted.Write(down) }()

	gotUp := make([]byte, len(up))
	gotDown := make([]byte, len(down))

	done := make(chan error, 2)
	go func() {
		_, err := io.ReadFull(accepted, gotUp)
		done <- err
	}()
	go func() {
		_, err := io.ReadFull(dialed, gotDown)
		done <- err
	}()
	require.NoError(<-done)
	require.NoError(<-done)
	require.Equal(up, gotUp)
	require.Equal(down, gotDown)
}

func TestTransferUnderLoss(t *testing.T) {
	require := require.New(t)

	config := Config{RetransmitTimeout: 50 * time.Millisecond, TickInterval: 10 * time.Millisecond}
	a, b := socketPair(t, config)
	dialed, accepted := dialPair(t, a, b)

	// Drop 20% of outgoing ST_DATA once the handshake is up.
	rng := rand.New(rand.NewSource(0))
	a.setDropOutgoing(func(p *packet) bool {
		return p.typ == stData && rng.Float64() < 0.2
	})

	payload := make([]byte, 10*mss)
	rand.Read(payload)
	go func() { dialed.Write(payload) }()

	received := make([]byte, len(payload))
	_, err := io.ReadFull(accepted, received)
	require.NoError(err)
	require.Equal(payload, received)

	// The connection survived the loss.
	require.Equal("CONNECTED", dialed.(*Conn).State())

	// With a deterministic 20% drop, at least one packet needed a
	// retransmission.
	dc := dialed.(*Conn)
	var sawRetransmit bool
	dc.mu.Lock()
	for _, n := range dc.retransmitStats {
		if n >= 2 {
			sawRetransmit = true
		}
	}
	dc.mu.Unlock()
	require.True(sawRetransmit)
}

func TestTotalLossTransitionsToErrorWait(t *testing.T) {
	require := require.New(t)

	config := Config{RetransmitTimeout: 10 * time.Millisecond, TickInterval: 5 * time.Millisecond}
	a, b := socketPair(t, config)
	dialed, _ := dialPair(t, a, b)

	a.setDropOutgoing(func(p *packet) bool { return true })

	_, err := dialed.Write(make([]byte, mss))
	require.NoError(err)

	dc := dialed.(*Conn)
	require.Eventually(func() bool {
		return dc.State() == "ERROR_WAIT"
	}, 5*time.Second, 10*time.Millisecond)

	_, err = dialed.Read(make([]byte, 1))
	require.Equal(ErrMaxRetransmits, err)
}

func TestDialTimeout(t *testing.T) {
	require := require.New(t)

	a := socketFixture(t, Config{
		RetransmitTimeout: 10 * time.Millisecond,
		TickInterval:      5 * time.Millisecond,
	})
	a.setDropOutgoing(func(p *packet) bool { return true })

	_, err := a.Dial("127.0.0.1:1", 200*time.Millisecond)
	require.Error(err)
}

func TestCloseDeliversEOF(t *testing.T) {
	require := require.New(t)

	a, b := socketPair(t, Config{})
	dialed, accepted := dialPair(t, a, b)

	payload := []byte("final bytes")
	_, err := dialed.Write(payload)
	require.NoError(err)
	require.NoError(dialed.Close())

	received := make([]byte, len(payload))
	_, err = io.ReadFull(accepted, received)
	require.NoError(err)
	require.Equal(payload, received)

	_, err = accepted.Read(make([]byte, 1))
	require.Equal(io.EOF, err)
}

func TestReadDeadline(t *testing.T) {
	require := require.New(t)

	a, b := socketPair(t, Config{})
	dialed, _ := dialPair(t, a, b)

	require.NoError(dialed.SetReadDeadline(time.Now().Add(50 * time.Millisecond)))
	_, err := dialed.Read(make([]byte, 1))
	nerr, ok := err.(net.Error)
	require.True(ok)
	require.True(nerr.Timeout())
}

func TestSocketRoutesManyConns(t *testing.T) {
	require := require.New(t)

	a, b := socketPair(t, Config{})

	var dialedConns, acceptedConns []net.Conn
	for i := 0; i < 5; i++ {
		d, acc := dialPair(t, a, b)
		dialedConns = append(dialedConns, d)
		acceptedConns = append(acceptedConns, acc)
	}

	for i, d := range dialedConns {
		payload := []byte{byte(i), byte(i + 1), byte(i + 2)}
		_, err := d.Write(payload)
		require.NoError(err)

		received := make([]byte, 3)
		_, err = io.ReadFull(acceptedConns[i], received)
		require.NoError(err)
		require.Equal(payload, received)
	}
}
