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
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// Connection states.
type connState int

const (
	stateNone connState = iota
	stateSynSent
	stateConnected
	stateFinSent
	stateClosed
	stateErrorWait
)

func (s connState) String() string {
	switch s {
	case stateNone:
		return "NONE"
	case stateSynSent:
		return "SYN_SENT"
	case stateConnected:
		return "CONNECTED"
	case stateFinSent:
		return "FIN_SENT"
	case stateClosed:
		return "CLOSED"
	case stateErrorWait:
		return "ERROR_WAIT"
	default:
		return "UNKNOWN"
	}
}

// ErrMaxRetransmits is the terminal error of a connection whose peer stopped
// acking.
var ErrMaxRetransmits = errors.New("utp: max retransmissions exceeded")

// ErrConnReset is the terminal error of a connection which received ST_RESET.
var ErrConnReset = errors.New("utp: connection reset")

var errConnClosed = errors.New("utp: connection closed")

// outPacket is an unacked packet in the send buffer.
type outPacket struct {
	pkt              *packet
	numTransmissions int
	sentAt           time.Time
}

// Conn is a single μTP connection. It implements net.Conn. All state is
// guarded by mu; the socket's read loop and tick loop drive the protocol
// while user goroutines block in Read / Write.
type Conn struct {
	socket     *Socket
	remoteAddr *net.UDPAddr

	mu       sync.Mutex
	cond     *sync.Cond
	state    connState
	stateErr error

	connIDSend uint16
	connIDRecv uint16
	seqNr      uint16 // Next sequence number to send.
	ackNr      uint16 // Last in-order sequence number received.

	sendBuf   []*outPacket // Unacked packets, ordered by seq.
	writeQ    []byte       // Bytes accepted from Write but not yet packetized.
	recvBuf   []byte       // In-order bytes awaiting Read.
	remoteFin bool

	cwnd          int64
	bytesInFlight int64
	remoteWnd     int64

	// registeredWithSocket marks whether the socket's conn table owns this
	// connection. The socket frees registered conns on close; the dialer
	// cleans up only unregistered ones. This asymmetry is what prevents a
	// double free of the conn state between the two paths.
	registeredWithSocket bool

	connectedCh chan struct{}
	connectOnce sync.Once

	readDeadline  time.Time
	writeDeadline time.Time

	// Retransmission counts per packet, retained after ack for inspection.
	retransmitStats map[uint16]int
}

func newConn(s *Socket, remote *net.UDPAddr, sendID, recvID uint16) *Conn {
	c := &Conn{
		socket:          s,
		remoteAddr:      remote,
		state:           stateNone,
		connIDSend:      sendID,
		connIDRecv:      recvID,
		cwnd:            2 * mss,
		remoteWnd:       maxCwnd,
		connectedCh:     make(chan struct{}),
		retransmitStats: make(map[uint16]int),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// ConnID returns the connection's receive id, under which the socket routes
// packets to it.
func (c *Conn) ConnID() uint16 {
	return c.connIDRecv
}

// State returns the connection state name. Primarily for logging and tests.
func (c *Conn) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.String()
}

// Cwnd returns the current congestion window in bytes.
func (c *Conn) Cwnd() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cwnd
}

// NumTransmissions returns how many times the packet with the given sequence
// number was sent.
func (c *Conn) NumTransmissions(seq uint16) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retransmitStats[seq]
}

// LocalAddr returns the socket's UDP address.
func (c *Conn) LocalAddr() net.Addr {
	return c.socket.Addr()
}

// RemoteAddr returns the remote peer's UDP address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.remoteAddr
}

// SetDeadline sets both read and write deadlines.
func (c *Conn) SetDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readDeadline = t
	c.writeDeadline = t
	c.cond.Broadcast()
	return nil
}

// SetReadDeadline sets the read deadline.
func (c *Conn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readDeadline = t
	c.cond.Broadcast()
	return nil
}

// SetWriteDeadline sets the write deadline.
func (c *Conn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeDeadline = t
	c.cond.Broadcast()
	return nil
}

// timeoutError satisfies net.Error for deadline expirations.
type timeoutError struct{}

func (timeoutError) Error() string   { return "utp: i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

// Read delivers in-order bytes, blocking until data, EOF, deadline, or error.
func (c *Conn) Read(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		if len(c.recvBuf) > 0 {
			n := copy(b, c.recvBuf)
			c.recvBuf = c.recvBuf[n:]
			return n, nil
		}
		if c.remoteFin {
			return 0, io.EOF
		}
		if c.state == stateClosed || c.state == stateErrorWait {
			if c.stateErr != nil {
				return 0, c.stateErr
			}
			return 0, io.EOF
		}
		if !c.readDeadline.IsZero() && !time.Now().Before(c.readDeadline) {
			return 0, timeoutError{}
		}
		c.waitLocked(c.readDeadline)
	}
}

// Write queues b for reliable delivery and flushes as much as the windows
// allow. Returns once all of b is accepted into the send pipeline.
func (c *Conn) Write(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != stateConnected {
		return 0, errConnClosed
	}
	c.writeQ = append(c.writeQ, b...)
	c.flushLocked()

	// Block until the queue drains into the send buffer, so callers cannot
	// grow the pipeline without bound.
	for len(c.writeQ) > 0 {
		if c.state != stateConnected {
			return 0, c.terminalErrLocked()
		}
		if !c.writeDeadline.IsZero() && !time.Now().Before(c.writeDeadline) {
			return 0, timeoutError{}
		}
		c.waitLocked(c.writeDeadline)
	}
	return len(b), nil
}

// Close sends FIN and transitions toward CLOSED. The connection leaves the
// socket's table once the FIN is acked or times out.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case stateClosed, stateErrorWait, stateFinSent:
		return nil
	case stateConnected:
		fin := &packet{header: header{
			typ:    stFin,
			connID: c.connIDSend,
			seqNr:  c.seqNr,
			ackNr:  c.ackNr,
		}}
		c.seqNr++
		c.sendBuf = append(c.sendBuf, &outPacket{pkt: fin})
		c.transmitLocked(c.sendBuf[len(c.sendBuf)-1])
		c.state = stateFinSent
	default:
		c.state = stateClosed
		c.socket.deregister(c)
	}
	c.cond.Broadcast()
	return nil
}

// waitLocked waits for a state change, waking up for deadline checks.
func (c *Conn) waitLocked(deadline time.Time) {
	if deadline.IsZero() {
		c.cond.Wait()
		return
	}
	// Wake periodically so the deadline is observed even without traffic.
	t := time.AfterFunc(time.Until(deadline), c.cond.Broadcast)
	c.cond.Wait()
	t.Stop()
}

func (c *Conn) terminalErrLocked() error {
	if c.stateErr != nil {
		return c.stateErr
	}
	return errConnClosed
}

// sendSyn initiates the handshake.
func (c *Conn) sendSyn() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seqNr = 1
	syn := &packet{header: header{
		typ:    stSyn,
		connID: c.connIDRecv, // SYN advertises the id the remote must reply to.
		seqNr:  c.seqNr,
	}}
	c.seqNr++
	c.sendBuf = append(c.sendBuf, &outPacket{pkt: syn})
	c.transmitLocked(c.sendBuf[len(c.sendBuf)-1])
	c.state = stateSynSent
}

// transmitLocked sends or resends an outstanding packet.
func (c *Conn) transmitLocked(op *outPacket) {
	op.pkt.timestampUs = uint32(time.Now().UnixMicro())
	op.pkt.wndSize = uint32(c.socket.config.RecvBufferSize - len(c.recvBuf))
	op.pkt.ackNr = c.ackNr
	op.numTransmissions++
	op.sentAt = time.Now()
	c.retransmitStats[op.pkt.seqNr] = op.numTransmissions
	if op.numTransmissions == 1 && op.pkt.typ == stData {
		c.bytesInFlight += int64(len(op.pkt.payload))
	}
	c.socket.sendPacket(c.remoteAddr, op.pkt)
}

// flushLocked packetizes queued writes up to the congestion and remote
// windows.
func (c *Conn) flushLocked() {
	for len(c.writeQ) > 0 {
		budget := c.cwnd - c.bytesInFlight
		if c.remoteWnd < budget {
			budget = c.remoteWnd
		}
		if budget <= 0 {
			return
		}
		n := int64(len(c.writeQ))
		if n > mss {
			n = mss
		}
		if n > budget {
			n = budget
		}
		payload := append([]byte{}, c.writeQ[:n]...)
		c.writeQ = c.writeQ[n:]

		data := &packet{
			header: header{
				typ:    stData,
				connID: c.connIDSend,
				seqNr:  c.seqNr,
			},
			payload: payload,
		}
		c.seqNr++
		op := &outPacket{pkt: data}
		c.sendBuf = append(c.sendBuf, op)
		c.transmitLocked(op)
	}
}

// handlePacket processes an inbound packet routed to this connection by the
// socket.
func (c *Conn) handlePacket(p *packet) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch p.typ {
	case stReset:
		c.stateErr = ErrConnReset
		c.state = stateErrorWait
		c.socket.deregister(c)
	case stState:
		c.handleAckLocked(p)
		if c.state == stateSynSent {
			c.state = stateConnected
			// The remote's seq counter starts where its ST_STATE says.
			c.ackNr = p.seqNr - 1
			c.connectOnce.Do(func() { close(c.connectedCh) })
		}
		if c.state == stateFinSent && len(c.sendBuf) == 0 {
			c.state = stateClosed
			c.socket.deregister(c)
		}
	case stData:
		if c.state != stateConnected && c.state != stateFinSent {
			break
		}
		c.handleAckLocked(p)
		if p.seqNr == c.ackNr+1 &&
			len(c.recvBuf)+len(p.payload) <= c.socket.config.RecvBufferSize {
			// Acked only when buffered: a full receive buffer leaves the
			// packet unacked so the remote retransmits it later.
			c.ackNr = p.seqNr
			c.recvBuf = append(c.recvBuf, p.payload...)
		}
		// Out-of-order data is dropped; the remote retransmits. The ack below
		// repeats our last in-order position either way.
		c.sendAckLocked()
	case stFin:
		c.handleAckLocked(p)
		if p.seqNr == c.ackNr+1 {
			c.ackNr = p.seqNr
		}
		c.remoteFin = true
		c.sendAckLocked()
		if c.state != stateFinSent {
			c.state = stateClosed
		}
		c.socket.deregister(c)
	case stSyn:
		// Duplicate SYN on an established incoming conn: repeat the state ack.
		c.sendAckLocked()
	}
	c.cond.Broadcast()
}

// handleAckLocked removes acked packets from the send buffer and grows the
// congestion window.
func (c *Conn) handleAckLocked(p *packet) {
	c.remoteWnd = int64(p.wndSize)

	var bytesAcked int64
	i := 0
	for ; i < len(c.sendBuf); i++ {
		op := c.sendBuf[i]
		if !seqLessEq(op.pkt.seqNr, p.ackNr) {
			break
		}
		if op.pkt.typ == stData {
			n := int64(len(op.pkt.payload))
			bytesAcked += n
			c.bytesInFlight -= n
		}
	}
	c.sendBuf = c.sendBuf[i:]

	if bytesAcked > 0 {
		// Additive increase, one MSS per window's worth of acked data.
		c.cwnd += mss * bytesAcked / c.cwnd
		if c.cwnd > maxCwnd {
			c.cwnd = maxCwnd
		}
		c.flushLocked()
	}
}

func (c *Conn) sendAckLocked() {
	ack := &packet{header: header{
		typ:    stState,
		connID: c.connIDSend,
		seqNr:  c.seqNr,
		ackNr:  c.ackNr,
	}}
	ack.timestampUs = uint32(time.Now().UnixMicro())
	ack.wndSize = uint32(c.socket.config.RecvBufferSize - len(c.recvBuf))
	c.socket.sendPacket(c.remoteAddr, ack)
}

// tick retransmits timed-out packets and errors the connection once a packet
// exhausts its retries.
func (c *Conn) tick(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == stateClosed || c.state == stateErrorWait {
		return
	}
	for _, op := range c.sendBuf {
		// Exponential backoff: 1, 2, 4, 8, 16x the base timeout.
		timeout := c.socket.config.RetransmitTimeout << uint(op.numTransmissions-1)
		if now.Sub(op.sentAt) < timeout {
			continue
		}
		if op.numTransmissions > c.socket.config.MaxRetransmits {
			c.stateErr = ErrMaxRetransmits
			c.state = stateErrorWait
			c.socket.deregister(c)
			c.cond.Broadcast()
			return
		}
		// Multiplicative decrease on loss.
		c.cwnd /= 2
		if c.cwnd < minCwnd {
			c.cwnd = minCwnd
		}
		c.transmitLocked(op)
	}
}

// waitConnected blocks until the handshake completes or times out.
func (c *Conn) waitConnected(timeout time.Duration) error {
	select {
	case <-c.connectedCh:
		return nil
	case <-time.After(timeout):
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.state == stateConnected {
			return nil
		}
		err := c.terminalErrLocked()
		if err == errConnClosed {
			err = fmt.Errorf("utp: handshake timeout in state %s", c.state)
		}
		return err
	}
}
