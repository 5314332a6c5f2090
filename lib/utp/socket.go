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
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/uber-go/tally"
	"go.uber.org/zap"
)

// Socket multiplexes μTP connections over one UDP socket, routing inbound
// packets by their 16-bit connection id.
type Socket struct {
	config Config
	pc     *net.UDPConn
	stats  tally.Scope
	logger *zap.SugaredLogger

	mu     sync.Mutex
	conns  map[uint16]*Conn // Keyed by each conn's receive id.
	closed bool

	incoming chan *Conn
	done     chan struct{}
	wg       sync.WaitGroup

	// dropOutgoing, when set, discards outgoing packets it returns true for.
	// Test hook for simulating loss.
	dropOutgoing func(*packet) bool
}

// NewSocket creates a Socket bound to addr (e.g. "127.0.0.1:0").
func NewSocket(
	config Config, addr string, stats tally.Scope, logger *zap.SugaredLogger) (*Socket, error) {

	config = config.applyDefaults()

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve addr: %s", err)
	}
	pc, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen udp: %s", err)
	}

	s := &Socket{
		config:   config,
		pc:       pc,
		stats:    stats.Tagged(map[string]string{"module": "utp"}),
		logger:   logger,
		conns:    make(map[uint16]*Conn),
		incoming: make(chan *Conn, config.AcceptBacklog),
		done:     make(chan struct{}),
	}
	s.wg.Add(2)
	go s.readLoop()
	go s.tickLoop()
	return s, nil
}

// Addr returns the socket's bound UDP address.
func (s *Socket) Addr() net.Addr {
	return s.pc.LocalAddr()
}

// Dial establishes a μTP connection to addr. Satisfies the peer-wire layer's
// Transport interface.
func (s *Socket) Dial(addr string, timeout time.Duration) (net.Conn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve addr: %s", err)
	}

	c, err := s.createOutgoing(udpAddr)
	if err != nil {
		return nil, err
	}
	c.sendSyn()
	if err := c.waitConnected(timeout); err != nil {
		c.mu.Lock()
		if c.state != stateErrorWait {
			c.state = stateClosed
		}
		c.cond.Broadcast()
		c.mu.Unlock()
		s.deregister(c)
		return nil, err
	}
	s.stats.Counter("dialed").Inc(1)
	return c, nil
}

// createOutgoing picks a fresh id pair (odd send / even recv) and registers
// the new conn.
func (s *Socket) createOutgoing(remote *net.UDPAddr) (*Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errors.New("utp: socket closed")
	}
	for attempts := 0; attempts < 128; attempts++ {
		recvID := uint16(rand.Uint32()) &^ 1 // Even.
		sendID := recvID + 1                 // Odd.
		if _, ok := s.conns[recvID]; ok {
			continue
		}
		c := newConn(s, remote, sendID, recvID)
		s.conns[recvID] = c
		c.registeredWithSocket = true
		return c, nil
	}
	return nil, errors.New("utp: no free connection ids")
}

// Accept returns the next incoming connection.
func (s *Socket) Accept() (net.Conn, error) {
	select {
	case c := <-s.incoming:
		return c, nil
	case <-s.done:
		return nil, errors.New("utp: socket closed")
	}
}

// Close shuts down the socket and every registered connection.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		c.registeredWithSocket = false
		conns = append(conns, c)
	}
	s.conns = make(map[uint16]*Conn)
	s.mu.Unlock()

	// The socket owns every registered conn; closing it tears them all down.
	// Conns which never registered are their dialer's problem.
	for _, c := range conns {
		c.mu.Lock()
		if c.state != stateClosed && c.state != stateErrorWait {
			c.state = stateClosed
		}
		c.cond.Broadcast()
		c.mu.Unlock()
	}

	close(s.done)
	err := s.pc.Close()
	s.wg.Wait()
	return err
}

func (s *Socket) deregister(c *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !c.registeredWithSocket {
		return
	}
	if cur, ok := s.conns[c.connIDRecv]; ok && cur == c {
		delete(s.conns, c.connIDRecv)
	}
	c.registeredWithSocket = false
}

// setDropOutgoing installs the loss-simulation hook.
func (s *Socket) setDropOutgoing(f func(*packet) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropOutgoing = f
}

func (s *Socket) sendPacket(remote *net.UDPAddr, p *packet) {
	s.mu.Lock()
	drop := s.dropOutgoing
	s.mu.Unlock()
	if drop != nil && drop(p) {
		s.stats.Counter("packets_dropped").Inc(1)
		return
	}
	if _, err := s.pc.WriteToUDP(p.encode(), remote); err != nil {
		s.log().Debugf("Error sending %s packet: %s", p.typ, err)
	}
	s.stats.Tagged(map[string]string{"packet_type": p.typ.String()}).
		Counter("packets_sent").Inc(1)
}

func (s *Socket) readLoop() {
	defer s.wg.Done()

	buf := make([]byte, 64*1024)
	for {
		n, remote, err := s.pc.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				s.log().Infof("Error reading from UDP socket: %s", err)
				continue
			}
		}
		p, err := decodePacket(buf[:n])
		if err != nil {
			s.log().Debugf("Dropping malformed packet from %s: %s", remote, err)
			continue
		}
		s.dispatch(remote, p)
	}
}

func (s *Socket) dispatch(remote *net.UDPAddr, p *packet) {
	if p.typ == stSyn {
		s.handleSyn(remote, p)
		return
	}

	s.mu.Lock()
	c, ok := s.conns[p.connID]
	s.mu.Unlock()
	if !ok {
		// Unroutable non-SYN traffic gets a reset so the remote gives up
		// quickly instead of retransmitting into the void.
		s.sendPacket(remote, &packet{header: header{
			typ:    stReset,
			connID: p.connID,
			ackNr:  p.seqNr,
		}})
		return
	}
	c.handlePacket(p)
}

func (s *Socket) handleSyn(remote *net.UDPAddr, p *packet) {
	// The SYN advertises the id the initiator receives on. We reverse:
	// send on that id, receive on id+1 (odd recv / even send).
	sendID := p.connID
	recvID := p.connID + 1

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if c, ok := s.conns[recvID]; ok {
		// Repeat SYN for an existing conn: re-ack.
		s.mu.Unlock()
		c.handlePacket(p)
		return
	}
	c := newConn(s, remote, sendID, recvID)
	c.state = stateConnected
	c.seqNr = 1
	c.ackNr = p.seqNr // The SYN consumed sequence number 1.
	s.conns[recvID] = c
	c.registeredWithSocket = true
	s.mu.Unlock()

	c.mu.Lock()
	c.sendAckLocked()
	c.mu.Unlock()

	select {
	case s.incoming <- c:
		s.stats.Counter("accepted").Inc(1)
	default:
		// Backlog full.
		s.log().Warnf("Accept backlog full, resetting conn from %s", remote)
		s.sendPacket(remote, &packet{header: header{typ: stReset, connID: sendID}})
		s.deregister(c)
	}
}

func (s *Socket) tickLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			s.mu.Lock()
			conns := make([]*Conn, 0, len(s.conns))
			for _, c := range s.conns {
				conns = append(conns, c)
			}
			s.mu.Unlock()
			for _, c := range conns {
				c.tick(now)
			}
		}
	}
}

func (s *Socket) log(args ...interface{}) *zap.SugaredLogger {
	return s.logger.With(args...)
}
