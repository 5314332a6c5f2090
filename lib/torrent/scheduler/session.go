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

// Package scheduler composes the download engine for one torrent: storage,
// peer pool, dispatcher, connections, and the session event bus.
package scheduler

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
	"github.com/tristanperalta/riptide/lib/torrent/eventbus"
	"github.com/tristanperalta/riptide/lib/torrent/metainfo"
	"github.com/tristanperalta/riptide/lib/torrent/scheduler/conn"
	"github.com/tristanperalta/riptide/lib/torrent/scheduler/dispatch"
	"github.com/tristanperalta/riptide/lib/torrent/scheduler/peerpool"
	"github.com/tristanperalta/riptide/lib/torrent/storage/filestorage"
	"github.com/tristanperalta/riptide/utils/log"
)

// State is the session lifecycle state.
type State int

// Session states.
const (
	StateStopped State = iota
	StateDownloading
	StatePaused
	StateSeeding
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "STOPPED"
	case StateDownloading:
		return "DOWNLOADING"
	case StatePaused:
		return "PAUSED"
	case StateSeeding:
		return "SEEDING"
	default:
		return "UNKNOWN"
	}
}

// Session drives the download and seeding of one torrent.
type Session struct {
	config Config
	stats  tally.Scope
	clk    clock.Clock
	logger *zap.SugaredLogger

	mi      *metainfo.MetaInfo
	peerID  core.PeerID
	torrent *filestorage.Torrent

	handshaker *conn.Handshaker
	dispatcher *dispatch.Dispatcher
	pool       *peerpool.Pool
	bus        *eventbus.Bus
	shared     *SharedResources
	listener   net.Listener

	mu    sync.Mutex
	state State

	statsPending   atomic.Bool
	lastDownloaded int64

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// Option customizes Session construction.
type Option func(*sessionOpts)

type sessionOpts struct {
	stats     tally.Scope
	clk       clock.Clock
	logger    *zap.SugaredLogger
	transport conn.Transport
	listener  net.Listener
	shared    *SharedResources
	peerID    core.PeerID
	hasPeerID bool
}

// WithStats sets the metrics scope.
func WithStats(stats tally.Scope) Option {
	return func(o *sessionOpts) { o.stats = stats }
}

// WithClock sets the clock.
func WithClock(clk clock.Clock) Option {
	return func(o *sessionOpts) { o.clk = clk }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(o *sessionOpts) { o.logger = logger }
}

// WithTransport sets the outgoing dial transport (TCP by default, a μTP
// socket for peers that prefer it).
func WithTransport(t conn.Transport) Option {
	return func(o *sessionOpts) { o.transport = t }
}

// WithListener accepts incoming peer connections from l.
func WithListener(l net.Listener) Option {
	return func(o *sessionOpts) { o.listener = l }
}

// WithSharedResources attaches the shared collaborator container.
func WithSharedResources(s *SharedResources) Option {
	return func(o *sessionOpts) { o.shared = s }
}

// WithPeerID fixes the local peer id.
func WithPeerID(id core.PeerID) Option {
	return func(o *sessionOpts) { o.peerID = id; o.hasPeerID = true }
}

// New creates a Session downloading mi into dir. Metadata errors abort
// creation.
func New(config Config, mi *metainfo.MetaInfo, dir string, opts ...Option) (*Session, error) {
	config = config.applyDefaults()

	o := &sessionOpts{
		stats:  tally.NoopScope,
		clk:    clock.New(),
		logger: log.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if !o.hasPeerID {
		id, err := core.RandomPeerID()
		if err != nil {
			return nil, fmt.Errorf("generate peer id: %s", err)
		}
		o.peerID = id
	}

	tor, err := filestorage.NewTorrent(config.Storage, dir, mi)
	if err != nil {
		return nil, fmt.Errorf("storage: %s", err)
	}

	s := &Session{
		config:   config,
		stats:    o.stats,
		clk:      o.clk,
		logger:   o.logger,
		mi:       mi,
		peerID:   o.peerID,
		torrent:  tor,
		bus:      eventbus.New(),
		shared:   o.shared,
		listener: o.listener,
		state:    StateStopped,
		done:     make(chan struct{}),
	}

	s.handshaker, err = conn.NewHandshaker(
		config.Conn, o.stats, o.clk, o.transport, o.peerID, (*connEvents)(s), o.logger)
	if err != nil {
		return nil, fmt.Errorf("handshaker: %s", err)
	}

	s.dispatcher, err = dispatch.New(
		config.Dispatch, o.stats, o.clk, (*dispatchEvents)(s), o.peerID, tor, o.logger)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: %s", err)
	}

	s.pool = peerpool.New(
		config.PeerPool, o.stats, o.clk, s.dialPeer, (*poolEvents)(s), o.logger)

	// The session is the first stats.update subscriber, so the coalescing
	// flag clears before embedder subscribers observe the event.
	s.bus.Subscribe(EventStatsUpdate, func(eventbus.Event) {
		s.statsPending.Store(false)
	})

	if s.shared != nil {
		s.shared.Acquire()
	}
	return s, nil
}

// connEvents adapts the Session to conn.Events.
type connEvents Session

func (e *connEvents) ConnClosed(c *conn.Conn) {
	s := (*Session)(e)
	s.pool.HandleConnClosed(c)
}

// poolEvents adapts the Session to peerpool.Events.
type poolEvents Session

func (e *poolEvents) PeerConnected(c *conn.Conn, b *bitset.BitSet) {
	s := (*Session)(e)
	if err := s.dispatcher.AddPeer(c.PeerID(), b, c); err != nil {
		s.log("peer", c.PeerID()).Errorf("Error adding peer to dispatcher: %s", err)
		c.Close()
		return
	}
	c.Start()
	s.bus.Publish(EventPeerConnected, &PeerEvent{Endpoint: c.Endpoint(), PeerID: c.PeerID()})
}

func (e *poolEvents) PeerDisconnected(endpoint core.Endpoint, id core.PeerID) {
	s := (*Session)(e)
	s.bus.Publish(EventPeerDisconnected, &PeerEvent{Endpoint: endpoint, PeerID: id})
}

// dispatchEvents adapts the Session to dispatch.Events.
type dispatchEvents Session

func (e *dispatchEvents) DispatcherComplete(*dispatch.Dispatcher) {
	s := (*Session)(e)
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return
	}
	s.state = StateSeeding
	s.mu.Unlock()

	s.publishSessionEvent(EventSessionCompleted, "download complete")
}

func (e *dispatchEvents) PeerRemoved(id core.PeerID, h core.InfoHash) {}

func (e *dispatchEvents) PieceCompleted(h core.InfoHash, i int, size int64) {
	s := (*Session)(e)
	bf := s.torrent.Bitfield()
	s.bus.Publish(EventPieceCompleted, &PieceCompletedEvent{
		Index:          i,
		Size:           size,
		CompletedCount: int(bf.Count()),
		TotalCount:     s.torrent.NumPieces(),
	})
}

func (e *dispatchEvents) PieceHashFailed(h core.InfoHash, i int, contributors []core.PeerID) {
	s := (*Session)(e)
	for _, id := range contributors {
		s.pool.MarkHashFailure(id)
	}
	s.bus.Publish(EventPieceHashFailed, &PieceHashFailedEvent{Index: i})
}

func (e *dispatchEvents) PeerTransfer(peerID core.PeerID, down, up int64) {
	s := (*Session)(e)
	s.pool.RecordTransfer(peerID, down, up)
}

func (e *dispatchEvents) FatalError(h core.InfoHash, err error) {
	s := (*Session)(e)
	s.publishError(err)
	go s.Stop()
}

// dialPeer is the pool's connector.
func (s *Session) dialPeer(endpoint core.Endpoint) (*conn.HandshakeResult, error) {
	return s.handshaker.Initialize(endpoint, s.torrent.Stat())
}

// Bus returns the session event bus for embedding UIs.
func (s *Session) Bus() *eventbus.Bus {
	return s.bus
}

// InfoHash returns the torrent's swarm identifier.
func (s *Session) InfoHash() core.InfoHash {
	return s.mi.InfoHash()
}

// PeerID returns the local peer id.
func (s *Session) PeerID() core.PeerID {
	return s.peerID
}

// State returns the session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// NumConnsFreed returns the pool's connection-release accounting. Debug
// surface for leak tests.
func (s *Session) NumConnsFreed() int {
	return s.pool.ConnsFreed()
}

// Complete returns true once every piece is written.
func (s *Session) Complete() bool {
	return s.torrent.Complete()
}

// Start transitions the session out of STOPPED and begins downloading (or
// seeding, if the data is already complete).
func (s *Session) Start() error {
	s.mu.Lock()
	if s.state != StateStopped {
		s.mu.Unlock()
		return errors.New("session already started")
	}
	if s.torrent.Complete() {
		s.state = StateSeeding
	} else {
		s.state = StateDownloading
	}
	state := s.state
	s.mu.Unlock()

	if s.listener != nil {
		s.wg.Add(1)
		go s.acceptLoop()
	}
	s.wg.Add(1)
	go s.emitStatsLoop()

	if s.shared != nil && s.shared.Discovery != nil {
		s.shared.Discovery.Start(s.mi.InfoHash(), s.handleDiscoveredPeers, s.handleTrackerResult)
	}

	s.publishSessionEvent(EventSessionStarted, "")
	if state == StateSeeding {
		s.publishSessionEvent(EventSessionCompleted, "seeding existing data")
	}
	return nil
}

// AddPeers feeds discovered peers into the pool and fills free connection
// slots. The batch is copied; callers retain ownership of the slice.
func (s *Session) AddPeers(batch []*core.PeerInfo) {
	infos := make([]*core.PeerInfo, len(batch))
	for i, p := range batch {
		cp := *p
		infos[i] = &cp
	}
	s.pool.AddPeers(infos)
	s.pool.ConnectToPeers()
}

func (s *Session) handleDiscoveredPeers(batch []*core.PeerInfo) {
	s.AddPeers(batch)
}

func (s *Session) handleTrackerResult(url string, peerCount int, err error) {
	if err != nil {
		s.bus.Publish(EventTrackerFailed, &TrackerEvent{URL: url, Error: err.Error()})
		return
	}
	s.bus.Publish(EventTrackerSuccess, &TrackerEvent{URL: url, PeerCount: peerCount})
}

// Pause inhibits new block requests but keeps connections open.
func (s *Session) Pause() {
	s.mu.Lock()
	if s.state != StateDownloading {
		s.mu.Unlock()
		return
	}
	s.state = StatePaused
	s.mu.Unlock()

	s.dispatcher.SetPaused(true)
	s.publishSessionEvent(EventSessionPaused, "")
}

// Resume reverses Pause.
func (s *Session) Resume() {
	s.mu.Lock()
	if s.state != StatePaused {
		s.mu.Unlock()
		return
	}
	s.state = StateDownloading
	s.mu.Unlock()

	s.dispatcher.SetPaused(false)
	s.publishSessionEvent(EventSessionResumed, "")
}

// Stop drains and frees the session: timers stop, connections close
// gracefully, close callbacks run, then the pool sweep releases whatever
// remains. Skipping any step would leak the corresponding wrapper.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.state = StateStopped
		s.mu.Unlock()

		if s.shared != nil && s.shared.Discovery != nil {
			s.shared.Discovery.Stop(s.mi.InfoHash())
		}

		// (1) Stop timers and accept loop.
		close(s.done)
		if s.listener != nil {
			s.listener.Close()
		}
		s.wg.Wait()

		// (2) Graceful close on every connection; pointers stay set.
		s.dispatcher.TearDown()
		s.pool.DisconnectAllGracefully()
		s.pool.Drain()

		// (3) Run until the close callbacks have fired.
		deadline := time.Now().Add(s.config.StopTimeout)
		for !s.dispatcher.Empty() && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}

		// (4) Terminal sweep, then release shared resources.
		s.pool.Free()
		s.publishSessionEvent(EventSessionStopped, "")
		s.bus.Close()
		if s.shared != nil {
			s.shared.Release()
		}
	})
}

func (s *Session) acceptLoop() {
	defer s.wg.Done()

	for {
		nc, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				s.log().Infof("Error accepting connection: %s", err)
				continue
			}
		}
		go s.handleIncomingConn(nc)
	}
}

func (s *Session) handleIncomingConn(nc net.Conn) {
	pc, err := s.handshaker.Accept(nc)
	if err != nil {
		s.log().Infof("Error reading incoming handshake: %s", err)
		nc.Close()
		return
	}
	if pc.InfoHash() != s.mi.InfoHash() {
		s.log().Infof("Rejecting incoming conn for unknown hash %s", pc.InfoHash())
		pc.Close()
		return
	}
	endpoint, err := core.ParseEndpoint(nc.RemoteAddr().String())
	if err != nil {
		pc.Close()
		return
	}
	r, err := s.handshaker.Establish(pc, endpoint, s.torrent.Stat())
	if err != nil {
		s.log().Infof("Error establishing incoming conn: %s", err)
		pc.Close()
		return
	}
	if err := s.pool.AddIncomingConn(r.Conn, r.Bitfield); err != nil {
		s.log().Infof("Rejecting incoming conn: %s", err)
		r.Conn.Close()
	}
}

// emitStatsLoop publishes stats.update at 1 Hz, coalescing when the bus has
// not yet delivered the previous update.
func (s *Session) emitStatsLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.done:
			return
		case <-s.clk.After(s.config.EmitStatsInterval):
			s.emitStats()
		}
	}
}

func (s *Session) emitStats() {
	if !s.statsPending.CAS(false, true) {
		return // Previous update still in flight.
	}
	downloaded := s.torrent.BytesDownloaded()
	rate := int64(0)
	if interval := s.config.EmitStatsInterval.Seconds(); interval > 0 {
		rate = int64(float64(downloaded-s.lastDownloaded) / interval)
	}
	s.lastDownloaded = downloaded

	progress := float64(0)
	if n := s.torrent.NumPieces(); n > 0 {
		progress = float64(s.torrent.Bitfield().Count()) / float64(n)
	}
	s.bus.Publish(EventStatsUpdate, &StatsEvent{
		Downloaded:   downloaded,
		Uploaded:     s.dispatcher.BytesUploaded(),
		DownloadRate: rate,
		Peers:        s.dispatcher.NumPeers(),
		Progress:     progress,
	})
}

func (s *Session) publishSessionEvent(name, message string) {
	s.bus.Publish(name, &SessionEvent{
		InfoHash: s.mi.InfoHash(),
		State:    s.State().String(),
		Message:  message,
	})
}

func (s *Session) publishError(err error) {
	s.bus.Publish(EventSessionError, &SessionEvent{
		InfoHash: s.mi.InfoHash(),
		State:    StateStopped.String(),
		Message:  err.Error(),
	})
}

func (s *Session) log(args ...interface{}) *zap.SugaredLogger {
	args = append(args, "hash", s.mi.InfoHash())
	return s.logger.With(args...)
}
