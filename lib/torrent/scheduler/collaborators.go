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
package scheduler

import (
	"go.uber.org/atomic"

	"github.com/tristanperalta/riptide/core"
)

// AnnounceRequest carries the parameters of a tracker announce.
type AnnounceRequest struct {
	URL        string
	InfoHash   core.InfoHash
	PeerID     core.PeerID
	Port       int
	Uploaded   int64
	Downloaded int64
	Left       int64
	Event      string
	NumWant    int
}

// AnnounceResponse is a parsed tracker response. The Peers slice is owned by
// the tracker client: callbacks may read it but must not retain it past
// return.
type AnnounceResponse struct {
	Interval int
	Peers    []*core.PeerInfo
}

// TrackerClient announces to HTTP/UDP trackers. Implemented outside the
// engine.
type TrackerClient interface {
	Announce(req *AnnounceRequest, cb func(*AnnounceResponse, error))
}

// DhtClient streams peer endpoints for an info hash. Implemented outside the
// engine. Endpoint batches are borrowed for the duration of each callback.
type DhtClient interface {
	GetPeers(h core.InfoHash, cb func(batch []*core.PeerInfo))
}

// PeerDiscovery aggregates tracker, DHT, PEX and LSD sources and pushes peer
// batches into the session. Implemented outside the engine.
type PeerDiscovery interface {
	// Start begins discovery for h. Peer batches arrive via onPeers; per-
	// tracker outcomes arrive via onTracker (url + count on success, err on
	// failure). Batches are borrowed: the session copies what it keeps.
	Start(h core.InfoHash, onPeers func([]*core.PeerInfo), onTracker func(url string, peerCount int, err error))

	// Stop ends discovery for h.
	Stop(h core.InfoHash)
}

// LogSink accepts async log writes. Implemented outside the engine.
type LogSink interface {
	Write(line string)
}

// SharedResources holds collaborators shared across sessions. It is
// reference-counted: each session acquires on construction and releases on
// free, and the last release runs the cleanup.
type SharedResources struct {
	Discovery PeerDiscovery

	refs    atomic.Int32
	cleanup func()
}

// NewSharedResources creates a SharedResources container whose cleanup runs
// when the last session releases it.
func NewSharedResources(discovery PeerDiscovery, cleanup func()) *SharedResources {
	return &SharedResources{Discovery: discovery, cleanup: cleanup}
}

// Acquire increments the reference count.
func (s *SharedResources) Acquire() {
	s.refs.Inc()
}

// Release decrements the reference count, running cleanup when it reaches
// zero.
func (s *SharedResources) Release() {
	if s.refs.Dec() == 0 && s.cleanup != nil {
		s.cleanup()
	}
}
