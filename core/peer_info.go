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
package core

import (
	"fmt"
	"net"
	"sort"
	"strconv"
)

// PeerSource is a bitset of the discovery mechanisms which produced a peer.
type PeerSource uint8

// Peer sources.
const (
	SourceTracker PeerSource = 1 << iota
	SourceDHT
	SourcePEX
	SourceLSD
	SourceIncoming
)

// Has returns true if s contains all sources in o.
func (s PeerSource) Has(o PeerSource) bool {
	return s&o == o
}

func (s PeerSource) String() string {
	names := []struct {
		src  PeerSource
		name string
	}{
		{SourceTracker, "tracker"},
		{SourceDHT, "dht"},
		{SourcePEX, "pex"},
		{SourceLSD, "lsd"},
		{SourceIncoming, "incoming"},
	}
	var out string
	for _, n := range names {
		if s.Has(n.src) {
			if out != "" {
				out += "|"
			}
			out += n.name
		}
	}
	if out == "" {
		return "none"
	}
	return out
}

// Endpoint identifies a peer by network address. It is the identity of a peer
// within a swarm regardless of which peer id it handshakes with.
type Endpoint struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

// NewEndpoint creates a new Endpoint.
func NewEndpoint(ip string, port int) Endpoint {
	return Endpoint{IP: ip, Port: port}
}

// ParseEndpoint parses an "ip:port" address into an Endpoint.
func ParseEndpoint(addr string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return Endpoint{}, fmt.Errorf("split host port: %s", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parse port: %s", err)
	}
	return Endpoint{IP: host, Port: port}, nil
}

// Addr returns the "ip:port" form of e, usable for dialing.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.IP, strconv.Itoa(e.Port))
}

func (e Endpoint) String() string {
	return e.Addr()
}

// PeerInfo defines peer metadata scoped to a torrent.
type PeerInfo struct {
	Endpoint Endpoint   `json:"endpoint"`
	PeerID   PeerID     `json:"peer_id"`
	Source   PeerSource `json:"source"`
	Complete bool       `json:"complete"`
}

// NewPeerInfo creates a new PeerInfo.
func NewPeerInfo(endpoint Endpoint, source PeerSource, complete bool) *PeerInfo {
	return &PeerInfo{
		Endpoint: endpoint,
		Source:   source,
		Complete: complete,
	}
}

// PeerInfos groups PeerInfo structs for sorting.
type PeerInfos []*PeerInfo

// Len for sorting.
func (s PeerInfos) Len() int { return len(s) }

// Swap for sorting.
func (s PeerInfos) Swap(i, j int) { s[i], s[j] = s[j], s[i] }

// PeersByEndpoint sorts PeerInfos by endpoint.
type PeersByEndpoint struct{ PeerInfos }

// Less for sorting.
func (s PeersByEndpoint) Less(i, j int) bool {
	return s.PeerInfos[i].Endpoint.Addr() < s.PeerInfos[j].Endpoint.Addr()
}

// SortedByEndpoint returns a copy of peers which has been sorted by endpoint.
func SortedByEndpoint(peers []*PeerInfo) []*PeerInfo {
	c := make([]*PeerInfo, len(peers))
	copy(c, peers)
	sort.Sort(PeersByEndpoint{PeerInfos(c)})
	return c
}
