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
	"math/rand"
)

// PeerIDFixture returns a randomly generated PeerID.
func PeerIDFixture() PeerID {
	p, err := RandomPeerID()
	if err != nil {
		panic(err)
	}
	return p
}

// InfoHashFixture returns a randomly generated InfoHash.
func InfoHashFixture() InfoHash {
	b := make([]byte, 32)
	rand.Read(b)
	return NewInfoHashFromBytes(b)
}

// InfoHashV2Fixture returns a randomly generated InfoHashV2.
func InfoHashV2Fixture() InfoHashV2 {
	b := make([]byte, 32)
	rand.Read(b)
	return NewInfoHashV2FromBytes(b)
}

// EndpointFixture returns a local Endpoint with a random high port.
func EndpointFixture() Endpoint {
	return NewEndpoint("127.0.0.1", 10000+rand.Intn(50000))
}

// PeerInfoFixture returns a PeerInfo with a random endpoint.
func PeerInfoFixture() *PeerInfo {
	return NewPeerInfo(EndpointFixture(), SourceTracker, false)
}

// PeerInfoBatchFixture returns n PeerInfos with distinct endpoints.
func PeerInfoBatchFixture(n int) []*PeerInfo {
	peers := make([]*PeerInfo, n)
	for i := 0; i < n; i++ {
		peers[i] = NewPeerInfo(
			NewEndpoint(fmt.Sprintf("10.0.%d.%d", i/256, i%256), 7000), SourceTracker, false)
	}
	return peers
}
