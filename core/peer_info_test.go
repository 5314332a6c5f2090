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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseEndpointRoundTrip(t *testing.T) {
	require := require.New(t)

	e, err := ParseEndpoint("10.0.0.1:6881")
	require.NoError(err)
	require.Equal(NewEndpoint("10.0.0.1", 6881), e)
	require.Equal("10.0.0.1:6881", e.Addr())

	v6, err := ParseEndpoint("[::1]:6881")
	require.NoError(err)
	require.Equal("::1", v6.IP)
	require.Equal("[::1]:6881", v6.Addr())

	_, err = ParseEndpoint("not an endpoint")
	require.Error(err)
}

func TestPeerSourceBitset(t *testing.T) {
	require := require.New(t)

	s := SourceTracker | SourceDHT
	require.True(s.Has(SourceTracker))
	require.True(s.Has(SourceDHT))
	require.False(s.Has(SourcePEX))
	require.Equal("tracker|dht", s.String())
	require.Equal("none", PeerSource(0).String())
}

func TestSortedByEndpoint(t *testing.T) {
	require := require.New(t)

	peers := []*PeerInfo{
		NewPeerInfo(NewEndpoint("10.0.0.2", 7000), SourceTracker, false),
		NewPeerInfo(NewEndpoint("10.0.0.1", 7000), SourceTracker, false),
	}
	sorted := SortedByEndpoint(peers)
	require.Equal("10.0.0.1", sorted[0].Endpoint.IP)
	require.Equal("10.0.0.2", sorted[1].Endpoint.IP)
	// Original untouched.
	require.Equal("10.0.0.2", peers[0].Endpoint.IP)
}
