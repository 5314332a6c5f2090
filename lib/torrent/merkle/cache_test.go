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
package merkle

import (
	"testing"

	"github.com/c2h5oh/datasize"
	"github.com/stretchr/testify/require"
)

func layerFixture(n int) []Digest {
	layer := make([]Digest, n)
	for i := range layer {
		layer[i][0] = byte(i)
	}
	return layer
}

func TestPieceLayerCacheReusesTrees(t *testing.T) {
	require := require.New(t)

	c := NewPieceLayerCache(CacheConfig{})
	layer := layerFixture(8)

	a := c.Get("f", layer)
	b := c.Get("f", layer)
	require.True(a == b)
	require.Equal(1, c.Len())
}

func TestPieceLayerCacheEvictsLRU(t *testing.T) {
	require := require.New(t)

	// Each 64-leaf tree costs (64+32+16+8+4+2+1)*32 bytes. Cap the cache so
	// only two fit.
	treeBytes := BuildFromLeaves(layerFixture(64)).NumBytes()
	c := NewPieceLayerCache(CacheConfig{Capacity: datasize.ByteSize(2 * treeBytes)})

	c.Get("a", layerFixture(64))
	c.Get("b", layerFixture(64))
	c.Get("a", layerFixture(64)) // Touch a so b is the eviction candidate.
	c.Get("c", layerFixture(64))

	require.Equal(2, c.Len())
	require.LessOrEqual(c.NumBytes(), 2*treeBytes)
}
