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
	"crypto/sha256"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func blob(n int) []byte {
	b := make([]byte, n)
	rand.Read(b)
	return b
}

func TestBuildSingleBlock(t *testing.T) {
	require := require.New(t)

	data := blob(BlockSize)
	tree, err := Build(data)
	require.NoError(err)
	require.Equal(1, tree.NumLeaves())
	require.Equal(Digest(sha256.Sum256(data)), tree.Root())
}

func TestBuildShortFinalBlockIsZeroPadded(t *testing.T) {
	require := require.New(t)

	data := blob(100)
	padded := make([]byte, BlockSize)
	copy(padded, data)

	tree, err := Build(data)
	require.NoError(err)
	require.Equal(Digest(sha256.Sum256(padded)), tree.Root())
}

func TestBuildPadsLeavesToPowerOfTwo(t *testing.T) {
	require := require.New(t)

	tree, err := Build(blob(3 * BlockSize))
	require.NoError(err)
	require.Equal(4, tree.NumLeaves())
	require.Equal(2, tree.Height())
}

func TestSelectLayer(t *testing.T) {
	tests := []struct {
		pieceLength int64
		expected    int
	}{
		{16384, 0},
		{32768, 1},
		{65536, 2},
		{1 << 20, 6},
	}
	for _, test := range tests {
		layer, err := SelectLayer(test.pieceLength)
		require.NoError(t, err)
		require.Equal(t, test.expected, layer)
	}

	_, err := SelectLayer(10000)
	require.Error(t, err)
	_, err = SelectLayer(3 * 16384)
	require.Error(t, err)
}

func TestProofVerifiesForEveryPiece(t *testing.T) {
	require := require.New(t)

	pieceLength := int64(4 * BlockSize)
	// 11 blocks -> 3 pieces, final piece short.
	data := blob(10*BlockSize + 57)

	tree, err := Build(data)
	require.NoError(err)
	selected, err := SelectLayer(pieceLength)
	require.NoError(err)
	root := tree.Root()

	numPieces := (int64(len(data)) + pieceLength - 1) / pieceLength
	for i := int64(0); i < numPieces; i++ {
		lo := i * pieceLength
		hi := lo + pieceLength
		if hi > int64(len(data)) {
			hi = int64(len(data))
		}
		uncles, err := tree.GenerateProof(selected, int(i))
		require.NoError(err)

		ok, err := VerifyProof(data[lo:hi], pieceLength, int(i), uncles, root)
		require.NoError(err)
		require.True(ok, "piece %d", i)
	}
}

func TestVerifyProofRejectsCorruptPiece(t *testing.T) {
	require := require.New(t)

	pieceLength := int64(2 * BlockSize)
	data := blob(4 * BlockSize)

	tree, err := Build(data)
	require.NoError(err)
	selected, err := SelectLayer(pieceLength)
	require.NoError(err)

	uncles, err := tree.GenerateProof(selected, 1)
	require.NoError(err)

	corrupt := make([]byte, pieceLength)
	copy(corrupt, data[pieceLength:])
	corrupt[0] ^= 0xff

	ok, err := VerifyProof(corrupt, pieceLength, 1, uncles, tree.Root())
	require.NoError(err)
	require.False(ok)
}

func TestVerifyProofRejectsWrongIndex(t *testing.T) {
	require := require.New(t)

	pieceLength := int64(BlockSize)
	data := blob(4 * BlockSize)

	tree, err := Build(data)
	require.NoError(err)
	uncles, err := tree.GenerateProof(0, 2)
	require.NoError(err)

	ok, err := VerifyProof(data[2*BlockSize:3*BlockSize], pieceLength, 3, uncles, tree.Root())
	require.NoError(err)
	require.False(ok)
}
