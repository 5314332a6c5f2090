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
package metainfo

import (
	"crypto/sha1"
	"testing"

	"github.com/tristanperalta/riptide/lib/torrent/bencode"
	"github.com/tristanperalta/riptide/lib/torrent/merkle"

	"github.com/stretchr/testify/require"
)

func TestParseEncodeRoundTrip(t *testing.T) {
	tests := []struct {
		description string
		build       func() *MetaInfo
	}{
		{"v1 single file", func() *MetaInfo { mi, _ := V1Fixture(100000, 16384); return mi }},
		{"v2 single file", func() *MetaInfo { mi, _ := V2Fixture(100000, 32768); return mi }},
		{"hybrid multi file", func() *MetaInfo {
			mi, _ := HybridFixture([]int{40000, 70000}, 32768)
			return mi
		}},
	}
	for _, test := range tests {
		t.Run(test.description, func(t *testing.T) {
			require := require.New(t)

			mi := test.build()
			reparsed, err := Parse(mi.Encode())
			require.NoError(err)
			require.True(mi.Equal(reparsed))
			require.Equal(mi.InfoHash(), reparsed.InfoHash())
			require.Equal(mi.NumPieces(), reparsed.NumPieces())
			require.Equal(mi.Files(), reparsed.Files())
		})
	}
}

func TestParseV1PieceSums(t *testing.T) {
	require := require.New(t)

	pieceLength := int64(16384)
	mi, data := V1Fixture(40000, pieceLength)

	require.True(mi.HasV1())
	require.False(mi.HasV2())
	require.Equal(3, mi.NumPieces())
	require.Equal(int64(16384), mi.GetPieceLength(0))
	require.Equal(int64(40000-2*16384), mi.GetPieceLength(2))

	for i := 0; i < mi.NumPieces(); i++ {
		lo := int64(i) * pieceLength
		hi := lo + mi.GetPieceLength(i)
		require.Equal([20]byte(sha1.Sum(data[lo:hi])), mi.PieceSum(i))
	}
}

func TestParseV2PieceLayers(t *testing.T) {
	require := require.New(t)

	pieceLength := int64(2 * merkle.BlockSize)
	mi, data := V2Fixture(5*merkle.BlockSize, pieceLength)

	require.True(mi.HasV2())
	require.False(mi.HasV1())
	require.False(mi.IsHybrid())

	f := mi.Files()[0]
	require.True(f.HasPiecesRoot)

	layer, ok := mi.PieceLayer(f.DisplayPath())
	require.True(ok)
	require.Len(layer, 3)

	// Each layer digest verifies the corresponding piece against the root.
	for i, d := range layer {
		lo := int64(i) * pieceLength
		hi := lo + mi.GetPieceLength(i)
		recomputed, err := merkle.PieceRoot(data[lo:hi], pieceLength)
		require.NoError(err)
		require.Equal(d, recomputed)
	}
}

func TestParseHybrid(t *testing.T) {
	require := require.New(t)

	pieceLength := int64(2 * merkle.BlockSize)
	mi, contents := HybridFixture([]int{40000, 70000}, pieceLength)

	require.True(mi.IsHybrid())
	require.NotEqual(mi.InfoHash(), mi.InfoHashV2().Truncated())

	var real []File
	var pad int
	for _, f := range mi.Files() {
		if f.Padding {
			pad++
		} else {
			real = append(real, f)
		}
	}
	require.Len(real, 2)
	require.Equal(1, pad)
	for i, f := range real {
		require.Equal(int64(len(contents[i])), f.Length)
		require.Zero(f.Offset % pieceLength)
		require.True(f.HasPiecesRoot)
	}
}

func TestParseRejectsMalformedTorrents(t *testing.T) {
	tests := []struct {
		description string
		data        []byte
	}{
		{"not bencode", []byte("garbage")},
		{"not a dict", bencode.Encode(bencode.Int(1))},
		{"missing info", bencode.Encode(bencode.Dict{"announce": bencode.String("x")})},
		{"missing name", bencode.Encode(bencode.Dict{
			"info": bencode.Dict{"piece length": bencode.Int(16384)},
		})},
		{"no pieces and no file tree", bencode.Encode(bencode.Dict{
			"info": bencode.Dict{
				"name":         bencode.String("x"),
				"piece length": bencode.Int(16384),
				"length":       bencode.Int(10),
			},
		})},
		{"pieces not multiple of 20", bencode.Encode(bencode.Dict{
			"info": bencode.Dict{
				"name":         bencode.String("x"),
				"piece length": bencode.Int(16384),
				"length":       bencode.Int(10),
				"pieces":       bencode.String("tooshort"),
			},
		})},
		{"v2 piece length not power of two", bencode.Encode(bencode.Dict{
			"info": bencode.Dict{
				"name":         bencode.String("x"),
				"piece length": bencode.Int(10000),
				"meta version": bencode.Int(2),
				"file tree":    bencode.Dict{},
			},
		})},
	}
	for _, test := range tests {
		t.Run(test.description, func(t *testing.T) {
			_, err := Parse(test.data)
			require.Error(t, err)
			require.True(t, IsMetadataError(err))
		})
	}
}
