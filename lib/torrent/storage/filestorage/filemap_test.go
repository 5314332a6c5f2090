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
package filestorage

import (
	"testing"

	"github.com/tristanperalta/riptide/lib/torrent/merkle"
	"github.com/tristanperalta/riptide/lib/torrent/metainfo"

	"github.com/stretchr/testify/require"
)

func TestFileMapSpansFileBoundaries(t *testing.T) {
	require := require.New(t)

	// Two files of 20000 bytes each, 16384-byte pieces: piece 1 straddles the
	// boundary.
	mi, err := metainfo.CreateV1("fixture", 16384, []metainfo.SourceFile{
		{Path: []string{"a"}, Data: metainfo.BlobFixture(20000)},
		{Path: []string{"b"}, Data: metainfo.BlobFixture(20000)},
	})
	require.NoError(err)

	m := newFileMap(mi)
	rs := m.pieceRegions(1, mi.GetPieceLength(1))
	require.Len(rs, 2)
	require.Equal("a", rs[0].path)
	require.Equal(int64(16384), rs[0].fileOffset)
	require.Equal(int64(20000-16384), rs[0].length)
	require.Equal("b", rs[1].path)
	require.Equal(int64(0), rs[1].fileOffset)
	require.Equal(int64(16384)-rs[0].length, rs[1].length)
}

func TestFileMapMarksPadRegions(t *testing.T) {
	require := require.New(t)

	pieceLength := int64(2 * merkle.BlockSize)
	mi, _ := metainfo.HybridFixture([]int{40000, 70000}, pieceLength)

	// Piece 1 covers the tail of file a plus its pad file.
	m := newFileMap(mi)
	rs := m.pieceRegions(1, mi.GetPieceLength(1))
	require.Len(rs, 2)
	require.False(rs[0].padding)
	require.True(rs[1].padding)
	require.Equal(int64(40000)-pieceLength, rs[0].length)

	var total int64
	for _, r := range rs {
		total += r.length
	}
	require.Equal(mi.GetPieceLength(1), total)
}

func TestFileMapV2AlignmentGaps(t *testing.T) {
	require := require.New(t)

	pieceLength := int64(2 * merkle.BlockSize)
	mi, err := metainfo.CreateV2("fixture", pieceLength, []metainfo.SourceFile{
		{Path: []string{"a"}, Data: metainfo.BlobFixture(40000)},
		{Path: []string{"b"}, Data: metainfo.BlobFixture(10000)},
	})
	require.NoError(err)

	m := newFileMap(mi)
	// Piece 1: tail of a (40000 - 32768) then an implicit alignment gap.
	rs := m.pieceRegions(1, mi.GetPieceLength(1))
	require.Len(rs, 2)
	require.Equal("a", rs[0].path)
	require.False(rs[0].padding)
	require.True(rs[1].padding)
	require.Equal("", rs[1].path)
}
