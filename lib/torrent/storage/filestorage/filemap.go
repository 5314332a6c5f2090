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
	"path/filepath"

	"github.com/tristanperalta/riptide/lib/torrent/metainfo"
)

// region maps a slice of a piece onto a file. Padding regions (BEP 47 pad
// files and v2 alignment gaps) have no backing file; they read as zeroes and
// writes to them are discarded.
type region struct {
	path       string // Relative on-disk path; empty for padding.
	fileOffset int64
	length     int64
	padding    bool
}

// span is one contiguous range of the torrent's piece space.
type span struct {
	offset  int64
	length  int64
	path    string
	padding bool
}

// fileMap resolves piece ranges to file regions.
type fileMap struct {
	spans       []span
	pieceLength int64
	length      int64
}

func newFileMap(mi *metainfo.MetaInfo) *fileMap {
	m := &fileMap{
		pieceLength: mi.PieceLength(),
		length:      mi.Length(),
	}
	var cursor int64
	for _, f := range mi.Files() {
		if f.Offset > cursor {
			// v2 alignment gap between files.
			m.spans = append(m.spans, span{
				offset:  cursor,
				length:  f.Offset - cursor,
				padding: true,
			})
			cursor = f.Offset
		}
		if f.Length == 0 {
			continue
		}
		m.spans = append(m.spans, span{
			offset:  f.Offset,
			length:  f.Length,
			path:    filepath.Join(f.Path...),
			padding: f.Padding,
		})
		cursor = f.Offset + f.Length
	}
	return m
}

// regions returns the file regions covering [off, off+length) of the piece
// space, in order.
func (m *fileMap) regions(off, length int64) []region {
	var rs []region
	end := off + length
	for _, s := range m.spans {
		if s.offset+s.length <= off {
			continue
		}
		if s.offset >= end {
			break
		}
		lo := off
		if s.offset > lo {
			lo = s.offset
		}
		hi := end
		if s.offset+s.length < hi {
			hi = s.offset + s.length
		}
		rs = append(rs, region{
			path:       s.path,
			fileOffset: lo - s.offset,
			length:     hi - lo,
			padding:    s.padding,
		})
	}
	return rs
}

// pieceRegions returns the file regions covering piece i.
func (m *fileMap) pieceRegions(i int, pieceLength int64) []region {
	return m.regions(int64(i)*m.pieceLength, pieceLength)
}
