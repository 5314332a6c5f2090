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

import "math/rand"

// BlobFixture returns n random bytes.
func BlobFixture(n int) []byte {
	b := make([]byte, n)
	rand.Read(b)
	return b
}

// V1Fixture returns a single-file v1 torrent over random data.
func V1Fixture(size int, pieceLength int64) (*MetaInfo, []byte) {
	data := BlobFixture(size)
	mi, err := CreateV1("fixture", pieceLength, []SourceFile{{Path: []string{"fixture"}, Data: data}})
	if err != nil {
		panic(err)
	}
	return mi, data
}

// V2Fixture returns a single-file v2 torrent over random data. pieceLength
// must be a power of two of at least one block.
func V2Fixture(size int, pieceLength int64) (*MetaInfo, []byte) {
	data := BlobFixture(size)
	mi, err := CreateV2("fixture", pieceLength, []SourceFile{{Path: []string{"fixture"}, Data: data}})
	if err != nil {
		panic(err)
	}
	return mi, data
}

// HybridFixture returns a multi-file hybrid torrent over random data.
// Returns the metainfo and the per-file contents.
func HybridFixture(sizes []int, pieceLength int64) (*MetaInfo, [][]byte) {
	var files []SourceFile
	var contents [][]byte
	for i, size := range sizes {
		data := BlobFixture(size)
		files = append(files, SourceFile{
			Path: []string{"dir", string(rune('a' + i))},
			Data: data,
		})
		contents = append(contents, data)
	}
	mi, err := CreateHybrid("fixture", pieceLength, files)
	if err != nil {
		panic(err)
	}
	return mi, contents
}
