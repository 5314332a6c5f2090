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
	"strconv"
	"strings"

	"github.com/tristanperalta/riptide/lib/torrent/bencode"
	"github.com/tristanperalta/riptide/lib/torrent/merkle"
)

// SourceFile is an in-memory file handed to the builders. Used for seeding
// freshly created torrents and for test fixtures.
type SourceFile struct {
	Path []string
	Data []byte
}

// CreateV1 builds a v1 .torrent over the given files.
func CreateV1(name string, pieceLength int64, files []SourceFile) (*MetaInfo, error) {
	info, err := v1InfoDict(name, pieceLength, files, false)
	if err != nil {
		return nil, err
	}
	return Parse(bencode.Encode(bencode.Dict{"info": info}))
}

// CreateV2 builds a v2-only .torrent over the given files.
func CreateV2(name string, pieceLength int64, files []SourceFile) (*MetaInfo, error) {
	info, layers, err := v2InfoDict(name, pieceLength, files)
	if err != nil {
		return nil, err
	}
	top := bencode.Dict{"info": info}
	if len(layers) > 0 {
		top["piece layers"] = layers
	}
	return Parse(bencode.Encode(top))
}

// CreateHybrid builds a .torrent carrying both v1 and v2 metadata, with
// BEP 47 pad files aligning each real file to a piece boundary.
func CreateHybrid(name string, pieceLength int64, files []SourceFile) (*MetaInfo, error) {
	info, err := v1InfoDict(name, pieceLength, files, true)
	if err != nil {
		return nil, err
	}
	v2Info, layers, err := v2InfoDict(name, pieceLength, files)
	if err != nil {
		return nil, err
	}
	// Merge the v2 fields into the padded v1 info dict.
	info["meta version"] = v2Info["meta version"]
	info["file tree"] = v2Info["file tree"]
	top := bencode.Dict{"info": info}
	if len(layers) > 0 {
		top["piece layers"] = layers
	}
	return Parse(bencode.Encode(top))
}

func v1InfoDict(
	name string, pieceLength int64, files []SourceFile, pad bool) (bencode.Dict, error) {

	if len(files) == 0 {
		return nil, metadataErrorf("no files")
	}
	info := bencode.Dict{
		"name":         bencode.String(name),
		"piece length": bencode.Int(pieceLength),
	}

	var stream []byte
	if len(files) == 1 && !pad {
		stream = files[0].Data
		info["length"] = bencode.Int(int64(len(files[0].Data)))
	} else {
		var entries bencode.List
		for i, f := range files {
			entries = append(entries, fileEntry(f.Path, int64(len(f.Data)), ""))
			stream = append(stream, f.Data...)
			if pad && i != len(files)-1 {
				if rem := int64(len(stream)) % pieceLength; rem != 0 {
					padLen := pieceLength - rem
					entries = append(entries, fileEntry(
						[]string{".pad", strconv.FormatInt(padLen, 10)}, padLen, "p"))
					stream = append(stream, make([]byte, padLen)...)
				}
			}
		}
		info["files"] = entries
	}

	var sums []byte
	for off := int64(0); off < int64(len(stream)); off += pieceLength {
		end := off + pieceLength
		if end > int64(len(stream)) {
			end = int64(len(stream))
		}
		sum := sha1.Sum(stream[off:end])
		sums = append(sums, sum[:]...)
	}
	info["pieces"] = bencode.String(sums)
	return info, nil
}

func fileEntry(path []string, length int64, attr string) bencode.Dict {
	var pathList bencode.List
	for _, pc := range path {
		pathList = append(pathList, bencode.String(pc))
	}
	e := bencode.Dict{
		"length": bencode.Int(length),
		"path":   pathList,
	}
	if attr != "" {
		e["attr"] = bencode.String(attr)
	}
	return e
}

func v2InfoDict(
	name string, pieceLength int64, files []SourceFile) (bencode.Dict, bencode.Dict, error) {

	if pieceLength < merkle.BlockSize || pieceLength&(pieceLength-1) != 0 {
		return nil, nil, metadataErrorf(
			"v2 piece length %d is not a power of two >= %d", pieceLength, merkle.BlockSize)
	}
	selected, err := merkle.SelectLayer(pieceLength)
	if err != nil {
		return nil, nil, &Error{Reason: "select layer", Cause: err}
	}

	fileTree := bencode.Dict{}
	layers := bencode.Dict{}
	for _, f := range files {
		tree, err := merkle.Build(f.Data)
		if err != nil {
			return nil, nil, &Error{Reason: "build hash tree", Cause: err}
		}
		root := tree.Root()

		node := fileTree
		for _, pc := range f.Path {
			sub, ok := node[pc].(bencode.Dict)
			if !ok {
				sub = bencode.Dict{}
				node[pc] = sub
			}
			node = sub
		}
		node[""] = bencode.Dict{
			"length":      bencode.Int(int64(len(f.Data))),
			"pieces root": bencode.String(root[:]),
		}

		if int64(len(f.Data)) > pieceLength {
			layer, err := tree.Layer(selected)
			if err != nil {
				return nil, nil, &Error{Reason: "piece layer", Cause: err}
			}
			numPieces := (int64(len(f.Data)) + pieceLength - 1) / pieceLength
			var concat []byte
			for i := int64(0); i < numPieces; i++ {
				concat = append(concat, layer[i][:]...)
			}
			layers[strings.Join(f.Path, "/")] = bencode.String(concat)
		}
	}

	info := bencode.Dict{
		"name":         bencode.String(name),
		"piece length": bencode.Int(pieceLength),
		"meta version": bencode.Int(2),
		"file tree":    fileTree,
	}
	return info, layers, nil
}
