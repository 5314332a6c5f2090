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
	"bytes"
	"crypto/sha1"
	"fmt"

	"github.com/tristanperalta/riptide/lib/torrent/merkle"
	"github.com/tristanperalta/riptide/lib/torrent/metainfo"
	"github.com/tristanperalta/riptide/lib/torrent/storage"
)

// verifier hashes pieces on a bounded set of workers. Hashing is the hot CPU
// path of the engine; the semaphore keeps it off an unbounded number of
// connection goroutines.
type verifier struct {
	mi         *metainfo.MetaInfo
	layerCache *merkle.PieceLayerCache
	hybridBoth bool
	slots      chan struct{}
}

func newVerifier(config Config, mi *metainfo.MetaInfo) (*verifier, error) {
	v := &verifier{
		mi:         mi,
		layerCache: merkle.NewPieceLayerCache(config.PieceLayerCache),
		hybridBoth: *config.VerifyBothHybridHashes,
		slots:      make(chan struct{}, config.VerifyWorkers),
	}
	if mi.HasV2() {
		// Validate the delivered piece layers against each file's pieces root
		// up front, so per-piece verification can trust the layer digests.
		for _, f := range mi.Files() {
			if f.Padding || !f.HasPiecesRoot {
				continue
			}
			layer, ok := mi.PieceLayer(f.DisplayPath())
			if !ok {
				continue
			}
			// Pad to a power of two with the digest of an all-zero piece, as
			// the file's full tree does above its zero leaves.
			pad, err := merkle.PieceRoot(nil, mi.PieceLength())
			if err != nil {
				return nil, err
			}
			padded := append([]merkle.Digest{}, layer...)
			for len(padded)&(len(padded)-1) != 0 {
				padded = append(padded, pad)
			}
			tree := v.layerCache.Get(f.DisplayPath(), padded)
			if tree.Root() != f.PiecesRoot {
				return nil, fmt.Errorf(
					"piece layer for %q does not match pieces root", f.DisplayPath())
			}
		}
	}
	return v, nil
}

// verify checks piece i's payload against the torrent's hashes, blocking if
// all hash workers are busy.
func (v *verifier) verify(piece []byte, i int) error {
	v.slots <- struct{}{}
	defer func() { <-v.slots }()

	switch {
	case v.mi.IsHybrid():
		return v.verifyHybrid(piece, i)
	case v.mi.HasV2():
		return v.verifyV2(piece, i)
	default:
		return v.verifyV1(piece, i)
	}
}

func (v *verifier) verifyHybrid(piece []byte, i int) error {
	v2Err := v.verifyV2(piece, i)
	if !v.hybridBoth {
		return v2Err
	}
	v1Err := v.verifyV1(piece, i)
	if (v1Err == nil) != (v2Err == nil) {
		return &storage.HybridMismatchError{Piece: i}
	}
	if v1Err != nil {
		return v1Err
	}
	return nil
}

func (v *verifier) verifyV1(piece []byte, i int) error {
	sum := sha1.Sum(piece)
	expected := v.mi.PieceSum(i)
	if !bytes.Equal(sum[:], expected[:]) {
		return &storage.VerifyError{Piece: i, Reason: "sha1 mismatch"}
	}
	return nil
}

func (v *verifier) verifyV2(piece []byte, i int) error {
	f, err := v.mi.FileForPiece(i)
	if err != nil {
		return &storage.VerifyError{Piece: i, Reason: err.Error()}
	}
	if f.Padding {
		// Pad pieces are all zeroes by construction; nothing to verify beyond
		// the v1 sum on hybrid torrents.
		return nil
	}
	start := int64(i) * v.mi.PieceLength()
	pieceInFile := (start - f.Offset) / v.mi.PieceLength()

	// Trim trailing pad-file bytes: the file's hash tree covers its own data
	// only, with absent blocks represented as zero digests rather than hashed
	// zero blocks.
	if dataLen := f.Offset + f.Length - start; dataLen < int64(len(piece)) {
		piece = piece[:dataLen]
	}

	layer, ok := v.mi.PieceLayer(f.DisplayPath())
	if !ok {
		// File fits within a single piece: its pieces root covers the file
		// directly, over the file's padded block count.
		root, err := merkle.PieceRoot(piece, effectivePieceLength(f.Length))
		if err != nil {
			return &storage.VerifyError{Piece: i, Reason: err.Error()}
		}
		if root != f.PiecesRoot {
			return &storage.VerifyError{Piece: i, Reason: "pieces root mismatch"}
		}
		return nil
	}

	root, err := merkle.PieceRoot(piece, v.mi.PieceLength())
	if err != nil {
		return &storage.VerifyError{Piece: i, Reason: err.Error()}
	}
	if root != layer[pieceInFile] {
		return &storage.VerifyError{Piece: i, Reason: "merkle proof mismatch"}
	}
	return nil
}

// hashes serves a BEP 52 hash request against the piece-layer tree whose root
// matches.
func (v *verifier) hashes(
	root merkle.Digest, baseLayer, index, length, proofLayers int) ([]merkle.Digest, error) {

	selected, err := merkle.SelectLayer(v.mi.PieceLength())
	if err != nil {
		return nil, err
	}
	if baseLayer != selected {
		return nil, fmt.Errorf("unsupported base layer %d, serving %d only", baseLayer, selected)
	}

	for _, f := range v.mi.Files() {
		if f.Padding || !f.HasPiecesRoot || f.PiecesRoot != root {
			continue
		}
		layer, ok := v.mi.PieceLayer(f.DisplayPath())
		if !ok {
			return nil, fmt.Errorf("no piece layer for %q", f.DisplayPath())
		}
		pad, err := merkle.PieceRoot(nil, v.mi.PieceLength())
		if err != nil {
			return nil, err
		}
		padded := append([]merkle.Digest{}, layer...)
		for len(padded)&(len(padded)-1) != 0 {
			padded = append(padded, pad)
		}
		tree := v.layerCache.Get(f.DisplayPath(), padded)
		if index >= tree.NumLeaves() {
			return nil, fmt.Errorf("index %d outside tree of %d leaves", index, tree.NumLeaves())
		}

		leaves, err := tree.Layer(0)
		if err != nil {
			return nil, err
		}
		out := make([]merkle.Digest, length)
		copy(out, leaves[index:])

		groupLayer := 0
		for l := length; l > 1; l >>= 1 {
			groupLayer++
		}
		if groupLayer < tree.Height() {
			uncles, err := tree.GenerateProof(groupLayer, index/length)
			if err != nil {
				return nil, err
			}
			if proofLayers < len(uncles) {
				uncles = uncles[:proofLayers]
			}
			out = append(out, uncles...)
		}
		return out, nil
	}
	return nil, fmt.Errorf("no file with pieces root %s", root)
}

// effectivePieceLength returns the byte coverage of the root of a file
// smaller than one piece: its block count rounded up to a power of two.
func effectivePieceLength(fileLength int64) int64 {
	blocks := (fileLength + merkle.BlockSize - 1) / merkle.BlockSize
	p := int64(1)
	for p < blocks {
		p <<= 1
	}
	return p * merkle.BlockSize
}
