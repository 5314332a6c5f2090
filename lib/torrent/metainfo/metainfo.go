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

// Package metainfo parses and serializes .torrent files: v1 (flat SHA1
// pieces), v2 (per-file SHA256 hash trees) and hybrid torrents carrying both.
package metainfo

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/tristanperalta/riptide/core"
	"github.com/tristanperalta/riptide/lib/torrent/bencode"
	"github.com/tristanperalta/riptide/lib/torrent/merkle"
)

// Error wraps any defect in torrent metadata: malformed bencode, missing
// required fields, invalid piece lengths, disagreeing hybrid views. Session
// creation aborts on it.
type Error struct {
	Reason string
	Cause  error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("metainfo: %s: %s", e.Reason, e.Cause)
	}
	return fmt.Sprintf("metainfo: %s", e.Reason)
}

func (e *Error) Unwrap() error { return e.Cause }

// IsMetadataError returns true if err originated from torrent metadata
// parsing or validation.
func IsMetadataError(err error) bool {
	var me *Error
	return errors.As(err, &me)
}

func metadataErrorf(format string, args ...interface{}) error {
	return &Error{Reason: fmt.Sprintf(format, args...)}
}

// File describes one entry of a torrent's file list.
type File struct {
	// Path components relative to the torrent root. Single-file torrents have
	// one component, the torrent name.
	Path []string

	Length int64

	// Offset of the file within the torrent's piece space.
	Offset int64

	// Padding marks a BEP 47 pad file: zeroes which exist only to align the
	// next real file to a piece boundary. Pad files are never written to disk.
	Padding bool

	// BEP 47 extras.
	Attr        string
	SymlinkPath []string
	SHA1        []byte

	// PiecesRoot is the root of the file's v2 hash tree, if present.
	PiecesRoot    merkle.Digest
	HasPiecesRoot bool
}

// DisplayPath joins the path components for logging and piece-layer lookup.
func (f File) DisplayPath() string {
	return strings.Join(f.Path, "/")
}

// MetaInfo is an immutable view of a parsed .torrent file.
type MetaInfo struct {
	name        string
	pieceLength int64
	files       []File
	length      int64

	pieceSums   [][20]byte
	pieceLayers map[string][]merkle.Digest

	hasV1      bool
	hasV2      bool
	infoHash   core.InfoHash
	infoHashV2 core.InfoHashV2

	private      bool
	announce     string
	announceList [][]string

	raw bencode.Dict
}

// Parse decodes and validates a .torrent file.
func Parse(data []byte) (*MetaInfo, error) {
	root, err := bencode.Decode(data)
	if err != nil {
		return nil, &Error{Reason: "decode torrent", Cause: err}
	}
	top, ok := root.(bencode.Dict)
	if !ok {
		return nil, metadataErrorf("torrent is not a dict")
	}
	info, err := top.GetDict("info")
	if err != nil {
		return nil, &Error{Reason: "info dict", Cause: err}
	}
	rawInfo, err := bencode.RawField(data, "info")
	if err != nil {
		return nil, &Error{Reason: "raw info dict", Cause: err}
	}

	mi := &MetaInfo{
		pieceLayers: make(map[string][]merkle.Digest),
		raw:         top,
	}

	nameBytes, err := info.GetString("name")
	if err != nil {
		return nil, &Error{Reason: "name", Cause: err}
	}
	mi.name = string(nameBytes)

	mi.pieceLength, err = info.GetInt("piece length")
	if err != nil {
		return nil, &Error{Reason: "piece length", Cause: err}
	}
	if mi.pieceLength <= 0 {
		return nil, metadataErrorf("piece length %d is not positive", mi.pieceLength)
	}

	if p, err := info.GetInt("private"); err == nil && p == 1 {
		mi.private = true
	}
	if a, err := top.GetString("announce"); err == nil {
		mi.announce = string(a)
	}
	if al, err := top.GetList("announce-list"); err == nil {
		for _, tier := range al {
			tierList, ok := tier.(bencode.List)
			if !ok {
				continue
			}
			var urls []string
			for _, u := range tierList {
				if s, ok := u.(bencode.String); ok {
					urls = append(urls, string(s))
				}
			}
			mi.announceList = append(mi.announceList, urls)
		}
	}

	if metaVersion, err := info.GetInt("meta version"); err == nil {
		if metaVersion != 2 {
			return nil, metadataErrorf("unsupported meta version %d", metaVersion)
		}
		mi.hasV2 = true
	}
	if _, hasPieces := info["pieces"]; hasPieces {
		mi.hasV1 = true
	}
	if !mi.hasV1 && !mi.hasV2 {
		return nil, metadataErrorf("torrent carries neither v1 pieces nor v2 file tree")
	}

	if mi.hasV2 {
		if mi.pieceLength < merkle.BlockSize || mi.pieceLength&(mi.pieceLength-1) != 0 {
			return nil, metadataErrorf(
				"v2 piece length %d is not a power of two >= %d", mi.pieceLength, merkle.BlockSize)
		}
	}

	if mi.hasV1 {
		if err := mi.parseV1Files(info); err != nil {
			return nil, err
		}
		sums, err := info.GetString("pieces")
		if err != nil {
			return nil, &Error{Reason: "pieces", Cause: err}
		}
		if len(sums)%20 != 0 {
			return nil, metadataErrorf("pieces length %d is not a multiple of 20", len(sums))
		}
		mi.pieceSums = make([][20]byte, len(sums)/20)
		for i := range mi.pieceSums {
			copy(mi.pieceSums[i][:], sums[i*20:])
		}
		expected := (mi.length + mi.pieceLength - 1) / mi.pieceLength
		if int64(len(mi.pieceSums)) != expected {
			return nil, metadataErrorf(
				"piece count mismatch: %d sums for %d pieces of data", len(mi.pieceSums), expected)
		}
		mi.infoHash = core.NewInfoHashFromBytes(rawInfo)
	}

	if mi.hasV2 {
		if err := mi.parseV2FileTree(info, top); err != nil {
			return nil, err
		}
		mi.infoHashV2 = core.NewInfoHashV2FromBytes(rawInfo)
	}

	if mi.IsHybrid() {
		if err := mi.validateHybrid(); err != nil {
			return nil, err
		}
	}

	return mi, nil
}

func (mi *MetaInfo) parseV1Files(info bencode.Dict) error {
	if length, err := info.GetInt("length"); err == nil {
		mi.files = []File{{Path: []string{mi.name}, Length: length}}
		mi.length = length
		return nil
	}
	files, err := info.GetList("files")
	if err != nil {
		return metadataErrorf("torrent has neither length nor files")
	}
	if len(files) == 0 {
		return metadataErrorf("empty files list")
	}
	var offset int64
	for i, fv := range files {
		fd, ok := fv.(bencode.Dict)
		if !ok {
			return metadataErrorf("file %d is not a dict", i)
		}
		length, err := fd.GetInt("length")
		if err != nil {
			return &Error{Reason: fmt.Sprintf("file %d length", i), Cause: err}
		}
		pathList, err := fd.GetList("path")
		if err != nil {
			return &Error{Reason: fmt.Sprintf("file %d path", i), Cause: err}
		}
		f := File{Length: length, Offset: offset}
		for _, pc := range pathList {
			s, ok := pc.(bencode.String)
			if !ok {
				return metadataErrorf("file %d path component is not a string", i)
			}
			f.Path = append(f.Path, string(s))
		}
		if attr, err := fd.GetString("attr"); err == nil {
			f.Attr = string(attr)
			f.Padding = strings.Contains(f.Attr, "p")
		}
		if sha, err := fd.GetString("sha1"); err == nil {
			f.SHA1 = sha
		}
		if sl, err := fd.GetList("symlink path"); err == nil {
			for _, pc := range sl {
				if s, ok := pc.(bencode.String); ok {
					f.SymlinkPath = append(f.SymlinkPath, string(s))
				}
			}
		}
		mi.files = append(mi.files, f)
		offset += length
	}
	mi.length = offset
	return nil
}

// v2FileEntry is an intermediate holder for file-tree traversal.
type v2FileEntry struct {
	path   []string
	length int64
	root   merkle.Digest
}

func (mi *MetaInfo) parseV2FileTree(info, top bencode.Dict) error {
	tree, err := info.GetDict("file tree")
	if err != nil {
		return &Error{Reason: "file tree", Cause: err}
	}
	var entries []v2FileEntry
	if err := walkFileTree(tree, nil, &entries); err != nil {
		return err
	}
	if len(entries) == 0 {
		return metadataErrorf("empty file tree")
	}

	if mi.hasV1 {
		// Hybrid: attach roots to the already-parsed v1 file list by path.
		byPath := make(map[string]*File)
		for i := range mi.files {
			if !mi.files[i].Padding {
				byPath[mi.files[i].DisplayPath()] = &mi.files[i]
			}
		}
		for _, e := range entries {
			key := strings.Join(e.path, "/")
			f, ok := byPath[key]
			if !ok {
				return metadataErrorf("file tree entry %q missing from v1 files", key)
			}
			if f.Length != e.length {
				return metadataErrorf(
					"hybrid length mismatch for %q: v1=%d v2=%d", key, f.Length, e.length)
			}
			f.PiecesRoot = e.root
			f.HasPiecesRoot = true
		}
	} else {
		// v2-only: every file starts at a piece boundary.
		var offset int64
		for _, e := range entries {
			mi.files = append(mi.files, File{
				Path:          e.path,
				Length:        e.length,
				Offset:        offset,
				PiecesRoot:    e.root,
				HasPiecesRoot: true,
			})
			offset += e.length
			if rem := offset % mi.pieceLength; rem != 0 {
				offset += mi.pieceLength - rem
			}
		}
		// The piece space ends with the last file's data, not its alignment gap.
		last := mi.files[len(mi.files)-1]
		mi.length = last.Offset + last.Length
	}

	if layers, err := top.GetDict("piece layers"); err == nil {
		for path, v := range layers {
			s, ok := v.(bencode.String)
			if !ok {
				return metadataErrorf("piece layer %q is not a string", path)
			}
			if len(s)%32 != 0 {
				return metadataErrorf("piece layer %q length %d is not a multiple of 32", path, len(s))
			}
			digests := make([]merkle.Digest, len(s)/32)
			for i := range digests {
				copy(digests[i][:], s[i*32:])
			}
			mi.pieceLayers[path] = digests
		}
	}
	return nil
}

func walkFileTree(tree bencode.Dict, path []string, out *[]v2FileEntry) error {
	keys := make([]string, 0, len(tree))
	for k := range tree {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sub, ok := tree[k].(bencode.Dict)
		if !ok {
			return metadataErrorf("file tree node %q is not a dict", k)
		}
		if k == "" {
			length, err := sub.GetInt("length")
			if err != nil {
				return &Error{Reason: "file tree leaf length", Cause: err}
			}
			rootBytes, err := sub.GetString("pieces root")
			if err != nil {
				return &Error{Reason: "file tree pieces root", Cause: err}
			}
			if len(rootBytes) != 32 {
				return metadataErrorf("pieces root is %d bytes, expected 32", len(rootBytes))
			}
			var root merkle.Digest
			copy(root[:], rootBytes)
			cp := make([]string, len(path))
			copy(cp, path)
			*out = append(*out, v2FileEntry{path: cp, length: length, root: root})
			continue
		}
		if err := walkFileTree(sub, append(path, k), out); err != nil {
			return err
		}
	}
	return nil
}

func (mi *MetaInfo) validateHybrid() error {
	v1Pieces := len(mi.pieceSums)
	var v2Pieces int64
	for _, f := range mi.files {
		if f.Padding {
			continue
		}
		v2Pieces += (f.Length + mi.pieceLength - 1) / mi.pieceLength
	}
	if int64(v1Pieces) != v2Pieces {
		return metadataErrorf(
			"hybrid piece count mismatch: v1=%d v2=%d", v1Pieces, v2Pieces)
	}
	for _, f := range mi.files {
		if !f.Padding && !f.HasPiecesRoot {
			return metadataErrorf("hybrid file %q has no pieces root", f.DisplayPath())
		}
		if !f.Padding && f.Offset%mi.pieceLength != 0 {
			return metadataErrorf(
				"hybrid file %q is not piece-aligned (offset %d)", f.DisplayPath(), f.Offset)
		}
	}
	return nil
}

// Encode serializes mi back to bencode. Parsing the result yields an equal
// MetaInfo.
func (mi *MetaInfo) Encode() []byte {
	return bencode.Encode(mi.raw)
}

// Name returns the torrent name.
func (mi *MetaInfo) Name() string { return mi.name }

// PieceLength returns the nominal piece length. The final piece (of the
// torrent for v1, of each file for v2) may be shorter.
func (mi *MetaInfo) PieceLength() int64 { return mi.pieceLength }

// Length returns the total length of the torrent's piece space, padding
// included.
func (mi *MetaInfo) Length() int64 { return mi.length }

// Files returns the ordered file list.
func (mi *MetaInfo) Files() []File { return mi.files }

// Private returns the BEP 27 private flag.
func (mi *MetaInfo) Private() bool { return mi.private }

// Announce returns the primary tracker URL.
func (mi *MetaInfo) Announce() string { return mi.announce }

// AnnounceList returns the BEP 12 tracker tiers.
func (mi *MetaInfo) AnnounceList() [][]string { return mi.announceList }

// HasV1 returns true if the torrent carries flat SHA1 pieces.
func (mi *MetaInfo) HasV1() bool { return mi.hasV1 }

// HasV2 returns true if the torrent carries a v2 file tree.
func (mi *MetaInfo) HasV2() bool { return mi.hasV2 }

// IsHybrid returns true if the torrent carries both v1 and v2 metadata.
func (mi *MetaInfo) IsHybrid() bool { return mi.hasV1 && mi.hasV2 }

// InfoHash returns the 20-byte swarm identifier: the SHA1 info hash when v1
// metadata is present, else the truncated SHA256 info hash.
func (mi *MetaInfo) InfoHash() core.InfoHash {
	if mi.hasV1 {
		return mi.infoHash
	}
	return mi.infoHashV2.Truncated()
}

// InfoHashV2 returns the 32-byte SHA256 info hash. Zero for v1-only torrents.
func (mi *MetaInfo) InfoHashV2() core.InfoHashV2 { return mi.infoHashV2 }

// NumPieces returns the number of pieces in the torrent.
func (mi *MetaInfo) NumPieces() int {
	return int((mi.length + mi.pieceLength - 1) / mi.pieceLength)
}

// GetPieceLength returns the length of piece i.
func (mi *MetaInfo) GetPieceLength(i int) int64 {
	if i < 0 || i >= mi.NumPieces() {
		return 0
	}
	start := int64(i) * mi.pieceLength
	n := mi.length - start
	if n > mi.pieceLength {
		n = mi.pieceLength
	}
	return n
}

// PieceSum returns the v1 SHA1 sum of piece i. Does not check bounds.
func (mi *MetaInfo) PieceSum(i int) [20]byte {
	return mi.pieceSums[i]
}

// PieceLayer returns the v2 piece-layer digests for the given file path, or
// false if the file is not larger than one piece.
func (mi *MetaInfo) PieceLayer(displayPath string) ([]merkle.Digest, bool) {
	l, ok := mi.pieceLayers[displayPath]
	return l, ok
}

// FileForPiece returns the file containing piece i. For v1 multi-file
// torrents without alignment a piece may span files; the file containing the
// piece's first byte is returned.
func (mi *MetaInfo) FileForPiece(i int) (File, error) {
	start := int64(i) * mi.pieceLength
	for _, f := range mi.files {
		if start >= f.Offset && start < f.Offset+f.Length {
			return f, nil
		}
	}
	return File{}, fmt.Errorf("piece %d outside file list", i)
}

func (mi *MetaInfo) String() string {
	return fmt.Sprintf("metainfo(name=%s, hash=%s)", mi.name, mi.InfoHash().Hex())
}

// Equal reports whether two parsed torrents have identical bencoded forms.
func (mi *MetaInfo) Equal(o *MetaInfo) bool {
	return bytes.Equal(mi.Encode(), o.Encode())
}
