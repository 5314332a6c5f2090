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

// Package filestorage implements torrent storage on a local directory tree,
// with hash verification dispatched per the torrent's metadata version.
package filestorage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/tristanperalta/riptide/core"
	"github.com/tristanperalta/riptide/lib/torrent/merkle"
	"github.com/tristanperalta/riptide/lib/torrent/metainfo"
	"github.com/tristanperalta/riptide/lib/torrent/storage"
	"github.com/tristanperalta/riptide/lib/torrent/storage/piecereader"

	"github.com/willf/bitset"
	"go.uber.org/atomic"
)

type pieceStatus int

const (
	_empty pieceStatus = iota
	_complete
	_dirty
)

type piece struct {
	sync.RWMutex
	status pieceStatus
}

func (p *piece) complete() bool {
	p.RLock()
	defer p.RUnlock()
	return p.status == _complete
}

// tryMarkDirty marks the piece dirty if it is writable. Returns the previous
// dirty / complete state.
func (p *piece) tryMarkDirty() (dirty, complete bool) {
	p.Lock()
	defer p.Unlock()

	switch p.status {
	case _empty:
		p.status = _dirty
	case _dirty:
		dirty = true
	case _complete:
		complete = true
	}
	return
}

func (p *piece) markEmpty() {
	p.Lock()
	defer p.Unlock()
	p.status = _empty
}

func (p *piece) markComplete() {
	p.Lock()
	defer p.Unlock()
	p.status = _complete
}

// Torrent stores a torrent's data as its file list under a root directory.
// It allows concurrent writes on distinct pieces and concurrent reads on all
// pieces. Behavior is undefined if multiple Torrent instances are backed by
// the same directory and metainfo.
type Torrent struct {
	mi          *metainfo.MetaInfo
	dir         string
	fmap        *fileMap
	verifier    *verifier
	pieces      []*piece
	numComplete *atomic.Int32
}

// NewTorrent creates a new Torrent rooted at dir, creating the directory
// structure and restoring completion state from a previous run if data is
// already present and verifiable.
func NewTorrent(config Config, dir string, mi *metainfo.MetaInfo) (*Torrent, error) {
	config = config.applyDefaults()

	v, err := newVerifier(config, mi)
	if err != nil {
		return nil, fmt.Errorf("verifier: %s", err)
	}

	pieces := make([]*piece, mi.NumPieces())
	for i := range pieces {
		pieces[i] = &piece{}
	}

	t := &Torrent{
		mi:          mi,
		dir:         dir,
		fmap:        newFileMap(mi),
		verifier:    v,
		pieces:      pieces,
		numComplete: atomic.NewInt32(0),
	}
	if err := t.createFiles(); err != nil {
		return nil, fmt.Errorf("create files: %s", err)
	}
	t.restorePieces()
	return t, nil
}

func (t *Torrent) createFiles() error {
	for _, f := range t.mi.Files() {
		if f.Padding {
			continue
		}
		path := filepath.Join(append([]string{t.dir}, f.Path...)...)
		if err := os.MkdirAll(filepath.Dir(path), 0775); err != nil {
			return err
		}
		fh, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
		if err != nil {
			return err
		}
		fh.Close()
	}
	return nil
}

// restorePieces re-verifies any piece whose bytes are already on disk, so an
// interrupted download resumes from the files themselves.
func (t *Torrent) restorePieces() {
	for i := range t.pieces {
		buf, err := t.readPiece(i)
		if err != nil {
			continue
		}
		if t.verifier.verify(buf, i) == nil {
			t.pieces[i].markComplete()
			t.numComplete.Inc()
		}
	}
}

// Name returns the torrent name.
func (t *Torrent) Name() string {
	return t.mi.Name()
}

// InfoHash returns the torrent's swarm identifier.
func (t *Torrent) InfoHash() core.InfoHash {
	return t.mi.InfoHash()
}

// NumPieces returns the number of pieces in the torrent.
func (t *Torrent) NumPieces() int {
	return len(t.pieces)
}

// Length returns the length of the torrent piece space.
func (t *Torrent) Length() int64 {
	return t.mi.Length()
}

// PieceLength returns the length of piece pi.
func (t *Torrent) PieceLength(pi int) int64 {
	return t.mi.GetPieceLength(pi)
}

// MaxPieceLength returns the longest piece length of the torrent.
func (t *Torrent) MaxPieceLength() int64 {
	return t.mi.PieceLength()
}

// Complete indicates whether the torrent is complete.
func (t *Torrent) Complete() bool {
	return int(t.numComplete.Load()) == len(t.pieces)
}

// BytesDownloaded returns an estimate of the number of bytes downloaded.
func (t *Torrent) BytesDownloaded() int64 {
	n := int64(t.numComplete.Load()) * t.mi.PieceLength()
	if n > t.mi.Length() {
		return t.mi.Length()
	}
	return n
}

// Bitfield returns the bitfield of completed pieces.
func (t *Torrent) Bitfield() *bitset.BitSet {
	bf := bitset.New(uint(len(t.pieces)))
	for i, p := range t.pieces {
		if p.complete() {
			bf.Set(uint(i))
		}
	}
	return bf
}

// Stat returns a snapshot of t's state.
func (t *Torrent) Stat() *storage.TorrentInfo {
	return storage.NewTorrentInfo(t.Name(), t.InfoHash(), t.Length(), t.Bitfield(), t.mi.HasV2())
}

// HasPiece returns true if piece pi is complete.
func (t *Torrent) HasPiece(pi int) bool {
	if pi < 0 || pi >= len(t.pieces) {
		return false
	}
	return t.pieces[pi].complete()
}

// MissingPieces returns the indices of all missing pieces.
func (t *Torrent) MissingPieces() []int {
	var missing []int
	for i, p := range t.pieces {
		if !p.complete() {
			missing = append(missing, i)
		}
	}
	return missing
}

func (t *Torrent) String() string {
	return t.Stat().String()
}

// WritePiece verifies and writes the payload of piece pi. Verification always
// precedes the write: a payload which fails its hash never touches disk. At
// most one write per piece is in flight; losers of the race receive
// ErrWritePieceConflict or ErrPieceComplete.
func (t *Torrent) WritePiece(src storage.PieceReader, pi int) error {
	if pi < 0 || pi >= len(t.pieces) {
		return fmt.Errorf("invalid piece index %d: num pieces = %d", pi, len(t.pieces))
	}
	if int64(src.Length()) != t.PieceLength(pi) {
		return fmt.Errorf(
			"invalid piece length: expected %d, got %d", t.PieceLength(pi), src.Length())
	}

	p := t.pieces[pi]
	dirty, complete := p.tryMarkDirty()
	if dirty {
		return storage.ErrWritePieceConflict
	} else if complete {
		return storage.ErrPieceComplete
	}

	// We are now the only writer of this piece; failures below must return
	// the piece to empty so another peer's payload can be tried.

	buf := make([]byte, src.Length())
	if _, err := io.ReadFull(src, buf); err != nil {
		p.markEmpty()
		return fmt.Errorf("read piece payload: %s", err)
	}

	if err := t.verifier.verify(buf, pi); err != nil {
		p.markEmpty()
		return err
	}

	if err := t.writeRegions(buf, pi); err != nil {
		p.markEmpty()
		return &storage.WriteError{Piece: pi, Cause: err}
	}

	p.markComplete()
	t.numComplete.Inc()
	return nil
}

func (t *Torrent) writeRegions(buf []byte, pi int) error {
	var off int64
	for _, r := range t.fmap.pieceRegions(pi, int64(len(buf))) {
		if r.padding {
			// Pad bytes exist only in the piece space.
			off += r.length
			continue
		}
		f, err := os.OpenFile(filepath.Join(t.dir, r.path), os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("open %s: %s", r.path, err)
		}
		n, err := f.WriteAt(buf[off:off+r.length], r.fileOffset)
		f.Close()
		if err != nil {
			return fmt.Errorf("write %s: %s", r.path, err)
		}
		if int64(n) != r.length {
			return fmt.Errorf("short write to %s: %d < %d", r.path, n, r.length)
		}
		off += r.length
	}
	return nil
}

func (t *Torrent) readPiece(pi int) ([]byte, error) {
	length := t.PieceLength(pi)
	buf := make([]byte, length)
	var off int64
	for _, r := range t.fmap.pieceRegions(pi, length) {
		if r.padding {
			off += r.length // Reads as zeroes.
			continue
		}
		f, err := os.Open(filepath.Join(t.dir, r.path))
		if err != nil {
			return nil, fmt.Errorf("open %s: %s", r.path, err)
		}
		n, err := f.ReadAt(buf[off:off+r.length], r.fileOffset)
		f.Close()
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("read %s: %s", r.path, err)
		}
		if int64(n) != r.length {
			return nil, fmt.Errorf("short read from %s: %d < %d", r.path, n, r.length)
		}
		off += r.length
	}
	return buf, nil
}

// Hashes serves BEP 52 hash requests from the torrent's piece-layer trees.
func (t *Torrent) Hashes(
	root merkle.Digest, baseLayer, index, length, proofLayers int) ([]merkle.Digest, error) {

	return t.verifier.hashes(root, baseLayer, index, length, proofLayers)
}

// GetPieceReader returns a reader over the payload of piece pi. Fails if the
// piece is not complete.
func (t *Torrent) GetPieceReader(pi int) (storage.PieceReader, error) {
	if pi < 0 || pi >= len(t.pieces) {
		return nil, fmt.Errorf("invalid piece index %d: num pieces = %d", pi, len(t.pieces))
	}
	if !t.pieces[pi].complete() {
		return nil, fmt.Errorf("piece %d not complete", pi)
	}
	buf, err := t.readPiece(pi)
	if err != nil {
		return nil, err
	}
	return piecereader.NewBuffer(buf), nil
}
