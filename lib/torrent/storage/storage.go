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

// Package storage defines the torrent storage contract consumed by the
// scheduler: piece-granular reads and verified writes.
package storage

import (
	"errors"
	"fmt"
	"io"

	"github.com/tristanperalta/riptide/core"
	"github.com/tristanperalta/riptide/lib/torrent/merkle"

	"github.com/willf/bitset"
)

// ErrPieceComplete is returned by WritePiece when the piece was already
// written. Duplicate endgame payloads land here.
var ErrPieceComplete = errors.New("piece is already complete")

// ErrWritePieceConflict is returned by WritePiece when another write for the
// same piece is in flight.
var ErrWritePieceConflict = errors.New("piece is already being written to")

// VerifyError indicates a piece failed hash verification. The piece returns
// to missing and the sending peer is debited.
type VerifyError struct {
	Piece  int
	Reason string
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("piece %d failed verification: %s", e.Piece, e.Reason)
}

// IsVerifyError returns true if err is a VerifyError.
func IsVerifyError(err error) bool {
	var ve *VerifyError
	return errors.As(err, &ve)
}

// HybridMismatchError indicates the v1 and v2 hashes of a hybrid torrent
// disagree about a piece. Unlike a VerifyError this is unrecoverable: the
// metadata itself is inconsistent and the download must stop.
type HybridMismatchError struct {
	Piece int
}

func (e *HybridMismatchError) Error() string {
	return fmt.Sprintf("hybrid hash mismatch on piece %d: v1 and v2 disagree", e.Piece)
}

// IsHybridMismatchError returns true if err is a HybridMismatchError.
func IsHybridMismatchError(err error) bool {
	var he *HybridMismatchError
	return errors.As(err, &he)
}

// WriteError indicates a disk write failed. Unrecoverable for the session.
type WriteError struct {
	Piece int
	Cause error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write piece %d: %s", e.Piece, e.Cause)
}

func (e *WriteError) Unwrap() error { return e.Cause }

// IsWriteError returns true if err is a WriteError.
func IsWriteError(err error) bool {
	var we *WriteError
	return errors.As(err, &we)
}

// PieceReader supplies a piece payload.
type PieceReader interface {
	io.ReadCloser
	Length() int
}

// Torrent represents a read/write interface for downloading / seeding a
// torrent's data.
type Torrent interface {
	Name() string
	InfoHash() core.InfoHash
	NumPieces() int
	Length() int64
	PieceLength(piece int) int64
	MaxPieceLength() int64
	Complete() bool
	BytesDownloaded() int64
	Bitfield() *bitset.BitSet
	HasPiece(piece int) bool
	MissingPieces() []int
	WritePiece(src PieceReader, piece int) error
	GetPieceReader(piece int) (PieceReader, error)
	Stat() *TorrentInfo
}

// HashProvider serves v2 hash tree slices for BEP 52 hash requests. Torrents
// backed by v2 metadata implement it.
type HashProvider interface {
	// Hashes returns the hashes covering [index, index+length) at baseLayer
	// of the tree rooted at root, followed by proofLayers uncle hashes.
	Hashes(root merkle.Digest, baseLayer, index, length, proofLayers int) ([]merkle.Digest, error)
}

// TorrentInfo is an immutable snapshot of a torrent's state.
type TorrentInfo struct {
	name     string
	infoHash core.InfoHash
	bitfield *bitset.BitSet
	length   int64
	v2       bool
}

// NewTorrentInfo creates a new TorrentInfo.
func NewTorrentInfo(
	name string,
	infoHash core.InfoHash,
	length int64,
	bitfield *bitset.BitSet,
	v2 bool) *TorrentInfo {

	return &TorrentInfo{name, infoHash, bitfield, length, v2}
}

// HasV2 returns true if the torrent carries v2 metadata.
func (i *TorrentInfo) HasV2() bool { return i.v2 }

// NumPieces returns the number of pieces in the torrent.
func (i *TorrentInfo) NumPieces() int { return int(i.bitfield.Len()) }

// Name returns the torrent name.
func (i *TorrentInfo) Name() string { return i.name }

// InfoHash returns the swarm identifier.
func (i *TorrentInfo) InfoHash() core.InfoHash { return i.infoHash }

// Length returns the torrent piece-space length.
func (i *TorrentInfo) Length() int64 { return i.length }

// Bitfield returns the completed-piece bitfield at snapshot time.
func (i *TorrentInfo) Bitfield() *bitset.BitSet { return i.bitfield }

// PercentDownloaded returns the percent of pieces downloaded, in [0, 100].
func (i *TorrentInfo) PercentDownloaded() int {
	n := i.bitfield.Len()
	if n == 0 {
		return 0
	}
	return int(float64(i.bitfield.Count()) / float64(n) * 100)
}

func (i *TorrentInfo) String() string {
	return fmt.Sprintf("torrent(name=%s, hash=%s, downloaded=%d%%)",
		i.name, i.infoHash.Hex(), i.PercentDownloaded())
}
