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
package core

import (
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// InfoHash is the 20-byte SHA1 hash of a torrent's bencoded info dict. It is
// the authoritative identifier for a v1 swarm, and the on-wire identifier for
// v2 swarms (see InfoHashV2.Truncated).
type InfoHash [20]byte

// NewInfoHashFromHex converts a hexadecimal string into an InfoHash.
func NewInfoHashFromHex(s string) (InfoHash, error) {
	if len(s) != 40 {
		return InfoHash{}, fmt.Errorf("invalid hash: expected 40 characters, got %d", len(s))
	}
	var h InfoHash
	n, err := hex.Decode(h[:], []byte(s))
	if err != nil {
		return InfoHash{}, fmt.Errorf("invalid hex: %s", err)
	}
	if n != 20 {
		return InfoHash{}, fmt.Errorf("invariant violation: expected 20 bytes, got %d", n)
	}
	return h, nil
}

// NewInfoHashFromBytes hashes the given bencoded info dict bytes into an
// InfoHash.
func NewInfoHashFromBytes(b []byte) InfoHash {
	var h InfoHash
	hasher := sha1.New()
	hasher.Write(b)
	copy(h[:], hasher.Sum(nil))
	return h
}

// Bytes converts h to raw bytes.
func (h InfoHash) Bytes() []byte {
	return h[:]
}

// Hex converts h into a hexadecimal string.
func (h InfoHash) Hex() string {
	return hex.EncodeToString(h[:])
}

func (h InfoHash) String() string {
	return h.Hex()
}

// InfoHashV2 is the 32-byte SHA256 hash of a v2 torrent's bencoded info dict.
type InfoHashV2 [32]byte

// NewInfoHashV2FromHex converts a hexadecimal string into an InfoHashV2.
func NewInfoHashV2FromHex(s string) (InfoHashV2, error) {
	if len(s) != 64 {
		return InfoHashV2{}, fmt.Errorf("invalid hash: expected 64 characters, got %d", len(s))
	}
	var h InfoHashV2
	if _, err := hex.Decode(h[:], []byte(s)); err != nil {
		return InfoHashV2{}, fmt.Errorf("invalid hex: %s", err)
	}
	return h, nil
}

// NewInfoHashV2FromBytes hashes the given bencoded info dict bytes into an
// InfoHashV2.
func NewInfoHashV2FromBytes(b []byte) InfoHashV2 {
	return sha256.Sum256(b)
}

// Truncated returns the 20-byte truncation of h used on overlays which key
// swarms by 20-byte hashes.
func (h InfoHashV2) Truncated() InfoHash {
	var t InfoHash
	copy(t[:], h[:20])
	return t
}

// Bytes converts h to raw bytes.
func (h InfoHashV2) Bytes() []byte {
	return h[:]
}

// Hex converts h into a hexadecimal string.
func (h InfoHashV2) Hex() string {
	return hex.EncodeToString(h[:])
}

func (h InfoHashV2) String() string {
	return h.Hex()
}
