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
package wire

import "github.com/willf/bitset"

// BitfieldBytes converts a piece bitfield to the BEP 3 wire form: one bit per
// piece, most significant bit first, spare bits zero.
func BitfieldBytes(b *bitset.BitSet, numPieces int) []byte {
	out := make([]byte, (numPieces+7)/8)
	for i := 0; i < numPieces; i++ {
		if b.Test(uint(i)) {
			out[i/8] |= 0x80 >> uint(i%8)
		}
	}
	return out
}

// ParseBitfield converts wire bitfield bytes to a bitset. A bitfield of the
// wrong size, or one with spare bits set, is a protocol error.
func ParseBitfield(raw []byte, numPieces int) (*bitset.BitSet, error) {
	if len(raw) != (numPieces+7)/8 {
		return nil, protocolErrorf(
			"bitfield is %d bytes for %d pieces, expected %d", len(raw), numPieces, (numPieces+7)/8)
	}
	b := bitset.New(uint(numPieces))
	for i := 0; i < len(raw)*8; i++ {
		if raw[i/8]&(0x80>>uint(i%8)) == 0 {
			continue
		}
		if i >= numPieces {
			return nil, protocolErrorf("bitfield has spare bit %d set", i)
		}
		b.Set(uint(i))
	}
	return b, nil
}
