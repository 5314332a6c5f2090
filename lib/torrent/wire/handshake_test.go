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

import (
	"bytes"
	"testing"

	"github.com/tristanperalta/riptide/core"

	"github.com/stretchr/testify/require"
)

func TestHandshakeRoundTrip(t *testing.T) {
	require := require.New(t)

	hs := &Handshake{
		InfoHash: core.InfoHashFixture(),
		PeerID:   core.PeerIDFixture(),
	}
	hs.Reserved.SetExtension()
	hs.Reserved.SetFast()
	hs.Reserved.SetV2()

	var buf bytes.Buffer
	require.NoError(EncodeHandshake(&buf, hs))
	require.Equal(68, buf.Len())

	decoded, err := DecodeHandshake(&buf)
	require.NoError(err)
	require.Equal(hs, decoded)
	require.True(decoded.Reserved.SupportsExtension())
	require.True(decoded.Reserved.SupportsFast())
	require.True(decoded.Reserved.SupportsV2())
	require.False(decoded.Reserved.SupportsDHT())
	require.False(decoded.Reserved.SupportsLTEP())
}

func TestHandshakeReservedBitPositions(t *testing.T) {
	require := require.New(t)

	var r ReservedBits
	r.SetExtension()
	require.Equal(byte(0x10), r[5])
	r.SetDHT()
	r.SetFast()
	r.SetV2()
	r.SetLTEP()
	require.Equal(byte(0x8d), r[7])
}

func TestDecodeHandshakeRejectsWrongProtocol(t *testing.T) {
	require := require.New(t)

	raw := make([]byte, 68)
	raw[0] = 19
	copy(raw[1:], "HTTP/1.1 definitely")
	_, err := DecodeHandshake(bytes.NewReader(raw))
	require.Error(err)
	require.True(IsProtocolError(err))
}

func TestExtendedHandshakeRoundTrip(t *testing.T) {
	require := require.New(t)

	hs := &ExtendedHandshake{
		M:      map[string]int64{"ut_pex": 1, "lt_donthave": 7},
		V:      "riptide 1.0",
		P:      6881,
		Reqq:   250,
		YourIP: []byte{127, 0, 0, 1},
	}
	decoded, err := DecodeExtendedHandshake(EncodeExtendedHandshake(hs))
	require.NoError(err)
	require.Equal(hs, decoded)
}

func TestBitfieldRoundTrip(t *testing.T) {
	require := require.New(t)

	numPieces := 11
	b, err := ParseBitfield([]byte{0xa5, 0x60}, numPieces)
	require.NoError(err)
	require.Equal([]byte{0xa5, 0x60}, BitfieldBytes(b, numPieces))

	_, err = ParseBitfield([]byte{0xa5}, numPieces)
	require.Error(err)

	// Spare bit 11 set.
	_, err = ParseBitfield([]byte{0xa5, 0x70}, numPieces)
	require.Error(err)
}
