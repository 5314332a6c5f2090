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
	"encoding/binary"
	"testing"

	"github.com/tristanperalta/riptide/lib/torrent/merkle"

	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, m *Message) *Message {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, m))
	decoded, err := Decode(&buf)
	require.NoError(t, err)
	return decoded
}

func TestMessageRoundTrip(t *testing.T) {
	hr := HashRequest{BaseLayer: 2, Index: 8, Length: 4, ProofLayers: 2}
	hr.PiecesRoot[0] = 0xab

	hashes := make([]merkle.Digest, 6)
	for i := range hashes {
		hashes[i][0] = byte(i)
	}

	tests := []*Message{
		NewKeepAliveMessage(),
		NewChokeMessage(),
		NewUnchokeMessage(),
		NewInterestedMessage(),
		NewNotInterestedMessage(),
		NewHaveMessage(42),
		NewBitfieldMessage([]byte{0xf0, 0x80}),
		NewRequestMessage(3, 16384, 16384),
		NewPieceMessage(3, 16384, []byte("block bytes")),
		NewCancelMessage(3, 16384, 16384),
		NewPortMessage(6881),
		NewSuggestPieceMessage(7),
		NewHaveAllMessage(),
		NewHaveNoneMessage(),
		NewRejectRequestMessage(1, 0, 16384),
		NewAllowedFastMessage(9),
		NewExtendedMessage(0, []byte("d1:md2:ut1:1eee")),
		NewHashRequestMessage(hr),
		NewHashesMessage(hr, hashes),
		NewHashRejectMessage(hr),
	}
	for _, m := range tests {
		t.Run(m.String(), func(t *testing.T) {
			require.Equal(t, m, roundTrip(t, m))
		})
	}
}

func TestDecodeRejectsMalformedFrames(t *testing.T) {
	frame := func(parts ...[]byte) []byte {
		var payload []byte
		for _, p := range parts {
			payload = append(payload, p...)
		}
		out := binary.BigEndian.AppendUint32(nil, uint32(len(payload)))
		return append(out, payload...)
	}

	tests := []struct {
		description string
		data        []byte
	}{
		{"oversized frame", binary.BigEndian.AppendUint32(nil, MaxFrameSize+1)},
		{"unknown id", frame([]byte{99})},
		{"choke with payload", frame([]byte{byte(MsgChoke), 1})},
		{"have too short", frame([]byte{byte(MsgHave), 1, 2})},
		{"request too short", frame([]byte{byte(MsgRequest), 1, 2, 3, 4})},
		{"piece too short", frame([]byte{byte(MsgPiece), 1, 2, 3, 4, 5})},
		{"port too long", frame([]byte{byte(MsgPort), 1, 2, 3})},
		{"extended empty", frame([]byte{byte(MsgExtended)})},
		{"hash request short", frame([]byte{byte(MsgHashRequest), 1, 2})},
	}
	for _, test := range tests {
		t.Run(test.description, func(t *testing.T) {
			_, err := Decode(bytes.NewReader(test.data))
			require.Error(t, err)
			require.True(t, IsProtocolError(err))
		})
	}
}

func TestDecodeRejectsInvalidHashRequests(t *testing.T) {
	tests := []struct {
		description string
		hr          HashRequest
	}{
		{"length not power of two", HashRequest{Length: 3}},
		{"length too small", HashRequest{Length: 1}},
		{"length too large", HashRequest{Length: 1024}},
		{"index not multiple of length", HashRequest{Index: 3, Length: 4}},
	}
	for _, test := range tests {
		t.Run(test.description, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, Encode(&buf, NewHashRequestMessage(test.hr)))
			_, err := Decode(&buf)
			require.Error(t, err)
			require.True(t, IsProtocolError(err))
		})
	}
}

func TestPieceBlockBoundedByFrame(t *testing.T) {
	require := require.New(t)

	block := make([]byte, 16384)
	m := roundTrip(t, NewPieceMessage(0, 0, block))
	require.Len(m.Block, 16384)
}
