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

// Package wire implements the BEP 3 peer-wire codec: message framing, the
// protocol handshake, the fast extension (BEP 6), the extension protocol
// (BEP 10) and the v2 hash transfer messages (BEP 52). The codec owns no
// network resources; it encodes to and decodes from plain readers/writers.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/tristanperalta/riptide/lib/torrent/merkle"
)

// MaxFrameSize bounds a single decoded frame. The largest legal frames are
// PIECE (one 16 KiB block plus header) and HASHES (up to 512 hashes plus
// proof); anything bigger is a protocol violation.
const MaxFrameSize = 32 * 1024

// MessageID enumerates peer-wire message types.
type MessageID byte

// Peer-wire message ids.
const (
	MsgChoke         MessageID = 0
	MsgUnchoke       MessageID = 1
	MsgInterested    MessageID = 2
	MsgNotInterested MessageID = 3
	MsgHave          MessageID = 4
	MsgBitfield      MessageID = 5
	MsgRequest       MessageID = 6
	MsgPiece         MessageID = 7
	MsgCancel        MessageID = 8
	MsgPort          MessageID = 9

	// Fast extension (BEP 6).
	MsgSuggestPiece  MessageID = 13
	MsgHaveAll       MessageID = 14
	MsgHaveNone      MessageID = 15
	MsgRejectRequest MessageID = 16
	MsgAllowedFast   MessageID = 17

	// Extension protocol (BEP 10).
	MsgExtended MessageID = 20

	// v2 hash transfer (BEP 52).
	MsgHashRequest MessageID = 21
	MsgHashes      MessageID = 22
	MsgHashReject  MessageID = 23
)

func (id MessageID) String() string {
	switch id {
	case MsgChoke:
		return "CHOKE"
	case MsgUnchoke:
		return "UNCHOKE"
	case MsgInterested:
		return "INTERESTED"
	case MsgNotInterested:
		return "NOT_INTERESTED"
	case MsgHave:
		return "HAVE"
	case MsgBitfield:
		return "BITFIELD"
	case MsgRequest:
		return "REQUEST"
	case MsgPiece:
		return "PIECE"
	case MsgCancel:
		return "CANCEL"
	case MsgPort:
		return "PORT"
	case MsgSuggestPiece:
		return "SUGGEST_PIECE"
	case MsgHaveAll:
		return "HAVE_ALL"
	case MsgHaveNone:
		return "HAVE_NONE"
	case MsgRejectRequest:
		return "REJECT_REQUEST"
	case MsgAllowedFast:
		return "ALLOWED_FAST"
	case MsgExtended:
		return "EXTENDED"
	case MsgHashRequest:
		return "HASH_REQUEST"
	case MsgHashes:
		return "HASHES"
	case MsgHashReject:
		return "HASH_REJECT"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", byte(id))
	}
}

// ProtocolError reports a frame which violates the peer-wire protocol. The
// offending connection must be closed.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Reason
}

// IsProtocolError returns true if err indicates a peer-wire violation.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

func protocolErrorf(format string, args ...interface{}) error {
	return &ProtocolError{fmt.Sprintf(format, args...)}
}

// HashRequest is the common head of the v2 hash messages: HASH_REQUEST,
// HASH_REJECT, and the leading fields of HASHES.
type HashRequest struct {
	PiecesRoot  merkle.Digest
	BaseLayer   uint32
	Index       uint32
	Length      uint32
	ProofLayers uint32
}

func (hr *HashRequest) validate() error {
	l := hr.Length
	if l < 2 || l > 512 || l&(l-1) != 0 {
		return protocolErrorf("hash request length %d is not a power of two in [2, 512]", l)
	}
	if hr.Index%l != 0 {
		return protocolErrorf("hash request index %d is not a multiple of length %d", hr.Index, l)
	}
	return nil
}

// Message is a single decoded peer-wire message. Exactly the fields implied
// by ID are populated.
type Message struct {
	ID        MessageID
	KeepAlive bool

	Index  uint32 // HAVE, REQUEST, PIECE, CANCEL, SUGGEST_PIECE, REJECT_REQUEST, ALLOWED_FAST
	Begin  uint32 // REQUEST, PIECE, CANCEL, REJECT_REQUEST
	Length uint32 // REQUEST, CANCEL, REJECT_REQUEST

	Bitfield []byte // BITFIELD
	Block    []byte // PIECE
	Port     uint16 // PORT

	ExtendedID      byte   // EXTENDED
	ExtendedPayload []byte // EXTENDED

	HashRequest *HashRequest    // HASH_REQUEST, HASHES, HASH_REJECT
	Hashes      []merkle.Digest // HASHES
}

func (m *Message) String() string {
	if m.KeepAlive {
		return "KEEP_ALIVE"
	}
	return m.ID.String()
}

// NewKeepAliveMessage returns a zero-length frame.
func NewKeepAliveMessage() *Message {
	return &Message{KeepAlive: true}
}

// NewChokeMessage returns a CHOKE message.
func NewChokeMessage() *Message { return &Message{ID: MsgChoke} }

// NewUnchokeMessage returns an UNCHOKE message.
func NewUnchokeMessage() *Message { return &Message{ID: MsgUnchoke} }

// NewInterestedMessage returns an INTERESTED message.
func NewInterestedMessage() *Message { return &Message{ID: MsgInterested} }

// NewNotInterestedMessage returns a NOT_INTERESTED message.
func NewNotInterestedMessage() *Message { return &Message{ID: MsgNotInterested} }

// NewHaveMessage returns a HAVE message.
func NewHaveMessage(piece int) *Message {
	return &Message{ID: MsgHave, Index: uint32(piece)}
}

// NewBitfieldMessage returns a BITFIELD message.
func NewBitfieldMessage(bitfield []byte) *Message {
	return &Message{ID: MsgBitfield, Bitfield: bitfield}
}

// NewRequestMessage returns a REQUEST message for a block.
func NewRequestMessage(piece int, begin, length uint32) *Message {
	return &Message{ID: MsgRequest, Index: uint32(piece), Begin: begin, Length: length}
}

// NewPieceMessage returns a PIECE message carrying a block payload.
func NewPieceMessage(piece int, begin uint32, block []byte) *Message {
	return &Message{ID: MsgPiece, Index: uint32(piece), Begin: begin, Block: block}
}

// NewCancelMessage returns a CANCEL message for a block.
func NewCancelMessage(piece int, begin, length uint32) *Message {
	return &Message{ID: MsgCancel, Index: uint32(piece), Begin: begin, Length: length}
}

// NewPortMessage returns a PORT message advertising a DHT port.
func NewPortMessage(port uint16) *Message {
	return &Message{ID: MsgPort, Port: port}
}

// NewSuggestPieceMessage returns a SUGGEST_PIECE message.
func NewSuggestPieceMessage(piece int) *Message {
	return &Message{ID: MsgSuggestPiece, Index: uint32(piece)}
}

// NewHaveAllMessage returns a HAVE_ALL message.
func NewHaveAllMessage() *Message { return &Message{ID: MsgHaveAll} }

// NewHaveNoneMessage returns a HAVE_NONE message.
func NewHaveNoneMessage() *Message { return &Message{ID: MsgHaveNone} }

// NewRejectRequestMessage returns a REJECT_REQUEST message for a block.
func NewRejectRequestMessage(piece int, begin, length uint32) *Message {
	return &Message{ID: MsgRejectRequest, Index: uint32(piece), Begin: begin, Length: length}
}

// NewAllowedFastMessage returns an ALLOWED_FAST message.
func NewAllowedFastMessage(piece int) *Message {
	return &Message{ID: MsgAllowedFast, Index: uint32(piece)}
}

// NewExtendedMessage returns an EXTENDED message.
func NewExtendedMessage(extID byte, payload []byte) *Message {
	return &Message{ID: MsgExtended, ExtendedID: extID, ExtendedPayload: payload}
}

// NewHashRequestMessage returns a HASH_REQUEST message.
func NewHashRequestMessage(hr HashRequest) *Message {
	return &Message{ID: MsgHashRequest, HashRequest: &hr}
}

// NewHashesMessage returns a HASHES message.
func NewHashesMessage(hr HashRequest, hashes []merkle.Digest) *Message {
	return &Message{ID: MsgHashes, HashRequest: &hr, Hashes: hashes}
}

// NewHashRejectMessage returns a HASH_REJECT message.
func NewHashRejectMessage(hr HashRequest) *Message {
	return &Message{ID: MsgHashReject, HashRequest: &hr}
}

func (m *Message) payloadLen() int {
	switch m.ID {
	case MsgHave, MsgSuggestPiece, MsgAllowedFast:
		return 4
	case MsgRequest, MsgCancel, MsgRejectRequest:
		return 12
	case MsgBitfield:
		return len(m.Bitfield)
	case MsgPiece:
		return 8 + len(m.Block)
	case MsgPort:
		return 2
	case MsgExtended:
		return 1 + len(m.ExtendedPayload)
	case MsgHashRequest, MsgHashReject:
		return 48
	case MsgHashes:
		return 48 + 32*len(m.Hashes)
	default:
		return 0
	}
}

// Encode writes the framed form of m to w.
func Encode(w io.Writer, m *Message) error {
	if m.KeepAlive {
		return binary.Write(w, binary.BigEndian, uint32(0))
	}
	buf := make([]byte, 0, 5+m.payloadLen())
	buf = binary.BigEndian.AppendUint32(buf, uint32(1+m.payloadLen()))
	buf = append(buf, byte(m.ID))

	switch m.ID {
	case MsgHave, MsgSuggestPiece, MsgAllowedFast:
		buf = binary.BigEndian.AppendUint32(buf, m.Index)
	case MsgRequest, MsgCancel, MsgRejectRequest:
		buf = binary.BigEndian.AppendUint32(buf, m.Index)
		buf = binary.BigEndian.AppendUint32(buf, m.Begin)
		buf = binary.BigEndian.AppendUint32(buf, m.Length)
	case MsgBitfield:
		buf = append(buf, m.Bitfield...)
	case MsgPiece:
		buf = binary.BigEndian.AppendUint32(buf, m.Index)
		buf = binary.BigEndian.AppendUint32(buf, m.Begin)
		buf = append(buf, m.Block...)
	case MsgPort:
		buf = binary.BigEndian.AppendUint16(buf, m.Port)
	case MsgExtended:
		buf = append(buf, m.ExtendedID)
		buf = append(buf, m.ExtendedPayload...)
	case MsgHashRequest, MsgHashReject:
		buf = appendHashRequest(buf, m.HashRequest)
	case MsgHashes:
		buf = appendHashRequest(buf, m.HashRequest)
		for _, h := range m.Hashes {
			buf = append(buf, h[:]...)
		}
	}
	_, err := w.Write(buf)
	return err
}

func appendHashRequest(buf []byte, hr *HashRequest) []byte {
	buf = append(buf, hr.PiecesRoot[:]...)
	buf = binary.BigEndian.AppendUint32(buf, hr.BaseLayer)
	buf = binary.BigEndian.AppendUint32(buf, hr.Index)
	buf = binary.BigEndian.AppendUint32(buf, hr.Length)
	buf = binary.BigEndian.AppendUint32(buf, hr.ProofLayers)
	return buf
}

// Decode reads one framed message from r. The reader must be positioned at a
// frame boundary; Decode never returns a partially consumed frame.
func Decode(r io.Reader) (*Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	frameLen := binary.BigEndian.Uint32(lenBuf[:])
	if frameLen == 0 {
		return NewKeepAliveMessage(), nil
	}
	if frameLen > MaxFrameSize {
		return nil, protocolErrorf("frame exceeds max size: %d > %d", frameLen, MaxFrameSize)
	}
	frame := make([]byte, frameLen)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, err
	}
	return decodeFrame(frame)
}

func decodeFrame(frame []byte) (*Message, error) {
	id := MessageID(frame[0])
	payload := frame[1:]

	m := &Message{ID: id}
	switch id {
	case MsgChoke, MsgUnchoke, MsgInterested, MsgNotInterested, MsgHaveAll, MsgHaveNone:
		if len(payload) != 0 {
			return nil, protocolErrorf("%s carries unexpected payload", id)
		}
	case MsgHave, MsgSuggestPiece, MsgAllowedFast:
		if len(payload) != 4 {
			return nil, protocolErrorf("%s payload is %d bytes, expected 4", id, len(payload))
		}
		m.Index = binary.BigEndian.Uint32(payload)
	case MsgBitfield:
		m.Bitfield = payload
	case MsgRequest, MsgCancel, MsgRejectRequest:
		if len(payload) != 12 {
			return nil, protocolErrorf("%s payload is %d bytes, expected 12", id, len(payload))
		}
		m.Index = binary.BigEndian.Uint32(payload)
		m.Begin = binary.BigEndian.Uint32(payload[4:])
		m.Length = binary.BigEndian.Uint32(payload[8:])
	case MsgPiece:
		if len(payload) < 8 {
			return nil, protocolErrorf("PIECE payload is %d bytes, expected at least 8", len(payload))
		}
		m.Index = binary.BigEndian.Uint32(payload)
		m.Begin = binary.BigEndian.Uint32(payload[4:])
		m.Block = payload[8:]
	case MsgPort:
		if len(payload) != 2 {
			return nil, protocolErrorf("PORT payload is %d bytes, expected 2", len(payload))
		}
		m.Port = binary.BigEndian.Uint16(payload)
	case MsgExtended:
		if len(payload) < 1 {
			return nil, protocolErrorf("EXTENDED frame carries no extension id")
		}
		m.ExtendedID = payload[0]
		m.ExtendedPayload = payload[1:]
	case MsgHashRequest, MsgHashReject:
		hr, err := decodeHashRequest(id, payload)
		if err != nil {
			return nil, err
		}
		m.HashRequest = hr
	case MsgHashes:
		if len(payload) < 48 {
			return nil, protocolErrorf("HASHES payload is %d bytes, expected at least 48", len(payload))
		}
		hr, err := decodeHashRequest(id, payload[:48])
		if err != nil {
			return nil, err
		}
		rest := payload[48:]
		if len(rest)%32 != 0 {
			return nil, protocolErrorf("HASHES hash bytes %d not a multiple of 32", len(rest))
		}
		expected := int(hr.Length + hr.ProofLayers)
		if len(rest)/32 != expected {
			return nil, protocolErrorf(
				"HASHES carries %d hashes, expected %d", len(rest)/32, expected)
		}
		hashes := make([]merkle.Digest, len(rest)/32)
		for i := range hashes {
			copy(hashes[i][:], rest[i*32:])
		}
		m.HashRequest = hr
		m.Hashes = hashes
	default:
		return nil, protocolErrorf("unknown message id %d", byte(id))
	}
	return m, nil
}

func decodeHashRequest(id MessageID, payload []byte) (*HashRequest, error) {
	if len(payload) != 48 {
		return nil, protocolErrorf("%s payload is %d bytes, expected 48", id, len(payload))
	}
	hr := &HashRequest{}
	copy(hr.PiecesRoot[:], payload)
	hr.BaseLayer = binary.BigEndian.Uint32(payload[32:])
	hr.Index = binary.BigEndian.Uint32(payload[36:])
	hr.Length = binary.BigEndian.Uint32(payload[40:])
	hr.ProofLayers = binary.BigEndian.Uint32(payload[44:])
	if err := hr.validate(); err != nil {
		return nil, err
	}
	return hr, nil
}
